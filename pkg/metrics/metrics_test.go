package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When creating a manager with options", func() {
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10, 100}),
				WithMetricsEnabled(false),
				WithPrometheusRegistry(registry),
			)

			Convey("Then the options are applied", func() {
				So(manager.namespace, ShouldEqual, "test")
				So(manager.subsystem, ShouldEqual, "unit")
				So(manager.histogramBuckets, ShouldResemble, []float64{1, 10, 100})
				So(manager.enabled, ShouldBeFalse)
			})

			Convey("And its collectors are registered on that registry", func() {
				manager.submissions.WithLabelValues("accepted").Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(len(families), ShouldBeGreaterThan, 0)
				So(families[0].GetName(), ShouldStartWith, "test_unit_")
			})
		})

		Convey("Empty options keep defaults", func() {
			manager := NewManager(WithNamespace(""), WithSubsystem(""), WithHistogramBuckets(nil), WithPrometheusRegistry(registry))
			So(manager.namespace, ShouldEqual, "tally")
			So(manager.subsystem, ShouldEqual, "scoring")
			So(manager.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
		})
	})
}

func TestGlobalRecording(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("Submission outcomes are counted by label", func() {
			before := testutil.ToFloat64(globalManager.submissions.WithLabelValues("duplicate"))
			RecordSubmission("duplicate")
			RecordSubmission("duplicate")
			So(testutil.ToFloat64(globalManager.submissions.WithLabelValues("duplicate")), ShouldEqual, before+2)
		})

		Convey("Connection gauges move both ways", func() {
			before := testutil.ToFloat64(globalManager.connections.WithLabelValues("spectator"))
			ConnectionOpened("spectator")
			ConnectionOpened("spectator")
			ConnectionClosed("spectator")
			So(testutil.ToFloat64(globalManager.connections.WithLabelValues("spectator")), ShouldEqual, before+1)
		})

		Convey("Negative client latency is ignored", func() {
			So(func() {
				RecordClientLatency(-5)
				RecordClientLatency(12)
			}, ShouldNotPanic)
		})

		Convey("Every helper records without panicking", func() {
			So(func() {
				RecordConflictDetected("high")
				RecordConflictResolved("use_median")
				RecordAggregation("trimmed_mean", 0.4)
				RecordInsufficientData()
				RecordAutoFallback()
				RecordNotification("escalation", "sent")
				UpdateDedupeCacheSize(10)
				AddActiveConflicts(1)
				AddActiveConflicts(-1)
				RecordStandingsLatency(1)
				RecordBroadcast("judges")
				RecordFrameDropped()
				RecordSlowConsumerDisconnect()
				RecordRateLimited()
				RecordInboundMessage("ping")
				RecordOutboundQueueDepth(3)
				UpdateQueueCapacity(64)
				UpdateQueueSize("0", 5)
				UpdateQueueUtilization("0", 0.1)
				RecordQueueEnqueue()
				RecordQueueEnqueueError()
				UpdateWorkerCount(4)
				RecordWorkerProcessingLatency(2)
				RecordWorkerError()
				RecordRepositoryLatency("memory", "append_submission", 0.01)
				UpdateRepositoryRecords("submissions", 3)
				RecordHTTPRequest("/healthz", "GET", "200")
				RecordHTTPRequestDuration("/healthz", "GET", "200", 1.5)
				RecordErrorByComponent("hub", "rate_limited")
				UpdateSystemMemoryUsage(1 << 20)
				UpdateSystemGoroutineCount(12)
			}, ShouldNotPanic)
		})

		Convey("The custom registry is exposed", func() {
			So(GetRegistry(), ShouldEqual, customRegistry)
		})
	})
}
