package stats_test

import (
	"testing"

	"github.com/okian/tally/internal/domain/stats"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCentralTendency(t *testing.T) {
	Convey("Given a small sample", t, func() {
		values := []float64{70, 72, 75, 71, 98}

		Convey("Mean and median are computed without mutating input", func() {
			So(stats.Mean(values), ShouldAlmostEqual, 77.2, 1e-9)
			So(stats.Median(values), ShouldEqual, 72)
			So(values, ShouldResemble, []float64{70, 72, 75, 71, 98})
		})

		Convey("Median of an even sample averages the middle pair", func() {
			So(stats.Median([]float64{1, 4, 2, 3}), ShouldEqual, 2.5)
		})

		Convey("Empty samples yield zero", func() {
			So(stats.Mean(nil), ShouldEqual, 0)
			So(stats.Median(nil), ShouldEqual, 0)
			So(stats.TrimmedMean(nil, 0.2), ShouldEqual, 0)
		})
	})
}

func TestQuartilesAndOutliers(t *testing.T) {
	Convey("Given judge scores with one high value", t, func() {
		values := []float64{70, 72, 75, 71, 98}

		Convey("Quartiles interpolate between ranks", func() {
			q1, q2, q3 := stats.Quartiles(values)
			So(q1, ShouldEqual, 71)
			So(q2, ShouldEqual, 72)
			So(q3, ShouldEqual, 75)
			So(stats.IQR(values), ShouldEqual, 4)
		})

		Convey("98 is flagged as an outlier", func() {
			out := stats.Outliers(values)
			So(out, ShouldHaveLength, 1)
			So(out[0].Index, ShouldEqual, 4)
			So(out[0].Value, ShouldEqual, 98)
			So(out[0].Beyond, ShouldEqual, 17)
			So(out[0].Extreme, ShouldBeFalse)
		})

		Convey("A value far beyond the fence is extreme", func() {
			out := stats.Outliers([]float64{10, 11, 12, 11, 40})
			So(out, ShouldHaveLength, 1)
			So(out[0].Extreme, ShouldBeTrue)
		})

		Convey("Fewer than three values never produce outliers", func() {
			So(stats.Outliers([]float64{1, 100}), ShouldBeEmpty)
		})
	})
}

func TestDispersion(t *testing.T) {
	Convey("Given a sample with known spread", t, func() {
		values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

		So(stats.Variance(values), ShouldEqual, 4)
		So(stats.StdDev(values), ShouldEqual, 2)
		So(stats.CoefficientOfVariation(values), ShouldEqual, 0.4)

		Convey("Zero mean has zero coefficient of variation", func() {
			So(stats.CoefficientOfVariation([]float64{0, 0}), ShouldEqual, 0)
		})
	})
}

func TestTrimmedAndWeightedMean(t *testing.T) {
	Convey("Trimmed mean drops 20% from each tail", t, func() {
		So(stats.TrimmedMean([]float64{70, 72, 75, 71, 98}, 0.2), ShouldAlmostEqual, 72.666666, 1e-5)
	})

	Convey("Trimmed mean with nothing to trim is the plain mean", t, func() {
		So(stats.TrimmedMean([]float64{1, 2, 3}, 0.2), ShouldEqual, 2)
	})

	Convey("Trimmed mean with fraction >= 0.5 is the median", t, func() {
		So(stats.TrimmedMean([]float64{1, 2, 30}, 0.5), ShouldEqual, 2)
	})

	Convey("Weighted mean respects weights", t, func() {
		So(stats.WeightedMean([]float64{80, 90}, []float64{1, 3}), ShouldEqual, 87.5)
	})

	Convey("Weighted mean without positive weights falls back to mean", t, func() {
		So(stats.WeightedMean([]float64{80, 90}, []float64{0, 0}), ShouldEqual, 85)
	})
}

func TestDescribe(t *testing.T) {
	Convey("Describe bundles all statistics", t, func() {
		s := stats.Describe([]float64{70, 72, 75, 71, 98})
		So(s.N, ShouldEqual, 5)
		So(s.Min, ShouldEqual, 70)
		So(s.Max, ShouldEqual, 98)
		So(s.Upper, ShouldEqual, 81)
		So(s.Lower, ShouldEqual, 65)
		So(s.Outliers, ShouldHaveLength, 1)
		So(s.HasExtreme(), ShouldBeFalse)
		So(s.ExtremeCount(), ShouldEqual, 0)
	})

	Convey("Describe of nothing is the zero summary", t, func() {
		So(stats.Describe(nil).N, ShouldEqual, 0)
	})
}
