package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/okian/tally/internal/adapters/http/api"
	"github.com/okian/tally/internal/adapters/identity"
	"github.com/okian/tally/internal/adapters/notify"
	"github.com/okian/tally/internal/adapters/repository"
	"github.com/okian/tally/internal/adapters/ws"
	app "github.com/okian/tally/internal/app"
	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout           = 10 * time.Second
	idleTimeout           = 60 * time.Second
	readHeaderTimeout     = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
	systemMetricsInterval = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString("tally: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	// We collect our own system metrics instead of the default collectors.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	store, err := repository.Open(ctx, cfg.StoreDriver, cfg.SQLitePath)
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := newNotifier(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer closeNotifier()

	svc := app.New(
		app.WithLogger(log.Named("service")),
		app.WithStore(store, cfg.StoreDriver),
		app.WithShards(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithCategoryRules(cfg.Categories),
		app.WithEngine(aggregation.NewEngine(
			aggregation.WithMinJudges(cfg.MinJudges),
			aggregation.WithTrimFraction(cfg.TrimFraction),
		)),
		app.WithTieBreak(aggregation.TieBreak(cfg.TieBreak)),
		app.WithDeadlines(cfg.EscalationDeadline(), cfg.DiscussionTimeout()),
		app.WithVerifier(identity.NewStaticVerifier(cfg.Tokens)),
		app.WithProfiles(identity.NewStaticProfiles(cfg.Judges)),
		app.WithNotifier(notifier),
	)

	hub := ws.NewHub(svc,
		ws.WithOutboundQueue(cfg.OutboundQueueSize),
		ws.WithLagGrace(cfg.SlowConsumerGrace()),
		ws.WithInboundRate(cfg.InboundRatePerSec, cfg.InboundBurst),
		ws.WithAllowedOrigins(cfg.AllowedOrigins),
	)
	svc.SetBroadcaster(hub)

	if err := svc.Start(ctx); err != nil {
		return err
	}

	apiServer := api.NewServer(svc, svc,
		api.WithWebSocket(hub),
		api.WithRateLimit(cfg.HTTPRatePerSec, cfg.HTTPBurst),
		api.WithAllowedOrigins(cfg.AllowedOrigins),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiServer.Handler(),
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "starting HTTP server", logger.String("addr", cfg.Addr), logger.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		startSystemMetricsUpdater(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		return errors.Join(srv.Shutdown(shutdownCtx), svc.Stop(shutdownCtx))
	})

	err = g.Wait()
	log.Info(context.Background(), "server stopped")
	return err
}

// newNotifier publishes to the broker when one is configured and logs
// notifications otherwise.
func newNotifier(cfg *config.Config) (resolution.Notifier, func(), error) {
	if cfg.AMQPURL == "" {
		return notify.NewLogNotifier(logger.Get().Named("notify")), func() {}, nil
	}
	n, err := notify.NewAMQPNotifier(cfg.AMQPURL, notify.WithExchange(cfg.AMQPExchange))
	if err != nil {
		return nil, nil, err
	}
	return n, func() { _ = n.Close() }, nil
}

// startSystemMetricsUpdater samples runtime metrics until ctx is done.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			metrics.UpdateSystemMemoryUsage(m.Alloc)
			metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
		}
	}
}
