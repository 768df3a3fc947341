// Package app is the composition root: it builds the extraction engine from
// configuration, owns the long-lived services, and tears them down in
// dependency order on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/api"
	"github.com/placehunter/extraction-engine/internal/blob"
	gcsblob "github.com/placehunter/extraction-engine/internal/blob/gcs"
	localblob "github.com/placehunter/extraction-engine/internal/blob/local"
	"github.com/placehunter/extraction-engine/internal/campaign"
	"github.com/placehunter/extraction-engine/internal/clock/system"
	"github.com/placehunter/extraction-engine/internal/config"
	chromedriver "github.com/placehunter/extraction-engine/internal/driver/chromedp"
	fakedriver "github.com/placehunter/extraction-engine/internal/driver/fake"
	staticdriver "github.com/placehunter/extraction-engine/internal/driver/static"
	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/events/sinks"
	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/geonames"
	"github.com/placehunter/extraction-engine/internal/id/ulid"
	"github.com/placehunter/extraction-engine/internal/metrics"
	"github.com/placehunter/extraction-engine/internal/orchestrator"
	memorystore "github.com/placehunter/extraction-engine/internal/storage/memory"
	pgstore "github.com/placehunter/extraction-engine/internal/storage/postgres"
	"github.com/placehunter/extraction-engine/internal/ws"
)

const shutdownTimeout = 15 * time.Second

// App holds the wired services for one engine process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        extraction.Store
	bus          *events.Bus
	exporter     *events.Exporter
	pubsubClient *pubsub.Client
	driver       extraction.Driver
	service      *campaign.Service
	srv          *http.Server
}

// Build wires every service from the configuration. The returned App is
// ready to Run; on error, whatever was already opened has been closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}

	catalog, err := geonames.NewClient(geonames.Config{
		BaseURL: cfg.Geonames.BaseURL,
		Logger:  logger.Named("geonames"),
	})
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("geonames client init failed: %w", err)
	}

	a.bus = events.NewBus(logger.Named("bus"))
	if err := a.setupExporter(ctx); err != nil {
		a.store.Close()
		return nil, err
	}

	snapshots, err := a.setupSnapshots(ctx)
	if err != nil {
		a.closePartial(ctx)
		return nil, err
	}

	a.driver, err = a.setupDriver()
	if err != nil {
		a.closePartial(ctx)
		return nil, err
	}

	ids := ulid.New()
	clock := system.New()

	runner := orchestrator.New(orchestrator.Config{
		MaxAttempts:      cfg.TaskMaxAttempts,
		SnapshotInterval: cfg.SnapshotInterval(),
		GracePeriod:      cfg.GracePeriod(),
		PoolInitRetries:  cfg.PoolInitRetries,
	}, a.store, a.driver, a.bus, snapshots, ids, clock, logger)

	a.service = campaign.New(
		campaign.Config{DefaultMaxBots: cfg.MaxBotsDefault},
		a.store, catalog, runner, ids, clock, logger,
	)

	gateway := ws.New(
		ws.Config{OutboundBuffer: cfg.WSOutboundBuffer},
		a.service, runner, a.bus, clock, logger.Named("ws"),
	)

	apiServer := api.NewServer(a.service, catalog, a.store, gateway, logger.Named("api"))

	a.srv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
	}
	return a, nil
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

// Run serves HTTP until ctx is cancelled, then shuts the engine down:
// stop accepting, let active runs use their grace window, flush the event
// exporter, close storage.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.closeAll(context.Background())
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	a.closeAll(shutdownCtx)
	return nil
}

func (a *App) closeAll(ctx context.Context) {
	if err := a.service.Shutdown(ctx); err != nil {
		a.logger.Warn("campaign shutdown failed", zap.Error(err))
	}
	a.closePartial(ctx)
	a.logger.Info("shutdown complete")
}

// closePartial releases the infrastructure below the campaign service. Build
// error paths use it directly, before the service exists.
func (a *App) closePartial(ctx context.Context) {
	if a.exporter != nil {
		if err := a.exporter.Close(ctx); err != nil {
			a.logger.Warn("event exporter close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	// The chromedp driver owns a Chrome process; the others have nothing to
	// release.
	if c, ok := a.driver.(interface{ Close() }); ok {
		c.Close()
	}
	a.store.Close()
}

// setupStore opens PostgreSQL when DATABASE_URL is set; without it the
// engine runs on the in-memory store so local sessions need no services.
func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.logger.Warn("DATABASE_URL not set, using in-memory storage")
		a.store = memorystore.NewStore()
		return nil
	}
	st, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.Database.URL})
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	a.logger.Info("postgres storage initialized")
	a.store = st
	return nil
}

// setupExporter attaches the always-on sinks (log, prometheus) plus the
// configured export broker, if any.
func (a *App) setupExporter(ctx context.Context) error {
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		promSink,
	}

	switch a.cfg.Event.Export {
	case "", "none":
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Event.ExportProject)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		sinkList = append(sinkList, sinks.NewPubSubSink(client.Publisher(a.cfg.Event.ExportTopic)))
		a.logger.Info("pubsub event export enabled",
			zap.String("project", a.cfg.Event.ExportProject),
			zap.String("topic", a.cfg.Event.ExportTopic),
		)
	case "rabbitmq":
		queue := a.cfg.Event.ExportTopic
		if queue == "" {
			queue = "extraction_events"
		}
		sink, err := sinks.NewRabbitSink(sinks.RabbitConfig{
			URL:        a.cfg.AMQP.URL,
			Exchange:   "extraction.events",
			RoutingKey: "event",
			QueueName:  queue,
		}, a.logger.Named("rabbit"))
		if err != nil {
			return fmt.Errorf("rabbitmq sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("rabbitmq event export enabled", zap.String("queue", queue))
	default:
		return fmt.Errorf("unknown event export %q", a.cfg.Event.Export)
	}

	a.exporter = events.NewExporter(events.ExporterConfig{
		Logger: a.logger.Named("exporter"),
		OnDrop: metrics.ObserveExportDrop,
	}, sinkList...)
	a.exporter.Attach(a.bus)
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (blob.Store, error) {
	switch a.cfg.Snapshot.Store {
	case "", "none":
		return blob.Nop{}, nil
	case "local":
		st, err := localblob.New(localblob.Config{BaseDir: a.cfg.Snapshot.Dir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot store init failed: %w", err)
		}
		a.logger.Info("local snapshot archive enabled", zap.String("dir", a.cfg.Snapshot.Dir))
		return st, nil
	case "gcs":
		st, err := gcsblob.New(ctx, a.cfg.Snapshot.Bucket)
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.logger.Info("gcs snapshot archive enabled", zap.String("bucket", a.cfg.Snapshot.Bucket))
		return st, nil
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", a.cfg.Snapshot.Store)
	}
}

func (a *App) setupDriver() (extraction.Driver, error) {
	switch a.cfg.Driver.Kind {
	case "", "chromedp":
		a.logger.Info("using chromedp driver", zap.Bool("headless", a.cfg.Driver.Headless))
		return chromedriver.New(chromedriver.Config{
			Headless: a.cfg.Driver.Headless,
			Logger:   a.logger.Named("chromedp"),
		}), nil
	case "static":
		a.logger.Info("using static http driver")
		return staticdriver.New(staticdriver.Config{
			Logger: a.logger.Named("static"),
		}), nil
	case "fake":
		a.logger.Info("using fake driver")
		return fakedriver.New(fakedriver.Config{}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", a.cfg.Driver.Kind)
	}
}
