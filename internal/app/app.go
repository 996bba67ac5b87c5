// Package app wires configuration into a running engine: store, transport,
// decryption, timeline, intake, sweeper and the metrics endpoint.
package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"roomline/internal/sweeper"
	"roomline/pkg/config"
	"roomline/pkg/crypto"
	"roomline/pkg/crypto/sessions"
	"roomline/pkg/ingest"
	"roomline/pkg/logger"
	"roomline/pkg/store"
	"roomline/pkg/store/pebblestore"
	"roomline/pkg/store/sqlitestore"
	"roomline/pkg/telemetry"
	"roomline/pkg/timeline"
	"roomline/pkg/transport"
)

// App groups the long-lived components.
type App struct {
	cfg *config.Config
	log *zap.Logger

	Metrics  *telemetry.Metrics
	Store    store.Store
	Sessions *sessions.Store
	Pipeline *crypto.Pipeline
	Engine   *timeline.Engine
	Intake   *ingest.Intake
	Sweeper  *sweeper.Sweeper
}

// New opens the store and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	st, err := OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, Store: st, Metrics: telemetry.NewMetrics()}

	var fetcher timeline.Fetcher
	if cfg.Homeserver.URL != "" {
		client, err := transport.New(cfg.Homeserver, transport.WithLogger(log.Named("transport")))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		fetcher = client
	}

	a.Sessions = sessions.New(log.Named("sessions"))
	if cfg.Crypto.KeysFile != "" {
		if err := a.importKeys(ctx, cfg.Crypto.KeysFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	megolm := crypto.NewMegolm(a.Sessions, a.Sessions, crypto.MegolmOptions{
		WaitTimeout: cfg.Crypto.SessionWaitTimeout.Duration(),
		Logger:      log.Named("megolm"),
	})
	observed := store.Observe(st)
	a.Pipeline, err = crypto.NewPipeline(observed, crypto.PipelineOptions{
		Services:  []crypto.Service{megolm},
		Persist:   cfg.Crypto.PersistDecrypted,
		CacheSize: cfg.Crypto.CacheSize,
		Timeout:   cfg.Timeline.DecryptTimeout.Duration(),
		Metrics:   a.Metrics,
		Logger:    log.Named("crypto"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine, err = timeline.New(observed, fetcher, timeline.Options{
		FetchLimit:     cfg.Timeline.FetchLimit,
		FetchTimeout:   cfg.Timeline.FetchTimeout.Duration(),
		DecryptTimeout: cfg.Timeline.DecryptTimeout.Duration(),
		Content:        a.Pipeline,
		Metrics:        a.Metrics,
		Logger:         log.Named("timeline"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Intake = ingest.New(a.Engine, ingest.Options{
		Workers:  cfg.Intake.Workers,
		Capacity: cfg.Intake.QueueCapacity,
		Metrics:  a.Metrics,
		Logger:   log.Named("intake"),
	})
	a.Sweeper = sweeper.New(cfg.Sweeper, a.Engine, a.Metrics, log.Named("sweeper"))
	return a, nil
}

// OpenStore opens the configured backend, creating its directory.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "create store directory for %s", cfg.Path)
	}
	log = logger.OrNop(log)
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlitestore.Open(ctx, cfg.Path, log.Named("sqlite"))
		if err != nil {
			return nil, err
		}
		return st, nil
	case "", "pebble":
		st, err := pebblestore.Open(cfg.Path, pebblestore.Options{Sync: cfg.Sync, Logger: log.Named("pebble")})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.Newf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) importKeys(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open keys file")
	}
	defer f.Close()
	n, err := a.Sessions.Import(ctx, f)
	if err != nil {
		return errors.Wrapf(err, "import keys from %s", path)
	}
	a.log.Info("sessions_imported", zap.String("path", path), zap.Int("count", n))
	return nil
}

// Run starts the intake workers, the sweeper when enabled and the metrics
// endpoint when an address is configured, then blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Intake.Start(ctx)
	defer a.Intake.Close()

	errCh := make(chan error, 2)
	var sweeping sync.WaitGroup
	defer sweeping.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.cfg.Sweeper.Enabled {
		sweeping.Add(1)
		go func() {
			defer sweeping.Done()
			if err := a.Sweeper.Run(ctx); err != nil {
				errCh <- errors.Wrap(err, "sweeper")
			}
		}()
	}

	var srv *fasthttp.Server
	if addr := a.cfg.Metrics.Address; addr != "" {
		srv = &fasthttp.Server{
			Handler:      a.metricsHandler(),
			Name:         "roomline",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
		go func() {
			a.log.Info("metrics_listening", zap.String("address", addr))
			if err := srv.ListenAndServe(addr); err != nil {
				errCh <- errors.Wrap(err, "metrics server")
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	if srv != nil {
		if serr := srv.Shutdown(); serr != nil {
			a.log.Warn("metrics_shutdown_failed", zap.Error(serr))
		}
	}
	return err
}

func (a *App) metricsHandler() fasthttp.RequestHandler {
	metrics := a.Metrics.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metrics(ctx)
		case "/healthz":
			ctx.SetContentType("application/json")
			_, _ = ctx.WriteString(`{"status":"ok"}`)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

// Close releases the store and wipes session keys.
func (a *App) Close() {
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.log.Warn("store_close_failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
