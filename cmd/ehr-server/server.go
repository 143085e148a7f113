package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lifelog/ehr/internal/config"
	"github.com/lifelog/ehr/internal/platform/audit"
	"github.com/lifelog/ehr/internal/platform/cache"
	"github.com/lifelog/ehr/internal/platform/db"
	"github.com/lifelog/ehr/internal/platform/fhir"
	"github.com/lifelog/ehr/internal/platform/metrics"
	"github.com/lifelog/ehr/internal/platform/middleware"
	"github.com/lifelog/ehr/internal/platform/notify"
	"github.com/lifelog/ehr/internal/platform/websocket"
	"github.com/lifelog/ehr/internal/platform/workerpool"
	"github.com/lifelog/ehr/internal/resource"
	"github.com/lifelog/ehr/internal/resource/memstore"
	"github.com/lifelog/ehr/internal/resource/pgstore"
)

const (
	serviceName     = "ehr-server"
	shutdownTimeout = 10 * time.Second
)

// app holds the wired server and everything that must be released on exit.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	echo    *echo.Echo
	svc     *resource.Service
	backend resource.Backend
	metrics *metrics.Metrics
	hub     *websocket.Hub

	notifyPool *workerpool.Pool
	auditPool  *workerpool.Pool
	closers    []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	backend, pool, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.backend = backend
	if pool != nil {
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("connected to database")
	}

	c, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closeCache)

	a.metrics = metrics.New()

	a.notifyPool = workerpool.New(workerpool.Config{
		Name:       "notify",
		MaxWorkers: cfg.NotifyWorkers,
		QueueSize:  cfg.NotifyQueueSize,
		Logger:     logger,
	})
	notifier := notify.New(notify.NewRegistry(), a.notifyPool, cfg.NotifyTimeout, logger)
	notifier.SetMetrics(a.metrics)

	a.hub = websocket.NewHub(logger)

	a.auditPool = workerpool.New(workerpool.Config{
		Name:       "audit",
		MaxWorkers: cfg.AuditWorkers,
		QueueSize:  cfg.AuditQueueSize,
		Logger:     logger,
	})

	a.svc = resource.NewService(backend, resource.DefaultRegistry(), logger)
	a.svc.SetCache(c)
	a.svc.SetCacheTTL(cfg.CacheTTL)
	a.svc.SetNotifier(resource.Notifiers{notifier, a.hub})
	a.svc.SetAuditor(audit.NewAsync(audit.NewLogger(logger), a.auditPool))
	a.svc.SetMetrics(a.metrics)

	a.echo = newEcho(cfg, logger, a.svc, notifier, a.hub, a.metrics, pool)
	return a, nil
}

// openBackend returns the storage backend selected by STORE_BACKEND. The
// pool is nil for the memory backend.
func openBackend(ctx context.Context, cfg *config.Config) (resource.Backend, *pgxpool.Pool, error) {
	if cfg.StoreBackend == config.BackendMemory {
		return memstore.New().Backend(), nil, nil
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return resource.Backend{}, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pgstore.New(pool).Backend(), pool, nil
}

// openCache returns Redis when REDIS_URL is set and an in-process cache
// otherwise.
func openCache(ctx context.Context, cfg *config.Config) (resource.Cache, func(), error) {
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisURL, "ehr:")
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	}
	m := cache.NewMemory(cfg.CacheMaxEntries, time.Minute)
	return m, func() { _ = m.Close() }, nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, svc *resource.Service, notifier *notify.Notifier, hub *websocket.Hub, m *metrics.Metrics, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = fhir.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", "Last-Modified", "Location"},
	}))
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Requester([]byte(cfg.AuthSecret)))

	e.GET("/health", db.LivenessHandler(serviceName))
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	fhirGroup := e.Group("/fhir")
	fhir.NewSubscriptionHandler(notifier).RegisterRoutes(fhirGroup)
	fhir.NewHandler(svc).RegisterRoutes(fhirGroup)

	return e
}

// run serves HTTP and runs the history janitor until ctx is cancelled or
// either of them fails, then shuts the server down.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("backend", a.cfg.StoreBackend).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.runJanitor(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runJanitor purges history older than HISTORY_RETENTION on every tick.
// A zero retention disables it.
func (a *app) runJanitor(ctx context.Context) error {
	if a.cfg.HistoryRetention <= 0 {
		return nil
	}
	ticker := time.NewTicker(a.cfg.HistoryPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			purged, err := purgeHistory(ctx, a.backend.Ledger, now.Add(-a.cfg.HistoryRetention))
			if err != nil {
				a.logger.Error().Err(err).Msg("history purge failed")
				continue
			}
			if purged > 0 {
				a.logger.Info().Int64("purged", purged).Msg("history purged")
			}
		}
	}
}

func purgeHistory(ctx context.Context, ledger resource.Ledger, before time.Time) (int64, error) {
	n, err := ledger.Purge(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge history before %s: %w", before.Format(time.RFC3339), err)
	}
	return n, nil
}

// close drains the worker pools and releases connections in reverse order.
func (a *app) close() {
	if a.notifyPool != nil {
		if err := a.notifyPool.Stop(shutdownTimeout); err != nil {
			a.logger.Warn().Err(err).Msg("notify pool did not drain")
		}
	}
	if a.auditPool != nil {
		if err := a.auditPool.Stop(shutdownTimeout); err != nil {
			a.logger.Warn().Err(err).Msg("audit pool did not drain")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
