// Package bootstrap wires all dependencies and runs the metering service:
// HTTP server, stream consumers, and the rollup janitor.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/clock"
	"github.com/artpar/meterd/adapters/idgen"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/adapters/metrics"
	redisstore "github.com/artpar/meterd/adapters/redis"
	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/adapters/stream"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/config"
	"github.com/artpar/meterd/pkg/resilience"
	"github.com/artpar/meterd/ports"
	"github.com/artpar/meterd/web"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	DB         *sqlite.DB
	Counters   ports.CounterStore
	Rollups    ports.RollupStore
	Stream     *stream.Stream
	Metrics    *metrics.Collector
	HTTPServer *http.Server

	Query  *app.QueryService
	Submit *app.SubmitService

	aggregator *app.Aggregator
	holder     *config.Holder

	stopOnce sync.Once
}

// New creates and initializes the application from a loaded config.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	logger.Info().Msg("initializing meterd")

	a := &App{
		Logger: logger,
		Config: cfg,
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	}

	if err := a.initStores(); err != nil {
		return nil, err
	}
	a.initPipeline()
	a.initHTTPServer()

	return a, nil
}

// NewWithHotReload creates the application from a config file and watches
// it for changes. Only the reloadable fields (log level among them) take
// effect live; the rest require a restart.
func NewWithHotReload(path string) (*App, error) {
	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	holder, err := config.NewHolder(path, bootLogger)
	if err != nil {
		return nil, err
	}

	a, err := New(holder.Get())
	if err != nil {
		holder.Stop()
		return nil, err
	}
	a.holder = holder

	holder.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		a.Logger.Info().Str("level", cfg.Logging.Level).Msg("applied reloadable config")
	})
	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable")
	}
	holder.WatchSignals()

	return a, nil
}

func (a *App) initStores() error {
	db, err := sqlite.Open(a.Config.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate database: %w", err)
	}
	a.DB = db
	a.Rollups = sqlite.NewRollupStore(db)
	a.Logger.Info().Str("dsn", a.Config.Database.DSN).Msg("rollup store ready")

	switch a.Config.Counters.Mode {
	case "redis":
		a.Counters = redisstore.NewCounterStore(redisstore.Options{
			Addr:         a.Config.Redis.Addr,
			Password:     a.Config.Redis.Password,
			DB:           a.Config.Redis.DB,
			DialTimeout:  a.Config.Redis.DialTimeout,
			ReadTimeout:  a.Config.Redis.ReadTimeout,
			WriteTimeout: a.Config.Redis.WriteTimeout,
		})
		a.Logger.Info().Str("addr", a.Config.Redis.Addr).Msg("redis counter store ready")
	default:
		a.Counters = memory.NewCounterStore()
		a.Logger.Info().Msg("in-memory counter store ready")
	}
	return nil
}

func (a *App) initPipeline() {
	clk := clock.Real{}
	ids := idgen.UUID{}

	a.Stream = stream.New(stream.Config{
		Partitions:  a.Config.Stream.Partitions,
		BufferSize:  a.Config.Stream.BufferSize,
		BatchSize:   a.Config.Stream.BatchSize,
		MaxWait:     a.Config.Stream.MaxWait,
		MaxAttempts: a.Config.Stream.MaxAttempts,
		RetryDelay:  a.Config.Stream.RetryDelay,
	}, ids, a.Logger, a.Metrics)

	retry := resilience.NewExecutor(resilience.RetryConfig{
		MaxRetries:  a.Config.Aggregator.MaxRetries,
		BaseDelay:   a.Config.Aggregator.RetryDelay,
		MaxDelay:    a.Config.Aggregator.MaxDelay,
		JitterDelay: a.Config.Aggregator.JitterDelay,
	})

	writer := app.NewRollupWriter(a.Rollups, clk, retry, a.Logger, a.Metrics)
	a.aggregator = app.NewAggregator(a.Counters, a.Rollups, writer, clk, retry, a.Logger, a.Metrics)
	a.Submit = app.NewSubmitService(a.Stream, clk, ids, a.Logger)
	a.Query = app.NewQueryService(a.Counters, a.Rollups, clk, a.Logger, a.Metrics)
}

func (a *App) initHTTPServer() {
	handler := web.NewHandler(a.Submit, a.Query, a.Counters, a.Logger, a.Metrics)
	router := web.NewRouter(handler, a.Logger, web.RouterConfig{
		MetricsEnabled: a.Config.Metrics.Enabled,
		MetricsPath:    a.Config.Metrics.Path,
	})

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// Run starts the pipeline and the HTTP server, then blocks until a
// shutdown signal or a server error.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		a.Logger.Info().Int("partitions", a.Config.Stream.Partitions).Msg("starting stream consumers")
		if err := a.Stream.Consume(ctx, a.aggregator.HandleBatch); err != nil && err != context.Canceled {
			a.Logger.Error().Err(err).Msg("stream consumer stopped")
		}
	}()

	go a.runJanitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	// Stop intake and let the consumers flush what is buffered. Cancel
	// only after the drain window so the final flushes run under a live
	// context.
	a.Stream.Close()
	select {
	case <-consumerDone:
	case <-time.After(10 * time.Second):
		a.Logger.Warn().Msg("consumers did not drain in time")
	}
	cancel()

	return a.Shutdown()
}

// runJanitor periodically removes expired rollups and batch markers.
func (a *App) runJanitor(ctx context.Context) {
	interval := a.Config.Retention.CleanupInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := a.Logger.With().Str("component", "janitor").Logger()
	logger.Info().Dur("interval", interval).Msg("rollup janitor running")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.Rollups.Cleanup(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn().Err(err).Msg("cleanup failed")
				continue
			}
			if removed > 0 {
				if a.Metrics != nil {
					a.Metrics.RollupsExpired.Add(float64(removed))
				}
				logger.Info().Int64("removed", removed).Msg("expired rollups removed")
			}
		}
	}
}

// Shutdown gracefully stops the HTTP server and closes the stores.
func (a *App) Shutdown() error {
	var firstErr error
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if a.HTTPServer != nil {
			if err := a.HTTPServer.Shutdown(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("http server shutdown failed")
				firstErr = err
			}
		}
		if a.holder != nil {
			a.holder.Stop()
		}
		if closer, ok := a.Counters.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("counter store close failed")
			}
		}
		if a.DB != nil {
			if err := a.DB.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("database close failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		a.Logger.Info().Msg("shutdown complete")
	})
	return firstErr
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
