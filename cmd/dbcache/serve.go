package main

import (
	"context"
	"net/http"
	"time"

	"github.com/agentuity/go-dbcache/api"
	"github.com/agentuity/go-dbcache/config"
	"github.com/agentuity/go-dbcache/dbcache"
	"github.com/agentuity/go-dbcache/env"
	"github.com/agentuity/go-dbcache/logger"
	"github.com/agentuity/go-dbcache/mask"
	"github.com/agentuity/go-dbcache/store"
	"github.com/agentuity/go-dbcache/sys"
	"github.com/agentuity/go-dbcache/telemetry"
	"github.com/agentuity/go-dbcache/tui"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fn, _ := cmd.Flags().GetString("env-file"); fn != "" {
				if err := env.Load(fn); err != nil {
					return err
				}
			}
			cfgFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}
			log := logger.New(cfg.Log.Format, cfg.LogLevel())
			tui.ShowBanner(cmd.OutOrStdout(), "dbcache "+api.Version, bannerFields(cfg))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				select {
				case sig := <-sys.CreateShutdownChannel():
					log.Info("received %s, shutting down", sig)
					cancel()
				case <-ctx.Done():
				}
			}()
			return serve(ctx, cfg, log, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		},
	}
	cmd.Flags().String("config", "", "YAML config file")
	cmd.Flags().String("listen", "", "listen address, overrides the config")
	cmd.Flags().String("store", "", "store driver: sqlite, redis or memory")
	cmd.Flags().String("sqlite-path", "", "SQLite database file")
	cmd.Flags().String("redis-url", "", "Redis URL, e.g. redis://localhost:6379/0")
	cmd.Flags().String("lock", "", "lock mode: key or global")
	return cmd
}

// applyFlags overrides cfg with every flag set on cmd, then revalidates.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	set := func(flag string, dst *string) {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*dst = v
		}
	}
	set("listen", &cfg.Listen)
	set("store", &cfg.Store.Driver)
	set("sqlite-path", &cfg.Store.SQLite.Path)
	set("redis-url", &cfg.Store.Redis.URL)
	set("lock", &cfg.Lock)
	set("log-level", &cfg.Log.Level)
	set("log-format", &cfg.Log.Format)
	return cfg.Validate()
}

// storeTarget describes where cfg persists, with credentials masked.
func storeTarget(cfg config.Config) string {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return cfg.Store.SQLite.Path
	case config.DriverRedis:
		return mask.URL(cfg.Store.Redis.URL)
	}
	return "in process"
}

func bannerFields(cfg config.Config) []tui.Field {
	fields := []tui.Field{
		{Label: "listen", Value: cfg.Listen},
		{Label: "store", Value: cfg.Store.Driver + " " + storeTarget(cfg)},
		{Label: "lock", Value: cfg.Lock},
		{Label: "default ttl", Value: cfg.DefaultTTL.Std().String()},
	}
	if cfg.Telemetry.OTLPURL != "" {
		fields = append(fields, tui.Field{Label: "tracing", Value: mask.URL(cfg.Telemetry.OTLPURL)})
	}
	return fields
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	opts := []store.Option{store.WithQueryTimeout(cfg.Store.QueryTimeout.Std())}
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := store.NewSQLite(ctx, cfg.Store.SQLite.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.DriverRedis:
		ropts, err := redis.ParseURL(cfg.Store.Redis.URL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parse redis url")
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, errors.Wrap(err, "connect to redis")
		}
		s := store.NewRedis(client, append(opts, store.WithPrefix(cfg.Store.Redis.Prefix))...)
		return s, func() {
			s.Close()
			client.Close()
		}, nil
	default:
		s := store.NewMemory()
		return s, func() { s.Close() }, nil
	}
}

func newCache(s store.Store, cfg config.Config, log logger.Logger, reg prometheus.Registerer) *dbcache.Cache {
	opts := []dbcache.Option{
		dbcache.WithLogger(log),
		dbcache.WithRegisterer(reg),
		dbcache.WithInsertQueue(cfg.Queues.Insert.Options()...),
		dbcache.WithUpdateQueue(cfg.Queues.Update.Options()...),
		dbcache.WithDeleteQueue(cfg.Queues.Delete.Options()...),
	}
	if rc := cfg.RetryConfig(); rc != nil {
		opts = append(opts, dbcache.WithRetry(*rc))
	}
	if bc := cfg.CircuitBreakerConfig(); bc != nil {
		opts = append(opts, dbcache.WithCircuitBreaker(*bc))
	}
	if cfg.Lock == config.LockGlobal {
		opts = append(opts, dbcache.WithGlobalLock())
	}
	return dbcache.New(s, opts...)
}

// serve runs the cache and its HTTP server until ctx is done, then stops
// accepting requests, flushes the queues and closes the store.
func serve(ctx context.Context, cfg config.Config, log logger.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	shutdownTracing, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.OTLPURL, cfg.Telemetry.Token, "dbcache")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	if cfg.Telemetry.OTLPURL != "" {
		otlpLog, shutdownLogs, err := telemetry.New(ctx, cfg.Telemetry.OTLPURL, cfg.Telemetry.Token, "dbcache", cfg.LogLevel())
		if err != nil {
			return err
		}
		defer shutdownLogs()
		log = logger.NewMultiLogger(log, otlpLog)
	}

	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cache := newCache(s, cfg, log, reg)
	srv := api.NewServer(cache,
		api.WithServerLogger(log),
		api.WithDefaultTTL(cfg.DefaultTTL.Std()),
		api.WithMetrics(reg, gatherer),
	)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cache.Run(gctx) })
	g.Go(func() error {
		log.Info("listening on %s (store %s at %s, lock %s)", cfg.Listen, cfg.Store.Driver, storeTarget(cfg), cfg.Lock)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	runErr := g.Wait()

	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("flushing queued writes")
	if err := cache.Close(cctx); err != nil {
		return errors.CombineErrors(runErr, err)
	}
	return runErr
}
