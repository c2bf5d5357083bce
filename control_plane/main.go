package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/itskum47/agentforge/control_plane/coordination"
	"github.com/itskum47/agentforge/control_plane/idempotency"
	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/queue"
	"github.com/itskum47/agentforge/control_plane/remote"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/scheduler"
	"github.com/itskum47/agentforge/control_plane/store"
	"github.com/itskum47/agentforge/control_plane/streaming"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfg *Config

	root := &cobra.Command{
		Use:           "agentforge",
		Short:         "AgentForge control plane: task scheduling and execution for MCP agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("config")
			loaded, err := loadConfig(v, file)
			if err != nil {
				return err
			}
			if err := logging.Configure(loaded.LogLevel, loaded.LogFormat); err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}
			cfg = loaded
			return nil
		},
	}
	if err := bindFlags(v, root); err != nil {
		panic(err)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler, workers and HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return serve(ctx, cfg)
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Fail executions left RUNNING by a crash and release their agents",
			RunE: func(cmd *cobra.Command, args []string) error {
				return reconcileOnce(cmd.Context(), cfg)
			},
		},
	)
	return root
}

// backends holds the connections opened for one command.
type backends struct {
	store  store.Store
	queue  queue.Queue
	redis  *redis.Client
	health *resilience.DegradedMode
	close  []func()
}

func (b *backends) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
}

func openStore(ctx context.Context, cfg *Config, b *backends) error {
	log := logging.For("main")
	if cfg.DatabaseURL == "" {
		log.Warn("database.url not set; using in-memory store (state is lost on restart)")
		b.store = store.NewMemoryStore()
		return nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return fmt.Errorf("migrate postgres: %w", err)
	}
	b.store = pg
	b.close = append(b.close, pg.Close)
	b.health.Register("database", pg.Ping)
	log.Info("connected to postgres")
	return nil
}

func openQueue(ctx context.Context, cfg *Config, b *backends) error {
	log := logging.For("main")
	if cfg.RedisAddr == "" {
		log.Warn("redis.addr not set; using in-memory job queue")
		b.queue = queue.NewMemoryQueue()
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	q, err := queue.NewRedisQueueWithClient(pctx, client, queue.DefaultKeyPrefix)
	if err != nil {
		client.Close()
		return err
	}
	b.queue = q
	b.redis = client
	b.close = append(b.close, func() { client.Close() })
	b.health.Register("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	log.WithField("addr", cfg.RedisAddr).Info("connected to redis")
	return nil
}

func newBroadcaster(cfg *Config, b *backends) *streaming.Broadcaster {
	var publishers []streaming.Publisher
	if cfg.NATSURL != "" {
		pub, err := streaming.NewNATSPublisher(cfg.NATSURL, cfg.NATSPrefix)
		if err != nil {
			logging.For("main").WithError(err).Warn("NATS unavailable; events stay in process")
		} else {
			publishers = append(publishers, pub)
		}
	}
	if logging.GetLogger().IsLevelEnabled(logrus.DebugLevel) {
		publishers = append(publishers, streaming.NewLogPublisher())
	}
	events := streaming.NewBroadcaster(publishers...)
	b.close = append(b.close, func() { events.Close() })
	return events
}

func serve(ctx context.Context, cfg *Config) error {
	log := logging.For("main")
	b := &backends{health: resilience.NewDegradedMode()}
	defer b.Close()

	if err := openStore(ctx, cfg, b); err != nil {
		return err
	}
	if err := openQueue(ctx, cfg, b); err != nil {
		return err
	}
	events := newBroadcaster(cfg, b)

	registry := remote.NewRegistry(
		remote.FallbackLookup{b.store, remote.StaticServers(cfg.RemoteServers)},
		remote.StaticCredentials(cfg.RemoteCredentials),
		nil,
	)
	adapter := remote.NewAdapter(registry)
	defer adapter.Close()

	sched := scheduler.New(cfg.Scheduler, scheduler.Dependencies{
		Store:  b.store,
		Queue:  b.queue,
		Remote: adapter,
		Events: events,
	})

	// Order matters: executions orphaned by a crash must be failed before
	// restore re-enqueues QUEUED work and workers start acquiring agents.
	report, err := coordination.ReconcileInterrupted(ctx, b.store, events)
	if err != nil {
		return fmt.Errorf("reconcile interrupted executions: %w", err)
	}
	restored, err := sched.RestoreOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	log.WithFields(logrus.Fields{
		"interrupted": len(report.Executions),
		"restored":    restored,
	}).Info("startup recovery complete")

	sched.Start(ctx)
	coordination.NewAgentMonitor(b.store, events, cfg.MonitorInterval, cfg.MonitorStale).Start(ctx)
	b.health.Start(ctx, 10*time.Second)

	hub := NewStreamHub(events)
	go hub.Run(ctx)

	var idem idempotency.Store = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	if b.redis != nil {
		idem = idempotency.NewRedisStore(b.redis, "", idempotency.DefaultTTL)
	}

	gin.SetMode(gin.ReleaseMode)
	api := NewAPI(b.store, sched, adapter, hub, idem, b.health)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("control plane listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.WithError(serveErr).Error("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("scheduler shutdown incomplete; in-flight executions were aborted")
	}
	return serveErr
}

func reconcileOnce(ctx context.Context, cfg *Config) error {
	b := &backends{health: resilience.NewDegradedMode()}
	defer b.Close()
	if err := openStore(ctx, cfg, b); err != nil {
		return err
	}
	events := newBroadcaster(cfg, b)

	report, err := coordination.ReconcileInterrupted(ctx, b.store, events)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Failed %d interrupted executions and released %d agents\n",
		len(report.Executions), len(report.Agents))
	return nil
}
