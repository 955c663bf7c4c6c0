// Command orchestratord runs the orchestrator core: agent registry, task
// queue, dispatcher, and the HTTP/websocket surface in front of them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/orchestra/core/internal/clienthub"
	"github.com/orchestra/core/internal/common/config"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/connector"
	"github.com/orchestra/core/internal/diagnostics"
	"github.com/orchestra/core/internal/dispatcher"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/queue"
	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
	"github.com/orchestra/core/internal/transport/httpapi"
	"github.com/orchestra/core/internal/warmup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestratord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("store ready", zap.String("driver", cfg.Database.Driver))

	bus, err := openEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to open event bus", zap.Error(err))
	}
	defer bus.Close()

	reg, err := registry.New(ctx, st, bus, log, cfg.Dispatcher.HeartbeatTimeout())
	if err != nil {
		log.Fatal("failed to initialize agent registry", zap.Error(err))
	}
	reg.Start(ctx)
	defer reg.Stop()

	q := queue.NewTaskQueue(cfg.Dispatcher.MaxPendingTasks)
	conns := connector.NewManager(connector.DefaultFactory(log), log)

	disp := dispatcher.New(&cfg.Dispatcher, reg, q, st, bus, conns, log)
	disp.Start(ctx)
	defer disp.Stop()

	hub := clienthub.NewHub(bus, disp, reg, conns, log)

	var serverCounter diagnostics.ServerCountReporter
	if reporter, ok := bus.(diagnostics.ServerCountReporter); ok {
		serverCounter = reporter
	}
	diag := diagnostics.New(st, reg, serverCounter)

	if cfg.Dispatcher.WarmupOnStartup {
		warmup.New(reg, disp, log).Run(ctx)
	}

	router := httpapi.NewRouter(reg, disp, st, hub, diag, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestratord")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownGrace())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("orchestratord stopped")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN())
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openEventBus(cfg *config.Config, log *logger.Logger) (eventbus.EventBus, error) {
	if cfg.NATS.URL == "" {
		return eventbus.NewMemoryEventBus(log, cfg.Dispatcher.SubscriberOutboundBuffer), nil
	}
	return eventbus.NewNATSEventBus(cfg.NATS.URL, cfg.Events.Namespace, cfg.Dispatcher.SubscriberOutboundBuffer, log)
}
