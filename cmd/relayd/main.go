// Command relayd bridges a browser UI and an external agent-orchestration
// host: it persists conversations, messages, tasks, and artifacts, accepts
// task-update webhooks from the host, and fans live updates out to every
// connected websocket viewer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/gateway"
	"github.com/basket/relay/internal/host"
	otelPkg "github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/reconcile"
	"github.com/basket/relay/internal/retention"
	"github.com/basket/relay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "relayd: %s: %v\n", code, err)
	os.Exit(1)
}

func main() {
	homeDir := flag.String("home", "", "data directory (default: $RELAYD_HOME or ~/.relayd)")
	bindAddr := flag.String("addr", "", "listen address (overrides config)")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("relayd", Version)
		return
	}

	home := *homeDir
	if home == "" {
		home = os.Getenv("RELAYD_HOME")
	}
	if home == "" {
		home = config.DefaultHomeDir()
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}

	logger, logCloser, err := telemetry.NewLogger(home, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", home, "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "db_path", cfg.DBPath)

	eventBus := bus.New()

	reconciler, err := reconcile.New(reconcile.Config{
		Store:   store,
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_RECONCILER_INIT", err)
	}

	hostClient := host.NewClient(host.Config{
		BaseURL: cfg.Host.BaseURL,
		Keys:    host.NewKeyring(cfg.Host.APIKey),
		Timeout: cfg.HostTimeout(),
		Logger:  logger,
		Metrics: metrics,
	})

	// Rewriting config.yaml swaps the host API key without a restart.
	confWatcher := config.NewWatcher(home, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range confWatcher.Events() {
			updated, err := config.Load(home)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			if updated.Host.APIKey != "" {
				hostClient.Keys().Set(updated.Host.APIKey)
				logger.Info("host api key hot-reloaded")
			}
		}
	}()

	sweeper, err := retention.NewSweeper(retention.Config{
		Store:    store,
		Logger:   logger,
		FileDays: cfg.RetentionFileDays,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	gw := gateway.New(gateway.Config{
		Store:        store,
		Bus:          eventBus,
		Reconciler:   reconciler,
		Host:         hostClient,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
