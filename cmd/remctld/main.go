// Command remctld is the remote command execution daemon. It loads a YAML
// configuration file, wires together the policy-driven dispatcher, the
// durable audit trail, the admin/introspection API, and the live invocation
// feed, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eyrie-systems/remctld/internal/config"
	"github.com/eyrie-systems/remctld/internal/daemon"
	"github.com/eyrie-systems/remctld/internal/history"
)

func main() {
	configPath := flag.String("config", "/etc/remctld/config.yaml", "path to the remctld YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remctld: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("admin_addr", cfg.AdminAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	var opts []daemon.Option

	if cfg.HistoryDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := history.New(ctx, cfg.HistoryDSN, history.DefaultBatchSize, history.DefaultFlushInterval)
		cancel()
		if err != nil {
			logger.Error("failed to connect to history store", slog.Any("error", err))
			os.Exit(1)
		}
		opts = append(opts, daemon.WithHistory(store))
		logger.Info("history store connected")
	}

	d, err := daemon.New(cfg, logger, opts...)
	if err != nil {
		logger.Error("failed to construct daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	d.Stop()

	logger.Info("remctld exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
