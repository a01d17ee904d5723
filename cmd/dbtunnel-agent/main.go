// ABOUTME: Entry point for the on-premises dbtunnel agent.
// ABOUTME: Opens the local database and keeps one outbound tunnel alive.

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Local database drivers. The DSN never leaves this process.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/glasswing-io/dbtunnel/internal/agent"
	"github.com/glasswing-io/dbtunnel/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "agent.yaml", "path to agent config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	db, err := sql.Open(cfg.LocalDB.Driver, cfg.LocalDB.DSN)
	if err != nil {
		return fmt.Errorf("opening local database: %w", err)
	}
	defer db.Close()

	// Fail loudly at startup if the local database is unreachable; the
	// tunnel itself retries forever, but a bad DSN is operator error.
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("pinging local database: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dbtunnel-agent",
		"version", version,
		"gateway", cfg.Gateway.URL,
		"driver", cfg.LocalDB.Driver,
	)

	executor := agent.NewExecutor(db, logger)
	manager := agent.NewManager(agent.Config{
		GatewayURL:        cfg.Gateway.URL,
		Token:             cfg.Gateway.Token,
		HeartbeatInterval: cfg.Tunnel.HeartbeatInterval,
		StaleAfter:        cfg.Tunnel.StaleAfter,
		AuthTimeout:       cfg.Tunnel.AuthTimeout,
		MinBackoff:        cfg.Reconnect.MinBackoff,
		MaxBackoff:        cfg.Reconnect.MaxBackoff,
		MaxMessageBytes:   cfg.Tunnel.MaxMessageBytes,
	}, executor, logger)

	return manager.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
