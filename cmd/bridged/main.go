package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/loqalabs/cursor-bridge/internal/dotenv"
	"github.com/loqalabs/cursor-bridge/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envFiles    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults plus BRIDGE_* environment when empty)")
	flag.StringVar(&envFiles, "env-file", ".env.local,.env", "Comma-separated env files applied before config, first wins")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	loaded, err := dotenv.Load(splitList(envFiles)...)
	if err != nil {
		bootLogger.Error("failed to load env files", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)})).
		With(slog.String("runtime", cfg.RuntimeName))
	if len(loaded) > 0 {
		logger.Info("loaded env files", slog.Any("paths", loaded))
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
