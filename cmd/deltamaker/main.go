package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/deltamaker/config"
	"github.com/alejandrodnm/deltamaker/internal/adapters/storage"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	paperMode := flag.Bool("paper", false, "trade against the in-process paper venue")
	report := flag.Bool("report", false, "print positions, risk state and orphans, then exit")
	kill := flag.String("kill", "", "engage the kill switch with this reason and exit")
	clearKill := flag.String("clear-kill", "", "clear the kill switch as this operator and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	closeLog := setupLogger(cfg.Log)
	defer closeLog.Close()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *report:
		err = runReport(ctx, cfg, store, os.Stdout)
	case *kill != "" || *clearKill != "":
		err = runKillSwitch(ctx, cfg, store, *kill, *clearKill)
	default:
		slog.Info("deltamaker starting",
			"config", *configPath,
			"paper", *paperMode,
			"markets", len(cfg.Markets.Slugs),
			"size", cfg.Trading.PositionSizePerMarket,
		)
		err = run(ctx, cfg, *configPath, store, *paperMode)
	}
	if err != nil {
		slog.Error("deltamaker exited with error", "err", err)
		store.Close()
		os.Exit(1)
	}
	slog.Info("deltamaker stopped cleanly")
}

// setupLogger configura slog. Con log.file, la salida se duplica a un archivo rotado.
func setupLogger(cfg config.LogConfig) io.Closer {
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

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, closer = io.MultiWriter(os.Stdout, lj), lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer
}
