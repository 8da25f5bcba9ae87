package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"yuim/services/im-presence/internal/config"
	"yuim/services/im-presence/internal/metrics"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	fs := pflag.NewFlagSet("im-presence", pflag.ContinueOnError)
	cfgPaths := fs.StringP("config", "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("im-presence starting",
		zap.String("version", Version),
		zap.String("http", cfg.HTTP.Addr),
		zap.String("stream", cfg.Stream.Addr),
		zap.String("datagram", cfg.Datagram.Addr),
		zap.String("progress_store", cfg.Progress.Store),
	)

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		log.Error("im-presence stopped", zap.Error(err))
		return
	}
	log.Info("im-presence stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}
