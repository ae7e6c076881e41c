package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"tsdb/internal/httpapi"
	"tsdb/pkg/config"
	"tsdb/pkg/engine"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("TSDB_CONFIG"))
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	eng, err := engine.New(cfg, log, nil)
	if err != nil {
		log.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	srv := httpapi.New(eng, eng.Stats, log, ":"+strconv.Itoa(cfg.Port))
	srv.Start()

	log.Info("tsdb started", "port", cfg.Port, "data_dir", cfg.DataDir)
	<-ctx.Done()

	log.Info("shutting down")
	if err := srv.Stop(context.Background()); err != nil {
		log.Error("error stopping http server", "error", err)
	}
	if err := eng.Flush(); err != nil {
		log.Error("final flush failed", "error", err)
	}
}

func logLevel(name string) slog.Level {
	switch name {
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
