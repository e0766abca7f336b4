package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marcus/pricetrack/internal/blob"
	"github.com/marcus/pricetrack/internal/blob/fsstore"
	"github.com/marcus/pricetrack/internal/blob/memstore"
	"github.com/marcus/pricetrack/internal/blob/s3store"
	"github.com/marcus/pricetrack/internal/server"
	"github.com/marcus/pricetrack/internal/serverdb"
)

func main() {
	// Route to admin subcommands if present
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		runAdmin(os.Args[2:])
		return
	}

	cfg := server.LoadConfig()
	slog.SetDefault(slog.New(newHandler(cfg.LogFormat, cfg.LogLevel)))

	store, err := serverdb.Open(cfg.DatabaseDSN)
	if err != nil {
		slog.Error("open server db", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		slog.Error("open blob store", "driver", cfg.BlobDriver, "err", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(cfg, store, blobs)
	if err != nil {
		slog.Error("create server", "err", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		slog.Error("start server", "err", err)
		os.Exit(1)
	}
	slog.Info("server started", "addr", srv.Addr().String(), "db", store.Dialect(), "blobs", blobs.Driver())

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}

func newHandler(format, levelName string) slog.Handler {
	var level slog.Level
	switch strings.ToLower(levelName) {
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
	if strings.ToLower(format) == "text" {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}

func openBlobStore(ctx context.Context, cfg server.Config) (blob.Store, error) {
	switch blob.Driver(strings.ToLower(cfg.BlobDriver)) {
	case blob.DriverFilesystem, "":
		return fsstore.New(cfg.BlobDir)
	case blob.DriverS3:
		return s3store.New(ctx, s3store.ConfigFromEnv())
	case blob.DriverMemory:
		slog.Warn("memory blob store: uploads are lost on restart")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown blob driver %q (want fs, s3 or memory)", cfg.BlobDriver)
}
