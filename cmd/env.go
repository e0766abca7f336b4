package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/pricetrack/internal/apiclient"
	"github.com/marcus/pricetrack/internal/blob/fsstore"
	"github.com/marcus/pricetrack/internal/connection"
	"github.com/marcus/pricetrack/internal/coordinator"
	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/mutation"
	"github.com/marcus/pricetrack/internal/syncconfig"
)

// env is everything a command needs to touch the local queue and the server
type env struct {
	settings syncconfig.Settings
	dataDir  string
	db       *db.DB
	blobs    *fsstore.Store
	client   *apiclient.Client
	conn     *connection.Monitor
}

// resolveDataDir picks --data-dir, then the configured data_dir, then the
// platform default
func resolveDataDir(s syncconfig.Settings) string {
	if dataDirArg != "" {
		return dataDirArg
	}
	if s.DataDir != "" {
		return s.DataDir
	}
	return db.DefaultDataDir()
}

func openEnv() (*env, error) {
	s := syncconfig.Load()
	dir := resolveDataDir(s)

	database, err := db.Open(dir)
	if err != nil {
		return nil, err
	}
	blobs, err := fsstore.New(db.BlobDir(dir))
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	client := apiclient.New(s.ServerURL, apiclient.StaticToken(s.APIToken))
	if version != "" {
		client.UserAgent = "pricetrack/" + version
	}
	conn := connection.New(connection.HealthProbe(client), connection.Config{
		Interval:      s.ProbeInterval,
		Timeout:       s.ProbeTimeout,
		GoodThreshold: s.ProbeGoodThreshold,
	}, connection.WithLogger(slog.Default()))

	return &env{
		settings: s,
		dataDir:  dir,
		db:       database,
		blobs:    blobs,
		client:   client,
		conn:     conn,
	}, nil
}

func (e *env) Close() {
	e.db.Close()
}

// checkInterfaces seeds m from the host's network interfaces. Replaced in tests.
var checkInterfaces = func(m *connection.Monitor) bool {
	return connection.NewWatcher(m, 0).Check()
}

// detectConnection seeds the monitor from the network interfaces and, when
// online, measures one probe round trip
func (e *env) detectConnection(ctx context.Context) models.ConnectionState {
	checkInterfaces(e.conn)
	return e.conn.Probe(ctx)
}

// facade builds the mutation entry point. Queued work wakes a running
// daemon through the trigger file once the monitor reports online.
func (e *env) facade(bus *events.Bus) *mutation.Facade {
	checkInterfaces(e.conn)
	return mutation.New(e.db, e.blobs, e.conn, mutation.FileSignaler{Path: db.TriggerPath(e.dataDir)}, mutation.Config{
		UserID:      e.settings.UserID,
		Locale:      e.settings.Locale,
		MaxAttempts: e.settings.MaxAttempts,
		Bus:         bus,
		Logger:      slog.Default(),
	})
}

// coordinator builds a drain coordinator. lockWait is how long a forced
// Sync waits for a pass running in another process.
func (e *env) coordinator(bus *events.Bus, lockWait time.Duration) *coordinator.Coordinator {
	return coordinator.New(e.db, e.client, e.conn, coordinator.Config{
		SyncLockWait:   lockWait,
		RequestTimeout: e.settings.RequestTimeout,
		BackoffBase:    e.settings.BackoffBase,
		BackoffMax:     e.settings.BackoffMax,
		Bus:            bus,
		Blobs:          e.blobs,
		Logger:         slog.Default(),
	})
}
