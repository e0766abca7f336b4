// Package coordinator drains the sync queue against the price API.
//
// Passes never overlap: inside a process a mutex serializes them and a
// trigger that arrives mid-pass sets a rerun flag; across processes sharing
// a data directory the store's drain lock does the same job.
package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/pricetrack/internal/apiclient"
	"github.com/marcus/pricetrack/internal/blob"
	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

// Defaults for Config
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultBackoffBase    = 5 * time.Second
	DefaultBackoffMax     = 15 * time.Minute
	DefaultStaleAfter     = 2 * time.Minute
	maxRoundsPerPass      = 64
)

// Store is the slice of the local store the coordinator needs
type Store interface {
	ListItems() ([]models.QueueItem, error)
	GetItem(id string) (*models.QueueItem, error)
	ClaimItem(id string, at time.Time) (bool, error)
	UpdateItemStatus(id string, status models.ItemStatus, upd db.ItemUpdate) error
	DeleteItem(id string) error
	GetRecord(id string) (*models.PendingRecord, error)
	UpdateRecordStatus(id string, status models.RecordStatus, upd db.RecordUpdate) error
	DeleteRecord(id string) error
	SaveIDMapping(tempID, serverID, kind string) error
	ResolveID(id string) (string, bool, error)
	RecordSyncRun(at time.Time, status string, synced, failed int, lastErr string) error
	GetSyncState() (*models.SyncState, error)
	AcquireDrainLock(timeout time.Duration) (*db.DrainLock, error)
}

// API is the server surface replayed by queue items
type API interface {
	CreatePrice(ctx context.Context, idemKey string, req apiclient.CreatePriceRequest) (*apiclient.PriceResponse, error)
	UpdatePrice(ctx context.Context, idemKey, id string, u models.PriceUpdate) (*apiclient.PriceResponse, error)
	DeletePrice(ctx context.Context, idemKey, id, reason string) error
	VerifyPrice(ctx context.Context, idemKey, id string, v models.VerifyPayload) (*apiclient.PriceResponse, error)
	Upload(ctx context.Context, idemKey string, meta models.UploadPayload, r io.Reader) (*apiclient.UploadResponse, error)
}

// Connection reports the live connection state
type Connection interface {
	State() models.ConnectionState
}

// Config tunes the coordinator. Zero values take the defaults.
type Config struct {
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// StaleAfter is how long an item may sit in processing before a later
	// pass treats it as an interrupted attempt
	StaleAfter time.Duration
	// SyncLockWait is how long a forced Sync waits for another process's pass
	SyncLockWait time.Duration
	Bus          *events.Bus
	Blobs        blob.Store
	Logger       *slog.Logger
	Now          func() time.Time
}

// Result summarizes one drain pass
type Result struct {
	Reason     string    `json:"reason"`
	Skipped    bool      `json:"skipped,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
	Considered int       `json:"considered"`
	Synced     int       `json:"synced"`
	Retried    int       `json:"retried"`
	Failed     int       `json:"failed"`
	Blocked    int       `json:"blocked"`
	Stopped    bool      `json:"stopped,omitempty"` // connection dropped mid-pass
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is the coordinator's control-surface signal
type Status struct {
	Running    bool       `json:"running"`
	LastResult *Result    `json:"last_result,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Coordinator drains the queue
type Coordinator struct {
	store Store
	api   API
	conn  Connection
	cfg   Config
	log   *slog.Logger

	passMu sync.Mutex

	mu      sync.Mutex
	running bool
	rerun   bool
	closed  bool
	last    *Result
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a coordinator. Call Close to stop background passes.
func New(store Store, api API, conn Connection, cfg Config) *Coordinator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:  store,
		api:    api,
		conn:   conn,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "coordinator"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Trigger requests a drain pass without waiting for it. A trigger that
// arrives while a pass runs is coalesced into one follow-up pass.
func (c *Coordinator) Trigger(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.running {
		c.rerun = true
		c.mu.Unlock()
		c.log.Debug("sync already running, coalescing trigger", "reason", reason)
		return
	}
	c.running = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.loop(reason)
}

func (c *Coordinator) loop(reason string) {
	defer c.wg.Done()
	for {
		if _, err := c.runPass(c.ctx, reason, 0); err != nil {
			c.log.Warn("sync pass failed", "reason", reason, "err", err)
		}

		c.mu.Lock()
		if !c.rerun || c.closed {
			c.running = false
			c.mu.Unlock()
			return
		}
		c.rerun = false
		c.mu.Unlock()
		reason = "rerun"
	}
}

// Sync runs a pass now and waits for it. It waits behind a pass already
// running in this process, and up to SyncLockWait for one in another.
func (c *Coordinator) Sync(ctx context.Context) (*Result, error) {
	return c.runPass(ctx, "manual", c.cfg.SyncLockWait)
}

// Wait blocks until no background pass is running or queued
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops accepting triggers and waits for the current pass to end
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	c.cancel()
}

// Status returns whether a pass is running plus the last known outcome
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	s := Status{Running: c.running}
	if c.last != nil {
		r := *c.last
		s.LastResult = &r
	}
	c.mu.Unlock()

	if st, err := c.store.GetSyncState(); err == nil {
		s.LastSyncAt = st.LastSyncAt
	}
	return s
}

// LastSyncTime returns when the last pass finished, if any ever did
func (c *Coordinator) LastSyncTime() *time.Time {
	return c.Status().LastSyncAt
}

func (c *Coordinator) publish(e events.Event) {
	if c.cfg.Bus == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = c.cfg.Now()
	}
	c.cfg.Bus.Publish(e)
}
