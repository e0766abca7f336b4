// Package mutation is the write path used by every command that changes a
// price. Each call persists its work to the local store before returning and
// never touches the network; the coordinator replays it later.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/marcus/pricetrack/internal/blob"
	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

// Default provenance tag for queued items
const DefaultSource = "cli"

// Store is the persistence the facade writes through
type Store interface {
	Enqueue(rec *models.PendingRecord, item *models.QueueItem) error
	GetRecord(id string) (*models.PendingRecord, error)
	PutRecord(r *models.PendingRecord) error
	SaveIDMapping(tempID, serverID, kind string) error
}

// Connection reports whether the server is reachable right now
type Connection interface {
	State() models.ConnectionState
}

// Signaler wakes the coordinator. *coordinator.Coordinator satisfies it
// in-process; FileSignaler reaches a daemon in another process.
type Signaler interface {
	Trigger(reason string)
}

// Config carries the identity stamped on every queued mutation
type Config struct {
	UserID      string
	Locale      string
	Source      string
	MaxAttempts int
	Bus         *events.Bus
	Logger      *slog.Logger
	Now         func() time.Time
}

// Facade enqueues mutations
type Facade struct {
	store  Store
	blobs  blob.Store
	conn   Connection
	signal Signaler
	cfg    Config
	log    *slog.Logger
}

// New returns a facade. blobs may be nil if uploads are never queued;
// signal may be nil to rely on the daemon's own timer.
func New(store Store, blobs blob.Store, conn Connection, signal Signaler, cfg Config) *Facade {
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Facade{
		store:  store,
		blobs:  blobs,
		conn:   conn,
		signal: signal,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "mutation"),
	}
}

// Option adjusts a single enqueue call
type Option func(*enqueueOpts)

type enqueueOpts struct {
	priority *models.Priority
	source   string
	itemID   string
}

// WithPriority overrides the action's default priority
func WithPriority(p models.Priority) Option {
	return func(o *enqueueOpts) { o.priority = &p }
}

// WithSource tags the item with where it came from, e.g. "offline_form"
func WithSource(src string) Option {
	return func(o *enqueueOpts) { o.source = src }
}

// withItemID fixes the queue id, so a direct attempt and its fallback share
// one idempotency key
func withItemID(id string) Option {
	return func(o *enqueueOpts) { o.itemID = id }
}

func (f *Facade) newItem(action models.Action, def models.Priority, payload any, opts []Option) (*models.QueueItem, error) {
	var o enqueueOpts
	for _, opt := range opts {
		opt(&o)
	}
	prio := def
	if o.priority != nil {
		prio = *o.priority
	}
	src := f.cfg.Source
	if o.source != "" {
		src = o.source
	}
	id := o.itemID
	if id == "" {
		id = db.NewQueueID()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", action, err)
	}
	return &models.QueueItem{
		ID:          id,
		Action:      action,
		Payload:     raw,
		Priority:    prio,
		MaxAttempts: f.cfg.MaxAttempts,
		Status:      models.ItemPending,
		UserID:      f.cfg.UserID,
		Locale:      f.cfg.Locale,
		Source:      src,
		CreatedAt:   f.cfg.Now().UTC(),
	}, nil
}

// EnqueueCreate stores a new price as a pending record plus its create item.
// The returned record carries the temp id the user can act on immediately.
func (f *Facade) EnqueueCreate(ctx context.Context, p models.PricePayload, opts ...Option) (*models.PendingRecord, error) {
	item, err := f.newItem(models.ActionCreate, models.PriorityHigh, p, opts)
	if err != nil {
		return nil, err
	}
	now := item.CreatedAt
	rec := &models.PendingRecord{
		ID:        db.NewTempID(),
		Status:    models.RecordPending,
		Payload:   p,
		UserID:    f.cfg.UserID,
		Locale:    f.cfg.Locale,
		CreatedAt: now,
		UpdatedAt: now,
	}
	item.LocalRef = rec.ID

	if err := f.store.Enqueue(rec, item); err != nil {
		return nil, err
	}
	f.queued(item, rec.ID)
	return rec, nil
}

// EnqueueUpdate queues a partial edit of target, which may be a temp id or a
// server id. When a local record exists the edit is applied to it and the
// record goes back to pending; the record is nil otherwise.
func (f *Facade) EnqueueUpdate(ctx context.Context, target string, u models.PriceUpdate, opts ...Option) (*models.PendingRecord, error) {
	if target == "" {
		return nil, fmt.Errorf("update: target id is required")
	}
	rec, err := f.store.GetRecord(target)
	switch {
	case errors.Is(err, db.ErrNotFound):
		rec = nil
	case err != nil:
		return nil, err
	}

	item, err := f.newItem(models.ActionUpdate, models.PriorityNormal, u, opts)
	if err != nil {
		return nil, err
	}
	item.TargetID = target

	if rec != nil {
		u.Apply(&rec.Payload)
		rec.Status = models.RecordPending
		rec.LastError = ""
		rec.UpdatedAt = item.CreatedAt
	}
	if err := f.store.Enqueue(rec, item); err != nil {
		return nil, err
	}
	f.queued(item, target)
	return rec, nil
}

// EnqueueDelete queues removal of target and returns the queue item id. A
// synced local record goes back to pending until the server confirms, then
// it is removed.
func (f *Facade) EnqueueDelete(ctx context.Context, target, reason string, opts ...Option) (string, error) {
	if target == "" {
		return "", fmt.Errorf("delete: target id is required")
	}
	rec, err := f.store.GetRecord(target)
	switch {
	case errors.Is(err, db.ErrNotFound):
		rec = nil
	case err != nil:
		return "", err
	}

	item, err := f.newItem(models.ActionDelete, models.PriorityNormal, models.DeletePayload{Reason: reason}, opts)
	if err != nil {
		return "", err
	}
	item.TargetID = target

	if rec != nil && rec.Status == models.RecordSynced {
		rec.Status = models.RecordPending
		rec.LastError = ""
		rec.UpdatedAt = item.CreatedAt
	} else {
		rec = nil
	}
	if err := f.store.Enqueue(rec, item); err != nil {
		return "", err
	}
	f.queued(item, target)
	return item.ID, nil
}

// EnqueueVerify queues a confirm or dispute of target and returns the item id
func (f *Facade) EnqueueVerify(ctx context.Context, target string, v models.VerifyPayload, opts ...Option) (string, error) {
	if target == "" {
		return "", fmt.Errorf("verify: target id is required")
	}
	item, err := f.newItem(models.ActionVerify, models.PriorityNormal, v, opts)
	if err != nil {
		return "", err
	}
	item.TargetID = target
	if err := f.store.Enqueue(nil, item); err != nil {
		return "", err
	}
	f.queued(item, target)
	return item.ID, nil
}

// UploadInput is an attachment to queue
type UploadInput struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// EnqueueUpload copies the attachment into the local blob store and queues
// its upload. The item's LocalRef is the temp id to pass as a price's
// AttachmentRef.
func (f *Facade) EnqueueUpload(ctx context.Context, in UploadInput, opts ...Option) (*models.QueueItem, error) {
	if f.blobs == nil {
		return nil, fmt.Errorf("upload: no local blob store configured")
	}
	if in.Body == nil {
		return nil, fmt.Errorf("upload: body is required")
	}

	ref := db.NewUploadRef()
	key := "uploads/" + ref
	info, err := f.blobs.Put(ctx, key, in.Body, blob.PutOptions{
		ContentType: in.ContentType,
		Metadata:    map[string]string{"filename": in.Filename},
	})
	if err != nil {
		return nil, &db.StorageError{Op: "store attachment", Err: err}
	}

	payload := models.UploadPayload{
		BlobKey:     key,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Size:        info.Size,
	}
	item, err := f.newItem(models.ActionUpload, models.PriorityNormal, payload, opts)
	if err != nil {
		return nil, err
	}
	item.LocalRef = ref

	if err := f.store.Enqueue(nil, item); err != nil {
		if _, derr := f.blobs.Delete(ctx, key); derr != nil {
			f.log.Warn("failed to remove orphaned attachment", "key", key, "err", derr)
		}
		return nil, err
	}
	f.queued(item, ref)
	return item, nil
}

// queued announces a new item and wakes the coordinator when it can act
func (f *Facade) queued(item *models.QueueItem, recordID string) {
	f.log.Debug("mutation queued", "item", item.ID, "action", item.Action, "target", recordID, "priority", item.Priority)
	if f.cfg.Bus != nil {
		f.cfg.Bus.Publish(events.Event{Type: events.ItemQueued, ItemID: item.ID, Action: item.Action, RecordID: recordID})
	}
	if f.signal != nil && f.conn != nil && f.conn.State().Online {
		f.signal.Trigger("enqueue")
	}
}
