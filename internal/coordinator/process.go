package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/pricetrack/internal/apiclient"
	"github.com/marcus/pricetrack/internal/blob"
	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

var (
	errInterrupted = errors.New("interrupted before the server answered")
	errUnresolved  = errors.New("dependency not resolved yet")
)

// DependencyError fails an item whose temp id can never resolve because the
// mutation that would create it failed or is gone
type DependencyError struct {
	DependsOn string
	Cause     string
}

func (e *DependencyError) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("depends on %s which failed", e.DependsOn)
	}
	return fmt.Sprintf("depends on %s which failed: %s", e.DependsOn, e.Cause)
}

// localError is a problem with the queued data itself; retrying cannot help
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// process claims and runs one item. done reports whether it completed,
// which may unblock items held behind it.
func (c *Coordinator) process(ctx context.Context, it models.QueueItem, res *Result) (bool, error) {
	now := c.cfg.Now()
	claimed, err := c.store.ClaimItem(it.ID, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	res.Considered++
	it.Status = models.ItemProcessing
	it.LastAttemptAt = &now

	c.log.Debug("processing item", "item", it.ID, "action", it.Action, "target", it.TargetID, "attempt", it.Attempts+1)
	serverID, callErr := c.execute(ctx, &it)

	switch {
	case callErr == nil:
		if err := c.ack(ctx, &it, serverID, res); err != nil {
			return false, err
		}
		return true, nil
	case errors.Is(callErr, errUnresolved), ctx.Err() != nil:
		// hand the claim back without charging an attempt
		if err := c.store.UpdateItemStatus(it.ID, models.ItemPending, db.ItemUpdate{}); err != nil {
			return false, err
		}
		return false, ctx.Err()
	case db.IsStorageError(callErr):
		return false, callErr
	}
	return false, c.nack(&it, callErr, res)
}

func (c *Coordinator) execute(ctx context.Context, it *models.QueueItem) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	switch it.Action {
	case models.ActionCreate:
		var p models.PricePayload
		if err := it.DecodePayload(&p); err != nil {
			return "", &localError{err}
		}
		if p.AttachmentRef != "" {
			ref, err := c.resolve(p.AttachmentRef)
			if err != nil {
				return "", err
			}
			p.AttachmentRef = ref
		}
		resp, err := c.api.CreatePrice(ctx, it.ID, apiclient.CreatePriceRequest{
			PricePayload: p,
			UserID:       it.UserID,
			Locale:       it.Locale,
		})
		if err != nil {
			return "", err
		}
		return resp.ID, nil

	case models.ActionUpdate:
		target, err := c.resolve(it.TargetID)
		if err != nil {
			return "", err
		}
		var u models.PriceUpdate
		if err := it.DecodePayload(&u); err != nil {
			return "", &localError{err}
		}
		if u.AttachmentRef != nil && *u.AttachmentRef != "" {
			ref, err := c.resolve(*u.AttachmentRef)
			if err != nil {
				return "", err
			}
			u.AttachmentRef = &ref
		}
		if _, err := c.api.UpdatePrice(ctx, it.ID, target, u); err != nil {
			return "", err
		}
		return target, nil

	case models.ActionDelete:
		target, err := c.resolve(it.TargetID)
		if err != nil {
			return "", err
		}
		var p models.DeletePayload
		if err := it.DecodePayload(&p); err != nil {
			return "", &localError{err}
		}
		err = c.api.DeletePrice(ctx, it.ID, target, p.Reason)
		if errors.Is(err, apiclient.ErrNotFound) {
			c.log.Debug("price already gone", "item", it.ID, "target", target)
			err = nil
		}
		if err != nil {
			return "", err
		}
		return target, nil

	case models.ActionVerify:
		target, err := c.resolve(it.TargetID)
		if err != nil {
			return "", err
		}
		var v models.VerifyPayload
		if err := it.DecodePayload(&v); err != nil {
			return "", &localError{err}
		}
		if _, err := c.api.VerifyPrice(ctx, it.ID, target, v); err != nil {
			return "", err
		}
		return target, nil

	case models.ActionUpload:
		var p models.UploadPayload
		if err := it.DecodePayload(&p); err != nil {
			return "", &localError{err}
		}
		if c.cfg.Blobs == nil {
			return "", &localError{errors.New("no blob store configured for uploads")}
		}
		_, rc, err := c.cfg.Blobs.Get(ctx, p.BlobKey)
		if errors.Is(err, blob.ErrNotFound) {
			return "", &localError{fmt.Errorf("attachment %s is missing from local storage", p.BlobKey)}
		}
		if err != nil {
			return "", &localError{fmt.Errorf("read attachment %s: %w", p.BlobKey, err)}
		}
		defer rc.Close()

		resp, err := c.api.Upload(ctx, it.ID, p, rc)
		if err != nil {
			return "", err
		}
		return resp.ID, nil
	}
	return "", &localError{fmt.Errorf("unknown action %q", it.Action)}
}

// resolve maps a temp id to its server id; server ids pass through
func (c *Coordinator) resolve(id string) (string, error) {
	srv, ok, err := c.store.ResolveID(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", id, errUnresolved)
	}
	return srv, nil
}

func (c *Coordinator) ack(ctx context.Context, it *models.QueueItem, serverID string, res *Result) error {
	// mapping first: if we crash before the item is marked completed, the
	// replay carries the same idempotency key and dependents already resolve
	if it.LocalRef != "" && serverID != "" {
		kind := "price"
		if it.Action == models.ActionUpload {
			kind = "upload"
		}
		if err := c.store.SaveIDMapping(it.LocalRef, serverID, kind); err != nil {
			return err
		}
	}

	empty := ""
	none := models.ErrorKindNone
	if err := c.store.UpdateItemStatus(it.ID, models.ItemCompleted, db.ItemUpdate{
		ClearNextRetry: true,
		LastError:      &empty,
		ErrorKind:      &none,
	}); err != nil {
		return err
	}

	recordID, err := c.reconcileSuccess(ctx, it, serverID)
	if err != nil {
		return err
	}

	res.Synced++
	c.publish(events.Event{
		Type:     events.ItemSynced,
		ItemID:   it.ID,
		Action:   it.Action,
		RecordID: recordID,
		ServerID: serverID,
		Attempts: it.Attempts + 1,
	})
	c.log.Debug("item synced", "item", it.ID, "action", it.Action, "server_id", serverID)
	return nil
}

func (c *Coordinator) reconcileSuccess(ctx context.Context, it *models.QueueItem, serverID string) (string, error) {
	switch it.Action {
	case models.ActionCreate:
		empty := ""
		err := c.store.UpdateRecordStatus(it.LocalRef, models.RecordSynced, db.RecordUpdate{ServerID: &serverID, LastError: &empty})
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return "", err
		}
		return it.LocalRef, nil

	case models.ActionUpdate:
		rec, err := c.recordFor(it.TargetID)
		if err != nil || rec == nil {
			return "", err
		}
		more, err := c.hasPendingWork(rec, it.ID)
		if err != nil {
			return "", err
		}
		if !more && rec.Status != models.RecordFailed {
			empty := ""
			if err := c.store.UpdateRecordStatus(rec.ID, models.RecordSynced, db.RecordUpdate{LastError: &empty}); err != nil {
				return "", err
			}
		}
		return rec.ID, nil

	case models.ActionDelete:
		rec, err := c.recordFor(it.TargetID)
		if err != nil || rec == nil {
			return it.TargetID, err
		}
		return rec.ID, c.store.DeleteRecord(rec.ID)

	case models.ActionUpload:
		if c.cfg.Blobs != nil {
			var p models.UploadPayload
			if it.DecodePayload(&p) == nil && p.BlobKey != "" {
				if _, err := c.cfg.Blobs.Delete(ctx, p.BlobKey); err != nil {
					c.log.Warn("failed to remove uploaded attachment", "key", p.BlobKey, "err", err)
				}
			}
		}
		return it.LocalRef, nil
	}
	return it.TargetID, nil
}

func (c *Coordinator) nack(it *models.QueueItem, cause error, res *Result) error {
	now := c.cfg.Now()
	limit := it.MaxAttempts
	if limit <= 0 {
		limit = models.DefaultMaxAttempts
	}

	attempts := it.Attempts + 1
	kind := models.ErrorKindNetwork
	msg := cause.Error()
	terminal := false

	var rej *apiclient.RejectionError
	var dep *DependencyError
	var local *localError
	switch {
	case errors.As(cause, &rej):
		kind, msg, terminal = models.ErrorKindRejected, rej.Reason(), true
	case errors.As(cause, &dep):
		kind, terminal = models.ErrorKindDependency, true
		attempts = it.Attempts
	case errors.As(cause, &local):
		kind, terminal = models.ErrorKindStorage, true
		attempts = it.Attempts
	default:
		terminal = attempts >= limit
	}

	if !terminal {
		next := now.Add(Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempts))
		if err := c.store.UpdateItemStatus(it.ID, models.ItemPending, db.ItemUpdate{
			Attempts:      &attempts,
			LastAttemptAt: &now,
			NextRetryAt:   &next,
			LastError:     &msg,
			ErrorKind:     &kind,
		}); err != nil {
			return err
		}
		res.Retried++
		c.publish(events.Event{
			Type:        events.ItemRetry,
			ItemID:      it.ID,
			Action:      it.Action,
			Attempts:    attempts,
			ErrorKind:   kind,
			Error:       msg,
			NextRetryAt: &next,
		})
		c.log.Info("item will retry", "item", it.ID, "action", it.Action, "attempts", attempts, "next_retry_at", next, "err", msg)
		return nil
	}

	if err := c.store.UpdateItemStatus(it.ID, models.ItemFailed, db.ItemUpdate{
		Attempts:       &attempts,
		LastAttemptAt:  &now,
		ClearNextRetry: true,
		LastError:      &msg,
		ErrorKind:      &kind,
	}); err != nil {
		return err
	}
	res.Failed++

	recordID, err := c.reconcileFailure(it, msg)
	if err != nil {
		return err
	}
	c.publish(events.Event{
		Type:      events.ItemFailed,
		ItemID:    it.ID,
		Action:    it.Action,
		RecordID:  recordID,
		Attempts:  attempts,
		ErrorKind: kind,
		Error:     msg,
	})
	c.log.Warn("item failed", "item", it.ID, "action", it.Action, "kind", kind, "err", msg)

	if it.LocalRef != "" {
		return c.cascade(it.LocalRef, msg, res)
	}
	return nil
}

func (c *Coordinator) reconcileFailure(it *models.QueueItem, msg string) (string, error) {
	var recordID string
	switch it.Action {
	case models.ActionCreate:
		recordID = it.LocalRef
	case models.ActionUpdate, models.ActionDelete:
		rec, err := c.recordFor(it.TargetID)
		if err != nil || rec == nil {
			return it.TargetID, err
		}
		if rec.ServerID != "" {
			// the price itself is on the server; only this change was refused
			return rec.ID, c.restoreSynced(rec, it.ID, msg)
		}
		recordID = rec.ID
	default:
		return it.TargetID, nil
	}
	err := c.store.UpdateRecordStatus(recordID, models.RecordFailed, db.RecordUpdate{LastError: &msg})
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return recordID, err
	}
	return recordID, nil
}

// restoreSynced puts a server-backed record back to synced with the refused
// change noted, or leaves it pending while other items still touch it
func (c *Coordinator) restoreSynced(rec *models.PendingRecord, skip, msg string) error {
	status := models.RecordSynced
	more, err := c.hasPendingWork(rec, skip)
	if err != nil {
		return err
	}
	if more {
		status = models.RecordPending
	}
	err = c.store.UpdateRecordStatus(rec.ID, status, db.RecordUpdate{LastError: &msg})
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}

// cascade fails every pending item that needs ref, recursively
func (c *Coordinator) cascade(ref, cause string, res *Result) error {
	items, err := c.store.ListItems()
	if err != nil {
		return err
	}
	for i := range items {
		it := items[i]
		if it.Status != models.ItemPending {
			continue
		}
		for _, dep := range it.Dependencies() {
			if dep == ref {
				if err := c.failDependent(it, ref, cause, res); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

func (c *Coordinator) failDependent(it models.QueueItem, dep, cause string, res *Result) error {
	res.Considered++
	return c.nack(&it, &DependencyError{DependsOn: dep, Cause: cause}, res)
}

// recordFor finds the local record behind a target id, if any
func (c *Coordinator) recordFor(target string) (*models.PendingRecord, error) {
	if target == "" {
		return nil, nil
	}
	rec, err := c.store.GetRecord(target)
	if errors.Is(err, db.ErrNotFound) {
		if srv, ok, rerr := c.store.ResolveID(target); rerr == nil && ok && srv != target {
			rec, err = c.store.GetRecord(srv)
		}
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// hasPendingWork reports whether items other than skip still touch rec
func (c *Coordinator) hasPendingWork(rec *models.PendingRecord, skip string) (bool, error) {
	items, err := c.store.ListItems()
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.ID == skip || it.Status == models.ItemCompleted || it.Status == models.ItemFailed {
			continue
		}
		if it.LocalRef == rec.ID || it.TargetID == rec.ID || (rec.ServerID != "" && it.TargetID == rec.ServerID) {
			return true, nil
		}
	}
	return false, nil
}
