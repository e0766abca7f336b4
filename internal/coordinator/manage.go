package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

// ErrNotFailed is returned when retry or dismiss targets an item that is
// not in the failed state
var ErrNotFailed = errors.New("item is not failed")

// RetryFailed puts a failed item back in the queue with a fresh attempt
// budget. Its local record, if it failed with it, goes back to pending.
func (c *Coordinator) RetryFailed(id string) (*models.QueueItem, error) {
	it, err := c.store.GetItem(id)
	if err != nil {
		return nil, err
	}
	if it.Status != models.ItemFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, it.Status)
	}

	zero := 0
	empty := ""
	none := models.ErrorKindNone
	if err := c.store.UpdateItemStatus(id, models.ItemPending, db.ItemUpdate{
		Attempts:       &zero,
		ClearNextRetry: true,
		LastError:      &empty,
		ErrorKind:      &none,
	}); err != nil {
		return nil, err
	}

	rec, err := c.recordOf(it)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Status == models.RecordFailed {
		if err := c.store.UpdateRecordStatus(rec.ID, models.RecordPending, db.RecordUpdate{LastError: &empty}); err != nil {
			return nil, err
		}
	}

	c.publish(events.Event{Type: events.ItemQueued, ItemID: id, Action: it.Action})
	c.log.Info("item requeued", "item", id, "action", it.Action)
	return c.store.GetItem(id)
}

// RetryAllFailed requeues every failed item and returns how many it moved
func (c *Coordinator) RetryAllFailed() (int, error) {
	items, err := c.store.ListItems()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if it.Status != models.ItemFailed {
			continue
		}
		if _, err := c.RetryFailed(it.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Dismiss drops a failed item. A dismissed create also drops the local
// record it would have synced, and a dismissed upload its stored bytes.
func (c *Coordinator) Dismiss(ctx context.Context, id string) error {
	it, err := c.store.GetItem(id)
	if err != nil {
		return err
	}
	if it.Status != models.ItemFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, it.Status)
	}
	if err := c.store.DeleteItem(id); err != nil {
		return err
	}

	switch it.Action {
	case models.ActionCreate:
		if it.LocalRef != "" {
			if err := c.store.DeleteRecord(it.LocalRef); err != nil {
				return err
			}
		}
	case models.ActionUpload:
		var p models.UploadPayload
		if c.cfg.Blobs != nil && it.DecodePayload(&p) == nil && p.BlobKey != "" {
			if _, err := c.cfg.Blobs.Delete(ctx, p.BlobKey); err != nil {
				c.log.Warn("failed to remove dismissed attachment", "key", p.BlobKey, "err", err)
			}
		}
	}
	c.log.Info("item dismissed", "item", id, "action", it.Action)
	return nil
}

func (c *Coordinator) recordOf(it *models.QueueItem) (*models.PendingRecord, error) {
	switch it.Action {
	case models.ActionCreate:
		return c.recordFor(it.LocalRef)
	case models.ActionUpdate, models.ActionDelete:
		return c.recordFor(it.TargetID)
	}
	return nil, nil
}
