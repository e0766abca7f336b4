package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

const itemColumns = `id, action, target_id, local_ref, payload, priority, attempts, max_attempts, status,
	user_id, locale, source, last_error, error_kind, created_at, last_attempt_at, next_retry_at`

// ItemUpdate carries optional fields changed alongside a status transition
type ItemUpdate struct {
	Attempts       *int
	LastAttemptAt  *time.Time
	NextRetryAt    *time.Time
	ClearNextRetry bool
	LastError      *string
	ErrorKind      *models.ErrorKind
}

// PutItem inserts or overwrites a queue item by id
func (db *DB) PutItem(item *models.QueueItem) error {
	return db.withWriteLock("put item", func() error {
		return putItem(db.conn, item, db.now())
	})
}

// Enqueue writes an optional record and its queue item in one transaction,
// so a crash never leaves a record without the work that syncs it.
func (db *DB) Enqueue(rec *models.PendingRecord, item *models.QueueItem) error {
	return db.withWriteLock("enqueue", func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := db.now()
		if rec != nil {
			if err := putRecord(tx, rec, now); err != nil {
				return err
			}
		}
		if err := putItem(tx, item, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func putItem(ex execer, q *models.QueueItem, now time.Time) error {
	if q.ID == "" {
		return fmt.Errorf("queue item id is required")
	}
	if !models.IsValidAction(q.Action) {
		return fmt.Errorf("invalid action %q", q.Action)
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	if q.Status == "" {
		q.Status = models.ItemPending
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = models.DefaultMaxAttempts
	}

	_, err := ex.Exec(`
		INSERT INTO sync_queue (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			action = excluded.action,
			target_id = excluded.target_id,
			local_ref = excluded.local_ref,
			payload = excluded.payload,
			priority = excluded.priority,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			status = excluded.status,
			user_id = excluded.user_id,
			locale = excluded.locale,
			source = excluded.source,
			last_error = excluded.last_error,
			error_kind = excluded.error_kind,
			created_at = excluded.created_at,
			last_attempt_at = excluded.last_attempt_at,
			next_retry_at = excluded.next_retry_at
	`, q.ID, string(q.Action), q.TargetID, q.LocalRef, string(q.Payload), int(q.Priority),
		q.Attempts, q.MaxAttempts, string(q.Status), q.UserID, q.Locale, q.Source, q.LastError,
		string(q.ErrorKind), formatTime(q.CreatedAt), formatTimePtr(q.LastAttemptAt), formatTimePtr(q.NextRetryAt))
	return err
}

// GetItem returns a queue item by id
func (db *DB) GetItem(id string) (*models.QueueItem, error) {
	row := db.conn.QueryRow(`SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Collection: "queue item", ID: id}
	}
	if err != nil {
		return nil, wrapStorage("get item", err)
	}
	return item, nil
}

// ListItems returns all queue items in insertion order
func (db *DB) ListItems() ([]models.QueueItem, error) {
	return db.queryItems(`SELECT ` + itemColumns + ` FROM sync_queue ORDER BY seq`)
}

// ListItemsByStatus filters ListItems by status
func (db *DB) ListItemsByStatus(statuses ...models.ItemStatus) ([]models.QueueItem, error) {
	if len(statuses) == 0 {
		return db.ListItems()
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return db.queryItems(`SELECT `+itemColumns+` FROM sync_queue
		WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY seq`, args...)
}

func (db *DB) queryItems(query string, args ...any) ([]models.QueueItem, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, wrapStorage("list items", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, wrapStorage("list items", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list items", err)
	}
	return items, nil
}

// ClaimItem moves a pending item to processing. It returns false if the
// item is no longer pending, e.g. another pass already claimed it.
func (db *DB) ClaimItem(id string, at time.Time) (bool, error) {
	var claimed bool
	err := db.withWriteLock("claim item", func() error {
		res, err := db.conn.Exec(`UPDATE sync_queue SET status = ?, last_attempt_at = ?
			WHERE id = ? AND status = ?`,
			string(models.ItemProcessing), formatTime(at), id, string(models.ItemPending))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// UpdateItemStatus sets an item's status plus any fields in upd.
// Returns a NotFoundError if the id is absent.
func (db *DB) UpdateItemStatus(id string, status models.ItemStatus, upd ItemUpdate) error {
	return db.withWriteLock("update item", func() error {
		sets := []string{"status = ?"}
		args := []any{string(status)}
		if upd.Attempts != nil {
			sets = append(sets, "attempts = ?")
			args = append(args, *upd.Attempts)
		}
		if upd.LastAttemptAt != nil {
			sets = append(sets, "last_attempt_at = ?")
			args = append(args, formatTime(*upd.LastAttemptAt))
		}
		if upd.ClearNextRetry {
			sets = append(sets, "next_retry_at = NULL")
		} else if upd.NextRetryAt != nil {
			sets = append(sets, "next_retry_at = ?")
			args = append(args, formatTime(*upd.NextRetryAt))
		}
		if upd.LastError != nil {
			sets = append(sets, "last_error = ?")
			args = append(args, *upd.LastError)
		}
		if upd.ErrorKind != nil {
			sets = append(sets, "error_kind = ?")
			args = append(args, string(*upd.ErrorKind))
		}
		args = append(args, id)

		res, err := db.conn.Exec(`UPDATE sync_queue SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Collection: "queue item", ID: id}
		}
		return nil
	})
}

// DeleteItem removes a queue item. Deleting an absent id is not an error.
func (db *DB) DeleteItem(id string) error {
	return db.withWriteLock("delete item", func() error {
		_, err := db.conn.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
		return err
	})
}

// PurgeCompleted deletes completed items and returns the count
func (db *DB) PurgeCompleted() (int64, error) {
	var n int64
	err := db.withWriteLock("purge items", func() error {
		res, err := db.conn.Exec(`DELETE FROM sync_queue WHERE status = ?`, string(models.ItemCompleted))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// CountItemsByStatus returns queue depth per status
func (db *DB) CountItemsByStatus() (map[models.ItemStatus]int, error) {
	rows, err := db.conn.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, wrapStorage("count items", err)
	}
	defer rows.Close()

	counts := make(map[models.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapStorage("count items", err)
		}
		counts[models.ItemStatus(status)] = n
	}
	return counts, wrapStorage("count items", rows.Err())
}

func scanItem(s rowScanner) (*models.QueueItem, error) {
	var q models.QueueItem
	var action, payload, status, errorKind, createdAt string
	var priority int
	var lastAttempt, nextRetry sql.NullString
	if err := s.Scan(&q.ID, &action, &q.TargetID, &q.LocalRef, &payload, &priority, &q.Attempts,
		&q.MaxAttempts, &status, &q.UserID, &q.Locale, &q.Source, &q.LastError, &errorKind,
		&createdAt, &lastAttempt, &nextRetry); err != nil {
		return nil, err
	}
	q.Action = models.Action(action)
	q.Status = models.ItemStatus(status)
	q.ErrorKind = models.ErrorKind(errorKind)
	q.Priority = models.Priority(priority)
	if payload != "" {
		q.Payload = []byte(payload)
	}

	var err error
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if q.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return nil, err
	}
	if q.NextRetryAt, err = parseNullTime(nextRetry); err != nil {
		return nil, err
	}
	return &q, nil
}
