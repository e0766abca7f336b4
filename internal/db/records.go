package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

const recordColumns = `id, server_id, status, payload, user_id, locale, last_error, created_at, updated_at`

// RecordUpdate carries optional fields changed alongside a status transition
type RecordUpdate struct {
	ServerID  *string
	LastError *string
	Payload   *models.PricePayload
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PutRecord inserts or overwrites a pending record by id. Overwrites keep
// the record's original insertion position.
func (db *DB) PutRecord(r *models.PendingRecord) error {
	return db.withWriteLock("put record", func() error {
		return putRecord(db.conn, r, db.now())
	})
}

func putRecord(ex execer, r *models.PendingRecord, now time.Time) error {
	if r.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.Status == "" {
		r.Status = models.RecordPending
	}
	r.UpdatedAt = now

	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = ex.Exec(`
		INSERT INTO pending_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			status = excluded.status,
			payload = excluded.payload,
			user_id = excluded.user_id,
			locale = excluded.locale,
			last_error = excluded.last_error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, r.ID, r.ServerID, string(r.Status), string(payload), r.UserID, r.Locale, r.LastError,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return err
}

// GetRecord returns a record by temp id or by its mapped server id
func (db *DB) GetRecord(id string) (*models.PendingRecord, error) {
	row := db.conn.QueryRow(`SELECT `+recordColumns+` FROM pending_records
		WHERE id = ? OR (server_id != '' AND server_id = ?) ORDER BY seq LIMIT 1`, id, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Collection: "record", ID: id}
	}
	if err != nil {
		return nil, wrapStorage("get record", err)
	}
	return r, nil
}

// ListRecords returns all pending records in insertion order
func (db *DB) ListRecords() ([]models.PendingRecord, error) {
	return db.queryRecords(`SELECT ` + recordColumns + ` FROM pending_records ORDER BY seq`)
}

// ListRecordsByStatus filters ListRecords by status
func (db *DB) ListRecordsByStatus(statuses ...models.RecordStatus) ([]models.PendingRecord, error) {
	if len(statuses) == 0 {
		return db.ListRecords()
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return db.queryRecords(`SELECT `+recordColumns+` FROM pending_records
		WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY seq`, args...)
}

func (db *DB) queryRecords(query string, args ...any) ([]models.PendingRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, wrapStorage("list records", err)
	}
	defer rows.Close()

	var records []models.PendingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, wrapStorage("list records", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list records", err)
	}
	return records, nil
}

// UpdateRecordStatus sets a record's status plus any fields in upd.
// Returns a NotFoundError if the id is absent.
func (db *DB) UpdateRecordStatus(id string, status models.RecordStatus, upd RecordUpdate) error {
	return db.withWriteLock("update record", func() error {
		sets := []string{"status = ?", "updated_at = ?"}
		args := []any{string(status), formatTime(db.now())}
		if upd.ServerID != nil {
			sets = append(sets, "server_id = ?")
			args = append(args, *upd.ServerID)
		}
		if upd.LastError != nil {
			sets = append(sets, "last_error = ?")
			args = append(args, *upd.LastError)
		}
		if upd.Payload != nil {
			payload, err := json.Marshal(upd.Payload)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			sets = append(sets, "payload = ?")
			args = append(args, string(payload))
		}
		args = append(args, id)

		res, err := db.conn.Exec(`UPDATE pending_records SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Collection: "record", ID: id}
		}
		return nil
	})
}

// DeleteRecord removes a record. Deleting an absent id is not an error.
func (db *DB) DeleteRecord(id string) error {
	return db.withWriteLock("delete record", func() error {
		_, err := db.conn.Exec(`DELETE FROM pending_records WHERE id = ?`, id)
		return err
	})
}

// PurgeRecords deletes records in the given statuses and returns the count
func (db *DB) PurgeRecords(statuses ...models.RecordStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []models.RecordStatus{models.RecordSynced}
	}
	var n int64
	err := db.withWriteLock("purge records", func() error {
		placeholders := make([]string, len(statuses))
		args := make([]any, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args[i] = string(s)
		}
		res, err := db.conn.Exec(`DELETE FROM pending_records WHERE status IN (`+strings.Join(placeholders, ",")+`)`, args...)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func scanRecord(s rowScanner) (*models.PendingRecord, error) {
	var r models.PendingRecord
	var status, payload, createdAt, updatedAt string
	if err := s.Scan(&r.ID, &r.ServerID, &status, &payload, &r.UserID, &r.Locale, &r.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Status = models.RecordStatus(status)
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, fmt.Errorf("decode record %s payload: %w", r.ID, err)
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
