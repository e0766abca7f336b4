package db

import (
	"database/sql"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

// SaveIDMapping records the server id assigned to a temporary id.
// Re-saving the same pair is a no-op.
func (db *DB) SaveIDMapping(tempID, serverID, kind string) error {
	return db.withWriteLock("save id mapping", func() error {
		_, err := db.conn.Exec(`
			INSERT INTO id_map (temp_id, server_id, kind, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(temp_id) DO UPDATE SET server_id = excluded.server_id
		`, tempID, serverID, kind, formatTime(db.now()))
		return err
	})
}

// ResolveID maps a temporary id to its server id. Server ids resolve to
// themselves. ok is false for a temp id with no mapping yet.
func (db *DB) ResolveID(id string) (string, bool, error) {
	if !models.IsTempID(id) {
		return id, true, nil
	}
	var serverID string
	err := db.conn.QueryRow(`SELECT server_id FROM id_map WHERE temp_id = ?`, id).Scan(&serverID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStorage("resolve id", err)
	}
	return serverID, true, nil
}

// IDMappings returns every temp id mapping, oldest first
func (db *DB) IDMappings() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT temp_id, server_id FROM id_map ORDER BY created_at`)
	if err != nil {
		return nil, wrapStorage("list id mappings", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var tmp, srv string
		if err := rows.Scan(&tmp, &srv); err != nil {
			return nil, wrapStorage("list id mappings", err)
		}
		m[tmp] = srv
	}
	return m, wrapStorage("list id mappings", rows.Err())
}

// RecordSyncRun stores the outcome of a drain pass
func (db *DB) RecordSyncRun(at time.Time, status string, synced, failed int, lastErr string) error {
	return db.withWriteLock("record sync run", func() error {
		_, err := db.conn.Exec(`
			INSERT INTO sync_state (id, last_sync_at, last_status, last_error, synced, failed, passes_total)
			VALUES (1, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(id) DO UPDATE SET
				last_sync_at = excluded.last_sync_at,
				last_status = excluded.last_status,
				last_error = excluded.last_error,
				synced = excluded.synced,
				failed = excluded.failed,
				passes_total = sync_state.passes_total + 1
		`, formatTime(at), status, lastErr, synced, failed)
		return err
	})
}

// GetSyncState returns the last recorded pass, or a zero state if none ran
func (db *DB) GetSyncState() (*models.SyncState, error) {
	var s models.SyncState
	var lastSync sql.NullString
	err := db.conn.QueryRow(`
		SELECT last_sync_at, last_status, last_error, synced, failed, passes_total
		FROM sync_state WHERE id = 1
	`).Scan(&lastSync, &s.LastStatus, &s.LastError, &s.Synced, &s.Failed, &s.PassesTotal)
	if err == sql.ErrNoRows {
		return &s, nil
	}
	if err != nil {
		return nil, wrapStorage("get sync state", err)
	}
	if s.LastSyncAt, err = parseNullTime(lastSync); err != nil {
		return nil, wrapStorage("get sync state", err)
	}
	return &s, nil
}
