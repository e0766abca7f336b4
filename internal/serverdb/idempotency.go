package serverdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IdempotentResponse is the first response sent for an Idempotency-Key,
// replayed verbatim when the key is seen again.
type IdempotentResponse struct {
	Key       string
	UserID    string
	Method    string
	Path      string
	Status    int
	Body      []byte
	CreatedAt time.Time
}

// GetIdempotent looks up a saved response. Keys are scoped per user.
// Returns nil, nil when the key is unseen.
func (db *ServerDB) GetIdempotent(key, userID string) (*IdempotentResponse, error) {
	var (
		r       IdempotentResponse
		body    string
		created string
	)
	err := db.queryRow(`SELECT key, user_id, method, path, status, body, created_at
		FROM idempotency_keys WHERE key = ? AND user_id = ?`, key, userID).
		Scan(&r.Key, &r.UserID, &r.Method, &r.Path, &r.Status, &body, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	r.Body = []byte(body)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// SaveIdempotent stores the response for a key. A key that is already
// saved keeps its first response.
func (db *ServerDB) SaveIdempotent(r IdempotentResponse) error {
	_, err := db.exec(`INSERT INTO idempotency_keys (key, user_id, method, path, status, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key, user_id) DO NOTHING`,
		r.Key, r.UserID, r.Method, r.Path, r.Status, string(r.Body), db.timestamp())
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

// PurgeIdempotent drops saved responses older than before
func (db *ServerDB) PurgeIdempotent(before time.Time) (int64, error) {
	res, err := db.exec(`DELETE FROM idempotency_keys WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
