package serverdb

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

const (
	apiKeyPrefix = "pt_live_"
	keyLength    = 32
)

var base62Chars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// APIKey represents a stored API key (without the plaintext secret).
type APIKey struct {
	ID         string
	UserID     string
	KeyPrefix  string
	Name       string
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// GenerateAPIKey creates a new API key for the given user.
// Returns the plaintext key (shown once) and the stored APIKey record.
func (db *ServerDB) GenerateAPIKey(userID, name string, expiresAt *time.Time) (string, *APIKey, error) {
	if userID == "" {
		return "", nil, errors.New("user id is required")
	}

	id, err := generateID("ak_")
	if err != nil {
		return "", nil, fmt.Errorf("generate api key id: %w", err)
	}

	secret := make([]byte, keyLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", nil, fmt.Errorf("generate random key: %w", err)
		}
		secret[i] = base62Chars[n.Int64()]
	}

	plaintext := apiKeyPrefix + string(secret)
	prefix := string(secret[:8])

	var expires any
	if expiresAt != nil {
		expires = formatTime(*expiresAt)
	}
	now := db.now().UTC()
	_, err = db.exec(
		`INSERT INTO api_keys (id, user_id, key_hash, key_prefix, name, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, hashKey(plaintext), prefix, name, expires, formatTime(now),
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}

	return plaintext, &APIKey{
		ID:        id,
		UserID:    userID,
		KeyPrefix: prefix,
		Name:      name,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

// VerifyAPIKey checks a plaintext key against stored hashes.
// Returns nil, nil for unknown or expired keys.
func (db *ServerDB) VerifyAPIKey(plaintextKey string) (*APIKey, error) {
	keyHash := hashKey(plaintextKey)
	row := db.queryRow(`SELECT id, user_id, key_prefix, name, expires_at, last_used_at, created_at
		FROM api_keys WHERE key_hash = ?`, keyHash)
	ak, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("api key not found", "key_hash_prefix", keyHash[:8])
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}

	now := db.now().UTC()
	if ak.ExpiresAt != nil && ak.ExpiresAt.Before(now) {
		slog.Debug("api key expired", "key_id", ak.ID, "expires_at", ak.ExpiresAt)
		return nil, nil
	}

	if _, err := db.exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(now), ak.ID); err != nil {
		slog.Warn("update last_used_at", "key_id", ak.ID, "err", err)
	}
	ak.LastUsedAt = &now
	return ak, nil
}

// RevokeAPIKey deletes an API key, only if owned by the given user.
func (db *ServerDB) RevokeAPIKey(keyID, userID string) error {
	res, err := db.exec(`DELETE FROM api_keys WHERE id = ? AND user_id = ?`, keyID, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAPIKeys returns all API keys for a user (without secrets).
func (db *ServerDB) ListAPIKeys(userID string) ([]*APIKey, error) {
	rows, err := db.query(
		`SELECT id, user_id, key_prefix, name, expires_at, last_used_at, created_at FROM api_keys WHERE user_id = ? ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		ak, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, ak)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: iterate: %w", err)
	}
	return keys, nil
}

func scanAPIKey(s rowScanner) (*APIKey, error) {
	var (
		ak            APIKey
		expires, used sql.NullString
		created       string
	)
	if err := s.Scan(&ak.ID, &ak.UserID, &ak.KeyPrefix, &ak.Name, &expires, &used, &created); err != nil {
		return nil, err
	}
	ak.ExpiresAt = nullTime(expires)
	ak.LastUsedAt = nullTime(used)
	ak.CreatedAt = parseTime(created)
	return &ak, nil
}

func nullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func hashKey(plaintext string) string {
	hash := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(hash[:])
}
