package serverdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Upload is attachment metadata; the bytes live in the blob store under BlobKey
type Upload struct {
	ID          string
	BlobKey     string
	Filename    string
	ContentType string
	Size        int64
	UserID      string
	CreatedAt   time.Time
}

// NewUploadID reserves an id for an upload before its bytes are stored
func NewUploadID() (string, error) {
	return generateID("up_")
}

// CreateUpload records an upload whose bytes are already in the blob store
func (db *ServerDB) CreateUpload(u Upload) (*Upload, error) {
	if u.ID == "" {
		id, err := NewUploadID()
		if err != nil {
			return nil, fmt.Errorf("generate upload id: %w", err)
		}
		u.ID = id
	}
	u.CreatedAt = db.now().UTC()
	_, err := db.exec(`INSERT INTO uploads (id, blob_key, filename, content_type, size, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.BlobKey, u.Filename, u.ContentType, u.Size, u.UserID, formatTime(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert upload: %w", err)
	}
	return &u, nil
}

// GetUpload returns upload metadata or ErrNotFound
func (db *ServerDB) GetUpload(id string) (*Upload, error) {
	var (
		u       Upload
		created string
	)
	err := db.queryRow(`SELECT id, blob_key, filename, content_type, size, user_id, created_at
		FROM uploads WHERE id = ?`, id).
		Scan(&u.ID, &u.BlobKey, &u.Filename, &u.ContentType, &u.Size, &u.UserID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", id, err)
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}
