package db

import (
	"strings"

	"github.com/google/uuid"

	"github.com/marcus/pricetrack/internal/models"
)

const (
	queueIDPrefix  = "q-"
	uploadIDPrefix = models.TempIDPrefix + "up-"
)

// NewTempID returns a temporary record id. The tmp- namespace never
// overlaps server ids.
func NewTempID() string {
	return models.TempIDPrefix + uuid.NewString()
}

// NewUploadRef returns a temporary id for an attachment not yet uploaded
func NewUploadRef() string {
	return uploadIDPrefix + uuid.NewString()
}

// NewQueueID returns a queue item id. It doubles as the idempotency key
// sent to the server.
func NewQueueID() string {
	return queueIDPrefix + uuid.NewString()
}

// NormalizeQueueID accepts a bare uuid and returns the q- form
func NormalizeQueueID(id string) string {
	if id == "" || strings.HasPrefix(id, queueIDPrefix) {
		return id
	}
	return queueIDPrefix + id
}

// IsUploadRef reports whether id names a local attachment
func IsUploadRef(id string) bool {
	return strings.HasPrefix(id, uploadIDPrefix)
}
