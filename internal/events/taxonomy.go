package events

import (
	"strings"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

// Type names a lifecycle notification.
type Type string

// Pass-level notifications
const (
	SyncStarted   Type = "SYNC_STARTED"
	SyncCompleted Type = "SYNC_COMPLETED"
	SyncFailed    Type = "SYNC_FAILED"
)

// Item-level and ambient notifications
const (
	ItemQueued        Type = "ITEM_QUEUED"
	ItemSynced        Type = "ITEM_SYNCED"
	ItemRetry         Type = "ITEM_RETRY"
	ItemFailed        Type = "ITEM_FAILED"
	ItemBlocked       Type = "ITEM_BLOCKED"
	ConnectionChanged Type = "CONNECTION_CHANGED"
)

// PassSummary describes a finished drain pass.
type PassSummary struct {
	Reason     string        `json:"reason"`
	Considered int           `json:"considered"`
	Synced     int           `json:"synced"`
	Retried    int           `json:"retried"`
	Failed     int           `json:"failed"`
	Blocked    int           `json:"blocked"`
	Duration   time.Duration `json:"duration"`
}

// Event is a single lifecycle notification. Fields beyond Type and Time are
// set only where they apply.
type Event struct {
	Type        Type                    `json:"type"`
	Time        time.Time               `json:"time"`
	ItemID      string                  `json:"item_id,omitempty"`
	Action      models.Action           `json:"action,omitempty"`
	RecordID    string                  `json:"record_id,omitempty"`
	ServerID    string                  `json:"server_id,omitempty"`
	Attempts    int                     `json:"attempts,omitempty"`
	ErrorKind   models.ErrorKind        `json:"error_kind,omitempty"`
	Error       string                  `json:"error,omitempty"`
	NextRetryAt *time.Time              `json:"next_retry_at,omitempty"`
	Summary     *PassSummary            `json:"summary,omitempty"`
	Connection  *models.ConnectionState `json:"connection,omitempty"`
}

// AllTypes returns all valid event types.
func AllTypes() map[Type]bool {
	return map[Type]bool{
		SyncStarted:       true,
		SyncCompleted:     true,
		SyncFailed:        true,
		ItemQueued:        true,
		ItemSynced:        true,
		ItemRetry:         true,
		ItemFailed:        true,
		ItemBlocked:       true,
		ConnectionChanged: true,
	}
}

// IsValidType checks if the given event type string is valid.
func IsValidType(t string) bool {
	return AllTypes()[Type(t)]
}

// NormalizeType maps loose spellings ("sync-started", "item_synced") to the
// canonical type. Returns false if nothing matches.
func NormalizeType(s string) (Type, bool) {
	t := Type(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if AllTypes()[t] {
		return t, true
	}
	switch t {
	case "STARTED":
		return SyncStarted, true
	case "COMPLETED", "DONE":
		return SyncCompleted, true
	case "SYNCED":
		return ItemSynced, true
	case "RETRY", "RETRYING":
		return ItemRetry, true
	case "BLOCKED":
		return ItemBlocked, true
	case "CONNECTION", "CONN":
		return ConnectionChanged, true
	}
	return "", false
}

// IsPassEvent reports whether t describes a whole drain pass.
func (t Type) IsPassEvent() bool {
	return t == SyncStarted || t == SyncCompleted || t == SyncFailed
}
