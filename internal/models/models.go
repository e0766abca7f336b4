package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TempIDPrefix marks identifiers generated on the client. Server ids never carry it.
const TempIDPrefix = "tmp-"

// DefaultMaxAttempts is the retry bound for a queue item
const DefaultMaxAttempts = 3

// RecordStatus represents the sync status of a locally-created price
type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSynced  RecordStatus = "synced"
	RecordFailed  RecordStatus = "failed"
)

// ItemStatus represents the state of a sync queue item
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Action represents the kind of mutation a queue item replays
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionVerify Action = "verify"
	ActionUpload Action = "upload"
)

// Priority biases drain order. Higher values are attempted first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// ErrorKind classifies why a queue item last failed
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindRejected   ErrorKind = "rejected"
	ErrorKindDependency ErrorKind = "dependency"
	ErrorKindStorage    ErrorKind = "storage"
)

// Quality is the heuristic usability of the current connection
type Quality string

const (
	QualityGood    Quality = "good"
	QualityPoor    Quality = "poor"
	QualityOffline Quality = "offline"
)

// Coordinates is a GPS position attached to a price report
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SourceMeta describes where a price was observed
type SourceMeta struct {
	Name    string `json:"name"`
	Kind    string `json:"kind,omitempty"` // market, shop, farmgate, ...
	Contact string `json:"contact,omitempty"`
}

// PricePayload is the full body of a price submission
type PricePayload struct {
	Region        string       `json:"region"`
	Commodity     string       `json:"commodity,omitempty"`
	Quality       string       `json:"quality"`
	Amount        float64      `json:"amount"`
	Currency      string       `json:"currency,omitempty"`
	Unit          string       `json:"unit,omitempty"`
	Date          string       `json:"date"` // YYYY-MM-DD
	Source        SourceMeta   `json:"source"`
	Location      *Coordinates `json:"location,omitempty"`
	Note          string       `json:"note,omitempty"`
	AttachmentRef string       `json:"attachment_ref,omitempty"`
}

// PriceUpdate is a partial edit. Nil fields are left untouched.
type PriceUpdate struct {
	Region        *string      `json:"region,omitempty"`
	Quality       *string      `json:"quality,omitempty"`
	Amount        *float64     `json:"amount,omitempty"`
	Currency      *string      `json:"currency,omitempty"`
	Date          *string      `json:"date,omitempty"`
	Source        *SourceMeta  `json:"source,omitempty"`
	Location      *Coordinates `json:"location,omitempty"`
	Note          *string      `json:"note,omitempty"`
	AttachmentRef *string      `json:"attachment_ref,omitempty"`
}

// IsEmpty reports whether the update changes nothing
func (u PriceUpdate) IsEmpty() bool {
	return u.Region == nil && u.Quality == nil && u.Amount == nil && u.Currency == nil &&
		u.Date == nil && u.Source == nil && u.Location == nil && u.Note == nil && u.AttachmentRef == nil
}

// Apply merges the update into p
func (u PriceUpdate) Apply(p *PricePayload) {
	if u.Region != nil {
		p.Region = *u.Region
	}
	if u.Quality != nil {
		p.Quality = *u.Quality
	}
	if u.Amount != nil {
		p.Amount = *u.Amount
	}
	if u.Currency != nil {
		p.Currency = *u.Currency
	}
	if u.Date != nil {
		p.Date = *u.Date
	}
	if u.Source != nil {
		p.Source = *u.Source
	}
	if u.Location != nil {
		loc := *u.Location
		p.Location = &loc
	}
	if u.Note != nil {
		p.Note = *u.Note
	}
	if u.AttachmentRef != nil {
		p.AttachmentRef = *u.AttachmentRef
	}
}

// VerifyPayload confirms or disputes someone else's price
type VerifyPayload struct {
	Verdict string `json:"verdict"` // confirm, dispute
	Note    string `json:"note,omitempty"`
}

// DeletePayload carries an optional reason for a deletion
type DeletePayload struct {
	Reason string `json:"reason,omitempty"`
}

// UploadPayload references attachment bytes held in the local blob store
type UploadPayload struct {
	BlobKey     string `json:"blob_key"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// PendingRecord is a price created locally and awaiting server confirmation
type PendingRecord struct {
	ID        string       `json:"id"`
	ServerID  string       `json:"server_id,omitempty"`
	Status    RecordStatus `json:"status"`
	Payload   PricePayload `json:"payload"`
	UserID    string       `json:"user_id,omitempty"`
	Locale    string       `json:"locale,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// QueueItem is one deferred mutation with its retry bookkeeping
type QueueItem struct {
	ID            string          `json:"id"`
	Action        Action          `json:"action"`
	TargetID      string          `json:"target_id,omitempty"`
	LocalRef      string          `json:"local_ref,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Status        ItemStatus      `json:"status"`
	UserID        string          `json:"user_id,omitempty"`
	Locale        string          `json:"locale,omitempty"`
	Source        string          `json:"source,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
}

// Eligible reports whether the item may be claimed at now
func (q *QueueItem) Eligible(now time.Time) bool {
	if q.Status != ItemPending {
		return false
	}
	return q.NextRetryAt == nil || !q.NextRetryAt.After(now)
}

// DecodePayload unmarshals the action payload into v
func (q *QueueItem) DecodePayload(v any) error {
	if len(q.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(q.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload for %s: %w", q.Action, q.ID, err)
	}
	return nil
}

// Dependencies returns the temp ids this item needs resolved before it can run
func (q *QueueItem) Dependencies() []string {
	var deps []string
	if IsTempID(q.TargetID) {
		deps = append(deps, q.TargetID)
	}
	ref := q.attachmentRef()
	if IsTempID(ref) && ref != q.TargetID {
		deps = append(deps, ref)
	}
	return deps
}

func (q *QueueItem) attachmentRef() string {
	switch q.Action {
	case ActionCreate:
		var p PricePayload
		if q.DecodePayload(&p) == nil {
			return p.AttachmentRef
		}
	case ActionUpdate:
		var u PriceUpdate
		if q.DecodePayload(&u) == nil && u.AttachmentRef != nil {
			return *u.AttachmentRef
		}
	}
	return ""
}

// ConnectionState is the live connectivity signal. Quality is never good while offline.
type ConnectionState struct {
	Online    bool          `json:"online"`
	Quality   Quality       `json:"quality"`
	Latency   time.Duration `json:"latency,omitempty"`
	CheckedAt time.Time     `json:"checked_at,omitempty"`
}

// SyncState is the persisted outcome of the most recent drain pass
type SyncState struct {
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Synced      int        `json:"synced"`
	Failed      int        `json:"failed"`
	PassesTotal int64      `json:"passes_total"`
}

// IsTempID reports whether id was generated locally
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// IsValidAction checks if an action is known
func IsValidAction(a Action) bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionVerify, ActionUpload:
		return true
	}
	return false
}

// ParsePriority accepts "high", "normal" and their numeric forms
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "h", "10":
		return PriorityHigh, nil
	case "normal", "n", "0", "":
		return PriorityNormal, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q (want high or normal)", s)
}

// String returns HIGH or NORMAL
func (p Priority) String() string {
	if p >= PriorityHigh {
		return "HIGH"
	}
	return "NORMAL"
}

// IsValidVerdict checks a verification verdict
func IsValidVerdict(v string) bool {
	return v == "confirm" || v == "dispute"
}
