package monitor

import (
	"sort"
	"time"

	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

// Source is the read side of the local store the monitor polls
type Source interface {
	ListItems() ([]models.QueueItem, error)
	GetSyncState() (*models.SyncState, error)
}

// ActivityItem is one line of the activity feed, built from a lifecycle event
type ActivityItem struct {
	Timestamp time.Time
	Type      events.Type
	ItemID    string
	Action    models.Action
	Message   string
}

// QueueData holds the queue split the way the panel shows it
type QueueData struct {
	Processing []models.QueueItem
	Ready      []models.QueueItem
	Waiting    []models.QueueItem // pending with a future NextRetryAt
	Failed     []models.QueueItem
	Completed  int
}

// Total counts items still needing work
func (q QueueData) Total() int {
	return len(q.Processing) + len(q.Ready) + len(q.Waiting) + len(q.Failed)
}

// FetchData retrieves all data needed for the monitor display
func FetchData(src Source, now time.Time) RefreshDataMsg {
	msg := RefreshDataMsg{Timestamp: now}

	items, err := src.ListItems()
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.Queue = splitQueue(items, now)

	state, err := src.GetSyncState()
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.Sync = state
	return msg
}

func splitQueue(items []models.QueueItem, now time.Time) QueueData {
	var q QueueData
	for _, it := range items {
		switch it.Status {
		case models.ItemProcessing:
			q.Processing = append(q.Processing, it)
		case models.ItemPending:
			if it.Eligible(now) {
				q.Ready = append(q.Ready, it)
			} else {
				q.Waiting = append(q.Waiting, it)
			}
		case models.ItemFailed:
			q.Failed = append(q.Failed, it)
		case models.ItemCompleted:
			q.Completed++
		}
	}
	// same order the coordinator drains in
	sort.SliceStable(q.Ready, func(i, j int) bool {
		if q.Ready[i].Priority != q.Ready[j].Priority {
			return q.Ready[i].Priority > q.Ready[j].Priority
		}
		return q.Ready[i].CreatedAt.Before(q.Ready[j].CreatedAt)
	})
	sort.SliceStable(q.Waiting, func(i, j int) bool {
		return q.Waiting[i].NextRetryAt.Before(*q.Waiting[j].NextRetryAt)
	})
	return q
}

// activityFrom turns an event into a feed line; ok is false for events the
// feed does not show
func activityFrom(e events.Event) (ActivityItem, bool) {
	a := ActivityItem{Timestamp: e.Time, Type: e.Type, ItemID: e.ItemID, Action: e.Action}
	switch e.Type {
	case events.SyncStarted:
		a.Message = "sync started"
	case events.SyncCompleted, events.SyncFailed:
		a.Message = "sync finished"
		if e.Summary != nil {
			a.Message = summaryLine(e.Summary)
		}
		if e.Error != "" {
			a.Message += ": " + e.Error
		}
	case events.ItemQueued:
		a.Message = "queued"
	case events.ItemSynced:
		a.Message = "synced"
		if e.ServerID != "" {
			a.Message += " as " + e.ServerID
		}
	case events.ItemRetry:
		a.Message = "will retry"
		if e.NextRetryAt != nil {
			a.Message += " at " + e.NextRetryAt.Format("15:04:05")
		}
		if e.Error != "" {
			a.Message += ": " + e.Error
		}
	case events.ItemFailed:
		a.Message = "failed: " + e.Error
	case events.ItemBlocked:
		a.Message = "waiting: " + e.Error
	case events.ConnectionChanged:
		if e.Connection == nil {
			return a, false
		}
		a.Message = "connection " + string(e.Connection.Quality)
	default:
		return a, false
	}
	return a, true
}

func summaryLine(s *events.PassSummary) string {
	line := "sync: " + itoa(s.Synced) + " synced"
	if s.Retried > 0 {
		line += ", " + itoa(s.Retried) + " retrying"
	}
	if s.Failed > 0 {
		line += ", " + itoa(s.Failed) + " failed"
	}
	if s.Blocked > 0 {
		line += ", " + itoa(s.Blocked) + " waiting"
	}
	return line
}
