package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

// Pass statuses persisted in sync_state
const (
	PassCompleted = "completed"
	PassFailed    = "failed"
)

// Skip reasons
const (
	SkipOffline = "offline"
	SkipBusy    = "busy"
)

func (c *Coordinator) runPass(ctx context.Context, reason string, lockWait time.Duration) (*Result, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	res := &Result{Reason: reason, StartedAt: c.cfg.Now()}

	if !c.conn.State().Online {
		res.Skipped, res.SkipReason = true, SkipOffline
		res.FinishedAt = c.cfg.Now()
		c.log.Debug("sync skipped", "reason", reason, "why", SkipOffline)
		c.remember(res)
		return res, nil
	}

	lock, err := c.store.AcquireDrainLock(lockWait)
	if err != nil {
		if errors.Is(err, db.ErrLockBusy) {
			res.Skipped, res.SkipReason = true, SkipBusy
			res.FinishedAt = c.cfg.Now()
			c.log.Debug("sync skipped", "reason", reason, "why", SkipBusy)
			c.remember(res)
			return res, nil
		}
		return nil, fmt.Errorf("acquire drain lock: %w", err)
	}
	defer lock.Release()

	c.publish(events.Event{Type: events.SyncStarted, Summary: &events.PassSummary{Reason: reason}})
	c.log.Debug("sync started", "reason", reason)

	err = c.drain(ctx, res)
	res.FinishedAt = c.cfg.Now()
	c.finish(res, err)
	return res, err
}

func (c *Coordinator) drain(ctx context.Context, res *Result) error {
	if err := c.recoverStale(res); err != nil {
		return err
	}

	seen := make(map[string]bool)
	blocked := make(map[string]bool)
	for round := 0; round < maxRoundsPerPass; round++ {
		items, err := c.store.ListItems()
		if err != nil {
			return err
		}
		p, err := c.plan(items, c.cfg.Now())
		if err != nil {
			return err
		}

		for _, d := range p.doomed {
			if err := c.failDependent(d.item, d.dep, d.cause, res); err != nil {
				return err
			}
		}

		blocked = make(map[string]bool, len(p.blocked))
		for id, why := range p.blocked {
			blocked[id] = true
			if !seen[id] {
				seen[id] = true
				c.publish(events.Event{Type: events.ItemBlocked, ItemID: id, Error: why})
			}
		}

		progressed := false
		for i := range p.ready {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !c.conn.State().Online {
				res.Stopped = true
				c.log.Info("connection lost, stopping sync pass")
				res.Blocked = len(blocked)
				return nil
			}
			done, err := c.process(ctx, p.ready[i], res)
			if err != nil {
				return err
			}
			progressed = progressed || done
		}

		// something finished this round; items held behind it can go now
		if !progressed || len(p.blocked) == 0 {
			break
		}
	}
	res.Blocked = len(blocked)
	return nil
}

// recoverStale returns items stuck in processing by a crashed pass to the
// retry path. The drain lock is held, so nothing else owns them.
func (c *Coordinator) recoverStale(res *Result) error {
	items, err := c.store.ListItems()
	if err != nil {
		return err
	}
	cutoff := c.cfg.Now().Add(-c.cfg.StaleAfter)
	for i := range items {
		it := items[i]
		if it.Status != models.ItemProcessing {
			continue
		}
		if it.LastAttemptAt != nil && it.LastAttemptAt.After(cutoff) {
			continue
		}
		c.log.Warn("recovering interrupted item", "item", it.ID, "action", it.Action)
		if err := c.nack(&it, errInterrupted, res); err != nil {
			return err
		}
	}
	return nil
}

type doomedItem struct {
	item  models.QueueItem
	dep   string
	cause string
}

type passPlan struct {
	ready   []models.QueueItem
	blocked map[string]string // item id -> why
	doomed  []doomedItem
}

// plan picks the items runnable now. An item is held when a dependency is
// unresolved or an earlier unfinished item touches the same target; it is
// doomed when its dependency can never resolve.
func (c *Coordinator) plan(items []models.QueueItem, now time.Time) (*passPlan, error) {
	p := &passPlan{blocked: make(map[string]string)}

	producers := make(map[string]*models.QueueItem)
	for i := range items {
		if items[i].LocalRef != "" {
			producers[items[i].LocalRef] = &items[i]
		}
	}

	cache := make(map[string]string)
	resolve := func(id string) (string, bool, error) {
		if v, ok := cache[id]; ok {
			return v, v != "", nil
		}
		srv, ok, err := c.store.ResolveID(id)
		if err != nil {
			return "", false, err
		}
		if ok {
			cache[id] = srv
		} else {
			cache[id] = ""
		}
		return srv, ok, nil
	}

	busy := make(map[string]bool)
	for i := range items {
		it := items[i]
		if it.Status != models.ItemPending && it.Status != models.ItemProcessing {
			continue
		}

		key := it.TargetID
		if key == "" {
			key = it.LocalRef
		}
		if key != "" {
			if srv, ok, err := resolve(key); err != nil {
				return nil, err
			} else if ok {
				key = srv
			}
		}
		occupied := key != "" && busy[key]
		if key != "" {
			busy[key] = true
		}
		if it.Status != models.ItemPending {
			continue
		}

		var waitOn string
		var doomed *doomedItem
		for _, dep := range it.Dependencies() {
			_, ok, err := resolve(dep)
			if err != nil {
				return nil, err
			}
			if ok {
				continue
			}
			prod := producers[dep]
			switch {
			case prod == nil:
				doomed = &doomedItem{item: it, dep: dep, cause: "no queued mutation creates it"}
			case prod.Status == models.ItemFailed:
				doomed = &doomedItem{item: it, dep: dep, cause: prod.LastError}
			case prod.Status == models.ItemCompleted:
				doomed = &doomedItem{item: it, dep: dep, cause: "created without a server id"}
			default:
				waitOn = dep
			}
			if doomed != nil {
				break
			}
		}

		switch {
		case doomed != nil:
			p.doomed = append(p.doomed, *doomed)
		case waitOn != "":
			p.blocked[it.ID] = "waiting on " + waitOn
		case occupied:
			p.blocked[it.ID] = "waiting on earlier change to " + key
		case it.Eligible(now):
			p.ready = append(p.ready, it)
		}
	}

	sort.SliceStable(p.ready, func(i, j int) bool {
		a, b := p.ready[i], p.ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return p, nil
}

func (c *Coordinator) finish(res *Result, err error) {
	status := PassCompleted
	evType := events.SyncCompleted
	if err != nil {
		res.Error = err.Error()
	}
	if err != nil || res.Failed > 0 {
		status = PassFailed
		evType = events.SyncFailed
	}

	lastErr := res.Error
	if lastErr == "" && res.Failed > 0 {
		lastErr = fmt.Sprintf("%d item(s) failed permanently", res.Failed)
	}
	if rerr := c.store.RecordSyncRun(res.FinishedAt, status, res.Synced, res.Failed, lastErr); rerr != nil {
		c.log.Warn("failed to record sync run", "err", rerr)
	}

	summary := &events.PassSummary{
		Reason:     res.Reason,
		Considered: res.Considered,
		Synced:     res.Synced,
		Retried:    res.Retried,
		Failed:     res.Failed,
		Blocked:    res.Blocked,
		Duration:   res.FinishedAt.Sub(res.StartedAt),
	}
	c.publish(events.Event{Type: evType, Summary: summary, Error: lastErr})

	c.log.Info("sync finished",
		"reason", res.Reason,
		"status", status,
		"synced", res.Synced,
		"retried", res.Retried,
		"failed", res.Failed,
		"blocked", res.Blocked,
		"duration", summary.Duration,
	)
	c.remember(res)
}

func (c *Coordinator) remember(res *Result) {
	r := *res
	c.mu.Lock()
	c.last = &r
	c.mu.Unlock()
}

// Backoff returns the delay before the next attempt after the given number
// of failed attempts: base * 2^(attempts-1), capped at limit.
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
