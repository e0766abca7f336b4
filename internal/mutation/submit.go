package mutation

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/pricetrack/internal/apiclient"
	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/models"
)

// DefaultDirectTimeout bounds a direct submission attempt
const DefaultDirectTimeout = 5 * time.Second

// DirectAPI is the single call a direct submission makes
type DirectAPI interface {
	CreatePrice(ctx context.Context, idemKey string, req apiclient.CreatePriceRequest) (*apiclient.PriceResponse, error)
}

// Submitter sends a new price straight to the server when the connection is
// good and falls back to the queue on any failure
type Submitter struct {
	facade  *Facade
	api     DirectAPI
	timeout time.Duration
}

// NewSubmitter wraps a facade. timeout <= 0 uses DefaultDirectTimeout.
func NewSubmitter(f *Facade, api DirectAPI, timeout time.Duration) *Submitter {
	if timeout <= 0 {
		timeout = DefaultDirectTimeout
	}
	return &Submitter{facade: f, api: api, timeout: timeout}
}

// SubmitResult says which path a submission took
type SubmitResult struct {
	Record *models.PendingRecord
	Direct bool
	// DirectErr is why the direct attempt fell back, if one was made
	DirectErr error
	// LocalErr is set when the server accepted the price but the local
	// synced copy could not be stored. The submission itself succeeded.
	LocalErr error
}

// Submit stores p as a record either way. On the direct path the record is
// already synced; otherwise it waits in the queue. Once the server has
// accepted the price, a local storage failure is reported in LocalErr rather
// than as an error so the caller does not submit it again.
func (s *Submitter) Submit(ctx context.Context, p models.PricePayload, opts ...Option) (*SubmitResult, error) {
	f := s.facade
	if s.api == nil || f.conn == nil || f.conn.State().Quality != models.QualityGood {
		rec, err := f.EnqueueCreate(ctx, p, opts...)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Record: rec}, nil
	}

	// the fallback item reuses this key, so a request that reached the
	// server before timing out is not applied twice
	key := db.NewQueueID()
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	resp, err := s.api.CreatePrice(dctx, key, apiclient.CreatePriceRequest{
		PricePayload: p,
		UserID:       f.cfg.UserID,
		Locale:       f.cfg.Locale,
	})
	cancel()

	if err != nil {
		f.log.Info("direct submission failed, queueing", "err", err)
		rec, qerr := f.EnqueueCreate(ctx, p, append(opts, withItemID(key))...)
		if qerr != nil {
			return nil, qerr
		}
		return &SubmitResult{Record: rec, DirectErr: err}, nil
	}

	now := f.cfg.Now().UTC()
	rec := &models.PendingRecord{
		ID:        db.NewTempID(),
		ServerID:  resp.ID,
		Status:    models.RecordSynced,
		Payload:   p,
		UserID:    f.cfg.UserID,
		Locale:    f.cfg.Locale,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := &SubmitResult{Record: rec, Direct: true}
	if err := f.store.PutRecord(rec); err != nil {
		res.LocalErr = fmt.Errorf("price accepted as %s but not saved locally: %w", resp.ID, err)
	} else if err := f.store.SaveIDMapping(rec.ID, resp.ID, "price"); err != nil {
		res.LocalErr = fmt.Errorf("price accepted as %s but its id mapping was not saved: %w", resp.ID, err)
	}
	if res.LocalErr != nil {
		f.log.Warn("direct submission stored remotely only", "server_id", resp.ID, "err", res.LocalErr)
	}
	return res, nil
}
