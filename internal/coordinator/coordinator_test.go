package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/pricetrack/internal/apiclient"
	"github.com/marcus/pricetrack/internal/blob"
	"github.com/marcus/pricetrack/internal/blob/memstore"
	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeConn struct {
	online atomic.Bool
}

func (f *fakeConn) State() models.ConnectionState {
	if f.online.Load() {
		return models.ConnectionState{Online: true, Quality: models.QualityGood}
	}
	return models.ConnectionState{Online: false, Quality: models.QualityOffline}
}

type apiCall struct {
	action models.Action
	key    string
	target string
	body   any
}

type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	nextID int
	// errs returns the error for a call, or nil for success
	errs func(c apiCall) error
	// hook runs before each call returns
	hook func(c apiCall)
}

func (f *fakeAPI) record(c apiCall) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.nextID++
	id := fmt.Sprintf("p-%d", f.nextID)
	errs, hook := f.errs, f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if errs != nil {
		if err := errs(c); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeAPI) CreatePrice(ctx context.Context, key string, req apiclient.CreatePriceRequest) (*apiclient.PriceResponse, error) {
	id, err := f.record(apiCall{action: models.ActionCreate, key: key, body: req})
	if err != nil {
		return nil, err
	}
	return &apiclient.PriceResponse{ID: id, PricePayload: req.PricePayload}, nil
}

func (f *fakeAPI) UpdatePrice(ctx context.Context, key, id string, u models.PriceUpdate) (*apiclient.PriceResponse, error) {
	if _, err := f.record(apiCall{action: models.ActionUpdate, key: key, target: id, body: u}); err != nil {
		return nil, err
	}
	return &apiclient.PriceResponse{ID: id}, nil
}

func (f *fakeAPI) DeletePrice(ctx context.Context, key, id, reason string) error {
	_, err := f.record(apiCall{action: models.ActionDelete, key: key, target: id, body: reason})
	return err
}

func (f *fakeAPI) VerifyPrice(ctx context.Context, key, id string, v models.VerifyPayload) (*apiclient.PriceResponse, error) {
	if _, err := f.record(apiCall{action: models.ActionVerify, key: key, target: id, body: v}); err != nil {
		return nil, err
	}
	return &apiclient.PriceResponse{ID: id}, nil
}

func (f *fakeAPI) Upload(ctx context.Context, key string, meta models.UploadPayload, r io.Reader) (*apiclient.UploadResponse, error) {
	data, _ := io.ReadAll(r)
	if _, err := f.record(apiCall{action: models.ActionUpload, key: key, body: string(data)}); err != nil {
		return nil, err
	}
	return &apiclient.UploadResponse{ID: "up-1", Filename: meta.Filename, Size: int64(len(data))}, nil
}

type harness struct {
	store *db.DB
	api   *fakeAPI
	conn  *fakeConn
	clock *fakeClock
	bus   *events.Bus
	blobs blob.Store
	c     *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{t: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	h := &harness{
		store: store,
		api:   &fakeAPI{},
		conn:  &fakeConn{},
		clock: clock,
		bus:   events.NewBus(),
		blobs: memstore.New(),
	}
	h.conn.online.Store(true)
	h.c = New(store, h.api, h.conn, Config{
		Bus:    h.bus,
		Blobs:  h.blobs,
		Now:    clock.Now,
		Logger: nil,
	})
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) createItem(t *testing.T, id, tmpID string, prio models.Priority, p models.PricePayload) {
	t.Helper()
	payload, _ := json.Marshal(p)
	rec := &models.PendingRecord{ID: tmpID, Status: models.RecordPending, Payload: p}
	item := &models.QueueItem{
		ID:        id,
		Action:    models.ActionCreate,
		LocalRef:  tmpID,
		Payload:   payload,
		Priority:  prio,
		CreatedAt: h.clock.Now(),
	}
	if err := h.store.Enqueue(rec, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func (h *harness) targetItem(t *testing.T, id string, action models.Action, target string, body any) {
	t.Helper()
	payload, _ := json.Marshal(body)
	item := &models.QueueItem{
		ID:        id,
		Action:    action,
		TargetID:  target,
		Payload:   payload,
		CreatedAt: h.clock.Now(),
	}
	if err := h.store.Enqueue(nil, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func (h *harness) item(t *testing.T, id string) *models.QueueItem {
	t.Helper()
	it, err := h.store.GetItem(id)
	if err != nil {
		t.Fatalf("GetItem(%s) failed: %v", id, err)
	}
	return it
}

func (h *harness) sync(t *testing.T) *Result {
	t.Helper()
	res, err := h.c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	return res
}

func price(region string) models.PricePayload {
	return models.PricePayload{Region: region, Quality: "A", Amount: 12.5, Date: "2026-09-30", Source: models.SourceMeta{Name: "market"}}
}

func rejection(msg string) error {
	return &apiclient.RejectionError{Op: "create price", StatusCode: 422, Code: "validation", Message: msg}
}

func unavailable() error {
	return &apiclient.NetworkError{Op: "create price", StatusCode: 503, Err: errors.New("service unavailable")}
}

func TestSync_OfflineIsNoop(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	h.conn.online.Store(false)

	res := h.sync(t)
	if !res.Skipped || res.SkipReason != SkipOffline {
		t.Errorf("result = %+v, want skipped offline", res)
	}
	if n := len(h.api.Calls()); n != 0 {
		t.Errorf("api calls = %d, want 0", n)
	}
	it := h.item(t, "q-1")
	if it.Status != models.ItemPending || it.Attempts != 0 || it.NextRetryAt != nil {
		t.Errorf("item changed while offline: %+v", it)
	}
}

func TestSync_CreateSuccessReconcilesRecord(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))

	res := h.sync(t)
	if res.Synced != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if it := h.item(t, "q-1"); it.Status != models.ItemCompleted {
		t.Errorf("item status = %s, want completed", it.Status)
	}
	rec, err := h.store.GetRecord("tmp-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec.Status != models.RecordSynced || rec.ServerID != "p-1" {
		t.Errorf("record = %+v, want synced as p-1", rec)
	}
	if srv, ok, _ := h.store.ResolveID("tmp-1"); !ok || srv != "p-1" {
		t.Errorf("ResolveID(tmp-1) = %q %v", srv, ok)
	}
	calls := h.api.Calls()
	if len(calls) != 1 || calls[0].key != "q-1" {
		t.Errorf("calls = %+v, want one call keyed q-1", calls)
	}
}

func TestSync_PriorityThenAgeOrder(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-a", "tmp-a", models.PriorityNormal, price("a"))
	h.clock.Advance(time.Second)
	h.createItem(t, "q-b", "tmp-b", models.PriorityHigh, price("b"))
	h.clock.Advance(time.Second)
	h.createItem(t, "q-c", "tmp-c", models.PriorityNormal, price("c"))
	h.clock.Advance(time.Second)
	h.createItem(t, "q-d", "tmp-d", models.PriorityHigh, price("d"))

	h.sync(t)

	var got []string
	for _, c := range h.api.Calls() {
		got = append(got, c.key)
	}
	want := []string{"q-b", "q-d", "q-a", "q-c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestSync_DependentRunsAfterCreateInSamePass(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	amount := 14.0
	h.targetItem(t, "q-2", models.ActionUpdate, "tmp-1", models.PriceUpdate{Amount: &amount})
	h.targetItem(t, "q-3", models.ActionVerify, "tmp-1", models.VerifyPayload{Verdict: "confirm"})

	res := h.sync(t)
	if res.Synced != 3 {
		t.Fatalf("synced = %d, want 3 (%+v)", res.Synced, res)
	}

	calls := h.api.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].action != models.ActionCreate {
		t.Errorf("first call = %s, want create", calls[0].action)
	}
	for _, c := range calls[1:] {
		if c.target != "p-1" {
			t.Errorf("%s went to %q, want resolved p-1", c.action, c.target)
		}
	}
	rec, _ := h.store.GetRecord("tmp-1")
	if rec.Status != models.RecordSynced {
		t.Errorf("record status = %s, want synced", rec.Status)
	}
}

func TestSync_DependentBlockedWhileCreateRetries(t *testing.T) {
	h := newHarness(t)
	h.api.errs = func(c apiCall) error {
		if c.action == models.ActionCreate {
			return unavailable()
		}
		return nil
	}
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	h.targetItem(t, "q-2", models.ActionDelete, "tmp-1", models.DeletePayload{})

	res := h.sync(t)
	if res.Retried != 1 || res.Blocked != 1 {
		t.Errorf("result = %+v, want 1 retried 1 blocked", res)
	}
	dep := h.item(t, "q-2")
	if dep.Status != models.ItemPending || dep.Attempts != 0 || dep.LastError != "" {
		t.Errorf("blocked item = %+v, want untouched pending", dep)
	}
	for _, c := range h.api.Calls() {
		if c.action == models.ActionDelete {
			t.Error("delete sent before its target was created")
		}
	}
}

func TestSync_CreateRejectionCascades(t *testing.T) {
	h := newHarness(t)
	h.api.errs = func(c apiCall) error {
		if c.action == models.ActionCreate {
			return rejection("amount must be positive")
		}
		return nil
	}
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	note := "fixed"
	h.targetItem(t, "q-2", models.ActionUpdate, "tmp-1", models.PriceUpdate{Note: &note})
	h.targetItem(t, "q-3", models.ActionVerify, "tmp-1", models.VerifyPayload{Verdict: "dispute"})

	res := h.sync(t)
	if res.Failed != 3 {
		t.Errorf("failed = %d, want 3", res.Failed)
	}

	create := h.item(t, "q-1")
	if create.Status != models.ItemFailed || create.ErrorKind != models.ErrorKindRejected {
		t.Errorf("create = %+v, want failed/rejected", create)
	}
	if create.LastError != "amount must be positive" {
		t.Errorf("create error = %q", create.LastError)
	}
	if create.Attempts != 1 {
		t.Errorf("rejection attempts = %d, want 1", create.Attempts)
	}
	for _, id := range []string{"q-2", "q-3"} {
		it := h.item(t, id)
		if it.Status != models.ItemFailed || it.ErrorKind != models.ErrorKindDependency {
			t.Errorf("%s = %s/%s, want failed/dependency", id, it.Status, it.ErrorKind)
		}
		if it.Attempts != 0 {
			t.Errorf("%s attempts = %d, dependents never reach the server", id, it.Attempts)
		}
	}
	if n := len(h.api.Calls()); n != 1 {
		t.Errorf("api calls = %d, want only the create", n)
	}
	rec, _ := h.store.GetRecord("tmp-1")
	if rec.Status != models.RecordFailed || rec.LastError != "amount must be positive" {
		t.Errorf("record = %+v, want failed with reason", rec)
	}
}

func TestSync_RetryBoundAndBackoff(t *testing.T) {
	h := newHarness(t)
	h.api.errs = func(apiCall) error { return unavailable() }
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	start := h.clock.Now()

	h.sync(t)
	it := h.item(t, "q-1")
	if it.Status != models.ItemPending || it.Attempts != 1 {
		t.Fatalf("after 1st = %s/%d", it.Status, it.Attempts)
	}
	if it.NextRetryAt == nil || !it.NextRetryAt.Equal(start.Add(5*time.Second)) {
		t.Errorf("next retry = %v, want +5s", it.NextRetryAt)
	}
	if it.ErrorKind != models.ErrorKindNetwork {
		t.Errorf("error kind = %s", it.ErrorKind)
	}

	// not eligible until the backoff elapses
	h.sync(t)
	if n := len(h.api.Calls()); n != 1 {
		t.Errorf("calls during backoff = %d, want 1", n)
	}

	h.clock.Advance(5 * time.Second)
	h.sync(t)
	it = h.item(t, "q-1")
	if it.Attempts != 2 || it.NextRetryAt == nil || !it.NextRetryAt.Equal(h.clock.Now().Add(10*time.Second)) {
		t.Errorf("after 2nd = %d next %v, want 2 and +10s", it.Attempts, it.NextRetryAt)
	}

	h.clock.Advance(10 * time.Second)
	res := h.sync(t)
	it = h.item(t, "q-1")
	if it.Status != models.ItemFailed || it.Attempts != models.DefaultMaxAttempts {
		t.Errorf("after 3rd = %s/%d, want failed/%d", it.Status, it.Attempts, models.DefaultMaxAttempts)
	}
	if res.Failed != 1 {
		t.Errorf("result failed = %d", res.Failed)
	}
	rec, _ := h.store.GetRecord("tmp-1")
	if rec.Status != models.RecordFailed {
		t.Errorf("record = %s, want failed", rec.Status)
	}

	h.clock.Advance(time.Hour)
	h.sync(t)
	if n := len(h.api.Calls()); n != 3 {
		t.Errorf("calls after terminal failure = %d, want 3", n)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{8, 640 * time.Second},
		{9, 15 * time.Minute},
		{40, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(5*time.Second, 15*time.Minute, tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestSync_DeleteNotFoundCompletes(t *testing.T) {
	h := newHarness(t)
	rec := &models.PendingRecord{ID: "tmp-9", ServerID: "p-9", Status: models.RecordSynced, Payload: price("east")}
	if err := h.store.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	h.targetItem(t, "q-1", models.ActionDelete, "p-9", models.DeletePayload{Reason: "duplicate"})
	h.api.errs = func(apiCall) error {
		return &apiclient.RejectionError{Op: "delete price", StatusCode: 404, Err: apiclient.ErrNotFound}
	}

	res := h.sync(t)
	if res.Synced != 1 {
		t.Errorf("result = %+v, want delete treated as done", res)
	}
	if it := h.item(t, "q-1"); it.Status != models.ItemCompleted {
		t.Errorf("status = %s, want completed", it.Status)
	}
	if _, err := h.store.GetRecord("tmp-9"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("local record should be gone, got %v", err)
	}
}

func TestSync_RecoversInterruptedItem(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	long := h.clock.Now().Add(-10 * time.Minute)
	if err := h.store.UpdateItemStatus("q-1", models.ItemProcessing, db.ItemUpdate{LastAttemptAt: &long}); err != nil {
		t.Fatalf("UpdateItemStatus failed: %v", err)
	}

	res := h.sync(t)
	it := h.item(t, "q-1")
	if it.Status != models.ItemPending || it.Attempts != 1 {
		t.Errorf("recovered item = %s/%d, want pending/1", it.Status, it.Attempts)
	}
	if !strings.Contains(it.LastError, "interrupted") {
		t.Errorf("last error = %q", it.LastError)
	}
	if res.Retried != 1 {
		t.Errorf("retried = %d, want 1", res.Retried)
	}
}

func TestSync_StopsWhenConnectionDrops(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("a"))
	h.clock.Advance(time.Second)
	h.createItem(t, "q-2", "tmp-2", models.PriorityHigh, price("b"))
	h.api.hook = func(apiCall) { h.conn.online.Store(false) }

	res := h.sync(t)
	if !res.Stopped {
		t.Error("pass should report it stopped early")
	}
	if it := h.item(t, "q-1"); it.Status != models.ItemCompleted {
		t.Errorf("q-1 = %s, want completed", it.Status)
	}
	if it := h.item(t, "q-2"); it.Status != models.ItemPending || it.Attempts != 0 {
		t.Errorf("q-2 = %s/%d, want untouched", it.Status, it.Attempts)
	}
}

func TestSync_UploadBeforeCreateThatReferencesIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.blobs.Put(ctx, "att/1", strings.NewReader("jpeg-bytes"), blob.PutOptions{ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	up, _ := json.Marshal(models.UploadPayload{BlobKey: "att/1", Filename: "stall.jpg", Size: 10})
	if err := h.store.Enqueue(nil, &models.QueueItem{
		ID: "q-up", Action: models.ActionUpload, LocalRef: "tmp-up-1", Payload: up, CreatedAt: h.clock.Now(),
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	h.clock.Advance(time.Second)
	p := price("west")
	p.AttachmentRef = "tmp-up-1"
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, p)

	res := h.sync(t)
	if res.Synced != 2 {
		t.Fatalf("synced = %d, want 2 (%+v)", res.Synced, res)
	}
	calls := h.api.Calls()
	if calls[0].action != models.ActionUpload || calls[0].body != "jpeg-bytes" {
		t.Errorf("first call = %+v, want upload with blob bytes", calls[0])
	}
	req := calls[1].body.(apiclient.CreatePriceRequest)
	if req.AttachmentRef != "up-1" {
		t.Errorf("attachment ref = %q, want server id up-1", req.AttachmentRef)
	}
	if _, err := h.blobs.Head(ctx, "att/1"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("uploaded blob should be removed, got %v", err)
	}
}

func TestSync_MissingBlobFailsUpload(t *testing.T) {
	h := newHarness(t)
	up, _ := json.Marshal(models.UploadPayload{BlobKey: "att/gone", Filename: "x.png"})
	if err := h.store.Enqueue(nil, &models.QueueItem{
		ID: "q-up", Action: models.ActionUpload, LocalRef: "tmp-up-2", Payload: up, CreatedAt: h.clock.Now(),
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	h.sync(t)
	it := h.item(t, "q-up")
	if it.Status != models.ItemFailed || it.ErrorKind != models.ErrorKindStorage {
		t.Errorf("upload = %s/%s, want failed/storage", it.Status, it.ErrorKind)
	}
	if n := len(h.api.Calls()); n != 0 {
		t.Errorf("api calls = %d, want 0", n)
	}
}

func TestSync_Events(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.bus.Subscribe(32)
	defer cancel()

	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	h.sync(t)

	types := drainTypes(ch)
	if len(types) < 3 || types[0] != events.SyncStarted || types[len(types)-1] != events.SyncCompleted {
		t.Errorf("events = %v, want SYNC_STARTED ... SYNC_COMPLETED", types)
	}

	h.api.errs = func(apiCall) error { return rejection("bad date") }
	h.createItem(t, "q-2", "tmp-2", models.PriorityHigh, price("south"))
	h.sync(t)

	types = drainTypes(ch)
	if len(types) == 0 || types[len(types)-1] != events.SyncFailed {
		t.Errorf("events = %v, want trailing SYNC_FAILED", types)
	}
}

func drainTypes(ch <-chan events.Event) []events.Type {
	var out []events.Type
	for {
		select {
		case e := <-ch:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestSync_RecordsRunState(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	h.sync(t)

	st, err := h.store.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if st.LastStatus != PassCompleted || st.Synced != 1 || st.PassesTotal != 1 {
		t.Errorf("state = %+v", st)
	}
	if last := h.c.LastSyncTime(); last == nil || !last.Equal(h.clock.Now()) {
		t.Errorf("LastSyncTime = %v", last)
	}
}

func TestSync_SkipsWhileAnotherProcessDrains(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))

	lock, err := h.store.AcquireDrainLock(0)
	if err != nil {
		t.Fatalf("AcquireDrainLock failed: %v", err)
	}
	defer lock.Release()

	res := h.sync(t)
	if !res.Skipped || res.SkipReason != SkipBusy {
		t.Errorf("result = %+v, want skipped busy", res)
	}
	if n := len(h.api.Calls()); n != 0 {
		t.Errorf("api calls = %d, want 0", n)
	}
}

func TestTrigger_CoalescesIntoOneRerun(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.api.hook = func(apiCall) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	h.c.Trigger("first")
	<-entered
	if !h.c.Status().Running {
		t.Error("status should report a running pass")
	}
	h.c.Trigger("second")
	h.c.Trigger("third")
	close(release)
	h.c.Wait()

	st, err := h.store.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if st.PassesTotal != 2 {
		t.Errorf("passes = %d, want 2 (one run plus one coalesced rerun)", st.PassesTotal)
	}
	if n := len(h.api.Calls()); n != 1 {
		t.Errorf("api calls = %d, item must not be sent twice", n)
	}
}

func TestRetryFailedAndDismiss(t *testing.T) {
	h := newHarness(t)
	h.api.errs = func(apiCall) error { return rejection("unknown region") }
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("nowhere"))
	h.createItem(t, "q-2", "tmp-2", models.PriorityHigh, price("nowhere"))
	h.sync(t)

	if _, err := h.c.RetryFailed("q-1"); err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	it := h.item(t, "q-1")
	if it.Status != models.ItemPending || it.Attempts != 0 || it.LastError != "" {
		t.Errorf("retried item = %+v", it)
	}
	rec, _ := h.store.GetRecord("tmp-1")
	if rec.Status != models.RecordPending {
		t.Errorf("record = %s, want pending", rec.Status)
	}

	h.api.errs = nil
	h.sync(t)
	if it := h.item(t, "q-1"); it.Status != models.ItemCompleted {
		t.Errorf("after retry = %s, want completed", it.Status)
	}

	if err := h.c.Dismiss(context.Background(), "q-1"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Dismiss(completed) = %v, want ErrNotFailed", err)
	}
	if err := h.c.Dismiss(context.Background(), "q-2"); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if _, err := h.store.GetItem("q-2"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("dismissed item still present: %v", err)
	}
	if _, err := h.store.GetRecord("tmp-2"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("dismissed record still present: %v", err)
	}
}

func TestWatchTrigger(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	path := filepath.Join(t.TempDir(), "sync.trigger")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.c.WatchTrigger(ctx, path)

	deadline := time.Now().Add(5 * time.Second)
	for len(h.api.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("touching the trigger file did not start a pass")
		}
		os.WriteFile(path, []byte(time.Now().String()), 0o644)
		time.Sleep(50 * time.Millisecond)
	}
	h.c.Wait()
}

func TestWatchTrigger_SteadySignalsKeepDraining(t *testing.T) {
	h := newHarness(t)
	h.createItem(t, "q-1", "tmp-1", models.PriorityHigh, price("north"))
	path := filepath.Join(t.TempDir(), "sync.trigger")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.c.WatchTrigger(ctx, path)

	// a writer faster than any quiet period must still get work drained
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				os.WriteFile(path, []byte(time.Now().String()), 0o644)
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	waitFor := func(id string) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for h.item(t, id).Status != models.ItemCompleted {
			if time.Now().After(deadline) {
				t.Fatalf("%s not drained while the trigger file kept changing", id)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	waitFor("q-1")

	h.createItem(t, "q-2", "tmp-2", models.PriorityNormal, price("south"))
	waitFor("q-2")
}

func TestSync_RefusedChangeKeepsServerRecordSynced(t *testing.T) {
	h := newHarness(t)
	synced := &models.PendingRecord{ID: "tmp-9", ServerID: "p-9", Status: models.RecordSynced, Payload: price("east")}
	edited := &models.PendingRecord{ID: "tmp-8", ServerID: "p-8", Status: models.RecordPending, Payload: price("west")}
	for _, rec := range []*models.PendingRecord{synced, edited} {
		if err := h.store.PutRecord(rec); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
	}
	h.targetItem(t, "q-1", models.ActionDelete, "p-9", models.DeletePayload{Reason: "duplicate"})
	note := "recounted"
	h.targetItem(t, "q-2", models.ActionUpdate, "tmp-8", models.PriceUpdate{Note: &note})
	h.api.errs = func(apiCall) error { return rejection("not the reporter") }

	res := h.sync(t)
	if res.Failed != 2 {
		t.Fatalf("failed = %d, want 2", res.Failed)
	}
	for _, id := range []string{"tmp-9", "tmp-8"} {
		rec, err := h.store.GetRecord(id)
		if err != nil {
			t.Fatalf("GetRecord(%s) failed: %v", id, err)
		}
		if rec.Status != models.RecordSynced {
			t.Errorf("%s = %s, want synced: the price is still on the server", id, rec.Status)
		}
		if !strings.Contains(rec.LastError, "not the reporter") {
			t.Errorf("%s last error = %q, want the refusal reason", id, rec.LastError)
		}
	}
}

func TestSync_RefusedChangeWaitsForOtherWork(t *testing.T) {
	h := newHarness(t)
	rec := &models.PendingRecord{ID: "tmp-9", ServerID: "p-9", Status: models.RecordPending, Payload: price("east")}
	if err := h.store.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	note := "recounted"
	h.targetItem(t, "q-1", models.ActionUpdate, "p-9", models.PriceUpdate{Note: &note})
	h.targetItem(t, "q-2", models.ActionDelete, "p-9", models.DeletePayload{})
	h.api.errs = func(c apiCall) error {
		if c.action == models.ActionUpdate {
			return rejection("locked")
		}
		return &apiclient.NetworkError{Op: "delete price", Err: errors.New("connection reset")}
	}

	h.sync(t)
	got, _ := h.store.GetRecord("tmp-9")
	if got.Status != models.RecordPending {
		t.Errorf("record = %s, want pending while the delete is still queued", got.Status)
	}
}
