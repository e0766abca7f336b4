package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/pricetrack/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(id string, amount float64) *models.PendingRecord {
	return &models.PendingRecord{
		ID: id,
		Payload: models.PricePayload{
			Region:  "north",
			Quality: "grade-a",
			Amount:  amount,
			Date:    "2026-10-01",
			Source:  models.SourceMeta{Name: "central market"},
		},
		UserID: "u1",
		Locale: "en",
	}
}

func testItem(id string, action models.Action, target string) *models.QueueItem {
	return &models.QueueItem{
		ID:       id,
		Action:   action,
		TargetID: target,
		Payload:  json.RawMessage(`{}`),
		Source:   "test",
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, dbFile)); os.IsNotExist(err) {
		t.Error("database file not created")
	}

	v, err := db.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if v != schemaVersion {
		t.Errorf("schema version = %d, want %d", v, schemaVersion)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.PutRecord(testRecord("tmp-1", 10)); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	records, err := db.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "tmp-1" {
		t.Fatalf("records after reopen = %+v, want tmp-1", records)
	}
}

func TestPutRecord_PreservesInsertionOrder(t *testing.T) {
	db := openTestDB(t)

	for i, id := range []string{"tmp-c", "tmp-a", "tmp-b"} {
		if err := db.PutRecord(testRecord(id, float64(i))); err != nil {
			t.Fatalf("PutRecord %s failed: %v", id, err)
		}
	}

	// overwrite the first record; it must keep its position
	if err := db.PutRecord(testRecord("tmp-c", 99)); err != nil {
		t.Fatalf("PutRecord overwrite failed: %v", err)
	}

	records, err := db.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	want := []string{"tmp-c", "tmp-a", "tmp-b"}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, r := range records {
		if r.ID != want[i] {
			t.Errorf("records[%d] = %s, want %s", i, r.ID, want[i])
		}
	}
	if records[0].Payload.Amount != 99 {
		t.Errorf("overwritten amount = %v, want 99", records[0].Payload.Amount)
	}
	if records[0].Status != models.RecordPending {
		t.Errorf("default status = %s, want pending", records[0].Status)
	}
}

func TestUpdateRecordStatus(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutRecord(testRecord("tmp-1", 10)); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	serverID := "p-100"
	if err := db.UpdateRecordStatus("tmp-1", models.RecordSynced, RecordUpdate{ServerID: &serverID}); err != nil {
		t.Fatalf("UpdateRecordStatus failed: %v", err)
	}

	r, err := db.GetRecord("tmp-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if r.Status != models.RecordSynced || r.ServerID != "p-100" {
		t.Errorf("record = %s/%s, want synced/p-100", r.Status, r.ServerID)
	}

	byServer, err := db.GetRecord("p-100")
	if err != nil {
		t.Fatalf("GetRecord by server id failed: %v", err)
	}
	if byServer.ID != "tmp-1" {
		t.Errorf("GetRecord(p-100).ID = %s, want tmp-1", byServer.ID)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	db := openTestDB(t)

	err := db.UpdateRecordStatus("tmp-missing", models.RecordFailed, RecordUpdate{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRecordStatus err = %v, want ErrNotFound", err)
	}
	if IsStorageError(err) {
		t.Error("missing id should not be reported as a storage failure")
	}

	err = db.UpdateItemStatus("q-missing", models.ItemCompleted, ItemUpdate{})
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "q-missing" {
		t.Errorf("UpdateItemStatus err = %v, want NotFoundError for q-missing", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutRecord(testRecord("tmp-1", 10)); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := db.DeleteRecord("tmp-1"); err != nil {
			t.Fatalf("DeleteRecord #%d failed: %v", i+1, err)
		}
		if err := db.DeleteItem("q-never-existed"); err != nil {
			t.Fatalf("DeleteItem #%d failed: %v", i+1, err)
		}
	}

	if _, err := db.GetRecord("tmp-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord after delete err = %v, want ErrNotFound", err)
	}
}

func TestEnqueue_WritesRecordAndItem(t *testing.T) {
	db := openTestDB(t)

	rec := testRecord("tmp-1", 10)
	item := testItem("q-1", models.ActionCreate, "")
	item.LocalRef = rec.ID
	item.Priority = models.PriorityHigh

	if err := db.Enqueue(rec, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := db.GetItem("q-1")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Status != models.ItemPending || got.MaxAttempts != models.DefaultMaxAttempts {
		t.Errorf("item = %s max=%d, want pending max=%d", got.Status, got.MaxAttempts, models.DefaultMaxAttempts)
	}
	if got.Priority != models.PriorityHigh || got.LocalRef != "tmp-1" {
		t.Errorf("item priority/local ref = %v/%s", got.Priority, got.LocalRef)
	}
	if got.LastAttemptAt != nil || got.NextRetryAt != nil {
		t.Error("new item should have no attempt timestamps")
	}
}

func TestEnqueue_RollsBackOnFailure(t *testing.T) {
	db := openTestDB(t)

	bad := testItem("q-1", models.Action("teleport"), "")
	err := db.Enqueue(testRecord("tmp-1", 10), bad)
	if err == nil {
		t.Fatal("Enqueue with invalid action should fail")
	}
	if !IsStorageError(err) {
		t.Errorf("Enqueue err = %T, want *StorageError", err)
	}

	records, err := db.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("record persisted without its queue item: %+v", records)
	}
}

func TestClaimItem_OnlyOnce(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutItem(testItem("q-1", models.ActionVerify, "p-1")); err != nil {
		t.Fatalf("PutItem failed: %v", err)
	}

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	ok, err := db.ClaimItem("q-1", now)
	if err != nil || !ok {
		t.Fatalf("first ClaimItem = %v, %v; want true, nil", ok, err)
	}
	ok, err = db.ClaimItem("q-1", now)
	if err != nil || ok {
		t.Fatalf("second ClaimItem = %v, %v; want false, nil", ok, err)
	}

	got, err := db.GetItem("q-1")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Status != models.ItemProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
	if got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(now) {
		t.Errorf("last attempt = %v, want %v", got.LastAttemptAt, now)
	}
}

func TestUpdateItemStatus_RetryFields(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutItem(testItem("q-1", models.ActionUpdate, "p-1")); err != nil {
		t.Fatalf("PutItem failed: %v", err)
	}

	attempts := 1
	next := time.Date(2026, 10, 1, 12, 0, 5, 0, time.UTC)
	msg := "connection refused"
	kind := models.ErrorKindNetwork
	err := db.UpdateItemStatus("q-1", models.ItemPending, ItemUpdate{
		Attempts:    &attempts,
		NextRetryAt: &next,
		LastError:   &msg,
		ErrorKind:   &kind,
	})
	if err != nil {
		t.Fatalf("UpdateItemStatus failed: %v", err)
	}

	got, _ := db.GetItem("q-1")
	if got.Attempts != 1 || got.NextRetryAt == nil || !got.NextRetryAt.Equal(next) {
		t.Errorf("attempts=%d next=%v, want 1 %v", got.Attempts, got.NextRetryAt, next)
	}
	if got.LastError != msg || got.ErrorKind != kind {
		t.Errorf("last error = %q/%s", got.LastError, got.ErrorKind)
	}

	if err := db.UpdateItemStatus("q-1", models.ItemPending, ItemUpdate{ClearNextRetry: true}); err != nil {
		t.Fatalf("UpdateItemStatus clear failed: %v", err)
	}
	got, _ = db.GetItem("q-1")
	if got.NextRetryAt != nil {
		t.Errorf("next retry = %v, want nil", got.NextRetryAt)
	}
}

func TestListItemsByStatus_AndPurge(t *testing.T) {
	db := openTestDB(t)
	for _, id := range []string{"q-1", "q-2", "q-3"} {
		if err := db.PutItem(testItem(id, models.ActionVerify, "p-1")); err != nil {
			t.Fatalf("PutItem failed: %v", err)
		}
	}
	db.UpdateItemStatus("q-2", models.ItemCompleted, ItemUpdate{})

	pending, err := db.ListItemsByStatus(models.ItemPending)
	if err != nil {
		t.Fatalf("ListItemsByStatus failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "q-1" || pending[1].ID != "q-3" {
		t.Errorf("pending = %+v, want q-1, q-3", pending)
	}

	counts, err := db.CountItemsByStatus()
	if err != nil {
		t.Fatalf("CountItemsByStatus failed: %v", err)
	}
	if counts[models.ItemPending] != 2 || counts[models.ItemCompleted] != 1 {
		t.Errorf("counts = %v", counts)
	}

	n, err := db.PurgeCompleted()
	if err != nil || n != 1 {
		t.Fatalf("PurgeCompleted = %d, %v; want 1", n, err)
	}
}

func TestResolveID(t *testing.T) {
	db := openTestDB(t)

	if id, ok, err := db.ResolveID("p-42"); err != nil || !ok || id != "p-42" {
		t.Errorf("ResolveID(server id) = %s, %v, %v", id, ok, err)
	}
	if _, ok, err := db.ResolveID("tmp-1"); err != nil || ok {
		t.Errorf("ResolveID(unmapped) ok = %v, err = %v; want false, nil", ok, err)
	}

	if err := db.SaveIDMapping("tmp-1", "p-7", "price"); err != nil {
		t.Fatalf("SaveIDMapping failed: %v", err)
	}
	if err := db.SaveIDMapping("tmp-1", "p-7", "price"); err != nil {
		t.Fatalf("SaveIDMapping repeat failed: %v", err)
	}
	id, ok, err := db.ResolveID("tmp-1")
	if err != nil || !ok || id != "p-7" {
		t.Errorf("ResolveID(tmp-1) = %s, %v, %v; want p-7", id, ok, err)
	}
}

func TestSyncState(t *testing.T) {
	db := openTestDB(t)

	s, err := db.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if s.LastSyncAt != nil {
		t.Error("fresh store should have no last sync time")
	}

	at := time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)
	db.RecordSyncRun(at, "completed", 3, 0, "")
	db.RecordSyncRun(at.Add(time.Minute), "failed", 1, 2, "server unavailable")

	s, err = db.GetSyncState()
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if s.LastSyncAt == nil || !s.LastSyncAt.Equal(at.Add(time.Minute)) {
		t.Errorf("last sync = %v", s.LastSyncAt)
	}
	if s.PassesTotal != 2 || s.LastStatus != "failed" || s.Failed != 2 {
		t.Errorf("state = %+v", s)
	}
}

func TestStorageError_ClosedConnection(t *testing.T) {
	db := openTestDB(t)
	db.conn.Close()

	err := db.PutRecord(testRecord("tmp-1", 1))
	if !IsStorageError(err) {
		t.Fatalf("PutRecord on closed db err = %v, want StorageError", err)
	}
	if _, err := db.ListItems(); !IsStorageError(err) {
		t.Errorf("ListItems on closed db err = %v, want StorageError", err)
	}
}

func TestStore_MattnDriver(t *testing.T) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite3: %v", err)
	}
	conn.SetMaxOpenConns(1)

	db, err := New(conn, t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer db.Close()

	rec := testRecord("tmp-1", 12.5)
	item := testItem("q-1", models.ActionCreate, "")
	item.LocalRef = rec.ID
	if err := db.Enqueue(rec, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := db.ListItems()
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 1 || items[0].LocalRef != "tmp-1" {
		t.Fatalf("items = %+v", items)
	}
	got, err := db.GetRecord("tmp-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Payload.Amount != 12.5 {
		t.Errorf("amount = %v, want 12.5", got.Payload.Amount)
	}
}
