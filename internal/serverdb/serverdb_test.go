package serverdb

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func samplePayload(region string) models.PricePayload {
	return models.PricePayload{
		Region:   region,
		Quality:  "grade A",
		Amount:   42.5,
		Currency: "KES",
		Unit:     "kg",
		Date:     "2026-02-18",
		Source:   models.SourceMeta{Name: "Gikomba", Kind: "market"},
	}
}

func TestOpenFileAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if db.Dialect() != DialectSQLite {
		t.Errorf("dialect = %s", db.Dialect())
	}
	if _, err := db.CreatePrice(samplePayload("nairobi"), "u1", "en"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if v := db.getSchemaVersion(); v != ServerSchemaVersion {
		t.Errorf("schema version = %d, want %d", v, ServerSchemaVersion)
	}
	prices, err := db.ListPrices("", 0)
	if err != nil || len(prices) != 1 {
		t.Fatalf("prices after reopen = %d, %v", len(prices), err)
	}
}

func TestRebind(t *testing.T) {
	pg := &ServerDB{dialect: DialectPostgres}
	got := pg.rebind("SELECT * FROM prices WHERE id = ? AND region = ?")
	if got != "SELECT * FROM prices WHERE id = $1 AND region = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &ServerDB{dialect: DialectSQLite}
	if got := lite.rebind("id = ?"); got != "id = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements()
	if len(stmts) < 6 {
		t.Fatalf("got %d statements", len(stmts))
	}
	for _, s := range stmts {
		if strings.Contains(s, ";") {
			t.Errorf("statement not split: %q", s)
		}
	}
}

// --- Prices ---

func TestCreateAndGetPrice(t *testing.T) {
	db := newTestDB(t)
	p, err := db.CreatePrice(samplePayload("nairobi"), "u1", "sw")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(p.ID, "p_") {
		t.Errorf("unexpected id prefix: %s", p.ID)
	}
	got, err := db.GetPrice(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload.Amount != 42.5 || got.Payload.Source.Name != "Gikomba" || got.UserID != "u1" || got.Locale != "sw" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestGetPriceNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetPrice("p_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListPricesByRegion(t *testing.T) {
	db := newTestDB(t)
	clock := time.Date(2026, 2, 18, 8, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { clock = clock.Add(time.Second); return clock })

	a, _ := db.CreatePrice(samplePayload("nairobi"), "u1", "")
	db.CreatePrice(samplePayload("mombasa"), "u1", "")
	b, _ := db.CreatePrice(samplePayload("nairobi"), "u2", "")

	got, err := db.ListPrices("nairobi", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
		t.Errorf("want newest first [%s %s], got %+v", b.ID, a.ID, got)
	}
	all, _ := db.ListPrices("", 2)
	if len(all) != 2 {
		t.Errorf("limit ignored: %d", len(all))
	}
}

func TestUpdatePrice(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.CreatePrice(samplePayload("nairobi"), "u1", "")

	amount := 50.0
	region := "kisumu"
	got, err := db.UpdatePrice(p.ID, models.PriceUpdate{Amount: &amount, Region: &region})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Payload.Amount != 50 || got.Payload.Quality != "grade A" {
		t.Errorf("partial update wrong: %+v", got.Payload)
	}
	if list, _ := db.ListPrices("kisumu", 0); len(list) != 1 {
		t.Error("region column not updated")
	}

	if _, err := db.UpdatePrice("p_missing", models.PriceUpdate{Amount: &amount}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
}

func TestDeletePrice(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.CreatePrice(samplePayload("nairobi"), "u1", "")

	if err := db.DeletePrice(p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetPrice(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted price still visible: %v", err)
	}
	if err := db.DeletePrice(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: %v, want ErrNotFound", err)
	}
	if list, _ := db.ListPrices("", 0); len(list) != 0 {
		t.Errorf("deleted price listed: %d", len(list))
	}
}

func TestVerifyPrice(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.CreatePrice(samplePayload("nairobi"), "u1", "")

	db.VerifyPrice(p.ID, "u2", models.VerifyPayload{Verdict: "confirm"})
	db.VerifyPrice(p.ID, "u3", models.VerifyPayload{Verdict: "confirm"})
	got, err := db.VerifyPrice(p.ID, "u4", models.VerifyPayload{Verdict: "dispute", Note: "too high"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Confirmations != 2 || got.Disputes != 1 {
		t.Errorf("counters = %d/%d, want 2/1", got.Confirmations, got.Disputes)
	}
	if _, err := db.VerifyPrice("p_missing", "u2", models.VerifyPayload{Verdict: "confirm"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("verify missing: %v", err)
	}
}

// --- Uploads ---

func TestUploads(t *testing.T) {
	db := newTestDB(t)
	u, err := db.CreateUpload(Upload{BlobKey: "uploads/x", Filename: "stall.jpg", ContentType: "image/jpeg", Size: 1234, UserID: "u1"})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if !strings.HasPrefix(u.ID, "up_") {
		t.Errorf("upload id = %s", u.ID)
	}
	got, err := db.GetUpload(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Filename != "stall.jpg" || got.Size != 1234 || got.BlobKey != "uploads/x" {
		t.Errorf("upload = %+v", got)
	}
	if _, err := db.GetUpload("up_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing upload: %v", err)
	}
}

// --- Idempotency ---

func TestIdempotencyFirstResponseWins(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetIdempotent("q-1", "u1")
	if err != nil || got != nil {
		t.Fatalf("unseen key = %+v, %v", got, err)
	}

	first := IdempotentResponse{Key: "q-1", UserID: "u1", Method: "POST", Path: "/v1/prices", Status: 201, Body: []byte(`{"id":"p_1"}`)}
	if err := db.SaveIdempotent(first); err != nil {
		t.Fatal(err)
	}
	second := first
	second.Body = []byte(`{"id":"p_2"}`)
	if err := db.SaveIdempotent(second); err != nil {
		t.Fatal(err)
	}

	got, err = db.GetIdempotent("q-1", "u1")
	if err != nil || got == nil {
		t.Fatalf("get: %+v, %v", got, err)
	}
	if string(got.Body) != `{"id":"p_1"}` || got.Status != 201 {
		t.Errorf("replay = %d %s", got.Status, got.Body)
	}

	if other, _ := db.GetIdempotent("q-1", "u2"); other != nil {
		t.Error("keys should be scoped per user")
	}
}

func TestPurgeIdempotent(t *testing.T) {
	db := newTestDB(t)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return old })
	db.SaveIdempotent(IdempotentResponse{Key: "a", UserID: "u", Method: "POST", Path: "/", Status: 200, Body: []byte("{}")})
	db.SetClock(time.Now)
	db.SaveIdempotent(IdempotentResponse{Key: "b", UserID: "u", Method: "POST", Path: "/", Status: 200, Body: []byte("{}")})

	n, err := db.PurgeIdempotent(old.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purged %d, %v", n, err)
	}
	if r, _ := db.GetIdempotent("b", "u"); r == nil {
		t.Error("recent key purged")
	}
}

// --- API keys ---

func TestGenerateAndVerifyAPIKey(t *testing.T) {
	db := newTestDB(t)
	plaintext, ak, err := db.GenerateAPIKey("u1", "phone", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(plaintext, apiKeyPrefix) || len(plaintext) != len(apiKeyPrefix)+keyLength {
		t.Errorf("bad key format: %s", plaintext)
	}

	got, err := db.VerifyAPIKey(plaintext)
	if err != nil || got == nil {
		t.Fatalf("verify: %+v, %v", got, err)
	}
	if got.ID != ak.ID || got.UserID != "u1" || got.LastUsedAt == nil {
		t.Errorf("verified key = %+v", got)
	}

	if got, _ := db.VerifyAPIKey(apiKeyPrefix + "wrong"); got != nil {
		t.Error("wrong key verified")
	}
}

func TestExpiredAPIKey(t *testing.T) {
	db := newTestDB(t)
	past := time.Now().Add(-time.Hour)
	plaintext, _, err := db.GenerateAPIKey("u1", "old", &past)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := db.VerifyAPIKey(plaintext); got != nil {
		t.Error("expired key verified")
	}
}

func TestRevokeAndListAPIKeys(t *testing.T) {
	db := newTestDB(t)
	_, a, _ := db.GenerateAPIKey("u1", "a", nil)
	db.GenerateAPIKey("u1", "b", nil)
	db.GenerateAPIKey("u2", "c", nil)

	keys, err := db.ListAPIKeys("u1")
	if err != nil || len(keys) != 2 {
		t.Fatalf("list = %d, %v", len(keys), err)
	}
	if err := db.RevokeAPIKey(a.ID, "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoke by non-owner: %v", err)
	}
	if err := db.RevokeAPIKey(a.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	keys, _ = db.ListAPIKeys("u1")
	if len(keys) != 1 {
		t.Errorf("after revoke = %d", len(keys))
	}
}
