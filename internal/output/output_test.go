package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

// TestFormatTimeAgoJustNow tests times less than a minute ago
func TestFormatTimeAgoJustNow(t *testing.T) {
	now := time.Now()
	for _, tm := range []time.Time{now, now.Add(-30 * time.Second), now.Add(-59 * time.Second)} {
		if result := FormatTimeAgo(tm); result != "just now" {
			t.Errorf("FormatTimeAgo(%v) = %q, want 'just now'", tm, result)
		}
	}
}

func TestFormatTimeAgo(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Minute, "1m ago"},
		{30 * time.Minute, "30m ago"},
		{1 * time.Hour, "1h ago"},
		{23 * time.Hour, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}
	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		if result := FormatTimeAgo(tm); result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

func TestFormatTimeAgoDateAndZero(t *testing.T) {
	old := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	if got := FormatTimeAgo(old); got != "2024-03-09" {
		t.Errorf("FormatTimeAgo(old) = %q, want date", got)
	}
	if got := FormatTimeAgo(time.Time{}); got != "never" {
		t.Errorf("FormatTimeAgo(zero) = %q, want never", got)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeText, false},
		{"text", ModeText, false},
		{"JSON", ModeJSON, false},
		{"yml", ModeYAML, false},
		{"xml", ModeText, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatItemStatus(t *testing.T) {
	tests := []struct {
		status   models.ItemStatus
		contains string
	}{
		{models.ItemPending, "[pending]"},
		{models.ItemProcessing, "[processing]"},
		{models.ItemCompleted, "[completed]"},
		{models.ItemFailed, "[failed]"},
	}
	for _, tc := range tests {
		if result := FormatItemStatus(tc.status); !strings.Contains(result, tc.contains) {
			t.Errorf("FormatItemStatus(%q) = %q, want to contain %q", tc.status, result, tc.contains)
		}
	}
	if got := FormatItemStatus("weird"); got != "weird" {
		t.Errorf("unknown status = %q, want as-is", got)
	}
}

func TestFormatPriority(t *testing.T) {
	if got := FormatPriority(models.PriorityNormal); got != "" {
		t.Errorf("normal priority = %q, want empty", got)
	}
	if got := FormatPriority(models.PriorityHigh); !strings.Contains(got, "HIGH") {
		t.Errorf("high priority = %q, want HIGH", got)
	}
}

func TestFormatQuality(t *testing.T) {
	if got := FormatQuality(models.ConnectionState{Quality: models.QualityOffline}); !strings.Contains(got, "offline") {
		t.Errorf("offline = %q", got)
	}
	got := FormatQuality(models.ConnectionState{Online: true, Quality: models.QualityPoor, Latency: 1500 * time.Millisecond})
	if !strings.Contains(got, "poor") || !strings.Contains(got, "1.5s") {
		t.Errorf("poor = %q", got)
	}
}

func TestFormatRecordShort(t *testing.T) {
	r := &models.PendingRecord{
		ID:       "tmp-abc",
		ServerID: "p-7",
		Status:   models.RecordSynced,
		Payload: models.PricePayload{
			Region: "Nairobi", Commodity: "maize", Amount: 42.5, Currency: "KES", Unit: "kg", Date: "2026-01-02",
		},
	}
	result := FormatRecordShort(r)
	for _, want := range []string{"tmp-abc", "p-7", "maize @ Nairobi", "42.50 KES/kg", "2026-01-02", "[synced]"} {
		if !strings.Contains(result, want) {
			t.Errorf("FormatRecordShort missing %q: %q", want, result)
		}
	}
}

func TestFormatRecordLong(t *testing.T) {
	r := &models.PendingRecord{
		ID:        "tmp-abc",
		Status:    models.RecordFailed,
		LastError: "amount out of range",
		UserID:    "u1",
		CreatedAt: time.Now(),
		Payload: models.PricePayload{
			Region: "Mombasa", Quality: "A", Amount: 3, Date: "2026-01-02",
			Source:   models.SourceMeta{Name: "Kongowea", Kind: "market"},
			Location: &models.Coordinates{Lat: -4.04, Lng: 39.66},
			Note:     "wholesale",
		},
	}
	result := FormatRecordLong(r)
	for _, want := range []string{"[failed]", "Region: Mombasa", "Kongowea (market)", "-4.04000, 39.66000", "wholesale", "amount out of range", "u1"} {
		if !strings.Contains(result, want) {
			t.Errorf("FormatRecordLong missing %q:\n%s", want, result)
		}
	}
	if strings.Contains(result, "Server ID") {
		t.Error("unsynced record should not show a server id")
	}
}

func TestFormatItemShort(t *testing.T) {
	now := time.Now()
	retry := now.Add(10 * time.Second)
	it := &models.QueueItem{
		ID: "q-1", Action: models.ActionUpdate, TargetID: "tmp-x", Status: models.ItemPending,
		Attempts: 1, MaxAttempts: 3, NextRetryAt: &retry,
	}
	result := FormatItemShort(it, now)
	for _, want := range []string{"q-1", "update", "tmp-x", "[pending]", "1/3 attempts", "retry in 10s"} {
		if !strings.Contains(result, want) {
			t.Errorf("FormatItemShort missing %q: %q", want, result)
		}
	}

	failed := &models.QueueItem{
		ID: "q-2", Action: models.ActionCreate, LocalRef: "tmp-y", Status: models.ItemFailed,
		Attempts: 1, MaxAttempts: 3, LastError: "bad region", ErrorKind: models.ErrorKindRejected,
		Priority: models.PriorityHigh,
	}
	result = FormatItemShort(failed, now)
	for _, want := range []string{"tmp-y", "HIGH", "rejected: bad region"} {
		if !strings.Contains(result, want) {
			t.Errorf("FormatItemShort(failed) missing %q: %q", want, result)
		}
	}
}

func TestWriteYAMLUsesJSONNames(t *testing.T) {
	var buf bytes.Buffer
	it := models.QueueItem{ID: "q-1", Action: models.ActionDelete, Status: models.ItemPending, MaxAttempts: 3}
	if err := WriteYAML(&buf, it); err != nil {
		t.Fatalf("WriteYAML failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"id: q-1", "action: delete", "max_attempts: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, map[string]int{"synced": 2}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"synced": 2`) {
		t.Errorf("json = %q", buf.String())
	}
}

func TestStatusMarkdown(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	md := StatusMarkdown(StatusReport{
		Connection: models.ConnectionState{Online: true, Quality: models.QualityGood},
		Counts:     map[models.ItemStatus]int{models.ItemPending: 2, models.ItemFailed: 1},
		Sync:       models.SyncState{LastSyncAt: &at, LastStatus: "failed", Synced: 3, Failed: 1},
		Failed: []models.QueueItem{{
			ID: "q-9", Action: models.ActionCreate, LocalRef: "tmp-z", LastError: "bad date", ErrorKind: models.ErrorKindRejected,
		}},
		Blocked: []models.QueueItem{{ID: "q-10", Action: models.ActionVerify, TargetID: "tmp-z"}},
	})
	for _, want := range []string{"online, good", "| pending | 2 |", "| failed | 1 |", "2026-05-01T08:00:00Z", "## Failed", "`q-9` create tmp-z: bad date", "## Waiting on dependencies", "`q-10`"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}

	empty := StatusMarkdown(StatusReport{})
	if !strings.Contains(empty, "offline") || !strings.Contains(empty, "never") {
		t.Errorf("empty report:\n%s", empty)
	}
}

func TestRenderMarkdownWithWidth(t *testing.T) {
	out, err := RenderMarkdownWithWidth("# Title\n\nsome text", 5)
	if err != nil {
		t.Fatalf("RenderMarkdownWithWidth failed: %v", err)
	}
	if !strings.Contains(out, "Title") {
		t.Errorf("rendered = %q", out)
	}
	if out, _ := RenderMarkdownWithWidth("   ", 80); out != "" {
		t.Errorf("blank input rendered %q", out)
	}
}

func TestSectionHeader(t *testing.T) {
	if got := SectionHeader("queue"); got != "\nQUEUE:\n" {
		t.Errorf("SectionHeader = %q", got)
	}
}
