// Package output provides styled terminal output helpers (success, error,
// warning, record and queue formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/marcus/pricetrack/internal/models"
)

var (
	// Styles
	titleStyle    = lipgloss.NewStyle().Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	priorityStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	itemStyles    = map[models.ItemStatus]lipgloss.Style{
		models.ItemPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.ItemProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.ItemCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.ItemFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	recordStyles = map[models.RecordStatus]lipgloss.Style{
		models.RecordPending: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.RecordSynced:  lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		models.RecordFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	qualityStyles = map[models.Quality]lipgloss.Style{
		models.QualityGood:    successStyle,
		models.QualityPoor:    warningStyle,
		models.QualityOffline: errorStyle,
	}
)

// Mode determines output format
type Mode int

const (
	ModeText Mode = iota
	ModeJSON
	ModeYAML
)

// ParseMode maps a --format value to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return ModeText, nil
	case "json":
		return ModeJSON, nil
	case "yaml", "yml":
		return ModeYAML, nil
	}
	return ModeText, fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	return WriteJSON(os.Stdout, v)
}

// WriteJSON writes v as indented JSON followed by a newline
func WriteJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// YAML outputs data as YAML
func YAML(v interface{}) error {
	return WriteYAML(os.Stdout, v)
}

// WriteYAML encodes v as YAML. Values go through their JSON form first so
// field names match the JSON output.
func WriteYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// Structured writes v as JSON or YAML. It returns false for ModeText so the
// caller can fall through to styled output.
func Structured(mode Mode, v interface{}) (bool, error) {
	switch mode {
	case ModeJSON:
		return true, JSON(v)
	case ModeYAML:
		return true, YAML(v)
	}
	return false, nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeStorage      = "storage_error"
	ErrCodeOffline      = "offline"
	ErrCodeBusy         = "busy"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// FormatItemStatus formats a queue item status with color
func FormatItemStatus(s models.ItemStatus) string {
	style, ok := itemStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatRecordStatus formats a record status with color
func FormatRecordStatus(s models.RecordStatus) string {
	style, ok := recordStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatPriority formats a priority; normal priority renders as nothing
func FormatPriority(p models.Priority) string {
	if p < models.PriorityHigh {
		return ""
	}
	return priorityStyle.Render(fmt.Sprintf("[%s]", p))
}

// FormatQuality renders a connection state, e.g. "online (good, 120ms)"
func FormatQuality(s models.ConnectionState) string {
	style := qualityStyles[s.Quality]
	if !s.Online {
		return style.Render("offline")
	}
	label := string(s.Quality)
	if s.Latency > 0 {
		label += ", " + s.Latency.Round(time.Millisecond).String()
	}
	return style.Render(fmt.Sprintf("online (%s)", label))
}

// FormatAmount renders an amount with its currency and unit
func FormatAmount(p models.PricePayload) string {
	s := fmt.Sprintf("%.2f", p.Amount)
	if p.Currency != "" {
		s += " " + p.Currency
	}
	if p.Unit != "" {
		s += "/" + p.Unit
	}
	return s
}

// FormatRecordShort formats a pending record in one line
func FormatRecordShort(r *models.PendingRecord) string {
	var parts []string
	parts = append(parts, titleStyle.Render(r.ID))
	if r.ServerID != "" {
		parts = append(parts, subtleStyle.Render("→ "+r.ServerID))
	}
	what := r.Payload.Region
	if r.Payload.Commodity != "" {
		what = r.Payload.Commodity + " @ " + what
	}
	parts = append(parts, what)
	parts = append(parts, FormatAmount(r.Payload))
	parts = append(parts, subtleStyle.Render(r.Payload.Date))
	parts = append(parts, FormatRecordStatus(r.Status))
	return strings.Join(parts, "  ")
}

// FormatRecordLong formats a record with its payload and any error
func FormatRecordLong(r *models.PendingRecord) string {
	var sb strings.Builder
	p := r.Payload

	sb.WriteString(titleStyle.Render(r.ID))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Status: %s\n", FormatRecordStatus(r.Status)))
	if r.ServerID != "" {
		sb.WriteString(fmt.Sprintf("Server ID: %s\n", r.ServerID))
	}
	sb.WriteString(fmt.Sprintf("Region: %s | Quality: %s | Date: %s\n", p.Region, p.Quality, p.Date))
	if p.Commodity != "" {
		sb.WriteString(fmt.Sprintf("Commodity: %s\n", p.Commodity))
	}
	sb.WriteString(fmt.Sprintf("Price: %s\n", FormatAmount(p)))
	if p.Source.Name != "" {
		src := p.Source.Name
		if p.Source.Kind != "" {
			src += " (" + p.Source.Kind + ")"
		}
		sb.WriteString(fmt.Sprintf("Source: %s\n", src))
	}
	if p.Location != nil {
		sb.WriteString(fmt.Sprintf("Location: %.5f, %.5f\n", p.Location.Lat, p.Location.Lng))
	}
	if p.AttachmentRef != "" {
		sb.WriteString(fmt.Sprintf("Attachment: %s\n", p.AttachmentRef))
	}
	if p.Note != "" {
		sb.WriteString("\n")
		sb.WriteString(subtleStyle.Render("Note:"))
		sb.WriteString("\n")
		sb.WriteString(p.Note)
		sb.WriteString("\n")
	}
	if r.LastError != "" {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render("Last error: " + r.LastError))
		sb.WriteString("\n")
	}
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("created %s by %s", FormatTimeAgo(r.CreatedAt), orDash(r.UserID))))
	sb.WriteString("\n")
	return sb.String()
}

// FormatItemShort formats a queue item in one line
func FormatItemShort(it *models.QueueItem, now time.Time) string {
	var parts []string
	parts = append(parts, titleStyle.Render(it.ID))
	if p := FormatPriority(it.Priority); p != "" {
		parts = append(parts, p)
	}
	target := it.TargetID
	if target == "" {
		target = it.LocalRef
	}
	parts = append(parts, fmt.Sprintf("%-6s %s", it.Action, target))
	parts = append(parts, FormatItemStatus(it.Status))
	if it.Attempts > 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d/%d attempts", it.Attempts, it.MaxAttempts)))
	}
	if it.Status == models.ItemPending && it.NextRetryAt != nil && it.NextRetryAt.After(now) {
		parts = append(parts, subtleStyle.Render("retry in "+it.NextRetryAt.Sub(now).Round(time.Second).String()))
	}
	if it.Status == models.ItemFailed && it.LastError != "" {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%s: %s", it.ErrorKind, it.LastError)))
	}
	return strings.Join(parts, "  ")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nQUEUE:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// Subtle renders s in the dim style
func Subtle(s string) string {
	return subtleStyle.Render(s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
