package output

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/marcus/pricetrack/internal/models"
)

const (
	defaultMarkdownWidth = 80
	minMarkdownWidth     = 20
)

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultMarkdownWidth
	}

	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}

	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}

	return fallback
}

// IsTerminal reports whether stdin and stdout are both terminals
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// RenderMarkdown renders markdown using Glamour with terminal-aware wrapping.
func RenderMarkdown(text string) (string, error) {
	return RenderMarkdownWithWidth(text, TerminalWidth(defaultMarkdownWidth))
}

// RenderMarkdownWithWidth renders markdown using Glamour with explicit wrapping.
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if width < minMarkdownWidth {
		width = minMarkdownWidth
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}

	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(rendered, "\n"), nil
}

// StatusReport is the input to StatusMarkdown
type StatusReport struct {
	Connection models.ConnectionState
	Counts     map[models.ItemStatus]int
	Sync       models.SyncState
	Failed     []models.QueueItem
	Blocked    []models.QueueItem
}

// StatusMarkdown renders the `pt status --report` document
func StatusMarkdown(r StatusReport) string {
	var sb strings.Builder
	sb.WriteString("# Sync status\n\n")

	conn := "offline"
	if r.Connection.Online {
		conn = "online, " + string(r.Connection.Quality)
		if r.Connection.Latency > 0 {
			conn += fmt.Sprintf(" (%s)", r.Connection.Latency.Round(time.Millisecond))
		}
	}
	sb.WriteString(fmt.Sprintf("**Connection:** %s\n\n", conn))

	sb.WriteString("| Status | Items |\n|---|---|\n")
	for _, st := range []models.ItemStatus{models.ItemPending, models.ItemProcessing, models.ItemCompleted, models.ItemFailed} {
		sb.WriteString(fmt.Sprintf("| %s | %d |\n", st, r.Counts[st]))
	}
	sb.WriteString("\n")

	if r.Sync.LastSyncAt != nil {
		sb.WriteString(fmt.Sprintf("**Last sync:** %s (%s, %d synced, %d failed)\n\n",
			r.Sync.LastSyncAt.Format(time.RFC3339), orDash(r.Sync.LastStatus), r.Sync.Synced, r.Sync.Failed))
	} else {
		sb.WriteString("**Last sync:** never\n\n")
	}
	if r.Sync.LastError != "" {
		sb.WriteString(fmt.Sprintf("> %s\n\n", r.Sync.LastError))
	}

	if len(r.Blocked) > 0 {
		sb.WriteString("## Waiting on dependencies\n\n")
		for _, it := range r.Blocked {
			sb.WriteString(fmt.Sprintf("- `%s` %s %s\n", it.ID, it.Action, it.TargetID))
		}
		sb.WriteString("\n")
	}

	if len(r.Failed) > 0 {
		sb.WriteString("## Failed\n\n")
		for _, it := range r.Failed {
			target := it.TargetID
			if target == "" {
				target = it.LocalRef
			}
			sb.WriteString(fmt.Sprintf("- `%s` %s %s: %s (%s)\n", it.ID, it.Action, target, it.LastError, it.ErrorKind))
		}
		sb.WriteString("\nRun `pt queue retry <id>` or `pt queue dismiss <id>`.\n")
	}
	return sb.String()
}
