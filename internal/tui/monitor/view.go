package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/cellbuf"

	"github.com/marcus/pricetrack/internal/models"
)

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}

	// Handle small terminal sizes gracefully
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	if m.ShowHelp {
		return m.renderHelp()
	}

	header := m.renderHeader()
	footer := m.renderFooter()

	// two panels share what the header and footer leave
	available := m.Height - lipgloss.Height(header) - lipgloss.Height(footer)
	queueHeight := available * 3 / 5
	activityHeight := available - queueHeight

	panels := lipgloss.JoinVertical(lipgloss.Left,
		m.renderQueuePanel(queueHeight),
		m.renderActivityPanel(activityHeight),
	)
	return lipgloss.JoinVertical(lipgloss.Left, header, panels, footer)
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder
	s.WriteString("pt monitor (resize for full view)\n\n")
	s.WriteString(fmt.Sprintf("Connection: %s\n", formatQuality(m.Conn)))
	s.WriteString(fmt.Sprintf("Ready: %d | Retrying: %d | Failed: %d\n",
		len(m.Queue.Ready)+len(m.Queue.Processing), len(m.Queue.Waiting), len(m.Queue.Failed)))
	s.WriteString("\nq:quit r:refresh ?:help")
	return s.String()
}

func (m Model) renderHeader() string {
	parts := []string{titleStyle.Render("pricetrack sync"), "connection: " + formatQuality(m.Conn)}
	if m.Conn.Latency > 0 {
		parts = append(parts, subtleStyle.Render(m.Conn.Latency.Round(time.Millisecond).String()))
	}
	if m.Syncing {
		parts = append(parts, m.spinner.View()+" syncing")
	}
	last := "never"
	if m.Sync != nil && m.Sync.LastSyncAt != nil {
		last = m.Sync.LastSyncAt.Local().Format("15:04:05")
		if m.Sync.LastStatus != "" {
			last += " (" + m.Sync.LastStatus + ")"
		}
	}
	parts = append(parts, subtleStyle.Render("last sync "+last))
	line := strings.Join(parts, "  ")

	if m.Err != nil {
		wrapped := cellbuf.Wrap("Error: "+m.Err.Error(), m.Width, " ")
		line += "\n" + errorStyle.Render(wrapped)
	}
	return line
}

// renderQueuePanel renders the queue panel (Panel 1)
func (m Model) renderQueuePanel(height int) string {
	var lines []string
	now := m.now()
	width := m.contentWidth()

	section := func(title string, items []models.QueueItem, detail func(models.QueueItem) string) {
		if len(items) == 0 {
			return
		}
		lines = append(lines, sectionHeader.Render(fmt.Sprintf("%s (%d)", title, len(items))))
		for _, it := range items {
			lines = append(lines, ansi.Truncate("  "+m.itemLine(it)+detail(it), width, "…"))
		}
	}

	section("IN FLIGHT", m.Queue.Processing, func(models.QueueItem) string { return "" })
	section("READY", m.Queue.Ready, func(models.QueueItem) string { return "" })
	section("RETRYING", m.Queue.Waiting, func(it models.QueueItem) string {
		return subtleStyle.Render(fmt.Sprintf("  in %s, %d/%d", it.NextRetryAt.Sub(now).Round(time.Second), it.Attempts, it.MaxAttempts))
	})
	section("FAILED", m.Queue.Failed, func(it models.QueueItem) string {
		return errorStyle.Render("  " + it.LastError)
	})

	if len(lines) == 0 {
		lines = append(lines, subtleStyle.Render("Queue is empty"))
	}
	if m.Queue.Completed > 0 {
		lines = append(lines, subtleStyle.Render(fmt.Sprintf("%d completed (pt queue purge to clear)", m.Queue.Completed)))
	}
	return m.wrapPanel(fmt.Sprintf("QUEUE %d", m.Queue.Total()), lines, height, PanelQueue)
}

func (m Model) itemLine(it models.QueueItem) string {
	target := it.TargetID
	if target == "" {
		target = it.LocalRef
	}
	prio := " "
	if it.Priority >= models.PriorityHigh {
		prio = highStyle.Render("!")
	}
	return fmt.Sprintf("%s %s %-6s %s", prio, subtleStyle.Render(shortID(it.ID)), it.Action, target)
}

// renderActivityPanel renders the event feed (Panel 2)
func (m Model) renderActivityPanel(height int) string {
	var lines []string
	width := m.contentWidth()
	if len(m.Activity) == 0 {
		msg := "No activity yet"
		if m.Events == nil {
			msg = "No daemon stream; start `pt daemon` to see live events"
		}
		lines = append(lines, subtleStyle.Render(msg))
	}
	for _, a := range m.Activity {
		line := fmt.Sprintf("%s %s", timestampStyle.Render(a.Timestamp.Local().Format("15:04:05")), formatBadge(a.Type))
		if a.ItemID != "" {
			line += " " + shortID(a.ItemID)
		}
		if a.Action != "" {
			line += " " + string(a.Action)
		}
		line += " " + a.Message
		lines = append(lines, ansi.Truncate(line, width, "…"))
	}
	return m.wrapPanel("ACTIVITY", lines, height, PanelActivity)
}

// wrapPanel frames lines in a bordered panel, applying the panel's scroll offset
func (m Model) wrapPanel(title string, lines []string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}

	// border (2) + title (1)
	visible := height - 3
	if visible < 1 {
		visible = 1
	}
	offset := m.ScrollOffset[panel]
	if last := len(lines) - visible; offset > last {
		offset = last
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + visible
	if end > len(lines) {
		end = len(lines)
	}

	body := panelTitleStyle.Render(title) + "\n" + strings.Join(lines[offset:end], "\n")
	return style.Width(m.Width - 2).Height(height - 2).Render(body)
}

func (m Model) contentWidth() int {
	// border (2) + padding (2)
	w := m.Width - 4
	if w < 10 {
		w = 10
	}
	return w
}

// renderFooter renders key hints
func (m Model) renderFooter() string {
	status := ""
	if !m.LastRefresh.IsZero() {
		status = "  refreshed " + m.LastRefresh.Local().Format("15:04:05")
	}
	return helpStyle.Render("q:quit  tab:switch panel  j/k:scroll  r:refresh  ?:help" + status)
}

// renderHelp renders the help screen
func (m Model) renderHelp() string {
	help := `
pricetrack monitor

  QUEUE     items waiting to reach the server, in drain order
            ! marks high priority; RETRYING items wait out a backoff
  ACTIVITY  live events from the daemon (pt daemon)

  tab / 1 / 2   switch panel
  j / k         scroll
  r             refresh now
  ?             toggle help
  q             quit

Press ? to close`
	return lipgloss.NewStyle().Padding(1, 2).Render(help)
}

// shortID trims the uuid tail of queue ids for display
func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
