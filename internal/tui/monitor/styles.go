package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

var (
	// Base colors
	primaryColor   = lipgloss.Color("212")
	secondaryColor = lipgloss.Color("141")
	mutedColor     = lipgloss.Color("241")
	successColor   = lipgloss.Color("42")
	warningColor   = lipgloss.Color("214")
	errorColor     = lipgloss.Color("196")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle     = lipgloss.NewStyle().Bold(true)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	spinnerStyle   = lipgloss.NewStyle().Foreground(primaryColor)
	highStyle      = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)

	qualityStyles = map[models.Quality]lipgloss.Style{
		models.QualityGood:    lipgloss.NewStyle().Foreground(successColor),
		models.QualityPoor:    lipgloss.NewStyle().Foreground(warningColor),
		models.QualityOffline: lipgloss.NewStyle().Foreground(errorColor),
	}

	eventBadges = map[events.Type]lipgloss.Style{
		events.SyncStarted:       lipgloss.NewStyle().Foreground(secondaryColor),
		events.SyncCompleted:     lipgloss.NewStyle().Foreground(successColor),
		events.SyncFailed:        lipgloss.NewStyle().Foreground(errorColor),
		events.ItemQueued:        lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		events.ItemSynced:        lipgloss.NewStyle().Foreground(successColor),
		events.ItemRetry:         lipgloss.NewStyle().Foreground(warningColor),
		events.ItemFailed:        lipgloss.NewStyle().Foreground(errorColor),
		events.ItemBlocked:       lipgloss.NewStyle().Foreground(mutedColor),
		events.ConnectionChanged: lipgloss.NewStyle().Foreground(secondaryColor),
	}

	// Section headers
	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))
)

// formatQuality renders a connection quality with color
func formatQuality(s models.ConnectionState) string {
	style, ok := qualityStyles[s.Quality]
	if !ok {
		return string(s.Quality)
	}
	return style.Render(string(s.Quality))
}

// formatBadge renders a short event type badge
func formatBadge(t events.Type) string {
	labels := map[events.Type]string{
		events.SyncStarted:       "[SYNC]",
		events.SyncCompleted:     "[DONE]",
		events.SyncFailed:        "[FAIL]",
		events.ItemQueued:        "[QUE]",
		events.ItemSynced:        "[OK]",
		events.ItemRetry:         "[RTY]",
		events.ItemFailed:        "[ERR]",
		events.ItemBlocked:       "[WAIT]",
		events.ConnectionChanged: "[NET]",
	}
	label, ok := labels[t]
	if !ok {
		return subtleStyle.Render("[???]")
	}
	return eventBadges[t].Render(label)
}
