package monitor

import (
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

// Panel represents which panel is active
type Panel int

const (
	PanelQueue Panel = iota
	PanelActivity
)

const maxActivity = 200

// Model is the main Bubble Tea model for the monitor TUI
type Model struct {
	Source     Source
	Connection func() models.ConnectionState
	Events     <-chan events.Event // nil when no daemon stream is attached

	// Window dimensions
	Width  int
	Height int

	// Panel data
	Queue    QueueData
	Sync     *models.SyncState
	Conn     models.ConnectionState
	Activity []ActivityItem // newest first
	Syncing  bool

	// UI state
	ActivePanel  Panel
	ScrollOffset map[Panel]int
	ShowHelp     bool
	LastRefresh  time.Time
	Err          error

	spinner spinner.Model
	now     func() time.Time

	// Configuration
	RefreshInterval time.Duration
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 12

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Queue     QueueData
	Sync      *models.SyncState
	Err       error
	Timestamp time.Time
}

// EventMsg carries one lifecycle event from the daemon stream
type EventMsg events.Event

// streamClosedMsg is sent when the event channel closes
type streamClosedMsg struct{}

// NewModel creates a new monitor model
func NewModel(src Source, conn func() models.ConnectionState, stream <-chan events.Event, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle))
	return Model{
		Source:          src,
		Connection:      conn,
		Events:          stream,
		RefreshInterval: interval,
		ScrollOffset:    make(map[Panel]int),
		ActivePanel:     PanelQueue,
		spinner:         sp,
		now:             time.Now,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
		m.listen(),
		m.spinner.Tick,
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Err = msg.Err
		if msg.Err == nil {
			m.Queue = msg.Queue
			m.Sync = msg.Sync
		}
		if m.Connection != nil {
			m.Conn = m.Connection()
		}
		m.LastRefresh = msg.Timestamp
		return m, nil

	case EventMsg:
		m = m.applyEvent(events.Event(msg))
		cmds := []tea.Cmd{m.listen()}
		// queue contents changed; refresh now rather than on the next tick
		switch msg.Type {
		case events.ItemQueued, events.ItemSynced, events.ItemFailed, events.SyncCompleted, events.SyncFailed:
			cmds = append(cmds, m.fetchData())
		}
		return m, tea.Batch(cmds...)

	case streamClosedMsg:
		m.Events = nil
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) applyEvent(e events.Event) Model {
	switch e.Type {
	case events.SyncStarted:
		m.Syncing = true
	case events.SyncCompleted, events.SyncFailed:
		m.Syncing = false
	case events.ConnectionChanged:
		if e.Connection != nil {
			m.Conn = *e.Connection
		}
	}
	if a, ok := activityFrom(e); ok {
		m.Activity = append([]ActivityItem{a}, m.Activity...)
		if len(m.Activity) > maxActivity {
			m.Activity = m.Activity[:maxActivity]
		}
	}
	return m
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab", "shift+tab":
		m.ActivePanel = (m.ActivePanel + 1) % 2
		return m, nil

	case "1":
		m.ActivePanel = PanelQueue
		return m, nil

	case "2":
		m.ActivePanel = PanelActivity
		return m, nil

	case "j", "down":
		m.ScrollOffset[m.ActivePanel]++
		return m, nil

	case "k", "up":
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}
		return m, nil

	case "r":
		return m, m.fetchData()

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that fetches all data and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	src, now := m.Source, m.now
	return func() tea.Msg {
		return FetchData(src, now())
	}
}

// listen waits for the next streamed event
func (m Model) listen() tea.Cmd {
	ch := m.Events
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return EventMsg(e)
	}
}

func itoa(n int) string { return strconv.Itoa(n) }
