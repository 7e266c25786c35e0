package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/envgate/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusNone   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

type workspaceRow struct {
	Name    string
	Current string
	Since   time.Time
}

// Monitor shows live per-workspace activation state and the event
// stream, fed by the HTTP API.
type Monitor struct {
	apiURL string
	apiKey string

	width  int
	height int

	workspaces map[string]*workspaceRow
	eventLog   []events.Event
	hubEvents  chan events.Event

	health struct {
		Status        string
		UptimeSeconds int64
		Workspaces    int
	}

	wsTable table.Model
}

type eventMsg events.Event
type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workspaces    int    `json:"workspaces"`
}
type errMsg error

// --- Init ---

func NewMonitor(apiURL, apiKey string) *Monitor {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Workspace", Width: 18},
			{Title: "Current", Width: 44},
			{Title: "Since", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Monitor{
		apiURL:     apiURL,
		apiKey:     apiKey,
		workspaces: make(map[string]*workspaceRow),
		eventLog:   make([]events.Event, 0),
		hubEvents:  make(chan events.Event, 100),
		wsTable:    t,
	}
}

func (m Monitor) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.pollHealth(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.wsTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, m.receiveNextEvent()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Workspaces = msg.Workspaces
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return m.fetchHealth()
		})

	case errMsg:
		// Shown indirectly as a stale header; stream reconnect is
		// left to restarting the monitor.
	}

	m.wsTable, cmd = m.wsTable.Update(msg)
	return m, cmd
}

func (m *Monitor) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}

	if e.Type != events.TypeSelectionChanged {
		return
	}

	var change events.SelectionChange
	if err := json.Unmarshal(e.Data, &change); err != nil || change.Workspace == "" {
		return
	}

	row, ok := m.workspaces[change.Workspace]
	if !ok {
		row = &workspaceRow{Name: change.Workspace}
		m.workspaces[change.Workspace] = row
	}
	row.Current = change.New
	row.Since = e.At
}

func (m *Monitor) updateTable() {
	names := make([]string, 0, len(m.workspaces))
	for name := range m.workspaces {
		names = append(names, name)
	}
	// Stable order keeps the cursor from jumping between events.
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	var rows []table.Row
	for _, name := range names {
		row := m.workspaces[name]
		current := statusNone.Render("(none)")
		if row.Current != "" {
			current = statusOK.Render(row.Current)
		}
		since := "-"
		if !row.Since.IsZero() {
			since = row.Since.Format("15:04:05")
		}
		rows = append(rows, table.Row{row.Name, current, since})
	}
	m.wsTable.SetRows(rows)
}

// --- View ---

func (m Monitor) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	workspacesView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Workspaces"),
			m.wsTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			workspacesView,
			eventsView,
			help,
		),
	)
}

func (m Monitor) renderHeader() string {
	status := statusOK.Render("RUNNING")
	if m.health.Status != "ok" && m.health.Status != "" {
		status = statusFailed.Render("DEGRADED")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Workspaces: %d", m.health.Workspaces),
	}

	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width((m.width-4)/3).Render(items[0]),
			lipgloss.NewStyle().Width((m.width-4)/3).Render(items[1]),
			lipgloss.NewStyle().Width((m.width-4)/3).Render(items[2]),
		),
	)
}

func (m Monitor) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-18s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// RunMonitor runs the monitoring TUI until the user quits.
func RunMonitor(apiURL, apiKey string) error {
	_, err := tea.NewProgram(NewMonitor(apiURL, apiKey), tea.WithAltScreen()).Run()
	return err
}

// --- Commands ---

func (m Monitor) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{}
		req, _ := http.NewRequest("GET", m.apiURL+"/events", nil)
		req.Header.Set("Authorization", "Bearer "+m.apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var eventType string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventType = line[len("event: "):]
			case strings.HasPrefix(line, "data: "):
				var ev events.Event
				ev.Type = eventType
				ev.At = time.Now()
				ev.Data = []byte(line[len("data: "):])
				m.hubEvents <- ev
				eventType = ""
			}
		}
		return nil
	}
}

func (m Monitor) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.hubEvents)
	}
}

func (m Monitor) pollHealth() tea.Cmd {
	return func() tea.Msg {
		return m.fetchHealth()
	}
}

func (m Monitor) fetchHealth() tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, _ := http.NewRequest("GET", m.apiURL+"/healthz", nil)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
