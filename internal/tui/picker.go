// Package tui provides the interactive terminal surfaces: an
// environment picker and a live activation monitor.
package tui

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/envgate/internal/catalog"
)

var (
	pickerTitleStyle = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle  = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle        = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle    = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

type pickerItem struct {
	candidate catalog.Candidate
	active    bool
}

func (i pickerItem) Title() string {
	marker := "   "
	if i.active {
		marker = " ● "
	}
	return marker + i.candidate.DisplayName
}

func (i pickerItem) Description() string {
	return fmt.Sprintf("%s  %s", i.candidate.ID, i.candidate.VenvPath)
}

func (i pickerItem) FilterValue() string { return i.candidate.DisplayName }

// Picker lets the user choose one activation candidate from the
// catalog. The currently active candidate, if any, is marked.
type Picker struct {
	list     list.Model
	choice   *catalog.Candidate
	quitting bool
}

// NewPicker builds a Picker over candidates. activeID marks the
// currently active candidate and may be empty.
func NewPicker(candidates []catalog.Candidate, activeID string) *Picker {
	sorted := make([]catalog.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		if sorted[i].Python != sorted[j].Python {
			return catalog.CompareVersions(sorted[i].Python, sorted[j].Python) < 0
		}
		return sorted[i].ID < sorted[j].ID
	})

	items := make([]list.Item, 0, len(sorted))
	for _, c := range sorted {
		items = append(items, pickerItem{candidate: c, active: c.ID == activeID})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select environment (Enter to activate, q to cancel)"
	l.Styles.Title = pickerTitleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return &Picker{list: l}
}

func (m Picker) Init() tea.Cmd {
	return nil
}

func (m Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit

		case "enter":
			if i, ok := m.list.SelectedItem().(pickerItem); ok {
				chosen := i.candidate
				m.choice = &chosen
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Picker) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.choice != nil {
		return quitTextStyle.Render("Activating " + m.choice.DisplayName)
	}
	return "\n" + m.list.View()
}

// Choice returns the picked candidate, or nil when the picker was
// cancelled. Valid after the program has finished.
func (m Picker) Choice() *catalog.Candidate {
	return m.choice
}

// RunPicker runs the picker to completion and returns the chosen
// candidate, or nil on cancel.
func RunPicker(candidates []catalog.Candidate, activeID string) (*catalog.Candidate, error) {
	final, err := tea.NewProgram(NewPicker(candidates, activeID)).Run()
	if err != nil {
		return nil, fmt.Errorf("picker failed: %w", err)
	}
	if m, ok := final.(Picker); ok {
		return m.Choice(), nil
	}
	return nil, nil
}
