package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// model is a module browser. No icons, plain text only.
type model struct {
	items    []modules.Metadata
	cursor   int
	detail   bool
	chosen   string
	quitting bool
}

func newModel(reg *modules.Registry) model {
	var items []modules.Metadata
	for md := range reg.List() {
		items = append(items, md)
	}
	return model{items: items}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "q", "esc", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "d", "tab":
		m.detail = !m.detail
	case "enter", "u":
		if len(m.items) > 0 {
			m.chosen = m.items[m.cursor].Name
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting || m.chosen != "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("mop modules") + "\n\n")
	if len(m.items) == 0 {
		b.WriteString("No modules loaded.\n")
	}
	for i, md := range m.items {
		line := fmt.Sprintf("%s (%s)", md.Name, md.Revision)
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> "+line) + "\n")
			if m.detail {
				b.WriteString("    " + md.Description + "\n")
			}
			continue
		}
		b.WriteString("  " + line + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("up/down move, d describe, enter use, q quit") + "\n")
	return b.String()
}

// Run shows the browser and returns the module picked with enter, or ""
// when the user quit without choosing.
func Run(reg *modules.Registry) (string, error) {
	final, err := tea.NewProgram(newModel(reg)).Run()
	if err != nil {
		return "", err
	}
	return final.(model).chosen, nil
}
