// Package prompt renders the interactive mode menu.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/hedgebot/internal/domain"
)

// ModeBack is returned when the rebuild submenu is left without choosing.
const ModeBack domain.Mode = -1

// ErrAborted is returned when the user quits the menu.
var ErrAborted = errors.New("menu aborted")

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Choose key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k")),
	Down:   key.NewBinding(key.WithKeys("down", "j")),
	Choose: key.NewBinding(key.WithKeys("enter", " ")),
	Quit:   key.NewBinding(key.WithKeys("ctrl+c", "q", "esc")),
}

// Item is one menu entry.
type Item struct {
	Mode     domain.Mode
	Text     string
	Numbered bool
}

// MainItems lists the top-level modes. holdSide is BUY or SELL.
func MainItems(holdSide domain.Side) []Item {
	holding := "(Buy)"
	if holdSide == domain.SideSell {
		holding = "(Sell)"
	}
	return []Item{
		{Mode: domain.ModeRebuildMenu, Text: domain.ModeRebuildMenu.String()},
		{Mode: domain.ModeSingle, Text: domain.ModeSingle.String(), Numbered: true},
		{Mode: domain.ModePairs, Text: domain.ModePairs.String(), Numbered: true},
		{Mode: domain.ModeLimitHold, Text: domain.ModeLimitHold.String() + " " + holding, Numbered: true},
		{Mode: domain.ModeSellAll, Text: domain.ModeSellAll.String(), Numbered: true},
		{Mode: domain.ModeParse, Text: domain.ModeParse.String(), Numbered: true},
	}
}

// RebuildItems lists the store rebuild choices.
func RebuildItems() []Item {
	return []Item{
		{Mode: ModeBack, Text: "← Exit"},
		{Mode: domain.ModeRebuildSingle, Text: domain.ModeRebuildSingle.String()},
		{Mode: domain.ModeRebuildGroups, Text: domain.ModeRebuildGroups.String()},
	}
}

type menuModel struct {
	title   string
	items   []Item
	cursor  int
	chosen  *Item
	aborted bool
}

func newMenuModel(title string, items []Item) menuModel {
	return menuModel{title: title, items: items}
}

func (m menuModel) Init() tea.Cmd {
	return nil
}

func (m menuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch {
	case key.Matches(keyMsg, keys.Quit):
		m.aborted = true
		return m, tea.Quit
	case key.Matches(keyMsg, keys.Up):
		// the list wraps around
		m.cursor = (m.cursor - 1 + len(m.items)) % len(m.items)
	case key.Matches(keyMsg, keys.Down):
		m.cursor = (m.cursor + 1) % len(m.items)
	case key.Matches(keyMsg, keys.Choose):
		item := m.items[m.cursor]
		m.chosen = &item
		return m, tea.Quit
	}
	return m, nil
}

func (m menuModel) View() string {
	if m.chosen != nil || m.aborted {
		return ""
	}

	var b strings.Builder
	n := 0
	for i, item := range m.items {
		text := item.Text
		if item.Numbered {
			n++
			text = fmt.Sprintf("%d. %s", n, text)
		}
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("👉 " + text))
		} else {
			b.WriteString("   " + text)
		}
		if i < len(m.items)-1 {
			b.WriteByte('\n')
		}
	}

	hints := mutedStyle.Render("↑/↓ move • enter choose • q quit")
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(m.title), panelStyle.Render(b.String()), hints) + "\n"
}

// Menu asks which mode to run.
type Menu struct {
	in       io.Reader
	out      io.Writer
	holdSide domain.Side
}

// NewMenu creates a menu reading keys from in and drawing to out.
func NewMenu(in io.Reader, out io.Writer, holdSide domain.Side) *Menu {
	return &Menu{in: in, out: out, holdSide: holdSide}
}

// Choose shows the main menu and, for a rebuild, the rebuild submenu. It
// returns ModeBack when the submenu is left and ErrAborted on quit.
func (m *Menu) Choose() (domain.Mode, error) {
	mode, err := m.ask("🚀 Choose mode", MainItems(m.holdSide))
	if err != nil || mode != domain.ModeRebuildMenu {
		return mode, err
	}
	return m.ask("💾 You want to delete current and create new database?", RebuildItems())
}

func (m *Menu) ask(title string, items []Item) (domain.Mode, error) {
	p := tea.NewProgram(newMenuModel(title, items), tea.WithInput(m.in), tea.WithOutput(m.out))
	final, err := p.Run()
	if err != nil {
		return 0, fmt.Errorf("menu failed: %w", err)
	}
	fm, ok := final.(menuModel)
	if !ok || fm.aborted || fm.chosen == nil {
		return 0, ErrAborted
	}
	return fm.chosen.Mode, nil
}
