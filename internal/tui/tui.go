// Package tui is the terminal front-end of the I/O panel.
package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ham-lab-isu/K2craft/internal/panel"
)

const (
	tickRate      = 250 * time.Millisecond
	pinsPerRow    = 8
	telemetryTail = 10
)

// Panel is what the terminal panel drives. *panel.Panel implements it.
type Panel interface {
	Layout() panel.Layout
	Outputs() []panel.Output
	Toggle(channel, pin int) (bool, error)
	Replay() error
	Telemetry(n int) []panel.Telemetry
	Connected() bool
}

type tickMsg time.Time

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("34"))
	lowStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("160"))
	cursorStyle  = lipgloss.NewStyle().Underline(true).Bold(true)
	latchedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("28"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type model struct {
	panel     Panel
	outputs   []panel.Output
	telemetry []panel.Telemetry
	connected bool
	cursor    int
	lastMsg   string
	lastErr   string
	width     int
}

func newModel(p Panel) model {
	m := model{panel: p}
	m.refresh()
	return m
}

func (m *model) refresh() {
	m.outputs = m.panel.Outputs()
	m.telemetry = m.panel.Telemetry(telemetryTail)
	m.connected = m.panel.Connected()
	if m.cursor >= len(m.outputs) {
		m.cursor = len(m.outputs) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m model) Init() tea.Cmd { return tickCmd() }

func tickCmd() tea.Cmd {
	return tea.Tick(tickRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.refresh()
		return m, tickCmd()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "left", "h":
			m.move(-1)
		case "right", "l":
			m.move(1)
		case "up", "k":
			m.move(-pinsPerRow)
		case "down", "j":
			m.move(pinsPerRow)
		case " ", "enter":
			m.toggle()
		case "r":
			m.lastMsg, m.lastErr = "", ""
			if err := m.panel.Replay(); err != nil {
				m.lastErr = "replay: " + err.Error()
			} else {
				m.lastMsg = "outputs replayed"
			}
		}
		m.refresh()
	}
	return m, nil
}

func (m *model) move(d int) {
	n := m.cursor + d
	if n < 0 || n >= len(m.outputs) {
		return
	}
	m.cursor = n
}

func (m *model) toggle() {
	if len(m.outputs) == 0 {
		return
	}
	o := m.outputs[m.cursor]
	m.lastMsg, m.lastErr = "", ""
	on, err := m.panel.Toggle(o.Channel, o.Pin)
	switch {
	case errors.Is(err, panel.ErrLatched):
		m.lastErr = fmt.Sprintf("pin %s is latched high", o.PinRef)
	case err != nil && on != o.On:
		m.lastErr = fmt.Sprintf("pin %s set %s but not sent: %v", o.PinRef, level(on), err)
	case err != nil:
		m.lastErr = err.Error()
	default:
		m.lastMsg = fmt.Sprintf("pin %s set %s", o.PinRef, level(on))
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")
	b.WriteString(boxStyle.Render(m.outputGrid()))
	b.WriteString("\n")
	b.WriteString(m.inputs())
	b.WriteString("\n\n")
	b.WriteString(boxStyle.Render(m.telemetryView()))
	b.WriteString("\n")
	if m.lastErr != "" {
		b.WriteString(errStyle.Render(m.lastErr))
	} else if m.lastMsg != "" {
		b.WriteString(okStyle.Render(m.lastMsg))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("arrows/hjkl move  space toggle  r replay  q quit"))
	return b.String()
}

func (m model) header() string {
	status := errStyle.Render("● disconnected")
	if m.connected {
		status = okStyle.Render("● connected")
	}
	return lipgloss.JoinHorizontal(lipgloss.Center, titleStyle.Render("K2craft I/O panel"), "  ", status)
}

func (m model) outputGrid() string {
	var b strings.Builder
	channel := -1
	col := 0
	for i, o := range m.outputs {
		if o.Channel != channel {
			if channel != -1 {
				b.WriteString("\n")
			}
			channel = o.Channel
			col = 0
			b.WriteString(fmt.Sprintf("Channel %d outputs\n", channel))
		} else if col%pinsPerRow == 0 {
			b.WriteString("\n")
		}
		cell := fmt.Sprintf(" %2d %s ", o.Pin, shortLevel(o.On))
		style := lowStyle
		switch {
		case o.Latched:
			style = latchedStyle
		case o.On:
			style = highStyle
		}
		if i == m.cursor {
			style = style.Copy().Inherit(cursorStyle)
		}
		b.WriteString(style.Render(cell))
		b.WriteString(" ")
		col++
	}
	return b.String()
}

func (m model) inputs() string {
	l := m.panel.Layout()
	if len(l.InputChannels) == 0 {
		return ""
	}
	chans := make([]string, len(l.InputChannels))
	for i, c := range l.InputChannels {
		chans[i] = fmt.Sprint(c)
	}
	return dimStyle.Render(fmt.Sprintf("Input channels %s, %d pins each (state arrives as telemetry)",
		strings.Join(chans, ", "), l.Pins))
}

func (m model) telemetryView() string {
	if len(m.telemetry) == 0 {
		return dimStyle.Render("no telemetry yet")
	}
	lines := make([]string, len(m.telemetry))
	for i, t := range m.telemetry {
		lines[i] = dimStyle.Render(t.At.Format("15:04:05.000")) + " " + strings.TrimRight(t.Text, "\r\n")
	}
	return strings.Join(lines, "\n")
}

func level(on bool) string {
	if on {
		return "high"
	}
	return "low"
}

func shortLevel(on bool) string {
	if on {
		return "HI"
	}
	return "lo"
}

// Run shows the panel until the operator quits.
func Run(p Panel) error {
	prog := tea.NewProgram(newModel(p), tea.WithAltScreen())
	_, err := prog.Run()
	return err
}
