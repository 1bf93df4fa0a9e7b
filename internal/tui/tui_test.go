package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ham-lab-isu/K2craft/internal/panel"
	"github.com/ham-lab-isu/K2craft/internal/transport"
)

type fakeSender struct{ connected bool }

func (s *fakeSender) SetOutput(int, int, bool) error {
	if !s.connected {
		return transport.ErrNoActiveConnection
	}
	return nil
}

func (s *fakeSender) IsConnected() bool { return s.connected }

func newTestModel(t *testing.T, connected bool) (model, *panel.Panel) {
	t.Helper()
	p, err := panel.New(panel.Config{Layout: panel.DefaultLayout(), Sender: &fakeSender{connected: connected}})
	require.NoError(t, err)
	return newModel(p), p
}

func key(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func press(m model, keys ...string) model {
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(model)
	}
	return m
}

func TestToggleUnderCursor(t *testing.T) {
	m, p := newTestModel(t, true)
	m = press(m, "right", "right", " ")

	o, err := p.Output(3, 3)
	require.NoError(t, err)
	assert.True(t, o.On)
	assert.Contains(t, m.lastMsg, "3:3 set high")
	assert.Empty(t, m.lastErr)
}

func TestToggleLatchedReportsError(t *testing.T) {
	m, _ := newTestModel(t, true)
	m = press(m, "down", " ") // row two starts at pin 9
	assert.Equal(t, 8, m.cursor)
	assert.Contains(t, m.lastErr, "latched")
}

func TestToggleWhileDisconnected(t *testing.T) {
	m, p := newTestModel(t, false)
	m = press(m, " ")
	o, err := p.Output(3, 1)
	require.NoError(t, err)
	assert.True(t, o.On, "state is remembered")
	assert.Contains(t, m.lastErr, "not sent")
}

func TestCursorStaysInBounds(t *testing.T) {
	m, _ := newTestModel(t, true)
	m = press(m, "h", "k")
	assert.Equal(t, 0, m.cursor)
	for i := 0; i < 40; i++ {
		m = press(m, "l")
	}
	assert.Equal(t, 15, m.cursor)
}

func TestViewShowsConnectionAndTelemetry(t *testing.T) {
	m, p := newTestModel(t, false)
	assert.Contains(t, m.View(), "disconnected")
	assert.Contains(t, m.View(), "no telemetry yet")

	p.Receive("IN:1:3:1")
	next, cmd := m.Update(tickMsg(time.Now()))
	m = next.(model)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "IN:1:3:1")
	assert.Contains(t, m.View(), "Channel 3 outputs")
}

func TestQuit(t *testing.T) {
	m, _ := newTestModel(t, true)
	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
