package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxLogLines = 2000

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// model is the BubbleTea model driving portal-watch: a scrollback
// viewport of formatted events and a command line for watch_session/
// stop_watching requests.
type model struct {
	cli *client

	vp    viewport.Model
	input textinput.Model

	log      []string
	watching map[string]bool
	sessions map[string]string // id -> transport, from active_sessions/session_started

	width, height int
	status        string
}

func newModel(cli *client) model {
	ti := textinput.New()
	ti.Placeholder = "watch <session-id> | unwatch <session-id> | quit"
	ti.Prompt = "> "
	ti.Focus()

	return model{
		cli:      cli,
		input:    ti,
		watching: make(map[string]bool),
		sessions: make(map[string]string),
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.cli)
}

type eventMsg map[string]any
type connErrMsg error

func waitForEvent(c *client) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return connErrMsg(fmt.Errorf("monitor connection closed"))
			}
			return eventMsg(ev)
		case err := <-c.errs:
			return connErrMsg(err)
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp = viewport.New(msg.Width, msg.Height-3)
		m.vp.SetContent(strings.Join(m.log, "\n"))
		m.input.Width = msg.Width - 2
		return m, nil

	case eventMsg:
		m.applyEvent(msg)
		m.vp.SetContent(strings.Join(m.log, "\n"))
		m.vp.GotoBottom()
		return m, waitForEvent(m.cli)

	case connErrMsg:
		m.status = fmt.Sprintf("disconnected: %v", error(msg))
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			cmd := m.runCommand(m.input.Value())
			m.input.SetValue("")
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) applyEvent(ev map[string]any) {
	switch ev["type"] {
	case "active_sessions":
		sessions, _ := ev["sessions"].([]any)
		for _, raw := range sessions {
			info, _ := raw.(map[string]any)
			id, _ := info["id"].(string)
			tr, _ := info["transport"].(string)
			if id != "" {
				m.sessions[id] = tr
			}
		}
		m.appendLog(fmt.Sprintf("[snapshot] %d active session(s)", len(sessions)))

	case "session_started":
		info, _ := ev["session"].(map[string]any)
		id, _ := info["id"].(string)
		tr, _ := info["transport"].(string)
		m.sessions[id] = tr
		m.appendLog(fmt.Sprintf("[+] session %s started (%s)", id, tr))

	case "session_ended":
		info, _ := ev["session"].(map[string]any)
		id, _ := info["id"].(string)
		delete(m.sessions, id)
		delete(m.watching, id)
		m.appendLog(fmt.Sprintf("[-] session %s ended", id))

	case "client_input":
		id, _ := ev["session_id"].(string)
		data, _ := ev["data"].(map[string]any)
		text, _ := data["text"].(string)
		m.appendLog(fmt.Sprintf("%s < %s", id, text))

	case "server_message":
		id, _ := ev["session_id"].(string)
		data, _ := ev["data"].(map[string]any)
		text, _ := data["text"].(string)
		m.appendLog(fmt.Sprintf("%s > %s", id, text))

	case "watch_response":
		id, _ := ev["session_id"].(string)
		status, _ := ev["status"].(string)
		m.appendLog(fmt.Sprintf("[watch_response] %s: %s", id, status))
	}
}

func (m *model) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m model) runCommand(raw string) tea.Cmd {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "watch":
		if len(fields) < 2 {
			return nil
		}
		id := fields[1]
		m.watching[id] = true
		_ = m.cli.watchSession(id)
	case "unwatch":
		if len(fields) < 2 {
			return nil
		}
		id := fields[1]
		delete(m.watching, id)
		_ = m.cli.stopWatching(id)
	case "quit":
		return tea.Quit
	}
	return nil
}

func (m model) View() string {
	header := headerStyle.Render(fmt.Sprintf("portal-watch — %d known session(s), watching %d", len(m.sessions), len(m.watching)))
	footer := dimStyle.Render(m.status)
	return fmt.Sprintf("%s\n%s\n%s\n%s", header, m.vp.View(), m.input.View(), footer)
}
