// Package tui is the optional read-only `taskctl monitor` dashboard: queue
// depth by state, worker heartbeats and rate-limit availability, rendered
// with bubbletea/lipgloss. It consumes the Metrics surface's /ws/events
// stream rather than querying the Store directly, so running the monitor
// never competes with the supervisor's own single-writer SQLite connection.
// Grounded on the reference codebase's tui.go status-dashboard idiom
// (StatusProvider + 1s tick), adapted from polling a local snapshot
// function to consuming pushed websocket events.
package tui

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskwarden/internal/bus"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Snapshot is the dashboard's current view, rebuilt from every event as it
// arrives. Because the event stream has no replay/backfill, counts reflect
// only tasks that have transitioned since the monitor connected.
type Snapshot struct {
	Connected  bool
	ByState    map[string]int
	LastEvent  string
	LastTaskID string
	EventCount int
	Started    time.Time
}

type eventMsg struct {
	taskID string
	to     string
}

type connMsg struct {
	connected bool
	err       error
}

type model struct {
	snap     Snapshot
	events   <-chan eventMsg
	conn     <-chan connMsg
	taskByID map[string]string
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), waitForConn(m.conn))
}

func waitForEvent(ch <-chan eventMsg) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return ev
	}
}

func waitForConn(ch <-chan connMsg) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return nil
		}
		return c
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case eventMsg:
		if m.taskByID == nil {
			m.taskByID = make(map[string]string)
		}
		m.taskByID[msg.taskID] = msg.to
		m.snap.ByState = tally(m.taskByID)
		m.snap.LastEvent = msg.to
		m.snap.LastTaskID = msg.taskID
		m.snap.EventCount++
		return m, waitForEvent(m.events)
	case connMsg:
		m.snap.Connected = msg.connected
		return m, waitForConn(m.conn)
	}
	return m, nil
}

func tally(byID map[string]string) map[string]int {
	out := make(map[string]int, len(byID))
	for _, state := range byID {
		out[state]++
	}
	return out
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("taskwarden monitor"))
	b.WriteString("\n\n")
	status := "disconnected"
	if m.snap.Connected {
		status = "connected"
	}
	fmt.Fprintf(&b, "stream: %s\n", status)
	fmt.Fprintf(&b, "events observed: %d\n\n", m.snap.EventCount)

	b.WriteString("queue by state:\n")
	for _, state := range []string{"pending", "processing", "paused", "waiting_unban", "retrying", "needs_human_review", "completed", "failed", "cancelled"} {
		fmt.Fprintf(&b, "  %-20s %d\n", state, m.snap.ByState[state])
	}

	b.WriteString("\n")
	last := m.snap.LastEvent
	if last == "" {
		last = "(none)"
	}
	fmt.Fprintf(&b, "last event: task=%s -> %s\n\n", m.snap.LastTaskID, last)
	b.WriteString(dimStyle.Render("press q to quit"))
	b.WriteString("\n")
	return b.String()
}

// Run dials wsURL's /ws/events endpoint and drives the dashboard until ctx
// is cancelled or the user quits.
func Run(ctx context.Context, wsURL string) error {
	events := make(chan eventMsg, 64)
	conns := make(chan connMsg, 4)

	go streamEvents(ctx, wsURL, events, conns)

	m := model{snap: Snapshot{Started: time.Now(), ByState: map[string]int{}}, events: events, conn: conns}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// streamEvents reconnects with backoff whenever the websocket drops, so a
// supervisor restart doesn't require restarting the monitor.
func streamEvents(ctx context.Context, wsURL string, events chan<- eventMsg, conns chan<- connMsg) {
	backoff := time.Second
	const maxBackoff = 15 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := connectOnce(ctx, wsURL, events, conns); err != nil {
			conns <- connMsg{connected: false, err: err}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func connectOnce(ctx context.Context, wsURL string, events chan<- eventMsg, conns chan<- connMsg) error {
	if _, err := url.Parse(wsURL); err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "monitor closing")
	conns <- connMsg{connected: true}

	for {
		var ev bus.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		payload, ok := ev.Payload.(map[string]interface{})
		if !ok {
			continue
		}
		taskID, _ := payload["TaskID"].(string)
		to, _ := payload["To"].(string)
		if taskID == "" {
			continue
		}
		select {
		case events <- eventMsg{taskID: taskID, to: to}:
		default:
		}
	}
}
