// Command cli is a terminal front end for datachat.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	go run ./cmd/cli [data.csv]
//
// Commands:
//
//	/load <path> - Upload a CSV file
//	/reset       - Clear answers and close the sandbox
//	/exit        - Exit the program
//	<query>      - Ask a question about the data
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/datachat/pkg/app"
	"github.com/nstogner/datachat/pkg/config"
	"github.com/nstogner/datachat/pkg/dataset"
	"github.com/nstogner/datachat/pkg/domain"
	"github.com/nstogner/datachat/pkg/logging"
	"github.com/nstogner/datachat/pkg/render"
	"github.com/nstogner/datachat/pkg/runner"
	"github.com/nstogner/datachat/pkg/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	datasetStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	activityStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true).Padding(0, 1)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

// maxActivity is how many recent agent activity lines are shown.
const maxActivity = 8

type state int

const (
	stateChatting state = iota
	stateConfirmExit
)

type errMsg struct{ err error }
type eventMsg domain.Event
type eventsClosedMsg struct{}
type answerMsg struct{}
type loadedMsg struct{ d *dataset.Dataset }
type resetMsg struct{}

type model struct {
	ctx    context.Context
	runner *runner.Runner
	st     *session.State
	events <-chan domain.Event

	state    state
	busy     bool
	width    int
	height   int
	err      error
	warning  string
	activity []string

	viewport viewport.Model
	textarea textarea.Model
	term     *render.Terminal
}

func initialModel(ctx context.Context, r *runner.Runner, st *session.State, events <-chan domain.Event) model {
	ta := textarea.New()
	ta.Placeholder = "Ask a question, or /load <file.csv>"
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 1000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	// Use "light" style to avoid terminal queries that leak into input
	term, err := render.NewTerminal("light", 80)
	if err != nil {
		slog.Error("Failed to create terminal renderer", "error", err)
	}

	m := model{
		ctx:      ctx,
		runner:   r,
		st:       st,
		events:   events,
		state:    stateChatting,
		viewport: vp,
		textarea: ta,
		term:     term,
		err:      err,
	}
	m.viewport.SetContent(m.content())
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the textarea while chatting.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 4 // Header + status + margins
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		// Recreate renderer with new width
		term, err := render.NewTerminal("light", max(m.width-4, 20))
		if err != nil {
			slog.Error("Failed to create terminal renderer", "error", err)
			m.err = fmt.Errorf("creating renderer: %w", err)
		} else {
			m.term = term
		}
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			m.state = stateConfirmExit
			return m, nil
		case tea.KeyEnter:
			if m.state == stateChatting && !m.busy {
				return m.submit()
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Sequence(m.endSessionCmd(), tea.Quit)
				case "n", "N":
					m.state = stateChatting
					return m, nil
				}
			}
		}

	case eventMsg:
		if line := activityLine(domain.Event(msg)); line != "" {
			m.activity = append(m.activity, line)
			if len(m.activity) > maxActivity {
				m.activity = m.activity[len(m.activity)-maxActivity:]
			}
		}
		m.refresh()
		cmds = append(cmds, waitForEvent(m.events))

	case eventsClosedMsg:
		// Session ended.

	case answerMsg:
		m.busy = false
		m.activity = nil
		m.refresh()

	case loadedMsg:
		m.busy = false
		m.warning = ""
		m.activity = nil
		m.refresh()

	case resetMsg:
		m.busy = false
		m.activity = nil
		m.refresh()

	case errMsg:
		m.busy = false
		if errors.Is(msg.err, runner.ErrBlankQuery) || errors.Is(msg.err, runner.ErrNoDataset) {
			m.warning = msg.err.Error()
		} else {
			m.err = msg.err
		}
		m.refresh()
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if m.state == stateConfirmExit {
		header := titleStyle.Render("Confirm Exit")
		prompt := "End Session? (y/n)"
		subtext := "Ending the session will remove the sandbox."

		return lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			"",
			prompt,
			subtext,
		)
	}

	var status string
	switch {
	case m.err != nil:
		status = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	case m.warning != "":
		status = warningStyle.Width(m.width).Render(m.warning)
	case m.busy:
		status = activityStyle.Render("Working...")
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Data Chat"),
		"",
		m.viewport.View(),
		status,
		m.textarea.View(),
	)
}

func (m *model) refresh() {
	m.viewport.SetContent(m.content())
	m.viewport.GotoBottom()
}

// content renders the dataset summary, every answer and recent activity.
func (m model) content() string {
	var sb strings.Builder
	if d := m.st.Dataset(); d != nil {
		sb.WriteString(datasetStyle.Render(fmt.Sprintf("Dataset: %s (%d rows)", d.Name, len(d.Rows))))
		sb.WriteString("\n")
		sb.WriteString(d.Description())
		sb.WriteString("\n")
	} else {
		sb.WriteString("Please upload a file with /load <path>.\n")
	}

	if m.term == nil {
		if len(m.st.Answers()) > 0 {
			sb.WriteString(errorStyle.Render("Error rendering answers: renderer not ready"))
			sb.WriteString("\n")
		}
	} else {
		out, err := m.term.Answers(m.st.Answers())
		if err != nil {
			sb.WriteString(errorStyle.Render("Error rendering answers: " + err.Error()))
			sb.WriteString("\n")
		} else {
			sb.WriteString(out)
		}
	}

	for _, line := range m.activity {
		sb.WriteString(activityStyle.Render(line))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m model) submit() (tea.Model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	m.textarea.Reset()
	m.err = nil
	m.warning = ""

	switch {
	case v == "/exit":
		m.state = stateConfirmExit
		return m, nil
	case v == "/reset":
		m.busy = true
		return m, m.resetCmd()
	case strings.HasPrefix(v, "/load"):
		path := strings.TrimSpace(strings.TrimPrefix(v, "/load"))
		if path == "" {
			m.warning = "Usage: /load <path>"
			return m, nil
		}
		m.busy = true
		return m, m.loadCmd(path)
	default:
		m.busy = true
		return m, m.queryCmd(v)
	}
}

func (m model) queryCmd(query string) tea.Cmd {
	return func() tea.Msg {
		if _, err := m.runner.Submit(m.ctx, m.st, query); err != nil {
			return errMsg{err}
		}
		return answerMsg{}
	}
}

func (m model) loadCmd(path string) tea.Cmd {
	return func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return errMsg{err}
		}
		defer f.Close()
		d, err := m.runner.Upload(m.ctx, m.st, filepath.Base(path), f)
		if err != nil {
			return errMsg{err}
		}
		return loadedMsg{d}
	}
}

func (m model) resetCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.runner.Reset(m.ctx, m.st); err != nil {
			return errMsg{err}
		}
		return resetMsg{}
	}
}

func (m model) endSessionCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.runner.End(m.ctx, m.st.ID()); err != nil {
			slog.Error("Failed to end session", "error", err)
		}
		return nil
	}
}

func activityLine(ev domain.Event) string {
	switch ev.Type {
	case domain.EventToolCall:
		return "[Tool Usage] " + firstLine(ev.Content)
	case domain.EventToolResult:
		return "[Tool Result] " + firstLine(ev.Content)
	case domain.EventStdout, domain.EventStderr:
		return "  " + ev.Content
	case domain.EventArtifact:
		return "[Chart] " + ev.Content
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func waitForEvent(ch <-chan domain.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// --- Main ---

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log to a file so output does not interfere with the TUI.
	f, err := os.OpenFile("datachat.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()

	slog.SetDefault(logging.New(f, logging.ParseLevel(cfg.LogLevel)))

	// The terminal session lives as long as the process; idle sweeping
	// would end it underneath the UI.
	cfg.SessionIdle = 0
	slog.Info("Logging initialized", "config", cfg)

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())
	go a.Run(ctx)

	st := a.Runner.Sessions().New()
	events, unsubscribe := st.Subscribe()
	defer unsubscribe()

	m := initialModel(ctx, a.Runner, st, events)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if len(os.Args) > 1 {
		load := m.loadCmd(os.Args[1])
		go func() { p.Send(load()) }()
	}

	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
