// internal/tui/chat.go
// Package tui provides the interactive terminal chat over the imaging
// knowledge base.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mwiater/imagingrag/internal/answer"
	"github.com/mwiater/imagingrag/internal/logging"
)

// Streamer produces answer events for one question.
type Streamer interface {
	Stream(ctx context.Context, req answer.Request) <-chan answer.Event
}

// Options configure a chat session.
type Options struct {
	SessionID string
	K         int
	Model     string
	Debug     bool
}

// chatTurn is one rendered exchange line.
type chatTurn struct {
	role    string
	content string
}

// model is the Bubble Tea model for the chat screen.
type model struct {
	ctx              context.Context
	streamer         Streamer
	opts             Options
	textArea         textarea.Model
	viewport         viewport.Model
	spinner          spinner.Model
	history          []chatTurn
	responseBuf      strings.Builder
	sources          []answer.Context
	answerModel      string
	events           <-chan answer.Event
	cancel           context.CancelFunc
	isLoading        bool
	err              error
	width, height    int
	requestStartTime time.Time
}

// streamChunkMsg carries one streamed token.
type streamChunkMsg string

// streamEndMsg is sent when the answer completed.
type streamEndMsg struct{ event answer.Event }

// streamErr is sent when the answer failed.
type streamErr struct{ error }

// streamClosedMsg is sent when the stream closed without a terminal event.
type streamClosedMsg struct{}

// tickMsg drives the elapsed-time display.
type tickMsg time.Time

func initialModel(ctx context.Context, streamer Streamer, opts Options) *model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ta := textarea.New()
	ta.Placeholder = "Ask about X-ray, CT, MRI, ultrasound..."
	ta.Focus()
	ta.Prompt = "Ask: "
	ta.ShowLineNumbers = false
	ta.CharLimit = -1
	ta.SetHeight(1)
	ta.KeyMap.InsertNewline.SetEnabled(false)

	return &model{
		ctx:      ctx,
		streamer: streamer,
		opts:     opts,
		textArea: ta,
		viewport: viewport.New(100, 5),
		spinner:  s,
	}
}

// waitForEvent reads the next stream event and maps it onto a message.
func waitForEvent(events <-chan answer.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		switch ev.Type {
		case answer.EventToken:
			return streamChunkMsg(ev.Content)
		case answer.EventEnd:
			return streamEndMsg{event: ev}
		default:
			if ev.Err != nil {
				return streamErr{error: ev.Err}
			}
			return streamErr{error: fmt.Errorf("%s", ev.Error)}
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init starts the spinner animation.
func (m *model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles input and stream messages.
func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.stopStream()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.textArea.SetWidth(msg.Width - 3)
		headerHeight := 3
		footerHeight := 4
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 1)

	case streamChunkMsg:
		m.responseBuf.WriteString(string(msg))
		m.viewport.GotoBottom()
		return m, waitForEvent(m.events)

	case streamEndMsg:
		m.history = append(m.history, chatTurn{role: "assistant", content: m.responseBuf.String()})
		m.responseBuf.Reset()
		m.sources = msg.event.Contexts
		m.answerModel = msg.event.Model
		m.finishStream()
		return m, nil

	case streamErr:
		if m.responseBuf.Len() > 0 {
			m.history = append(m.history, chatTurn{role: "assistant", content: m.responseBuf.String()})
			m.responseBuf.Reset()
		}
		m.err = msg.error
		logging.LogEvent("[TUI] answer failed: %v", msg.error)
		m.finishStream()
		return m, nil

	case streamClosedMsg:
		m.finishStream()
		return m, nil

	case tickMsg:
		if m.isLoading {
			return m, tickCmd()
		}
		return m, nil
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	if !m.isLoading {
		m.textArea, cmd = m.textArea.Update(msg)
		cmds = append(cmds, cmd)

		if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
			if question := strings.TrimSpace(m.textArea.Value()); question != "" {
				cmds = append(cmds, m.ask(question), m.spinner.Tick, tickCmd())
			}
		}
	}

	if m.isLoading {
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// ask starts streaming an answer for question.
func (m *model) ask(question string) tea.Cmd {
	m.history = append(m.history, chatTurn{role: "user", content: question})
	m.textArea.Reset()
	m.sources = nil
	m.err = nil
	m.isLoading = true
	m.requestStartTime = time.Now()

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.events = m.streamer.Stream(ctx, answer.Request{Message: question, K: m.opts.K, SessionID: m.opts.SessionID})
	return waitForEvent(m.events)
}

func (m *model) finishStream() {
	m.isLoading = false
	m.stopStream()
	m.events = nil
	m.textArea.Focus()
	m.viewport.GotoBottom()
}

func (m *model) stopStream() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// View renders the chat screen.
func (m *model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	var builder strings.Builder

	labelStyle := lipgloss.NewStyle().Background(lipgloss.Color("0")).Foreground(lipgloss.Color("255")).Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("230")).Padding(0, 1).MarginLeft(1)
	status := lipgloss.JoinHorizontal(lipgloss.Top,
		labelStyle.Render("Imaging RAG"),
		headerStyle.Render("Model: "+m.opts.Model),
		headerStyle.Render(fmt.Sprintf("k: %d", m.opts.K)),
	)
	help := lipgloss.NewStyle().Render(" (enter to ask, esc to quit)")
	builder.WriteString(status + help + "\n\n")

	var historyBuilder strings.Builder
	userStyle := lipgloss.NewStyle().Bold(true)
	assistantStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	sourceStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	writeTurn := func(role, content string) {
		wrapped := lipgloss.NewStyle().Width(max(m.width-lipgloss.Width(role)-2, 10)).Render(content)
		historyBuilder.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, role, wrapped) + "\n")
	}
	for _, turn := range m.history {
		if turn.role == "assistant" {
			writeTurn(assistantStyle.Render("Assistant: "), turn.content)
		} else {
			writeTurn(userStyle.Render("You: "), turn.content)
		}
	}
	if m.responseBuf.Len() > 0 {
		writeTurn(assistantStyle.Render("Assistant: "), m.responseBuf.String())
	}
	for _, src := range m.sources {
		historyBuilder.WriteString(sourceStyle.Render(fmt.Sprintf("  [Source: %s] score=%.3f", src.Source, src.Score)) + "\n")
	}

	m.viewport.SetContent(historyBuilder.String())
	builder.WriteString(m.viewport.View())

	if m.err != nil {
		errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
		builder.WriteString("\n" + errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}

	if m.isLoading {
		timer := fmt.Sprintf("%.1f", time.Since(m.requestStartTime).Seconds())
		builder.WriteString("\n" + m.spinner.View() + fmt.Sprintf(" Assistant is thinking... %ss", timer))
	} else {
		builder.WriteString("\n" + m.textArea.View())
	}

	if m.opts.Debug && m.answerModel != "" {
		builder.WriteString("\n" + sourceStyle.Render("  >>> answered by "+m.answerModel))
	}

	return builder.String()
}

// StartGUI runs the chat screen until the user quits.
func StartGUI(ctx context.Context, streamer Streamer, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := initialModel(ctx, streamer, opts)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run chat: %w", err)
	}
	return nil
}
