package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/wwwzy/TrafficAgent/internal/agent"
	"github.com/wwwzy/TrafficAgent/internal/ui"
)

type ChatUI struct{}

func (u *ChatUI) Run(ctx context.Context, backend ui.ChatBackend, opts ui.ChatOptions) error {
	m := newChatModel(ctx, backend, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type entryKind int

const (
	entryUser entryKind = iota
	entryAssistant
	entryEvent
)

type chatEntry struct {
	kind    entryKind
	content string
}

type runResultMsg struct {
	outcome *agent.RunOutcome
	err     error
}

type runEventMsg struct {
	ev agent.Event
}

type cancelMsg struct{}

type chatModel struct {
	ctx     context.Context
	backend ui.ChatBackend
	opts    ui.ChatOptions

	entries []chatEntry

	width  int
	height int

	viewport   viewport.Model
	input      textinput.Model
	spinner    spinner.Model
	thinking   bool
	followTail bool

	events   chan agent.Event
	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, backend ui.ChatBackend, opts ui.ChatOptions) chatModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot

	ti := textinput.New()
	ti.Placeholder = "输入出行问题，回车发送"
	ti.Prompt = ""
	ti.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	return chatModel{
		ctx:        ctx,
		backend:    backend,
		opts:       opts,
		viewport:   vp,
		input:      ti,
		spinner:    s,
		followTail: true,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitCancel(m.ctx))
}

func waitCancel(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return cancelMsg{}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case cancelMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		inputHeight := 3
		footerHeight := 1
		chatHeight := m.height - inputHeight - footerHeight
		if chatHeight < 1 {
			chatHeight = 1
		}

		m.viewport.Width = m.width
		m.viewport.Height = chatHeight

		m.input.Width = maxOf(10, m.width-4)

		m.resetMarkdownRenderer()
		m.updateViewportContent(m.renderChat())
		return m, nil

	case spinner.TickMsg:
		if m.thinking {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case runEventMsg:
		if m.opts.ShowEvents {
			m.entries = append(m.entries, chatEntry{kind: entryEvent, content: eventLine(msg.ev)})
			m.updateViewportContent(m.renderChat())
		}
		return m, waitEvent(m.events)

	case runResultMsg:
		m.thinking = false
		m.events = nil
		if msg.err != nil {
			m.entries = append(m.entries, chatEntry{
				kind:    entryAssistant,
				content: "发生错误：" + msg.err.Error(),
			})
		} else if msg.outcome.Failed() {
			m.entries = append(m.entries, chatEntry{
				kind:    entryAssistant,
				content: "本次请求未能完成（" + msg.outcome.FailureCause + "）。",
			})
		} else {
			m.entries = append(m.entries, chatEntry{
				kind:    entryAssistant,
				content: msg.outcome.Recommendation,
			})
		}
		m.followTail = true
		m.updateViewportContent(m.renderChat())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "pgup", "pageup":
			m.viewport.PageUp()
			m.followTail = false
			return m, nil
		case "pgdown", "pagedown":
			m.viewport.PageDown()
			if m.viewport.AtBottom() {
				m.followTail = true
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)

		if msg.String() == "enter" && !m.thinking {
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, cmd
			}
			switch strings.ToLower(text) {
			case "exit", "quit":
				return m, tea.Quit
			}

			m.entries = append(m.entries, chatEntry{kind: entryUser, content: text})
			m.followTail = true
			m.updateViewportContent(m.renderChat())

			m.input.SetValue("")
			m.thinking = true
			m.events = make(chan agent.Event, 64)
			return m, tea.Batch(cmd,
				runBackend(m.ctx, m.backend, text, m.events),
				waitEvent(m.events),
			)
		}

		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func runBackend(ctx context.Context, backend ui.ChatBackend, text string, events chan agent.Event) tea.Cmd {
	return func() tea.Msg {
		runCtx := agent.WithTraceID(ctx, uuid.New().String())
		outcome, err := backend.Run(runCtx, text, agent.WithEventObserver(func(ev agent.Event) {
			select {
			case events <- ev:
			default:
			}
		}))
		close(events)
		return runResultMsg{outcome: outcome, err: err}
	}
}

func waitEvent(events chan agent.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return runEventMsg{ev: ev}
	}
}

func eventLine(ev agent.Event) string {
	switch ev.Type {
	case agent.EventPerception:
		return "感知完成"
	case agent.EventLLMResponse:
		return "模型响应"
	case agent.EventToolExecution:
		if tool, ok := ev.Content["tool"].(string); ok {
			return "工具 " + tool + " 完成"
		}
		return "工具完成"
	case agent.EventToolError:
		if tool, ok := ev.Content["tool"].(string); ok {
			return "工具 " + tool + " 失败"
		}
		return "工具失败"
	case agent.EventReflection:
		return "反思评分完成"
	case agent.EventLowConfidenceTerminal:
		return "重试额度用尽，低置信度输出"
	default:
		return string(ev.Type)
	}
}

func (m chatModel) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("TrafficAgent Chat")

	chat := m.viewport.View()
	inputLine := m.inputView()
	footer := m.footerView()

	return lipgloss.JoinVertical(lipgloss.Left, header, chat, inputLine, footer)
}

func (m chatModel) footerView() string {
	left := "Enter 发送 | PgUp/PgDn 滚动 | Ctrl+C 退出"
	right := ""
	if m.thinking {
		right = m.spinner.View() + " 规划中..."
	}
	style := lipgloss.NewStyle().Width(m.width).Padding(0, 1)
	return style.Render(lipgloss.JoinHorizontal(lipgloss.Left, left,
		lipgloss.NewStyle().Width(maxOf(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)-2)).Render(""),
		right))
}

func (m chatModel) inputView() string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(maxOf(1, m.input.Width+2)).
		Render(m.input.View())
}

func (m *chatModel) updateViewportContent(content string) {
	oldYOffset := m.viewport.YOffset
	m.viewport.SetContent(content)
	if m.followTail {
		m.viewport.GotoBottom()
		return
	}
	m.viewport.SetYOffset(oldYOffset)
}

func (m *chatModel) resetMarkdownRenderer() {
	if m.width <= 0 {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.bubbleMaxContentWidth()),
	)
	if err == nil {
		m.renderer = r
	}
}

func (m chatModel) renderChat() string {
	if m.width <= 0 {
		m.width = 80
	}

	var b strings.Builder
	for _, entry := range m.entries {
		content := strings.TrimRight(entry.content, "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}

		var line string
		switch entry.kind {
		case entryUser:
			line = m.renderUser(content)
		case entryAssistant:
			line = m.renderAssistant(content)
		default:
			line = m.renderEvent(content)
		}
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m chatModel) bubbleMaxContentWidth() int {
	if m.width <= 0 {
		return 72
	}
	return maxOf(20, m.width-8)
}

func (m chatModel) wrapToWidth(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func (m chatModel) renderAssistant(content string) string {
	md := content
	if m.renderer != nil && strings.TrimSpace(md) != "" {
		if rendered, err := m.renderer.Render(md); err == nil {
			md = strings.TrimRight(rendered, "\n")
		}
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(0, 1).
		MaxWidth(maxOf(20, m.width-4)).
		Render(md)
}

func (m chatModel) renderUser(content string) string {
	content = m.wrapToWidth(content, m.bubbleMaxContentWidth())
	bubble := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(0, 1).
		MaxWidth(maxOf(20, m.width-4)).
		Render(content)
	return lipgloss.NewStyle().Width(m.width).Align(lipgloss.Right).Render(bubble)
}

func (m chatModel) renderEvent(content string) string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Padding(0, 1).
		Render("· " + content)
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}
