package ui

import (
	"context"
	"strings"
	"testing"

	"github.com/wwwzy/TrafficAgent/internal/agent"
)

type stubBackend struct {
	outcome *agent.RunOutcome
	reqs    []string
}

func (b *stubBackend) Run(_ context.Context, userRequest string, _ ...agent.RunOption) (*agent.RunOutcome, error) {
	b.reqs = append(b.reqs, userRequest)
	return b.outcome, nil
}

func doneOutcome(req string) *agent.RunOutcome {
	state := agent.NewRequestState(req)
	state.CurrentStep = agent.StepDone
	return &agent.RunOutcome{
		Recommendation:  "## 出行建议\n地铁",
		ReflectionScore: 0.85,
		FinalState:      state,
	}
}

func TestConsoleChatRoundtrip(t *testing.T) {
	backend := &stubBackend{outcome: doneOutcome("从A到B")}
	var out strings.Builder

	u := &ConsoleChatUI{
		In:  strings.NewReader("从A到B\nexit\n"),
		Out: &out,
	}
	if err := u.Run(context.Background(), backend, ChatOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(backend.reqs) != 1 || backend.reqs[0] != "从A到B" {
		t.Errorf("backend requests wrong: %v", backend.reqs)
	}
	text := out.String()
	if !strings.Contains(text, "出行建议") {
		t.Errorf("recommendation not printed:\n%s", text)
	}
	if !strings.Contains(text, "已退出") {
		t.Errorf("exit message missing:\n%s", text)
	}
}

func TestConsoleChatSkipsBlankAndEOF(t *testing.T) {
	backend := &stubBackend{outcome: doneOutcome("x")}
	var out strings.Builder

	u := &ConsoleChatUI{
		In:  strings.NewReader("\n   \n"),
		Out: &out,
	}
	if err := u.Run(context.Background(), backend, ChatOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(backend.reqs) != 0 {
		t.Errorf("blank lines must not reach backend: %v", backend.reqs)
	}
}

func TestConsoleChatFailedRun(t *testing.T) {
	state := agent.NewRequestState("x")
	state.CurrentStep = agent.StepFailed
	backend := &stubBackend{outcome: &agent.RunOutcome{
		FinalState:   state,
		FailureCause: "run_timeout",
	}}
	var out strings.Builder

	u := &ConsoleChatUI{
		In:  strings.NewReader("帮我看路况\nquit\n"),
		Out: &out,
	}
	if err := u.Run(context.Background(), backend, ChatOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "run_timeout") {
		t.Errorf("failure cause not surfaced:\n%s", out.String())
	}
}

func TestFormatEventLine(t *testing.T) {
	cases := []struct {
		ev   agent.Event
		want string
	}{
		{agent.Event{Type: agent.EventPerception, Content: map[string]any{"origin": "A", "destination": "B"}}, "A → B"},
		{agent.Event{Type: agent.EventToolError, Content: map[string]any{"tool": "x", "error": "down"}}, "失败"},
		{agent.Event{Type: agent.EventReflection, Content: map[string]any{"score": 0.75}}, "0.75"},
		{agent.Event{Type: agent.EventLowConfidenceTerminal}, "低置信度"},
	}
	for _, c := range cases {
		if got := formatEventLine(c.ev); !strings.Contains(got, c.want) {
			t.Errorf("event %s: %q missing %q", c.ev.Type, got, c.want)
		}
	}
}
