package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wwwzy/TrafficAgent/internal/agent"
	"github.com/wwwzy/TrafficAgent/internal/storage"
)

// stubRunner 返回固定结果；进度事件由测试直接通过 StreamManager 广播
type stubRunner struct {
	outcome *agent.RunOutcome
	err     error
	lastReq string
}

func (r *stubRunner) Run(_ context.Context, userRequest string, _ ...agent.RunOption) (*agent.RunOutcome, error) {
	r.lastReq = userRequest
	if r.err != nil {
		return nil, r.err
	}
	return r.outcome, nil
}

func doneOutcome(req string) *agent.RunOutcome {
	state := agent.NewRequestState(req)
	state.Origin, state.Destination = "天安门", "首都机场"
	state.CurrentStep = agent.StepDone
	state.ReflectionScore = 0.85
	return &agent.RunOutcome{
		Recommendation:  "## 出行建议\n地铁",
		ReflectionScore: 0.85,
		Events: []agent.Event{
			{Type: agent.EventPerception, Timestamp: time.Now().UTC()},
			{Type: agent.EventFinalOutput, Timestamp: time.Now().UTC()},
		},
		FinalState: state,
	}
}

func newTestServer(t *testing.T, runner Runner, store *storage.Storage) *Server {
	t.Helper()
	s, err := NewServer(DefaultConfig(), runner, store, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubRunner{outcome: doneOutcome("x")}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestChat(t *testing.T) {
	store := openTestStorage(t)
	runner := &stubRunner{outcome: doneOutcome("从天安门到首都机场")}
	s := newTestServer(t, runner, store)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body := strings.NewReader(`{"message":"从天安门到首都机场","trace_id":"trace-1"}`)
	resp, err := http.Post(srv.URL+"/api/chat", "application/json", body)
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.TraceID != "trace-1" || out.Status != "done" {
		t.Errorf("unexpected response: %+v", out)
	}
	if out.Recommendation == "" || out.ReflectionScore != 0.85 {
		t.Errorf("payload incomplete: %+v", out)
	}
	if len(out.Events) != 2 {
		t.Errorf("expected 2 events in response, got %d", len(out.Events))
	}
	if runner.lastReq != "从天安门到首都机场" {
		t.Errorf("runner got wrong request: %q", runner.lastReq)
	}

	// 运行记录已持久化
	recs, err := store.QueryRunRecords(context.Background(), storage.RunQuery{TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("query runs: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != "done" || recs[0].Origin != "天安门" {
		t.Fatalf("run record wrong: %+v", recs)
	}
	if !strings.Contains(recs[0].EventsJSON, "final_output") {
		t.Errorf("events not persisted: %s", recs[0].EventsJSON)
	}
}

func TestChatGeneratesTraceID(t *testing.T) {
	s := newTestServer(t, &stubRunner{outcome: doneOutcome("x")}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"message":"从A到B"}`))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.TraceID == "" {
		t.Error("expected server generated trace_id")
	}
}

func TestChatEmptyMessage(t *testing.T) {
	s := newTestServer(t, &stubRunner{err: agent.ErrEmptyRequest}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"message":""}`))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestChatInvalidBody(t *testing.T) {
	s := newTestServer(t, &stubRunner{outcome: doneOutcome("x")}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader("{broken"))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEventsRequiresTraceID(t *testing.T) {
	s := newTestServer(t, &stubRunner{outcome: doneOutcome("x")}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	s := newTestServer(t, &stubRunner{outcome: doneOutcome("x")}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events?trace_id=trace-9")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream, got %s", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// 首帧是 ping
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read ping: %v", err)
	}
	if !strings.HasPrefix(line, "event: ping") {
		t.Fatalf("expected ping frame, got %q", line)
	}

	// 订阅建立后广播一条事件
	for i := 0; i < 50 && s.streams.SubscriberCount("trace-9") == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	s.streams.Broadcast("trace-9", `{"type":"reflection"}`)

	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: {") {
				got <- line
				return
			}
		}
	}()
	select {
	case line := <-got:
		if !strings.Contains(line, "reflection") {
			t.Errorf("unexpected frame: %q", line)
		}
	case <-deadline:
		t.Fatal("timed out waiting for broadcast frame")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &stubRunner{outcome: doneOutcome("x")}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	// 先跑一次 chat 产生指标
	resp, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"message":"从A到B"}`))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	body := sb.String()
	if !strings.Contains(body, `trafficagent_runs_total{status="done"} 1`) {
		t.Errorf("runs_total metric missing:\n%s", body)
	}
	if !strings.Contains(body, "trafficagent_reflection_score") {
		t.Errorf("reflection_score metric missing")
	}
}
