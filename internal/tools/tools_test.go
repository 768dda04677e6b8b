package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/wwwzy/TrafficAgent/internal/agent"
	"github.com/wwwzy/TrafficAgent/internal/storage"
)

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrafficPrediction(t *testing.T) {
	out, err := (&TrafficPredictionTool{}).InvokableRun(context.Background(),
		`{"origin":"天安门","destination":"首都机场"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var payload struct {
		Tool   string `json:"tool"`
		Result struct {
			Congestion float64 `json:"拥堵指数"`
			Speed      string  `json:"预测速度"`
			Note       string  `json:"备注"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output not json: %v\n%s", err, out)
	}
	if payload.Tool != "时空预测模型" {
		t.Errorf("unexpected tool name: %s", payload.Tool)
	}
	if payload.Result.Congestion < 0.3 || payload.Result.Congestion > 0.9 {
		t.Errorf("congestion out of range: %v", payload.Result.Congestion)
	}
	if !strings.Contains(payload.Result.Note, "天安门") || !strings.Contains(payload.Result.Note, "首都机场") {
		t.Errorf("note missing route: %s", payload.Result.Note)
	}
	if !strings.HasSuffix(payload.Result.Speed, "km/h") {
		t.Errorf("speed format wrong: %s", payload.Result.Speed)
	}
}

func TestAnomalyDetection(t *testing.T) {
	out, err := (&AnomalyDetectionTool{}).InvokableRun(context.Background(), `{"location":"国贸"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var payload struct {
		Result struct {
			Kind     string `json:"类型"`
			Location string `json:"位置"`
			Severity string `json:"严重程度"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output not json: %v\n%s", err, out)
	}
	if payload.Result.Location != "国贸" {
		t.Errorf("location not echoed: %s", payload.Result.Location)
	}
	valid := map[string]bool{"交通事故": true, "道路施工": true, "无异常": true}
	if !valid[payload.Result.Kind] {
		t.Errorf("unexpected anomaly kind: %s", payload.Result.Kind)
	}
}

func TestTravelRecommendation(t *testing.T) {
	out, err := (&TravelRecommendationTool{}).InvokableRun(context.Background(),
		`{"origin":"A","destination":"B"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var payload struct {
		Result struct {
			Plans []struct {
				Mode  string  `json:"方式"`
				Score float64 `json:"推荐指数"`
			} `json:"推荐方案"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output not json: %v\n%s", err, out)
	}
	if len(payload.Result.Plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(payload.Result.Plans))
	}
	if payload.Result.Plans[0].Mode != "地铁" || payload.Result.Plans[0].Score != 0.92 {
		t.Errorf("top plan wrong: %+v", payload.Result.Plans[0])
	}
}

func TestToolsRejectInvalidArgs(t *testing.T) {
	ctx := context.Background()
	for name, run := range map[string]func() (string, error){
		"traffic_prediction": func() (string, error) {
			return (&TrafficPredictionTool{}).InvokableRun(ctx, "{broken")
		},
		"anomaly_detection": func() (string, error) {
			return (&AnomalyDetectionTool{}).InvokableRun(ctx, "{broken")
		},
		"causal_analysis": func() (string, error) {
			return (&CausalAnalysisTool{}).InvokableRun(ctx, "{broken")
		},
		"travel_recommendation": func() (string, error) {
			return (&TravelRecommendationTool{}).InvokableRun(ctx, "{broken")
		},
		"route_planning": func() (string, error) {
			return NewRoutePlanningTool(AmapConfig{}).InvokableRun(ctx, "{broken")
		},
	} {
		if _, err := run(); err == nil {
			t.Errorf("%s: expected error for broken args", name)
		}
	}
}

func TestRoutePlanningOffline(t *testing.T) {
	tool := NewRoutePlanningTool(AmapConfig{})

	out, err := tool.InvokableRun(context.Background(),
		`{"origin":"天安门","destination":"首都机场","mode":"transit"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var payload struct {
		Mode    string `json:"mode"`
		RawData struct {
			Status string `json:"status"`
			Route  struct {
				Transits []struct {
					Cost     string `json:"cost"`
					Duration string `json:"duration"`
				} `json:"transits"`
			} `json:"route"`
		} `json:"raw_data"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output not json: %v\n%s", err, out)
	}
	if payload.RawData.Status != "1" {
		t.Errorf("expected status 1, got %s", payload.RawData.Status)
	}
	if len(payload.RawData.Route.Transits) != 1 || payload.RawData.Route.Transits[0].Duration != "2400" {
		t.Errorf("canned transit wrong: %+v", payload.RawData.Route.Transits)
	}

	// 非法 mode 回退为 transit
	out, err = tool.InvokableRun(context.Background(), `{"origin":"A","destination":"B","mode":"fly"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if payload.Mode != "transit" {
		t.Errorf("expected mode fallback to transit, got %s", payload.Mode)
	}
}

func TestRoutePlanningRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/driving") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("api key not forwarded: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"1","info":"OK","route":{"paths":[{"distance":"8000","duration":"1200"}]}}`))
	}))
	defer srv.Close()

	tool := NewRoutePlanningTool(AmapConfig{APIKey: "test-key"})
	tool.baseURL = srv.URL

	out, err := tool.InvokableRun(context.Background(),
		`{"origin":"A","destination":"B","mode":"driving"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, `"duration":"1200"`) {
		t.Errorf("remote payload lost:\n%s", out)
	}
}

func TestRoutePlanningRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"0","info":"INVALID_USER_KEY"}`))
	}))
	defer srv.Close()

	tool := NewRoutePlanningTool(AmapConfig{APIKey: "bad-key"})
	tool.baseURL = srv.URL

	if _, err := tool.InvokableRun(context.Background(),
		`{"origin":"A","destination":"B"}`); err == nil || !strings.Contains(err.Error(), "INVALID_USER_KEY") {
		t.Errorf("expected amap error surfaced, got %v", err)
	}
}

func TestQueryHistory(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	for _, rec := range []*storage.RunRecord{
		{TraceID: "t1", UserRequest: "从A到B", Status: "done", ReflectionScore: 0.8},
		{TraceID: "t2", UserRequest: "从C到D", Status: "failed"},
	} {
		if err := store.InsertRunRecord(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	out, err := NewQueryHistoryTool(store).InvokableRun(ctx, `{"trace_id":"t1"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var payload struct {
		Count int `json:"count"`
		Runs  []struct {
			UserRequest string  `json:"user_request"`
			Score       float64 `json:"reflection_score"`
		} `json:"runs"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output not json: %v\n%s", err, out)
	}
	if payload.Count != 1 || payload.Runs[0].UserRequest != "从A到B" {
		t.Errorf("unexpected history payload: %+v", payload)
	}
}

func TestAuditedToolRecords(t *testing.T) {
	store := openTestStorage(t)
	ctx := agent.WithTraceID(context.Background(), "trace-x")

	wrapped := WrapWithAudit(&TravelRecommendationTool{}, store)
	if _, err := wrapped.InvokableRun(ctx, `{"origin":"A","destination":"B"}`); err != nil {
		t.Fatalf("run: %v", err)
	}

	records, err := store.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: "trace-x"})
	if err != nil {
		t.Fatalf("query audits: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	rec := records[0]
	if rec.Action != "travel_recommendation" || rec.Status != "success" {
		t.Errorf("unexpected audit record: %+v", rec)
	}
	if rec.ResultJSON == "" || !strings.Contains(rec.ParamsJSON, `"origin":"A"`) {
		t.Errorf("audit payloads missing: %+v", rec)
	}

	// 工具失败同样留痕
	if _, err := WrapWithAudit(&TravelRecommendationTool{}, store).InvokableRun(ctx, "{broken"); err == nil {
		t.Fatal("expected error for broken args")
	}
	records, err = store.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: "trace-x", Status: "failed"})
	if err != nil {
		t.Fatalf("query failed audits: %v", err)
	}
	if len(records) != 1 || records[0].ErrorMessage == "" {
		t.Fatalf("expected 1 failed audit with error message, got %+v", records)
	}
}

func TestRegisterDefaults(t *testing.T) {
	store := openTestStorage(t)
	gw := agent.NewToolGateway(0)

	if err := RegisterDefaults(context.Background(), gw, store, AmapConfig{}); err != nil {
		t.Fatalf("register defaults: %v", err)
	}
	if got := gw.BatterySize(); got != 5 {
		t.Errorf("expected battery of 5, got %d", got)
	}

	// 电池整轮可通过网关执行，全部成功
	state := agent.NewRequestState("从天安门到首都机场")
	state.Origin, state.Destination = "天安门", "首都机场"
	sink := agent.NewEventSink(state)

	results := gw.InvokeBattery(context.Background(), sink, state, 1)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Failed() {
			t.Errorf("tool %s failed: %s", res.Tool, res.Error)
		}
	}

	// query_history 已注册但不在电池内
	out := gw.Invoke(context.Background(), sink, 1, "query_history", map[string]any{"limit": 5})
	if out.Failed() {
		t.Errorf("query_history failed: %s", out.Error)
	}
}

// TestAuditTruncate 验证审计截断在 rune 边界收口，不产生非法 UTF-8
func TestAuditTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("short string must pass through, got %q", got)
	}

	chinese := strings.Repeat("道路施工", 700)
	got := truncate(chinese, auditTruncateLimit)
	if !utf8.ValidString(got) {
		t.Errorf("truncated audit payload is not valid UTF-8: %q", got[:32])
	}
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Errorf("truncation marker missing: %q", got[len(got)-32:])
	}
}
