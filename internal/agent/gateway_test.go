package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// captureTool 把收到的参数 JSON 记录下来供断言
type captureTool struct {
	name     string
	captured *string
}

func (t *captureTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: t.name, Desc: "capture stub"}, nil
}

func (t *captureTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	*t.captured = argumentsInJSON
	return "{}", nil
}

// TestGatewayUnknownTool 验证未注册工具名降级为错误标记而不是 panic 或穿透
func TestGatewayUnknownTool(t *testing.T) {
	gw := NewToolGateway(0)
	state := NewRequestState("测试")
	sink := NewEventSink(state)

	res := gw.Invoke(context.Background(), sink, 1, "no_such_tool", nil)
	if !res.Failed() {
		t.Fatal("expected failed result for unknown tool")
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("error should name the cause, got %q", res.Error)
	}

	events := sink.Snapshot()
	if len(events) != 1 || events[0].Type != EventToolError {
		t.Fatalf("expected exactly one tool_error event, got %+v", events)
	}
}

// TestGatewayErrorDegradation 验证工具报错转化为错误标记结果且携带轮次标签
func TestGatewayErrorDegradation(t *testing.T) {
	ctx := context.Background()
	gw := NewToolGateway(0)
	if err := gw.Register(ctx, &stubTool{name: "broken", err: errors.New("boom")}); err != nil {
		t.Fatalf("register: %v", err)
	}

	state := NewRequestState("测试")
	sink := NewEventSink(state)

	res := gw.Invoke(ctx, sink, 2, "broken", map[string]any{"k": "v"})
	if !res.Failed() {
		t.Fatal("expected failed result")
	}
	if res.Tool != "broken" || res.Pass != 2 {
		t.Errorf("result labels wrong: %+v", res)
	}
	if res.Error != "boom" {
		t.Errorf("expected error boom, got %q", res.Error)
	}
}

// TestGatewayPerToolTimeout 验证单工具超时降级为错误标记，不阻塞调用方
func TestGatewayPerToolTimeout(t *testing.T) {
	ctx := context.Background()
	gw := NewToolGateway(50 * time.Millisecond)
	if err := gw.Register(ctx, &blockingTool{name: "slow"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	state := NewRequestState("测试")
	sink := NewEventSink(state)

	started := time.Now()
	res := gw.Invoke(ctx, sink, 1, "slow", nil)
	elapsed := time.Since(started)

	if !res.Failed() {
		t.Fatal("expected failed result for timed out tool")
	}
	if !strings.Contains(res.Error, "deadline") {
		t.Errorf("expected deadline error, got %q", res.Error)
	}
	if elapsed > time.Second {
		t.Errorf("timeout did not bound the call, took %v", elapsed)
	}
}

// TestGatewayRegisterDuplicate 验证重名注册被拒绝
func TestGatewayRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	gw := NewToolGateway(0)
	if err := gw.Register(ctx, &stubTool{name: "dup"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := gw.Register(ctx, &stubTool{name: "dup"}); err == nil {
		t.Error("expected error for duplicate tool name")
	}
}

// TestGatewayBatteryPartialJoin 验证电池扇出收齐全部结果，
// 单个失败不取消兄弟调用
func TestGatewayBatteryPartialJoin(t *testing.T) {
	ctx := context.Background()
	gw := NewToolGateway(0)
	for _, tl := range []*stubTool{
		{name: "a", output: "ok-a"},
		{name: "b", err: errors.New("b down")},
		{name: "c", output: "ok-c"},
	} {
		if err := gw.Register(ctx, tl); err != nil {
			t.Fatalf("register %s: %v", tl.name, err)
		}
		gw.AddBattery(tl.name, nil)
	}

	state := NewRequestState("测试")
	sink := NewEventSink(state)

	results := gw.InvokeBattery(ctx, sink, state, 1)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	byName := map[string]ToolResult{}
	for _, r := range results {
		byName[r.Tool] = r
	}
	if byName["a"].Output != "ok-a" || byName["c"].Output != "ok-c" {
		t.Errorf("sibling outputs lost: %+v", byName)
	}
	if !byName["b"].Failed() {
		t.Error("expected b to carry an error marker")
	}

	events := sink.Snapshot()
	if got := len(events); got != 3 {
		t.Errorf("expected one event per call, got %d", got)
	}
}

// TestGatewayBatteryArgsBuilder 验证参数构造器拿到的是调用时刻的状态
func TestGatewayBatteryArgsBuilder(t *testing.T) {
	ctx := context.Background()
	gw := NewToolGateway(0)

	var gotArgs string
	echo := &captureTool{name: "echo", captured: &gotArgs}
	if err := gw.Register(ctx, echo); err != nil {
		t.Fatalf("register: %v", err)
	}
	gw.AddBattery("echo", func(s *RequestState) map[string]any {
		return map[string]any{"origin": s.Origin, "destination": s.Destination}
	})

	state := NewRequestState("测试")
	state.Origin = "西二旗"
	state.Destination = "望京"
	sink := NewEventSink(state)

	gw.InvokeBattery(ctx, sink, state, 1)
	if !strings.Contains(gotArgs, "西二旗") || !strings.Contains(gotArgs, "望京") {
		t.Errorf("args builder did not see current state: %q", gotArgs)
	}
}
