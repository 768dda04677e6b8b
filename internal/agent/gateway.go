package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/tool"
)

// ErrUnknownTool 表示调用了未注册的工具名
var ErrUnknownTool = errors.New("unknown tool")

const toolOutputTruncateLimit = 8 * 1024

// ArgsBuilder 根据当前状态构造一次工具调用的参数
type ArgsBuilder func(state *RequestState) map[string]any

// BatteryEntry 是 Plan 阶段固定调度的一项工具调用
type BatteryEntry struct {
	Name string
	Args ArgsBuilder
}

// ToolGateway 是图到外部工具的唯一通道：按名称分发到注册的 Eino 工具，
// 捕获每次调用的错误并降级为显式错误标记，绝不让工具故障穿透到图执行。
// 每次调用无论成败都会向调用方提供的事件流追加一条
// tool_execution 或 tool_error 事件，这是外部观察工具活动的唯一审计口。
type ToolGateway struct {
	mu             sync.RWMutex
	tools          map[string]tool.InvokableTool
	battery        []BatteryEntry
	perToolTimeout time.Duration
}

// NewToolGateway 创建网关；perToolTimeout <= 0 表示不限制单次工具调用时长
func NewToolGateway(perToolTimeout time.Duration) *ToolGateway {
	return &ToolGateway{
		tools:          make(map[string]tool.InvokableTool),
		perToolTimeout: perToolTimeout,
	}
}

// Register 按工具自述的名称注册一个工具
func (g *ToolGateway) Register(ctx context.Context, t tool.InvokableTool) error {
	if t == nil {
		return errors.New("tool is nil")
	}
	info, err := t.Info(ctx)
	if err != nil {
		return fmt.Errorf("get tool info: %w", err)
	}
	if info == nil || info.Name == "" {
		return errors.New("tool info has no name")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tools[info.Name]; exists {
		return fmt.Errorf("tool %q already registered", info.Name)
	}
	g.tools[info.Name] = t
	return nil
}

// AddBattery 追加一项 Plan 阶段固定调度的工具调用
func (g *ToolGateway) AddBattery(name string, args ArgsBuilder) {
	if args == nil {
		args = func(*RequestState) map[string]any { return map[string]any{} }
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.battery = append(g.battery, BatteryEntry{Name: name, Args: args})
}

// BatterySize 返回电池中的工具条目数
func (g *ToolGateway) BatterySize() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.battery)
}

// Invoke 执行一次命名工具调用。
// 任何失败（未注册、参数序列化、超时、工具自身报错）都转化为带错误标记的
// ToolResult 返回，调用方据此携带部分数据继续推进。
func (g *ToolGateway) Invoke(ctx context.Context, sink *EventSink, pass int, name string, args map[string]any) ToolResult {
	started := time.Now()

	result := ToolResult{Tool: name, Pass: pass}

	g.mu.RLock()
	t, ok := g.tools[name]
	g.mu.RUnlock()
	if !ok {
		result.Error = fmt.Sprintf("%v: %s", ErrUnknownTool, name)
		g.emit(sink, result)
		return result
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		result.Error = fmt.Sprintf("marshal args: %v", err)
		g.emit(sink, result)
		return result
	}

	callCtx := ctx
	if g.perToolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.perToolTimeout)
		defer cancel()
	}

	out, err := t.InvokableRun(callCtx, string(argsJSON))
	result.ElapsedMS = time.Since(started).Milliseconds()
	if err != nil {
		// 超时与工具报错同样处理：降级为错误标记，不中止本轮运行
		result.Error = err.Error()
		g.emit(sink, result)
		return result
	}

	result.Output = out
	g.emit(sink, result)
	return result
}

// InvokeBattery 并发执行整组电池工具，部分完成式汇合：
// 收集所有结果（含失败的降级标记），单个工具失败不取消其余兄弟调用。
// 返回顺序为完成顺序，每条结果已带 Tool+Pass 标签。
func (g *ToolGateway) InvokeBattery(ctx context.Context, sink *EventSink, state *RequestState, pass int) []ToolResult {
	g.mu.RLock()
	entries := make([]BatteryEntry, len(g.battery))
	copy(entries, g.battery)
	g.mu.RUnlock()

	if len(entries) == 0 {
		return nil
	}

	// 参数在派发前构造，扇出期间不读共享状态
	type call struct {
		name string
		args map[string]any
	}
	calls := make([]call, 0, len(entries))
	for _, e := range entries {
		calls = append(calls, call{name: e.Name, args: e.Args(state)})
	}

	ch := make(chan ToolResult, len(calls))
	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c call) {
			defer wg.Done()
			ch <- g.Invoke(ctx, sink, pass, c.name, c.args)
		}(c)
	}
	wg.Wait()
	close(ch)

	out := make([]ToolResult, 0, len(calls))
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func (g *ToolGateway) emit(sink *EventSink, r ToolResult) {
	if sink == nil {
		return
	}
	if r.Failed() {
		sink.Append(EventToolError, map[string]any{
			"tool":  r.Tool,
			"pass":  r.Pass,
			"error": r.Error,
		})
		return
	}
	sink.Append(EventToolExecution, map[string]any{
		"tool":   r.Tool,
		"pass":   r.Pass,
		"output": truncate(r.Output, toolOutputTruncateLimit),
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// 退回到最近的 rune 边界，避免截断多字节字符产生非法 UTF-8
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
