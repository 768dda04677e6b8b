package agent

import (
	"sync"
	"time"
)

// EventType 是事件流的稳定兼容面：外部面板依赖这些取值和字段名，
// 只能新增取值，不能改名。
type EventType string

const (
	EventPerception            EventType = "perception"
	EventLLMResponse           EventType = "llm_response"
	EventToolExecution         EventType = "tool_execution"
	EventToolError             EventType = "tool_error"
	EventReflection            EventType = "reflection"
	EventLowConfidenceTerminal EventType = "low_confidence_terminal"
	EventFinalOutput           EventType = "final_output"
	EventCancelled             EventType = "cancelled"
	EventRunFailed             EventType = "run_failed"
)

// Event 是一条结构化审计记录
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Content   map[string]any `json:"content"`
}

// EventSink 在同一份底层存储（RequestState.events）上提供两种消费模式：
//   - Snapshot: 批量读取，用于调试面板和最终返回
//   - Subscribe: 增量订阅，用于进度流式展示（SSE / TUI）
//
// 订阅通道带缓冲，慢消费者的事件会被丢弃而不是阻塞运行。
type EventSink struct {
	state *RequestState

	mu        sync.Mutex
	subs      map[chan Event]struct{}
	observers []func(Event)
	closed    bool
}

// NewEventSink 包装一个 RequestState 的事件存储
func NewEventSink(state *RequestState) *EventSink {
	return &EventSink{
		state: state,
		subs:  make(map[chan Event]struct{}),
	}
}

// Append 记录一条事件并广播给所有订阅者
func (s *EventSink) Append(typ EventType, content map[string]any) {
	ev := Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Content:   content,
	}
	s.state.AppendEvent(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range s.observers {
		fn(ev)
	}
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// 慢消费者丢弃，绝不阻塞运行
		}
	}
}

// Snapshot 返回到目前为止的全部事件
func (s *EventSink) Snapshot() []Event {
	return s.state.Events()
}

// Subscribe 返回一个增量事件通道和对应的退订函数
func (s *EventSink) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, 64)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Observe 注册一个同步回调，每条事件追加时调用。
// 回调在运行协程内执行，必须保持轻量。
func (s *EventSink) Observe(fn func(Event)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Close 结束一次运行的事件流，关闭所有订阅通道
func (s *EventSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}
