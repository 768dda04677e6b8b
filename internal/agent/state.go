package agent

import (
	"sync"

	"github.com/cloudwego/eino/schema"
)

// Step 表示一次请求当前所处的图节点阶段，是状态机的唯一事实来源
type Step string

const (
	StepPerceiving Step = "perceiving"
	StepPlanning   Step = "planning"
	StepReflecting Step = "reflecting"
	StepOutputting Step = "outputting"
	StepDone       Step = "done"
	StepFailed     Step = "failed"
)

// ToolResult 记录一次工具调用的结果。
// Pass 标记该结果产生于第几轮 Plan（从 1 开始）；并发扇出导致完成顺序不确定，
// 下游消费者依赖 Tool+Pass 重建因果顺序。
type ToolResult struct {
	Tool      string `json:"tool"`
	Pass      int    `json:"pass"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Failed 表示该条结果是否为降级后的错误标记
func (r ToolResult) Failed() bool {
	return r.Error != ""
}

// CandidatePlan 是一条候选出行方案，按 Score 从高到低排列
type CandidatePlan struct {
	Mode     string  `json:"mode"`
	Duration string  `json:"duration"`
	Cost     string  `json:"cost"`
	Score    float64 `json:"score"`
	Summary  string  `json:"summary,omitempty"`
}

// RequestState 是在整个 Graph 中流转的请求状态。
// 一次请求对应一个实例，由 GraphEngine 独占持有并按单写者纪律修改；
// 唯一的例外是事件存储：Plan 阶段的工具并发扇出会通过网关并发追加事件，
// 因此 AppendEvent 做了互斥保护。
type RequestState struct {
	// 用户原始输入，构造后不再变化
	UserRequest string `json:"user_request"`

	// Perceive 提取出的起终点；为空表示提取失败/歧义，只细化不擦除
	Origin      string `json:"origin"`
	Destination string `json:"destination"`

	// Plan 阶段合并的路况快照（逐轮追加）
	TrafficStatus string `json:"traffic_status"`

	// 全部工具调用结果，跨 Plan 轮次只追加不替换
	ToolOutputs []ToolResult `json:"tool_outputs"`

	// 本轮 Plan 产出的候选方案（每轮整体替换）
	CandidatePlans []CandidatePlan `json:"candidate_plans"`

	// Output 写入一次的最终推荐
	Recommendation string `json:"recommendation"`

	// Reflect 写入的质量评分 [0,1]，驱动回边条件
	ReflectionScore float64 `json:"reflection_score"`

	// 回边每走一次加一，上限由 Engine 配置约束
	RetryCount int `json:"retry_count"`

	// 对话轨迹（User / Assistant / Tool 消息），只追加
	Conversation []*schema.Message `json:"conversation"`

	// 当前所处阶段
	CurrentStep Step `json:"current_step"`

	mu sync.Mutex
	// 审计事件，只追加；存储归 RequestState 所有，EventSink 只是薄访问器
	events []Event
}

// NewRequestState 创建一次请求的初始状态。
// userRequest 为空属于调用方契约违规，应在进入状态机之前被拦截。
func NewRequestState(userRequest string) *RequestState {
	return &RequestState{
		UserRequest: userRequest,
		CurrentStep: StepPerceiving,
	}
}

// AppendEvent 单调追加一条事件，并发安全
func (s *RequestState) AppendEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events 返回事件序列的快照副本
func (s *RequestState) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventCount 返回当前事件条数
func (s *RequestState) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// TopPlan 返回得分最高的候选方案；无候选时返回 false
func (s *RequestState) TopPlan() (CandidatePlan, bool) {
	if len(s.CandidatePlans) == 0 {
		return CandidatePlan{}, false
	}
	return s.CandidatePlans[0], true
}
