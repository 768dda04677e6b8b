package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrEmptyRequest 表示入口收到空请求，属于调用方契约违规，
// 在构造 RequestState 之前即被拒绝，不进入状态机。
var ErrEmptyRequest = errors.New("user request is empty")

// Config 是引擎的运行配置；阈值与重试上限均可配置，绝不静默封顶。
type Config struct {
	// Threshold 为反思分数阈值，低于它且还有重试额度时走回边
	Threshold float64 `mapstructure:"threshold"`
	// MaxRetries 为回边次数上限
	MaxRetries int `mapstructure:"max_retries"`
	// RunTimeout 覆盖整个 perceive→output 周期（含全部重试）
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// PerToolTimeout 为单次工具调用超时，超时等同工具失败而非整轮中止
	PerToolTimeout time.Duration `mapstructure:"per_tool_timeout"`
	// FallbackExtraction 开启后，模型提取失败时用模式匹配兜底而不是判定失败
	FallbackExtraction bool `mapstructure:"fallback_extraction"`
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		Threshold:      0.6,
		MaxRetries:     3,
		RunTimeout:     2 * time.Minute,
		PerToolTimeout: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	// Threshold 零值合法（接受任意评分，永不走回边），默认值由
	// DefaultConfig 和配置层提供，这里只纠正非法的负值
	if c.Threshold < 0 {
		c.Threshold = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 2 * time.Minute
	}
	return c
}

// RunOutcome 是一次运行的终态汇总
type RunOutcome struct {
	Recommendation  string        `json:"recommendation"`
	ReflectionScore float64       `json:"reflection_score"`
	Events          []Event       `json:"events"`
	FinalState      *RequestState `json:"final_state"`
	// FailureCause 仅在终态为 failed 时非空
	FailureCause string `json:"failure_cause,omitempty"`
}

// Failed 表示该次运行以 failed 终态结束
func (o *RunOutcome) Failed() bool {
	return o != nil && o.FinalState != nil && o.FinalState.CurrentStep == StepFailed
}

// edgeTable 是显式的状态转移表。节点完成后落点必须在表内，
// 否则按内部不变量破坏处理，整轮转入 failed。
var edgeTable = map[Step][]Step{
	StepPerceiving: {StepPlanning},
	StepPlanning:   {StepReflecting},
	StepReflecting: {StepPlanning, StepOutputting},
	StepOutputting: {StepDone},
}

func allowedTransition(from, to Step) bool {
	for _, s := range edgeTable[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Engine 是有界循环图（perceive → plan → reflect ⇄ plan → output）的执行器。
// 一个 Engine 实例可被并发复用：每次 Run 创建独立的 RequestState 与事件流，
// 运行之间不共享任何可变状态。
type Engine struct {
	cfg     Config
	model   ModelClient
	gateway *ToolGateway
	scorer  Scorer
	logger  *zap.Logger
}

// Option 配置 Engine 的可选依赖
type Option func(*Engine)

// WithLogger 注入结构化日志器
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithScorer 替换反思打分策略（默认 RubricScorer）
func WithScorer(s Scorer) Option {
	return func(e *Engine) {
		if s != nil {
			e.scorer = s
		}
	}
}

// NewEngine 创建引擎；model 与 gateway 为必需协作方
func NewEngine(cfg Config, model ModelClient, gateway *ToolGateway, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, errors.New("model client is required")
	}
	if gateway == nil {
		return nil, errors.New("tool gateway is required")
	}
	e := &Engine{
		cfg:     cfg.withDefaults(),
		model:   model,
		gateway: gateway,
		scorer:  RubricScorer{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunOption 配置单次运行
type RunOption func(*runOptions)

type runOptions struct {
	observer func(Event)
}

// WithEventObserver 注册一个逐条事件回调，用于进度流式展示。
// 回调在运行协程内同步执行，必须保持轻量。
func WithEventObserver(fn func(Event)) RunOption {
	return func(o *runOptions) {
		o.observer = fn
	}
}

// Run 执行一次完整的请求周期，返回终态与完整事件序列。
// 对调用方而言是同步的；Plan 内部的工具扇出是并发的。
// 成功与降级终止都会带回 Recommendation；failed 终态只带失败原因。
func (e *Engine) Run(ctx context.Context, userRequest string, opts ...RunOption) (*RunOutcome, error) {
	if strings.TrimSpace(userRequest) == "" {
		return nil, ErrEmptyRequest
	}

	var options runOptions
	for _, opt := range opts {
		opt(&options)
	}

	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	state := NewRequestState(userRequest)
	sink := NewEventSink(state)
	if options.observer != nil {
		sink.Observe(options.observer)
	}
	defer sink.Close()

	r := &run{state: state, sink: sink}

	for {
		// 协作式取消只发生在节点边界，不打断进行中的工具调用
		if err := ctx.Err(); err != nil {
			return e.cancelRun(r, err), nil
		}

		from := state.CurrentStep

		var err error
		switch from {
		case StepPerceiving:
			err = e.perceive(ctx, r)

		case StepPlanning:
			err = e.plan(ctx, r)

		case StepReflecting:
			if err = e.reflect(ctx, r); err == nil {
				if state.ReflectionScore < e.cfg.Threshold && state.RetryCount < e.cfg.MaxRetries {
					state.RetryCount++
					state.CurrentStep = StepPlanning
				} else {
					if state.ReflectionScore < e.cfg.Threshold {
						// 重试额度用尽但仍需给出答案：标记低置信度终止
						sink.Append(EventLowConfidenceTerminal, map[string]any{
							"score":       state.ReflectionScore,
							"retry_count": state.RetryCount,
						})
					}
					state.CurrentStep = StepOutputting
				}
			}

		case StepOutputting:
			err = e.output(ctx, r)

		case StepDone:
			return e.outcome(r), nil

		default:
			err = fmt.Errorf("undefined step: %s", from)
		}

		if err != nil {
			return e.failRun(r, err), nil
		}

		if state.CurrentStep != from && !allowedTransition(from, state.CurrentStep) {
			return e.failRun(r, fmt.Errorf("illegal transition %s -> %s", from, state.CurrentStep)), nil
		}
	}
}

func (e *Engine) outcome(r *run) *RunOutcome {
	return &RunOutcome{
		Recommendation:  r.state.Recommendation,
		ReflectionScore: r.state.ReflectionScore,
		Events:          r.sink.Snapshot(),
		FinalState:      r.state,
	}
}

// cancelRun 处理运行级取消与超时：两者都落入 failed 终态并记录 cancelled 事件
func (e *Engine) cancelRun(r *run, cause error) *RunOutcome {
	reason := "cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "run_timeout"
	}
	e.logger.Warn("run cancelled",
		zap.String("reason", reason), zap.String("step", string(r.state.CurrentStep)))

	r.sink.Append(EventCancelled, map[string]any{
		"reason": reason,
		"step":   string(r.state.CurrentStep),
	})
	r.state.CurrentStep = StepFailed

	out := e.outcome(r)
	out.FailureCause = reason
	return out
}

// failRun 处理节点内不可恢复错误（模型失败、非法转移等）
func (e *Engine) failRun(r *run, cause error) *RunOutcome {
	e.logger.Error("run failed",
		zap.Error(cause), zap.String("step", string(r.state.CurrentStep)))

	r.sink.Append(EventRunFailed, map[string]any{
		"error": cause.Error(),
		"step":  string(r.state.CurrentStep),
	})
	r.state.CurrentStep = StepFailed

	out := e.outcome(r)
	out.FailureCause = cause.Error()
	return out
}
