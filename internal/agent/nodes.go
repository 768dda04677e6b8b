package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// ClarificationMarker 在起终点提取失败时写入 TrafficStatus，
// 图继续推进，歧义交由下游展示而不是在本节点阻塞重问。
const ClarificationMarker = "[需要澄清] 未能从输入中确定起点或终点，请补充具体地点。"

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// heuristicRoutePattern 是模型不可用时的兜底提取："从A到B" / "A到B怎么走"
var heuristicRoutePattern = regexp.MustCompile(`从(.+?)(?:出发)?(?:到|去|至)(.+?)(?:怎么走|怎么去|要多久|的路线|最快)?[？?。！!\s]*$`)

// run 聚合一次执行期间节点共享的可变上下文
type run struct {
	state *RequestState
	sink  *EventSink
}

// perceive 感知节点：调用模型从 UserRequest 中提取起终点。
// 提取歧义（起点或终点为空）不阻塞，写入澄清标记后照常推进到 planning；
// 模型调用失败在未开启兜底提取时视为本轮不可恢复错误。
func (e *Engine) perceive(ctx context.Context, r *run) error {
	state := r.state
	e.logger.Debug("perceive: extracting origin/destination",
		zap.String("trace_id", GetTraceID(ctx)))

	state.Conversation = append(state.Conversation, schema.UserMessage(state.UserRequest))

	origin, destination, err := e.extractRoute(ctx, r)
	if err != nil {
		if !e.cfg.FallbackExtraction {
			return fmt.Errorf("perceive: %w", err)
		}
		// 兜底：模型不可用时退化为模式匹配提取
		origin, destination = heuristicExtract(state.UserRequest)
		e.logger.Warn("perceive: model failed, heuristic fallback used", zap.Error(err))
	}

	// 只细化不擦除
	if origin != "" {
		state.Origin = origin
	}
	if destination != "" {
		state.Destination = destination
	}

	ambiguous := state.Origin == "" || state.Destination == ""
	if ambiguous {
		state.TrafficStatus = ClarificationMarker
	}

	r.sink.Append(EventPerception, map[string]any{
		"origin":      state.Origin,
		"destination": state.Destination,
		"ambiguous":   ambiguous,
	})

	state.CurrentStep = StepPlanning
	return nil
}

// extractRoute 让模型返回 {"origin": ..., "destination": ...} 并做容错解析
func (e *Engine) extractRoute(ctx context.Context, r *run) (string, string, error) {
	template := NewChatTemplate()
	messages, err := template.Format(ctx, map[string]any{
		"time": time.Now().Format(time.RFC3339),
		"history": []*schema.Message{
			schema.UserMessage(PerceptionPrompt(r.state.UserRequest)),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("format chat template failed: %w", err)
	}

	msg, err := e.model.Generate(ctx, messages)
	if err != nil {
		return "", "", fmt.Errorf("chat model generate failed: %w", err)
	}

	r.sink.Append(EventLLMResponse, map[string]any{
		"node":    "perceive",
		"content": truncate(msg.Content, 512),
	})
	r.state.Conversation = append(r.state.Conversation, msg)

	content := strings.TrimSpace(msg.Content)
	content = strings.ReplaceAll(content, "```json", "")
	content = strings.ReplaceAll(content, "```", "")

	match := jsonObjectPattern.FindString(content)
	if match == "" {
		return "", "", nil
	}
	var parsed struct {
		Origin      string `json:"origin"`
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		// 模型返回了非法 JSON，按歧义处理而不是失败
		return "", "", nil
	}
	return strings.TrimSpace(parsed.Origin), strings.TrimSpace(parsed.Destination), nil
}

func heuristicExtract(userRequest string) (string, string) {
	m := heuristicRoutePattern.FindStringSubmatch(strings.TrimSpace(userRequest))
	if len(m) != 3 {
		return "", ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
}

// plan 规划节点：并发调度整组电池工具，合并结果并重建候选方案。
// 部分工具失败时照常推进，失败项以错误标记形式保留在 ToolOutputs 中。
func (e *Engine) plan(ctx context.Context, r *run) error {
	state := r.state
	pass := state.RetryCount + 1
	e.logger.Debug("plan: invoking tool battery",
		zap.Int("pass", pass), zap.Int("battery", e.gateway.BatterySize()))

	results := e.gateway.InvokeBattery(ctx, r.sink, state, pass)

	// ToolOutputs 跨轮次只追加
	state.ToolOutputs = append(state.ToolOutputs, results...)

	var status strings.Builder
	if state.TrafficStatus != "" {
		status.WriteString(state.TrafficStatus)
		status.WriteString("\n")
	}
	status.WriteString(fmt.Sprintf("—— 第 %d 轮路况采集 ——", pass))
	for _, res := range results {
		if res.Failed() {
			status.WriteString(fmt.Sprintf("\n【%s】调用失败: %s", res.Tool, res.Error))
			continue
		}
		status.WriteString(fmt.Sprintf("\n【%s】%s", res.Tool, truncate(res.Output, 200)))

		// 工具输出并入对话轨迹，供后续轮次与调试面板使用
		state.Conversation = append(state.Conversation,
			schema.ToolMessage(res.Output, fmt.Sprintf("%s-%d", res.Tool, res.Pass)))
	}
	state.TrafficStatus = status.String()

	// 候选方案整体替换，按各工具报告的置信度排序
	state.CandidatePlans = buildCandidatePlans(results)

	state.CurrentStep = StepReflecting
	return nil
}

// recommendationPayload 对应推荐工具的输出结构（字段名与工具返回保持一致）
type recommendationPayload struct {
	Result struct {
		Plans []struct {
			Mode     string  `json:"方式"`
			Duration string  `json:"时间"`
			Cost     string  `json:"费用"`
			Score    float64 `json:"推荐指数"`
		} `json:"推荐方案"`
	} `json:"result"`
}

// routePayload 对应路径规划工具的输出结构
type routePayload struct {
	Mode    string `json:"mode"`
	RawData struct {
		Route struct {
			Transits []struct {
				Cost     string `json:"cost"`
				Duration string `json:"duration"`
			} `json:"transits"`
			Paths []struct {
				Distance string `json:"distance"`
				Duration string `json:"duration"`
			} `json:"paths"`
		} `json:"route"`
	} `json:"raw_data"`
}

func buildCandidatePlans(results []ToolResult) []CandidatePlan {
	var plans []CandidatePlan

	for _, res := range results {
		if res.Failed() {
			continue
		}
		switch res.Tool {
		case "travel_recommendation":
			var payload recommendationPayload
			if err := json.Unmarshal([]byte(res.Output), &payload); err != nil {
				continue
			}
			for _, p := range payload.Result.Plans {
				plans = append(plans, CandidatePlan{
					Mode:     p.Mode,
					Duration: p.Duration,
					Cost:     p.Cost,
					Score:    p.Score,
					Summary:  fmt.Sprintf("推荐模型建议，推荐指数 %.2f", p.Score),
				})
			}
		case "route_planning":
			var payload routePayload
			if err := json.Unmarshal([]byte(res.Output), &payload); err != nil {
				continue
			}
			for _, transit := range payload.RawData.Route.Transits {
				plans = append(plans, CandidatePlan{
					Mode:     "公共交通",
					Duration: formatSeconds(transit.Duration),
					Cost:     transit.Cost + "元",
					Score:    0.5,
					Summary:  "基于地图路径规划",
				})
			}
			for _, path := range payload.RawData.Route.Paths {
				plans = append(plans, CandidatePlan{
					Mode:     "驾车",
					Duration: formatSeconds(path.Duration),
					Cost:     "按里程计",
					Score:    0.45,
					Summary:  "基于地图路径规划",
				})
			}
		}
	}

	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].Score > plans[j].Score
	})
	return plans
}

func formatSeconds(s string) string {
	sec, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || sec <= 0 {
		return s
	}
	return fmt.Sprintf("%d分钟", (sec+59)/60)
}

// reflect 反思节点：为本轮候选方案打分并记录理由，分值域 [0,1]。
// 分支决策（回到 planning 还是进入 outputting）由引擎的边表完成。
func (e *Engine) reflect(ctx context.Context, r *run) error {
	state := r.state

	score, justification, err := e.scorer.Score(ctx, state)
	if err != nil {
		return fmt.Errorf("reflect: %w", err)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	state.ReflectionScore = score

	r.sink.Append(EventReflection, map[string]any{
		"score":         score,
		"justification": justification,
		"retry_count":   state.RetryCount,
	})
	return nil
}

// Scorer 评估一轮规划结果的质量，返回 [0,1] 的分数及其理由
type Scorer interface {
	Score(ctx context.Context, state *RequestState) (float64, string, error)
}

// RubricScorer 是确定性的打分准则：从方案覆盖、槽位完整性、
// 工具错误率和异常安全标记四个信号合成分数。
type RubricScorer struct{}

func (RubricScorer) Score(_ context.Context, state *RequestState) (float64, string, error) {
	score := 0.5
	var reasons []string

	if len(state.CandidatePlans) > 0 {
		score += 0.2
		reasons = append(reasons, fmt.Sprintf("产出 %d 条候选方案", len(state.CandidatePlans)))
	} else {
		score -= 0.2
		reasons = append(reasons, "无候选方案")
	}

	if state.Origin != "" && state.Destination != "" {
		score += 0.15
		reasons = append(reasons, "起终点明确")
	} else {
		reasons = append(reasons, "起终点不完整")
	}

	if ratio := toolErrorRatio(state); ratio > 0 {
		score -= 0.4 * ratio
		reasons = append(reasons, fmt.Sprintf("工具错误率 %.0f%%", ratio*100))
	} else if len(state.ToolOutputs) > 0 {
		score += 0.1
		reasons = append(reasons, "工具全部成功")
	}

	if hasSevereAnomaly(state) {
		score -= 0.15
		reasons = append(reasons, "检测到严重交通异常")
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, strings.Join(reasons, "；"), nil
}

func toolErrorRatio(state *RequestState) float64 {
	// 只统计最近一轮（最大 pass）的结果，早期轮次的失败已被重试覆盖
	maxPass := 0
	for _, r := range state.ToolOutputs {
		if r.Pass > maxPass {
			maxPass = r.Pass
		}
	}
	if maxPass == 0 {
		return 0
	}
	total, failed := 0, 0
	for _, r := range state.ToolOutputs {
		if r.Pass != maxPass {
			continue
		}
		total++
		if r.Failed() {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

func hasSevereAnomaly(state *RequestState) bool {
	for _, r := range state.ToolOutputs {
		if r.Tool != "anomaly_detection" || r.Failed() {
			continue
		}
		if strings.Contains(r.Output, `"严重程度":"严重"`) || strings.Contains(r.Output, `"严重程度": "严重"`) {
			return true
		}
	}
	return false
}

// output 输出节点：把得分最高的候选方案格式化为最终推荐。
// 纯格式化、无模型调用，对同一终态重复执行产生相同的推荐文本。
func (e *Engine) output(ctx context.Context, r *run) error {
	state := r.state

	degraded := state.ReflectionScore < e.cfg.Threshold
	state.Recommendation = formatRecommendation(state, degraded)

	last := len(state.Conversation)
	if last == 0 || state.Conversation[last-1].Content != state.Recommendation {
		state.Conversation = append(state.Conversation, &schema.Message{
			Role:    schema.Assistant,
			Content: state.Recommendation,
		})
	}

	r.sink.Append(EventFinalOutput, map[string]any{
		"length":   len(state.Recommendation),
		"degraded": degraded,
	})

	state.CurrentStep = StepDone
	return nil
}

func formatRecommendation(state *RequestState, degraded bool) string {
	var b strings.Builder
	b.WriteString("## 出行建议\n\n")

	if state.Origin != "" || state.Destination != "" {
		b.WriteString(fmt.Sprintf("**路线**: %s → %s\n\n", orPlaceholder(state.Origin), orPlaceholder(state.Destination)))
	}

	if top, ok := state.TopPlan(); ok {
		b.WriteString(fmt.Sprintf("**推荐方式**: %s（预计 %s，费用 %s）\n", top.Mode, top.Duration, top.Cost))
		if top.Summary != "" {
			b.WriteString(fmt.Sprintf("- %s\n", top.Summary))
		}
		if len(state.CandidatePlans) > 1 {
			b.WriteString("\n**备选方案**:\n")
			for _, p := range state.CandidatePlans[1:] {
				b.WriteString(fmt.Sprintf("- %s：%s，%s（指数 %.2f）\n", p.Mode, p.Duration, p.Cost, p.Score))
			}
		}
	} else {
		b.WriteString("本次未能生成完整的出行方案，以下是已采集到的路况信息，供参考。\n")
	}

	if state.TrafficStatus != "" {
		b.WriteString("\n**路况摘要**:\n")
		b.WriteString(truncate(state.TrafficStatus, 1200))
		b.WriteString("\n")
	}

	if degraded {
		b.WriteString(fmt.Sprintf("\n> 注意：本建议置信度较低（%.2f），请结合实际情况判断。\n", state.ReflectionScore))
	}

	return b.String()
}

func orPlaceholder(s string) string {
	if s == "" {
		return "（待定）"
	}
	return s
}
