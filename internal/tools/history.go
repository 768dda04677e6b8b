package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/TrafficAgent/internal/storage"
)

// QueryHistoryTool 查询历史出行诱导记录，支持按链路与时间窗过滤。
// 为保持工具输出可控，只返回每条记录的摘要字段。
type QueryHistoryTool struct {
	store *storage.Storage
}

func NewQueryHistoryTool(store *storage.Storage) *QueryHistoryTool {
	return &QueryHistoryTool{store: store}
}

func (t *QueryHistoryTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "query_history",
		Desc: "Query past travel guidance runs (request, route, recommendation, score).",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"trace_id": {
				Desc:     "Filter by trace ID",
				Type:     schema.String,
				Required: false,
			},
			"since_hours": {
				Desc:     "Only runs started within the last N hours",
				Type:     schema.Integer,
				Required: false,
			},
			"limit": {
				Desc:     "Maximum number of runs to return (default 10)",
				Type:     schema.Integer,
				Required: false,
			},
		}),
	}, nil
}

func (t *QueryHistoryTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	if t.store == nil {
		return "", errors.New("history storage not available")
	}

	var args struct {
		TraceID    string `json:"trace_id"`
		SinceHours int    `json:"since_hours"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Limit <= 0 {
		args.Limit = 10
	}

	q := storage.RunQuery{
		TraceID: args.TraceID,
		Limit:   args.Limit,
		Desc:    true,
	}
	if args.SinceHours > 0 {
		from := time.Now().UTC().Add(-time.Duration(args.SinceHours) * time.Hour)
		q.From = &from
	}

	records, err := t.store.QueryRunRecords(ctx, q)
	if err != nil {
		return "", err
	}

	type runSummary struct {
		TraceID         string    `json:"trace_id,omitempty"`
		UserRequest     string    `json:"user_request"`
		Origin          string    `json:"origin,omitempty"`
		Destination     string    `json:"destination,omitempty"`
		Status          string    `json:"status"`
		ReflectionScore float64   `json:"reflection_score"`
		RetryCount      int       `json:"retry_count"`
		StartedAt       time.Time `json:"started_at"`
	}
	summaries := make([]runSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, runSummary{
			TraceID:         rec.TraceID,
			UserRequest:     rec.UserRequest,
			Origin:          rec.Origin,
			Destination:     rec.Destination,
			Status:          rec.Status,
			ReflectionScore: rec.ReflectionScore,
			RetryCount:      rec.RetryCount,
			StartedAt:       rec.StartedAt,
		})
	}

	return marshalResult(map[string]any{
		"tool":  "历史记录查询",
		"count": len(summaries),
		"runs":  summaries,
	})
}
