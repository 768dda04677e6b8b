package tools

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/TrafficAgent/internal/agent"
	"github.com/wwwzy/TrafficAgent/internal/storage"
)

const auditTruncateLimit = 2048

// AuditedTool 是一个工具包装器，在工具执行前后写审计记录
type AuditedTool struct {
	impl  tool.InvokableTool
	store *storage.Storage
}

// WrapWithAudit 将普通工具包装为带审计功能的工具；store 为 nil 时原样返回
func WrapWithAudit(t tool.InvokableTool, store *storage.Storage) tool.InvokableTool {
	if store == nil {
		return t
	}
	return &AuditedTool{impl: t, store: store}
}

func (t *AuditedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.impl.Info(ctx)
}

func (t *AuditedTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	info, err := t.impl.Info(ctx)
	action := "unknown"
	if err == nil && info != nil {
		action = info.Name
	}

	record := &storage.AuditRecord{
		TraceID:    agent.GetTraceID(ctx),
		Action:     action,
		ParamsJSON: truncate(argumentsInJSON, auditTruncateLimit),
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}

	// 审计落库失败不阻断工具执行
	if err := t.store.InsertAuditRecord(ctx, record); err != nil {
		fmt.Printf("[WARN] Failed to insert audit record: %v\n", err)
	}

	// 容错：参数 JSON 不完整时补全为空对象
	safeArgs := argumentsInJSON
	if safeArgs == "{" || safeArgs == "" {
		safeArgs = "{}"
	}
	result, runErr := t.impl.InvokableRun(ctx, safeArgs, opts...)

	finishedAt := time.Now().UTC()
	status := "success"
	var errMsg *string
	var resultJSON *string

	if runErr != nil {
		status = "failed"
		e := truncate(runErr.Error(), auditTruncateLimit)
		errMsg = &e
	} else {
		r := truncate(result, auditTruncateLimit)
		resultJSON = &r
	}

	// 只有 Insert 成功拿到 ID 后才能 Update
	if record.ID != 0 {
		update := storage.AuditUpdate{
			Status:       &status,
			ResultJSON:   resultJSON,
			ErrorMessage: errMsg,
			FinishedAt:   &finishedAt,
		}
		if err := t.store.UpdateAuditRecord(ctx, record.ID, update); err != nil {
			fmt.Printf("[WARN] Failed to update audit record: %v\n", err)
		}
	}

	return result, runErr
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
