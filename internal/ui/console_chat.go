package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/wwwzy/TrafficAgent/internal/agent"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error {
	in := u.In
	if in == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	out := u.Out
	if out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}

	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "进入出行诱导对话模式。输入 exit/quit 退出。")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "已退出。")
			return nil
		default:
		}

		fmt.Fprint(out, "你: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out, "已退出。")
				return nil
			}
			return fmt.Errorf("读取输入失败: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(out, "已退出。")
			return nil
		}

		// 每次新请求生成一个 TraceID
		runCtx := agent.WithTraceID(ctx, uuid.New().String())

		var runOpts []agent.RunOption
		if opts.ShowEvents {
			runOpts = append(runOpts, agent.WithEventObserver(func(ev agent.Event) {
				fmt.Fprintln(out, formatEventLine(ev))
			}))
		}

		outcome, err := backend.Run(runCtx, line, runOpts...)
		if err != nil {
			return err
		}

		if outcome.Failed() {
			fmt.Fprintf(out, "助手: 本次请求未能完成（%s）。\n\n", outcome.FailureCause)
			continue
		}
		fmt.Fprintf(out, "助手:\n%s\n", outcome.Recommendation)
		fmt.Fprintln(out)
	}
}

// formatEventLine 把一条进度事件压成单行提示
func formatEventLine(ev agent.Event) string {
	switch ev.Type {
	case agent.EventPerception:
		return fmt.Sprintf("  · 感知完成：%v → %v", ev.Content["origin"], ev.Content["destination"])
	case agent.EventToolExecution:
		return fmt.Sprintf("  · 工具 %v 第 %v 轮完成", ev.Content["tool"], ev.Content["pass"])
	case agent.EventToolError:
		return fmt.Sprintf("  · 工具 %v 失败：%v", ev.Content["tool"], ev.Content["error"])
	case agent.EventReflection:
		return fmt.Sprintf("  · 反思评分 %.2f", toFloat(ev.Content["score"]))
	case agent.EventLowConfidenceTerminal:
		return "  · 重试额度用尽，按低置信度输出"
	default:
		return fmt.Sprintf("  · %s", ev.Type)
	}
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
