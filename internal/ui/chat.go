package ui

import (
	"context"

	"github.com/wwwzy/TrafficAgent/internal/agent"
)

// ChatBackend 抽象对话界面所需的引擎能力；*agent.Engine 直接满足该接口
type ChatBackend interface {
	Run(ctx context.Context, userRequest string, opts ...agent.RunOption) (*agent.RunOutcome, error)
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error
}

type ChatOptions struct {
	// ShowEvents 控制是否在对话流中展示节点进度事件
	ShowEvents bool
}
