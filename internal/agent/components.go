package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ArkConfig 是 Ark ChatModel 的接入配置
type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

// ModelClient 抽象图节点所需的最小模型能力，便于测试替换。
// *ark.ChatModel 直接满足该接口。
type ModelClient interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// NewChatModel 初始化 Ark ChatModel
func NewChatModel(ctx context.Context, arkConfig ArkConfig) (*ark.ChatModel, error) {
	if arkConfig.APIKey == "" || arkConfig.ModelID == "" {
		return nil, fmt.Errorf("ARK_API_KEY, ARK_MODEL_ID must be set")
	}

	config := &ark.ChatModelConfig{
		APIKey:  arkConfig.APIKey,
		Model:   arkConfig.ModelID,
		BaseURL: arkConfig.BaseURL,
	}

	chatModel, err := ark.NewChatModel(ctx, config)
	if err != nil {
		return nil, err
	}

	return chatModel, nil
}
