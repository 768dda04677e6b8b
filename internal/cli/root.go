package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wwwzy/TrafficAgent/internal/agent"
	"github.com/wwwzy/TrafficAgent/internal/config"
	"github.com/wwwzy/TrafficAgent/internal/storage"
	"github.com/wwwzy/TrafficAgent/internal/tools"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "trafficagent",
	Short: "TrafficAgent 是一个智慧交通诱导智能体",
	Long: `TrafficAgent 基于实时路况数据和大模型推理，
把自然语言的出行请求转化为经过质量评估的出行推荐。`,
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.trafficagent/config.yaml 搜索）")
}

// initConfig 读取配置文件和环境变量（如果已设置）。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
}

// newLogger 根据配置的级别构建结构化日志器
func newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("非法日志级别 %q: %w", cfg.LogLevel, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	return zapCfg.Build()
}

// buildEngine 组装一台可用的引擎：Ark 模型 + 默认工具电池。
// store 为 nil 时工具不带审计包装且不注册历史查询工具。
func buildEngine(ctx context.Context, store *storage.Storage, logger *zap.Logger) (*agent.Engine, error) {
	model, err := agent.NewChatModel(ctx, cfg.Ark)
	if err != nil {
		return nil, fmt.Errorf("初始化 ChatModel 失败: %w", err)
	}

	gw := agent.NewToolGateway(cfg.Engine.PerToolTimeout)
	if err := tools.RegisterDefaults(ctx, gw, store, cfg.Amap); err != nil {
		return nil, fmt.Errorf("注册工具失败: %w", err)
	}

	return agent.NewEngine(cfg.Engine, model, gw, agent.WithLogger(logger))
}
