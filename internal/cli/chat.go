package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wwwzy/TrafficAgent/internal/storage"
	"github.com/wwwzy/TrafficAgent/internal/tui"
	"github.com/wwwzy/TrafficAgent/internal/ui"
)

var (
	chatUIKind     string
	chatShowEvents bool
	chatNoStore    bool
)

// chatCmd 启动交互式出行诱导对话
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式出行诱导对话",
	Long: `启动一个对话会话，逐条输入出行请求，
智能体会经过感知、规划、反思后给出推荐。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Ctrl+C 触发取消，交给各界面自行退出
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		// 存储是可选的：打不开就退化为无审计、无历史查询的模式
		var store *storage.Storage
		if !chatNoStore {
			store, err = storage.Open(ctx, cfg.Storage)
			if err != nil {
				logger.Warn("存储不可用，继续以无持久化模式运行")
				store = nil
			} else {
				defer store.Close()
			}
		}

		engine, err := buildEngine(ctx, store, logger)
		if err != nil {
			return err
		}

		var uiImpl ui.ChatUI
		switch chatUIKind {
		case "tui":
			uiImpl = &tui.ChatUI{}
		case "console":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		default:
			return fmt.Errorf("未知界面类型 %q（可选: console, tui）", chatUIKind)
		}

		return uiImpl.Run(ctx, engine, ui.ChatOptions{ShowEvents: chatShowEvents})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVar(&chatUIKind, "ui", "console", "对话界面类型（console 或 tui）")
	chatCmd.Flags().BoolVar(&chatShowEvents, "show-events", false, "在对话中展示节点进度事件")
	chatCmd.Flags().BoolVar(&chatNoStore, "no-store", false, "不打开数据库（禁用审计与历史查询）")
}
