package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wwwzy/TrafficAgent/internal/monitor"
	"github.com/wwwzy/TrafficAgent/internal/server"
	"github.com/wwwzy/TrafficAgent/internal/storage"
)

// serveCmd 以服务形态运行：HTTP API + 后台保留清理
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 服务",
	Long: `启动出行诱导 HTTP 服务，提供 /api/chat 同步接口、
/api/events 进度事件流（SSE）和 /metrics 指标端点，
并在后台按保留策略清理过期的运行与审计记录。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		// 1. 打开数据库
		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("打开数据库失败: %w", err)
		}
		defer store.Close()

		// 2. 组装引擎
		engine, err := buildEngine(ctx, store, logger)
		if err != nil {
			return err
		}

		// 3. 后台保留清理
		mgr, err := monitor.NewManager(cfg.Retention)
		if err != nil {
			return fmt.Errorf("创建管理器失败: %w", err)
		}
		if cfg.Retention.Enabled {
			collector, err := monitor.NewRetentionCollector(store, cfg.Retention)
			if err != nil {
				return fmt.Errorf("创建保留清理器失败: %w", err)
			}
			mgr.WithRetention(collector)
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("启动管理器失败: %w", err)
		}

		// 4. HTTP 服务
		srv, err := server.NewServer(cfg.Server, engine, store, logger)
		if err != nil {
			return fmt.Errorf("创建服务失败: %w", err)
		}

		srvErr := make(chan error, 1)
		go func() {
			srvErr <- srv.Start(ctx)
		}()

		// 5. 等待信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		fmt.Println("TrafficAgent 已启动。按 Ctrl+C 停止。")

		select {
		case sig := <-sigChan:
			fmt.Printf("收到信号: %s, 正在关闭...\n", sig)
			cancel()
			if err := <-srvErr; err != nil {
				logger.Error("http server shutdown error", zap.Error(err))
			}
		case err := <-srvErr:
			cancel()
			if err != nil {
				mgr.Stop()
				_ = mgr.Wait()
				return fmt.Errorf("HTTP 服务异常退出: %w", err)
			}
		case <-ctx.Done():
			fmt.Println("上下文已取消, 正在关闭...")
			if err := <-srvErr; err != nil {
				logger.Error("http server shutdown error", zap.Error(err))
			}
		}

		// 6. 优雅停止
		mgr.Stop()
		if err := mgr.Wait(); err != nil {
			return fmt.Errorf("管理器停止时发生错误: %w", err)
		}

		fmt.Println("关闭完成。")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
