package tools

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"

	"github.com/wwwzy/TrafficAgent/internal/agent"
	"github.com/wwwzy/TrafficAgent/internal/storage"
)

// RegisterDefaults 向网关注册默认工具集并装配 Plan 阶段的固定电池：
// 四个路况模型 + 高德路径规划。store 非 nil 时所有工具带审计包装，
// 且额外注册 query_history（按需调用，不进电池）。
//
// 参数构造器读取调用时刻的状态，起终点缺失时回退为用户原文，
// 让工具仍有机会返回可用数据。
func RegisterDefaults(ctx context.Context, gw *agent.ToolGateway, store *storage.Storage, amap AmapConfig) error {
	battery := []tool.InvokableTool{
		&TrafficPredictionTool{},
		&AnomalyDetectionTool{},
		&CausalAnalysisTool{},
		&TravelRecommendationTool{},
		NewRoutePlanningTool(amap),
	}

	for _, t := range battery {
		wrapped := WrapWithAudit(t, store)
		if err := gw.Register(ctx, wrapped); err != nil {
			return fmt.Errorf("register battery tool: %w", err)
		}
	}

	gw.AddBattery("traffic_prediction", func(s *agent.RequestState) map[string]any {
		return map[string]any{
			"origin":      orRequest(s.Origin, s),
			"destination": orRequest(s.Destination, s),
		}
	})
	gw.AddBattery("anomaly_detection", func(s *agent.RequestState) map[string]any {
		return map[string]any{
			"location": orRequest(s.Destination, s),
		}
	})
	gw.AddBattery("causal_analysis", func(s *agent.RequestState) map[string]any {
		return map[string]any{
			"affected_area": orRequest(s.Destination, s),
		}
	})
	gw.AddBattery("travel_recommendation", func(s *agent.RequestState) map[string]any {
		return map[string]any{
			"origin":      orRequest(s.Origin, s),
			"destination": orRequest(s.Destination, s),
		}
	})
	gw.AddBattery("route_planning", func(s *agent.RequestState) map[string]any {
		return map[string]any{
			"origin":      orRequest(s.Origin, s),
			"destination": orRequest(s.Destination, s),
			"mode":        "transit",
		}
	})

	if store != nil {
		if err := gw.Register(ctx, WrapWithAudit(NewQueryHistoryTool(store), store)); err != nil {
			return fmt.Errorf("register history tool: %w", err)
		}
	}

	return nil
}

func orRequest(v string, s *agent.RequestState) string {
	if v != "" {
		return v
	}
	return s.UserRequest
}
