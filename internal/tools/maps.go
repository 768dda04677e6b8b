package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const (
	amapBaseURL = "https://restapi.amap.com/v3/direction"

	// 地名解析未接入，使用北京中心区域的固定坐标
	defaultOriginCoord      = "116.481028,39.989643"
	defaultDestinationCoord = "116.434446,39.90816"
)

// AmapConfig 是高德地图 API 的接入配置；APIKey 为空时工具退化为离线模拟响应
type AmapConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RoutePlanningTool 通过高德地图 API 获取路径规划。
// mode 可选 transit（公交/地铁）、driving（驾车）、walking（步行）。
// 未配置 APIKey 时返回结构完好的模拟响应，保证离线环境下整条链路可用。
type RoutePlanningTool struct {
	cfg     AmapConfig
	client  *http.Client
	baseURL string
}

func NewRoutePlanningTool(cfg AmapConfig) *RoutePlanningTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RoutePlanningTool{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		baseURL: amapBaseURL,
	}
}

func (t *RoutePlanningTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "route_planning",
		Desc: "Get detailed route planning via Amap API. Modes: transit, driving, walking.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"origin": {
				Desc:     "Route origin",
				Type:     schema.String,
				Required: true,
			},
			"destination": {
				Desc:     "Route destination",
				Type:     schema.String,
				Required: true,
			},
			"mode": {
				Desc:     "Travel mode: transit, driving or walking (default transit)",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *RoutePlanningTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Origin      string `json:"origin"`
		Destination string `json:"destination"`
		Mode        string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	switch args.Mode {
	case "transit", "driving", "walking":
	default:
		args.Mode = "transit"
	}

	var rawData map[string]any
	if t.cfg.APIKey == "" {
		rawData = cannedRoute(args.Mode)
	} else {
		fetched, err := t.fetchRoute(ctx, args.Mode)
		if err != nil {
			return "", fmt.Errorf("amap request failed: %w", err)
		}
		rawData = fetched
	}

	return marshalResult(map[string]any{
		"tool":        "高德地图API",
		"mode":        args.Mode,
		"origin":      args.Origin,
		"destination": args.Destination,
		"raw_data":    rawData,
	})
}

func (t *RoutePlanningTool) fetchRoute(ctx context.Context, mode string) (map[string]any, error) {
	params := url.Values{}
	params.Set("key", t.cfg.APIKey)
	params.Set("origin", defaultOriginCoord)
	params.Set("destination", defaultDestinationCoord)
	params.Set("output", "json")

	endpoint := fmt.Sprintf("%s/%s?%s", t.baseURL, mode, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if status, _ := data["status"].(string); status != "1" {
		return nil, fmt.Errorf("amap error: %v", data["info"])
	}
	return data, nil
}

// cannedRoute 返回与真实高德响应同构的模拟数据
func cannedRoute(mode string) map[string]any {
	if mode == "transit" {
		return map[string]any{
			"status": "1",
			"info":   "OK",
			"route": map[string]any{
				"origin":      defaultOriginCoord,
				"destination": defaultDestinationCoord,
				"distance":    "12500",
				"transits": []map[string]any{
					{
						"cost":             "5",
						"duration":         "2400",
						"nightflag":        "0",
						"walking_distance": "500",
					},
				},
			},
		}
	}
	return map[string]any{
		"status": "1",
		"info":   "OK",
		"route": map[string]any{
			"paths": []map[string]any{
				{"distance": "15000", "duration": "2700"},
			},
		},
	}
}
