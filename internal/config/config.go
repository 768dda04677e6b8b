package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wwwzy/TrafficAgent/internal/agent"
	"github.com/wwwzy/TrafficAgent/internal/monitor"
	"github.com/wwwzy/TrafficAgent/internal/server"
	"github.com/wwwzy/TrafficAgent/internal/storage"
	"github.com/wwwzy/TrafficAgent/internal/tools"
)

type Config struct {
	LogLevel  string                  `mapstructure:"log_level"`
	Ark       agent.ArkConfig         `mapstructure:"ark"`
	Amap      tools.AmapConfig        `mapstructure:"amap"`
	Engine    agent.Config            `mapstructure:"engine"`
	Storage   storage.Config          `mapstructure:"storage"`
	Retention monitor.RetentionConfig `mapstructure:"retention"`
	Server    server.Config           `mapstructure:"server"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 默认搜索路径
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.trafficagent")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TRAFFICAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Viper 的 Unmarshal 只反序列化它“知道”的 key（来自配置文件、
	// Defaults 或显式 Bind），所以所有 key 都先 SetDefault 一遍。
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件未找到，使用默认值
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Ark.APIKey == "" {
		return fmt.Errorf("ark.api_key is required (or set ARK_API_KEY env var)")
	}
	if c.Ark.ModelID == "" {
		return fmt.Errorf("ark.model_id is required (or set ARK_MODEL_ID env var)")
	}
	if c.Engine.Threshold < 0 || c.Engine.Threshold > 1 {
		return fmt.Errorf("engine.threshold must be in [0,1], got %v", c.Engine.Threshold)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0, got %d", c.Engine.MaxRetries)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	// Storage Defaults
	v.SetDefault("storage.path", "trafficagent.db")
	v.SetDefault("storage.busy_timeout", 5*time.Second)

	// Engine Defaults
	engineDefaults := agent.DefaultConfig()
	v.SetDefault("engine.threshold", engineDefaults.Threshold)
	v.SetDefault("engine.max_retries", engineDefaults.MaxRetries)
	v.SetDefault("engine.run_timeout", engineDefaults.RunTimeout)
	v.SetDefault("engine.per_tool_timeout", engineDefaults.PerToolTimeout)
	v.SetDefault("engine.fallback_extraction", engineDefaults.FallbackExtraction)

	// Retention Defaults
	retentionDefaults := monitor.DefaultRetentionConfig()
	v.SetDefault("retention.enabled", retentionDefaults.Enabled)
	v.SetDefault("retention.interval", retentionDefaults.Interval)
	v.SetDefault("retention.keep_runs", retentionDefaults.KeepRuns)
	v.SetDefault("retention.keep_audits", retentionDefaults.KeepAudits)
	v.SetDefault("retention.batch_rows", retentionDefaults.BatchRows)
	v.SetDefault("retention.idle_sleep", retentionDefaults.IdleSleep)
	v.SetDefault("retention.workers", retentionDefaults.Workers)

	// Server Defaults
	serverDefaults := server.DefaultConfig()
	v.SetDefault("server.addr", serverDefaults.Addr)
	v.SetDefault("server.read_timeout", serverDefaults.ReadTimeout)
	v.SetDefault("server.write_timeout", serverDefaults.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", serverDefaults.ShutdownTimeout)

	// Ark AI Defaults
	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.model_id", "")
	v.SetDefault("ark.base_url", "https://ark.cn-beijing.volces.com/api/v3")

	v.BindEnv("ark.api_key", "ARK_API_KEY")
	v.BindEnv("ark.model_id", "ARK_MODEL_ID")
	v.BindEnv("ark.base_url", "ARK_BASE_URL")

	// Amap Defaults（APIKey 为空时路径规划工具使用离线模拟响应）
	v.SetDefault("amap.api_key", "")
	v.SetDefault("amap.timeout", 10*time.Second)

	v.BindEnv("amap.api_key", "AMAP_API_KEY")
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Engine:   agent.DefaultConfig(),
		Storage: storage.Config{
			Path:        "trafficagent.db",
			BusyTimeout: 5 * time.Second,
		},
		Retention: monitor.DefaultRetentionConfig(),
		Server:    server.DefaultConfig(),
	}
}
