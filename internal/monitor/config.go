package monitor

import (
	"runtime"
	"time"
)

type ErrorHandler func(err error)

type RetentionConfig struct {
	// Enabled 控制保留策略清理流水线是否启用。
	Enabled bool `mapstructure:"enabled"`

	// Interval 为清理周期；每到一个周期扫描一次过期数据。
	Interval time.Duration `mapstructure:"interval"`
	// KeepRuns 为运行记录的保留时长，StartedAt 早于该窗口的记录被删除。
	KeepRuns time.Duration `mapstructure:"keep_runs"`
	// KeepAudits 为工具审计记录的保留时长。
	KeepAudits time.Duration `mapstructure:"keep_audits"`

	// BatchRows 为单次删除的最大行数；小批量删除避免长事务锁表。
	BatchRows int `mapstructure:"batch_rows"`
	// IdleSleep 为两次删除批之间的间歇，给正常读写让路。
	IdleSleep time.Duration `mapstructure:"idle_sleep"`
	// Workers 为并发执行清理任务的 worker 数量。
	Workers int `mapstructure:"workers"`

	// OnError 为异步错误回调（例如删除失败）；默认丢弃。
	OnError ErrorHandler `mapstructure:"-"`
}

func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:    true,
		Interval:   time.Hour,
		KeepRuns:   30 * 24 * time.Hour,
		KeepAudits: 7 * 24 * time.Hour,
		BatchRows:  500,
		IdleSleep:  50 * time.Millisecond,
		Workers:    maxInt(2, runtime.NumCPU()),
	}
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.KeepRuns <= 0 {
		c.KeepRuns = 30 * 24 * time.Hour
	}
	if c.KeepAudits <= 0 {
		c.KeepAudits = 7 * 24 * time.Hour
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.Workers <= 0 {
		c.Workers = maxInt(2, runtime.NumCPU())
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
