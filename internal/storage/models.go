package storage

import "time"

// RunRecord 表示一次完整的出行诱导请求及其终态，用于历史回看与效果分析。
//
// 一条记录对应引擎的一次 Run：从用户输入到最终推荐（或失败原因）。
// 事件序列等复杂结构统一以 JSON 字符串存放，便于快速落地与版本演进。
type RunRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 用于串联一次请求链路（API / CLI / 审计），便于按链路聚合。
	TraceID string `gorm:"size:64;index"`
	// UserRequest 为用户原始输入。
	UserRequest string `gorm:"type:text;not null"`
	// Origin/Destination 为感知阶段提取出的起终点（可能为空）。
	Origin      string `gorm:"size:255"`
	Destination string `gorm:"size:255"`
	// Recommendation 为最终推荐文本（失败终态下为空）。
	Recommendation string `gorm:"type:text"`
	// ReflectionScore 为最后一轮反思评分 [0,1]。
	ReflectionScore float64 `gorm:"not null"`
	// RetryCount 为回边实际走过的次数。
	RetryCount int `gorm:"not null"`
	// Status 为终态（done/failed），用于快速筛选与统计。
	Status string `gorm:"size:32;not null;index"`
	// FailureCause 存放失败终态的原因（cancelled/run_timeout/节点错误）。
	FailureCause string `gorm:"type:text"`
	// EventsJSON 存放完整事件序列（JSON 数组字符串），供调试面板回放。
	EventsJSON string `gorm:"type:text"`
	// StartedAt/FinishedAt 为运行起止时间（推荐用 UTC）。
	StartedAt  time.Time `gorm:"not null;index"`
	FinishedAt time.Time `gorm:"index"`
	// CreatedAt 为记录写入数据库的时间，默认自动填充。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
}

// AuditRecord 记录一次工具调用及其结果，用于审计、追溯与后续分析。
//
// 一条审计记录对应网关的一次工具分发（例如 traffic_prediction / route_planning）。
// 复杂入参/输出统一以 JSON 字符串存放。
type AuditRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 用于串联一次请求链路（可选），便于按链路聚合审计。
	TraceID string `gorm:"size:64;index"`
	// Action 表示执行的动作（稳定的工具名，例如 traffic_prediction）。
	Action string `gorm:"size:128;not null;index"`
	// ParamsJSON 存放工具调用参数（JSON 字符串）。
	ParamsJSON string `gorm:"type:text"`
	// ResultJSON 存放工具输出摘要（JSON 字符串）。
	ResultJSON string `gorm:"type:text"`
	// Status 表示执行状态（running/success/failed），用于快速筛选与统计。
	Status string `gorm:"size:32;not null;index"`
	// ErrorMessage 存放失败时的错误信息（可选，便于检索）。
	ErrorMessage string `gorm:"type:text"`
	// StartedAt/FinishedAt 表示动作起止时间。统计耗时可用 FinishedAt-StartedAt。
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time `gorm:"index"`
	// CreatedAt 为记录写入数据库的时间（与 StartedAt 含义不同），默认自动填充。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
}
