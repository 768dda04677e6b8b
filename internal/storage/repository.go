package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

type RunQuery struct {
	// TraceID 为可选过滤条件，精确匹配。
	TraceID string
	// Status 过滤终态（done/failed）。
	Status string
	// From/To 过滤 StartedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 StartedAt 倒序返回（优先返回最新运行）。
	Desc bool
}

func (s *Storage) InsertRunRecord(ctx context.Context, rec *RunRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("run record is nil")
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

func (s *Storage) QueryRunRecords(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&RunRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("started_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("started_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("started_at DESC")
	} else {
		db = db.Order("started_at ASC")
	}
	db = db.Limit(limit)

	var out []RunRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteRunRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("started_at < ?", before).Delete(&RunRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete run records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) DeleteRunRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	db := s.db.WithContext(ctx).Model(&RunRecord{}).
		Select("id").
		Where("started_at < ?", before).
		Order("id ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select run record ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&RunRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete run records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type AuditQuery struct {
	TraceID string
	Action  string
	Status  string
	// From/To 过滤 StartedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 StartedAt 倒序返回。
	Desc bool
}

// AuditUpdate 的字段均为指针：nil 表示不更新该列。
type AuditUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("audit record is nil")
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Storage) UpdateAuditRecord(ctx context.Context, id uint64, update AuditUpdate) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if id == 0 {
		return errors.New("audit record id is required")
	}

	values := map[string]any{}
	if update.Status != nil {
		values["status"] = *update.Status
	}
	if update.ResultJSON != nil {
		values["result_json"] = *update.ResultJSON
	}
	if update.ErrorMessage != nil {
		values["error_message"] = *update.ErrorMessage
	}
	if update.FinishedAt != nil {
		values["finished_at"] = *update.FinishedAt
	}
	if len(values) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&AuditRecord{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update audit record: %w", res.Error)
	}
	return nil
}

func (s *Storage) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&AuditRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("started_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("started_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("started_at DESC")
	} else {
		db = db.Order("started_at ASC")
	}
	db = db.Limit(limit)

	var out []AuditRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteAuditRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("started_at < ?", before).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) DeleteAuditRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	db := s.db.WithContext(ctx).Model(&AuditRecord{}).
		Select("id").
		Where("started_at < ?", before).
		Order("id ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select audit record ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) CountRunRecords(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&RunRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count run records: %w", err)
	}
	return count, nil
}

func (s *Storage) CountAuditRecords(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&AuditRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return count, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func normalizeDeleteLimit(limit int) int {
	if limit <= 0 {
		return defaultDeleteLimit
	}
	if limit > maxDeleteLimit {
		return maxDeleteLimit
	}
	return limit
}
