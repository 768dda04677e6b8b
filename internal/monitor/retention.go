package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wwwzy/TrafficAgent/internal/storage"
)

// RetentionCollector 按保留策略周期性清理过期的运行记录与工具审计记录。
// 删除分小批执行，批间留间歇，不与在线读写抢锁。
type RetentionCollector struct {
	cfg RetentionConfig

	store *storage.Storage
}

func NewRetentionCollector(store *storage.Storage, cfg RetentionConfig) (*RetentionCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &RetentionCollector{store: store, cfg: cfg.withDefaults()}, nil
}

func (c *RetentionCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}

	if err := c.runOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.runOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

func (c *RetentionCollector) runOnce(ctx context.Context, now time.Time) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}

	runsCut := now.Add(-c.cfg.KeepRuns)
	auditsCut := now.Add(-c.cfg.KeepAudits)

	tasks := []func(context.Context) error{
		func(ctx context.Context) error { return c.deleteRunsBefore(ctx, runsCut) },
		func(ctx context.Context) error { return c.deleteAuditsBefore(ctx, auditsCut) },
	}

	workers := c.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan func(context.Context) error)
	errs := make(chan error, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			return ctx.Err()
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			c.cfg.OnError(err)
			return err
		}
	}
	return nil
}

func (c *RetentionCollector) deleteRunsBefore(ctx context.Context, before time.Time) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		affected, err := c.store.DeleteRunRecordsBeforeLimited(ctx, before, c.cfg.BatchRows)
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return err
		}
	}
}

func (c *RetentionCollector) deleteAuditsBefore(ctx context.Context, before time.Time) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		affected, err := c.store.DeleteAuditRecordsBeforeLimited(ctx, before, c.cfg.BatchRows)
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return err
		}
	}
}

func (c *RetentionCollector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
