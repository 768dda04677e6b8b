package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Manager 托管后台清理协程的生命周期：Start 启动，Stop 请求停止，Wait 等待退出。
type Manager struct {
	cfg RetentionConfig

	retention *RetentionCollector

	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runErrMu sync.Mutex
	runErr   error
}

func NewManager(cfg RetentionConfig) (*Manager, error) {
	return &Manager{cfg: cfg.withDefaults()}, nil
}

func (m *Manager) WithRetention(retention *RetentionCollector) *Manager {
	if m == nil {
		return nil
	}
	m.retention = retention
	if m.retention != nil {
		m.retention.cfg = m.cfg
	}
	return m
}

func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.cfg.Enabled {
		if m.retention == nil {
			m.cancel()
			return errors.New("retention collector is required when retention enabled")
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.retention.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.runErrMu.Lock()
				if m.runErr == nil {
					m.runErr = err
				}
				m.runErrMu.Unlock()
				m.cancel()
			}
		}()
	}

	return nil
}

func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
}

func (m *Manager) Wait() error {
	if m == nil {
		return nil
	}
	m.wg.Wait()
	m.runErrMu.Lock()
	defer m.runErrMu.Unlock()
	return m.runErr
}
