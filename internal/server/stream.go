package server

import (
	"sync"
)

// StreamManager 管理按 trace_id 分组的 SSE 订阅连接
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan string]struct{}
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan string]struct{}),
	}
}

// Subscribe 返回指定链路的消息通道和退订函数
func (sm *StreamManager) Subscribe(traceID string) (chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 64)
	if sm.subscribers[traceID] == nil {
		sm.subscribers[traceID] = make(map[chan string]struct{})
	}
	sm.subscribers[traceID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[traceID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(sm.subscribers, traceID)
			}
		}
	}
}

// Broadcast 向指定链路的所有订阅者推送一条消息；慢消费者丢弃
func (sm *StreamManager) Broadcast(traceID string, msg string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if subs, ok := sm.subscribers[traceID]; ok {
		for ch := range subs {
			select {
			case ch <- msg:
			default:
				// 客户端缓冲满，丢弃
			}
		}
	}
}

// SubscriberCount 返回指定链路当前的订阅连接数
func (sm *StreamManager) SubscriberCount(traceID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[traceID])
}
