package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore 单实例部署与测试使用
type InMemoryStore struct {
	mu        sync.Mutex
	entries   map[string]time.Time // eventId -> 过期时间
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryStore 启动后台过期清理
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		entries:  make(map[string]time.Time),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, eventId string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, ok := s.entries[eventId]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.entries[eventId] = now.Add(ttl)
	return true, nil
}

func (s *InMemoryStore) IsProcessed(ctx context.Context, eventId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.entries[eventId]
	return ok && s.now().Before(expiresAt), nil
}

func (s *InMemoryStore) Forget(ctx context.Context, eventId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, eventId)
	return nil
}

// Close 可重复调用
func (s *InMemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *InMemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *InMemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, id)
		}
	}
}

// Size 当前条目数
func (s *InMemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ Store = (*InMemoryStore)(nil)
