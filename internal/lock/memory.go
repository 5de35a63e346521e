package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Locker for single-instance deployments and tests.
type Memory struct {
	mu    sync.Mutex
	held  map[string]Lease
	clock func() time.Time
}

// NewMemory creates an empty in-memory locker.
func NewMemory() *Memory {
	return &Memory{
		held:  make(map[string]Lease),
		clock: time.Now,
	}
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	token := newToken()
	var lease Lease

	err := poll(ctx, wait, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		now := m.clock()
		if cur, ok := m.held[key]; ok && now.Before(cur.ExpiresAt) {
			return false, nil
		}
		lease = Lease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}
		m.held[key] = lease
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (m *Memory) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.held[l.Key]; ok && cur.Token == l.Token {
		delete(m.held, l.Key)
	}
	return nil
}
