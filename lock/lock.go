// Package lock provides named try-locks. Acquisition never waits: a lock held
// elsewhere yields a nil handle immediately.
package lock

import (
	"context"
	"sync"
)

// Handle releases an acquired lock. Releasing twice is harmless.
type Handle interface {
	Release(ctx context.Context) error
}

// Provider acquires named locks.
type Provider interface {
	// TryAcquire returns a handle, or nil when the lock is already held.
	TryAcquire(ctx context.Context, name string) (Handle, error)
}

// MemoryProvider is a process-local Provider.
type MemoryProvider struct {
	mu    sync.Mutex
	held  map[string]uint64
	token uint64
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{held: make(map[string]uint64)}
}

func (p *MemoryProvider) TryAcquire(_ context.Context, name string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.held[name]; ok {
		return nil, nil
	}
	p.token++
	p.held[name] = p.token
	return &memoryHandle{provider: p, name: name, token: p.token}, nil
}

type memoryHandle struct {
	provider *MemoryProvider
	name     string
	token    uint64
}

func (h *memoryHandle) Release(context.Context) error {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	if h.provider.held[h.name] == h.token {
		delete(h.provider.held, h.name)
	}
	return nil
}
