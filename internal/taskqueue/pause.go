package taskqueue

import (
	"context"
	"sync"
)

// PauseStore records whether dispatch from a queue is paused.
type PauseStore interface {
	SetPaused(ctx context.Context, queue string, paused bool) error
	IsPaused(ctx context.Context, queue string) (bool, error)
}

// MemoryPauseState is a process-local PauseStore.
type MemoryPauseState struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewMemoryPauseState returns an empty MemoryPauseState.
func NewMemoryPauseState() *MemoryPauseState {
	return &MemoryPauseState{paused: make(map[string]bool)}
}

func (m *MemoryPauseState) SetPaused(_ context.Context, queue string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queue] = paused
	return nil
}

func (m *MemoryPauseState) IsPaused(_ context.Context, queue string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[queue], nil
}
