package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps the snapshot in process memory.
//
// It is safe for concurrent use. Use it when Redis is not available (local
// development, single-instance deployments, tests). Replicas do not share
// it, so health transitions made on one instance are invisible to others.
type MemoryBackend struct {
	mu   sync.RWMutex
	data []byte
	ver  int64
}

// NewMemoryBackend returns a backend holding an empty snapshot.
func NewMemoryBackend() *MemoryBackend {
	data, _ := encodeSnapshot(NewSnapshot())
	return &MemoryBackend{data: data}
}

// Load decodes a private copy of the stored snapshot.
func (m *MemoryBackend) Load(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	data := m.data
	m.mu.RUnlock()
	return decodeSnapshot(data)
}

// Replace stores snap when its version matches.
func (m *MemoryBackend) Replace(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Version != m.ver {
		return ErrConflict
	}

	next := *snap
	next.Version = m.ver + 1
	data, err := encodeSnapshot(&next)
	if err != nil {
		return err
	}
	m.data = data
	m.ver = next.Version
	snap.Version = next.Version
	return nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }
