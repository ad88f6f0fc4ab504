package nodestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/flashcore/kv/internal/coretypes"
)

// MemIO is an in-memory [coretypes.NodeIO] backend: one shard is a map from
// logical id to its last-written bytes. This is the IN_MEMORY flag's
// back-end, and is also the backend every internal/btree and
// internal/hashdir test uses so that engine tests don't depend on a real
// filesystem.
type MemIO struct {
	mu     sync.RWMutex
	shards map[uint32]map[uint64][]byte
}

// NewMemIO constructs an empty in-memory node store.
func NewMemIO() *MemIO {
	return &MemIO{shards: make(map[uint32]map[uint64][]byte)}
}

func (m *MemIO) shard(shard uint32) map[uint64][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[shard]
	if !ok {
		s = make(map[uint64][]byte)
		m.shards[shard] = s
	}

	return s
}

// ReadNode implements [coretypes.NodeIO].
func (m *MemIO) ReadNode(_ context.Context, shard uint32, logicalID uint64) ([]byte, error) {
	m.mu.RLock()
	s, ok := m.shards[shard]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("shard %d: node %d: %w", shard, logicalID, ErrNotFound)
	}

	m.mu.RLock()
	buf, ok := s[logicalID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("node %d: %w", logicalID, ErrNotFound)
	}

	out := make([]byte, len(buf))
	copy(out, buf)

	return out, nil
}

// WriteNode implements [coretypes.NodeIO].
func (m *MemIO) WriteNode(_ context.Context, shard uint32, logicalID uint64, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	s := m.shard(shard)

	m.mu.Lock()
	s[logicalID] = cp
	m.mu.Unlock()

	return nil
}

// CreateNode implements [coretypes.NodeIO]. MemIO does not distinguish
// reservation from first write, so this only ensures the shard exists.
func (m *MemIO) CreateNode(_ context.Context, shard uint32, _ uint64) error {
	m.shard(shard)
	return nil
}

// DeleteNode implements [coretypes.NodeIO].
func (m *MemIO) DeleteNode(_ context.Context, shard uint32, logicalID uint64) error {
	s := m.shard(shard)

	m.mu.Lock()
	delete(s, logicalID)
	m.mu.Unlock()

	return nil
}

// FlushNode implements [coretypes.NodeIO]. A no-op: every WriteNode call is
// already durable in the process's memory for the life of the MemIO.
func (m *MemIO) FlushNode(_ context.Context, _ uint32, _ uint64) error { return nil }

var _ coretypes.NodeIO = (*MemIO)(nil)
