package relay

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryArchive is an in-memory implementation of Archive, used in tests and
// for single-process setups. Block and SetOffline simulate a censoring or
// unreachable relay. This implementation is safe for concurrent use.
type MemoryArchive struct {
	url string

	mu      sync.RWMutex
	chunks  map[string]map[string][]byte // routing hash -> chunk ID -> data
	blocked map[string]bool
	offline bool
}

// NewMemoryArchive creates an empty archive identified by url.
func NewMemoryArchive(url string) *MemoryArchive {
	return &MemoryArchive{
		url:     url,
		chunks:  make(map[string]map[string][]byte),
		blocked: make(map[string]bool),
	}
}

// URL returns the archive's node URL.
func (m *MemoryArchive) URL() string { return m.url }

// Block makes every request for routingHash fail with ErrBlocked.
func (m *MemoryArchive) Block(routingHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[routingHash] = true
}

// Unblock reverses Block.
func (m *MemoryArchive) Unblock(routingHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, routingHash)
}

// SetOffline makes every request fail with ErrUnreachable while offline is true.
func (m *MemoryArchive) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MemoryArchive) check(routingHash string) error {
	if m.offline {
		return fmt.Errorf("%s: %w", m.url, ErrUnreachable)
	}
	if m.blocked[routingHash] {
		return fmt.Errorf("%s: %w", m.url, ErrBlocked)
	}
	return nil
}

// Put stores a copy of data.
func (m *MemoryArchive) Put(ctx context.Context, routingHash, chunkID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(routingHash); err != nil {
		return err
	}
	bucket, ok := m.chunks[routingHash]
	if !ok {
		bucket = make(map[string][]byte)
		m.chunks[routingHash] = bucket
	}
	bucket[chunkID] = slices.Clone(data)
	return nil
}

// Get returns a copy of the stored data.
func (m *MemoryArchive) Get(ctx context.Context, routingHash, chunkID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(routingHash); err != nil {
		return nil, err
	}
	data, ok := m.chunks[routingHash][chunkID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(data), nil
}

// List returns the sorted chunk IDs under routingHash.
func (m *MemoryArchive) List(ctx context.Context, routingHash string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(routingHash); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(m.chunks[routingHash]))
	for id := range m.chunks[routingHash] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// ValidateSetup fails only while the archive is offline.
func (m *MemoryArchive) ValidateSetup(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return fmt.Errorf("%s: %w", m.url, ErrUnreachable)
	}
	return nil
}

// Compile-time check that MemoryArchive implements Archive
var _ Archive = (*MemoryArchive)(nil)
