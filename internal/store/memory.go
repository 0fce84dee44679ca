package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"zajel-go/internal/zajel"
)

var _ zajel.ChannelStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory ChannelStore. Values are copied on the way in
// and out, so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]*zajel.Channel
	chunks   map[string]map[string]*zajel.Chunk
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[string]*zajel.Channel),
		chunks:   make(map[string]map[string]*zajel.Chunk),
	}
}

func copyChunk(c *zajel.Chunk) *zajel.Chunk {
	out := *c
	out.EncryptedPayload = slices.Clone(c.EncryptedPayload)
	return &out
}

func (s *MemoryStore) SaveChannel(_ context.Context, ch *zajel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch.Clone()
	return nil
}

func (s *MemoryStore) GetChannel(_ context.Context, channelID string) (*zajel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, nil
	}
	return ch.Clone(), nil
}

func (s *MemoryStore) GetAllChannels(_ context.Context) ([]*zajel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*zajel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Clone())
	}
	slices.SortFunc(out, func(a, b *zajel.Channel) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *MemoryStore) DeleteChannel(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
	delete(s.chunks, channelID)
	return nil
}

func (s *MemoryStore) SaveChunk(_ context.Context, channelID string, chunk *zajel.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.chunks[channelID]
	if !ok {
		m = make(map[string]*zajel.Chunk)
		s.chunks[channelID] = m
	}
	m[chunk.ChunkID] = copyChunk(chunk)
	return nil
}

func (s *MemoryStore) GetChunk(_ context.Context, channelID, chunkID string) (*zajel.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[channelID][chunkID]
	if !ok {
		return nil, nil
	}
	return copyChunk(c), nil
}

func (s *MemoryStore) GetChunksBySequence(_ context.Context, channelID string, sequence int) ([]*zajel.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*zajel.Chunk
	for _, c := range s.chunks[channelID] {
		if c.Sequence == sequence {
			out = append(out, copyChunk(c))
		}
	}
	slices.SortFunc(out, func(a, b *zajel.Chunk) int { return cmp.Compare(a.ChunkIndex, b.ChunkIndex) })
	return out, nil
}

func (s *MemoryStore) GetChunkIDs(_ context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.chunks[channelID]))
	for id := range s.chunks[channelID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) DeleteChunksBySequence(_ context.Context, channelID string, sequence int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks[channelID] {
		if c.Sequence == sequence {
			delete(s.chunks[channelID], id)
		}
	}
	return nil
}

func (s *MemoryStore) GetLatestSequence(_ context.Context, channelID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := 0
	for _, c := range s.chunks[channelID] {
		latest = max(latest, c.Sequence)
	}
	return latest, nil
}

func (s *MemoryStore) Close() error { return nil }
