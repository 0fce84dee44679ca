package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"zajel-go/internal/metrics"
	"zajel-go/internal/zajel"
)

// ChunkHandler receives chunks delivered by chunk_data messages. The chunk
// is unverified.
type ChunkHandler func(ctx context.Context, chunk *zajel.Chunk, source string)

// AvailabilityHandler is told when a relay reports a chunk as available.
type AvailabilityHandler func(ctx context.Context, chunkID string)

// Options configures an Engine.
type Options struct {
	PeerID       string
	SyncInterval time.Duration

	OnChunk     ChunkHandler
	OnAvailable AvailabilityHandler

	Logger  zajel.Logger
	Metrics *metrics.Metrics
}

// Engine is one participant in the swarm. It reads chunks from the local
// store, talks to the network through a MessageSink and consumes an inbound
// message stream between Start and Stop.
type Engine struct {
	store    zajel.ChannelStore
	sink     zajel.MessageSink
	peerID   string
	interval time.Duration

	onChunk     ChunkHandler
	onAvailable AvailabilityHandler

	logger  zajel.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	pending   map[string]struct{}
	announced map[string]struct{}
}

// NewEngine creates a stopped Engine.
func NewEngine(store zajel.ChannelStore, sink zajel.MessageSink, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zajel.NewNopLogger()
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	return &Engine{
		store:       store,
		sink:        sink,
		peerID:      opts.PeerID,
		interval:    opts.SyncInterval,
		onChunk:     opts.OnChunk,
		onAvailable: opts.OnAvailable,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		pending:     make(map[string]struct{}),
		announced:   make(map[string]struct{}),
	}
}

// SetHandlers replaces the chunk and availability callbacks. It must be
// called before Start.
func (e *Engine) SetHandlers(onChunk ChunkHandler, onAvailable AvailabilityHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChunk = onChunk
	e.onAvailable = onAvailable
}

// Start begins consuming inbound and runs a full sync every sync interval.
// Calling Start on a running engine is a no-op.
func (e *Engine) Start(inbound <-chan []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, inbound, e.done)
	e.logger.Info("swarm sync started", "peer", e.peerID, "interval", e.interval)
}

// Stop cancels the inbound subscription and the sync timer, waits for the
// loop to exit and clears the pending and announced sets. It is safe to call
// repeatedly. It must not be called from a handler.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done

	e.mu.Lock()
	e.running = false
	e.cancel = nil
	e.done = nil
	clear(e.pending)
	clear(e.announced)
	e.metrics.SetPending(0)
	e.mu.Unlock()
	e.logger.Info("swarm sync stopped", "peer", e.peerID)
}

// IsRunning reports whether the engine is started.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) loop(ctx context.Context, inbound <-chan []byte, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbound:
			if !ok {
				// The transport closed; keep syncing on the timer.
				inbound = nil
				continue
			}
			e.HandleMessage(ctx, raw)
		case <-ticker.C:
			if err := e.SyncAllChannels(ctx); err != nil {
				e.logger.Warn("periodic sync failed", "error", err)
			}
		}
	}
}

func (e *Engine) send(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type, err)
	}
	if err := e.sink.Send(ctx, raw); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type, err)
	}
	e.metrics.MessageSent(msg.Type)
	return nil
}

// AnnounceChunksForChannel announces every locally stored chunk of the
// channel in a single chunk_announce. It sends nothing when there are none.
func (e *Engine) AnnounceChunksForChannel(ctx context.Context, channelID string) error {
	ids, err := e.store.GetChunkIDs(ctx, channelID)
	if err != nil {
		return fmt.Errorf("listing chunks of %s: %w", channelID, err)
	}
	if len(ids) == 0 {
		return nil
	}

	refs := make([]zajel.ChunkRef, 0, len(ids))
	for _, id := range ids {
		c, err := e.store.GetChunk(ctx, channelID, id)
		if err != nil {
			return fmt.Errorf("loading chunk %s: %w", id, err)
		}
		if c == nil {
			continue
		}
		refs = append(refs, c.Ref())
	}
	if len(refs) == 0 {
		return nil
	}

	if err := e.send(ctx, Message{Type: TypeChunkAnnounce, PeerID: e.peerID, Chunks: refs}); err != nil {
		return err
	}
	e.mu.Lock()
	for _, r := range refs {
		e.announced[r.ChunkID] = struct{}{}
	}
	e.mu.Unlock()
	return nil
}

// SyncAllChannels announces the chunks of every local channel.
func (e *Engine) SyncAllChannels(ctx context.Context) error {
	channels, err := e.store.GetAllChannels(ctx)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}
	var firstErr error
	for _, ch := range channels {
		if err := e.AnnounceChunksForChannel(ctx, ch.ID); err != nil {
			e.logger.Warn("announcing channel failed", "channel", ch.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// AnnounceChunk announces a single chunk immediately.
func (e *Engine) AnnounceChunk(ctx context.Context, chunk *zajel.Chunk) error {
	err := e.send(ctx, Message{
		Type:   TypeChunkAnnounce,
		PeerID: e.peerID,
		Chunks: []zajel.ChunkRef{chunk.Ref()},
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.announced[chunk.ChunkID] = struct{}{}
	e.mu.Unlock()
	return nil
}

// RequestChunk asks the swarm for a chunk and marks it pending.
func (e *Engine) RequestChunk(ctx context.Context, chunkID string) error {
	e.mu.Lock()
	e.pending[chunkID] = struct{}{}
	n := len(e.pending)
	e.mu.Unlock()
	e.metrics.SetPending(n)

	return e.send(ctx, Message{Type: TypeChunkRequest, PeerID: e.peerID, ChunkID: chunkID})
}

// RequestChunks requests each chunk in turn, stopping at the first error.
func (e *Engine) RequestChunks(ctx context.Context, chunkIDs []string) error {
	for _, id := range chunkIDs {
		if err := e.RequestChunk(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// PushChunk sends a locally stored chunk as chunk_push. A chunk missing
// from the store is silently skipped.
func (e *Engine) PushChunk(ctx context.Context, channelID, chunkID string) error {
	c, err := e.store.GetChunk(ctx, channelID, chunkID)
	if err != nil {
		return fmt.Errorf("loading chunk %s: %w", chunkID, err)
	}
	if c == nil {
		return nil
	}
	data, err := EncodeChunkData(c)
	if err != nil {
		return err
	}
	return e.send(ctx, Message{
		Type:      TypeChunkPush,
		PeerID:    e.peerID,
		ChannelID: channelID,
		ChunkID:   chunkID,
		Data:      data,
	})
}

// FindChannelForChunk returns the ID of the local channel storing chunkID,
// or "" if none does.
func (e *Engine) FindChannelForChunk(ctx context.Context, chunkID string) (string, error) {
	channels, err := e.store.GetAllChannels(ctx)
	if err != nil {
		return "", fmt.Errorf("listing channels: %w", err)
	}
	for _, ch := range channels {
		ids, err := e.store.GetChunkIDs(ctx, ch.ID)
		if err != nil {
			return "", fmt.Errorf("listing chunks of %s: %w", ch.ID, err)
		}
		if slices.Contains(ids, chunkID) {
			return ch.ID, nil
		}
	}
	return "", nil
}

// HandleMessage dispatches one inbound wire message. Malformed messages and
// unknown types are dropped without error.
func (e *Engine) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		e.metrics.MessageDropped()
		e.logger.Debug("dropping inbound message", "error", err)
		return
	}
	e.metrics.MessageReceived(msg.Type)

	switch msg.Type {
	case TypeChunkData:
		e.handleChunkData(ctx, msg)
	case TypeChunkPull:
		e.handleChunkPull(ctx, msg)
	case TypeChunkAvailable:
		e.handleChunkAvailable(ctx, msg)
	case TypeChunkNotFound:
		// Stays pending; the next sync or the caller retries.
		e.logger.Debug("chunk not found", "chunk", msg.ChunkID)
	}
}

func (e *Engine) handleChunkData(ctx context.Context, msg *Message) {
	chunk, err := DecodeChunkData(msg.Data)
	if err != nil {
		e.metrics.MessageDropped()
		e.logger.Debug("dropping chunk_data", "chunk", msg.ChunkID, "error", err)
		return
	}

	e.mu.Lock()
	delete(e.pending, chunk.ChunkID)
	if msg.ChunkID != "" {
		delete(e.pending, msg.ChunkID)
	}
	n := len(e.pending)
	onChunk := e.onChunk
	e.mu.Unlock()
	e.metrics.SetPending(n)

	if onChunk != nil {
		onChunk(ctx, chunk, msg.Source)
	}
}

func (e *Engine) handleChunkPull(ctx context.Context, msg *Message) {
	channelID, err := e.FindChannelForChunk(ctx, msg.ChunkID)
	if err != nil {
		e.logger.Warn("resolving pulled chunk failed", "chunk", msg.ChunkID, "error", err)
		return
	}
	if channelID == "" {
		return
	}
	if err := e.PushChunk(ctx, channelID, msg.ChunkID); err != nil {
		e.logger.Warn("pushing pulled chunk failed", "chunk", msg.ChunkID, "error", err)
	}
}

func (e *Engine) handleChunkAvailable(ctx context.Context, msg *Message) {
	e.mu.Lock()
	_, pending := e.pending[msg.ChunkID]
	onAvailable := e.onAvailable
	e.mu.Unlock()

	if onAvailable != nil {
		onAvailable(ctx, msg.ChunkID)
	}
	if pending {
		if err := e.RequestChunk(ctx, msg.ChunkID); err != nil {
			e.logger.Warn("re-requesting available chunk failed", "chunk", msg.ChunkID, "error", err)
		}
	}
}

// PendingRequests returns the chunk IDs awaiting data, sorted.
func (e *Engine) PendingRequests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedKeys(e.pending)
}

// AnnouncedChunks returns the chunk IDs announced since Start, sorted.
func (e *Engine) AnnouncedChunks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedKeys(e.announced)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
