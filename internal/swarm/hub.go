package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"zajel-go/internal/metrics"
	"zajel-go/internal/relay"
	"zajel-go/internal/zajel"
)

// SourceCache marks chunk data served from a Hub archive.
const SourceCache = "cache"

// HubOptions configures a Hub.
type HubOptions struct {
	PeerID  string
	Logger  zajel.Logger
	Metrics *metrics.Metrics
}

// Hub is the relay side of the swarm protocol. It caches pushed chunks in a
// relay archive, answers chunk requests from the cache and pulls announced
// chunks from their holders when someone is waiting for them.
//
// Responses are broadcast on the sink; peers ignore data they did not ask
// for.
type Hub struct {
	archive relay.Archive
	sink    zajel.MessageSink
	peerID  string
	logger  zajel.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	index   map[string]string              // chunk ID -> routing hash
	waiting map[string]map[string]struct{} // chunk ID -> requesting peer IDs
}

// NewHub creates a stopped Hub backed by archive.
func NewHub(archive relay.Archive, sink zajel.MessageSink, opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = zajel.NewNopLogger()
	}
	if opts.PeerID == "" {
		opts.PeerID = archive.URL()
	}
	return &Hub{
		archive: archive,
		sink:    sink,
		peerID:  opts.PeerID,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		index:   make(map[string]string),
		waiting: make(map[string]map[string]struct{}),
	}
}

// Start begins consuming inbound. Calling Start on a running hub is a no-op.
func (h *Hub) Start(inbound <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(ctx, inbound, h.done)
	h.logger.Info("swarm hub started", "relay", h.archive.URL())
}

// Stop ends the inbound loop and waits for it to exit. Cached chunks stay
// in the archive; waiting requests are forgotten.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	cancel()
	<-done

	h.mu.Lock()
	h.running = false
	h.cancel = nil
	h.done = nil
	clear(h.waiting)
	h.mu.Unlock()
	h.logger.Info("swarm hub stopped", "relay", h.archive.URL())
}

func (h *Hub) loop(ctx context.Context, inbound <-chan []byte, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbound:
			if !ok {
				return
			}
			h.HandleMessage(ctx, raw)
		}
	}
}

func (h *Hub) send(ctx context.Context, msg Message) {
	msg.PeerID = h.peerID
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding hub message failed", "type", msg.Type, "error", err)
		return
	}
	if err := h.sink.Send(ctx, raw); err != nil {
		h.logger.Warn("sending hub message failed", "type", msg.Type, "error", err)
		return
	}
	h.metrics.MessageSent(msg.Type)
}

// HandleMessage dispatches one inbound wire message. Messages the relay
// side does not act on are ignored.
func (h *Hub) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		h.metrics.MessageDropped()
		h.logger.Debug("hub dropping inbound message", "error", err)
		return
	}
	if msg.PeerID == h.peerID {
		return
	}

	switch msg.Type {
	case TypeChunkAnnounce:
		h.metrics.MessageReceived(msg.Type)
		h.handleAnnounce(ctx, msg)
	case TypeChunkRequest:
		h.metrics.MessageReceived(msg.Type)
		h.handleRequest(ctx, msg)
	case TypeChunkPush:
		h.metrics.MessageReceived(msg.Type)
		h.handlePush(ctx, msg)
	}
}

func (h *Hub) handleAnnounce(ctx context.Context, msg *Message) {
	var pull []string
	h.mu.Lock()
	for _, ref := range msg.Chunks {
		if ref.ChunkID == "" || ref.RoutingHash == "" {
			continue
		}
		h.index[ref.ChunkID] = ref.RoutingHash
		if len(h.waiting[ref.ChunkID]) > 0 {
			pull = append(pull, ref.ChunkID)
		}
	}
	h.mu.Unlock()

	for _, id := range pull {
		h.send(ctx, Message{Type: TypeChunkPull, ChunkID: id})
	}
}

func (h *Hub) handleRequest(ctx context.Context, msg *Message) {
	h.mu.Lock()
	routingHash, known := h.index[msg.ChunkID]
	h.mu.Unlock()

	if known {
		data, err := h.archive.Get(ctx, routingHash, msg.ChunkID)
		if err != nil {
			h.logger.Warn("reading cached chunk failed", "chunk", msg.ChunkID, "error", err)
		}
		if data != nil {
			encoded, err := json.Marshal(string(data))
			if err != nil {
				h.logger.Error("encoding cached chunk failed", "chunk", msg.ChunkID, "error", err)
				return
			}
			h.send(ctx, Message{Type: TypeChunkData, ChunkID: msg.ChunkID, Data: encoded, Source: SourceCache})
			return
		}

		// Announced by a peer but not cached yet: pull it and wait.
		h.addWaiting(msg.ChunkID, msg.PeerID)
		h.send(ctx, Message{Type: TypeChunkPull, ChunkID: msg.ChunkID})
		return
	}

	h.send(ctx, Message{Type: TypeChunkNotFound, ChunkID: msg.ChunkID})
}

func (h *Hub) handlePush(ctx context.Context, msg *Message) {
	chunk, err := DecodeChunkData(msg.Data)
	if err != nil {
		h.metrics.MessageDropped()
		h.logger.Debug("hub dropping chunk_push", "chunk", msg.ChunkID, "error", err)
		return
	}
	if chunk.ChunkID != msg.ChunkID || chunk.RoutingHash == "" {
		h.metrics.MessageDropped()
		h.logger.Debug("hub dropping inconsistent chunk_push", "chunk", msg.ChunkID)
		return
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		h.logger.Error("encoding pushed chunk failed", "chunk", chunk.ChunkID, "error", err)
		return
	}
	if err := h.archive.Put(ctx, chunk.RoutingHash, chunk.ChunkID, data); err != nil {
		h.logger.Warn("caching pushed chunk failed", "chunk", chunk.ChunkID, "error", err)
		return
	}

	h.mu.Lock()
	h.index[chunk.ChunkID] = chunk.RoutingHash
	waiters := len(h.waiting[chunk.ChunkID])
	delete(h.waiting, chunk.ChunkID)
	h.mu.Unlock()

	if waiters > 0 {
		h.send(ctx, Message{Type: TypeChunkData, ChunkID: chunk.ChunkID, Data: data, Source: SourceCache})
	}
	h.send(ctx, Message{Type: TypeChunkAvailable, ChunkID: chunk.ChunkID})
}

func (h *Hub) addWaiting(chunkID, peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.waiting[chunkID]
	if !ok {
		set = make(map[string]struct{})
		h.waiting[chunkID] = set
	}
	set[peerID] = struct{}{}
}

// Cached reports whether the hub has data for chunkID.
func (h *Hub) Cached(ctx context.Context, chunkID string) (bool, error) {
	h.mu.Lock()
	routingHash, ok := h.index[chunkID]
	h.mu.Unlock()
	if !ok {
		return false, nil
	}
	data, err := h.archive.Get(ctx, routingHash, chunkID)
	if err != nil {
		return false, fmt.Errorf("reading chunk %s: %w", chunkID, err)
	}
	return data != nil, nil
}
