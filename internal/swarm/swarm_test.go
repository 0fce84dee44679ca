package swarm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zajel-go/internal/codec"
	"zajel-go/internal/crypto"
	"zajel-go/internal/metrics"
	"zajel-go/internal/relay"
	"zajel-go/internal/store"
	"zajel-go/internal/testutil"
	"zajel-go/internal/transport"
	"zajel-go/internal/zajel"
)

// recordingSink captures sent messages.
type recordingSink struct {
	mu   sync.Mutex
	sent []Message
}

func (s *recordingSink) Send(ctx context.Context, raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, *msg)
	return nil
}

func (s *recordingSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func (s *recordingSink) ofType(typ string) []Message {
	var out []Message
	for _, m := range s.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	ctx    context.Context
	store  *store.MemoryStore
	fx     *testutil.ChannelFixture
	chunks []*zajel.Chunk
}

func newFixture(t *testing.T, payloadSize int) *fixture {
	t.Helper()
	ctx := context.Background()
	suite := crypto.NewSuite(testutil.DeterministicReader(7))
	fx := testutil.NewOwnerChannel(t, suite, "swarm")
	s := store.NewMemoryStore()
	require.NoError(t, s.SaveChannel(ctx, fx.Channel))

	c := codec.New(suite, testutil.NewStubIDGenerator())
	chunks, err := c.SplitIntoChunks(make([]byte, payloadSize), fx.Channel, 1, "rhash", crypto.KeyPair{})
	require.NoError(t, err)
	for _, ch := range chunks {
		require.NoError(t, s.SaveChunk(ctx, fx.Channel.ID, ch))
	}
	return &fixture{ctx: ctx, store: s, fx: fx, chunks: chunks}
}

func TestDecodeMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "request", raw: `{"type":"chunk_request","peerId":"p","chunkId":"c"}`},
		{name: "announce", raw: `{"type":"chunk_announce","peerId":"p","chunks":[{"chunkId":"c","routingHash":"h"}]}`},
		{name: "not json", raw: `{`, wantErr: true},
		{name: "no type", raw: `{"chunkId":"c"}`, wantErr: true},
		{name: "request without chunk", raw: `{"type":"chunk_request"}`, wantErr: true},
		{name: "empty announce", raw: `{"type":"chunk_announce","chunks":[]}`, wantErr: true},
		{name: "data without data", raw: `{"type":"chunk_data","chunkId":"c"}`, wantErr: true},
		{name: "push without data", raw: `{"type":"chunk_push","chunkId":"c"}`, wantErr: true},
		{name: "unknown type passes", raw: `{"type":"gossip"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDecodeChunkData_ObjectOrString(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	chunk := f.chunks[0]

	obj, err := EncodeChunkData(chunk)
	require.NoError(t, err)
	str, err := json.Marshal(string(obj))
	require.NoError(t, err)

	for _, data := range []json.RawMessage{obj, str, append([]byte("  "), str...)} {
		got, err := DecodeChunkData(data)
		require.NoError(t, err)
		require.Equal(t, chunk, got)
	}

	_, err = DecodeChunkData(json.RawMessage(`{"sequence":1}`))
	require.Error(t, err)
	_, err = DecodeChunkData(json.RawMessage(`"not json"`))
	require.Error(t, err)
}

func TestEngine_AnnounceChunksForChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, codec.ChunkSize+1)
	sink := &recordingSink{}
	e := NewEngine(f.store, sink, Options{PeerID: "p1"})

	require.NoError(t, e.AnnounceChunksForChannel(f.ctx, f.fx.Channel.ID))
	announces := sink.ofType(TypeChunkAnnounce)
	require.Len(t, announces, 1)
	require.Equal(t, "p1", announces[0].PeerID)
	require.ElementsMatch(t, []zajel.ChunkRef{f.chunks[0].Ref(), f.chunks[1].Ref()}, announces[0].Chunks)
	require.Len(t, e.AnnouncedChunks(), 2)

	// A channel without chunks sends nothing.
	require.NoError(t, e.AnnounceChunksForChannel(f.ctx, "empty"))
	require.Len(t, sink.messages(), 1)
}

func TestEngine_RequestAndReceive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	sink := &recordingSink{}
	m := metrics.New()

	var got []*zajel.Chunk
	var sources []string
	e := NewEngine(f.store, sink, Options{
		PeerID:  "p1",
		Metrics: m,
		OnChunk: func(ctx context.Context, c *zajel.Chunk, source string) {
			got = append(got, c)
			sources = append(sources, source)
		},
	})

	require.NoError(t, e.RequestChunks(f.ctx, []string{"a", "b"}))
	require.Equal(t, []string{"a", "b"}, e.PendingRequests())
	require.Len(t, sink.ofType(TypeChunkRequest), 2)

	data, err := EncodeChunkData(f.chunks[0])
	require.NoError(t, err)
	raw, err := json.Marshal(Message{Type: TypeChunkData, ChunkID: "a", Data: data, Source: "peer"})
	require.NoError(t, err)
	e.HandleMessage(f.ctx, raw)

	require.Len(t, got, 1)
	require.Equal(t, f.chunks[0].ChunkID, got[0].ChunkID)
	require.Equal(t, []string{"peer"}, sources)
	require.Equal(t, []string{"b"}, e.PendingRequests())

	// chunk_available re-requests only pending chunks.
	avail, _ := json.Marshal(Message{Type: TypeChunkAvailable, ChunkID: "b"})
	e.HandleMessage(f.ctx, avail)
	avail, _ = json.Marshal(Message{Type: TypeChunkAvailable, ChunkID: "zzz"})
	e.HandleMessage(f.ctx, avail)
	require.Len(t, sink.ofType(TypeChunkRequest), 3)

	// chunk_not_found leaves the request pending for a later retry.
	notFound, _ := json.Marshal(Message{Type: TypeChunkNotFound, ChunkID: "b"})
	e.HandleMessage(f.ctx, notFound)
	require.Equal(t, []string{"b"}, e.PendingRequests())
	require.Len(t, got, 1)

	// A cache may send chunk_data as a JSON string holding the chunk object.
	str, err := json.Marshal(string(data))
	require.NoError(t, err)
	raw, err = json.Marshal(Message{Type: TypeChunkData, ChunkID: "b", Data: str, Source: "relay"})
	require.NoError(t, err)
	e.HandleMessage(f.ctx, raw)

	require.Len(t, got, 2)
	require.Equal(t, f.chunks[0], got[1])
	require.Equal(t, []string{"peer", "relay"}, sources)
	require.Empty(t, e.PendingRequests())

	// Garbage is dropped without panicking.
	e.HandleMessage(f.ctx, []byte("garbage"))
	e.HandleMessage(f.ctx, []byte(`{"type":"chunk_data","data":{"bogus":true}}`))
}

func TestEngine_PullPushesStoredChunk(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	sink := &recordingSink{}
	e := NewEngine(f.store, sink, Options{PeerID: "p1"})
	id := f.chunks[0].ChunkID

	channelID, err := e.FindChannelForChunk(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, f.fx.Channel.ID, channelID)

	pull, _ := json.Marshal(Message{Type: TypeChunkPull, ChunkID: id})
	e.HandleMessage(f.ctx, pull)
	unknown, _ := json.Marshal(Message{Type: TypeChunkPull, ChunkID: "unknown"})
	e.HandleMessage(f.ctx, unknown)

	pushes := sink.ofType(TypeChunkPush)
	require.Len(t, pushes, 1)
	require.Equal(t, id, pushes[0].ChunkID)
	require.Equal(t, f.fx.Channel.ID, pushes[0].ChannelID)
	pushed, err := DecodeChunkData(pushes[0].Data)
	require.NoError(t, err)
	require.Equal(t, f.chunks[0], pushed)
}

func TestEngine_StartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	sink := &recordingSink{}
	e := NewEngine(f.store, sink, Options{PeerID: "p1", SyncInterval: 10 * time.Millisecond})

	inbound := make(chan []byte)
	require.False(t, e.IsRunning())
	e.Start(inbound)
	e.Start(inbound)
	require.True(t, e.IsRunning())

	require.Eventually(t, func() bool {
		return len(sink.ofType(TypeChunkAnnounce)) >= 2
	}, 5*time.Second, 5*time.Millisecond, "periodic sync should announce")

	require.NoError(t, e.RequestChunk(f.ctx, "x"))
	e.Stop()
	e.Stop()
	require.False(t, e.IsRunning())
	require.Empty(t, e.PendingRequests())
	require.Empty(t, e.AnnouncedChunks())

	// Restartable.
	e.Start(inbound)
	require.True(t, e.IsRunning())
	e.Stop()
}

func TestHub_RequestFlows(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	chunk := f.chunks[0]
	sink := &recordingSink{}
	h := NewHub(relay.NewMemoryArchive("mem://hub"), sink, HubOptions{PeerID: "hub"})

	send := func(msg Message) {
		raw, err := json.Marshal(msg)
		require.NoError(t, err)
		h.HandleMessage(f.ctx, raw)
	}

	// Unknown chunk.
	send(Message{Type: TypeChunkRequest, PeerID: "sub", ChunkID: chunk.ChunkID})
	require.Len(t, sink.ofType(TypeChunkNotFound), 1)

	// Announced but not cached: pull on request.
	send(Message{Type: TypeChunkAnnounce, PeerID: "owner", Chunks: []zajel.ChunkRef{chunk.Ref()}})
	require.Empty(t, sink.ofType(TypeChunkPull))
	send(Message{Type: TypeChunkRequest, PeerID: "sub", ChunkID: chunk.ChunkID})
	require.Len(t, sink.ofType(TypeChunkPull), 1)

	// Push satisfies the waiter and advertises availability.
	data, err := EncodeChunkData(chunk)
	require.NoError(t, err)
	send(Message{Type: TypeChunkPush, PeerID: "owner", ChunkID: chunk.ChunkID, ChannelID: f.fx.Channel.ID, Data: data})
	require.Len(t, sink.ofType(TypeChunkData), 1)
	require.Len(t, sink.ofType(TypeChunkAvailable), 1)

	cached, err := h.Cached(f.ctx, chunk.ChunkID)
	require.NoError(t, err)
	require.True(t, cached)

	// Cached: served as a JSON string from the cache.
	send(Message{Type: TypeChunkRequest, PeerID: "sub2", ChunkID: chunk.ChunkID})
	datas := sink.ofType(TypeChunkData)
	require.Len(t, datas, 2)
	require.Equal(t, SourceCache, datas[1].Source)
	require.Equal(t, byte('"'), datas[1].Data[0])
	served, err := DecodeChunkData(datas[1].Data)
	require.NoError(t, err)
	require.Equal(t, chunk, served)

	// A second push without waiters only re-advertises.
	send(Message{Type: TypeChunkPush, PeerID: "owner", ChunkID: chunk.ChunkID, Data: data})
	require.Len(t, sink.ofType(TypeChunkData), 2)
	require.Len(t, sink.ofType(TypeChunkAvailable), 2)

	// Mismatched push is dropped.
	send(Message{Type: TypeChunkPush, PeerID: "owner", ChunkID: "other", Data: data})
	require.Len(t, sink.ofType(TypeChunkAvailable), 2)
}

func TestSwarm_ConvergesOverBus(t *testing.T) {
	t.Parallel()
	owner := newFixture(t, codec.ChunkSize+10)
	ctx := owner.ctx
	bus := transport.NewBus()

	hubT := bus.Connect()
	hub := NewHub(relay.NewMemoryArchive("mem://bus-hub"), hubT, HubOptions{PeerID: "hub"})
	hub.Start(hubT.Inbound())
	defer hub.Stop()

	ownerT := bus.Connect()
	ownerEngine := NewEngine(owner.store, ownerT, Options{PeerID: "owner", SyncInterval: time.Hour})
	ownerEngine.Start(ownerT.Inbound())
	defer ownerEngine.Stop()

	subStore := store.NewMemoryStore()
	require.NoError(t, subStore.SaveChannel(ctx, owner.fx.Subscriber()))
	subT := bus.Connect()
	var mu sync.Mutex
	received := map[string]*zajel.Chunk{}
	subEngine := NewEngine(subStore, subT, Options{
		PeerID:       "sub",
		SyncInterval: time.Hour,
		OnChunk: func(ctx context.Context, c *zajel.Chunk, source string) {
			mu.Lock()
			defer mu.Unlock()
			received[c.ChunkID] = c
		},
	})
	subEngine.Start(subT.Inbound())
	defer subEngine.Stop()

	require.NoError(t, ownerEngine.AnnounceChunksForChannel(ctx, owner.fx.Channel.ID))
	ids := []string{owner.chunks[0].ChunkID, owner.chunks[1].ChunkID}

	// Wait until the hub has indexed the announcement, then request.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.index) == 2
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, subEngine.RequestChunks(ctx, ids))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(subEngine.PendingRequests()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	for _, c := range owner.chunks {
		require.Equal(t, c, received[c.ChunkID])
	}
}
