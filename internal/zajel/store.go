package zajel

import "context"

// ChannelStore persists channels and their chunks. All chunk operations are
// keyed by channel ID, then by chunk ID or sequence.
//
// Lookups of missing channels or chunks return (nil, nil).
type ChannelStore interface {
	SaveChannel(ctx context.Context, channel *Channel) error
	GetChannel(ctx context.Context, channelID string) (*Channel, error)
	GetAllChannels(ctx context.Context) ([]*Channel, error)

	// DeleteChannel removes the channel and all of its chunks.
	DeleteChannel(ctx context.Context, channelID string) error

	// SaveChunk stores a chunk. Saving the same chunk ID twice overwrites it.
	SaveChunk(ctx context.Context, channelID string, chunk *Chunk) error
	GetChunk(ctx context.Context, channelID, chunkID string) (*Chunk, error)
	GetChunksBySequence(ctx context.Context, channelID string, sequence int) ([]*Chunk, error)

	// GetChunkIDs returns the IDs of all chunks stored for the channel.
	GetChunkIDs(ctx context.Context, channelID string) ([]string, error)
	DeleteChunksBySequence(ctx context.Context, channelID string, sequence int) error

	// GetLatestSequence returns the highest sequence stored for the channel, or 0.
	GetLatestSequence(ctx context.Context, channelID string) (int, error)

	Close() error
}

// MessageSink is the outbound half of a swarm transport. msg is a
// JSON-encoded wire message.
type MessageSink interface {
	Send(ctx context.Context, msg []byte) error
}

// Transport couples a MessageSink with the inbound message stream.
type Transport interface {
	MessageSink

	// Inbound returns the stream of raw inbound messages. The channel is
	// closed when the transport is closed.
	Inbound() <-chan []byte

	Close() error
}
