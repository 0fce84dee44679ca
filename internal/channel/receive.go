package channel

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"zajel-go/internal/codec"
	"zajel-go/internal/crypto"
	"zajel-go/internal/zajel"
)

// HandleChunk accepts a chunk from the network. The channel is found by
// matching the chunk's routing hash against the lookback window of every
// local channel. The chunk must pass verification steps 1 to 4 before it
// is stored and re-announced. When its sequence becomes complete the set is
// reassembled, decrypted (step 5) and handed to the message handler.
// Chunks already stored are ignored; a different chunk claiming an index
// already stored for its sequence is rejected.
func (s *Service) HandleChunk(ctx context.Context, chunk *zajel.Chunk) (err error) {
	ctx, span := tracer.Start(ctx, "channel.HandleChunk")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("chunk.id", chunk.ChunkID))

	ch, err := s.resolveChannel(ctx, chunk.RoutingHash)
	if err != nil {
		return err
	}
	if ch == nil {
		return zajel.NewError(zajel.KindChannelNotFound, "no channel matches routing hash %s", chunk.RoutingHash)
	}
	span.SetAttributes(attribute.String("channel.id", ch.ID))

	if err := crypto.VerifyChunk(chunk, ch.Manifest, ch.Manifest.OwnerKey); err != nil {
		s.metrics.VerificationFailed(zajel.StepOf(err))
		s.logger.Warn("chunk rejected", "channel", ch.ID, "chunk", chunk.ChunkID, "step", zajel.StepOf(err), "error", err)
		return err
	}

	existing, err := s.store.GetChunk(ctx, ch.ID, chunk.ChunkID)
	if err != nil {
		return fmt.Errorf("loading chunk %s: %w", chunk.ChunkID, err)
	}
	if existing != nil {
		return nil
	}
	// Chunk IDs are not signed, so a relay can replay a chunk under a new ID.
	// Keep the first chunk seen for each index of a sequence.
	siblings, err := s.store.GetChunksBySequence(ctx, ch.ID, chunk.Sequence)
	if err != nil {
		return fmt.Errorf("loading sequence %d: %w", chunk.Sequence, err)
	}
	for _, c := range siblings {
		if c.ChunkIndex == chunk.ChunkIndex {
			s.logger.Warn("duplicate chunk index dropped", "channel", ch.ID, "chunk", chunk.ChunkID, "stored", c.ChunkID, "sequence", chunk.Sequence, "index", chunk.ChunkIndex)
			return zajel.NewError(zajel.KindDuplicateIndex, "sequence %d already holds index %d as %s", chunk.Sequence, chunk.ChunkIndex, c.ChunkID)
		}
	}
	if err := s.store.SaveChunk(ctx, ch.ID, chunk); err != nil {
		return fmt.Errorf("saving chunk %s: %w", chunk.ChunkID, err)
	}
	if eng := s.swarmEngine(); eng != nil {
		if err := eng.AnnounceChunk(ctx, chunk); err != nil {
			s.logger.Warn("re-announcing chunk failed", "chunk", chunk.ChunkID, "error", err)
		}
	}

	return s.deliverIfComplete(ctx, ch, chunk.Sequence)
}

// OnSwarmChunk adapts HandleChunk to the swarm engine's chunk callback.
func (s *Service) OnSwarmChunk(ctx context.Context, chunk *zajel.Chunk, source string) {
	if err := s.HandleChunk(ctx, chunk); err != nil {
		s.logger.Debug("swarm chunk not accepted", "chunk", chunk.ChunkID, "source", source, "error", err)
	}
}

func (s *Service) resolveChannel(ctx context.Context, routingHash string) (*zajel.Channel, error) {
	if routingHash == "" {
		return nil, nil
	}
	channels, err := s.store.GetAllChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	for _, ch := range channels {
		if !ch.CanDecrypt() {
			continue
		}
		hashes, err := s.lookbackHashes(ch)
		if err != nil {
			s.logger.Warn("deriving routing hashes failed", "channel", ch.ID, "error", err)
			continue
		}
		if slices.Contains(hashes, routingHash) {
			return ch, nil
		}
	}
	return nil, nil
}

func (s *Service) deliverIfComplete(ctx context.Context, ch *zajel.Channel, sequence int) error {
	chunks, err := s.store.GetChunksBySequence(ctx, ch.ID, sequence)
	if err != nil {
		return fmt.Errorf("loading sequence %d: %w", sequence, err)
	}
	if !codec.IsComplete(chunks) {
		return nil
	}

	ciphertext, err := codec.ReassembleChunks(chunks)
	if err != nil {
		s.logger.Warn("reassembly rejected", "channel", ch.ID, "sequence", sequence, "error", err)
		return err
	}
	plaintext, err := crypto.DecryptVerified(ciphertext, ch.Manifest, ch.EncryptionPrivateKey)
	if err != nil {
		s.metrics.VerificationFailed(zajel.StepOf(err))
		s.logger.Warn("decryption failed", "channel", ch.ID, "sequence", sequence, "error", err)
		return err
	}
	var payload zajel.ChunkPayload
	if err := payload.UnmarshalBinary(plaintext); err != nil {
		return err
	}

	if !s.markDelivered(ch.ID, sequence) {
		return nil
	}
	s.logger.Info("message received", "channel", ch.ID, "sequence", sequence, "type", payload.Type)

	s.mu.Lock()
	h := s.onMessage
	s.mu.Unlock()
	if h != nil {
		h(ctx, ch.ID, sequence, &payload)
	}
	return nil
}
