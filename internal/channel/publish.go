package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"zajel-go/internal/admin"
	"zajel-go/internal/crypto"
	"zajel-go/internal/relay"
	"zajel-go/internal/routing"
	"zajel-go/internal/zajel"
)

// Publish encrypts payload as the channel's next sequence, persists the
// chunks, uploads them to every relay and announces them to the swarm.
// A zero signer publishes as the owner; an admin passes its own key pair.
// Relay upload failures are logged and do not fail the publish.
func (s *Service) Publish(ctx context.Context, channelID string, payload *zajel.ChunkPayload, signer crypto.KeyPair) (chunks []*zajel.Chunk, err error) {
	ctx, span := tracer.Start(ctx, "channel.Publish")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("channel.id", channelID))

	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if signer != (crypto.KeyPair{}) && !admin.IsAuthorizedPublisher(ch.Manifest, signer.PublicKey) {
		return nil, zajel.NewError(zajel.KindNotPublisher, "key is neither the owner nor an admin of channel %s", channelID)
	}
	if !ch.CanDecrypt() {
		return nil, fmt.Errorf("channel %s has no encryption key", channelID)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = s.clock.Now().UTC()
	}

	plaintext, err := payload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	latest, err := s.store.GetLatestSequence(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("reading latest sequence: %w", err)
	}
	sequence := latest + 1
	hash, err := routing.DeriveRoutingHash(ch.EncryptionPrivateKey, s.epoch, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("deriving routing hash: %w", err)
	}

	chunks, err = s.codec.SplitIntoChunks(plaintext, ch, sequence, hash, signer)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if err := s.store.SaveChunk(ctx, channelID, c); err != nil {
			return nil, fmt.Errorf("saving chunk %s: %w", c.ChunkID, err)
		}
	}
	s.markDelivered(channelID, sequence)

	s.upload(ctx, chunks)
	if eng := s.swarmEngine(); eng != nil {
		for _, c := range chunks {
			if err := eng.AnnounceChunk(ctx, c); err != nil {
				s.logger.Warn("announcing chunk failed", "chunk", c.ChunkID, "error", err)
			}
		}
	}

	s.metrics.Published(len(chunks))
	span.SetAttributes(
		attribute.Int("channel.sequence", sequence),
		attribute.Int("channel.chunks", len(chunks)),
	)
	s.logger.Info("published", "channel", channelID, "sequence", sequence, "chunks", len(chunks), "type", payload.Type)
	return chunks, nil
}

func (s *Service) upload(ctx context.Context, chunks []*zajel.Chunk) {
	archives := s.Relays()
	if len(archives) == 0 {
		return
	}
	for _, c := range chunks {
		data, err := json.Marshal(c)
		if err != nil {
			s.logger.Warn("encoding chunk for relay failed", "chunk", c.ChunkID, "error", err)
			continue
		}
		for _, a := range archives {
			if err := a.Put(ctx, c.RoutingHash, c.ChunkID, data); err != nil {
				s.logger.Warn("relay upload failed", "relay", a.URL(), "chunk", c.ChunkID, "result", relay.Classify(err), "error", err)
			}
		}
	}
}

func (s *Service) markDelivered(channelID string, sequence int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs, ok := s.delivered[channelID]
	if !ok {
		seqs = make(map[int]struct{})
		s.delivered[channelID] = seqs
	}
	if _, done := seqs[sequence]; done {
		return false
	}
	seqs[sequence] = struct{}{}
	return true
}
