// Package codec splits encrypted payloads into signed fixed-size chunks and
// reassembles them regardless of arrival order.
package codec

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"zajel-go/internal/crypto"
	"zajel-go/internal/zajel"
)

// ChunkSize is the maximum encrypted payload carried by a single chunk.
const ChunkSize = 64 * 1024

// Codec produces and consumes chunk sets.
type Codec struct {
	suite *crypto.Suite
	idgen zajel.IDGenerator
}

// New creates a Codec that encrypts with suite and names chunks with idgen.
func New(suite *crypto.Suite, idgen zajel.IDGenerator) *Codec {
	return &Codec{suite: suite, idgen: idgen}
}

// SplitIntoChunks encrypts payload once under the channel's current key and
// epoch, then cuts the ciphertext into ChunkSize pieces each signed by the
// publisher. A zero signer means the channel owner signs.
func (c *Codec) SplitIntoChunks(payload []byte, channel *zajel.Channel, sequence int, routingHash string, signer crypto.KeyPair) ([]*zajel.Chunk, error) {
	if !channel.CanDecrypt() {
		return nil, fmt.Errorf("channel %s has no encryption key", channel.ID)
	}
	if signer == (crypto.KeyPair{}) {
		if !channel.IsOwner() {
			return nil, zajel.NewError(zajel.KindNotOwner, "only the owner can publish without an admin key")
		}
		signer = crypto.KeyPair{PublicKey: channel.Manifest.OwnerKey, PrivateKey: channel.SigningPrivateKey}
	}

	ciphertext, err := c.suite.EncryptPayload(payload, channel.EncryptionPrivateKey, channel.Manifest.KeyEpoch)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}

	pieces := split(ciphertext)
	base := c.chunkBase()
	chunks := make([]*zajel.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		sig, err := crypto.SignChunk(piece, signer.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("signing chunk %d: %w", i, err)
		}
		chunks = append(chunks, &zajel.Chunk{
			ChunkID:          fmt.Sprintf("ch_%s_%03d", base, i),
			RoutingHash:      routingHash,
			Sequence:         sequence,
			ChunkIndex:       i,
			TotalChunks:      len(pieces),
			Size:             len(piece),
			Signature:        sig,
			AuthorPubkey:     signer.PublicKey,
			EncryptedPayload: piece,
		})
	}
	return chunks, nil
}

func (c *Codec) chunkBase() string {
	id := strings.ReplaceAll(c.idgen.New(), "-", "")
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}

func split(data []byte) [][]byte {
	var pieces [][]byte
	for start := 0; start < len(data); start += ChunkSize {
		end := min(start+ChunkSize, len(data))
		pieces = append(pieces, data[start:end])
	}
	if len(pieces) == 0 {
		pieces = append(pieces, []byte{})
	}
	return pieces
}

// ReassembleChunks validates a chunk set and concatenates its payloads in
// index order. The set must be non-empty, share one sequence, have no
// duplicate indices, agree on TotalChunks and contain exactly that many
// members.
func ReassembleChunks(chunks []*zajel.Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, zajel.NewError(zajel.KindNoChunks, "no chunks to reassemble")
	}

	sequence := chunks[0].Sequence
	total := chunks[0].TotalChunks
	seen := make(map[int]bool, len(chunks))
	for _, ch := range chunks {
		if ch.Sequence != sequence {
			return nil, zajel.NewError(zajel.KindMixedSequence,
				"chunks belong to different sequence numbers: %d and %d", sequence, ch.Sequence)
		}
		if ch.TotalChunks != total {
			return nil, zajel.NewError(zajel.KindIncompleteSet,
				"incomplete chunk set: chunks declare %d and %d total chunks", total, ch.TotalChunks)
		}
		if seen[ch.ChunkIndex] {
			return nil, zajel.NewError(zajel.KindDuplicateIndex, "duplicate chunk index %d", ch.ChunkIndex)
		}
		seen[ch.ChunkIndex] = true
	}

	if len(seen) != total {
		return nil, zajel.NewError(zajel.KindIncompleteSet,
			"incomplete chunk set: expected %d, got %d", total, len(seen))
	}

	sorted := slices.Clone(chunks)
	slices.SortFunc(sorted, func(a, b *zajel.Chunk) int { return cmp.Compare(a.ChunkIndex, b.ChunkIndex) })
	for i, ch := range sorted {
		if ch.ChunkIndex != i {
			return nil, zajel.NewError(zajel.KindIncompleteSet,
				"incomplete chunk set: missing index %d", i)
		}
	}

	size := 0
	for _, ch := range sorted {
		size += len(ch.EncryptedPayload)
	}
	out := make([]byte, 0, size)
	for _, ch := range sorted {
		out = append(out, ch.EncryptedPayload...)
	}
	return out, nil
}

// IsComplete reports whether chunks holds every index of its set.
func IsComplete(chunks []*zajel.Chunk) bool {
	_, err := ReassembleChunks(chunks)
	return err == nil
}
