package zajel

import "time"

// Role is the local participant's relationship to a channel.
// Admin is a manifest-level authorization fact, not a local role.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleSubscriber Role = "subscriber"
)

// Channel is the local, per-participant state of a channel.
type Channel struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Manifest Manifest `json:"manifest"`

	// SigningPrivateKey is the owner's Ed25519 seed (base64).
	// Always empty for subscriber channels.
	SigningPrivateKey string `json:"signing_private_key,omitempty"`

	// EncryptionPublicKey is always present. EncryptionPrivateKey is present
	// only if the holder can decrypt (the owner, or anyone given the secret).
	EncryptionPublicKey  string `json:"encryption_public_key"`
	EncryptionPrivateKey string `json:"encryption_private_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsOwner reports whether the local participant owns the channel.
func (c *Channel) IsOwner() bool {
	return c.Role == RoleOwner
}

// CanDecrypt reports whether the channel holds the shared decryption secret.
func (c *Channel) CanDecrypt() bool {
	return c.EncryptionPrivateKey != ""
}

// Clone returns a deep copy of the channel.
func (c *Channel) Clone() *Channel {
	out := *c
	out.Manifest = c.Manifest.Clone()
	return &out
}

// Chunk is a signed fragment of an encrypted payload.
type Chunk struct {
	ChunkID          string `json:"chunk_id"`
	RoutingHash      string `json:"routing_hash"`
	Sequence         int    `json:"sequence"`
	ChunkIndex       int    `json:"chunk_index"`
	TotalChunks      int    `json:"total_chunks"`
	Size             int    `json:"size"`
	Signature        string `json:"signature"`
	AuthorPubkey     string `json:"author_pubkey"`
	EncryptedPayload []byte `json:"encrypted_payload"`
}

// ChunkRef identifies a chunk in swarm announcements.
type ChunkRef struct {
	ChunkID     string `json:"chunkId"`
	RoutingHash string `json:"routingHash"`
}

// Ref returns the announcement reference for the chunk.
func (c *Chunk) Ref() ChunkRef {
	return ChunkRef{ChunkID: c.ChunkID, RoutingHash: c.RoutingHash}
}
