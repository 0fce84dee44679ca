// Package upstream implements subscriber-to-owner messages (replies, poll
// votes and reactions) and owner-side poll tracking.
//
// Upstream messages are encrypted to the channel's current encryption
// public key with a one-time X25519 key and signed with a one-time Ed25519
// key, so relays cannot link messages to a subscriber.
package upstream

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"zajel-go/internal/admin"
	"zajel-go/internal/crypto"
	"zajel-go/internal/zajel"
)

const hkdfInfo = "zajel_upstream_message"

// MessageType is the kind of upstream message.
type MessageType string

const (
	TypeReply    MessageType = "reply"
	TypeVote     MessageType = "vote"
	TypeReaction MessageType = "reaction"
)

// Payload is the plaintext of an upstream message, visible only to the owner.
type Payload struct {
	Type            MessageType `json:"type"`
	Content         string      `json:"content"`
	Timestamp       time.Time   `json:"timestamp"`
	ReplyTo         string      `json:"reply_to,omitempty"`
	PollID          string      `json:"poll_id,omitempty"`
	VoteOptionIndex *int        `json:"vote_option_index,omitempty"`
}

// Message is an encrypted upstream message as sent over the wire.
type Message struct {
	ID               string      `json:"id"`
	ChannelID        string      `json:"channel_id"`
	Type             MessageType `json:"type"`
	EncryptedPayload []byte      `json:"encrypted_payload"`
	Signature        string      `json:"signature"`
	SenderKey        string      `json:"sender_ephemeral_key"`
	EphemeralKey     string      `json:"ephemeral_x25519_key"`
	Timestamp        time.Time   `json:"timestamp"`
}

// Composer builds upstream messages for subscribers.
type Composer struct {
	suite *crypto.Suite
	clock zajel.Clock

	mu      sync.Mutex
	entropy io.Reader
}

// NewComposer creates a Composer.
func NewComposer(suite *crypto.Suite, clock zajel.Clock) *Composer {
	return &Composer{
		suite:   suite,
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (c *Composer) newID(now time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "up_" + ulid.MustNew(ulid.Timestamp(now), c.entropy).String()
}

// Compose validates p against the channel rules and encrypts it for the
// owner. Replies need replies enabled, votes need polls enabled and the
// content may not exceed max_upstream_size bytes.
func (c *Composer) Compose(manifest zajel.Manifest, p Payload) (*Message, error) {
	if err := admin.ValidateUpstreamMessage(manifest, len(p.Content), p.Type == TypeReply, p.Type == TypeVote); err != nil {
		return nil, err
	}
	switch p.Type {
	case TypeReply, TypeReaction:
	case TypeVote:
		if p.PollID == "" || p.VoteOptionIndex == nil {
			return nil, fmt.Errorf("vote requires poll_id and vote_option_index")
		}
	default:
		return nil, fmt.Errorf("unknown upstream message type %q", p.Type)
	}

	now := c.clock.Now().UTC()
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding upstream payload: %w", err)
	}

	eph, err := c.suite.GenerateEncryptionKeypair()
	if err != nil {
		return nil, err
	}
	secret, err := crypto.SharedSecret(eph.PrivateKey, manifest.CurrentEncryptKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(secret, hkdfInfo)
	if err != nil {
		return nil, err
	}
	ciphertext, err := c.suite.Seal(key, plaintext)
	if err != nil {
		return nil, err
	}

	signer, err := c.suite.GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.SignChunk(ciphertext, signer.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:               c.newID(now),
		ChannelID:        manifest.ChannelID,
		Type:             p.Type,
		EncryptedPayload: ciphertext,
		Signature:        sig,
		SenderKey:        signer.PublicKey,
		EphemeralKey:     eph.PublicKey,
		Timestamp:        now,
	}, nil
}

// Open verifies the message signature and decrypts it with the channel's
// encryption private key.
func Open(msg *Message, encryptionPrivateKey string) (*Payload, error) {
	if !crypto.VerifySignature(msg.EncryptedPayload, msg.Signature, msg.SenderKey) {
		return nil, zajel.NewError(zajel.KindBadSignature, "upstream message signature invalid")
	}
	secret, err := crypto.SharedSecret(encryptionPrivateKey, msg.EphemeralKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(secret, hkdfInfo)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.Open(key, msg.EncryptedPayload)
	if err != nil {
		return nil, err
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("decoding upstream payload: %w", err)
	}
	if p.Type == "" {
		p.Type = TypeReply
	}
	return &p, nil
}
