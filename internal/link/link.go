// Package link encodes and decodes shareable channel invite links of the
// form zajel://channel/<base64url JSON>. A link carries the channel
// decryption key; anyone holding it can read the channel.
package link

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"zajel-go/internal/crypto"
	"zajel-go/internal/zajel"
)

// Prefix starts every channel link.
const Prefix = "zajel://channel/"

// Version is the link payload version written by Encode.
const Version = 1

// Invite is the decoded content of a channel link.
type Invite struct {
	Manifest      zajel.Manifest
	EncryptionKey string
	CreatedAt     time.Time
	ExpiresAt     time.Time // zero when the link never expires
	Version       int
}

type payload struct {
	Manifest  zajel.Manifest `json:"m"`
	Key       string         `json:"k"`
	CreatedAt string         `json:"created_at"`
	Version   int            `json:"version"`
	ExpiresAt string         `json:"expires_at,omitempty"`
}

const payloadSchema = `{
  "type": "object",
  "required": ["m", "k", "version"],
  "properties": {
    "m": {
      "type": "object",
      "required": ["channel_id", "owner_key", "current_encrypt_key", "signature"],
      "properties": {
        "channel_id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "description": {"type": "string"},
        "owner_key": {"type": "string", "minLength": 1},
        "current_encrypt_key": {"type": "string", "minLength": 1},
        "key_epoch": {"type": "integer", "minimum": 1},
        "signature": {"type": "string", "minLength": 1},
        "admin_keys": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["key"],
            "properties": {"key": {"type": "string"}, "label": {"type": "string"}}
          }
        },
        "rules": {
          "type": "object",
          "properties": {
            "replies_enabled": {"type": "boolean"},
            "polls_enabled": {"type": "boolean"},
            "max_upstream_size": {"type": "integer", "minimum": 0},
            "allowed_types": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    },
    "k": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "expires_at": {"type": ["string", "null"]},
    "version": {"type": "integer", "minimum": 1}
  }
}`

var schema *gojsonschema.Schema

func init() {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		panic(fmt.Sprintf("link: invalid payload schema: %v", err))
	}
	schema = s
}

// Encode builds a link for manifest and the shared encryption private key.
// A zero expiresAt produces a link that never expires.
func Encode(manifest zajel.Manifest, encryptionPrivateKey string, createdAt, expiresAt time.Time) (string, error) {
	p := payload{
		Manifest:  manifest,
		Key:       encryptionPrivateKey,
		CreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
		Version:   Version,
	}
	if !expiresAt.IsZero() {
		p.ExpiresAt = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding link payload: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// IsLink reports whether text looks like a channel link.
func IsLink(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), Prefix)
}

// Decode parses and validates a link. It accepts padded or unpadded
// base64url as well as standard base64. Links past their expiry at now
// fail with KindLinkExpired; the key must match the manifest's current
// encryption key.
func Decode(text string, now time.Time) (*Invite, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, Prefix) {
		return nil, zajel.NewError(zajel.KindInvalidLink, "invalid channel link: must start with %q", Prefix)
	}

	data, err := decodeBase64(strings.TrimPrefix(trimmed, Prefix))
	if err != nil {
		return nil, &zajel.Error{Kind: zajel.KindInvalidLink, Message: "invalid channel link encoding", Err: err}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, &zajel.Error{Kind: zajel.KindInvalidLink, Message: "invalid channel link payload", Err: err}
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return nil, zajel.NewError(zajel.KindInvalidLink, "invalid channel link payload: %s", strings.Join(errs, "; "))
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &zajel.Error{Kind: zajel.KindInvalidLink, Message: "invalid channel link payload", Err: err}
	}

	inv := &Invite{Manifest: p.Manifest, EncryptionKey: p.Key, Version: p.Version}
	if p.CreatedAt != "" {
		if inv.CreatedAt, err = time.Parse(time.RFC3339Nano, p.CreatedAt); err != nil {
			return nil, &zajel.Error{Kind: zajel.KindInvalidLink, Message: "invalid created_at", Err: err}
		}
	}
	if p.ExpiresAt != "" {
		if inv.ExpiresAt, err = time.Parse(time.RFC3339Nano, p.ExpiresAt); err != nil {
			return nil, &zajel.Error{Kind: zajel.KindInvalidLink, Message: "invalid expires_at", Err: err}
		}
		if now.After(inv.ExpiresAt) {
			return nil, zajel.NewError(zajel.KindLinkExpired, "channel invite link has expired")
		}
	}

	pub, err := crypto.EncryptionPublicKey(p.Key)
	if err != nil {
		return nil, &zajel.Error{Kind: zajel.KindInvalidLink, Message: "invalid channel key", Err: err}
	}
	if pub != p.Manifest.CurrentEncryptKey {
		return nil, zajel.NewError(zajel.KindInvalidLink, "channel key does not match the manifest")
	}
	return inv, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if std, stdErr := base64.RawStdEncoding.DecodeString(s); stdErr == nil {
		return std, nil
	}
	return nil, err
}
