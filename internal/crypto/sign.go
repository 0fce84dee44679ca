package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"zajel-go/internal/zajel"
)

// SignManifest returns a copy of m signed with the owner's signing key.
func SignManifest(m zajel.Manifest, ownerPrivateKey string) (zajel.Manifest, error) {
	priv, err := signingKey(ownerPrivateKey)
	if err != nil {
		return zajel.Manifest{}, err
	}
	msg, err := m.SignableBytes()
	if err != nil {
		return zajel.Manifest{}, fmt.Errorf("canonicalizing manifest: %w", err)
	}
	out := m.Clone()
	out.Signature = encode(ed25519.Sign(priv, msg))
	return out, nil
}

// VerifyManifest reports whether the manifest signature verifies against
// its own owner key. It never panics on malformed input.
func VerifyManifest(m zajel.Manifest) bool {
	if m.Signature == "" {
		return false
	}
	pub, err := DecodeKey(m.OwnerKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg, err := m.SignableBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// SignChunk returns a detached base64 signature over data.
func SignChunk(data []byte, signingPrivateKey string) (string, error) {
	priv, err := signingKey(signingPrivateKey)
	if err != nil {
		return "", err
	}
	return encode(ed25519.Sign(priv, data)), nil
}

// VerifyChunkSignature reports whether the chunk signature over its
// encrypted payload verifies against the chunk author key.
func VerifyChunkSignature(chunk *zajel.Chunk) bool {
	if chunk == nil {
		return false
	}
	return VerifySignature(chunk.EncryptedPayload, chunk.Signature, chunk.AuthorPubkey)
}

// VerifySignature checks a detached base64 Ed25519 signature over data.
// Malformed keys or signatures simply fail.
func VerifySignature(data []byte, signature, publicKey string) bool {
	if signature == "" {
		return false
	}
	pub, err := DecodeKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
