// Package crypto implements the channel cryptography: key generation,
// manifest signing, epoch-keyed payload encryption and the five-step chunk
// verification gate.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"zajel-go/internal/zajel"
)

// KeySize is the length of every public and private key handled here.
const KeySize = 32

// KeyPair holds a base64-encoded public/private key pair.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// Suite generates key material and ciphertext nonces from an injected
// random source. The zero value is not usable; call NewSuite.
type Suite struct {
	rand io.Reader
}

// NewSuite returns a Suite reading randomness from r, or from crypto/rand
// when r is nil.
func NewSuite(r io.Reader) *Suite {
	if r == nil {
		r = rand.Reader
	}
	return &Suite{rand: r}
}

// GenerateSigningKeypair creates an Ed25519 key pair. The private key is the
// 32-byte seed.
func (s *Suite) GenerateSigningKeypair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(s.rand)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating signing key: %w", err)
	}
	return KeyPair{
		PublicKey:  encode(pub),
		PrivateKey: encode(priv.Seed()),
	}, nil
}

// GenerateEncryptionKeypair creates an X25519 key pair.
func (s *Suite) GenerateEncryptionKeypair() (KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(s.rand, priv); err != nil {
		return KeyPair{}, fmt.Errorf("generating encryption key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("deriving encryption public key: %w", err)
	}
	return KeyPair{PublicKey: encode(pub), PrivateKey: encode(priv)}, nil
}

// DeriveChannelID returns the first 16 bytes of SHA-256 over the owner's
// public key, hex encoded.
func DeriveChannelID(ownerPublicKey string) (string, error) {
	pub, err := DecodeKey(ownerPublicKey)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16]), nil
}

// SigningPublicKey returns the public key for a base64 Ed25519 seed.
func SigningPublicKey(signingPrivateKey string) (string, error) {
	priv, err := signingKey(signingPrivateKey)
	if err != nil {
		return "", err
	}
	return encode(priv.Public().(ed25519.PublicKey)), nil
}

// EncryptionPublicKey returns the X25519 public key for a base64 private key.
func EncryptionPublicKey(encryptionPrivateKey string) (string, error) {
	priv, err := DecodeKey(encryptionPrivateKey)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", zajel.NewError(zajel.KindInvalidKey, "invalid encryption key: %v", err)
	}
	return encode(pub), nil
}

// SharedSecret computes the X25519 shared secret between a base64 private
// key and a base64 peer public key.
func SharedSecret(privateKey, peerPublicKey string) ([]byte, error) {
	priv, err := DecodeKey(privateKey)
	if err != nil {
		return nil, err
	}
	pub, err := DecodeKey(peerPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, zajel.NewError(zajel.KindInvalidKey, "key agreement failed: %v", err)
	}
	return secret, nil
}

// DecodeKey decodes a base64 key and checks its length.
func DecodeKey(key string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, &zajel.Error{Kind: zajel.KindInvalidBase64, Message: "invalid base64 key", Err: err}
	}
	if len(raw) != KeySize {
		return nil, zajel.NewError(zajel.KindInvalidKey, "invalid key length %d, want %d", len(raw), KeySize)
	}
	return raw, nil
}

// signingKey accepts either a 32-byte seed or a full 64-byte Ed25519 key.
func signingKey(key string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, &zajel.Error{Kind: zajel.KindInvalidBase64, Message: "invalid base64 signing key", Err: err}
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, zajel.NewError(zajel.KindInvalidKey, "invalid signing key length %d", len(raw))
	}
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
