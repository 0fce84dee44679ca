package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"zajel-go/internal/zajel"
)

const (
	contentInfoPrefix = "zajel_channel_content_epoch_"

	// Overhead is the nonce plus authentication tag added to every ciphertext.
	Overhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead
)

// ContentKey derives the symmetric content key for a key epoch.
func ContentKey(encryptionPrivateKey string, keyEpoch int) ([]byte, error) {
	ikm, err := DecodeKey(encryptionPrivateKey)
	if err != nil {
		return nil, err
	}
	return DeriveKey(ikm, contentInfoPrefix+strconv.Itoa(keyEpoch))
}

// DeriveKey runs HKDF-SHA256 with an empty salt and returns a 32-byte key.
func DeriveKey(ikm []byte, info string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// EncryptPayload encrypts plaintext under the content key for keyEpoch.
// The output is nonce || ciphertext || tag.
func (s *Suite) EncryptPayload(plaintext []byte, encryptionPrivateKey string, keyEpoch int) ([]byte, error) {
	key, err := ContentKey(encryptionPrivateKey, keyEpoch)
	if err != nil {
		return nil, err
	}
	return s.Seal(key, plaintext)
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under a fresh random nonce.
func (s *Suite) Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	out := make([]byte, chacha20poly1305.NonceSize, Overhead+len(plaintext))
	if _, err := io.ReadFull(s.rand, out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(out, out, plaintext, nil), nil
}

// DecryptPayload reverses EncryptPayload. Using a different key or epoch
// fails MAC verification.
func DecryptPayload(data []byte, encryptionPrivateKey string, keyEpoch int) ([]byte, error) {
	key, err := ContentKey(encryptionPrivateKey, keyEpoch)
	if err != nil {
		return nil, err
	}
	return Open(key, data)
}

// Open decrypts data produced by Seal.
func Open(key, data []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, zajel.NewError(zajel.KindTooShort, "ciphertext too short: %d bytes", len(data))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce, ct := data[:chacha20poly1305.NonceSize], data[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, zajel.NewError(zajel.KindMACFailed, "MAC verification failed")
	}
	return plaintext, nil
}
