package crypto

import (
	"fmt"

	"zajel-go/internal/zajel"
)

func stepError(step int, kind zajel.ErrorKind, msg string, cause error) *zajel.Error {
	return &zajel.Error{
		Kind:    kind,
		Step:    step,
		Message: fmt.Sprintf("verification step %d failed: %s", step, msg),
		Err:     cause,
	}
}

// VerifyChunk runs steps 1 through 4 of chunk verification. It checks the
// chunk signature, that the author is the owner or an admin, that the
// manifest is owner-signed and that the manifest owner is the trusted one.
// The first failing step aborts with an error carrying its number.
func VerifyChunk(chunk *zajel.Chunk, manifest zajel.Manifest, trustedOwnerKey string) error {
	if !VerifyChunkSignature(chunk) {
		return stepError(1, zajel.KindStep1ChunkSignature, "chunk signature invalid", nil)
	}
	if chunk.AuthorPubkey != manifest.OwnerKey && !manifest.HasAdmin(chunk.AuthorPubkey) {
		return stepError(2, zajel.KindStep2UnauthorizedAuth, "author not in manifest", nil)
	}
	if !VerifyManifest(manifest) {
		return stepError(3, zajel.KindStep3ManifestInvalid, "manifest signature invalid", nil)
	}
	if manifest.OwnerKey != trustedOwnerKey {
		return stepError(4, zajel.KindStep4OwnerMismatch, "manifest owner does not match trusted owner", nil)
	}
	return nil
}

// DecryptVerified is step 5: it decrypts ciphertext at the manifest's key
// epoch. Callers run VerifyChunk on every chunk of the set first.
func DecryptVerified(ciphertext []byte, manifest zajel.Manifest, encryptionPrivateKey string) ([]byte, error) {
	plaintext, err := DecryptPayload(ciphertext, encryptionPrivateKey, manifest.KeyEpoch)
	if err != nil {
		return nil, stepError(5, zajel.KindStep5Decrypt, "payload decryption failed", err)
	}
	return plaintext, nil
}

// VerifyAndDecryptChunk runs the full five-step gate on a single-chunk
// payload and returns the plaintext.
func VerifyAndDecryptChunk(chunk *zajel.Chunk, manifest zajel.Manifest, trustedOwnerKey, encryptionPrivateKey string) ([]byte, error) {
	if err := VerifyChunk(chunk, manifest, trustedOwnerKey); err != nil {
		return nil, err
	}
	return DecryptVerified(chunk.EncryptedPayload, manifest, encryptionPrivateKey)
}
