// Package keystore exports and imports complete local channels, private
// keys included, sealed with an age passphrase.
package keystore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"

	"zajel-go/internal/crypto"
	"zajel-go/internal/zajel"
)

const (
	exportFormat  = "zajel-channel-export"
	exportVersion = 1
)

// Options tunes the scrypt cost. The zero value uses age's default.
type Options struct {
	// WorkFactor is the scrypt log2(N) parameter; 0 keeps the default.
	WorkFactor int

	// Armor writes PEM-style ASCII output instead of binary.
	Armor bool
}

type envelope struct {
	Format     string         `json:"format"`
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exported_at"`
	Channel    *zajel.Channel `json:"channel"`
}

// Export writes channel to w, encrypted to a scrypt recipient derived from
// passphrase.
func Export(w io.Writer, channel *zajel.Channel, passphrase string, exportedAt time.Time, opts Options) error {
	if passphrase == "" {
		return fmt.Errorf("export requires a passphrase")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if opts.WorkFactor > 0 {
		recipient.SetWorkFactor(opts.WorkFactor)
	}

	data, err := json.Marshal(envelope{
		Format:     exportFormat,
		Version:    exportVersion,
		ExportedAt: exportedAt.UTC(),
		Channel:    channel,
	})
	if err != nil {
		return fmt.Errorf("encoding channel: %w", err)
	}

	out := w
	var armorWriter io.WriteCloser
	if opts.Armor {
		armorWriter = armor.NewWriter(w)
		out = armorWriter
	}

	encWriter, err := age.Encrypt(out, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := encWriter.Write(data); err != nil {
		return fmt.Errorf("encrypting channel: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	if armorWriter != nil {
		if err := armorWriter.Close(); err != nil {
			return fmt.Errorf("finalizing armor: %w", err)
		}
	}
	return nil
}

// Import decrypts an export produced by Export, armored or not, and checks
// that the channel's keys are consistent with its manifest.
func Import(r io.Reader, passphrase string) (*zajel.Channel, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	br := bufio.NewReader(r)
	var in io.Reader = br
	if start, _ := br.Peek(len(armor.Header)); string(start) == armor.Header {
		in = armor.NewReader(br)
	}

	decReader, err := age.Decrypt(in, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting export: %w", err)
	}
	data, err := io.ReadAll(decReader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted export: %w", err)
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}
	if env.Format != exportFormat || env.Channel == nil {
		return nil, fmt.Errorf("not a channel export")
	}
	if env.Version > exportVersion {
		return nil, fmt.Errorf("unsupported export version %d", env.Version)
	}
	if err := checkChannel(env.Channel); err != nil {
		return nil, err
	}
	return env.Channel, nil
}

func checkChannel(ch *zajel.Channel) error {
	if !crypto.VerifyManifest(ch.Manifest) {
		return fmt.Errorf("exported manifest signature is invalid")
	}
	if ch.EncryptionPrivateKey != "" {
		pub, err := crypto.EncryptionPublicKey(ch.EncryptionPrivateKey)
		if err != nil {
			return fmt.Errorf("exported encryption key: %w", err)
		}
		if pub != ch.Manifest.CurrentEncryptKey {
			return fmt.Errorf("exported encryption key does not match the manifest")
		}
	}
	if ch.IsOwner() {
		pub, err := crypto.SigningPublicKey(ch.SigningPrivateKey)
		if err != nil {
			return fmt.Errorf("exported signing key: %w", err)
		}
		if pub != ch.Manifest.OwnerKey {
			return fmt.Errorf("exported signing key does not match the owner key")
		}
	}
	return nil
}
