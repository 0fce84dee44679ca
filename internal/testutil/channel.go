package testutil

import (
	"testing"

	"zajel-go/internal/crypto"
	"zajel-go/internal/zajel"
)

// ChannelFixture is an owner channel plus the raw key pairs behind it.
type ChannelFixture struct {
	Channel    *zajel.Channel
	Signing    crypto.KeyPair
	Encryption crypto.KeyPair
}

// NewOwnerChannel builds a signed owner channel at key epoch 1 with default rules.
func NewOwnerChannel(t *testing.T, suite *crypto.Suite, name string) *ChannelFixture {
	t.Helper()

	signing, err := suite.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	enc, err := suite.GenerateEncryptionKeypair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeypair() error = %v", err)
	}
	id, err := crypto.DeriveChannelID(signing.PublicKey)
	if err != nil {
		t.Fatalf("DeriveChannelID() error = %v", err)
	}

	manifest, err := crypto.SignManifest(zajel.Manifest{
		ChannelID:         id,
		Name:              name,
		OwnerKey:          signing.PublicKey,
		AdminKeys:         []zajel.AdminKey{},
		CurrentEncryptKey: enc.PublicKey,
		KeyEpoch:          1,
		Rules:             zajel.DefaultRules(),
	}, signing.PrivateKey)
	if err != nil {
		t.Fatalf("SignManifest() error = %v", err)
	}

	return &ChannelFixture{
		Channel: &zajel.Channel{
			ID:                   id,
			Role:                 zajel.RoleOwner,
			Manifest:             manifest,
			SigningPrivateKey:    signing.PrivateKey,
			EncryptionPublicKey:  enc.PublicKey,
			EncryptionPrivateKey: enc.PrivateKey,
			CreatedAt:            FixedClock().Now(),
		},
		Signing:    signing,
		Encryption: enc,
	}
}

// Subscriber returns the subscriber view of the fixture's channel: same
// manifest and decryption secret, no signing key.
func (f *ChannelFixture) Subscriber() *zajel.Channel {
	ch := f.Channel.Clone()
	ch.Role = zajel.RoleSubscriber
	ch.SigningPrivateKey = ""
	return ch
}
