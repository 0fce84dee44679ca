// Package admin manages a channel's trust manifest: the admin set, the
// publishing rules and forward-secrecy key rotation.
package admin

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"zajel-go/internal/crypto"
	"zajel-go/internal/zajel"
)

// Manager applies owner-only manifest mutations. Each mutation loads the
// channel, computes the new manifest, re-signs and persists it while holding
// a per-channel lock, so concurrent mutations of one channel never interleave.
type Manager struct {
	store  zajel.ChannelStore
	suite  *crypto.Suite
	logger zajel.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager persisting through store.
func NewManager(store zajel.ChannelStore, suite *crypto.Suite, logger zajel.Logger) *Manager {
	return &Manager{
		store:  store,
		suite:  suite,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(channelID string) func() {
	m.mu.Lock()
	l, ok := m.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[channelID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// mutate runs fn against a copy of the stored channel. fn returns the new
// unsigned manifest; it may also update key material on the copy. Nothing is
// persisted unless signing succeeds.
func (m *Manager) mutate(ctx context.Context, channelID string, fn func(ch *zajel.Channel) (zajel.Manifest, error)) (*zajel.Channel, error) {
	unlock := m.lock(channelID)
	defer unlock()

	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("loading channel: %w", err)
	}
	if ch == nil {
		return nil, zajel.NewError(zajel.KindChannelNotFound, "channel not found: %s", channelID)
	}
	if !ch.IsOwner() || ch.SigningPrivateKey == "" {
		return nil, zajel.NewError(zajel.KindNotOwner, "only the channel owner can modify channel %s", channelID)
	}

	next := ch.Clone()
	manifest, err := fn(next)
	if err != nil {
		return nil, err
	}
	signed, err := crypto.SignManifest(manifest, ch.SigningPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signing manifest: %w", err)
	}
	next.Manifest = signed

	if err := m.store.SaveChannel(ctx, next); err != nil {
		return nil, fmt.Errorf("saving channel: %w", err)
	}
	return next, nil
}

// AppointAdmin adds adminPublicKey with label to the admin list.
func (m *Manager) AppointAdmin(ctx context.Context, channelID, adminPublicKey, label string) (*zajel.Channel, error) {
	ch, err := m.mutate(ctx, channelID, func(ch *zajel.Channel) (zajel.Manifest, error) {
		if adminPublicKey == ch.Manifest.OwnerKey {
			return zajel.Manifest{}, zajel.NewError(zajel.KindCannotAppointOwner, "cannot appoint the owner as an admin")
		}
		if ch.Manifest.HasAdmin(adminPublicKey) {
			return zajel.Manifest{}, zajel.NewError(zajel.KindDuplicateAdmin, "admin is already appointed")
		}
		return ch.Manifest.WithAdminAdded(adminPublicKey, label), nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("admin appointed", "channel", channelID, "label", label)
	return ch, nil
}

// RemoveAdmin removes adminPublicKey and then rotates the encryption key, so
// the removed admin cannot decrypt anything published afterwards.
func (m *Manager) RemoveAdmin(ctx context.Context, channelID, adminPublicKey string) (*zajel.Channel, error) {
	ch, err := m.mutate(ctx, channelID, func(ch *zajel.Channel) (zajel.Manifest, error) {
		if !ch.Manifest.HasAdmin(adminPublicKey) {
			return zajel.Manifest{}, zajel.NewError(zajel.KindUnknownAdmin, "admin is not in the manifest")
		}
		ch.Manifest = ch.Manifest.WithAdminRemoved(adminPublicKey)
		return m.rotate(ch)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("admin removed, key rotated", "channel", channelID, "epoch", ch.Manifest.KeyEpoch)
	return ch, nil
}

// RotateEncryptionKeyForRemoval generates a fresh encryption key pair and
// advances the key epoch by one.
func (m *Manager) RotateEncryptionKeyForRemoval(ctx context.Context, channelID string) (*zajel.Channel, error) {
	ch, err := m.mutate(ctx, channelID, m.rotate)
	if err != nil {
		return nil, err
	}
	m.logger.Info("encryption key rotated", "channel", channelID, "epoch", ch.Manifest.KeyEpoch)
	return ch, nil
}

func (m *Manager) rotate(ch *zajel.Channel) (zajel.Manifest, error) {
	kp, err := m.suite.GenerateEncryptionKeypair()
	if err != nil {
		return zajel.Manifest{}, fmt.Errorf("rotating encryption key: %w", err)
	}
	ch.EncryptionPublicKey = kp.PublicKey
	ch.EncryptionPrivateKey = kp.PrivateKey
	return ch.Manifest.WithKeyRotated(kp.PublicKey), nil
}

// UpdateRules replaces the channel rules.
func (m *Manager) UpdateRules(ctx context.Context, channelID string, rules zajel.Rules) (*zajel.Channel, error) {
	return m.mutate(ctx, channelID, func(ch *zajel.Channel) (zajel.Manifest, error) {
		if rules.MaxUpstreamSize < 0 {
			return zajel.Manifest{}, fmt.Errorf("max upstream size must not be negative")
		}
		return ch.Manifest.WithRules(rules), nil
	})
}

// IsAuthorizedAdmin reports whether key is an appointed admin. The owner key
// is not an admin.
func IsAuthorizedAdmin(manifest zajel.Manifest, key string) bool {
	return manifest.HasAdmin(key)
}

// IsAuthorizedPublisher reports whether key is the owner or an admin.
func IsAuthorizedPublisher(manifest zajel.Manifest, key string) bool {
	return key == manifest.OwnerKey || manifest.HasAdmin(key)
}

// GetAdmins returns a copy of the admin list.
func GetAdmins(manifest zajel.Manifest) []zajel.AdminKey {
	return slices.Clone(manifest.AdminKeys)
}

// HasAdmins reports whether the channel has any admins.
func HasAdmins(manifest zajel.Manifest) bool {
	return len(manifest.AdminKeys) > 0
}

// ValidateUpstreamMessage checks an upstream message against the channel
// rules. It returns nil when the message is acceptable. The size limit is
// inclusive.
func ValidateUpstreamMessage(manifest zajel.Manifest, messageSize int, isReply, isPoll bool) error {
	rules := manifest.Rules
	if isReply && !rules.RepliesEnabled {
		return zajel.NewError(zajel.KindRepliesDisabled, "replies are disabled for this channel")
	}
	if isPoll && !rules.PollsEnabled {
		return zajel.NewError(zajel.KindPollsDisabled, "polls are disabled for this channel")
	}
	if messageSize > rules.MaxUpstreamSize {
		return &zajel.Error{
			Kind:    zajel.KindSizeExceeded,
			Message: fmt.Sprintf("message size %d exceeds max_upstream_size limit of %d", messageSize, rules.MaxUpstreamSize),
			Actual:  messageSize,
			Limit:   rules.MaxUpstreamSize,
		}
	}
	return nil
}
