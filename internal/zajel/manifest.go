package zajel

import (
	"bytes"
	"encoding/json"
	"slices"
)

// DefaultMaxUpstreamSize is the upstream size limit applied to new channels.
const DefaultMaxUpstreamSize = 4096

// AdminKey is a signing public key authorized to publish, distinct from the owner key.
type AdminKey struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Rules govern what subscribers may send upstream.
type Rules struct {
	RepliesEnabled  bool     `json:"replies_enabled"`
	PollsEnabled    bool     `json:"polls_enabled"`
	MaxUpstreamSize int      `json:"max_upstream_size"`
	AllowedTypes    []string `json:"allowed_types"`
}

// DefaultRules returns the rules applied to newly created channels.
func DefaultRules() Rules {
	return Rules{
		RepliesEnabled:  true,
		PollsEnabled:    true,
		MaxUpstreamSize: DefaultMaxUpstreamSize,
		AllowedTypes:    []string{"text"},
	}
}

// UnmarshalJSON fills in defaults for fields missing from older encodings.
func (r *Rules) UnmarshalJSON(data []byte) error {
	type rawRules Rules
	aux := rawRules(DefaultRules())
	aux.AllowedTypes = nil
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.AllowedTypes == nil {
		aux.AllowedTypes = []string{"text"}
	}
	*r = Rules(aux)
	return nil
}

// Manifest is the signed description of a channel's trust state.
//
// Manifest values are treated as immutable: the With* methods return an
// updated, unsigned copy that must be re-signed by the owner.
type Manifest struct {
	ChannelID         string     `json:"channel_id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	OwnerKey          string     `json:"owner_key"`
	AdminKeys         []AdminKey `json:"admin_keys"`
	CurrentEncryptKey string     `json:"current_encrypt_key"`
	KeyEpoch          int        `json:"key_epoch"`
	Rules             Rules      `json:"rules"`
	Signature         string     `json:"signature"`
}

// UnmarshalJSON defaults key_epoch to 1, admin_keys to an empty list and
// rules to DefaultRules when they are absent.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type rawManifest Manifest
	aux := rawManifest{KeyEpoch: 1, Rules: DefaultRules()}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.AdminKeys == nil {
		aux.AdminKeys = []AdminKey{}
	}
	*m = Manifest(aux)
	return nil
}

// signableManifest fixes the canonical key order used for signing.
type signableManifest struct {
	AdminKeys         []AdminKey `json:"admin_keys"`
	ChannelID         string     `json:"channel_id"`
	CurrentEncryptKey string     `json:"current_encrypt_key"`
	Description       string     `json:"description"`
	KeyEpoch          int        `json:"key_epoch"`
	Name              string     `json:"name"`
	OwnerKey          string     `json:"owner_key"`
	Rules             Rules      `json:"rules"`
}

// SignableBytes returns the canonical serialization of every field except
// the signature. Equal manifests always produce identical bytes.
func (m Manifest) SignableBytes() ([]byte, error) {
	admins := m.AdminKeys
	if admins == nil {
		admins = []AdminKey{}
	}
	rules := m.Rules
	if rules.AllowedTypes == nil {
		rules.AllowedTypes = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(signableManifest{
		AdminKeys:         admins,
		ChannelID:         m.ChannelID,
		CurrentEncryptKey: m.CurrentEncryptKey,
		Description:       m.Description,
		KeyEpoch:          m.KeyEpoch,
		Name:              m.Name,
		OwnerKey:          m.OwnerKey,
		Rules:             rules,
	})
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Clone returns a deep copy of the manifest.
func (m Manifest) Clone() Manifest {
	m.AdminKeys = slices.Clone(m.AdminKeys)
	m.Rules.AllowedTypes = slices.Clone(m.Rules.AllowedTypes)
	return m
}

// HasAdmin reports whether key is in the admin list.
func (m Manifest) HasAdmin(key string) bool {
	return slices.ContainsFunc(m.AdminKeys, func(a AdminKey) bool { return a.Key == key })
}

// WithAdminAdded returns an unsigned copy with {key, label} appended.
func (m Manifest) WithAdminAdded(key, label string) Manifest {
	out := m.Clone()
	out.AdminKeys = append(out.AdminKeys, AdminKey{Key: key, Label: label})
	out.Signature = ""
	return out
}

// WithAdminRemoved returns an unsigned copy without key.
func (m Manifest) WithAdminRemoved(key string) Manifest {
	out := m.Clone()
	out.AdminKeys = slices.DeleteFunc(out.AdminKeys, func(a AdminKey) bool { return a.Key == key })
	out.Signature = ""
	return out
}

// WithKeyRotated returns an unsigned copy advanced to the next key epoch
// under the given encryption public key.
func (m Manifest) WithKeyRotated(encryptPublicKey string) Manifest {
	out := m.Clone()
	out.CurrentEncryptKey = encryptPublicKey
	out.KeyEpoch++
	out.Signature = ""
	return out
}

// WithRules returns an unsigned copy carrying rules.
func (m Manifest) WithRules(rules Rules) Manifest {
	out := m.Clone()
	out.Rules = rules
	out.Rules.AllowedTypes = slices.Clone(rules.AllowedTypes)
	if out.Rules.AllowedTypes == nil {
		out.Rules.AllowedTypes = []string{"text"}
	}
	out.Signature = ""
	return out
}
