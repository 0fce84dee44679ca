package zajel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func testManifest() Manifest {
	return Manifest{
		ChannelID:         "abc",
		Name:              "News <daily>",
		Description:       "desc & more",
		OwnerKey:          "owner",
		AdminKeys:         []AdminKey{{Key: "a1", Label: "Alice"}},
		CurrentEncryptKey: "enc",
		KeyEpoch:          3,
		Rules:             DefaultRules(),
		Signature:         "sig",
	}
}

func TestManifest_SignableBytes(t *testing.T) {
	m := testManifest()

	got, err := m.SignableBytes()
	if err != nil {
		t.Fatalf("SignableBytes() error = %v", err)
	}

	want := `{"admin_keys":[{"key":"a1","label":"Alice"}],"channel_id":"abc","current_encrypt_key":"enc",` +
		`"description":"desc & more","key_epoch":3,"name":"News <daily>","owner_key":"owner",` +
		`"rules":{"replies_enabled":true,"polls_enabled":true,"max_upstream_size":4096,"allowed_types":["text"]}}`
	if string(got) != want {
		t.Errorf("SignableBytes() =\n%s\nwant\n%s", got, want)
	}

	m.Signature = "different"
	again, _ := m.SignableBytes()
	if string(again) != string(got) {
		t.Error("SignableBytes() changed with signature, want signature excluded")
	}
}

func TestManifest_SignableBytesNilSlices(t *testing.T) {
	m := Manifest{ChannelID: "x", KeyEpoch: 1}

	got, err := m.SignableBytes()
	if err != nil {
		t.Fatalf("SignableBytes() error = %v", err)
	}
	if !strings.Contains(string(got), `"admin_keys":[]`) {
		t.Errorf("SignableBytes() = %s, want empty admin_keys array", got)
	}
	if !strings.Contains(string(got), `"allowed_types":[]`) {
		t.Errorf("SignableBytes() = %s, want empty allowed_types array", got)
	}
}

func TestManifest_UnmarshalDefaults(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantEpoch int
		wantTypes []string
		wantMax   int
	}{
		{
			name:      "missing rules and epoch",
			input:     `{"channel_id":"c","owner_key":"o"}`,
			wantEpoch: 1,
			wantTypes: []string{"text"},
			wantMax:   DefaultMaxUpstreamSize,
		},
		{
			name:      "rules without allowed_types",
			input:     `{"key_epoch":4,"rules":{"replies_enabled":false,"polls_enabled":true,"max_upstream_size":10}}`,
			wantEpoch: 4,
			wantTypes: []string{"text"},
			wantMax:   10,
		},
		{
			name:      "explicit allowed_types",
			input:     `{"rules":{"allowed_types":["text","file"]}}`,
			wantEpoch: 1,
			wantTypes: []string{"text", "file"},
			wantMax:   DefaultMaxUpstreamSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Manifest
			if err := json.Unmarshal([]byte(tt.input), &m); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if m.KeyEpoch != tt.wantEpoch {
				t.Errorf("KeyEpoch = %d, want %d", m.KeyEpoch, tt.wantEpoch)
			}
			if fmt.Sprint(m.Rules.AllowedTypes) != fmt.Sprint(tt.wantTypes) {
				t.Errorf("AllowedTypes = %v, want %v", m.Rules.AllowedTypes, tt.wantTypes)
			}
			if m.Rules.MaxUpstreamSize != tt.wantMax {
				t.Errorf("MaxUpstreamSize = %d, want %d", m.Rules.MaxUpstreamSize, tt.wantMax)
			}
			if m.AdminKeys == nil {
				t.Error("AdminKeys = nil, want empty slice")
			}
		})
	}
}

func TestManifest_Transforms(t *testing.T) {
	base := testManifest()

	added := base.WithAdminAdded("a2", "Bob")
	if len(base.AdminKeys) != 1 {
		t.Errorf("WithAdminAdded() mutated receiver, len = %d", len(base.AdminKeys))
	}
	if !added.HasAdmin("a2") || added.Signature != "" {
		t.Errorf("WithAdminAdded() = %+v, want a2 present and unsigned", added)
	}

	removed := added.WithAdminRemoved("a1")
	if removed.HasAdmin("a1") || !removed.HasAdmin("a2") {
		t.Errorf("WithAdminRemoved() admins = %v", removed.AdminKeys)
	}
	if !added.HasAdmin("a1") {
		t.Error("WithAdminRemoved() mutated receiver")
	}

	rotated := base.WithKeyRotated("enc2")
	if rotated.KeyEpoch != base.KeyEpoch+1 || rotated.CurrentEncryptKey != "enc2" {
		t.Errorf("WithKeyRotated() = epoch %d key %q", rotated.KeyEpoch, rotated.CurrentEncryptKey)
	}

	ruled := base.WithRules(Rules{MaxUpstreamSize: 5})
	if ruled.Rules.MaxUpstreamSize != 5 || len(ruled.Rules.AllowedTypes) != 1 {
		t.Errorf("WithRules() rules = %+v", ruled.Rules)
	}
}

func TestChunkPayload_Binary(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 30, 0, 123, time.UTC)
	in := ChunkPayload{
		Type:      ContentText,
		Payload:   []byte("hello"),
		Metadata:  map[string]any{"lang": "en"},
		ReplyTo:   "msg-1",
		Author:    "a1",
		Timestamp: ts,
	}

	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	var out ChunkPayload
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if out.Type != in.Type || string(out.Payload) != "hello" || out.ReplyTo != "msg-1" || out.Author != "a1" {
		t.Errorf("UnmarshalBinary() = %+v", out)
	}
	if !out.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", out.Timestamp, ts)
	}
	if out.Metadata["lang"] != "en" {
		t.Errorf("Metadata = %v", out.Metadata)
	}

	if err := out.UnmarshalBinary([]byte{0xff, 0x00}); err == nil {
		t.Error("UnmarshalBinary() garbage error = nil, want error")
	}
}

func TestError_Kinds(t *testing.T) {
	inner := &Error{Kind: KindMACFailed, Message: "MAC verification failed"}
	outer := &Error{Kind: KindStep5Decrypt, Message: "step 5", Step: 5, Err: inner}
	wrapped := fmt.Errorf("receiving chunk: %w", outer)

	if !IsKind(wrapped, KindStep5Decrypt) {
		t.Error("IsKind(step5) = false, want true")
	}
	if !IsKind(wrapped, KindMACFailed) {
		t.Error("IsKind(mac) = false, want true")
	}
	if IsKind(wrapped, KindTooShort) {
		t.Error("IsKind(too short) = true, want false")
	}
	if KindOf(wrapped) != KindStep5Decrypt {
		t.Errorf("KindOf() = %q", KindOf(wrapped))
	}
	if StepOf(wrapped) != 5 {
		t.Errorf("StepOf() = %d, want 5", StepOf(wrapped))
	}
	if !errors.Is(wrapped, &Error{Kind: KindStep5Decrypt}) {
		t.Error("errors.Is() = false, want true")
	}
	if StepOf(errors.New("plain")) != 0 {
		t.Error("StepOf(plain) != 0")
	}
}
