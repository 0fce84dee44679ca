package link

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zajel-go/internal/crypto"
	"zajel-go/internal/testutil"
	"zajel-go/internal/zajel"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	fx := testutil.NewOwnerChannel(t, crypto.NewSuite(nil), "Links <&> News")
	now := testutil.FixedClock().Now()

	l, err := Encode(fx.Channel.Manifest, fx.Channel.EncryptionPrivateKey, now, time.Time{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(l, Prefix))
	require.NotContains(t, l, "=")
	require.True(t, IsLink("  "+l+"\n"))

	inv, err := Decode("  "+l+"\n", now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, fx.Channel.Manifest, inv.Manifest)
	require.Equal(t, fx.Channel.EncryptionPrivateKey, inv.EncryptionKey)
	require.Equal(t, Version, inv.Version)
	require.True(t, inv.CreatedAt.Equal(now))
	require.True(t, inv.ExpiresAt.IsZero())
	require.True(t, crypto.VerifyManifest(inv.Manifest))
}

func TestDecode_Expiry(t *testing.T) {
	t.Parallel()
	fx := testutil.NewOwnerChannel(t, crypto.NewSuite(nil), "exp")
	now := testutil.FixedClock().Now()

	l, err := Encode(fx.Channel.Manifest, fx.Channel.EncryptionPrivateKey, now, now.Add(time.Hour))
	require.NoError(t, err)

	_, err = Decode(l, now.Add(30*time.Minute))
	require.NoError(t, err)

	_, err = Decode(l, now.Add(2*time.Hour))
	require.True(t, zajel.IsKind(err, zajel.KindLinkExpired), "got %v", err)
}

func rawLink(t *testing.T, v any, enc *base64.Encoding) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return Prefix + enc.EncodeToString(data)
}

func TestDecode_Encodings(t *testing.T) {
	t.Parallel()
	fx := testutil.NewOwnerChannel(t, crypto.NewSuite(nil), "enc")
	p := map[string]any{
		"m":          fx.Channel.Manifest,
		"k":          fx.Channel.EncryptionPrivateKey,
		"created_at": "2024-01-15T10:00:00Z",
		"version":    1,
	}
	for name, enc := range map[string]*base64.Encoding{
		"padded url":   base64.URLEncoding,
		"raw url":      base64.RawURLEncoding,
		"standard":     base64.StdEncoding,
		"raw standard": base64.RawStdEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(rawLink(t, p, enc), time.Now())
			require.NoError(t, err)
		})
	}
}

func TestDecode_DefaultsAllowedTypes(t *testing.T) {
	t.Parallel()
	fx := testutil.NewOwnerChannel(t, crypto.NewSuite(nil), "defaults")
	m := fx.Channel.Manifest

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	delete(generic["rules"].(map[string]any), "allowed_types")

	l := rawLink(t, map[string]any{"m": generic, "k": fx.Channel.EncryptionPrivateKey, "version": 1}, base64.RawURLEncoding)
	inv, err := Decode(l, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"text"}, inv.Manifest.Rules.AllowedTypes)
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()
	fx := testutil.NewOwnerChannel(t, crypto.NewSuite(nil), "bad")
	other, err := crypto.NewSuite(nil).GenerateEncryptionKeypair()
	require.NoError(t, err)

	tests := []struct {
		name string
		link string
	}{
		{name: "wrong prefix", link: "https://example.com/x"},
		{name: "not base64", link: Prefix + "!!!"},
		{name: "not json", link: Prefix + base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{name: "missing key", link: rawLink(t, map[string]any{"m": fx.Channel.Manifest, "version": 1}, base64.RawURLEncoding)},
		{name: "missing manifest", link: rawLink(t, map[string]any{"k": "x", "version": 1}, base64.RawURLEncoding)},
		{name: "manifest without owner", link: rawLink(t, map[string]any{
			"m": map[string]any{"channel_id": "c", "current_encrypt_key": "x", "signature": "s"}, "k": "x", "version": 1,
		}, base64.RawURLEncoding)},
		{name: "mismatched key", link: rawLink(t, map[string]any{
			"m": fx.Channel.Manifest, "k": other.PrivateKey, "version": 1,
		}, base64.RawURLEncoding)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.link, time.Now())
			require.True(t, zajel.IsKind(err, zajel.KindInvalidLink), "got %v", err)
		})
	}
}
