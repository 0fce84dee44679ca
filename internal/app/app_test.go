package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zajel-go/internal/config"
	"zajel-go/internal/crypto"
	"zajel-go/internal/zajel"
)

var relaySeq atomic.Int64

// testConfig returns a memory-backed config whose relays are shared by
// every app built from configs returned with the same relay URL.
func testConfig(t *testing.T, peerID string, relays ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewConfig(peerID, dir)
	cfg.Store = config.StoreConfig{Type: "memory"}
	cfg.Routing.LookbackEpochs = 3
	for _, r := range relays {
		cfg.Relays = append(cfg.Relays, config.RelayConfig{URL: r})
	}
	return cfg
}

func uniqueRelay() string {
	return fmt.Sprintf("mem://apptest%d", relaySeq.Add(1))
}

func newTestApp(t *testing.T, cfg *config.Config, operation string) *ZajelApp {
	t.Helper()
	a, err := NewZajelApp(context.Background(), cfg, Options{Operation: operation})
	if err != nil {
		t.Fatalf("NewZajelApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

type collected struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collected) handle(_ context.Context, _ string, _ int, p *zajel.ChunkPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(p.Payload))
}

func (c *collected) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestNewZajelApp_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{name: "unknown epoch", mutate: func(cfg *config.Config) { cfg.Routing.Epoch = "weekly" }},
		{name: "unknown store", mutate: func(cfg *config.Config) { cfg.Store.Type = "tape" }},
		{name: "bad relay", mutate: func(cfg *config.Config) { cfg.Relays = []config.RelayConfig{{URL: "ftp://x"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "p")
			tt.mutate(cfg)
			a, err := NewZajelApp(context.Background(), cfg, Options{Operation: "Test"})
			if err == nil {
				a.Close()
				t.Fatal("NewZajelApp() expected error")
			}
		})
	}
}

func TestZajelApp_PublishAndFetch(t *testing.T) {
	ctx := context.Background()
	relayURL := uniqueRelay()
	owner := newTestApp(t, testConfig(t, "owner", relayURL), "Publish")
	sub := newTestApp(t, testConfig(t, "sub", relayURL), "Fetch")

	ch, err := owner.CreateChannel(ctx, "news", "", zajel.DefaultRules())
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	text, err := owner.InviteLink(ctx, ch.ID, time.Hour)
	if err != nil {
		t.Fatalf("InviteLink() error = %v", err)
	}
	joined, err := sub.Join(ctx, text)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if joined.Role != zajel.RoleSubscriber {
		t.Errorf("Role = %q, want subscriber", joined.Role)
	}

	if _, err := owner.Publish(ctx, ch.ID, zajel.ContentText, []byte("first"), ""); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := &collected{}
	sub.OnMessage(got.handle)
	report, err := sub.Fetch(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if report.Node != relayURL || report.Accepted != 1 {
		t.Errorf("Fetch() report = %+v", report)
	}
	if msgs := got.all(); len(msgs) != 1 || msgs[0] != "first" {
		t.Errorf("messages = %v, want [first]", msgs)
	}

	statuses := sub.CheckRelays(ctx)
	if len(statuses) != 1 || statuses[0].Err != nil {
		t.Errorf("CheckRelays() = %+v", statuses)
	}

	ownerHash, err := owner.RoutingHash(ctx, ch.ID)
	if err != nil {
		t.Fatalf("RoutingHash() error = %v", err)
	}
	subHash, err := sub.RoutingHash(ctx, ch.ID)
	if err != nil {
		t.Fatalf("RoutingHash() error = %v", err)
	}
	if ownerHash != subHash {
		t.Errorf("routing hashes differ: %s vs %s", ownerHash, subHash)
	}

	report2, err := sub.Censorship(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Censorship() error = %v", err)
	}
	if report2.Detected {
		t.Errorf("Censorship() = %+v, want none", report2)
	}
}

func TestZajelApp_AdminLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t, "owner"), "Admin")

	ch, err := a.CreateChannel(ctx, "team", "", zajel.DefaultRules())
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	kp, err := crypto.NewSuite(nil).GenerateSigningKeypair()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.AppointAdmin(ctx, ch.ID, kp.PublicKey, "Alice"); err != nil {
		t.Fatalf("AppointAdmin() error = %v", err)
	}
	admins, err := a.Admins(ctx, ch.ID)
	if err != nil || len(admins) != 1 || admins[0].Label != "Alice" {
		t.Fatalf("Admins() = %v, %v", admins, err)
	}

	chunks, err := a.Publish(ctx, ch.ID, zajel.ContentText, []byte("by admin"), kp.PrivateKey)
	if err != nil {
		t.Fatalf("Publish() as admin error = %v", err)
	}
	if chunks[0].AuthorPubkey != kp.PublicKey {
		t.Errorf("AuthorPubkey = %q, want admin key", chunks[0].AuthorPubkey)
	}

	removed, err := a.RemoveAdmin(ctx, ch.ID, kp.PublicKey)
	if err != nil {
		t.Fatalf("RemoveAdmin() error = %v", err)
	}
	if removed.Manifest.KeyEpoch != 2 {
		t.Errorf("KeyEpoch = %d, want 2", removed.Manifest.KeyEpoch)
	}

	if _, err := a.Publish(ctx, ch.ID, zajel.ContentText, []byte("x"), kp.PrivateKey); !zajel.IsKind(err, zajel.KindNotPublisher) {
		t.Errorf("Publish() by removed admin error = %v, want %s", err, zajel.KindNotPublisher)
	}
	if !a.Operation().Failed() {
		t.Error("operation not marked failed")
	}

	rotated, err := a.RotateKey(ctx, ch.ID)
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if rotated.Manifest.KeyEpoch != 3 {
		t.Errorf("KeyEpoch = %d, want 3", rotated.Manifest.KeyEpoch)
	}

	rules := zajel.Rules{RepliesEnabled: false, PollsEnabled: true, MaxUpstreamSize: 512, AllowedTypes: []string{"text"}}
	updated, err := a.SetRules(ctx, ch.ID, rules)
	if err != nil {
		t.Fatalf("SetRules() error = %v", err)
	}
	if updated.Manifest.Rules.MaxUpstreamSize != 512 {
		t.Errorf("MaxUpstreamSize = %d, want 512", updated.Manifest.Rules.MaxUpstreamSize)
	}

	if err := a.DeleteChannel(ctx, ch.ID); err != nil {
		t.Fatalf("DeleteChannel() error = %v", err)
	}
	chs, err := a.Channels(ctx)
	if err != nil || len(chs) != 0 {
		t.Errorf("Channels() = %v, %v", chs, err)
	}
}

func TestZajelApp_ExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestApp(t, testConfig(t, "src"), "Export")
	dst := newTestApp(t, testConfig(t, "dst"), "Import")

	ch, err := src.CreateChannel(ctx, "portable", "", zajel.DefaultRules())
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}

	var buf bytes.Buffer
	if err := src.ExportChannel(ctx, ch.ID, &buf, "correct horse", true); err != nil {
		t.Fatalf("ExportChannel() error = %v", err)
	}
	sealed := buf.Bytes()

	if _, err := dst.ImportChannel(ctx, bytes.NewReader(sealed), "wrong"); err == nil {
		t.Fatal("ImportChannel() with wrong passphrase expected error")
	}

	got, err := dst.ImportChannel(ctx, bytes.NewReader(sealed), "correct horse")
	if err != nil {
		t.Fatalf("ImportChannel() error = %v", err)
	}
	if got.ID != ch.ID || got.Role != zajel.RoleOwner || got.SigningPrivateKey != ch.SigningPrivateKey {
		t.Errorf("imported channel = %+v", got)
	}

	// An older export does not overwrite a rotated channel.
	if _, err := dst.RotateKey(ctx, ch.ID); err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if _, err := dst.ImportChannel(ctx, bytes.NewReader(sealed), "correct horse"); err == nil {
		t.Fatal("ImportChannel() of a stale export expected error")
	}
}

func TestZajelApp_LogFile(t *testing.T) {
	cfg := testConfig(t, "logger")
	a, err := NewZajelApp(context.Background(), cfg, Options{Operation: "ChannelCreate"})
	if err != nil {
		t.Fatalf("NewZajelApp() error = %v", err)
	}
	if _, err := a.CreateChannel(context.Background(), "logged", "", zajel.DefaultRules()); err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.LogDir, LogFileName))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !bytes.Contains(data, []byte("channel created")) {
		t.Errorf("log file missing channel created line: %q", data)
	}
}

func TestZajelApp_OperationStatus(t *testing.T) {
	ctx := context.Background()

	ok := newTestApp(t, testConfig(t, "ok"), "CreateChannel")
	if _, err := ok.CreateChannel(ctx, "fine", "", zajel.DefaultRules()); err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	if ok.Operation().Failed() {
		t.Errorf("operation failed after success: %v", ok.Operation().Err)
	}

	bad := newTestApp(t, testConfig(t, "bad"), "CreateChannel")
	_, err := bad.CreateChannel(ctx, "", "", zajel.DefaultRules())
	if err == nil {
		t.Fatal("CreateChannel() with empty name expected error")
	}
	if !bad.Operation().Failed() || bad.Operation().Err != err {
		t.Errorf("operation = %+v, want failed with %v", bad.Operation(), err)
	}
}
