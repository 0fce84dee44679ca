package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"zajel-go/internal/admin"
	"zajel-go/internal/channel"
	"zajel-go/internal/config"
	"zajel-go/internal/crypto"
	"zajel-go/internal/keystore"
	"zajel-go/internal/metrics"
	"zajel-go/internal/relay"
	"zajel-go/internal/routing"
	"zajel-go/internal/store"
	"zajel-go/internal/upstream"
	"zajel-go/internal/zajel"
)

// Options configures NewZajelApp.
type Options struct {
	// Operation identifies the CLI command being run (e.g. "Publish").
	Operation  string
	Parameters string
	Verbose    bool

	// Clock defaults to the wall clock.
	Clock zajel.Clock
}

// ZajelApp is the application layer between the CLI and the channel
// service. It constructs all dependencies from config, exposes high-level
// operations that accept raw strings, and releases resources on Close.
type ZajelApp struct {
	cfg      *config.Config
	clock    zajel.Clock
	store    zajel.ChannelStore
	metrics  *metrics.Metrics
	router   *routing.Router
	service  *channel.Service
	admins   *admin.Manager
	archives []relay.Archive
	logger   zajel.Logger
	slog     *slog.Logger
	logFile  *os.File
	op       *Operation
}

// NewZajelApp creates a fully wired ZajelApp from the given config.
// The caller must call Close when done.
func NewZajelApp(ctx context.Context, cfg *config.Config, opts Options) (*ZajelApp, error) {
	clock := opts.Clock
	if clock == nil {
		clock = zajel.RealClock{}
	}

	epoch := routing.Hourly
	if cfg.Routing.Epoch != "" {
		d, err := routing.ParseEpochDuration(cfg.Routing.Epoch)
		if err != nil {
			return nil, fmt.Errorf("reading routing config: %w", err)
		}
		epoch = d
	}

	op := NewOperation(opts.Operation, opts.Parameters, clock.Now())
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	sl, logFile, err := newLogger(cfg.LogDir, op.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	st, err := store.NewStoreFromConfig(ctx, cfg.Store)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	archives, err := relay.NewArchivesFromConfig(ctx, cfg.Relays)
	if err != nil {
		st.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating relays: %w", err)
	}

	m := metrics.New()
	suite := crypto.NewSuite(nil)
	router := routing.NewRouter(clock, logger)
	svc := channel.New(st, router, channel.Options{
		Epoch:          epoch,
		LookbackEpochs: cfg.Routing.LookbackEpochs,
		Suite:          suite,
		Clock:          clock,
		Logger:         logger,
		Metrics:        m,
	})
	for _, a := range archives {
		svc.AddRelay(a)
	}

	logger.Debug("operation started", "operation", op.Name, "parameters", op.Parameters)
	return &ZajelApp{
		cfg:      cfg,
		clock:    clock,
		store:    st,
		metrics:  m,
		router:   router,
		service:  svc,
		admins:   admin.NewManager(st, suite, logger),
		archives: archives,
		logger:   logger,
		slog:     sl,
		logFile:  logFile,
		op:       op,
	}, nil
}

// Config returns the config the app was built from.
func (a *ZajelApp) Config() *config.Config { return a.cfg }

// Service returns the underlying channel service.
func (a *ZajelApp) Service() *channel.Service { return a.service }

// Operation returns the operation tracked for this run.
func (a *ZajelApp) Operation() *Operation { return a.op }

// CreateChannel creates an owner channel with the given rules.
func (a *ZajelApp) CreateChannel(ctx context.Context, name, description string, rules zajel.Rules) (*zajel.Channel, error) {
	ch, err := a.service.CreateChannel(ctx, name, description, rules)
	return track(a.op, ch, err)
}

// Channels lists every local channel.
func (a *ZajelApp) Channels(ctx context.Context) ([]*zajel.Channel, error) {
	return a.service.Channels(ctx)
}

// Channel returns one local channel.
func (a *ZajelApp) Channel(ctx context.Context, channelID string) (*zajel.Channel, error) {
	return a.service.Channel(ctx, channelID)
}

// DeleteChannel removes a channel and its chunks.
func (a *ZajelApp) DeleteChannel(ctx context.Context, channelID string) error {
	return a.fail(a.service.DeleteChannel(ctx, channelID))
}

// InviteLink encodes a link for channelID. A zero ttl never expires.
func (a *ZajelApp) InviteLink(ctx context.Context, channelID string, ttl time.Duration) (string, error) {
	var expires time.Time
	if ttl > 0 {
		expires = a.clock.Now().Add(ttl)
	}
	return a.service.InviteLink(ctx, channelID, expires)
}

// Join subscribes to the channel described by an invite link.
func (a *ZajelApp) Join(ctx context.Context, linkText string) (*zajel.Channel, error) {
	ch, err := a.service.Subscribe(ctx, linkText)
	return track(a.op, ch, err)
}

// ExportChannel writes the channel, private keys included, sealed under
// passphrase.
func (a *ZajelApp) ExportChannel(ctx context.Context, channelID string, w io.Writer, passphrase string, armor bool) error {
	ch, err := a.service.Channel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := keystore.Export(w, ch, passphrase, a.clock.Now(), keystore.Options{Armor: armor}); err != nil {
		return a.fail(err)
	}
	a.logger.Info("channel exported", "channel", channelID, "armor", armor)
	return nil
}

// ImportChannel restores an exported channel into the local store. An
// existing channel is only replaced by one at the same or a newer key epoch.
func (a *ZajelApp) ImportChannel(ctx context.Context, r io.Reader, passphrase string) (*zajel.Channel, error) {
	ch, err := keystore.Import(r, passphrase)
	if err != nil {
		return nil, a.fail(err)
	}
	existing, err := a.store.GetChannel(ctx, ch.ID)
	if err != nil {
		return nil, a.fail(fmt.Errorf("loading channel %s: %w", ch.ID, err))
	}
	if existing != nil && existing.Manifest.KeyEpoch > ch.Manifest.KeyEpoch {
		return nil, a.fail(fmt.Errorf("local channel %s is at key epoch %d, export is at %d", ch.ID, existing.Manifest.KeyEpoch, ch.Manifest.KeyEpoch))
	}
	if err := a.store.SaveChannel(ctx, ch); err != nil {
		return nil, a.fail(fmt.Errorf("saving channel: %w", err))
	}
	a.logger.Info("channel imported", "channel", ch.ID, "role", ch.Role)
	return ch, nil
}

// AppointAdmin adds an admin to an owned channel.
func (a *ZajelApp) AppointAdmin(ctx context.Context, channelID, adminPublicKey, label string) (*zajel.Channel, error) {
	ch, err := a.admins.AppointAdmin(ctx, channelID, adminPublicKey, label)
	return track(a.op, ch, err)
}

// RemoveAdmin removes an admin and rotates the channel encryption key.
func (a *ZajelApp) RemoveAdmin(ctx context.Context, channelID, adminPublicKey string) (*zajel.Channel, error) {
	ch, err := a.admins.RemoveAdmin(ctx, channelID, adminPublicKey)
	return track(a.op, ch, err)
}

// Admins lists the admins of a channel.
func (a *ZajelApp) Admins(ctx context.Context, channelID string) ([]zajel.AdminKey, error) {
	ch, err := a.service.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return admin.GetAdmins(ch.Manifest), nil
}

// SetRules replaces the rules of an owned channel.
func (a *ZajelApp) SetRules(ctx context.Context, channelID string, rules zajel.Rules) (*zajel.Channel, error) {
	ch, err := a.admins.UpdateRules(ctx, channelID, rules)
	return track(a.op, ch, err)
}

// RotateKey rotates the encryption key of an owned channel.
func (a *ZajelApp) RotateKey(ctx context.Context, channelID string) (*zajel.Channel, error) {
	ch, err := a.admins.RotateEncryptionKeyForRemoval(ctx, channelID)
	return track(a.op, ch, err)
}

// Publish publishes data of the given content type. adminKey is an admin's
// base64 signing seed; empty publishes as the owner.
func (a *ZajelApp) Publish(ctx context.Context, channelID, contentType string, data []byte, adminKey string) ([]*zajel.Chunk, error) {
	var signer crypto.KeyPair
	if adminKey != "" {
		pub, err := crypto.SigningPublicKey(adminKey)
		if err != nil {
			return nil, a.fail(fmt.Errorf("reading admin key: %w", err))
		}
		signer = crypto.KeyPair{PublicKey: pub, PrivateKey: adminKey}
	}
	payload := &zajel.ChunkPayload{
		Type:      contentType,
		Payload:   data,
		Author:    signer.PublicKey,
		Timestamp: a.clock.Now().UTC(),
	}
	chunks, err := a.service.Publish(ctx, channelID, payload, signer)
	return track(a.op, chunks, err)
}

// PublishPoll publishes a poll and starts tallying its votes for the
// lifetime of the app.
func (a *ZajelApp) PublishPoll(ctx context.Context, channelID, question string, options []string, allowMultiple bool, closesAt time.Time) (*upstream.Poll, error) {
	poll, err := a.service.PublishPoll(ctx, channelID, question, options, allowMultiple, closesAt)
	return track(a.op, poll, err)
}

// RoutingHash returns a channel's routing hash for the current epoch.
func (a *ZajelApp) RoutingHash(ctx context.Context, channelID string) (string, error) {
	return a.service.RoutingHash(ctx, channelID)
}

// RoutingWindow returns the routing hashes of every epoch in the lookback
// window, newest first.
func (a *ZajelApp) RoutingWindow(ctx context.Context, channelID string) ([]channel.EpochHash, error) {
	return a.service.RoutingWindow(ctx, channelID)
}

// Fetch pulls a channel's chunks from the configured relays.
func (a *ZajelApp) Fetch(ctx context.Context, channelID string) (channel.FetchReport, error) {
	r, err := a.service.FetchFromRelays(ctx, channelID)
	a.op.Fail(err)
	return r, err
}

// Censorship reports whether the channel's current routing hash appears
// censored.
func (a *ZajelApp) Censorship(ctx context.Context, channelID string) (routing.CensorshipReport, error) {
	return a.service.CheckCensorship(ctx, channelID)
}

// CheckRelays validates every configured relay.
func (a *ZajelApp) CheckRelays(ctx context.Context) []channel.RelayStatus {
	return a.service.CheckRelays(ctx)
}

// OnMessage installs the handler for messages decrypted while the app runs.
func (a *ZajelApp) OnMessage(h channel.MessageHandler) {
	a.service.SetMessageHandler(h)
}

func track[T any](op *Operation, v T, err error) (T, error) {
	op.Fail(err)
	return v, err
}

func (a *ZajelApp) fail(err error) error {
	a.op.Fail(err)
	return err
}

// Close logs the operation outcome and closes all resources.
func (a *ZajelApp) Close() error {
	var firstErr error

	if a.op.Failed() {
		a.logger.Warn("operation failed", "operation", a.op.Name, "elapsed", a.op.Elapsed(a.clock.Now()), "error", a.op.Err)
	} else {
		a.logger.Debug("operation finished", "operation", a.op.Name, "elapsed", a.op.Elapsed(a.clock.Now()))
	}

	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
