// Package channel ties the protocol packages together into channel
// lifecycle operations: create, subscribe, publish, receive and fetch.
package channel

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"zajel-go/internal/codec"
	"zajel-go/internal/crypto"
	"zajel-go/internal/link"
	"zajel-go/internal/metrics"
	"zajel-go/internal/relay"
	"zajel-go/internal/routing"
	"zajel-go/internal/swarm"
	"zajel-go/internal/upstream"
	"zajel-go/internal/zajel"
)

var tracer = otel.Tracer("zajel-go/internal/channel")

// DefaultLookbackEpochs is the number of epochs searched when no value is
// configured.
const DefaultLookbackEpochs = 24

// MessageHandler receives every payload decrypted from a complete chunk set.
type MessageHandler func(ctx context.Context, channelID string, sequence int, payload *zajel.ChunkPayload)

// Options configures a Service. Zero values get working defaults.
type Options struct {
	Epoch          routing.EpochDuration
	LookbackEpochs int

	Suite   *crypto.Suite
	Clock   zajel.Clock
	IDs     zajel.IDGenerator
	Logger  zajel.Logger
	Metrics *metrics.Metrics

	// Engine announces published and received chunks. It may be nil when the
	// service runs without a swarm connection.
	Engine *swarm.Engine

	OnMessage MessageHandler
}

// Service runs channel operations against a local store, a set of relay
// archives and optionally a swarm engine. It is safe for concurrent use.
type Service struct {
	store    zajel.ChannelStore
	router   *routing.Router
	engine   *swarm.Engine
	suite    *crypto.Suite
	codec    *codec.Codec
	composer *upstream.Composer
	tracker  *upstream.PollTracker

	epoch    routing.EpochDuration
	lookback int
	clock    zajel.Clock
	logger   zajel.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	archives  []relay.Archive
	delivered map[string]map[int]struct{}
	polls     map[string]*upstream.Poll
	onMessage MessageHandler
}

// New creates a Service. The router tracks health for every archive added
// with AddRelay.
func New(store zajel.ChannelStore, router *routing.Router, opts Options) *Service {
	if opts.Epoch == "" {
		opts.Epoch = routing.Hourly
	}
	if opts.LookbackEpochs <= 0 {
		opts.LookbackEpochs = DefaultLookbackEpochs
	}
	if opts.Suite == nil {
		opts.Suite = crypto.NewSuite(nil)
	}
	if opts.Clock == nil {
		opts.Clock = zajel.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = zajel.UUIDGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = zajel.NewNopLogger()
	}
	if router == nil {
		router = routing.NewRouter(opts.Clock, opts.Logger)
	}
	return &Service{
		store:     store,
		router:    router,
		engine:    opts.Engine,
		suite:     opts.Suite,
		codec:     codec.New(opts.Suite, opts.IDs),
		composer:  upstream.NewComposer(opts.Suite, opts.Clock),
		tracker:   upstream.NewPollTracker(),
		epoch:     opts.Epoch,
		lookback:  opts.LookbackEpochs,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		delivered: make(map[string]map[int]struct{}),
		polls:     make(map[string]*upstream.Poll),
		onMessage: opts.OnMessage,
	}
}

// SetMessageHandler replaces the callback for decrypted payloads.
func (s *Service) SetMessageHandler(h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = h
}

// SetEngine attaches the swarm engine used to announce chunks. It must be
// called before the service handles traffic.
func (s *Service) SetEngine(e *swarm.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = e
}

func (s *Service) swarmEngine() *swarm.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Router returns the node health tracker used for relay fetches.
func (s *Service) Router() *routing.Router {
	return s.router
}

// AddRelay registers an archive and its node. Adding a URL twice is a no-op.
func (s *Service) AddRelay(a relay.Archive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.archives {
		if existing.URL() == a.URL() {
			return
		}
	}
	s.archives = append(s.archives, a)
	s.router.AddNode(a.URL())
}

// RemoveRelay forgets an archive and its node health.
func (s *Service) RemoveRelay(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives = slices.DeleteFunc(s.archives, func(a relay.Archive) bool { return a.URL() == url })
	s.router.RemoveNode(url)
}

// Relays returns the registered archives in registration order.
func (s *Service) Relays() []relay.Archive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.archives)
}

func (s *Service) channel(ctx context.Context, channelID string) (*zajel.Channel, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("loading channel %s: %w", channelID, err)
	}
	if ch == nil {
		return nil, zajel.NewError(zajel.KindChannelNotFound, "channel %s not found", channelID)
	}
	return ch, nil
}

// CreateChannel generates signing and encryption key pairs and persists a
// new owner channel at key epoch 1.
func (s *Service) CreateChannel(ctx context.Context, name, description string, rules zajel.Rules) (ch *zajel.Channel, err error) {
	ctx, span := tracer.Start(ctx, "channel.Create")
	defer func() { endSpan(span, err) }()

	if name == "" {
		return nil, fmt.Errorf("channel name must not be empty")
	}
	if rules.MaxUpstreamSize < 0 {
		return nil, fmt.Errorf("max upstream size must not be negative")
	}
	if rules.AllowedTypes == nil {
		rules.AllowedTypes = []string{zajel.ContentText}
	}

	signing, err := s.suite.GenerateSigningKeypair()
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	enc, err := s.suite.GenerateEncryptionKeypair()
	if err != nil {
		return nil, fmt.Errorf("generating encryption key: %w", err)
	}
	id, err := crypto.DeriveChannelID(signing.PublicKey)
	if err != nil {
		return nil, err
	}

	manifest, err := crypto.SignManifest(zajel.Manifest{
		ChannelID:         id,
		Name:              name,
		Description:       description,
		OwnerKey:          signing.PublicKey,
		AdminKeys:         []zajel.AdminKey{},
		CurrentEncryptKey: enc.PublicKey,
		KeyEpoch:          1,
		Rules:             rules,
	}, signing.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signing manifest: %w", err)
	}

	ch = &zajel.Channel{
		ID:                   id,
		Role:                 zajel.RoleOwner,
		Manifest:             manifest,
		SigningPrivateKey:    signing.PrivateKey,
		EncryptionPublicKey:  enc.PublicKey,
		EncryptionPrivateKey: enc.PrivateKey,
		CreatedAt:            s.clock.Now().UTC(),
	}
	if err := s.store.SaveChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("saving channel: %w", err)
	}
	span.SetAttributes(attribute.String("channel.id", id))
	s.logger.Info("channel created", "channel", id, "name", name)
	return ch, nil
}

// Subscribe decodes an invite link, checks the manifest and persists a
// subscriber channel holding the shared decryption secret. Subscribing to a
// channel the local node owns fails.
func (s *Service) Subscribe(ctx context.Context, linkText string) (ch *zajel.Channel, err error) {
	ctx, span := tracer.Start(ctx, "channel.Subscribe")
	defer func() { endSpan(span, err) }()

	inv, err := link.Decode(linkText, s.clock.Now())
	if err != nil {
		return nil, err
	}
	m := inv.Manifest
	if !crypto.VerifyManifest(m) {
		return nil, zajel.NewError(zajel.KindInvalidLink, "channel link manifest signature is invalid")
	}
	id, err := crypto.DeriveChannelID(m.OwnerKey)
	if err != nil {
		return nil, &zajel.Error{Kind: zajel.KindInvalidLink, Message: "invalid owner key", Err: err}
	}
	if id != m.ChannelID {
		return nil, zajel.NewError(zajel.KindInvalidLink, "channel id does not match the owner key")
	}

	existing, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading channel %s: %w", id, err)
	}
	if existing != nil && existing.IsOwner() {
		return nil, fmt.Errorf("channel %s is owned locally", id)
	}
	if existing != nil && existing.Manifest.KeyEpoch > m.KeyEpoch {
		return nil, zajel.NewError(zajel.KindInvalidLink, "link carries key epoch %d, already at %d", m.KeyEpoch, existing.Manifest.KeyEpoch)
	}

	ch = &zajel.Channel{
		ID:                   id,
		Role:                 zajel.RoleSubscriber,
		Manifest:             m,
		EncryptionPublicKey:  m.CurrentEncryptKey,
		EncryptionPrivateKey: inv.EncryptionKey,
		CreatedAt:            s.clock.Now().UTC(),
	}
	if existing != nil {
		ch.CreatedAt = existing.CreatedAt
	}
	if err := s.store.SaveChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("saving channel: %w", err)
	}
	span.SetAttributes(attribute.String("channel.id", id))
	s.logger.Info("subscribed to channel", "channel", id, "name", m.Name, "key_epoch", m.KeyEpoch)
	return ch, nil
}

// InviteLink encodes a shareable link for a channel the local node can
// decrypt. A zero expiresAt produces a link that never expires.
func (s *Service) InviteLink(ctx context.Context, channelID string, expiresAt time.Time) (string, error) {
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if !ch.CanDecrypt() {
		return "", fmt.Errorf("channel %s has no encryption key to share", channelID)
	}
	return link.Encode(ch.Manifest, ch.EncryptionPrivateKey, s.clock.Now(), expiresAt)
}

// DeleteChannel removes a channel and its chunks from the local store.
func (s *Service) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := s.channel(ctx, channelID); err != nil {
		return err
	}
	if err := s.store.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("deleting channel %s: %w", channelID, err)
	}
	s.mu.Lock()
	delete(s.delivered, channelID)
	s.mu.Unlock()
	s.logger.Info("channel deleted", "channel", channelID)
	return nil
}

// Channels returns every local channel.
func (s *Service) Channels(ctx context.Context) ([]*zajel.Channel, error) {
	return s.store.GetAllChannels(ctx)
}

// Channel returns one local channel, failing with KindChannelNotFound when
// it does not exist.
func (s *Service) Channel(ctx context.Context, channelID string) (*zajel.Channel, error) {
	return s.channel(ctx, channelID)
}

// RoutingHash returns the channel's routing hash for the current epoch.
func (s *Service) RoutingHash(ctx context.Context, channelID string) (string, error) {
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if !ch.CanDecrypt() {
		return "", fmt.Errorf("channel %s has no routing secret", channelID)
	}
	return routing.DeriveRoutingHash(ch.EncryptionPrivateKey, s.epoch, s.clock.Now())
}

// EpochHash pairs an epoch number with the channel's routing hash for it.
type EpochHash struct {
	Epoch int64
	Hash  string
}

// RoutingWindow returns the routing hashes accepted for the channel right
// now: the current epoch and the lookback epochs before it, newest first.
func (s *Service) RoutingWindow(ctx context.Context, channelID string) ([]EpochHash, error) {
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.CanDecrypt() {
		return nil, fmt.Errorf("channel %s has no routing secret", channelID)
	}
	hashes, err := s.lookbackHashes(ch)
	if err != nil {
		return nil, err
	}
	current := routing.GetCurrentEpochNumber(s.epoch, s.clock.Now())
	out := make([]EpochHash, len(hashes))
	for i, h := range hashes {
		out[i] = EpochHash{Epoch: current - int64(i), Hash: h}
	}
	return out, nil
}

func (s *Service) lookbackHashes(ch *zajel.Channel) ([]string, error) {
	return routing.LookbackHashes(ch.EncryptionPrivateKey, s.epoch, s.clock.Now(), s.lookback)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
