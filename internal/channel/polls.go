package channel

import (
	"context"
	"fmt"
	"time"

	"zajel-go/internal/crypto"
	"zajel-go/internal/upstream"
	"zajel-go/internal/zajel"
)

// PublishPoll creates a poll, starts tracking its votes and publishes it as
// a poll chunk. The channel rules must allow polls.
func (s *Service) PublishPoll(ctx context.Context, channelID, question string, options []string, allowMultiple bool, closesAt time.Time) (*upstream.Poll, error) {
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.Manifest.Rules.PollsEnabled {
		return nil, zajel.NewError(zajel.KindPollsDisabled, "polls are disabled for this channel")
	}
	poll, err := upstream.NewPoll(question, options, allowMultiple, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !closesAt.IsZero() {
		t := closesAt.UTC()
		poll.ClosesAt = &t
	}
	payload, err := poll.ChunkPayload(ch.Manifest.OwnerKey, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if _, err := s.Publish(ctx, channelID, payload, crypto.KeyPair{}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.polls[poll.PollID] = poll
	s.mu.Unlock()
	s.tracker.InitPoll(poll.PollID)
	return poll, nil
}

// PublishPollResults tallies the votes recorded for a poll and publishes the
// results. Final results stop vote tracking.
func (s *Service) PublishPollResults(ctx context.Context, channelID, pollID string, final bool) (*upstream.PollResults, error) {
	poll := s.poll(pollID)
	if poll == nil {
		return nil, fmt.Errorf("poll %s is not tracked", pollID)
	}
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	results := s.tracker.Tally(poll, s.clock.Now())
	results.IsFinal = final
	payload, err := results.ChunkPayload(ch.Manifest.OwnerKey, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if _, err := s.Publish(ctx, channelID, payload, crypto.KeyPair{}); err != nil {
		return nil, err
	}
	if final {
		s.tracker.ClearVotes(pollID)
		s.mu.Lock()
		delete(s.polls, pollID)
		s.mu.Unlock()
	}
	return results, nil
}

func (s *Service) poll(pollID string) *upstream.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[pollID]
}

// ComposeUpstream encrypts a subscriber message for the channel owner.
func (s *Service) ComposeUpstream(ctx context.Context, channelID string, p upstream.Payload) (*upstream.Message, error) {
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return s.composer.Compose(ch.Manifest, p)
}

// ReceiveUpstream decrypts a message addressed to a channel the local node
// can decrypt. Votes for tracked polls are recorded; votes past a poll's
// closing time are ignored.
func (s *Service) ReceiveUpstream(ctx context.Context, msg *upstream.Message) (*upstream.Payload, error) {
	ch, err := s.channel(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !ch.CanDecrypt() {
		return nil, fmt.Errorf("channel %s has no encryption key", msg.ChannelID)
	}
	p, err := upstream.Open(msg, ch.EncryptionPrivateKey)
	if err != nil {
		return nil, err
	}

	if p.Type == upstream.TypeVote {
		poll := s.poll(p.PollID)
		switch {
		case poll == nil:
			s.logger.Debug("vote for untracked poll", "poll", p.PollID)
		case poll.ClosesAt != nil && s.clock.Now().After(*poll.ClosesAt):
			s.logger.Debug("vote after poll closed", "poll", p.PollID)
		case !s.tracker.RecordUpstreamVote(poll, msg, p):
			s.logger.Debug("vote not counted", "poll", p.PollID, "message", msg.ID)
		}
	}
	return p, nil
}
