package upstream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"zajel-go/internal/zajel"
)

// PollOption is one choice in a poll.
type PollOption struct {
	Index int    `json:"index"`
	Label string `json:"label"`
}

// Poll is a poll definition broadcast by the owner as a poll chunk.
type Poll struct {
	PollID        string       `json:"poll_id"`
	Question      string       `json:"question"`
	Options       []PollOption `json:"options"`
	AllowMultiple bool         `json:"allow_multiple"`
	CreatedAt     time.Time    `json:"created_at"`
	ClosesAt      *time.Time   `json:"closes_at,omitempty"`
}

// PollResults are tallied votes broadcast by the owner.
type PollResults struct {
	PollID     string      `json:"poll_id"`
	VoteCounts map[int]int `json:"vote_counts"`
	TotalVotes int         `json:"total_votes"`
	IsFinal    bool        `json:"is_final"`
	TalliedAt  time.Time   `json:"tallied_at"`
}

// NewPoll creates a poll with one option per label.
func NewPoll(question string, labels []string, allowMultiple bool, createdAt time.Time) (*Poll, error) {
	if question == "" {
		return nil, fmt.Errorf("poll requires a question")
	}
	if len(labels) < 2 {
		return nil, fmt.Errorf("poll requires at least two options, got %d", len(labels))
	}
	opts := make([]PollOption, len(labels))
	for i, l := range labels {
		opts[i] = PollOption{Index: i, Label: l}
	}
	return &Poll{
		PollID:        "poll_" + ulid.Make().String(),
		Question:      question,
		Options:       opts,
		AllowMultiple: allowMultiple,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

// ChunkPayload wraps the poll for publishing.
func (p *Poll) ChunkPayload(author string, now time.Time) (*zajel.ChunkPayload, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding poll: %w", err)
	}
	return &zajel.ChunkPayload{
		Type:      zajel.ContentPoll,
		Payload:   data,
		Metadata:  map[string]any{"poll_id": p.PollID},
		Author:    author,
		Timestamp: now,
	}, nil
}

// ChunkPayload wraps the results for publishing.
func (r *PollResults) ChunkPayload(author string, now time.Time) (*zajel.ChunkPayload, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding poll results: %w", err)
	}
	return &zajel.ChunkPayload{
		Type:    zajel.ContentPoll,
		Payload: data,
		Metadata: map[string]any{
			"poll_id":    r.PollID,
			"is_results": true,
			"is_final":   r.IsFinal,
		},
		Author:    author,
		Timestamp: now,
	}, nil
}

// ParsePollPayload decodes a poll chunk payload into either a Poll or
// PollResults, depending on its is_results metadata.
func ParsePollPayload(cp *zajel.ChunkPayload) (*Poll, *PollResults, error) {
	if cp.Type != zajel.ContentPoll {
		return nil, nil, fmt.Errorf("not a poll payload: %q", cp.Type)
	}
	if isResults, _ := cp.Metadata["is_results"].(bool); isResults {
		var r PollResults
		if err := json.Unmarshal(cp.Payload, &r); err != nil {
			return nil, nil, fmt.Errorf("decoding poll results: %w", err)
		}
		return nil, &r, nil
	}
	var p Poll
	if err := json.Unmarshal(cp.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decoding poll: %w", err)
	}
	return &p, nil, nil
}

// PollTracker records votes on the owner side. One vote is kept per sender
// key. It is safe for concurrent use.
type PollTracker struct {
	mu    sync.Mutex
	votes map[string]map[string]int // poll ID -> sender key -> option index
}

// NewPollTracker creates an empty tracker.
func NewPollTracker() *PollTracker {
	return &PollTracker{votes: make(map[string]map[string]int)}
}

// InitPoll starts tracking a poll, discarding any previous votes for it.
func (t *PollTracker) InitPoll(pollID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.votes[pollID] = make(map[string]int)
}

// RecordVote records a vote. It returns false for untracked polls and
// repeat votes from the same sender.
func (t *PollTracker) RecordVote(pollID string, optionIndex int, senderKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	votes, ok := t.votes[pollID]
	if !ok {
		return false
	}
	if _, dup := votes[senderKey]; dup {
		return false
	}
	votes[senderKey] = optionIndex
	return true
}

// RecordUpstreamVote records the vote carried by a decrypted upstream
// message, ignoring indices outside the poll's options.
func (t *PollTracker) RecordUpstreamVote(poll *Poll, msg *Message, p *Payload) bool {
	if p.Type != TypeVote || p.PollID != poll.PollID || p.VoteOptionIndex == nil {
		return false
	}
	idx := *p.VoteOptionIndex
	if idx < 0 || idx >= len(poll.Options) {
		return false
	}
	return t.RecordVote(poll.PollID, idx, msg.SenderKey)
}

// Tally counts the votes for poll. Every option appears in VoteCounts.
func (t *PollTracker) Tally(poll *Poll, now time.Time) *PollResults {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[int]int, len(poll.Options))
	for _, o := range poll.Options {
		counts[o.Index] = 0
	}
	votes := t.votes[poll.PollID]
	for _, idx := range votes {
		counts[idx]++
	}
	return &PollResults{
		PollID:     poll.PollID,
		VoteCounts: counts,
		TotalVotes: len(votes),
		TalliedAt:  now.UTC(),
	}
}

// VoteCount returns the number of votes recorded for a poll.
func (t *PollTracker) VoteCount(pollID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.votes[pollID])
}

// ClearVotes stops tracking a poll.
func (t *PollTracker) ClearVotes(pollID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.votes, pollID)
}
