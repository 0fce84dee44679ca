package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"zajel-go/internal/relay"
	"zajel-go/internal/routing"
	"zajel-go/internal/zajel"
)

// ErrNoRelayAvailable is returned by FetchFromRelays when every relay failed.
var ErrNoRelayAvailable = errors.New("no relay could serve the channel")

// FetchReport summarizes one FetchFromRelays call.
type FetchReport struct {
	Node     string // relay that served the fetch, empty when none did
	Listed   int
	Accepted int
	Rejected int
}

// FetchFromRelays pulls the channel's chunks from relays in fallback order,
// listing every routing hash of the lookback window. Each routing hash
// queried records a success, blocked or network error result for the node.
// The walk stops at the first node that answers every query.
func (s *Service) FetchFromRelays(ctx context.Context, channelID string) (report FetchReport, err error) {
	ctx, span := tracer.Start(ctx, "channel.FetchFromRelays")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("channel.id", channelID))

	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return report, err
	}
	if !ch.CanDecrypt() {
		return report, fmt.Errorf("channel %s has no routing secret", channelID)
	}
	hashes, err := s.lookbackHashes(ch)
	if err != nil {
		return report, fmt.Errorf("deriving routing hashes: %w", err)
	}

	byURL := make(map[string]relay.Archive)
	for _, a := range s.Relays() {
		byURL[a.URL()] = a
	}
	if len(byURL) == 0 {
		return report, nil
	}

	for _, node := range s.router.GetNodeFallbackOrder() {
		a, ok := byURL[node.URL]
		if !ok {
			continue
		}
		r, ok := s.fetchFrom(ctx, a, hashes)
		if !ok {
			continue
		}
		r.Node = a.URL()
		span.SetAttributes(
			attribute.String("relay.url", r.Node),
			attribute.Int("chunks.accepted", r.Accepted),
		)
		return r, nil
	}
	return report, ErrNoRelayAvailable
}

// fetchFrom queries one archive for every hash. It reports false when any
// query failed, so the caller falls back to the next node.
func (s *Service) fetchFrom(ctx context.Context, a relay.Archive, hashes []string) (FetchReport, bool) {
	var report FetchReport
	healthy := true
	for _, hash := range hashes {
		if err := s.fetchHash(ctx, a, hash, &report); err != nil {
			result := relay.Classify(err)
			s.router.RecordFetchResult(hash, a.URL(), result)
			s.metrics.RelayFetch(string(result))
			s.logger.Warn("relay fetch failed", "relay", a.URL(), "routing_hash", hash, "result", result, "error", err)
			healthy = false
			if result == routing.FetchNetworkError {
				// An unreachable node will not answer the remaining hashes.
				break
			}
			continue
		}
		s.router.RecordFetchResult(hash, a.URL(), routing.FetchSuccess)
		s.metrics.RelayFetch(string(routing.FetchSuccess))
	}
	return report, healthy
}

func (s *Service) fetchHash(ctx context.Context, a relay.Archive, hash string, report *FetchReport) error {
	ids, err := a.List(ctx, hash)
	if err != nil {
		return err
	}
	report.Listed += len(ids)
	for _, id := range ids {
		data, err := a.Get(ctx, hash, id)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		var chunk zajel.Chunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.logger.Debug("relay returned malformed chunk", "relay", a.URL(), "chunk", id, "error", err)
			report.Rejected++
			continue
		}
		if err := s.HandleChunk(ctx, &chunk); err != nil {
			report.Rejected++
			continue
		}
		report.Accepted++
	}
	return nil
}

// CheckCensorship runs censorship detection against the channel's current
// routing hash.
func (s *Service) CheckCensorship(ctx context.Context, channelID string) (routing.CensorshipReport, error) {
	hash, err := s.RoutingHash(ctx, channelID)
	if err != nil {
		return routing.CensorshipReport{}, err
	}
	return s.router.DetectCensorship(hash), nil
}

// RelayStatus is the outcome of validating one relay.
type RelayStatus struct {
	URL    string
	Result routing.FetchResult
	Err    error
}

// CheckRelays validates the setup of every registered relay.
func (s *Service) CheckRelays(ctx context.Context) []RelayStatus {
	var out []RelayStatus
	for _, a := range s.Relays() {
		st := RelayStatus{URL: a.URL(), Result: routing.FetchSuccess}
		if err := a.ValidateSetup(ctx); err != nil {
			st.Result = relay.Classify(err)
			st.Err = err
		}
		out = append(out, st)
	}
	return out
}
