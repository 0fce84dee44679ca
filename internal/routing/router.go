package routing

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"zajel-go/internal/zajel"
)

// FetchResult is the outcome of one fetch from a relay.
type FetchResult string

const (
	FetchSuccess      FetchResult = "success"
	FetchBlocked      FetchResult = "blocked"
	FetchNetworkError FetchResult = "networkError"
)

// CensorshipType classifies what the fetch history says about a routing hash.
type CensorshipType string

const (
	CensorshipNone               CensorshipType = "none"
	CensorshipRoutingHashBlocked CensorshipType = "routingHashBlocked"
	CensorshipWidespreadBlocking CensorshipType = "widespreadBlocking"
	CensorshipNodeUnreachable    CensorshipType = "nodeUnreachable"
)

// Thresholds for censorship inference.
const (
	repeatedBlockThreshold = 3
	widespreadNodeCount    = 2
	maxFetchHistory        = 1000
)

// NodeHealth is the observed health of one relay node.
type NodeHealth struct {
	URL               string
	SuccessCount      int
	FailureCount      int
	LastSuccess       time.Time
	LastFailure       time.Time
	SuspectedBlocking bool
}

// SuccessRate is successes over attempts, or 1.0 before any attempt.
func (n NodeHealth) SuccessRate() float64 {
	total := n.SuccessCount + n.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(n.SuccessCount) / float64(total)
}

// FetchRecord is one entry of the fetch history.
type FetchRecord struct {
	RoutingHash string
	NodeURL     string
	Result      FetchResult
	Timestamp   time.Time
}

// CensorshipReport is the result of DetectCensorship.
type CensorshipReport struct {
	Detected      bool
	Type          CensorshipType
	Description   string
	AffectedNodes []string
}

// Router tracks relay node health and the recent fetch history. It is safe
// for concurrent use.
type Router struct {
	clock  zajel.Clock
	logger zajel.Logger

	mu      sync.Mutex
	nodes   map[string]*NodeHealth
	order   []string
	history []FetchRecord
}

// NewRouter creates a Router with no known nodes.
func NewRouter(clock zajel.Clock, logger zajel.Logger) *Router {
	return &Router{
		clock:  clock,
		logger: logger,
		nodes:  make(map[string]*NodeHealth),
	}
}

// AddNode registers a node. Adding a known URL is a no-op.
func (r *Router) AddNode(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(url)
}

func (r *Router) addLocked(url string) *NodeHealth {
	if n, ok := r.nodes[url]; ok {
		return n
	}
	n := &NodeHealth{URL: url}
	r.nodes[url] = n
	r.order = append(r.order, url)
	return n
}

// RemoveNode forgets a node and its health.
func (r *Router) RemoveNode(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, url)
	r.order = slices.DeleteFunc(r.order, func(u string) bool { return u == url })
}

// KnownNodes returns a snapshot of every node in registration order.
func (r *Router) KnownNodes() []NodeHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeHealth, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, *r.nodes[u])
	}
	return out
}

// RecordFetchResult updates node health and appends to the fetch history.
// Unknown nodes are registered on first sight. A network error counts as a
// failure but is not evidence of blocking.
func (r *Router) RecordFetchResult(routingHash, nodeURL string, result FetchResult) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.addLocked(nodeURL)
	switch result {
	case FetchSuccess:
		n.SuccessCount++
		n.LastSuccess = now
		n.SuspectedBlocking = false
	case FetchBlocked:
		n.FailureCount++
		n.LastFailure = now
		n.SuspectedBlocking = true
	case FetchNetworkError:
		n.FailureCount++
		n.LastFailure = now
	}

	r.history = append(r.history, FetchRecord{
		RoutingHash: routingHash,
		NodeURL:     nodeURL,
		Result:      result,
		Timestamp:   now,
	})
	if len(r.history) > maxFetchHistory {
		r.history = slices.Clone(r.history[len(r.history)-maxFetchHistory:])
	}
}

// GetBestNode returns the non-blocking node with the highest success rate.
// When every node is suspected of blocking it returns the least bad one.
// It returns false only when no nodes are known.
func (r *Router) GetBestNode() (NodeHealth, bool) {
	order := r.GetNodeFallbackOrder()
	if len(order) == 0 {
		return NodeHealth{}, false
	}
	return order[0], true
}

// GetNodeFallbackOrder returns non-blocking nodes by descending success
// rate, followed by blocking nodes in the same order.
func (r *Router) GetNodeFallbackOrder() []NodeHealth {
	nodes := r.KnownNodes()
	slices.SortStableFunc(nodes, func(a, b NodeHealth) int {
		if a.SuspectedBlocking != b.SuspectedBlocking {
			if a.SuspectedBlocking {
				return 1
			}
			return -1
		}
		return cmp.Compare(b.SuccessRate(), a.SuccessRate())
	})
	return nodes
}

// DetectCensorship infers whether routingHash is being censored from the
// fetch history recorded for it. A node counts as otherwise healthy when the
// history shows it succeeding on a different routing hash.
func (r *Router) DetectCensorship(routingHash string) CensorshipReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []FetchRecord
	servesOthers := map[string]bool{}
	for _, rec := range r.history {
		if rec.RoutingHash == routingHash {
			entries = append(entries, rec)
		} else if rec.Result == FetchSuccess {
			servesOthers[rec.NodeURL] = true
		}
	}
	if len(entries) == 0 {
		return CensorshipReport{Type: CensorshipNone, Description: "No fetch history"}
	}

	onlyNetwork := true
	blockedBy := map[string]int{}
	var blockers []string
	for _, rec := range entries {
		if rec.Result != FetchNetworkError {
			onlyNetwork = false
		}
		if rec.Result != FetchBlocked {
			continue
		}
		if blockedBy[rec.NodeURL] == 0 {
			blockers = append(blockers, rec.NodeURL)
		}
		blockedBy[rec.NodeURL]++
	}
	if onlyNetwork {
		return CensorshipReport{
			Type:        CensorshipNodeUnreachable,
			Description: "Only network errors recorded; nodes are unreachable, not blocking",
		}
	}

	var healthy []string
	for _, u := range blockers {
		if servesOthers[u] {
			healthy = append(healthy, u)
		}
	}

	if len(healthy) >= widespreadNodeCount {
		r.logger.Warn("widespread blocking detected", "routing_hash", routingHash, "nodes", len(healthy))
		return CensorshipReport{
			Detected:      true,
			Type:          CensorshipWidespreadBlocking,
			Description:   fmt.Sprintf("%d healthy nodes block this routing hash", len(healthy)),
			AffectedNodes: healthy,
		}
	}
	for _, u := range healthy {
		if blockedBy[u] >= repeatedBlockThreshold {
			r.logger.Warn("routing hash blocked", "routing_hash", routingHash, "node", u)
			return CensorshipReport{
				Detected:      true,
				Type:          CensorshipRoutingHashBlocked,
				Description:   fmt.Sprintf("Node %s repeatedly blocks this routing hash while serving others", u),
				AffectedNodes: []string{u},
			}
		}
	}
	return CensorshipReport{Type: CensorshipNone, Description: "No censorship pattern detected"}
}

// ResetNodeHealth zeroes the counters, flags and timestamps of every node.
func (r *Router) ResetNodeHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for u := range r.nodes {
		r.nodes[u] = &NodeHealth{URL: u}
	}
}

// ClearFetchHistory discards the fetch history.
func (r *Router) ClearFetchHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

// FetchHistory returns a copy of the recorded fetch history.
func (r *Router) FetchHistory() []FetchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}
