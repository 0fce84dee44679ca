// Package relay provides relay archives: opaque chunk storage at a relay
// node, addressed by routing hash. Archives never see plaintext; they hold
// the JSON form of signed, encrypted chunks.
package relay

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/aws/smithy-go"

	"zajel-go/internal/routing"
)

// Archive stores chunk JSON under <routingHash>/<chunkID>.
type Archive interface {
	// URL identifies the relay node. It is the key used for node health.
	URL() string

	// Put stores data for a chunk. Storing the same chunk twice is safe.
	Put(ctx context.Context, routingHash, chunkID string, data []byte) error

	// Get returns the stored data, or (nil, nil) when the chunk is absent.
	Get(ctx context.Context, routingHash, chunkID string) ([]byte, error)

	// List returns the chunk IDs stored under a routing hash, sorted.
	List(ctx context.Context, routingHash string) ([]string, error)

	// ValidateSetup checks that the archive is reachable and usable.
	ValidateSetup(ctx context.Context) error
}

var (
	// ErrBlocked reports that a relay refused to serve a routing hash.
	ErrBlocked = errors.New("relay refused the request")

	// ErrUnreachable reports that a relay could not be contacted.
	ErrUnreachable = errors.New("relay unreachable")
)

// Classify maps a fetch error onto a routing.FetchResult. Explicit denials
// (ErrBlocked, permission errors, HTTP 403/451, AccessDenied) count as
// blocking; everything else is a network error.
func Classify(err error) routing.FetchResult {
	if err == nil {
		return routing.FetchSuccess
	}
	if errors.Is(err, ErrBlocked) || errors.Is(err, os.ErrPermission) {
		return routing.FetchBlocked
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return routing.FetchBlocked
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case http.StatusForbidden, http.StatusUnavailableForLegalReasons:
			return routing.FetchBlocked
		}
	}
	return routing.FetchNetworkError
}
