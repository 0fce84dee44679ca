package relay

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	"zajel-go/internal/config"
)

var (
	memoryMu       sync.Mutex
	memoryArchives = map[string]*MemoryArchive{}
)

// SharedMemoryArchive returns the process-wide memory archive for url,
// creating it on first use.
func SharedMemoryArchive(url string) *MemoryArchive {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	if a, ok := memoryArchives[url]; ok {
		return a
	}
	a := NewMemoryArchive(url)
	memoryArchives[url] = a
	return a
}

// NewArchiveFromConfig creates an Archive based on the relay URL scheme:
// mem://name, file:///path or s3://bucket/prefix.
func NewArchiveFromConfig(ctx context.Context, cfg config.RelayConfig) (Archive, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing relay url %q: %w", cfg.URL, err)
	}

	switch u.Scheme {
	case "mem":
		if u.Host == "" {
			return nil, fmt.Errorf("memory relay requires a name: %s", cfg.URL)
		}
		return SharedMemoryArchive(cfg.URL), nil
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("filesystem relay requires a path: %s", cfg.URL)
		}
		a, err := NewFileSystemArchive(cfg.URL, filepath.FromSlash(u.Path))
		if err != nil {
			return nil, err
		}
		return a, nil
	case "s3":
		a, err := NewS3Archive(ctx, cfg.URL, S3Options{
			Bucket:    u.Host,
			Prefix:    u.Path,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown relay scheme: %q", u.Scheme)
	}
}

// NewArchivesFromConfig creates one Archive per configured relay.
func NewArchivesFromConfig(ctx context.Context, relays []config.RelayConfig) ([]Archive, error) {
	archives := make([]Archive, 0, len(relays))
	for _, r := range relays {
		a, err := NewArchiveFromConfig(ctx, r)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}
	return archives, nil
}
