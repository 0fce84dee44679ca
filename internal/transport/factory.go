package transport

import (
	"context"
	"fmt"

	"zajel-go/internal/config"
	"zajel-go/internal/zajel"
)

// DefaultTopic is used when the config names no topic.
const DefaultTopic = "zajel.swarm"

// NewTransportFromConfig creates a Transport based on the transport config
// type. A loopback transport is attached to bus, which may be nil for a
// private bus.
func NewTransportFromConfig(ctx context.Context, cfg config.TransportConfig, peerID string, bus *Bus) (zajel.Transport, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	switch cfg.Type {
	case "", "loopback":
		if bus == nil {
			bus = NewBus()
		}
		return bus.Connect(), nil
	case "nats":
		if cfg.URL == "" {
			return nil, fmt.Errorf("nats transport requires url to be set")
		}
		t, err := NewNATSTransport(cfg.URL, topic, "zajel-"+peerID)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "redis":
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis transport requires url to be set")
		}
		t, err := NewRedisTransport(ctx, cfg.URL, topic)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
