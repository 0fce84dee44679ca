package transport

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"zajel-go/internal/zajel"
)

// NATSTransport publishes and subscribes on a single NATS subject.
type NATSTransport struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	in      *inbox
}

// NewNATSTransport connects to url and subscribes to subject.
func NewNATSTransport(url, subject, name string) (*NATSTransport, error) {
	nc, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	t := &NATSTransport{nc: nc, subject: subject, in: newInbox()}
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		t.in.push(m.Data)
	})
	if err != nil {
		nc.Close()
		t.in.close()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		t.in.close()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	t.sub = sub
	return t, nil
}

// Send publishes msg on the subject.
func (t *NATSTransport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.nc.Publish(t.subject, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", t.subject, err)
	}
	return nil
}

// Inbound returns messages received on the subject.
func (t *NATSTransport) Inbound() <-chan []byte {
	return t.in.out
}

// Close unsubscribes and closes the connection.
func (t *NATSTransport) Close() error {
	defer t.in.close()
	if err := t.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		t.nc.Close()
		return fmt.Errorf("unsubscribing from %s: %w", t.subject, err)
	}
	t.nc.Close()
	return nil
}

// Compile-time check that NATSTransport implements zajel.Transport
var _ zajel.Transport = (*NATSTransport)(nil)
