package transport

import (
	"context"
	"errors"
	"slices"
	"sync"

	"zajel-go/internal/zajel"
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport closed")

// Bus is an in-process broadcast topic. Transports connected to the same
// Bus see every message sent by any of them.
type Bus struct {
	mu      sync.RWMutex
	members []*LoopbackTransport
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Connect attaches a new transport to the bus.
func (b *Bus) Connect() *LoopbackTransport {
	t := &LoopbackTransport{bus: b, in: newInbox()}
	b.mu.Lock()
	b.members = append(b.members, t)
	b.mu.Unlock()
	return t
}

func (b *Bus) publish(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.members {
		m.in.push(slices.Clone(msg))
	}
}

func (b *Bus) leave(t *LoopbackTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members = slices.DeleteFunc(b.members, func(m *LoopbackTransport) bool { return m == t })
}

// LoopbackTransport is one endpoint on a Bus.
type LoopbackTransport struct {
	bus *Bus
	in  *inbox

	mu     sync.Mutex
	closed bool
}

// Send broadcasts msg to every endpoint on the bus.
func (t *LoopbackTransport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.bus.publish(msg)
	return nil
}

// Inbound returns the endpoint's message stream.
func (t *LoopbackTransport) Inbound() <-chan []byte {
	return t.in.out
}

// Close detaches the endpoint and closes its inbound stream.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.bus.leave(t)
	t.in.close()
	return nil
}

// Compile-time check that LoopbackTransport implements zajel.Transport
var _ zajel.Transport = (*LoopbackTransport)(nil)
