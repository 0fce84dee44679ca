package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"zajel-go/internal/config"
	"zajel-go/internal/zajel"
)

func receive(t *testing.T, tr zajel.Transport) string {
	t.Helper()
	select {
	case msg, ok := <-tr.Inbound():
		if !ok {
			t.Fatal("inbound closed")
		}
		return string(msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return ""
}

func TestLoopback_Broadcast(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	a := bus.Connect()
	b := bus.Connect()
	defer a.Close()
	defer b.Close()

	if err := a.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got := receive(t, b); got != "hello" {
		t.Errorf("b received %q, want hello", got)
	}
	if got := receive(t, a); got != "hello" {
		t.Errorf("sender received %q, want its own message", got)
	}
}

func TestLoopback_SendNeverBlocks(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	a := bus.Connect()
	defer a.Close()

	// Nobody reads; sends must still complete.
	for i := range 1000 {
		if err := a.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	for i := range 1000 {
		if got := receive(t, a); got != string([]byte{byte(i)}) {
			t.Fatalf("message %d out of order", i)
		}
	}
}

func TestLoopback_Close(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	a := bus.Connect()
	b := bus.Connect()
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	select {
	case _, ok := <-a.Inbound():
		if ok {
			t.Error("closed transport delivered a message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound not closed")
	}

	if err := a.Send(ctx, []byte("x")); err != ErrClosed {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}

	// b no longer delivers to a.
	if err := b.Send(ctx, []byte("still here")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := receive(t, b); got != "still here" {
		t.Errorf("b received %q", got)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := b.Send(cancelled, []byte("x")); err == nil {
		t.Error("Send() with cancelled context expected error")
	}
}

func TestNewTransportFromConfig(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.TransportConfig
		wantErr bool
	}{
		{name: "loopback", cfg: config.TransportConfig{Type: "loopback"}},
		{name: "default is loopback", cfg: config.TransportConfig{}},
		{name: "nats without url", cfg: config.TransportConfig{Type: "nats"}, wantErr: true},
		{name: "redis without url", cfg: config.TransportConfig{Type: "redis"}, wantErr: true},
		{name: "unknown", cfg: config.TransportConfig{Type: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTransportFromConfig(ctx, tt.cfg, "peer", nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTransportFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if tr != nil {
					t.Errorf("got %T with error", tr)
				}
				return
			}
			tr.Close()
		})
	}
}

// brokerRoundTrip sends through one transport and expects both ends to see it.
func brokerRoundTrip(t *testing.T, a, b zajel.Transport) {
	t.Helper()
	if err := a.Send(context.Background(), []byte(`{"type":"chunk_request","chunkId":"c"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	want := `{"type":"chunk_request","chunkId":"c"}`
	if got := receive(t, b); got != want {
		t.Errorf("receiver got %q", got)
	}
	if got := receive(t, a); got != want {
		t.Errorf("sender got %q", got)
	}
}

func TestNATSTransport(t *testing.T) {
	url := os.Getenv("ZAJEL_TEST_NATS_URL")
	if url == "" {
		t.Skip("ZAJEL_TEST_NATS_URL not set")
	}
	topic := "zajel.test." + t.Name()
	a, err := NewNATSTransport(url, topic, "a")
	if err != nil {
		t.Fatalf("NewNATSTransport() error = %v", err)
	}
	defer a.Close()
	b, err := NewNATSTransport(url, topic, "b")
	if err != nil {
		t.Fatalf("NewNATSTransport() error = %v", err)
	}
	defer b.Close()

	brokerRoundTrip(t, a, b)
}

func TestRedisTransport(t *testing.T) {
	url := os.Getenv("ZAJEL_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ZAJEL_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	topic := "zajel.test." + t.Name()
	a, err := NewRedisTransport(ctx, url, topic)
	if err != nil {
		t.Fatalf("NewRedisTransport() error = %v", err)
	}
	defer a.Close()
	b, err := NewRedisTransport(ctx, url, topic)
	if err != nil {
		t.Fatalf("NewRedisTransport() error = %v", err)
	}
	defer b.Close()

	brokerRoundTrip(t, a, b)
}
