package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zajel-go/internal/transport"
	"zajel-go/internal/zajel"
)

func TestHandler(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t, "web", uniqueRelay()), "Daemon")
	ch, err := a.CreateChannel(ctx, "status", "", zajel.DefaultRules())
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}

	srv := httptest.NewServer(a.Handler("peer", "v1.2.3"))
	defer srv.Close()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "healthz", path: "/healthz", wantStatus: http.StatusOK, wantBody: `"channels":1`},
		{name: "channels", path: "/channels", wantStatus: http.StatusOK, wantBody: ch.ID},
		{name: "censorship", path: "/channels/" + ch.ID + "/censorship", wantStatus: http.StatusOK, wantBody: `"Detected":false`},
		{name: "censorship unknown channel", path: "/channels/nope/censorship", wantStatus: http.StatusNotFound, wantBody: "error"},
		{name: "relays", path: "/relays", wantStatus: http.StatusOK, wantBody: "mem://"},
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK, wantBody: "zajel_"},
		{name: "unknown route", path: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantBody != "" && !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestHandler_Health(t *testing.T) {
	a := newTestApp(t, testConfig(t, "health"), "Daemon")
	rec := httptest.NewRecorder()
	a.Handler("hub", "dev").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var got healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	want := healthResponse{Status: "ok", PeerID: "health", Mode: "hub", Version: "dev", Channels: 0}
	if got != want {
		t.Errorf("health = %+v, want %+v", got, want)
	}
}

func TestRunDaemon(t *testing.T) {
	tests := []struct {
		name     string
		hub      bool
		wantMode string
	}{
		{name: "peer", wantMode: "peer"},
		{name: "hub", hub: true, wantMode: "hub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "daemon-"+tt.name, uniqueRelay())
			cfg.Swarm.SyncInterval = "50ms"
			a := newTestApp(t, cfg, "Daemon")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ready := make(chan string, 1)
			done := make(chan error, 1)
			go func() {
				done <- a.RunDaemon(ctx, DaemonOptions{
					Hub:     tt.hub,
					Listen:  "127.0.0.1:0",
					Version: "test",
					Bus:     transport.NewBus(),
					Ready:   ready,
				})
			}()

			var addr string
			select {
			case addr = <-ready:
			case err := <-done:
				t.Fatalf("RunDaemon() exited early: %v", err)
			case <-time.After(5 * time.Second):
				t.Fatal("daemon did not become ready")
			}

			resp, err := http.Get("http://" + addr + "/healthz")
			if err != nil {
				t.Fatalf("GET /healthz: %v", err)
			}
			var health healthResponse
			err = json.NewDecoder(resp.Body).Decode(&health)
			resp.Body.Close()
			if err != nil {
				t.Fatalf("decoding health: %v", err)
			}
			if health.Mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", health.Mode, tt.wantMode)
			}

			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("RunDaemon() error = %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("daemon did not stop")
			}
		})
	}
}

func TestRunDaemon_HubWithoutRelay(t *testing.T) {
	a := newTestApp(t, testConfig(t, "lonely"), "Daemon")
	err := a.RunDaemon(context.Background(), DaemonOptions{Hub: true, Listen: "127.0.0.1:0"})
	if err == nil {
		t.Fatal("RunDaemon() expected error without a relay")
	}
	if !a.Operation().Failed() {
		t.Error("operation not marked failed")
	}
}

func TestRunDaemon_Telemetry(t *testing.T) {
	cfg := testConfig(t, "traced")
	cfg.Telemetry.Enabled = true
	a := newTestApp(t, cfg, "Daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- a.RunDaemon(ctx, DaemonOptions{Listen: "127.0.0.1:0", Version: "test", Bus: transport.NewBus(), Ready: ready})
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("RunDaemon() with telemetry exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunDaemon() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if _, err := os.Stat(filepath.Join(cfg.LogDir, TraceFileName)); err != nil {
		t.Errorf("trace file: %v", err)
	}
}
