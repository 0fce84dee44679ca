package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"zajel-go/internal/swarm"
	"zajel-go/internal/telemetry"
	"zajel-go/internal/transport"
	"zajel-go/internal/zajel"
)

// TraceFileName receives exported spans when telemetry is enabled.
const TraceFileName = "traces.jsonl"

// DaemonOptions configures RunDaemon.
type DaemonOptions struct {
	// Hub runs the node as a relay hub serving the first configured relay
	// archive instead of as a swarm peer.
	Hub bool

	// Listen overrides the configured metrics address. Empty keeps it.
	Listen string

	// Version is reported in traces and /healthz.
	Version string

	// Bus attaches a loopback transport to a shared bus, for tests.
	Bus *transport.Bus

	// Ready, if set, receives the HTTP listener address once serving.
	Ready chan<- string
}

// node is the swarm participant run by the daemon: an Engine or a Hub.
type node interface {
	Start(inbound <-chan []byte)
	Stop()
}

// RunDaemon connects to the swarm, serves /metrics and /healthz, and
// periodically pulls every readable channel from the relays until ctx is
// cancelled.
func (a *ZajelApp) RunDaemon(ctx context.Context, opts DaemonOptions) (err error) {
	defer func() { a.op.Fail(err) }()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, traceFile, err := a.setupTelemetry(opts.Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			a.logger.Warn("flushing traces failed", "error", err)
		}
		if traceFile != nil {
			traceFile.Close()
		}
	}()

	interval, err := a.cfg.Swarm.Interval()
	if err != nil {
		return err
	}

	tr, err := transport.NewTransportFromConfig(ctx, a.cfg.Transport, a.cfg.PeerID, opts.Bus)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	defer tr.Close()

	var n node
	mode := "peer"
	if opts.Hub {
		if len(a.archives) == 0 {
			return fmt.Errorf("hub mode requires a configured relay")
		}
		mode = "hub"
		n = swarm.NewHub(a.archives[0], tr, swarm.HubOptions{
			PeerID:  a.cfg.PeerID,
			Logger:  a.logger,
			Metrics: a.metrics,
		})
	} else {
		engine := swarm.NewEngine(a.store, tr, swarm.Options{
			PeerID:       a.cfg.PeerID,
			SyncInterval: interval,
			Logger:       a.logger,
			Metrics:      a.metrics,
		})
		engine.SetHandlers(a.service.OnSwarmChunk, nil)
		a.service.SetEngine(engine)
		n = engine
	}
	n.Start(tr.Inbound())
	defer n.Stop()

	listen := opts.Listen
	if listen == "" {
		listen = a.cfg.Metrics.Listen
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(mode, opts.Version),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.slog.Handler(), slog.LevelWarn),
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	a.logger.Info("daemon started", "mode", mode, "peer", a.cfg.PeerID, "listen", ln.Addr().String())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	var wg sync.WaitGroup
	if !opts.Hub {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.fetchLoop(ctx, interval)
		}()
	}
	defer wg.Wait()
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.logger.Warn("http shutdown failed", "error", err)
	}
	a.logger.Info("daemon stopped", "mode", mode)
	return nil
}

func (a *ZajelApp) setupTelemetry(version string) (telemetry.ShutdownFunc, *os.File, error) {
	var w io.Writer = io.Discard
	var f *os.File
	if a.cfg.Telemetry.Enabled {
		var err error
		f, err = os.OpenFile(filepath.Join(a.cfg.LogDir, TraceFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace file: %w", err)
		}
		w = f
	}
	shutdown, err := telemetry.Setup(a.cfg.Telemetry, version, w)
	if err != nil {
		if f != nil {
			f.Close()
		}
		return nil, nil, err
	}
	return shutdown, f, nil
}

// fetchLoop pulls every readable channel from the relays once per interval.
func (a *ZajelApp) fetchLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.fetchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *ZajelApp) fetchAll(ctx context.Context) {
	if len(a.service.Relays()) == 0 {
		return
	}
	channels, err := a.service.Channels(ctx)
	if err != nil {
		a.logger.Warn("listing channels failed", "error", err)
		return
	}
	for _, ch := range channels {
		if !ch.CanDecrypt() || ctx.Err() != nil {
			continue
		}
		report, err := a.service.FetchFromRelays(ctx, ch.ID)
		if err != nil {
			a.logger.Warn("relay fetch failed", "channel", ch.ID, "error", err)
			continue
		}
		a.logger.Debug("relay fetch", "channel", ch.ID, "relay", report.Node, "accepted", report.Accepted, "rejected", report.Rejected)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	PeerID   string `json:"peer_id"`
	Mode     string `json:"mode"`
	Version  string `json:"version,omitempty"`
	Channels int    `json:"channels"`
}

type channelSummary struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Role     zajel.Role `json:"role"`
	KeyEpoch int        `json:"key_epoch"`
	Admins   int        `json:"admins"`
}

// Handler returns the daemon's HTTP routes.
func (a *ZajelApp) Handler(mode, version string) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		channels, err := a.service.Channels(req.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{
			Status:   "ok",
			PeerID:   a.cfg.PeerID,
			Mode:     mode,
			Version:  version,
			Channels: len(channels),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/channels", func(w http.ResponseWriter, req *http.Request) {
		channels, err := a.service.Channels(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out := make([]channelSummary, 0, len(channels))
		for _, ch := range channels {
			out = append(out, channelSummary{
				ID:       ch.ID,
				Name:     ch.Manifest.Name,
				Role:     ch.Role,
				KeyEpoch: ch.Manifest.KeyEpoch,
				Admins:   len(ch.Manifest.AdminKeys),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}/censorship", func(w http.ResponseWriter, req *http.Request) {
		report, err := a.service.CheckCensorship(req.Context(), mux.Vars(req)["id"])
		if zajel.IsKind(err, zajel.KindChannelNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, report)
	}).Methods(http.MethodGet)
	r.HandleFunc("/relays", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, a.router.GetNodeFallbackOrder())
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
