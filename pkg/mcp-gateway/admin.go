package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

// BackendStatus is the admin view of one backend.
type BackendStatus struct {
	Namespace string       `json:"namespace"`
	Transport string       `json:"transport"`
	Target    string       `json:"target"`
	State     mcpmgr.State `json:"state"`
	Revision  uint64       `json:"revision"`
	Tools     int          `json:"tools"`
	Prompts   int          `json:"prompts"`
	Resources int          `json:"resources"`
	Templates int          `json:"templates"`
	PID       int          `json:"pid,omitempty"`
	Attempts  int          `json:"attempts"`
	Restarts  int          `json:"restarts"`
	LastError string       `json:"lastError,omitempty"`
	Since     time.Time    `json:"since"`
	InFlight  int          `json:"inFlight"`
}

// Health is the body of GET /health.
type Health struct {
	Status     string         `json:"status"`
	Backends   map[string]int `json:"backends"`
	Catalog    map[string]int `json:"catalog"`
	Generation uint64         `json:"generation"`
	InFlight   int            `json:"inFlight"`
}

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthStopping = "stopping"
)

type adminServer struct {
	g       *Gateway
	handler http.Handler

	mu     sync.Mutex
	ln     net.Listener
	server *http.Server
}

func newAdminServer(g *Gateway) *adminServer {
	a := &adminServer{g: g}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(g.opts.Metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /backends", a.backends)
	mux.HandleFunc("POST /backends/{namespace}/restart", a.restart)
	mux.HandleFunc("POST /shutdown", a.shutdown)
	a.handler = mux
	return a
}

func (a *adminServer) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 5 * time.Second}
	a.mu.Lock()
	a.ln, a.server = ln, srv
	a.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.g.opts.Logger.Error("mcpgateway: admin server", "error", err)
		}
	}()
	return nil
}

func (a *adminServer) addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

func (a *adminServer) close(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}

func (a *adminServer) health(w http.ResponseWriter, _ *http.Request) {
	h := a.g.Health()
	code := http.StatusOK
	if h.Status == healthStopping {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (a *adminServer) backends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.g.Backends())
}

func (a *adminServer) restart(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("namespace")
	if err := a.g.manager.Restart(ns); err != nil {
		code := http.StatusConflict
		if errors.Is(err, mcpmgr.ErrUnknownBackend) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	a.g.opts.Logger.Info("mcpgateway: restart requested", "backend", ns)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting", "namespace": ns})
}

func (a *adminServer) shutdown(w http.ResponseWriter, _ *http.Request) {
	a.g.opts.Logger.Info("mcpgateway: shutdown requested over admin endpoint")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": healthStopping})
	a.g.RequestShutdown()
}

// Health summarizes the gateway. The status is degraded while any backend is
// not Ready.
func (g *Gateway) Health() Health {
	h := Health{Status: healthOK, Backends: map[string]int{}, InFlight: g.calls.inFlight()}
	for _, snap := range g.manager.Snapshots() {
		h.Backends[snap.State.String()]++
		if snap.State != mcpmgr.StateReady {
			h.Status = healthDegraded
		}
	}
	cat := g.Catalog()
	h.Catalog = cat.Sizes()
	h.Generation = cat.Generation()
	select {
	case <-g.stopRequested:
		h.Status = healthStopping
	case <-g.stopped:
		h.Status = healthStopping
	default:
	}
	return h
}

// Backends reports every backend in configuration order.
func (g *Gateway) Backends() []BackendStatus {
	out := make([]BackendStatus, 0, len(g.descs))
	for _, s := range g.manager.Sessions() {
		snap := s.Snapshot()
		caps := snap.Capabilities
		out = append(out, BackendStatus{
			Namespace: snap.Namespace,
			Transport: string(snap.Transport),
			Target:    snap.Target,
			State:     snap.State,
			Revision:  snap.Revision,
			Tools:     len(caps.Tools),
			Prompts:   len(caps.Prompts),
			Resources: len(caps.Resources),
			Templates: len(caps.ResourceTemplates),
			PID:       snap.PID,
			Attempts:  snap.Attempts,
			Restarts:  snap.Restarts,
			LastError: snap.LastError,
			Since:     snap.Since,
			InFlight:  len(s.InFlight()),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
