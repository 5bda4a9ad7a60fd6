// Package mcpmgr supervises the backend MCP servers behind the gateway. Each
// backend gets a Session that launches or dials it, performs the MCP
// handshake, correlates requests with responses, and restarts it with
// exponential backoff when it fails. Manager is the explicit registry of
// running sessions.
package mcpmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-gateway-go/pkg/adapters"
	"github.com/vikashloomba/mcp-gateway-go/pkg/metrics"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultClientName       = "mcp-gateway"
	defaultClientVersion    = "1.0.0"
)

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	Logger *slog.Logger
	// ClientInfo is advertised to backends during initialization.
	ClientInfo *mcp.Implementation
	// HealthInterval is the period of the ping health check. Zero disables
	// pinging; transport failures are still detected.
	HealthInterval time.Duration
	// HandshakeTimeout bounds initialize plus the initial capability listing.
	HandshakeTimeout time.Duration
	// Adapters resolves inproc backends.
	Adapters *adapters.Registry
	// HTTPClient is the base client for streaming-http backends.
	HTTPClient *http.Client
	// Dial replaces the built-in transports, mainly for tests.
	Dial DialFunc
	// RPCLogger observes every JSON-RPC frame exchanged with backends.
	RPCLogger RPCLogger
	Metrics   *metrics.Metrics
	// OnChange runs on the session goroutine whenever a session changes state
	// or capabilities. It must not block.
	OnChange func(Snapshot)
	// OnResourceUpdated runs on the session goroutine for every
	// notifications/resources/updated from a backend. It must not block.
	OnResourceUpdated func(namespace, uri string)
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var out ManagerOptions
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.ClientInfo == nil {
		out.ClientInfo = &mcp.Implementation{Name: defaultClientName, Version: defaultClientVersion}
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.Adapters == nil {
		out.Adapters = adapters.Builtin()
	}
	return out
}

// Manager owns one Session per backend descriptor. The set of sessions is
// fixed at construction.
type Manager struct {
	options  ManagerOptions
	order    []string
	sessions map[string]*Session
}

// NewManager builds sessions for descs without starting them.
func NewManager(descs []registry.BackendDescriptor, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	dial := options.Dial
	if dial == nil {
		d := &dialer{logger: options.Logger, adapters: options.Adapters, httpClient: options.HTTPClient}
		dial = d.dial
	}
	dial = withRPCLogging(dial, options.RPCLogger)

	m := &Manager{
		options:  options,
		sessions: make(map[string]*Session, len(descs)),
	}
	for _, desc := range descs {
		m.order = append(m.order, desc.Namespace)
		m.sessions[desc.Namespace] = newSession(desc, sessionConfig{
			logger:           options.Logger,
			client:           options.ClientInfo,
			dial:             dial,
			healthInterval:   options.HealthInterval,
			handshakeTimeout: options.HandshakeTimeout,
			metrics:          options.Metrics,
			onChange:         options.OnChange,
			onResource:       options.OnResourceUpdated,
		})
	}
	return m
}

// Namespaces returns the backend namespaces in configuration order.
func (m *Manager) Namespaces() []string {
	return append([]string(nil), m.order...)
}

// Session returns the session for namespace.
func (m *Manager) Session(namespace string) (*Session, bool) {
	s, ok := m.sessions[namespace]
	return s, ok
}

// Sessions returns every session in configuration order.
func (m *Manager) Sessions() []*Session {
	out := make([]*Session, 0, len(m.order))
	for _, ns := range m.order {
		out = append(out, m.sessions[ns])
	}
	return out
}

// Snapshots returns the current view of every session in configuration order.
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.order))
	for _, ns := range m.order {
		out = append(out, m.sessions[ns].Snapshot())
	}
	return out
}

// StartAll launches every session concurrently and waits until each has
// settled on Ready or Dead, or ctx is done. Sessions keep starting in the
// background after ctx expires.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, s := range m.sessions {
		s.Start()
	}
	return m.WaitStarted(ctx)
}

// WaitStarted blocks until every session has settled or ctx is done.
func (m *Manager) WaitStarted(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.sessions {
		g.Go(func() error {
			select {
			case <-s.Settled():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("mcpmgr: %s not settled: %w", s.Namespace(), gctx.Err())
			}
		})
	}
	return g.Wait()
}

// StopAll stops every session in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range m.sessions {
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil {
				return fmt.Errorf("mcpmgr: stop %s: %w", s.Namespace(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Restart relaunches the backend for namespace with a fresh retry budget.
func (m *Manager) Restart(namespace string) error {
	s, ok := m.sessions[namespace]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, namespace)
	}
	return s.Restart()
}
