package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-gateway-go/pkg/catalog"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
	"github.com/vikashloomba/mcp-gateway-go/pkg/router"
)

// Gateway fronts every configured backend with a single MCP server. It owns
// the session manager and the catalog merger; the router only reads them.
type Gateway struct {
	opts  Options
	descs []registry.BackendDescriptor

	manager *mcpmgr.Manager
	merger  *catalog.Merger
	router  *router.Router

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	rebuilds  chan struct{}
	syncMu    sync.Mutex
	published *catalog.Catalog

	calls *callTracker

	startOnce sync.Once
	startErr  error
	loopStop  context.CancelFunc
	loopDone  chan struct{}

	listener   net.Listener
	httpServer *http.Server
	admin      *adminServer

	stopRequested chan struct{}
	requestOnce   sync.Once
	shutdownOnce  sync.Once
	shutdownErr   error
	stopped       chan struct{}
}

// New builds a Gateway for descs without starting any backend.
func New(descs []registry.BackendDescriptor, opts *Options) (*Gateway, error) {
	options := opts.withDefaults()
	switch options.Transport {
	case TransportStreamingHTTP, TransportStdio:
	default:
		return nil, fmt.Errorf("mcpgateway: unsupported transport %q", options.Transport)
	}
	if !strings.HasPrefix(options.Path, "/") {
		options.Path = "/" + options.Path
	}

	g := &Gateway{
		opts:          options,
		descs:         descs,
		rebuilds:      make(chan struct{}, 1),
		calls:         newCallTracker(),
		stopRequested: make(chan struct{}),
		stopped:       make(chan struct{}),
		loopDone:      make(chan struct{}),
	}

	g.manager = mcpmgr.NewManager(descs, &mcpmgr.ManagerOptions{
		Logger:            options.Logger,
		ClientInfo:        &mcp.Implementation{Name: options.Implementation.Name, Version: options.Implementation.Version},
		HealthInterval:    options.HealthInterval,
		Adapters:          options.Adapters,
		Dial:              options.Dial,
		RPCLogger:         options.RPCLogger,
		Metrics:           options.Metrics,
		OnChange:          func(mcpmgr.Snapshot) { g.requestRebuild() },
		OnResourceUpdated: g.forwardResourceUpdate,
	})
	g.merger = catalog.NewMerger(descs, &catalog.MergerOptions{
		Namespace: options.Namespace,
		Logger:    options.Logger,
		Metrics:   options.Metrics,
	})
	r, err := router.New(router.Options{
		Catalog:     g.merger.Current,
		Backends:    router.ManagerLookup(g.manager),
		Namespace:   options.Namespace,
		CallTimeout: options.CallTimeout,
		Logger:      options.Logger,
		Metrics:     options.Metrics,
	})
	if err != nil {
		return nil, err
	}
	g.router = r
	g.published = catalog.Empty()

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:           true,
		HasPrompts:         true,
		HasResources:       true,
		SubscribeHandler:   g.handleSubscribe,
		UnsubscribeHandler: g.handleUnsubscribe,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()
	g.admin = newAdminServer(g)
	return g, nil
}

// Manager exposes the backend sessions.
func (g *Gateway) Manager() *mcpmgr.Manager { return g.manager }

// Catalog returns the catalog most recently merged.
func (g *Gateway) Catalog() *catalog.Catalog { return g.merger.Current() }

// Router returns the request router.
func (g *Gateway) Router() *router.Router { return g.router }

// Server returns the client-facing MCP server.
func (g *Gateway) Server() *mcp.Server { return g.server }

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler { return g.httpHandler }

// AdminHandler exposes the admin endpoints.
func (g *Gateway) AdminHandler() http.Handler { return g.admin.handler }

// Addr reports the bound client address after Start, or "" for stdio.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// AdminAddr reports the bound admin address after Start, or "".
func (g *Gateway) AdminAddr() string { return g.admin.addr() }

// Start launches every backend concurrently, waits up to StartupTimeout for
// each to become Ready or Dead, publishes the first catalog, and binds the
// listeners. Backends still starting when the timeout elapses join the
// catalog once they become Ready.
func (g *Gateway) Start(ctx context.Context) error {
	g.startOnce.Do(func() { g.startErr = g.start(ctx) })
	return g.startErr
}

func (g *Gateway) start(ctx context.Context) error {
	log := g.opts.Logger
	log.Info("mcpgateway: starting backends", "count", len(g.descs))

	waitCtx, cancel := context.WithTimeout(ctx, g.opts.StartupTimeout)
	err := g.manager.StartAll(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), g.stopBackends(context.Background()))
		}
		log.Warn("mcpgateway: startup timeout elapsed, continuing", "error", err)
	}
	for _, snap := range g.manager.Snapshots() {
		if snap.State != mcpmgr.StateReady {
			log.Warn("mcpgateway: backend not ready at startup",
				"backend", snap.Namespace, "state", snap.State.String(), "error", snap.LastError)
		}
	}

	g.rebuild()
	loopCtx, stop := context.WithCancel(context.Background())
	g.loopStop = stop
	go g.rebuildLoop(loopCtx)

	if g.opts.Transport == TransportStreamingHTTP {
		ln, err := net.Listen("tcp", g.opts.Addr)
		if err != nil {
			return errors.Join(fmt.Errorf("mcpgateway: listen %s: %w", g.opts.Addr, err), g.stopBackends(context.Background()))
		}
		g.listener = ln
		g.httpServer = &http.Server{Handler: g.httpHandler}
	}
	if g.opts.AdminAddr != "" {
		if err := g.admin.listen(g.opts.AdminAddr); err != nil {
			if g.listener != nil {
				_ = g.listener.Close()
			}
			return errors.Join(err, g.stopBackends(context.Background()))
		}
	}
	log.Info("mcpgateway: ready",
		"transport", g.opts.Transport,
		"addr", g.Addr(),
		"admin", g.AdminAddr(),
		"tools", len(g.Catalog().Entries(catalog.KindTool)))
	return nil
}

// Serve accepts clients until ctx is done, Shutdown or RequestShutdown is
// called, or, for stdio, the client closes the stream. It then shuts the
// gateway down and returns.
func (g *Gateway) Serve(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	switch g.opts.Transport {
	case TransportStdio:
		go func() { serveErr <- g.server.Run(serveCtx, g.opts.StdioTransport) }()
	default:
		go func() { serveErr <- g.httpServer.Serve(g.listener) }()
	}

	var err error
	select {
	case <-ctx.Done():
	case <-g.stopRequested:
	case <-g.stopped:
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	graceCtx, graceCancel := context.WithTimeout(context.Background(), g.opts.ShutdownGrace)
	defer graceCancel()
	return errors.Join(err, g.Shutdown(graceCtx))
}

// RequestShutdown asks a running Serve to shut the gateway down.
func (g *Gateway) RequestShutdown() {
	g.requestOnce.Do(func() { close(g.stopRequested) })
}

// Shutdown stops accepting requests, waits for in-flight calls up to the
// ShutdownGrace or ctx, whichever ends first, and stops every backend.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
		close(g.stopped)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	log := g.opts.Logger
	graceCtx, cancel := context.WithTimeout(ctx, g.opts.ShutdownGrace)
	defer cancel()

	var errs []error
	shutdownDone := make(chan error, 1)
	if g.httpServer != nil {
		go func() { shutdownDone <- g.httpServer.Shutdown(graceCtx) }()
	} else {
		shutdownDone <- nil
	}
	if n, err := g.calls.drain(graceCtx); err != nil {
		log.Warn("mcpgateway: grace period elapsed with calls in flight", "calls", n)
	}
	if g.httpServer != nil {
		_ = g.httpServer.Close()
	}
	<-shutdownDone

	if err := g.stopBackends(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.admin.close(ctx); err != nil {
		errs = append(errs, err)
	}
	log.Info("mcpgateway: stopped")
	return errors.Join(errs...)
}

func (g *Gateway) stopBackends(ctx context.Context) error {
	err := g.manager.StopAll(ctx)
	if g.loopStop != nil {
		g.loopStop()
		<-g.loopDone
	}
	g.rebuild()
	return err
}

func (g *Gateway) requestRebuild() {
	select {
	case g.rebuilds <- struct{}{}:
	default:
	}
}

// rebuildLoop coalesces session change notifications into catalog rebuilds.
func (g *Gateway) rebuildLoop(ctx context.Context) {
	defer close(g.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.rebuilds:
			g.rebuild()
		}
	}
}

func (g *Gateway) rebuild() {
	g.syncMu.Lock()
	defer g.syncMu.Unlock()
	next := g.merger.Rebuild(g.manager.Snapshots())
	g.syncServer(g.published, next)
	g.published = next
}

// syncServer applies the difference between two catalogs to the MCP server.
// Entries whose owning revision changed are re-registered.
func (g *Gateway) syncServer(prev, next *catalog.Catalog) {
	for _, kind := range catalog.Kinds {
		var removed []string
		for _, old := range prev.Entries(kind) {
			if _, ok := next.Lookup(kind, old.Name); !ok {
				removed = append(removed, old.Name)
			}
		}
		if len(removed) > 0 {
			switch kind {
			case catalog.KindTool:
				g.server.RemoveTools(removed...)
			case catalog.KindPrompt:
				g.server.RemovePrompts(removed...)
			case catalog.KindResource:
				g.server.RemoveResources(removed...)
			case catalog.KindTemplate:
				g.server.RemoveResourceTemplates(removed...)
			}
		}

		added := 0
		for _, e := range next.Entries(kind) {
			if old, ok := prev.Lookup(kind, e.Name); ok && old.Revision == e.Revision && old.Namespace == e.Namespace {
				continue
			}
			added++
			g.register(e)
		}
		if len(removed) > 0 || added > 0 {
			g.opts.Logger.Debug("mcpgateway: synced capabilities",
				"kind", kind.String(), "removed", len(removed), "added", added, "generation", next.Generation())
		}
	}
}

// register adds e to the MCP server, which panics on definitions it cannot
// serve. The merger only publishes entries that pass the same checks.
func (g *Gateway) register(e *catalog.Entry) {
	switch e.Kind {
	case catalog.KindTool:
		g.server.AddTool(e.Tool, g.toolHandler(e.Name))
	case catalog.KindPrompt:
		g.server.AddPrompt(e.Prompt, g.promptHandler(e.Name))
	case catalog.KindResource:
		g.server.AddResource(e.Resource, g.resourceHandler())
	case catalog.KindTemplate:
		g.server.AddResourceTemplate(e.Template, g.resourceHandler())
	}
}

func (g *Gateway) mountHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(g.opts.Path, g.streamHandler)
	if !strings.HasSuffix(g.opts.Path, "/") {
		mux.Handle(g.opts.Path+"/", g.streamHandler)
	}
	if len(g.opts.AllowedOrigins) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	}).Handler(mux)
}
