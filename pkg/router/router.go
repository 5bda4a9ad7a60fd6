// Package router resolves client-facing capability names against the current
// catalog and forwards requests to the owning backend session with the
// namespace stripped.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosida95/uritemplate/v3"

	"github.com/vikashloomba/mcp-gateway-go/pkg/catalog"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/metrics"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// DefaultCallTimeout bounds a routed call when neither the backend nor the
// router options set a timeout.
const DefaultCallTimeout = 60 * time.Second

// Backend is the part of a session the router needs.
type Backend interface {
	Descriptor() registry.BackendDescriptor
	State() mcpmgr.State
	Call(ctx context.Context, method string, params any, onProgress mcpmgr.ProgressFunc) (json.RawMessage, error)
}

// Lookup finds the backend for a namespace.
type Lookup func(namespace string) (Backend, bool)

// ManagerLookup adapts a Manager to Lookup.
func ManagerLookup(m *mcpmgr.Manager) Lookup {
	return func(namespace string) (Backend, bool) {
		s, ok := m.Session(namespace)
		if !ok {
			return nil, false
		}
		return s, true
	}
}

// Options configures a Router.
type Options struct {
	// Catalog returns the catalog to resolve against; it is consulted once
	// per request.
	Catalog func() *catalog.Catalog
	// Backends resolves namespaces to sessions.
	Backends Lookup
	// Namespace must match the strategy the catalog was built with.
	Namespace   catalog.Namespace
	CallTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Namespace == nil {
		o.Namespace = catalog.PrefixNamespace{}
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Router is stateless apart from a cache of compiled URI templates; calls are
// never serialized against each other.
type Router struct {
	opts      Options
	templates sync.Map // template string -> *uritemplate.Template
}

// New returns a Router. Options.Catalog and Options.Backends are required.
func New(opts Options) (*Router, error) {
	if opts.Catalog == nil || opts.Backends == nil {
		return nil, fmt.Errorf("router: catalog and backends are required")
	}
	return &Router{opts: opts.withDefaults()}, nil
}

// Resolve maps an external name to its catalog entry and backend. It performs
// no I/O. A backend that is not Ready yields CodeBackendUnavailable.
func (r *Router) Resolve(kind catalog.Kind, name string) (*catalog.Entry, Backend, error) {
	entry, ok := r.opts.Catalog().Lookup(kind, name)
	if !ok {
		return nil, nil, &Error{Code: CodeUnknownCapability, Kind: kind, Name: name}
	}
	return r.backendFor(entry, name)
}

func (r *Router) backendFor(entry *catalog.Entry, name string) (*catalog.Entry, Backend, error) {
	b, ok := r.opts.Backends(entry.Namespace)
	if !ok {
		return nil, nil, &Error{Code: CodeUnknownCapability, Kind: entry.Kind, Name: name, Namespace: entry.Namespace}
	}
	if st := b.State(); st != mcpmgr.StateReady {
		return nil, nil, &Error{
			Code:      CodeBackendUnavailable,
			Kind:      entry.Kind,
			Name:      name,
			Namespace: entry.Namespace,
			Err:       fmt.Errorf("%w: %s is %s", mcpmgr.ErrSessionUnavailable, entry.Namespace, st),
		}
	}
	return entry, b, nil
}

// CallTool invokes the tool behind name. A nil progress disables relaying.
func (r *Router) CallTool(ctx context.Context, name string, arguments any, progress *Progress) (*mcp.CallToolResult, error) {
	entry, b, err := r.Resolve(catalog.KindTool, name)
	if err != nil {
		return nil, err
	}
	params := map[string]any{"name": entry.Native}
	if arguments != nil {
		params["arguments"] = arguments
	}

	rel := newRelay(ctx, progress, r.opts.Logger)
	raw, err := r.forward(ctx, b, entry, name, "tools/call", params, rel.callback())
	if sent := rel.close(); sent > 0 {
		r.opts.Logger.Debug("router: relayed progress", "tool", name, "notifications", sent)
	}
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, r.decodeErr(entry, name, err)
	}
	return &res, nil
}

// GetPrompt renders the prompt behind name.
func (r *Router) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*mcp.GetPromptResult, error) {
	entry, b, err := r.Resolve(catalog.KindPrompt, name)
	if err != nil {
		return nil, err
	}
	params := map[string]any{"name": entry.Native}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	raw, err := r.forward(ctx, b, entry, name, "prompts/get", params, nil)
	if err != nil {
		return nil, err
	}
	var res mcp.GetPromptResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, r.decodeErr(entry, name, err)
	}
	return &res, nil
}

// ReadResource reads uri, which names either a listed resource or matches one
// of the catalog's URI templates. Returned contents carry external URIs.
func (r *Router) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	entry, native, b, err := r.resolveResource(uri)
	if err != nil {
		return nil, err
	}
	raw, err := r.forward(ctx, b, entry, uri, "resources/read", map[string]any{"uri": native}, nil)
	if err != nil {
		return nil, err
	}
	var res mcp.ReadResourceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, r.decodeErr(entry, uri, err)
	}
	for _, c := range res.Contents {
		if c != nil && c.URI != "" {
			c.URI = r.opts.Namespace.URI(entry.Namespace, c.URI)
		}
	}
	return &res, nil
}

// Subscribe forwards a resource subscription to the owning backend.
func (r *Router) Subscribe(ctx context.Context, uri string) error {
	return r.subscription(ctx, "resources/subscribe", uri)
}

// Unsubscribe forwards the removal of a resource subscription.
func (r *Router) Unsubscribe(ctx context.Context, uri string) error {
	return r.subscription(ctx, "resources/unsubscribe", uri)
}

func (r *Router) subscription(ctx context.Context, method, uri string) error {
	entry, native, b, err := r.resolveResource(uri)
	if err != nil {
		return err
	}
	_, err = r.forward(ctx, b, entry, uri, method, map[string]any{"uri": native}, nil)
	return err
}

// resolveResource prefers an exact resource and falls back to the first
// template, in catalog order, that matches uri.
func (r *Router) resolveResource(uri string) (*catalog.Entry, string, Backend, error) {
	cat := r.opts.Catalog()
	if entry, ok := cat.Lookup(catalog.KindResource, uri); ok {
		entry, b, err := r.backendFor(entry, uri)
		if err != nil {
			return nil, "", nil, err
		}
		return entry, entry.Native, b, nil
	}
	for _, entry := range cat.Entries(catalog.KindTemplate) {
		tpl, err := r.template(entry.Name)
		if err != nil {
			r.opts.Logger.Debug("router: invalid uri template", "template", entry.Name, "error", err)
			continue
		}
		if tpl.Match(uri) == nil {
			continue
		}
		ns, native, ok := r.opts.Namespace.Split(uri)
		if !ok || ns != entry.Namespace {
			continue
		}
		entry, b, err := r.backendFor(entry, uri)
		if err != nil {
			return nil, "", nil, err
		}
		return entry, native, b, nil
	}
	return nil, "", nil, &Error{Code: CodeUnknownCapability, Kind: catalog.KindResource, Name: uri}
}

func (r *Router) template(raw string) (*uritemplate.Template, error) {
	if cached, ok := r.templates.Load(raw); ok {
		return cached.(*uritemplate.Template), nil
	}
	tpl, err := uritemplate.New(raw)
	if err != nil {
		return nil, err
	}
	r.templates.Store(raw, tpl)
	return tpl, nil
}

// forward sends one request under the backend's call timeout and classifies
// the outcome.
func (r *Router) forward(ctx context.Context, b Backend, entry *catalog.Entry, name, method string, params any, onProgress mcpmgr.ProgressFunc) (json.RawMessage, error) {
	timeout := r.opts.CallTimeout
	if d := b.Descriptor().CallTimeout; d > 0 {
		timeout = d
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, err := b.Call(callCtx, method, params, onProgress)
	code := "ok"
	if err != nil {
		err = classify(entry.Kind, name, entry.Namespace, err)
		code = string(CodeOf(err))
		if code == "" {
			code = "cancelled"
		}
		r.opts.Logger.Debug("router: request failed", "backend", entry.Namespace, "method", method, "name", name, "error", err)
	}
	r.opts.Metrics.ObserveRequest(entry.Namespace, method, code, time.Since(start))
	return raw, err
}

func (r *Router) decodeErr(entry *catalog.Entry, name string, err error) error {
	return &Error{Code: CodeBackendError, Kind: entry.Kind, Name: name, Namespace: entry.Namespace,
		Err: fmt.Errorf("decode result: %w", err)}
}
