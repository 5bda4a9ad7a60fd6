package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/catalog"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/router"
)

// MetaKeyError carries the router error of a failed tool call in the result's
// _meta.
const MetaKeyError = "mcpgateway/error"

var errShuttingDown = errors.New("mcpgateway: shutting down")

func (g *Gateway) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		done, err := g.calls.enter()
		if err != nil {
			return toolError(&router.Error{Code: router.CodeBackendUnavailable, Kind: catalog.KindTool, Name: name, Err: err}), nil
		}
		defer done()

		ctx = bindSession(ctx, req.Session)
		var (
			args     any
			progress *router.Progress
		)
		if req.Params != nil {
			if len(req.Params.Arguments) > 0 {
				args = req.Params.Arguments
			}
			if token := req.Params.GetProgressToken(); token != nil && req.Session != nil {
				progress = &router.Progress{Token: token, Sink: req.Session}
			}
		}
		res, err := g.router.CallTool(ctx, name, args, progress)
		if err != nil {
			var re *router.Error
			if errors.As(err, &re) {
				return toolError(re), nil
			}
			return nil, err
		}
		return res, nil
	}
}

func (g *Gateway) promptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		done, err := g.calls.enter()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", router.CodeBackendUnavailable, err)
		}
		defer done()

		var args map[string]string
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return g.router.GetPrompt(bindSession(ctx, req.Session), name, args)
	}
}

// resourceHandler serves both listed resources and templates; the router
// resolves the requested URI itself.
func (g *Gateway) resourceHandler() mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if req.Params == nil {
			return nil, fmt.Errorf("mcpgateway: missing read params")
		}
		done, err := g.calls.enter()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", router.CodeBackendUnavailable, err)
		}
		defer done()

		res, err := g.router.ReadResource(bindSession(ctx, req.Session), req.Params.URI)
		if router.CodeOf(err) == router.CodeUnknownCapability {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		return res, err
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, req *mcp.SubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("mcpgateway: missing subscribe params")
	}
	return g.router.Subscribe(bindSession(ctx, req.Session), req.Params.URI)
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, req *mcp.UnsubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("mcpgateway: missing unsubscribe params")
	}
	return g.router.Unsubscribe(bindSession(ctx, req.Session), req.Params.URI)
}

// forwardResourceUpdate runs on a session goroutine, so the notification is
// sent asynchronously.
func (g *Gateway) forwardResourceUpdate(namespace, uri string) {
	external := g.opts.Namespace.URI(namespace, uri)
	go func() {
		err := g.server.ResourceUpdated(context.Background(), &mcp.ResourceUpdatedNotificationParams{URI: external})
		if err != nil {
			g.opts.Logger.Warn("mcpgateway: forward resource update", "backend", namespace, "uri", external, "error", err)
		}
	}()
}

func toolError(re *router.Error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: re.Error()}},
	}
	meta := map[string]any{
		MetaKeyError: map[string]any{
			"code":      string(re.Code),
			"retryable": re.Retryable(),
			"namespace": re.Namespace,
		},
	}
	res.Meta = meta
	return res
}

// bindSession tags ctx with the client session for in-flight bookkeeping.
func bindSession(ctx context.Context, session *mcp.ServerSession) context.Context {
	if session == nil {
		return ctx
	}
	return mcpmgr.WithClientRef(ctx, session.ID())
}

// callTracker counts client calls in flight so shutdown can drain them.
type callTracker struct {
	mu      sync.Mutex
	active  int
	closing bool
	idle    chan struct{}
}

func newCallTracker() *callTracker {
	return &callTracker{idle: make(chan struct{})}
}

func (t *callTracker) enter() (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return nil, errShuttingDown
	}
	t.active++
	var once sync.Once
	return func() { once.Do(t.leave) }, nil
}

func (t *callTracker) leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	if t.closing && t.active == 0 {
		close(t.idle)
	}
}

// drain rejects new calls and waits for the active ones. It returns the
// number still active when ctx ended.
func (t *callTracker) drain(ctx context.Context) (int, error) {
	t.mu.Lock()
	if !t.closing {
		t.closing = true
		if t.active == 0 {
			close(t.idle)
		}
	}
	t.mu.Unlock()
	select {
	case <-t.idle:
		return 0, nil
	case <-ctx.Done():
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.active, ctx.Err()
	}
}

func (t *callTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
