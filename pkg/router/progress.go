package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

// Sink receives the progress notifications relayed to a client.
// *mcp.ServerSession satisfies it.
type Sink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// Progress asks the router to relay backend progress for one call to Sink,
// tagged with the client's Token.
type Progress struct {
	Token any
	Sink  Sink
}

// relay forwards progress for a single call in arrival order until closed.
type relay struct {
	ctx    context.Context
	sink   Sink
	token  any
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	sent   int
}

func newRelay(ctx context.Context, p *Progress, logger *slog.Logger) *relay {
	if p == nil || p.Sink == nil {
		return nil
	}
	token, ok := normalizeProgressToken(p.Token)
	if !ok {
		if p.Token != nil {
			logger.Warn("router: progress token unsupported", "token", p.Token)
		}
		return nil
	}
	return &relay{ctx: ctx, sink: p.Sink, token: token, logger: logger}
}

func (r *relay) forward(p mcpmgr.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	err := r.sink.NotifyProgress(r.ctx, &mcp.ProgressNotificationParams{
		ProgressToken: r.token,
		Progress:      p.Progress,
		Total:         p.Total,
		Message:       p.Message,
	})
	if err != nil {
		r.logger.Debug("router: relay progress", "token", r.token, "error", err)
		return
	}
	r.sent++
}

// close ends the stream and reports how many notifications went out. Later
// progress is dropped.
func (r *relay) close() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.sent
}

// callback returns the session-level progress hook, or nil when there is no
// relay.
func (r *relay) callback() mcpmgr.ProgressFunc {
	if r == nil {
		return nil
	}
	return r.forward
}

// normalizeProgressToken canonicalizes a client token to a string or int64,
// the two forms MCP allows.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return nil, false
	}
}
