package mcpmgr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

const waitFor = 5 * time.Second

// fakeTransport is a scripted backend: the test goroutine reads what the
// session sent and writes responses and notifications back.
type fakeTransport struct {
	toGateway   chan jsonrpc.Message
	fromGateway chan jsonrpc.Message
	closed      chan struct{}
	closeOnce   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		toGateway:   make(chan jsonrpc.Message, 64),
		fromGateway: make(chan jsonrpc.Message, 64),
		closed:      make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case f.fromGateway <- msg:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Receive(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-f.toGateway:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// next returns the next frame the session sent.
func (f *fakeTransport) next(t *testing.T) *jsonrpc.Request {
	t.Helper()
	select {
	case msg := <-f.fromGateway:
		req, ok := msg.(*jsonrpc.Request)
		require.True(t, ok, "expected request, got %T", msg)
		return req
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame from the session")
		return nil
	}
}

// expect skips frames until one with method arrives.
func (f *fakeTransport) expect(t *testing.T, method string) *jsonrpc.Request {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-f.fromGateway:
			if req, ok := msg.(*jsonrpc.Request); ok && req.Method == method {
				return req
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", method)
			return nil
		}
	}
}

func (f *fakeTransport) reply(t *testing.T, req *jsonrpc.Request, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	f.toGateway <- &jsonrpc.Response{ID: req.ID, Result: raw}
}

func (f *fakeTransport) replyError(t *testing.T, req *jsonrpc.Request, code int64, message string) {
	t.Helper()
	resp, err := errorResponse(req.ID, code, message)
	require.NoError(t, err)
	f.toGateway <- resp
}

func (f *fakeTransport) notify(t *testing.T, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	f.toGateway <- &jsonrpc.Request{Method: method, Params: raw}
}

func (f *fakeTransport) request(t *testing.T, id any, method string) {
	t.Helper()
	jid, err := jsonrpc.MakeID(id)
	require.NoError(t, err)
	f.toGateway <- &jsonrpc.Request{ID: jid, Method: method, Params: json.RawMessage(`{}`)}
}

func toolList(names ...string) map[string]any {
	tools := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tools = append(tools, map[string]any{
			"name":        name,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	return map[string]any{"tools": tools}
}

// handshake plays the backend side of initialize and the tool listing.
func (f *fakeTransport) handshake(t *testing.T, tools ...string) {
	t.Helper()
	init := f.expect(t, "initialize")
	f.reply(t, init, map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo":      map[string]any{"name": "fake", "version": "0.0.1"},
		"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
	})
	f.expect(t, "notifications/initialized")
	list := f.expect(t, "tools/list")
	f.reply(t, list, toolList(tools...))
}

// fakeDialer hands out queued transports in order and fails when none are
// queued.
type fakeDialer struct {
	mu     sync.Mutex
	queue  []BackendTransport
	dialed int
}

func (d *fakeDialer) push(t BackendTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, t)
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed
}

func (d *fakeDialer) dial(_ context.Context, desc registry.BackendDescriptor) (BackendTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed++
	if len(d.queue) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	return t, nil
}

func descriptor(ns string, retries int) registry.BackendDescriptor {
	return registry.BackendDescriptor{
		Namespace: ns,
		Transport: registry.TransportInProc,
		Adapter:   "test",
		Restart:   registry.RestartPolicy{MaxRetries: retries, Backoff: time.Millisecond},
	}
}

// logRecorder keeps every log message for assertions.
type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, rec.Message)
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) has(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.msgs, msg)
}

func stopManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitFor, 5*time.Millisecond,
		"%s never reached %s (now %s)", s.Namespace(), want, s.State())
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

func callAsync(ctx context.Context, s *Session, method string, params any, progress ProgressFunc) <-chan callOutcome {
	out := make(chan callOutcome, 1)
	go func() {
		res, err := s.Call(ctx, method, params, progress)
		out <- callOutcome{result: res, err: err}
	}()
	return out
}

func awaitOutcome(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitFor):
		t.Fatal("call did not complete")
		return callOutcome{}
	}
}
