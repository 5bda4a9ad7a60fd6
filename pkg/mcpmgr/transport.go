package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/adapters"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// BackendTransport is the framed JSON-RPC stream to one backend. Receive is
// called from a single reader goroutine and Send from the session goroutine;
// Close unblocks both.
type BackendTransport interface {
	Send(ctx context.Context, msg jsonrpc.Message) error
	Receive(ctx context.Context) (jsonrpc.Message, error)
	Close() error
}

// DialFunc opens a fresh transport to the backend described by desc. It is
// called once per start attempt.
type DialFunc func(ctx context.Context, desc registry.BackendDescriptor) (BackendTransport, error)

// Connect opens any go-sdk client transport and adapts the resulting
// connection to BackendTransport.
func Connect(ctx context.Context, t mcp.Transport) (BackendTransport, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &connTransport{conn: conn}, nil
}

type connTransport struct {
	conn    mcp.Connection
	pid     int
	onClose []func() error
}

func (t *connTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	return t.conn.Write(ctx, msg)
}

func (t *connTransport) Receive(ctx context.Context) (jsonrpc.Message, error) {
	return t.conn.Read(ctx)
}

func (t *connTransport) Close() error {
	err := t.conn.Close()
	for _, fn := range t.onClose {
		_ = fn()
	}
	return err
}

// PID reports the backend process id for pipe transports, zero otherwise.
func (t *connTransport) PID() int { return t.pid }

type dialer struct {
	logger     *slog.Logger
	adapters   *adapters.Registry
	httpClient *http.Client
}

func (d *dialer) dial(ctx context.Context, desc registry.BackendDescriptor) (BackendTransport, error) {
	switch desc.Transport {
	case registry.TransportPipe:
		return d.dialPipe(ctx, desc)
	case registry.TransportStreamingHTTP:
		return d.dialHTTP(ctx, desc)
	case registry.TransportInProc:
		return d.dialInProc(ctx, desc)
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported transport %q for %q", desc.Transport, desc.Namespace)
	}
}

func (d *dialer) dialPipe(ctx context.Context, desc registry.BackendDescriptor) (BackendTransport, error) {
	if desc.Command == "" {
		return nil, fmt.Errorf("mcpmgr: command missing for %q", desc.Namespace)
	}
	cmd := exec.Command(desc.Command, desc.Args...)
	if len(desc.Env) > 0 {
		env := os.Environ()
		for k, v := range desc.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Stderr = &stderrLogger{logger: d.logger.With("backend", desc.Namespace)}

	conn, err := (&mcp.CommandTransport{Command: cmd}).Connect(ctx)
	if err != nil {
		return nil, err
	}
	t := &connTransport{conn: conn}
	if cmd.Process != nil {
		t.pid = cmd.Process.Pid
	}
	return t, nil
}

func (d *dialer) dialHTTP(ctx context.Context, desc registry.BackendDescriptor) (BackendTransport, error) {
	if desc.Address == "" {
		return nil, fmt.Errorf("mcpmgr: address missing for %q", desc.Namespace)
	}
	client := decorateHTTPClient(d.httpClient, desc.Headers)

	var streamErr error
	if !shouldPreferSSE(desc) {
		t, err := Connect(ctx, &mcp.StreamableClientTransport{Endpoint: desc.Address, HTTPClient: client})
		if err == nil {
			return t, nil
		}
		streamErr = err
	}
	t, err := Connect(ctx, &mcp.SSEClientTransport{Endpoint: desc.Address, HTTPClient: client})
	if err != nil {
		if streamErr != nil {
			return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
		}
		return nil, err
	}
	return t, nil
}

func (d *dialer) dialInProc(ctx context.Context, desc registry.BackendDescriptor) (BackendTransport, error) {
	factory, ok := d.adapters.Lookup(desc.Adapter)
	if !ok {
		return nil, fmt.Errorf("mcpmgr: unknown adapter %q for %q", desc.Adapter, desc.Namespace)
	}
	server, err := factory(desc.Options, d.logger.With("backend", desc.Namespace))
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: adapter %q: %w", desc.Adapter, err)
	}
	return ConnectServer(ctx, server)
}

// ConnectServer runs server on one end of an in-memory pipe and returns the
// other end. Closing the transport ends the server session.
func ConnectServer(ctx context.Context, server *mcp.Server) (BackendTransport, error) {
	clientSide, serverSide := mcp.NewInMemoryTransports()
	ss, err := server.Connect(context.WithoutCancel(ctx), serverSide, nil)
	if err != nil {
		return nil, err
	}
	conn, err := clientSide.Connect(ctx)
	if err != nil {
		return nil, errors.Join(err, ss.Close())
	}
	return &connTransport{conn: conn, onClose: []func() error{ss.Close}}, nil
}

func shouldPreferSSE(desc registry.BackendDescriptor) bool {
	return desc.PreferSSE || strings.HasSuffix(strings.TrimSpace(desc.Address), "/sse")
}

func decorateHTTPClient(base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 {
		return base
	}
	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		hdr.Set(k, v)
	}
	clone := *base
	clone.Transport = &headerDecorator{next: defaultRoundTripper(base.Transport), headers: hdr}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

type stderrLogger struct {
	logger *slog.Logger
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debug("mcpmgr: backend stderr", "line", line)
		}
	}
	return len(p), nil
}
