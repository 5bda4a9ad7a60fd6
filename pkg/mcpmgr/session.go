package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"

	"github.com/vikashloomba/mcp-gateway-go/pkg/metrics"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// ProtocolVersion is the MCP revision offered during the handshake.
const ProtocolVersion = "2025-06-18"

const (
	progressBuffer = 64
	maxBadFrames   = 8
	maxListPages   = 100
)

var errRestartRequested = errors.New("mcpmgr: restart requested")

// Progress is one progress notification relayed to the caller of Call.
type Progress struct {
	Progress float64
	Total    float64
	Message  string
}

// ProgressFunc receives progress for a single call, in order, on the calling
// goroutine. It is never invoked after Call returns.
type ProgressFunc func(Progress)

// Capabilities is what a backend advertised during its last handshake or
// capability refresh.
type Capabilities struct {
	Tools             []*mcp.Tool
	Prompts           []*mcp.Prompt
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
	// Subscribe reports support for resources/subscribe.
	Subscribe bool
}

// Snapshot is an immutable view of a session. Revision increases whenever
// the capabilities are replaced.
type Snapshot struct {
	Namespace    string
	Transport    registry.Transport
	Target       string
	State        State
	Revision     uint64
	Capabilities Capabilities
	ServerInfo   *mcp.Implementation
	PID          int
	Attempts     int
	Restarts     int
	LastError    string
	Since        time.Time
}

// InFlight describes a request awaiting the backend's response.
type InFlight struct {
	ID      int64
	Method  string
	Client  string
	Started time.Time
}

type clientRefKey struct{}

// WithClientRef tags ctx with the client on whose behalf calls are made. The
// reference shows up in InFlight.
func WithClientRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, clientRefKey{}, ref)
}

func clientRef(ctx context.Context) string {
	ref, _ := ctx.Value(clientRefKey{}).(string)
	return ref
}

type sessionConfig struct {
	logger           *slog.Logger
	client           *mcp.Implementation
	dial             DialFunc
	healthInterval   time.Duration
	handshakeTimeout time.Duration
	metrics          *metrics.Metrics
	onChange         func(Snapshot)
	onResource       func(namespace, uri string)
}

// Session supervises one backend. A single goroutine owns the transport, the
// pending-request table, and the lifecycle; everything else talks to it
// through channels and reads the published Snapshot.
type Session struct {
	desc registry.BackendDescriptor
	cfg  sessionConfig
	log  *slog.Logger

	calls    chan *call
	abandons chan *call
	restarts chan struct{}
	queries  chan chan []InFlight

	snap atomic.Pointer[Snapshot]

	startOnce  sync.Once
	stopOnce   sync.Once
	settleOnce sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	settled    chan struct{}
}

func newSession(desc registry.BackendDescriptor, cfg sessionConfig) *Session {
	s := &Session{
		desc:     desc,
		cfg:      cfg,
		log:      cfg.logger.With("backend", desc.Namespace),
		calls:    make(chan *call),
		abandons: make(chan *call),
		restarts: make(chan struct{}, 1),
		queries:  make(chan chan []InFlight),
		done:     make(chan struct{}),
		settled:  make(chan struct{}),
	}
	s.snap.Store(&Snapshot{
		Namespace: desc.Namespace,
		Transport: desc.Transport,
		Target:    desc.Target(),
		State:     StateStarting,
		Since:     time.Now(),
	})
	return s
}

// Namespace returns the backend namespace.
func (s *Session) Namespace() string { return s.desc.Namespace }

// Descriptor returns the descriptor the session was built from.
func (s *Session) Descriptor() registry.BackendDescriptor { return s.desc }

// Snapshot returns the latest published view of the session.
func (s *Session) Snapshot() Snapshot { return *s.snap.Load() }

// State is shorthand for Snapshot().State.
func (s *Session) State() State { return s.snap.Load().State }

// Settled is closed once the session first reaches Ready or Dead.
func (s *Session) Settled() <-chan struct{} { return s.settled }

// Done is closed after Stop once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the session goroutine. Only the first call has an effect.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(ctx)
	})
}

// Stop closes the transport, fails pending calls with ErrBackendDisconnected
// and leaves the session Dead. It waits for the session goroutine or ctx.
func (s *Session) Stop(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.publish(func(sn *Snapshot) { sn.State = StateDead })
		s.settle()
		close(s.done)
	})
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart asks the session to reconnect with a fresh retry budget. It is the
// only way out of Dead; on a live session it forces a reconnect.
func (s *Session) Restart() error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %s is stopped", ErrSessionUnavailable, s.desc.Namespace)
	default:
	}
	select {
	case s.restarts <- struct{}{}:
	default:
	}
	return nil
}

// InFlight lists the calls currently awaiting a backend response.
func (s *Session) InFlight() []InFlight {
	reply := make(chan []InFlight, 1)
	select {
	case s.queries <- reply:
		return <-reply
	case <-s.done:
		return nil
	}
}

// Call sends method with params to the backend and waits for the result.
// When onProgress is non-nil a progress token is attached to the request and
// the backend's progress notifications are delivered to onProgress before
// Call returns. Cancelling ctx abandons the request and tells the backend.
func (s *Session) Call(ctx context.Context, method string, params any, onProgress ProgressFunc) (json.RawMessage, error) {
	if st := s.State(); st != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionUnavailable, s.desc.Namespace, st)
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	c := newCall(method, raw)
	c.client = clientRef(ctx)
	if onProgress != nil {
		c.token = uuid.NewString()
		c.progress = make(chan Progress, progressBuffer)
		if c.params, err = withProgressToken(raw, c.token); err != nil {
			return nil, err
		}
	}
	return s.do(ctx, c, onProgress)
}

// Notify sends a notification to a Ready backend.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if st := s.State(); st != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrSessionUnavailable, s.desc.Namespace, st)
	}
	return s.notify(ctx, method, params)
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	c := newCall(method, raw)
	c.internal = true
	c.notification = true
	_, err = s.do(ctx, c, nil)
	return err
}

func (s *Session) internalCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	c := newCall(method, raw)
	c.internal = true
	return s.do(ctx, c, nil)
}

func (s *Session) do(ctx context.Context, c *call, onProgress ProgressFunc) (json.RawMessage, error) {
	select {
	case s.calls <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("%w: %s is stopped", ErrSessionUnavailable, s.desc.Namespace)
	}
	for {
		select {
		case p := <-c.progress:
			onProgress(p)
		case r := <-c.resp:
			for drained := false; !drained; {
				select {
				case p := <-c.progress:
					onProgress(p)
				default:
					drained = true
				}
			}
			return r.result, r.err
		case <-ctx.Done():
			c.abandoned.Store(true)
			// A torn down connection fails every pending call, which
			// settles c without the session goroutine.
			select {
			case s.abandons <- c:
			case <-c.resp:
			case <-s.done:
			}
			return nil, ctx.Err()
		case <-s.done:
			select {
			case r := <-c.resp:
				return r.result, r.err
			default:
				return nil, ErrBackendDisconnected
			}
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	lc := newLifecycle(s.desc.Restart)
	for {
		lc.begin()
		s.publish(func(sn *Snapshot) {
			sn.State = StateStarting
			sn.Attempts = lc.attempts
		})
		s.log.Info("mcpmgr: starting backend", "attempt", lc.attempts, "target", s.desc.Target())

		err := s.serve(ctx, lc)
		if ctx.Err() != nil {
			lc.stop()
			s.publish(func(sn *Snapshot) {
				sn.State = StateDead
				sn.LastError = "stopped"
				sn.clear()
			})
			s.settle()
			s.log.Info("mcpmgr: backend stopped")
			return
		}
		if errors.Is(err, errRestartRequested) {
			s.log.Info("mcpmgr: restarting backend on request")
			lc.reset()
			continue
		}

		delay, retry := lc.fail()
		s.publish(func(sn *Snapshot) {
			sn.State = lc.state
			sn.LastError = err.Error()
			sn.Restarts = lc.restarts
			sn.clear()
		})
		if !retry {
			s.log.Error("mcpmgr: backend dead, retries exhausted", "error", err, "attempts", lc.attempts)
			s.settle()
		} else {
			s.log.Warn("mcpmgr: backend failed, retrying", "error", err, "delay", delay)
			s.cfg.metrics.BackendRestarted(s.desc.Namespace)
		}

		switch s.idle(ctx, delay, retry) {
		case idleStopped:
			lc.stop()
			s.publish(func(sn *Snapshot) { sn.State = StateDead })
			s.settle()
			return
		case idleRestart:
			lc.reset()
		}
	}
}

type idleResult int

const (
	idleElapsed idleResult = iota
	idleRestart
	idleStopped
)

// idle waits out a backoff delay, or until Restart when the session is dead,
// failing calls that arrive meanwhile.
func (s *Session) idle(ctx context.Context, delay time.Duration, timed bool) idleResult {
	var timer <-chan time.Time
	if timed {
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return idleStopped
		case <-s.restarts:
			return idleRestart
		case <-timer:
			return idleElapsed
		case c := <-s.calls:
			c.finish(nil, fmt.Errorf("%w: %s is %s", ErrSessionUnavailable, s.desc.Namespace, s.State()))
		case <-s.abandons:
		case reply := <-s.queries:
			reply <- nil
		}
	}
}

type handshakeResult struct {
	info       *mcp.Implementation
	advertised *mcp.ServerCapabilities
	caps       Capabilities
	err        error
}

type refreshResult struct {
	caps Capabilities
	err  error
}

// serve runs one connection from dial to failure. It returns when the
// transport fails, the handshake fails, a health check fails, Restart is
// requested, or ctx is cancelled.
func (s *Session) serve(ctx context.Context, lc *lifecycle) error {
	t, err := s.cfg.dial(ctx, s.desc)
	if err != nil {
		return fmt.Errorf("mcpmgr: dial %s: %w", s.desc.Namespace, err)
	}
	pid := 0
	if p, ok := t.(interface{ PID() int }); ok {
		pid = p.PID()
	}
	s.publish(func(sn *Snapshot) { sn.PID = pid })

	connCtx, connCancel := context.WithCancel(ctx)
	c := &conn{t: t, pending: make(map[int64]*call), tokens: make(map[string]int64)}
	frames := make(chan jsonrpc.Message)
	readErr := make(chan error, 1)
	handshake := make(chan handshakeResult, 1)
	refreshed := make(chan refreshResult, 1)
	pinged := make(chan error, 1)

	var wg sync.WaitGroup
	defer func() {
		connCancel()
		if err := t.Close(); err != nil {
			s.log.Debug("mcpmgr: close transport", "error", err)
		}
		c.failAll(ErrBackendDisconnected)
		s.cfg.metrics.SetInFlight(s.desc.Namespace, 0)
		s.awaitHelpers(&wg)
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.read(connCtx, t, frames, readErr)
	}()
	go func() {
		defer wg.Done()
		hctx, cancel := context.WithTimeout(connCtx, s.cfg.handshakeTimeout)
		defer cancel()
		handshake <- s.handshake(hctx)
	}()

	var (
		ready          bool
		refreshing     bool
		refreshPending bool
		pinging        bool
		tick           <-chan time.Time
		advertised     *mcp.ServerCapabilities
	)
	startRefresh := func() {
		if refreshing {
			refreshPending = true
			return
		}
		refreshing = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(connCtx, s.cfg.handshakeTimeout)
			defer cancel()
			caps, err := s.listAll(rctx, advertised)
			refreshed <- refreshResult{caps: caps, err: err}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.restarts:
			return errRestartRequested

		case reply := <-s.queries:
			reply <- c.inflight()

		case call := <-s.calls:
			if call.abandoned.Load() {
				continue
			}
			if !ready && !call.internal {
				call.finish(nil, fmt.Errorf("%w: %s is %s", ErrSessionUnavailable, s.desc.Namespace, StateStarting))
				continue
			}
			if err := c.send(connCtx, call); err != nil {
				call.finish(nil, fmt.Errorf("%w: %v", ErrBackendDisconnected, err))
				return fmt.Errorf("%w: write: %v", ErrBackendDisconnected, err)
			}
			s.cfg.metrics.SetInFlight(s.desc.Namespace, len(c.pending))

		case call := <-s.abandons:
			if c.abandon(connCtx, call, s.log) {
				s.cfg.metrics.SetInFlight(s.desc.Namespace, len(c.pending))
			}

		case msg := <-frames:
			if s.onMessage(connCtx, c, msg) {
				if ready {
					startRefresh()
				} else {
					refreshPending = true
				}
			}
			s.cfg.metrics.SetInFlight(s.desc.Namespace, len(c.pending))

		case err := <-readErr:
			return fmt.Errorf("%w: %v", ErrBackendDisconnected, err)

		case r := <-handshake:
			if r.err != nil {
				return fmt.Errorf("mcpmgr: handshake with %s: %w", s.desc.Namespace, r.err)
			}
			ready = true
			advertised = r.advertised
			lc.ready()
			s.publish(func(sn *Snapshot) {
				sn.State = StateReady
				sn.ServerInfo = r.info
				sn.Capabilities = r.caps
				sn.Revision++
				sn.LastError = ""
			})
			s.settle()
			s.log.Info("mcpmgr: backend ready",
				"tools", len(r.caps.Tools),
				"prompts", len(r.caps.Prompts),
				"resources", len(r.caps.Resources),
				"templates", len(r.caps.ResourceTemplates))
			if s.cfg.healthInterval > 0 {
				ticker := time.NewTicker(s.cfg.healthInterval)
				defer ticker.Stop()
				tick = ticker.C
			}
			if refreshPending {
				refreshPending = false
				startRefresh()
			}

		case r := <-refreshed:
			refreshing = false
			if r.err != nil {
				s.log.Warn("mcpmgr: capability refresh failed", "error", r.err)
			} else {
				s.publish(func(sn *Snapshot) {
					sn.Capabilities = r.caps
					sn.Revision++
				})
				s.log.Info("mcpmgr: capabilities refreshed", "tools", len(r.caps.Tools))
			}
			if refreshPending {
				refreshPending = false
				startRefresh()
			}

		case <-tick:
			if pinging {
				continue
			}
			pinging = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				pctx, cancel := context.WithTimeout(connCtx, s.cfg.healthInterval)
				defer cancel()
				_, err := s.internalCall(pctx, "ping", struct{}{})
				select {
				case pinged <- err:
				case <-connCtx.Done():
				}
			}()

		case err := <-pinged:
			pinging = false
			if err != nil {
				return fmt.Errorf("%w: health check: %v", ErrBackendDisconnected, err)
			}
		}
	}
}

// awaitHelpers waits for the connection's goroutines while still serving the
// channels they or other callers may block on.
func (s *Session) awaitHelpers(wg *sync.WaitGroup) {
	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()
	for {
		select {
		case <-exited:
			return
		case c := <-s.calls:
			c.finish(nil, fmt.Errorf("%w: %s is disconnecting", ErrSessionUnavailable, s.desc.Namespace))
		case <-s.abandons:
		case reply := <-s.queries:
			reply <- nil
		}
	}
}

func (s *Session) read(ctx context.Context, t BackendTransport, frames chan<- jsonrpc.Message, errs chan<- error) {
	bad := 0
	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !isTerminal(err) && bad < maxBadFrames {
				bad++
				s.log.Warn("mcpmgr: dropping malformed frame", "error", err)
				continue
			}
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		bad = 0
		select {
		case frames <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// onMessage handles one inbound frame on the session goroutine. It reports
// whether the backend announced a capability change.
func (s *Session) onMessage(ctx context.Context, c *conn, msg jsonrpc.Message) (listChanged bool) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		id, _ := m.ID.Raw().(int64)
		call, ok := c.pending[id]
		if !ok {
			s.log.Debug("mcpmgr: discarding late response", "id", m.ID.Raw())
			return false
		}
		c.remove(call)
		if m.Error != nil {
			call.finish(nil, backendError(m))
		} else {
			call.finish(m.Result, nil)
		}
		return false

	case *jsonrpc.Request:
		if m.ID.IsValid() {
			s.answer(ctx, c, m)
			return false
		}
		switch m.Method {
		case "notifications/progress":
			c.routeProgress(m.Params, s.log)
		case "notifications/tools/list_changed",
			"notifications/prompts/list_changed",
			"notifications/resources/list_changed":
			s.log.Debug("mcpmgr: list changed", "method", m.Method)
			return true
		case "notifications/resources/updated":
			uri := gjson.GetBytes(m.Params, "uri").String()
			if uri != "" && s.cfg.onResource != nil {
				s.cfg.onResource(s.desc.Namespace, uri)
			}
		case "notifications/message":
			s.logBackendMessage(m.Params)
		default:
			s.log.Debug("mcpmgr: ignoring notification", "method", m.Method)
		}
		return false

	default:
		s.log.Warn("mcpmgr: dropping unexpected frame", "type", fmt.Sprintf("%T", msg))
		return false
	}
}

// answer replies to a backend-initiated request. Only ping is supported; the
// gateway offers no client capabilities such as sampling or elicitation.
func (s *Session) answer(ctx context.Context, c *conn, req *jsonrpc.Request) {
	var (
		resp jsonrpc.Message
		err  error
	)
	if req.Method == "ping" {
		resp = &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{}`)}
	} else {
		s.log.Debug("mcpmgr: rejecting backend request", "method", req.Method)
		resp, err = errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
	if err == nil {
		err = c.t.Send(ctx, resp)
	}
	if err != nil {
		s.log.Warn("mcpmgr: answer backend request", "method", req.Method, "error", err)
	}
}

func (s *Session) logBackendMessage(params json.RawMessage) {
	level := slog.LevelInfo
	switch gjson.GetBytes(params, "level").String() {
	case "debug":
		level = slog.LevelDebug
	case "notice", "info":
	case "warning":
		level = slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		level = slog.LevelError
	}
	s.log.Log(context.Background(), level, "mcpmgr: backend log",
		"logger", gjson.GetBytes(params, "logger").String(),
		"data", gjson.GetBytes(params, "data").Raw)
}

func (s *Session) handshake(ctx context.Context) handshakeResult {
	raw, err := s.internalCall(ctx, "initialize", &mcp.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      s.cfg.client,
		Capabilities:    &mcp.ClientCapabilities{},
	})
	if err != nil {
		return handshakeResult{err: err}
	}
	var init mcp.InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return handshakeResult{err: fmt.Errorf("decode initialize result: %w", err)}
	}
	if err := s.notify(ctx, "notifications/initialized", struct{}{}); err != nil {
		return handshakeResult{err: err}
	}
	caps, err := s.listAll(ctx, init.Capabilities)
	if err != nil {
		return handshakeResult{err: err}
	}
	return handshakeResult{info: init.ServerInfo, advertised: init.Capabilities, caps: caps}
}

// listAll fetches every capability list. When advertised is non-nil only the
// advertised kinds are listed; method-not-found yields an empty list.
func (s *Session) listAll(ctx context.Context, advertised *mcp.ServerCapabilities) (Capabilities, error) {
	var caps Capabilities
	if advertised != nil && advertised.Resources != nil {
		caps.Subscribe = advertised.Resources.Subscribe
	}
	var err error
	if advertised == nil || advertised.Tools != nil {
		if caps.Tools, err = listPaged[*mcp.Tool](ctx, s, "tools/list", "tools"); err != nil {
			return Capabilities{}, err
		}
	}
	if advertised == nil || advertised.Prompts != nil {
		if caps.Prompts, err = listPaged[*mcp.Prompt](ctx, s, "prompts/list", "prompts"); err != nil {
			return Capabilities{}, err
		}
	}
	if advertised == nil || advertised.Resources != nil {
		if caps.Resources, err = listPaged[*mcp.Resource](ctx, s, "resources/list", "resources"); err != nil {
			return Capabilities{}, err
		}
		if caps.ResourceTemplates, err = listPaged[*mcp.ResourceTemplate](ctx, s, "resources/templates/list", "resourceTemplates"); err != nil {
			return Capabilities{}, err
		}
	}
	return caps, nil
}

func listPaged[T any](ctx context.Context, s *Session, method, key string) ([]T, error) {
	var (
		out    []T
		cursor string
	)
	for range maxListPages {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := s.internalCall(ctx, method, params)
		if err != nil {
			if IsMethodNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		if items := gjson.GetBytes(raw, key); items.IsArray() {
			var page []T
			if err := json.Unmarshal([]byte(items.Raw), &page); err != nil {
				return nil, fmt.Errorf("%s: decode %s: %w", method, key, err)
			}
			out = append(out, page...)
		}
		cursor = gjson.GetBytes(raw, "nextCursor").String()
		if cursor == "" {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%s: more than %d pages", method, maxListPages)
}

// publish replaces the snapshot. Only the session goroutine calls it once
// the session has started.
func (s *Session) publish(update func(*Snapshot)) {
	prev := s.snap.Load()
	next := *prev
	update(&next)
	if next.State != prev.State {
		next.Since = time.Now()
	}
	s.snap.Store(&next)

	if next.State != prev.State {
		s.cfg.metrics.SetBackendState(s.desc.Namespace, next.State.String(), stateNames())
	}
	if s.cfg.onChange != nil && (next.State != prev.State || next.Revision != prev.Revision) {
		s.cfg.onChange(next)
	}
}

func (s *Session) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

func (sn *Snapshot) clear() {
	if len(sn.Capabilities.Tools)+len(sn.Capabilities.Prompts)+len(sn.Capabilities.Resources)+len(sn.Capabilities.ResourceTemplates) > 0 {
		sn.Revision++
	}
	sn.Capabilities = Capabilities{}
	sn.PID = 0
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, st := range AllStates {
		names[i] = st.String()
	}
	return names
}

type callResult struct {
	result json.RawMessage
	err    error
}

type call struct {
	method       string
	params       json.RawMessage
	internal     bool
	notification bool
	client       string
	token        string
	progress     chan Progress
	resp         chan callResult
	abandoned    atomic.Bool

	// Owned by the session goroutine.
	id      int64
	started time.Time
}

func newCall(method string, params json.RawMessage) *call {
	return &call{method: method, params: params, resp: make(chan callResult, 1)}
}

func (c *call) finish(result json.RawMessage, err error) {
	select {
	case c.resp <- callResult{result: result, err: err}:
	default:
	}
}

// conn is the per-connection state owned by the session goroutine.
type conn struct {
	t       BackendTransport
	nextID  int64
	pending map[int64]*call
	tokens  map[string]int64
}

func (c *conn) send(ctx context.Context, call *call) error {
	if call.notification {
		err := c.t.Send(ctx, &jsonrpc.Request{Method: call.method, Params: call.params})
		call.finish(nil, err)
		return err
	}
	c.nextID++
	id, err := jsonrpc.MakeID(float64(c.nextID))
	if err != nil {
		return err
	}
	call.id = c.nextID
	call.started = time.Now()
	c.pending[call.id] = call
	if call.token != "" {
		c.tokens[call.token] = call.id
	}
	if err := c.t.Send(ctx, &jsonrpc.Request{ID: id, Method: call.method, Params: call.params}); err != nil {
		c.remove(call)
		return err
	}
	return nil
}

func (c *conn) remove(call *call) {
	delete(c.pending, call.id)
	if call.token != "" {
		delete(c.tokens, call.token)
	}
}

// abandon drops call from the pending table and tells the backend to stop
// working on it. It reports whether the call was still pending.
func (c *conn) abandon(ctx context.Context, call *call, log *slog.Logger) bool {
	if call.id == 0 || c.pending[call.id] != call {
		return false
	}
	c.remove(call)
	params, _ := json.Marshal(map[string]any{"requestId": call.id, "reason": "request abandoned by gateway"})
	if err := c.t.Send(ctx, &jsonrpc.Request{Method: "notifications/cancelled", Params: params}); err != nil {
		log.Debug("mcpmgr: send cancellation", "id", call.id, "error", err)
	}
	log.Debug("mcpmgr: abandoned request", "id", call.id, "method", call.method)
	return true
}

func (c *conn) routeProgress(params json.RawMessage, log *slog.Logger) {
	token := gjson.GetBytes(params, "progressToken").String()
	call, ok := c.pending[c.tokens[token]]
	if !ok || call.progress == nil {
		log.Debug("mcpmgr: progress for unknown token", "token", token)
		return
	}
	p := Progress{
		Progress: gjson.GetBytes(params, "progress").Float(),
		Total:    gjson.GetBytes(params, "total").Float(),
		Message:  gjson.GetBytes(params, "message").String(),
	}
	select {
	case call.progress <- p:
	default:
		log.Debug("mcpmgr: progress buffer full, dropping update", "id", call.id)
	}
}

func (c *conn) failAll(err error) {
	for id, call := range c.pending {
		call.finish(nil, err)
		delete(c.pending, id)
	}
	clear(c.tokens)
}

func (c *conn) inflight() []InFlight {
	out := make([]InFlight, 0, len(c.pending))
	for _, call := range c.pending {
		out = append(out, InFlight{ID: call.id, Method: call.method, Client: call.client, Started: call.started})
	}
	return out
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcpmgr: encode params: %w", err)
		}
		return raw, nil
	}
}

func withProgressToken(params json.RawMessage, token string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, fmt.Errorf("mcpmgr: params must be an object: %w", err)
		}
	}
	meta := map[string]any{}
	if raw, ok := fields["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("mcpmgr: decode _meta: %w", err)
		}
	}
	meta["progressToken"] = token
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	fields["_meta"] = encoded
	return json.Marshal(fields)
}

func backendError(resp *jsonrpc.Response) error {
	data, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		return &BackendError{Code: CodeInternalError, Message: resp.Error.Error()}
	}
	e := gjson.GetBytes(data, "error")
	return &BackendError{Code: e.Get("code").Int(), Message: e.Get("message").String()}
}

func errorResponse(id jsonrpc.ID, code int64, message string) (jsonrpc.Message, error) {
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error":   map[string]any{"code": code, "message": message},
	})
	if err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(raw)
}
