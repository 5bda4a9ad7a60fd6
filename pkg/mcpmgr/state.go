package mcpmgr

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// State is the health of a backend session.
type State int

const (
	// StateStarting covers launching or dialing the backend and the MCP
	// handshake.
	StateStarting State = iota
	// StateReady means the handshake completed and the capabilities are known.
	StateReady
	// StateDegraded means the last attempt failed and a retry is scheduled.
	StateDegraded
	// StateDead means the retry budget is exhausted or the session was
	// stopped. Only Restart leaves this state.
	StateDead
)

// AllStates lists every state in order.
var AllStates = []State{StateStarting, StateReady, StateDegraded, StateDead}

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON views.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range AllStates {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("mcpmgr: unknown state %q", text)
}

// lifecycle is the pure restart state machine of one session. It performs no
// I/O; the session goroutine drives it and sleeps for the delays it returns.
type lifecycle struct {
	state    State
	policy   registry.RestartPolicy
	backoff  backoff.BackOff
	attempts int
	restarts int
}

func newLifecycle(policy registry.RestartPolicy) *lifecycle {
	l := &lifecycle{state: StateStarting, policy: policy}
	l.backoff = newBackoff(policy)
	return l
}

func newBackoff(policy registry.RestartPolicy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.Backoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = 30 * time.Second
	if exp.MaxInterval < policy.Backoff {
		exp.MaxInterval = policy.Backoff
	}
	exp.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(exp, uint64(policy.MaxRetries))
	b.Reset()
	return b
}

// begin enters Starting for a new attempt.
func (l *lifecycle) begin() {
	l.state = StateStarting
	l.attempts++
}

// ready records a successful handshake and refills the retry budget.
func (l *lifecycle) ready() {
	l.state = StateReady
	l.backoff.Reset()
}

// fail records a failed attempt or a lost connection. It returns the delay
// before the next attempt, or retry=false when the session is now Dead.
func (l *lifecycle) fail() (delay time.Duration, retry bool) {
	next := l.backoff.NextBackOff()
	if next == backoff.Stop {
		l.state = StateDead
		return 0, false
	}
	l.state = StateDegraded
	l.restarts++
	return next, true
}

// stop moves to Dead unconditionally.
func (l *lifecycle) stop() { l.state = StateDead }

// reset is an operator restart: a fresh budget and a new attempt.
func (l *lifecycle) reset() {
	l.backoff.Reset()
	l.state = StateStarting
}
