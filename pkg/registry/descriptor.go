package registry

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// Transport identifies how the gateway talks to a backend.
type Transport string

const (
	// TransportPipe launches the backend as a subprocess and speaks MCP over
	// its standard input and output.
	TransportPipe Transport = "pipe"
	// TransportStreamingHTTP dials a remote backend over Streamable HTTP
	// (falling back to SSE when the endpoint prefers it).
	TransportStreamingHTTP Transport = "streaming-http"
	// TransportInProc serves the backend from an adapter compiled into the
	// gateway binary.
	TransportInProc Transport = "inproc"
)

const (
	// DefaultMaxRetries is applied when a backend omits maxRetries.
	DefaultMaxRetries = 3
	// DefaultBackoff is the base delay of the exponential restart backoff.
	DefaultBackoff = 500 * time.Millisecond
)

// RestartPolicy bounds how often a failing backend is relaunched.
type RestartPolicy struct {
	// MaxRetries is the number of retries after the first failed attempt.
	// Zero means a single failure marks the backend dead.
	MaxRetries int
	// Backoff is the initial delay between attempts; it doubles per retry.
	Backoff time.Duration
}

// BackendDescriptor is the validated, immutable description of one backend.
// Exactly one of Command, Address, or Adapter is set, matching Transport.
type BackendDescriptor struct {
	Namespace string
	Transport Transport

	Command string
	Args    []string
	Env     map[string]string

	Address   string
	Headers   map[string]string
	PreferSSE bool

	Adapter string
	Options map[string]string

	Restart RestartPolicy
	// CallTimeout overrides the gateway-wide per-call timeout when positive.
	CallTimeout time.Duration

	tools ToolSelector
}

// Tools returns the include selector applied to the backend's tool list.
func (d BackendDescriptor) Tools() ToolSelector { return d.tools }

// Target renders the launch command, address, or adapter for display.
func (d BackendDescriptor) Target() string {
	switch d.Transport {
	case TransportPipe:
		return strings.Join(append([]string{d.Command}, d.Args...), " ")
	case TransportStreamingHTTP:
		return d.Address
	case TransportInProc:
		return "adapter:" + d.Adapter
	default:
		return ""
	}
}

// IsPipe reports whether d launches a subprocess.
func (d BackendDescriptor) IsPipe() bool { return d.Transport == TransportPipe }

// IsHTTP reports whether d dials a remote endpoint.
func (d BackendDescriptor) IsHTTP() bool { return d.Transport == TransportStreamingHTTP }

// IsInProc reports whether d is served by a built-in adapter.
func (d BackendDescriptor) IsInProc() bool { return d.Transport == TransportInProc }

// ToolSelector filters tools by exact name or RE2 pattern. The zero value
// allows every tool.
type ToolSelector struct {
	include []string
	regexps []*regexp.Regexp
}

// NewToolSelector compiles a selector from exact names and patterns.
func NewToolSelector(include, patterns []string) (ToolSelector, error) {
	sel := ToolSelector{include: slices.Clone(include)}
	for _, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return ToolSelector{}, err
		}
		sel.regexps = append(sel.regexps, re)
	}
	return sel, nil
}

// Allows reports whether tool passes the selector.
func (s ToolSelector) Allows(tool string) bool {
	if len(s.include) == 0 && len(s.regexps) == 0 {
		return true
	}
	if slices.Contains(s.include, tool) {
		return true
	}
	for _, re := range s.regexps {
		if re.MatchString(tool) {
			return true
		}
	}
	return false
}
