package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/adapters"
	"github.com/vikashloomba/mcp-gateway-go/pkg/catalog"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/metrics"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// Client-facing transports.
const (
	TransportStreamingHTTP = "streaming-http"
	TransportStdio         = "stdio"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Transport selects how clients connect: TransportStreamingHTTP (default)
	// or TransportStdio.
	Transport string
	// Addr is the listen address of the Streamable HTTP endpoint. Defaults to
	// ":8700".
	Addr string
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// AdminAddr enables the admin HTTP server when non-empty.
	AdminAddr string
	// AllowedOrigins enables CORS for browser clients when non-empty.
	AllowedOrigins []string
	// CallTimeout is the default per-call timeout; backends may override it.
	CallTimeout time.Duration
	// StartupTimeout bounds the wait for every backend to become Ready or Dead.
	StartupTimeout time.Duration
	// ShutdownGrace bounds the drain of in-flight requests on shutdown.
	ShutdownGrace time.Duration
	// HealthInterval is the backend ping period; zero disables pinging.
	HealthInterval time.Duration
	// Namespace customizes how backend names and URIs are exposed to clients.
	// Defaults to catalog.PrefixNamespace.
	Namespace catalog.Namespace
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Adapters resolves inproc backends. Defaults to adapters.Builtin().
	Adapters *adapters.Registry
	// RPCLogger observes every frame exchanged with backends.
	RPCLogger mcpmgr.RPCLogger
	// Dial replaces the built-in backend transports.
	Dial mcpmgr.DialFunc
	// StdioTransport replaces the process's standard streams when Transport is
	// TransportStdio.
	StdioTransport mcp.Transport
}

const (
	defaultAddr           = ":8700"
	defaultPath           = "/mcp"
	defaultStartupTimeout = 30 * time.Second
	defaultShutdownGrace  = 10 * time.Second
)

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-gateway",
			Title:   "MCP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	switch opts.Transport {
	case "":
		opts.Transport = TransportStreamingHTTP
	case string(registry.TransportPipe):
		opts.Transport = TransportStdio
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Namespace == nil {
		opts.Namespace = catalog.PrefixNamespace{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Adapters == nil {
		opts.Adapters = adapters.Builtin()
	}
	if opts.StdioTransport == nil {
		opts.StdioTransport = &mcp.StdioTransport{}
	}
	return opts
}

// OptionsFromConfig converts the gateway block of a configuration file.
// Fields that are zero keep their defaults.
func OptionsFromConfig(cfg registry.GatewayConfig) Options {
	opts := Options{
		Transport:      cfg.Transport,
		Addr:           cfg.Addr,
		Path:           cfg.Path,
		AdminAddr:      cfg.AdminAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		CallTimeout:    millis(cfg.CallTimeoutMs),
		StartupTimeout: millis(cfg.StartupTimeoutMs),
		ShutdownGrace:  millis(cfg.ShutdownGraceMs),
		HealthInterval: millis(cfg.HealthIntervalMs),
	}
	if cfg.Name != "" || cfg.Version != "" {
		opts.Implementation = &mcp.Implementation{Name: cfg.Name, Version: cfg.Version}
		if opts.Implementation.Name == "" {
			opts.Implementation.Name = "mcp-gateway"
		}
		if opts.Implementation.Version == "" {
			opts.Implementation.Version = "1.0.0"
		}
	}
	return opts
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
