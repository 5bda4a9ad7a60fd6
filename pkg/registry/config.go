package registry

// Config is the declarative gateway configuration as read from disk. Backends
// may be listed explicitly under Backends or in the canonical mcpServers map
// shared by desktop MCP clients; both forms can be mixed.
type Config struct {
	Gateway    GatewayConfig        `json:"gateway" yaml:"gateway" toml:"gateway"`
	Backends   []BackendConfig      `json:"backends" yaml:"backends" toml:"backends"`
	MCPServers map[string]MCPServer `json:"mcpServers" yaml:"mcpServers" toml:"mcpServers"`
}

// GatewayConfig holds the settings of the outward-facing endpoint. Durations
// are integer milliseconds; zero selects the gateway default.
type GatewayConfig struct {
	Name             string   `json:"name" yaml:"name" toml:"name"`
	Version          string   `json:"version" yaml:"version" toml:"version"`
	Transport        string   `json:"transport" yaml:"transport" toml:"transport"`
	Addr             string   `json:"addr" yaml:"addr" toml:"addr"`
	Path             string   `json:"path" yaml:"path" toml:"path"`
	AdminAddr        string   `json:"adminAddr" yaml:"adminAddr" toml:"adminAddr"`
	AllowedOrigins   []string `json:"allowedOrigins" yaml:"allowedOrigins" toml:"allowedOrigins"`
	CallTimeoutMs    int      `json:"callTimeoutMs" yaml:"callTimeoutMs" toml:"callTimeoutMs"`
	StartupTimeoutMs int      `json:"startupTimeoutMs" yaml:"startupTimeoutMs" toml:"startupTimeoutMs"`
	ShutdownGraceMs  int      `json:"shutdownGraceMs" yaml:"shutdownGraceMs" toml:"shutdownGraceMs"`
	HealthIntervalMs int      `json:"healthIntervalMs" yaml:"healthIntervalMs" toml:"healthIntervalMs"`
}

// BackendConfig is one entry of the backends list.
type BackendConfig struct {
	Namespace         string            `json:"namespace" yaml:"namespace" toml:"namespace"`
	Transport         string            `json:"transport" yaml:"transport" toml:"transport"`
	Command           string            `json:"command" yaml:"command" toml:"command"`
	Args              []string          `json:"args" yaml:"args" toml:"args"`
	Env               map[string]string `json:"env" yaml:"env" toml:"env"`
	Address           string            `json:"address" yaml:"address" toml:"address"`
	Headers           map[string]string `json:"headers" yaml:"headers" toml:"headers"`
	PreferSSE         bool              `json:"preferSSE" yaml:"preferSSE" toml:"preferSSE"`
	Adapter           string            `json:"adapter" yaml:"adapter" toml:"adapter"`
	Options           map[string]string `json:"options" yaml:"options" toml:"options"`
	MaxRetries        *int              `json:"maxRetries" yaml:"maxRetries" toml:"maxRetries"`
	BackoffMs         *int              `json:"backoffMs" yaml:"backoffMs" toml:"backoffMs"`
	TimeoutMs         *int              `json:"timeoutMs" yaml:"timeoutMs" toml:"timeoutMs"`
	IncludeTools      []string          `json:"includeTools" yaml:"includeTools" toml:"includeTools"`
	IncludeToolsRegex []string          `json:"includeToolsRegex" yaml:"includeToolsRegex" toml:"includeToolsRegex"`
}

// MCPServer follows the canonical JSON shape used by MCP desktop clients:
//
//	{
//	  "mcpServers": {
//	    "github": {"type": "http", "url": "https://api.githubcopilot.com/mcp/"},
//	    "files":  {"command": "npx", "args": ["@modelcontextprotocol/server-filesystem", "/tmp"]}
//	  }
//	}
type MCPServer struct {
	Type         string            `json:"type" yaml:"type" toml:"type"`
	URL          string            `json:"url" yaml:"url" toml:"url"`
	Headers      map[string]string `json:"headers" yaml:"headers" toml:"headers"`
	Command      string            `json:"command" yaml:"command" toml:"command"`
	Args         []string          `json:"args" yaml:"args" toml:"args"`
	Env          map[string]string `json:"env" yaml:"env" toml:"env"`
	IncludeTools []string          `json:"includeTools" yaml:"includeTools" toml:"includeTools"`
}

func (s MCPServer) backendConfig(name string) BackendConfig {
	bc := BackendConfig{
		Namespace:    name,
		Command:      s.Command,
		Args:         s.Args,
		Env:          s.Env,
		Address:      s.URL,
		Headers:      s.Headers,
		IncludeTools: s.IncludeTools,
	}
	switch s.Type {
	case "http", "streamable-http", "streamableHttp":
		bc.Transport = string(TransportStreamingHTTP)
	case "sse":
		bc.Transport = string(TransportStreamingHTTP)
		bc.PreferSSE = true
	case "stdio":
		bc.Transport = string(TransportPipe)
	default:
		bc.Transport = s.Type
	}
	return bc
}
