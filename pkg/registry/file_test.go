package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const yamlConfig = `
gateway:
  name: test-gateway
  addr: 127.0.0.1:0
  callTimeoutMs: 2000
backends:
  - namespace: search
    command: ${SEARCH_BIN}
    args: ["--stdio"]
  - namespace: files
    adapter: files
    options:
      root: /srv/data
`

func TestReadFileFormats(t *testing.T) {
	t.Setenv("SEARCH_BIN", "/usr/local/bin/search-backend")
	dir := t.TempDir()

	for _, tc := range []struct {
		file    string
		content string
	}{
		{file: "gateway.yaml", content: yamlConfig},
		{file: "gateway.json", content: `{
  "gateway": {"name": "test-gateway", "addr": "127.0.0.1:0", "callTimeoutMs": 2000},
  "backends": [
    {"namespace": "search", "command": "${SEARCH_BIN}", "args": ["--stdio"]},
    {"namespace": "files", "adapter": "files", "options": {"root": "/srv/data"}}
  ]
}`},
		{file: "gateway.toml", content: `
[gateway]
name = "test-gateway"
addr = "127.0.0.1:0"
callTimeoutMs = 2000

[[backends]]
namespace = "search"
command = "${SEARCH_BIN}"
args = ["--stdio"]

[[backends]]
namespace = "files"
adapter = "files"
[backends.options]
root = "/srv/data"
`},
	} {
		t.Run(tc.file, func(t *testing.T) {
			path := filepath.Join(dir, tc.file)
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o600))

			cfg, err := ReadFile(path)
			require.NoError(t, err)
			require.Equal(t, "test-gateway", cfg.Gateway.Name)
			require.Equal(t, 2000, cfg.Gateway.CallTimeoutMs)
			require.NoError(t, cfg.Gateway.Validate())

			descs, err := Load(cfg)
			require.NoError(t, err)
			require.Len(t, descs, 2)
			require.Equal(t, "/usr/local/bin/search-backend", descs[0].Command)
			require.Equal(t, "/srv/data", descs[1].Options["root"])
		})
	}
}

func TestParseCanonicalMCPServers(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`{"mcpServers": {"github": {"type": "http", "url": "https://api.example.com/mcp/"}}}`), FormatJSON)
	require.NoError(t, err)
	descs, err := Load(cfg)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, "github", descs[0].Namespace)
	require.Equal(t, TransportStreamingHTTP, descs[0].Transport)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("backends:\n  - namespace: a\n    comand: typo\n"), FormatYAML)
	require.ErrorIs(t, err, ErrConfig)

	_, err = Parse([]byte(`{"backend": []}`), FormatJSON)
	require.ErrorIs(t, err, ErrConfig)

	_, err = Parse([]byte("[gateways]\nname = \"x\"\n"), FormatTOML)
	require.ErrorIs(t, err, ErrConfig)
}

func TestParseEmptyYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil, FormatYAML)
	require.NoError(t, err)
	require.Empty(t, cfg.Backends)
}

func TestReadFileMissing(t *testing.T) {
	t.Parallel()

	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFormatOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, FormatJSON, FormatOf("a/b.JSON"))
	require.Equal(t, FormatTOML, FormatOf("x.toml"))
	require.Equal(t, FormatYAML, FormatOf("x.yml"))
	require.Equal(t, FormatYAML, FormatOf("noext"))
}

func TestGatewayConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, GatewayConfig{}.Validate())
	require.NoError(t, GatewayConfig{Transport: "stdio", Path: "/mcp"}.Validate())

	err := GatewayConfig{Transport: "smoke", CallTimeoutMs: -1, Path: "mcp"}.Validate()
	require.ErrorIs(t, err, ErrConfig)
	require.Contains(t, err.Error(), "gateway.transport")
	require.Contains(t, err.Error(), "gateway.callTimeoutMs")
	require.Contains(t, err.Error(), "gateway.path")
}
