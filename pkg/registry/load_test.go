package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func intPtr(v int) *int { return &v }

func TestLoadDefaultsAndInference(t *testing.T) {
	t.Parallel()

	descs, err := Load(Config{
		Backends: []BackendConfig{
			{Namespace: "search", Command: "search-backend", Args: []string{"--corpus", "docs"}},
			{Namespace: "remote", Address: "https://example.com/mcp", TimeoutMs: intPtr(1500)},
			{Namespace: "files", Adapter: "files", Options: map[string]string{"root": "/tmp"}, MaxRetries: intPtr(0), BackoffMs: intPtr(10)},
		},
	})
	require.NoError(t, err)
	require.Len(t, descs, 3)

	require.Equal(t, TransportPipe, descs[0].Transport)
	require.Equal(t, "search-backend --corpus docs", descs[0].Target())
	require.Equal(t, RestartPolicy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}, descs[0].Restart)
	require.Zero(t, descs[0].CallTimeout)

	require.Equal(t, TransportStreamingHTTP, descs[1].Transport)
	require.True(t, descs[1].IsHTTP())
	require.Equal(t, 1500*time.Millisecond, descs[1].CallTimeout)

	require.True(t, descs[2].IsInProc())
	require.Equal(t, "adapter:files", descs[2].Target())
	require.Equal(t, RestartPolicy{MaxRetries: 0, Backoff: 10 * time.Millisecond}, descs[2].Restart)
}

func TestLoadMCPServersMap(t *testing.T) {
	t.Parallel()

	descs, err := Load(Config{
		Backends: []BackendConfig{{Namespace: "first", Command: "a"}},
		MCPServers: map[string]MCPServer{
			"zeta":   {Type: "sse", URL: "https://example.com/sse"},
			"alpha":  {Type: "http", URL: "https://example.com/mcp", Headers: map[string]string{"Authorization": "Bearer x"}},
			"middle": {Command: "npx", Args: []string{"server"}, IncludeTools: []string{"echo"}},
		},
	})
	require.NoError(t, err)

	var names []string
	for _, d := range descs {
		names = append(names, d.Namespace)
	}
	require.Equal(t, []string{"first", "alpha", "middle", "zeta"}, names)
	require.Equal(t, "Bearer x", descs[1].Headers["Authorization"])
	require.True(t, descs[3].PreferSSE)
	require.True(t, descs[2].IsPipe())
	require.True(t, descs[2].Tools().Allows("echo"))
	require.False(t, descs[2].Tools().Allows("other"))
}

func TestLoadRejectsInvalidBackends(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		bc    BackendConfig
		field string
	}{
		{name: "missing namespace", bc: BackendConfig{Command: "x"}, field: "namespace"},
		{name: "dot in namespace", bc: BackendConfig{Namespace: "a.b", Command: "x"}, field: "namespace"},
		{name: "underscore in namespace", bc: BackendConfig{Namespace: "my_search", Command: "x"}, field: "namespace"},
		{name: "leading digit", bc: BackendConfig{Namespace: "1search", Command: "x"}, field: "namespace"},
		{name: "no target", bc: BackendConfig{Namespace: "a"}, field: "command/address"},
		{name: "two targets", bc: BackendConfig{Namespace: "a", Command: "x", Address: "http://h"}, field: "command/address"},
		{name: "unknown transport", bc: BackendConfig{Namespace: "a", Command: "x", Transport: "carrier-pigeon"}, field: "transport"},
		{name: "transport mismatch", bc: BackendConfig{Namespace: "a", Command: "x", Transport: "streaming-http"}, field: "transport"},
		{name: "negative retries", bc: BackendConfig{Namespace: "a", Command: "x", MaxRetries: intPtr(-1)}, field: "maxRetries"},
		{name: "negative backoff", bc: BackendConfig{Namespace: "a", Command: "x", BackoffMs: intPtr(-5)}, field: "backoffMs"},
		{name: "zero timeout", bc: BackendConfig{Namespace: "a", Command: "x", TimeoutMs: intPtr(0)}, field: "timeoutMs"},
		{name: "bad regex", bc: BackendConfig{Namespace: "a", Command: "x", IncludeToolsRegex: []string{"("}}, field: "includeToolsRegex"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			descs, err := Load(Config{Backends: []BackendConfig{tc.bc}})
			require.Nil(t, descs)
			require.ErrorIs(t, err, ErrConfig)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, tc.field, cerr.Field)
		})
	}
}

func TestLoadDuplicateNamespace(t *testing.T) {
	t.Parallel()

	_, err := Load(Config{
		Backends:   []BackendConfig{{Namespace: "search", Command: "a"}},
		MCPServers: map[string]MCPServer{"search": {Command: "b"}},
	})
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "search", cerr.Namespace)
	require.Contains(t, err.Error(), "duplicate namespace")
}

func TestLoadReportsEveryProblem(t *testing.T) {
	t.Parallel()

	_, err := Load(Config{Backends: []BackendConfig{
		{Namespace: "ok", Command: "a"},
		{Namespace: "bad one", Command: "b"},
		{Namespace: "neither"},
	}})
	require.Error(t, err)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	require.Len(t, joined.Unwrap(), 2)
	for _, e := range joined.Unwrap() {
		require.True(t, errors.Is(e, ErrConfig))
	}
}

func TestLoadCopiesInput(t *testing.T) {
	t.Parallel()

	args := []string{"one"}
	env := map[string]string{"K": "V"}
	descs, err := Load(Config{Backends: []BackendConfig{{Namespace: "a", Command: "x", Args: args, Env: env}}})
	require.NoError(t, err)

	args[0] = "changed"
	env["K"] = "changed"
	require.Equal(t, []string{"one"}, descs[0].Args)
	require.Equal(t, "V", descs[0].Env["K"])
}

func TestToolSelector(t *testing.T) {
	t.Parallel()

	var zero ToolSelector
	require.True(t, zero.Allows("anything"))

	sel, err := NewToolSelector([]string{"read_file"}, []string{"^list_", "dir$"})
	require.NoError(t, err)
	require.True(t, sel.Allows("read_file"))
	require.True(t, sel.Allows("list_directory"))
	require.True(t, sel.Allows("create_dir"))
	require.False(t, sel.Allows("delete_file"))
}
