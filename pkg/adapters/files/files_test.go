package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, cfg Config) *mcp.ClientSession {
	t.Helper()
	server, err := NewServer(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	client := mcp.NewClient(&mcp.Implementation{Name: "files-test", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Close()
	})
	return cs
}

func callText(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return text.Text, res.IsError
}

func TestFilesRoundTrip(t *testing.T) {
	root := t.TempDir()
	cs := connect(t, Config{Root: root})

	text, isErr := callText(t, cs, ToolWrite, map[string]any{"path": "notes/today.md", "content": "# hello"})
	require.False(t, isErr, text)
	require.FileExists(t, filepath.Join(root, "notes", "today.md"))

	text, isErr = callText(t, cs, ToolRead, map[string]any{"path": "notes/today.md"})
	require.False(t, isErr)
	require.Equal(t, "# hello", text)

	text, isErr = callText(t, cs, ToolList, map[string]any{"path": "notes"})
	require.False(t, isErr)
	require.Contains(t, text, "- today.md [file] (7 bytes)")

	text, isErr = callText(t, cs, ToolCreateDirectory, map[string]any{"path": "a/b/c"})
	require.False(t, isErr, text)
	require.DirExists(t, filepath.Join(root, "a", "b", "c"))

	text, isErr = callText(t, cs, ToolList, map[string]any{})
	require.False(t, isErr)
	require.Contains(t, text, "- a [directory]")
	require.Contains(t, text, "- notes [directory]")

	text, isErr = callText(t, cs, ToolDelete, map[string]any{"path": "notes/today.md"})
	require.False(t, isErr, text)
	require.NoFileExists(t, filepath.Join(root, "notes", "today.md"))
}

func TestFilesRejectsUnsafePaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "script.sh"), []byte("echo"), 0o600))
	cs := connect(t, Config{Root: root, MaxFileSize: 4})

	for _, tc := range []struct {
		tool string
		args map[string]any
		want string
	}{
		{tool: ToolRead, args: map[string]any{"path": "../etc/passwd.txt"}, want: "escapes"},
		{tool: ToolRead, args: map[string]any{"path": "/etc/hosts.txt"}, want: "escapes"},
		{tool: ToolRead, args: map[string]any{"path": "script.sh"}, want: "extension"},
		{tool: ToolRead, args: map[string]any{"path": "missing.txt"}, want: "missing.txt"},
		{tool: ToolWrite, args: map[string]any{"path": "big.txt", "content": "too large"}, want: "maximum size"},
		{tool: ToolList, args: map[string]any{"path": ".."}, want: "escapes"},
		{tool: ToolCreateDirectory, args: map[string]any{"path": "../out"}, want: "escapes"},
	} {
		text, isErr := callText(t, cs, tc.tool, tc.args)
		require.True(t, isErr, "%s %v: %s", tc.tool, tc.args, text)
		require.Contains(t, text, tc.want)
	}
}

func TestFilesResourceTemplate(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.json"), []byte(`{"a":1}`), 0o600))
	cs := connect(t, Config{Root: root})

	res, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "file:///data.json"})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	require.Equal(t, `{"a":1}`, res.Contents[0].Text)
	require.Equal(t, "application/json", res.Contents[0].MIMEType)

	_, err = cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "file:///absent.txt"})
	require.Error(t, err)
}

func TestParseOptions(t *testing.T) {
	cfg, err := ParseOptions(map[string]string{
		"root":              "/srv",
		"allowedExtensions": ".go, txt",
		"maxFileSize":       "1024",
		"readOnly":          "true",
	})
	require.NoError(t, err)
	require.Equal(t, "/srv", cfg.Root)
	require.Equal(t, []string{"go", "txt"}, cfg.AllowedExtensions)
	require.EqualValues(t, 1024, cfg.MaxFileSize)
	require.Equal(t, []string{ToolRead, ToolList}, cfg.Tools)

	_, err = ParseOptions(map[string]string{"tools": "read_file,format_disk"})
	require.ErrorContains(t, err, "format_disk")

	_, err = ParseOptions(map[string]string{"maxFileSize": "-1"})
	require.Error(t, err)
}

func TestReadOnlyExposesSubset(t *testing.T) {
	cs := connect(t, Config{Root: t.TempDir(), Tools: []string{ToolRead, ToolList}})
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{ToolRead, ToolList}, names)
}
