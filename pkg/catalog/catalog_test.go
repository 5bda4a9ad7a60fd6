package catalog

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ready(ns string, rev uint64, caps mcpmgr.Capabilities) mcpmgr.Snapshot {
	return mcpmgr.Snapshot{Namespace: ns, State: mcpmgr.StateReady, Revision: rev, Capabilities: caps}
}

func tools(names ...string) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, &mcp.Tool{Name: n, InputSchema: map[string]any{"type": "object"}})
	}
	return out
}

func names(entries []*Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestRebuildUnionsReadyBackends(t *testing.T) {
	m := NewMerger(nil, nil)
	c := m.Rebuild([]mcpmgr.Snapshot{
		ready("search", 3, mcpmgr.Capabilities{
			Tools:   tools("query", "suggest"),
			Prompts: []*mcp.Prompt{{Name: "summarize"}},
		}),
		ready("files", 1, mcpmgr.Capabilities{
			Tools:             tools("read"),
			Resources:         []*mcp.Resource{{URI: "file:///notes.md", Name: "notes"}},
			ResourceTemplates: []*mcp.ResourceTemplate{{URITemplate: "file:///{+path}", Name: "any"}},
		}),
		{Namespace: "broken", State: mcpmgr.StateDead, Capabilities: mcpmgr.Capabilities{Tools: tools("x")}},
		{Namespace: "booting", State: mcpmgr.StateStarting},
	})

	require.Same(t, c, m.Current())
	require.EqualValues(t, 1, c.Generation())
	if diff := cmp.Diff([]string{"files.read", "search.query", "search.suggest"}, names(c.Entries(KindTool))); diff != "" {
		t.Fatalf("tools mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"search.summarize"}, names(c.Entries(KindPrompt)))
	require.Equal(t, []string{"files.file:///notes.md"}, names(c.Entries(KindResource)))
	require.Equal(t, []string{"files.file:///{+path}"}, names(c.Entries(KindTemplate)))
	require.Equal(t, map[string]uint64{"search": 3, "files": 1}, c.Namespaces())
	require.False(t, c.Has("broken"))
	require.Empty(t, c.Conflicts())
	require.Equal(t, map[string]int{"tool": 3, "prompt": 1, "resource": 1, "template": 1}, c.Sizes())
	require.Equal(t, 6, c.Len())

	e, ok := c.Lookup(KindTool, "search.query")
	require.True(t, ok)
	require.Equal(t, "search", e.Namespace)
	require.Equal(t, "query", e.Native)
	require.EqualValues(t, 3, e.Revision)
	require.Equal(t, "search.query", e.Tool.Name)

	_, ok = c.Lookup(KindTool, "broken.x")
	require.False(t, ok)
	_, ok = c.Lookup(KindPrompt, "search.query")
	require.False(t, ok)
	_, ok = c.Lookup(Kind(42), "search.query")
	require.False(t, ok)
}

func TestRebuildEveryCapabilityIsReachable(t *testing.T) {
	snaps := []mcpmgr.Snapshot{
		ready("a", 1, mcpmgr.Capabilities{Tools: tools("one", "two", "three")}),
		ready("b", 1, mcpmgr.Capabilities{Tools: tools("one", "two")}),
	}
	c := NewMerger(nil, nil).Rebuild(snaps)

	for _, snap := range snaps {
		for _, tool := range snap.Capabilities.Tools {
			e, ok := c.Lookup(KindTool, PrefixNamespace{}.Name(snap.Namespace, tool.Name))
			require.True(t, ok, "%s/%s missing", snap.Namespace, tool.Name)
			require.Equal(t, snap.Namespace, e.Namespace)
			require.Equal(t, tool.Name, e.Native)
		}
	}
	require.Len(t, c.Tools(), 5)
}

func TestRebuildRecordsConflicts(t *testing.T) {
	m := NewMerger(nil, nil)
	first := &mcp.Tool{Name: "dup", Description: "first", InputSchema: map[string]any{"type": "object"}}
	second := &mcp.Tool{Name: "dup", Description: "second", InputSchema: map[string]any{"type": "object"}}
	c := m.Rebuild([]mcpmgr.Snapshot{ready("x", 1, mcpmgr.Capabilities{Tools: []*mcp.Tool{first, second}})})

	e, ok := c.Lookup(KindTool, "x.dup")
	require.True(t, ok)
	require.Equal(t, "first", e.Tool.Description)
	require.Equal(t, []Conflict{{Kind: KindTool, Name: "x.dup", Kept: "x", Dropped: "x"}}, c.Conflicts())
}

func TestRebuildAppliesToolSelector(t *testing.T) {
	maxRetries := 0
	descs, err := registry.Load(registry.Config{Backends: []registry.BackendConfig{{
		Namespace:         "search",
		Command:           "search-backend",
		MaxRetries:        &maxRetries,
		IncludeTools:      []string{"query"},
		IncludeToolsRegex: []string{"^admin_"},
	}}})
	require.NoError(t, err)

	c := NewMerger(descs, nil).Rebuild([]mcpmgr.Snapshot{
		ready("search", 1, mcpmgr.Capabilities{Tools: tools("query", "delete_index", "admin_stats")}),
	})
	require.Equal(t, []string{"search.admin_stats", "search.query"}, names(c.Entries(KindTool)))
}

func TestRebuildClonesDefinitions(t *testing.T) {
	orig := &mcp.Tool{Name: "query", Meta: map[string]any{"owner": "team"}}
	res := &mcp.Resource{URI: "mem://doc", Name: "doc"}
	c := NewMerger(nil, nil).Rebuild([]mcpmgr.Snapshot{
		ready("search", 1, mcpmgr.Capabilities{Tools: []*mcp.Tool{orig}, Resources: []*mcp.Resource{res}}),
	})

	e, _ := c.Lookup(KindTool, "search.query")
	require.NotSame(t, orig, e.Tool)
	require.Equal(t, "query", orig.Name)
	require.Nil(t, orig.InputSchema)
	require.Len(t, orig.Meta, 1)

	require.Equal(t, map[string]any{"type": "object"}, e.Tool.InputSchema)
	require.Equal(t, "team", e.Tool.Meta["owner"])
	require.Equal(t, "search", e.Tool.Meta[MetaKeyNamespace])
	require.Equal(t, "query", e.Tool.Meta[MetaKeyNativeName])

	r, ok := c.Lookup(KindResource, "search.mem://doc")
	require.True(t, ok)
	require.Equal(t, "mem://doc", r.Native)
	require.Equal(t, "mem://doc", r.Resource.Meta[MetaKeyNativeURI])
	require.Equal(t, "mem://doc", res.URI)
}

func TestRebuildReplacesWholesale(t *testing.T) {
	m := NewMerger(nil, nil)
	require.Zero(t, m.Current().Len())

	before := m.Rebuild([]mcpmgr.Snapshot{ready("search", 1, mcpmgr.Capabilities{Tools: tools("query")})})
	after := m.Rebuild([]mcpmgr.Snapshot{{Namespace: "search", State: mcpmgr.StateDead}})

	require.Greater(t, after.Generation(), before.Generation())
	_, ok := before.Lookup(KindTool, "search.query")
	require.True(t, ok, "published catalogs are immutable")
	_, ok = after.Lookup(KindTool, "search.query")
	require.False(t, ok)
	require.Same(t, after, m.Current())
}

func TestPrefixNamespace(t *testing.T) {
	ns := PrefixNamespace{}
	require.Equal(t, "files.read", ns.Name("files", "read"))
	require.Equal(t, "files.file:///a/b.txt", ns.URI("files", "file:///a/b.txt"))

	for _, tc := range []struct {
		external, ns, native string
		ok                   bool
	}{
		{"files.read", "files", "read", true},
		{"files.file:///a/b.txt", "files", "file:///a/b.txt", true},
		{"search.tool.with.dots", "search", "tool.with.dots", true},
		{"nodot", "", "", false},
		{".leading", "", "", false},
		{"trailing.", "", "", false},
	} {
		gotNS, gotNative, ok := ns.Split(tc.external)
		require.Equal(t, tc.ok, ok, tc.external)
		require.Equal(t, tc.ns, gotNS, tc.external)
		require.Equal(t, tc.native, gotNative, tc.external)
	}

	custom := PrefixNamespace{Separator: "__"}
	require.Equal(t, "files__read", custom.Name("files", "read"))
	gotNS, gotNative, ok := custom.Split("files__read")
	require.True(t, ok)
	require.Equal(t, "files", gotNS)
	require.Equal(t, "read", gotNative)
}

func TestRebuildRejectsUnservableDefinitions(t *testing.T) {
	m := NewMerger(nil, nil)
	c := m.Rebuild([]mcpmgr.Snapshot{ready("search", 1, mcpmgr.Capabilities{
		Tools: []*mcp.Tool{
			{Name: "ok", InputSchema: map[string]any{"type": "object"}},
			{Name: "untyped", InputSchema: map[string]any{"properties": map[string]any{}}},
			{Name: "scalar", InputSchema: map[string]any{"type": "string"}},
			{Name: "array", InputSchema: []any{"nope"}},
			{Name: "output", InputSchema: map[string]any{"type": "object"}, OutputSchema: map[string]any{"type": "array"}},
		},
		Resources: []*mcp.Resource{
			{URI: "search://stats", Name: "stats"},
			{URI: "search://bad%zz", Name: "escape"},
		},
		ResourceTemplates: []*mcp.ResourceTemplate{
			{URITemplate: "search://documents/{id}", Name: "document"},
			{URITemplate: "search://documents/{id", Name: "unclosed"},
		},
	})})

	require.Equal(t, []string{"search.array", "search.scalar"}, rejectedNames(c, KindTool))
	require.Equal(t, []string{"search.ok", "search.output", "search.untyped"}, names(c.Entries(KindTool)))

	untyped, _ := c.Lookup(KindTool, "search.untyped")
	require.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, untyped.Tool.InputSchema)
	output, _ := c.Lookup(KindTool, "search.output")
	require.Nil(t, output.Tool.OutputSchema)

	require.Equal(t, []string{"search.search://stats"}, names(c.Entries(KindResource)))
	require.Equal(t, []string{"search.search://bad%zz"}, rejectedNames(c, KindResource))
	require.Equal(t, []string{"search.search://documents/{id}"}, names(c.Entries(KindTemplate)))
	require.Equal(t, []string{"search.search://documents/{id"}, rejectedNames(c, KindTemplate))

	for _, r := range c.Rejected() {
		require.Equal(t, "search", r.Namespace)
		require.NotEmpty(t, r.Reason)
	}
	require.Empty(t, c.Conflicts())
}

func rejectedNames(c *Catalog, kind Kind) []string {
	var out []string
	for _, r := range c.Rejected() {
		if r.Kind == kind {
			out = append(out, r.Name)
		}
	}
	slices.Sort(out)
	return out
}
