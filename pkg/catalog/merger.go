package catalog

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/metrics"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// Keys the merger adds to the _meta of every exposed definition so clients can
// trace it back to its backend.
const (
	// MetaKeyNamespace names the owning backend.
	MetaKeyNamespace = "mcpgateway/namespace"
	// MetaKeyNativeName is the tool or prompt name the backend advertised.
	MetaKeyNativeName = "mcpgateway/native_name"
	// MetaKeyNativeURI is the resource URI or URI template the backend advertised.
	MetaKeyNativeURI = "mcpgateway/native_uri"
)

// MergerOptions configures a Merger.
type MergerOptions struct {
	// Namespace defaults to PrefixNamespace with DefaultSeparator.
	Namespace Namespace
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (o *MergerOptions) withDefaults() MergerOptions {
	var out MergerOptions
	if o != nil {
		out = *o
	}
	if out.Namespace == nil {
		out.Namespace = PrefixNamespace{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Merger builds catalogs from session snapshots. Rebuilds are serialized and
// each result replaces the current catalog atomically.
type Merger struct {
	opts      MergerOptions
	selectors map[string]registry.ToolSelector

	mu         sync.Mutex
	generation uint64
	current    atomic.Pointer[Catalog]
}

// NewMerger returns a Merger whose current catalog is empty. descs supply the
// per-backend tool selectors.
func NewMerger(descs []registry.BackendDescriptor, opts *MergerOptions) *Merger {
	m := &Merger{
		opts:      opts.withDefaults(),
		selectors: make(map[string]registry.ToolSelector, len(descs)),
	}
	for _, d := range descs {
		m.selectors[d.Namespace] = d.Tools()
	}
	m.current.Store(Empty())
	return m
}

// Namespace returns the naming strategy in use.
func (m *Merger) Namespace() Namespace { return m.opts.Namespace }

// Current returns the most recently published catalog.
func (m *Merger) Current() *Catalog { return m.current.Load() }

// Rebuild merges every Ready snapshot into a new catalog, publishes it, and
// returns it. Snapshots in any other state contribute nothing.
func (m *Merger) Rebuild(snapshots []mcpmgr.Snapshot) *Catalog {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	c := Empty()
	c.generation = m.generation
	ns := m.opts.Namespace

	for _, snap := range snapshots {
		if snap.State != mcpmgr.StateReady {
			continue
		}
		c.revisions[snap.Namespace] = snap.Revision
		sel := m.selectors[snap.Namespace]
		caps := snap.Capabilities

		for _, tool := range caps.Tools {
			if tool == nil || !sel.Allows(tool.Name) {
				continue
			}
			name := ns.Name(snap.Namespace, tool.Name)
			clone, err := cloneTool(tool, name, snap.Namespace)
			if err != nil {
				m.reject(c, KindTool, name, snap.Namespace, err)
				continue
			}
			m.add(c, &Entry{Kind: KindTool, Name: name, Namespace: snap.Namespace, Native: tool.Name,
				Revision: snap.Revision, Tool: clone})
		}
		for _, prompt := range caps.Prompts {
			if prompt == nil {
				continue
			}
			name := ns.Name(snap.Namespace, prompt.Name)
			m.add(c, &Entry{Kind: KindPrompt, Name: name, Namespace: snap.Namespace, Native: prompt.Name,
				Revision: snap.Revision, Prompt: clonePrompt(prompt, name, snap.Namespace)})
		}
		for _, res := range caps.Resources {
			if res == nil {
				continue
			}
			uri := ns.URI(snap.Namespace, res.URI)
			if err := validateURI(uri); err != nil {
				m.reject(c, KindResource, uri, snap.Namespace, err)
				continue
			}
			m.add(c, &Entry{Kind: KindResource, Name: uri, Namespace: snap.Namespace, Native: res.URI,
				Revision: snap.Revision, Resource: cloneResource(res, uri, snap.Namespace)})
		}
		for _, tpl := range caps.ResourceTemplates {
			if tpl == nil {
				continue
			}
			uri := ns.URI(snap.Namespace, tpl.URITemplate)
			if err := validateTemplate(uri); err != nil {
				m.reject(c, KindTemplate, uri, snap.Namespace, err)
				continue
			}
			m.add(c, &Entry{Kind: KindTemplate, Name: uri, Namespace: snap.Namespace, Native: tpl.URITemplate,
				Revision: snap.Revision, Template: cloneResourceTemplate(tpl, uri, snap.Namespace)})
		}
	}
	c.sort()
	m.current.Store(c)

	m.opts.Metrics.CatalogRebuilt(c.Sizes(), len(c.conflicts))
	m.opts.Logger.Debug("catalog: rebuilt",
		"generation", c.generation,
		"backends", len(c.revisions),
		"entries", c.Len(),
		"conflicts", len(c.conflicts),
		"rejected", len(c.rejected))
	return c
}

func (m *Merger) add(c *Catalog, e *Entry) {
	conflict, ok := c.add(e)
	if ok {
		return
	}
	c.conflicts = append(c.conflicts, conflict)
	m.opts.Logger.Warn("catalog: duplicate capability dropped",
		"kind", conflict.Kind.String(),
		"name", conflict.Name,
		"kept", conflict.Kept,
		"dropped", conflict.Dropped)
}

func (m *Merger) reject(c *Catalog, kind Kind, name, namespace string, err error) {
	c.rejected = append(c.rejected, Rejection{Kind: kind, Name: name, Namespace: namespace, Reason: err.Error()})
	m.opts.Logger.Warn("catalog: invalid capability dropped",
		"kind", kind.String(),
		"name", name,
		"namespace", namespace,
		"error", err)
}

func cloneTool(tool *mcp.Tool, name, namespace string) (*mcp.Tool, error) {
	clone := *tool
	clone.Name = name
	input, err := objectSchema(tool.InputSchema, true)
	if err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	clone.InputSchema = input
	// Structured content is relayed as is; an unusable output schema is dropped.
	if clone.OutputSchema, err = objectSchema(tool.OutputSchema, false); err != nil {
		clone.OutputSchema = nil
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{
		MetaKeyNamespace:  namespace,
		MetaKeyNativeName: tool.Name,
	})
	return &clone, nil
}

func clonePrompt(prompt *mcp.Prompt, name, namespace string) *mcp.Prompt {
	clone := *prompt
	clone.Name = name
	clone.Meta = withMeta(prompt.Meta, map[string]any{
		MetaKeyNamespace:  namespace,
		MetaKeyNativeName: prompt.Name,
	})
	return &clone
}

func cloneResource(res *mcp.Resource, uri, namespace string) *mcp.Resource {
	clone := *res
	clone.URI = uri
	clone.Meta = withMeta(res.Meta, map[string]any{
		MetaKeyNamespace: namespace,
		MetaKeyNativeURI: res.URI,
	})
	return &clone
}

func cloneResourceTemplate(tpl *mcp.ResourceTemplate, uri, namespace string) *mcp.ResourceTemplate {
	clone := *tpl
	clone.URITemplate = uri
	clone.Meta = withMeta(tpl.Meta, map[string]any{
		MetaKeyNamespace: namespace,
		MetaKeyNativeURI: tpl.URITemplate,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(extras))
	}
	maps.Copy(out, extras)
	return out
}
