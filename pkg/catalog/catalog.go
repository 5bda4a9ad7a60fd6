// Package catalog merges the capabilities of every Ready backend into one
// namespaced, immutable view. A Merger rebuilds the view whenever a backend
// changes and publishes it with a single atomic swap; readers never lock.
package catalog

import (
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Kind classifies a catalog entry.
type Kind int

const (
	KindTool Kind = iota
	KindPrompt
	KindResource
	KindTemplate

	numKinds
)

// Kinds lists every kind in catalog order.
var Kinds = []Kind{KindTool, KindPrompt, KindResource, KindTemplate}

func (k Kind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindPrompt:
		return "prompt"
	case KindResource:
		return "resource"
	case KindTemplate:
		return "template"
	default:
		return "unknown"
	}
}

// Entry is one capability as exposed to clients. Name is the external tool or
// prompt name, or the external URI / URI template. Exactly one of the
// definition pointers is set, matching Kind; it is a private clone that
// carries the external identifier.
type Entry struct {
	Kind      Kind
	Name      string
	Namespace string
	Native    string
	// Revision is the owning session's capability revision.
	Revision uint64

	Tool     *mcp.Tool
	Prompt   *mcp.Prompt
	Resource *mcp.Resource
	Template *mcp.ResourceTemplate
}

// Conflict records an external name that more than one capability mapped to.
// The first occurrence is kept.
type Conflict struct {
	Kind    Kind
	Name    string
	Kept    string
	Dropped string
}

// Rejection records a backend capability left out because its definition
// cannot be served, such as a tool whose input schema is not an object.
type Rejection struct {
	Kind      Kind
	Name      string
	Namespace string
	Reason    string
}

// Catalog is an immutable snapshot of every exposed capability. The zero
// value is not usable; see Empty.
type Catalog struct {
	generation uint64
	byName     [numKinds]map[string]*Entry
	ordered    [numKinds][]*Entry
	revisions  map[string]uint64
	conflicts  []Conflict
	rejected   []Rejection
}

// Empty returns a catalog with no entries.
func Empty() *Catalog {
	c := &Catalog{revisions: map[string]uint64{}}
	for k := range c.byName {
		c.byName[k] = map[string]*Entry{}
	}
	return c
}

// Generation increases with every rebuild.
func (c *Catalog) Generation() uint64 { return c.generation }

// Lookup resolves an external name or URI.
func (c *Catalog) Lookup(kind Kind, name string) (*Entry, bool) {
	if kind < 0 || kind >= numKinds {
		return nil, false
	}
	e, ok := c.byName[kind][name]
	return e, ok
}

// Entries returns the entries of kind sorted by external name.
func (c *Catalog) Entries(kind Kind) []*Entry {
	if kind < 0 || kind >= numKinds {
		return nil
	}
	return slices.Clone(c.ordered[kind])
}

// Tools returns the exposed tool definitions sorted by name.
func (c *Catalog) Tools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(c.ordered[KindTool]))
	for _, e := range c.ordered[KindTool] {
		out = append(out, e.Tool)
	}
	return out
}

// Prompts returns the exposed prompt definitions sorted by name.
func (c *Catalog) Prompts() []*mcp.Prompt {
	out := make([]*mcp.Prompt, 0, len(c.ordered[KindPrompt]))
	for _, e := range c.ordered[KindPrompt] {
		out = append(out, e.Prompt)
	}
	return out
}

// Namespaces maps every backend contributing to the catalog to the
// capability revision that was merged.
func (c *Catalog) Namespaces() map[string]uint64 {
	out := make(map[string]uint64, len(c.revisions))
	for ns, rev := range c.revisions {
		out[ns] = rev
	}
	return out
}

// Has reports whether namespace contributed to the catalog.
func (c *Catalog) Has(namespace string) bool {
	_, ok := c.revisions[namespace]
	return ok
}

// Conflicts lists the duplicates dropped during the rebuild.
func (c *Catalog) Conflicts() []Conflict { return slices.Clone(c.conflicts) }

// Rejected lists the definitions skipped during the rebuild.
func (c *Catalog) Rejected() []Rejection { return slices.Clone(c.rejected) }

// Sizes counts entries per kind, keyed by Kind.String.
func (c *Catalog) Sizes() map[string]int {
	out := make(map[string]int, numKinds)
	for _, k := range Kinds {
		out[k.String()] = len(c.ordered[k])
	}
	return out
}

// Len is the total number of entries.
func (c *Catalog) Len() int {
	n := 0
	for _, k := range Kinds {
		n += len(c.ordered[k])
	}
	return n
}

func (c *Catalog) add(e *Entry) (Conflict, bool) {
	if prev, dup := c.byName[e.Kind][e.Name]; dup {
		return Conflict{Kind: e.Kind, Name: e.Name, Kept: prev.Namespace, Dropped: e.Namespace}, false
	}
	c.byName[e.Kind][e.Name] = e
	c.ordered[e.Kind] = append(c.ordered[e.Kind], e)
	return Conflict{}, true
}

func (c *Catalog) sort() {
	for k := range c.ordered {
		slices.SortFunc(c.ordered[k], func(a, b *Entry) int { return strings.Compare(a.Name, b.Name) })
	}
}
