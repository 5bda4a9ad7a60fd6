package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Document is one searchable entry.
type Document struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
	Body  string `yaml:"body" json:"body"`
}

// Hit is a ranked query result.
type Hit struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Score int    `json:"score"`
}

// Corpus is an immutable in-memory index.
type Corpus struct {
	docs  []Document
	terms []map[string]int
}

var defaultDocuments = []Document{
	{ID: "mcp", Title: "Model Context Protocol", Body: "MCP connects language model clients to tool, prompt, and resource servers over JSON-RPC."},
	{ID: "gateway", Title: "Aggregation gateway", Body: "A gateway fronts many MCP servers with one endpoint and namespaces their tools."},
	{ID: "stdio", Title: "Stdio transport", Body: "Servers launched as subprocesses speak newline delimited JSON-RPC over stdin and stdout."},
	{ID: "http", Title: "Streamable HTTP transport", Body: "Remote servers accept JSON-RPC over HTTP POST and stream responses with server sent events."},
	{ID: "progress", Title: "Progress notifications", Body: "Long running tool calls report progress tokens back to the client while they work."},
}

// NewCorpus indexes docs.
func NewCorpus(docs []Document) *Corpus {
	c := &Corpus{docs: slices.Clone(docs), terms: make([]map[string]int, len(docs))}
	for i, d := range c.docs {
		counts := map[string]int{}
		for _, term := range tokenize(d.Title + " " + d.Body) {
			counts[term]++
		}
		c.terms[i] = counts
	}
	return c
}

// LoadCorpus reads a YAML (or JSON) list of documents.
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("search: read corpus: %w", err)
	}
	var docs []Document
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("search: decode corpus %s: %w", path, err)
	}
	for i, d := range docs {
		if d.ID == "" {
			return nil, fmt.Errorf("search: document %d has no id", i)
		}
	}
	return NewCorpus(docs), nil
}

// Len reports the number of documents.
func (c *Corpus) Len() int { return len(c.docs) }

// Query ranks documents by how often they mention the query terms. Ties keep
// corpus order. limit <= 0 returns every hit.
func (c *Corpus) Query(q string, limit int) []Hit {
	terms := tokenize(q)
	hits := []Hit{}
	for i, d := range c.docs {
		score := 0
		for _, term := range terms {
			score += c.terms[i][term]
		}
		if score > 0 {
			hits = append(hits, Hit{ID: d.ID, Title: d.Title, Score: score})
		}
	}
	slices.SortStableFunc(hits, func(a, b Hit) int { return b.Score - a.Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Get returns the document with id.
func (c *Corpus) Get(id string) (Document, bool) {
	i := slices.IndexFunc(c.docs, func(d Document) bool { return d.ID == id })
	if i < 0 {
		return Document{}, false
	}
	return c.docs[i], true
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
