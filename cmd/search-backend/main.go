// Command search-backend is a small MCP server over stdio that searches an
// in-memory corpus. It serves as an example pipe backend for mcpgw.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type cli struct {
	Corpus string `help:"YAML or JSON list of documents to index; a built-in corpus is used when empty." type:"existingfile"`
	Debug  bool   `help:"Enable debug logging emitted to stderr."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cli
	kong.Parse(&c, kong.Name("search-backend"), kong.Description("Example MCP search server over stdio."))
	if err := serve(ctx, c, &mcp.StdioTransport{}, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "search-backend: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, c cli, t mcp.Transport, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	corpus := NewCorpus(defaultDocuments)
	if c.Corpus != "" {
		var err error
		if corpus, err = LoadCorpus(c.Corpus); err != nil {
			return err
		}
	}
	logger.Info("search-backend: serving", "documents", corpus.Len())
	return newServer(corpus, logger).Run(ctx, t)
}

type queryInput struct {
	Q     string `json:"q" jsonschema:"free text query"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of hits; 0 returns all"`
}

type queryOutput struct {
	Hits []Hit `json:"hits"`
}

func newServer(corpus *Corpus, logger *slog.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "search-backend", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "query", Description: "Search the corpus and return ranked hits."},
		func(_ context.Context, _ *mcp.CallToolRequest, in queryInput) (*mcp.CallToolResult, queryOutput, error) {
			if strings.TrimSpace(in.Q) == "" {
				return nil, queryOutput{}, fmt.Errorf("query must not be empty")
			}
			hits := corpus.Query(in.Q, in.Limit)
			logger.Debug("search-backend: query", "q", in.Q, "hits", len(hits))
			var b strings.Builder
			for _, h := range hits {
				fmt.Fprintf(&b, "%s (%d): %s\n", h.ID, h.Score, h.Title)
			}
			if b.Len() == 0 {
				b.WriteString("no results\n")
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: b.String()}}}, queryOutput{Hits: hits}, nil
		})
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "document",
		URITemplate: "search://documents/{id}",
		MIMEType:    "text/plain",
	}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		id := strings.TrimPrefix(req.Params.URI, "search://documents/")
		doc, ok := corpus.Get(id)
		if !ok {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{
			URI:      req.Params.URI,
			MIMEType: "text/plain",
			Text:     doc.Title + "\n\n" + doc.Body,
		}}}, nil
	})
	return server
}
