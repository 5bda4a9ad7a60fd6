package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// Embeds the gateway as a library: a read-only files adapter plus, when
// SEARCH_BACKEND names the search-backend binary, a pipe backend.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to resolve working directory: %v", err)
	}
	cfg := registry.Config{Backends: []registry.BackendConfig{{
		Namespace: "files",
		Adapter:   "files",
		Options:   map[string]string{"root": root, "readOnly": "true"},
	}}}
	if bin := os.Getenv("SEARCH_BACKEND"); bin != "" {
		cfg.Backends = append(cfg.Backends, registry.BackendConfig{Namespace: "search", Command: bin})
	}
	descs, err := registry.Load(cfg)
	if err != nil {
		log.Fatalf("invalid backends: %v", err)
	}

	gateway, err := mcpgateway.New(descs, &mcpgateway.Options{
		Addr:           ":8787",
		Path:           "/mcp",
		AdminAddr:      "127.0.0.1:8788",
		AllowedOrigins: []string{"http://localhost:5173"},
		CallTimeout:    30 * time.Second,
		HealthInterval: 15 * time.Second,
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: true,
		},
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	log.Printf("gateway serving Streamable MCP on :8787/mcp, admin on 127.0.0.1:8788")
	if err := gateway.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway stopped: %v", err)
	}
}
