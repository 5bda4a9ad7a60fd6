package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

var adminClient = &http.Client{Timeout: 5 * time.Second}

func adminURL(admin, path string) string {
	if !strings.Contains(admin, "://") {
		admin = "http://" + admin
	}
	return strings.TrimSuffix(admin, "/") + path
}

// healthcheck GETs /health on the admin server and prints the body. A
// degraded gateway is healthy; a stopping one is not.
func healthcheck(ctx context.Context, admin string, stdout io.Writer) error {
	body, err := adminDo(ctx, http.MethodGet, adminURL(admin, "/health"), http.StatusOK)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "%s", body)
	return nil
}

// stopGateway POSTs /shutdown and returns once the gateway accepted it.
func stopGateway(ctx context.Context, admin string, stdout io.Writer) error {
	if _, err := adminDo(ctx, http.MethodPost, adminURL(admin, "/shutdown"), http.StatusAccepted); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "shutdown requested\n")
	return nil
}

func adminDo(ctx context.Context, method, url string, want int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := adminClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin server")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("unexpected status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// list prints one row per configured backend. Live columns are filled from
// the admin server when --admin is given and reachable.
func list(ctx context.Context, c cmdList, stdout, stderr io.Writer) error {
	cfg, err := registry.ReadFile(c.Path)
	if err != nil {
		return err
	}
	descs, err := registry.Load(cfg)
	if err != nil {
		return err
	}

	live := map[string]mcpgateway.BackendStatus{}
	if c.Admin != "" {
		body, err := adminDo(ctx, http.MethodGet, adminURL(c.Admin, "/backends"), http.StatusOK)
		if err == nil {
			var statuses []mcpgateway.BackendStatus
			err = json.Unmarshal(body, &statuses)
			for _, s := range statuses {
				live[s.Namespace] = s
			}
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "live state unavailable: %v\n", err)
		}
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAMESPACE\tTRANSPORT\tTARGET\tSTATE\tTOOLS\tRESTARTS")
	for _, d := range descs {
		state, tools, restarts := "-", "-", "-"
		if s, ok := live[d.Namespace]; ok {
			state = s.State.String()
			tools = fmt.Sprint(s.Tools)
			restarts = fmt.Sprint(s.Restarts)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.Namespace, d.Transport, d.Target(), state, tools, restarts)
	}
	return tw.Flush()
}
