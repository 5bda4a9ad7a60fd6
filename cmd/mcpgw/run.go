package main

import (
	"context"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// run starts the gateway described by c.Path and serves until ctx is done or
// a shutdown is requested over the admin endpoint.
func run(ctx context.Context, c cmdRun, _, stderr io.Writer) error {
	logger := newLogger(stderr, c.Debug, c.LogFormat)

	cfg, err := registry.ReadFile(c.Path)
	if err != nil {
		return err
	}
	descs, err := registry.Load(cfg)
	if err != nil {
		return err
	}
	opts := gatewayOptions(cfg.Gateway, c)
	opts.Logger = logger

	g, err := mcpgateway.New(descs, &opts)
	if err != nil {
		return err
	}
	logger.Info("mcpgw: starting", "version", version, "config", c.Path, "backends", len(descs))
	if err := g.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// gatewayOptions merges the configuration file with command line overrides.
func gatewayOptions(cfg registry.GatewayConfig, c cmdRun) mcpgateway.Options {
	opts := mcpgateway.OptionsFromConfig(cfg)
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{Name: "mcpgw", Version: version}
	}
	if c.Transport != "" {
		opts.Transport = c.Transport
	}
	if c.Addr != "" {
		opts.Addr = c.Addr
	}
	switch {
	case c.AdminAddr != "":
		opts.AdminAddr = c.AdminAddr
	case opts.AdminAddr == "":
		opts.AdminAddr = defaultAdminAddr
	}
	return opts
}
