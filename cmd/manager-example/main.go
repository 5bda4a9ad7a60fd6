package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/registry"
)

// Starts the backends of a configuration file without a gateway in front,
// prints what each one advertised, and stops them.
func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <config>", os.Args[0])
	}
	cfg, err := registry.ReadFile(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}
	descs, err := registry.Load(cfg)
	if err != nil {
		log.Fatal(err)
	}

	manager := mcpmgr.NewManager(descs, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.StartAll(ctx); err != nil {
		fmt.Printf("startup incomplete: %v\n", err)
	}

	for _, snap := range manager.Snapshots() {
		fmt.Printf("%s (%s %s): %s\n", snap.Namespace, snap.Transport, snap.Target, snap.State)
		if snap.LastError != "" {
			fmt.Printf("  last error: %s\n", snap.LastError)
		}
		for _, tool := range snap.Capabilities.Tools {
			fmt.Printf("  tool %s\n", tool.Name)
		}
		for _, prompt := range snap.Capabilities.Prompts {
			fmt.Printf("  prompt %s\n", prompt.Name)
		}
		for _, res := range snap.Capabilities.Resources {
			fmt.Printf("  resource %s\n", res.URI)
		}
	}

	if err := manager.StopAll(context.Background()); err != nil {
		fmt.Printf("stop error: %v\n", err)
	}
}
