package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "dev"

const defaultAdminAddr = "127.0.0.1:8701"

type (
	// cmd corresponds to the top-level `mcpgw` command.
	cmd struct {
		Version     struct{}       `cmd:"" help:"Show version."`
		Run         cmdRun         `cmd:"" help:"Run the gateway for the given configuration."`
		List        cmdList        `cmd:"" help:"List configured backends, with live state when the admin server is reachable."`
		Stop        cmdStop        `cmd:"" help:"Ask a running gateway to shut down."`
		Healthcheck cmdHealthcheck `cmd:"" help:"Check the health of a running gateway."`
	}
	// cmdRun corresponds to `mcpgw run`.
	cmdRun struct {
		Path      string `arg:"" name:"path" help:"Path to the gateway configuration (yaml, json or toml)." type:"path"`
		Debug     bool   `help:"Enable debug logging emitted to stderr."`
		LogFormat string `name:"log-format" help:"Log output format." enum:"text,json" default:"text"`
		Transport string `help:"Override the client transport (streaming-http or stdio)."`
		Addr      string `help:"Override the client listen address."`
		AdminAddr string `name:"admin-addr" help:"Override the admin listen address (default ${default_admin})."`
	}
	// cmdList corresponds to `mcpgw list`.
	cmdList struct {
		Path  string `arg:"" name:"path" help:"Path to the gateway configuration (yaml, json or toml)." type:"path"`
		Admin string `help:"Admin address of a running gateway to query for live state."`
	}
	// cmdStop corresponds to `mcpgw stop`.
	cmdStop struct {
		Admin string `help:"Admin address of the running gateway." default:"${default_admin}"`
	}
	// cmdHealthcheck corresponds to `mcpgw healthcheck`.
	cmdHealthcheck struct {
		Admin string `help:"Admin address of the running gateway." default:"${default_admin}"`
	}
)

type (
	runFn   func(context.Context, cmdRun, io.Writer, io.Writer) error
	adminFn func(ctx context.Context, admin string, stdout io.Writer) error
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, stopGateway, healthcheck)
}

// doMain parses args and executes the selected command.
//
//   - stdout and stderr are the output writers. Mainly for testing.
//   - exitFn is called on parse errors and on command failure. Mainly for testing.
//   - rf, sf, and hf implement run, stop, and healthcheck. Mainly for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn,
	sf adminFn,
	hf adminFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("mcpgw"),
		kong.Description("MCP aggregation gateway"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
		kong.Vars{"default_admin": defaultAdminAddr},
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "mcpgw: %s\n", version)
		return
	case "run <path>":
		err = rf(ctx, c.Run, stdout, stderr)
	case "list <path>":
		err = list(ctx, c.List, stdout, stderr)
	case "stop":
		err = sf(ctx, c.Stop.Admin, stdout)
	case "healthcheck":
		err = hf(ctx, c.Healthcheck.Admin, stdout)
	default:
		panic("unreachable")
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "mcpgw %s: %v\n", parsed.Command(), err)
		exitFn(1)
	}
}

// newLogger builds the process logger writing to w.
func newLogger(w io.Writer, debug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
