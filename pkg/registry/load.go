// Package registry turns declarative gateway configuration into validated,
// immutable backend descriptors. Load is pure; ReadFile is the only function
// in the package that touches the file system.
package registry

import (
	"errors"
	"maps"
	"regexp"
	"slices"
	"sort"
	"time"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)

// Load validates cfg and returns one descriptor per backend in declaration
// order (explicit backends first, then mcpServers sorted by name). Every
// problem found is reported; the joined error matches ErrConfig and each part
// is a *ConfigError.
func Load(cfg Config) ([]BackendDescriptor, error) {
	entries := slices.Clone(cfg.Backends)
	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entries = append(entries, cfg.MCPServers[name].backendConfig(name))
	}

	var (
		errs  []error
		seen  = make(map[string]struct{}, len(entries))
		descs = make([]BackendDescriptor, 0, len(entries))
	)
	for _, bc := range entries {
		desc, err := loadBackend(bc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[desc.Namespace]; dup {
			errs = append(errs, configErr(desc.Namespace, "namespace", "duplicate namespace"))
			continue
		}
		seen[desc.Namespace] = struct{}{}
		descs = append(descs, desc)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return descs, nil
}

func loadBackend(bc BackendConfig) (BackendDescriptor, error) {
	ns := bc.Namespace
	if ns == "" {
		return BackendDescriptor{}, configErr("", "namespace", "required")
	}
	if !namespacePattern.MatchString(ns) {
		return BackendDescriptor{}, configErr(ns, "namespace", "must match %s", namespacePattern)
	}

	set := 0
	for _, v := range []string{bc.Command, bc.Address, bc.Adapter} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return BackendDescriptor{}, configErr(ns, "command/address", "exactly one of command, address, or adapter is required")
	}

	transport, err := resolveTransport(ns, bc)
	if err != nil {
		return BackendDescriptor{}, err
	}

	policy := RestartPolicy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}
	if bc.MaxRetries != nil {
		if *bc.MaxRetries < 0 {
			return BackendDescriptor{}, configErr(ns, "maxRetries", "must be >= 0, got %d", *bc.MaxRetries)
		}
		policy.MaxRetries = *bc.MaxRetries
	}
	if bc.BackoffMs != nil {
		if *bc.BackoffMs <= 0 {
			return BackendDescriptor{}, configErr(ns, "backoffMs", "must be > 0, got %d", *bc.BackoffMs)
		}
		policy.Backoff = time.Duration(*bc.BackoffMs) * time.Millisecond
	}
	var callTimeout time.Duration
	if bc.TimeoutMs != nil {
		if *bc.TimeoutMs <= 0 {
			return BackendDescriptor{}, configErr(ns, "timeoutMs", "must be > 0, got %d", *bc.TimeoutMs)
		}
		callTimeout = time.Duration(*bc.TimeoutMs) * time.Millisecond
	}

	sel, err := NewToolSelector(bc.IncludeTools, bc.IncludeToolsRegex)
	if err != nil {
		return BackendDescriptor{}, configErr(ns, "includeToolsRegex", "%v", err)
	}

	return BackendDescriptor{
		Namespace:   ns,
		Transport:   transport,
		Command:     bc.Command,
		Args:        slices.Clone(bc.Args),
		Env:         maps.Clone(bc.Env),
		Address:     bc.Address,
		Headers:     maps.Clone(bc.Headers),
		PreferSSE:   bc.PreferSSE,
		Adapter:     bc.Adapter,
		Options:     maps.Clone(bc.Options),
		Restart:     policy,
		CallTimeout: callTimeout,
		tools:       sel,
	}, nil
}

func resolveTransport(ns string, bc BackendConfig) (Transport, error) {
	var inferred Transport
	switch {
	case bc.Command != "":
		inferred = TransportPipe
	case bc.Address != "":
		inferred = TransportStreamingHTTP
	default:
		inferred = TransportInProc
	}
	if bc.Transport == "" {
		return inferred, nil
	}
	t := Transport(bc.Transport)
	switch t {
	case TransportPipe, TransportStreamingHTTP, TransportInProc:
	default:
		return "", configErr(ns, "transport", "unsupported transport %q", bc.Transport)
	}
	if t != inferred {
		return "", configErr(ns, "transport", "%q does not match the configured %s", t, launchField(inferred))
	}
	return t, nil
}

func launchField(t Transport) string {
	switch t {
	case TransportPipe:
		return "command"
	case TransportStreamingHTTP:
		return "address"
	default:
		return "adapter"
	}
}
