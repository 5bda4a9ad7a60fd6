package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/a8m/envsubst"
	"gopkg.in/yaml.v3"
)

// Format selects the decoder for a configuration document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatOf infers the document format from a file extension. Unknown
// extensions are read as YAML, which is a superset of JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// ReadFile reads, expands environment variables in, and decodes the
// configuration at path.
func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(data, FormatOf(path))
}

// Parse decodes data as the given format after expanding ${VAR} references
// against the process environment.
func Parse(data []byte, format Format) (Config, error) {
	expanded, err := envsubst.Bytes(data)
	if err != nil {
		return Config{}, configErr("", "document", "expand environment: %v", err)
	}

	var cfg Config
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(expanded))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	case FormatTOML:
		var md toml.MetaData
		md, err = toml.Decode(string(expanded), &cfg)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown key %q", undecoded[0].String())
			}
		}
	case FormatYAML, "":
		if len(bytes.TrimSpace(expanded)) == 0 {
			return cfg, nil
		}
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		err = dec.Decode(&cfg)
	default:
		return Config{}, configErr("", "document", "unsupported format %q", format)
	}
	if err != nil {
		return Config{}, configErr("", "document", "decode %s: %v", format, err)
	}
	return cfg, nil
}

// Validate checks gateway-level settings.
func (g GatewayConfig) Validate() error {
	var errs []error
	switch g.Transport {
	case "", string(TransportStreamingHTTP), "stdio", string(TransportPipe):
	default:
		errs = append(errs, configErr("", "gateway.transport", "unsupported transport %q", g.Transport))
	}
	for field, v := range map[string]int{
		"gateway.callTimeoutMs":    g.CallTimeoutMs,
		"gateway.startupTimeoutMs": g.StartupTimeoutMs,
		"gateway.shutdownGraceMs":  g.ShutdownGraceMs,
		"gateway.healthIntervalMs": g.HealthIntervalMs,
	} {
		if v < 0 {
			errs = append(errs, configErr("", field, "must be >= 0, got %d", v))
		}
	}
	if g.Path != "" && !strings.HasPrefix(g.Path, "/") {
		errs = append(errs, configErr("", "gateway.path", "must start with /"))
	}
	return errors.Join(errs...)
}
