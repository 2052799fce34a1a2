// Package config loads switchboard's declarative configuration.
//
// Files are YAML or TOML, chosen by extension. The provider list can be hot
// reloaded with a Watcher, which also serves as the discovery engine's
// descriptor source.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/probe"
)

const (
	projectConfigName     = "switchboard.yaml"
	projectConfigNameTOML = "switchboard.toml"
	homeConfigDir         = ".switchboard"
	homeConfigName        = "config.yaml"

	DefaultProbeTimeout   = 3 * time.Second
	DefaultMaxInFlight    = 8
	DefaultAgentTTL       = 300 * time.Second
	DefaultDiscoverSpec   = "@every 5m"
	DefaultAgentSweepSpec = "@every 30s"
	DefaultListenAddr     = "127.0.0.1:7878"

	// ScheduleOff disables a scheduled job.
	ScheduleOff = "off"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// File is the configuration file shape.
type File struct {
	Providers map[string]ProviderDeclaration `yaml:"providers" toml:"providers"`
	Discovery DiscoverySection               `yaml:"discovery" toml:"discovery"`
	Schedule  ScheduleSection                `yaml:"schedule" toml:"schedule"`
	Agents    AgentsSection                  `yaml:"agents" toml:"agents"`
	Journal   JournalSection                 `yaml:"journal" toml:"journal"`
	Telemetry TelemetrySection               `yaml:"telemetry" toml:"telemetry"`
	Daemon    DaemonSection                  `yaml:"daemon" toml:"daemon"`
}

// ProviderDeclaration declares one tool provider. The map key is its id.
type ProviderDeclaration struct {
	Name         string            `yaml:"name,omitempty" toml:"name"`
	Kind         string            `yaml:"kind,omitempty" toml:"kind"`
	Address      string            `yaml:"address,omitempty" toml:"address"`
	Capabilities []string          `yaml:"capabilities,omitempty" toml:"capabilities"`
	Headers      map[string]string `yaml:"headers,omitempty" toml:"headers"`
	Command      string            `yaml:"command,omitempty" toml:"command"`
	Args         []string          `yaml:"args,omitempty" toml:"args"`
	Env          map[string]string `yaml:"env,omitempty" toml:"env"`
	Enabled      *bool             `yaml:"enabled,omitempty" toml:"enabled"`
}

// DiscoverySection tunes discovery passes.
type DiscoverySection struct {
	ProbeTimeout Duration     `yaml:"probe_timeout" toml:"probe_timeout"`
	MaxInFlight  int          `yaml:"max_in_flight" toml:"max_in_flight"`
	Retry        RetrySection `yaml:"retry" toml:"retry"`
}

// RetrySection configures probe retries.
type RetrySection struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	Backoff     Duration `yaml:"backoff" toml:"backoff"`
}

// ScheduleSection holds cron expressions for background work. The value
// "off" disables a job.
type ScheduleSection struct {
	Discover   string `yaml:"discover" toml:"discover"`
	AgentSweep string `yaml:"agent_sweep" toml:"agent_sweep"`
}

// AgentsSection configures agent expiry.
type AgentsSection struct {
	TTL Duration `yaml:"ttl" toml:"ttl"`
}

// JournalSection configures the optional SQLite journal.
type JournalSection struct {
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// TelemetrySection configures trace export.
type TelemetrySection struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
}

// DaemonSection configures the HTTP API.
type DaemonSection struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Duration is a time.Duration written as a Go duration string ("3s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DiscoverPath resolves the config file with first-match semantics: the
// explicit path, ./switchboard.yaml, ./switchboard.toml, then
// ~/.switchboard/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is DiscoverPath with explicit directories.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	var candidates []string
	if explicit != "" {
		candidates = []string{filepath.Clean(explicit)}
	} else {
		candidates = []string{
			filepath.Join(cwd, projectConfigName),
			filepath.Join(cwd, projectConfigNameTOML),
			filepath.Join(homeDir, homeConfigDir, homeConfigName),
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, true, nil
		case err == nil:
			continue
		case errors.Is(err, os.ErrNotExist):
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
		default:
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// FormatOf picks the syntax from the file extension. Unknown extensions are
// read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*File, error) {
	// #nosec G304 -- path comes from local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	f, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return f, nil
}

// Parse decodes data, applies defaults and validates the result.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	}
	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Default returns a configuration with no providers and every default set.
func Default() *File {
	f := &File{}
	f.ApplyDefaults()
	return f
}

// ApplyDefaults fills unset fields. Negative values are left for Validate
// to reject.
func (f *File) ApplyDefaults() {
	if f.Discovery.ProbeTimeout == 0 {
		f.Discovery.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	if f.Discovery.MaxInFlight == 0 {
		f.Discovery.MaxInFlight = DefaultMaxInFlight
	}
	if f.Agents.TTL == 0 {
		f.Agents.TTL = Duration(DefaultAgentTTL)
	}
	if strings.TrimSpace(f.Schedule.Discover) == "" {
		f.Schedule.Discover = DefaultDiscoverSpec
	}
	if strings.TrimSpace(f.Schedule.AgentSweep) == "" {
		f.Schedule.AgentSweep = DefaultAgentSweepSpec
	}
	if strings.TrimSpace(f.Daemon.Listen) == "" {
		f.Daemon.Listen = DefaultListenAddr
	}
	if strings.TrimSpace(f.Telemetry.ServiceName) == "" {
		f.Telemetry.ServiceName = "switchboard"
	}
}

// Descriptors converts enabled provider declarations into descriptors
// ordered by id.
func (f *File) Descriptors() []catalog.Descriptor {
	ids := make([]string, 0, len(f.Providers))
	for id := range f.Providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]catalog.Descriptor, 0, len(ids))
	for _, id := range ids {
		decl := f.Providers[id]
		if decl.Enabled != nil && !*decl.Enabled {
			continue
		}
		desc := catalog.Descriptor{
			ID:           strings.TrimSpace(id),
			Name:         decl.Name,
			Address:      strings.TrimSpace(decl.Address),
			Kind:         catalog.ProviderKind(strings.ToLower(strings.TrimSpace(decl.Kind))),
			Capabilities: decl.Capabilities,
			Headers:      decl.Headers,
			Command:      decl.Command,
			Args:         decl.Args,
			Env:          decl.Env,
		}
		if desc.Kind == "" {
			desc.Kind = catalog.KindMCP
		}
		out = append(out, desc.Clone())
	}
	return out
}

// RetryPolicy converts the retry section.
func (f *File) RetryPolicy() probe.RetryPolicy {
	return probe.RetryPolicy{
		MaxAttempts: f.Discovery.Retry.MaxAttempts,
		Backoff:     f.Discovery.Retry.Backoff.Std(),
	}
}
