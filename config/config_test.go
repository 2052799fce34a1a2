package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/switchboard/catalog"
)

const sampleYAML = `
providers:
  filesystem:
    name: Filesystem
    kind: mcp
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
  weather:
    kind: http
    address: https://weather.example.com/capabilities
    headers:
      X-Api-Key: secret
  notes:
    kind: static
    capabilities: [notes.read, notes.write]
  legacy:
    kind: tcp
    address: 127.0.0.1:9000
    enabled: false
discovery:
  probe_timeout: 5s
  max_in_flight: 4
  retry:
    max_attempts: 2
    backoff: 100ms
schedule:
  discover: "*/10 * * * *"
  agent_sweep: off
agents:
  ttl: 10m
journal:
  sqlite_path: /var/lib/switchboard/journal.db
`

const sampleTOML = `
[providers.search]
kind = "http"
address = "http://localhost:9090/manifest"

[providers.notes]
kind = "static"
capabilities = ["notes.read"]

[discovery]
probe_timeout = "1500ms"

[agents]
ttl = "2m"
`

func TestParse_YAML(t *testing.T) {
	f, err := Parse([]byte(sampleYAML), FormatYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Discovery.ProbeTimeout.Std() != 5*time.Second || f.Discovery.MaxInFlight != 4 {
		t.Fatalf("discovery = %#v", f.Discovery)
	}
	if policy := f.RetryPolicy(); policy.MaxAttempts != 2 || policy.Backoff != 100*time.Millisecond {
		t.Fatalf("RetryPolicy() = %#v", policy)
	}
	if f.Agents.TTL.Std() != 10*time.Minute {
		t.Fatalf("agents.ttl = %v", f.Agents.TTL.Std())
	}
	if f.Schedule.AgentSweep != ScheduleOff {
		t.Fatalf("agent_sweep = %q, want off", f.Schedule.AgentSweep)
	}
	if f.Daemon.Listen != DefaultListenAddr {
		t.Fatalf("daemon.listen default = %q", f.Daemon.Listen)
	}

	descs := f.Descriptors()
	var ids []string
	for _, d := range descs {
		ids = append(ids, d.ID)
	}
	if strings.Join(ids, ",") != "filesystem,notes,weather" {
		t.Fatalf("descriptor ids = %q (disabled provider must be skipped)", ids)
	}
	if descs[0].Kind != catalog.KindMCP || descs[0].Command != "npx" || len(descs[0].Args) != 3 {
		t.Fatalf("filesystem descriptor = %#v", descs[0])
	}
	if descs[2].Headers["X-Api-Key"] != "secret" {
		t.Fatalf("weather headers = %#v", descs[2].Headers)
	}
}

func TestParse_TOML(t *testing.T) {
	f, err := Parse([]byte(sampleTOML), FormatTOML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Discovery.ProbeTimeout.Std() != 1500*time.Millisecond {
		t.Fatalf("probe_timeout = %v", f.Discovery.ProbeTimeout.Std())
	}
	if f.Discovery.MaxInFlight != DefaultMaxInFlight {
		t.Fatalf("max_in_flight default = %d", f.Discovery.MaxInFlight)
	}
	if f.Agents.TTL.Std() != 2*time.Minute {
		t.Fatalf("ttl = %v", f.Agents.TTL.Std())
	}
	if len(f.Descriptors()) != 2 {
		t.Fatalf("descriptors = %#v", f.Descriptors())
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	raw := `
providers:
  nowhere:
    kind: mcp
  badkind:
    kind: smoke-signal
  ftp:
    kind: http
    address: ftp://example.com
  empty:
    kind: static
discovery:
  max_in_flight: -1
schedule:
  discover: "every now and then"
daemon:
  listen: "no-port"
`
	_, err := Parse([]byte(raw), FormatYAML)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Parse() error = %v, want ValidationError", err)
	}
	wantFragments := []string{
		"providers.nowhere",
		"providers.badkind: unknown kind",
		"providers.ftp",
		"providers.empty: static providers must declare capabilities",
		"discovery.max_in_flight",
		"schedule.discover",
		"daemon.listen",
	}
	for _, fragment := range wantFragments {
		if !strings.Contains(verr.Error(), fragment) {
			t.Errorf("error missing %q:\n%s", fragment, verr.Error())
		}
	}
	if len(verr.Problems) != len(wantFragments) {
		t.Fatalf("problems = %d, want %d:\n%s", len(verr.Problems), len(wantFragments), verr.Error())
	}
}

func TestParse_BadDuration(t *testing.T) {
	if _, err := Parse([]byte("discovery:\n  probe_timeout: soon\n"), FormatYAML); err == nil {
		t.Fatal("Parse() error = nil, want duration error")
	}
}

func TestDefault(t *testing.T) {
	f := Default()
	if f.Discovery.ProbeTimeout.Std() != DefaultProbeTimeout || f.Agents.TTL.Std() != DefaultAgentTTL {
		t.Fatalf("Default() = %#v", f)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestDiscoverPathFrom(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	if _, found, err := DiscoverPathFrom("", cwd, home); err != nil || found {
		t.Fatalf("empty dirs: found=%v err=%v", found, err)
	}

	homeConfig := filepath.Join(home, ".switchboard", "config.yaml")
	writeFile(t, homeConfig, "providers: {}\n")
	if got, found, _ := DiscoverPathFrom("", cwd, home); !found || got != homeConfig {
		t.Fatalf("home config: got %q found=%v", got, found)
	}

	tomlConfig := filepath.Join(cwd, "switchboard.toml")
	writeFile(t, tomlConfig, "")
	if got, _, _ := DiscoverPathFrom("", cwd, home); got != tomlConfig {
		t.Fatalf("toml config should win over home: got %q", got)
	}

	yamlConfig := filepath.Join(cwd, "switchboard.yaml")
	writeFile(t, yamlConfig, "")
	if got, _, _ := DiscoverPathFrom("", cwd, home); got != yamlConfig {
		t.Fatalf("yaml config should win: got %q", got)
	}

	if _, _, err := DiscoverPathFrom(filepath.Join(cwd, "missing.yaml"), cwd, home); err == nil {
		t.Fatal("explicit missing path error = nil")
	}
	if got, found, err := DiscoverPathFrom(homeConfig, cwd, home); err != nil || !found || got != homeConfig {
		t.Fatalf("explicit path: got %q found=%v err=%v", got, found, err)
	}
}

func TestLoad_PicksFormatFromExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.toml")
	writeFile(t, path, sampleTOML)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := f.Providers["search"]; !ok {
		t.Fatalf("providers = %#v", f.Providers)
	}
}

func TestWatcher_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	writeFile(t, path, "providers:\n  a:\n    kind: static\n    capabilities: [x]\n")

	w, err := NewWatcher(WatcherConfig{Path: path})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	changes := 0
	w.OnChange(func(*File) { changes++ })

	writeFile(t, path, "providers:\n  a:\n    kind: nonsense\n")
	if err := w.Reload(); err == nil {
		t.Fatal("Reload() error = nil for invalid file")
	}
	descs, _ := w.Descriptors(context.Background())
	if len(descs) != 1 || descs[0].Kind != catalog.KindStatic {
		t.Fatalf("descriptors after bad reload = %#v", descs)
	}

	writeFile(t, path, "providers:\n  a:\n    kind: static\n    capabilities: [x]\n  b:\n    kind: static\n    capabilities: [y]\n")
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	descs, _ = w.Descriptors(context.Background())
	if len(descs) != 2 {
		t.Fatalf("descriptors after good reload = %#v", descs)
	}
	if changes != 1 {
		t.Fatalf("OnChange calls = %d, want 1 (failed reloads must not notify)", changes)
	}
}

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	writeFile(t, path, "providers:\n  a:\n    kind: static\n    capabilities: [x]\n")

	reloaded := make(chan error, 8)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnReload: func(_ *File, err error) { reloaded <- err },
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	writeFile(t, path, "providers:\n  b:\n    kind: static\n    capabilities: [y]\n")

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}
	descs, _ := w.Descriptors(context.Background())
	if len(descs) != 1 || descs[0].ID != "b" {
		t.Fatalf("descriptors = %#v, want [b]", descs)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
