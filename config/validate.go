package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/switchboard/catalog"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or descriptor such as
// "@every 30s". It is shared with the scheduler so both accept the same
// syntax.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(spec))
}

// ValidationError lists every problem found in a configuration file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate reports all problems at once rather than stopping at the first.
func (f *File) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	ids := make([]string, 0, len(f.Providers))
	for id := range f.Providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		for _, problem := range validateProvider(id, f.Providers[id]) {
			add("providers.%s: %s", id, problem)
		}
	}

	if f.Discovery.ProbeTimeout < 0 {
		add("discovery.probe_timeout must not be negative")
	}
	if f.Discovery.MaxInFlight < 0 {
		add("discovery.max_in_flight must not be negative")
	}
	if f.Discovery.Retry.MaxAttempts < 0 {
		add("discovery.retry.max_attempts must not be negative")
	}
	if f.Discovery.Retry.Backoff < 0 {
		add("discovery.retry.backoff must not be negative")
	}
	if f.Agents.TTL < 0 {
		add("agents.ttl must not be negative")
	}

	for name, spec := range map[string]string{"schedule.discover": f.Schedule.Discover, "schedule.agent_sweep": f.Schedule.AgentSweep} {
		if strings.TrimSpace(spec) == "" || strings.EqualFold(strings.TrimSpace(spec), ScheduleOff) {
			continue
		}
		if _, err := ParseSchedule(spec); err != nil {
			add("%s: %v", name, err)
		}
	}

	if listen := strings.TrimSpace(f.Daemon.Listen); listen != "" {
		if _, _, err := net.SplitHostPort(listen); err != nil {
			add("daemon.listen: %v", err)
		}
	}
	if endpoint := strings.TrimSpace(f.Telemetry.OTLPEndpoint); endpoint != "" {
		if _, err := url.Parse(endpoint); err != nil {
			add("telemetry.otlp_endpoint: %v", err)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return &ValidationError{Problems: problems}
}

func validateProvider(id string, decl ProviderDeclaration) []string {
	var problems []string
	if strings.TrimSpace(id) == "" {
		problems = append(problems, "id must not be blank")
	}

	kind := catalog.ProviderKind(strings.ToLower(strings.TrimSpace(decl.Kind)))
	if kind == "" {
		kind = catalog.KindMCP
	}
	address := strings.TrimSpace(decl.Address)
	command := strings.TrimSpace(decl.Command)

	switch kind {
	case catalog.KindMCP:
		switch {
		case address == "" && command == "":
			problems = append(problems, "mcp providers need an address or a command")
		case address != "" && command != "":
			problems = append(problems, "set either address or command, not both")
		case address != "":
			problems = append(problems, checkHTTPURL(address)...)
		}
	case catalog.KindHTTP:
		if address == "" {
			problems = append(problems, "http providers need an address")
		} else {
			problems = append(problems, checkHTTPURL(address)...)
		}
	case catalog.KindTCP:
		if address == "" {
			problems = append(problems, "tcp providers need an address")
		}
	case catalog.KindStatic:
		if len(decl.Capabilities) == 0 {
			problems = append(problems, "static providers must declare capabilities")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown kind %q", decl.Kind))
	}

	if command == "" && (len(decl.Args) > 0 || len(decl.Env) > 0) {
		problems = append(problems, "args and env require a command")
	}
	return problems
}

func checkHTTPURL(raw string) []string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return []string{fmt.Sprintf("address: %v", err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return []string{fmt.Sprintf("address %q must use http or https", raw)}
	}
	if parsed.Host == "" {
		return []string{fmt.Sprintf("address %q has no host", raw)}
	}
	return nil
}
