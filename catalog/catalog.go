// Package catalog defines the records shared by the coordination registry:
// provider descriptors supplied by configuration, capability catalog entries
// produced by discovery, and agent entries owned by the automation core.
//
// Every type in this package is a plain value. Slices and maps are copied by
// the Clone helpers so that a record handed to a caller can never alias the
// registry's own storage.
package catalog

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ProviderKind selects the prober used to reach a provider.
type ProviderKind string

const (
	KindMCP    ProviderKind = "mcp"
	KindHTTP   ProviderKind = "http"
	KindTCP    ProviderKind = "tcp"
	KindStatic ProviderKind = "static"
)

// Descriptor is the configured description of one tool provider.
type Descriptor struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Address      string            `json:"address" yaml:"address"`
	Kind         ProviderKind      `json:"kind" yaml:"kind"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Command, Args and Env describe stdio MCP providers. Address is ignored
	// for those and Command is spawned instead.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Status is the reachability of a provider as of its last probe.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusReachable   Status = "reachable"
	StatusUnreachable Status = "unreachable"
)

// Entry is the registry's record of one provider's last-known capabilities.
type Entry struct {
	ProviderID   string    `json:"provider_id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Status       Status    `json:"status"`
	Capabilities []string  `json:"capabilities"`
	LastProbed   time.Time `json:"last_probed"`
	LatencyMS    int64     `json:"latency_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// HasCapability reports whether the entry advertises capability.
func (e Entry) HasCapability(capability string) bool {
	_, found := slices.BinarySearch(e.Capabilities, strings.TrimSpace(capability))
	return found
}

// AgentStatus is the activity state of an AI agent.
type AgentStatus string

const (
	AgentIdle  AgentStatus = "idle"
	AgentBusy  AgentStatus = "busy"
	AgentError AgentStatus = "error"
)

// ParseAgentStatus validates a textual agent status.
func ParseAgentStatus(raw string) (AgentStatus, error) {
	switch status := AgentStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case AgentIdle, AgentBusy, AgentError:
		return status, nil
	default:
		return "", fmt.Errorf("catalog: unknown agent status %q", raw)
	}
}

// Agent is the registry's record of one AI agent.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Type         string      `json:"agent_type"`
	Status       AgentStatus `json:"status"`
	Capabilities []string    `json:"capabilities"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Snapshot is a point-in-time copy of one registry table. Revision counts the
// mutations applied to the registry before the copy was taken.
type Snapshot[T any] struct {
	Revision uint64 `json:"revision"`
	Items    []T    `json:"items"`
}

// NormalizeCapabilities trims, drops empties, de-duplicates and sorts a
// capability list. The result is never nil.
func NormalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, capability := range in {
		clean := strings.TrimSpace(capability)
		if clean == "" {
			continue
		}
		out = append(out, clean)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
