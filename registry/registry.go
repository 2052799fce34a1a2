// Package registry is the concurrent-safe store of capability catalog entries
// and agent entries.
//
// The registry exclusively owns the records it holds. Values are cloned when
// written and again when read, so callers only ever see copies. Writers are
// serialized through a dedicated mutex that also covers event publication and
// journaling; readers take the table lock only long enough to copy.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/switchboard/bus"
	"github.com/petal-labs/switchboard/catalog"
)

// ErrEmptyKey is returned when an entry is written without an identifier.
var ErrEmptyKey = errors.New("registry: entry key is required")

// Journal receives every applied mutation. It is an optional persistence
// collaborator: the registry never reads it back.
type Journal interface {
	RecordService(ctx context.Context, entry catalog.Entry) error
	ForgetService(ctx context.Context, providerID string) error
	RecordAgent(ctx context.Context, agent catalog.Agent) error
	ForgetAgent(ctx context.Context, agentID string) error
}

// Config controls registry collaborators.
type Config struct {
	Bus     bus.EventBus
	Journal Journal
	Logger  *slog.Logger
	Now     func() time.Time
}

// Registry holds catalog entries keyed by provider id and agents keyed by id.
type Registry struct {
	// writeMu serializes mutations end to end so that revisions, events and
	// journal records are emitted in the same order they were applied.
	writeMu sync.Mutex

	mu       sync.RWMutex
	services map[string]catalog.Entry
	agents   map[string]catalog.Agent
	revision uint64

	bus     bus.EventBus
	journal Journal
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		services: make(map[string]catalog.Entry),
		agents:   make(map[string]catalog.Agent),
		bus:      cfg.Bus,
		journal:  cfg.Journal,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// UpsertService atomically replaces or inserts the entry for its provider id.
// The stored capability set is exactly the incoming one; nothing is merged.
func (r *Registry) UpsertService(entry catalog.Entry) error {
	_, err := r.upsertService(entry, false)
	return err
}

// CompareAndUpsertService stores the entry unless the registry already holds
// a record for the same provider probed later than entry.LastProbed. It
// reports whether the write was applied. Discovery uses it so that a slow,
// older pass cannot overwrite the result of a newer one.
func (r *Registry) CompareAndUpsertService(entry catalog.Entry) (bool, error) {
	return r.upsertService(entry, true)
}

func (r *Registry) upsertService(entry catalog.Entry, compare bool) (bool, error) {
	entry.ProviderID = strings.TrimSpace(entry.ProviderID)
	if entry.ProviderID == "" {
		return false, ErrEmptyKey
	}
	stored := entry.Clone()
	stored.Capabilities = catalog.NormalizeCapabilities(entry.Capabilities)
	if stored.Status == "" {
		stored.Status = catalog.StatusUnknown
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if compare {
		if existing, ok := r.services[stored.ProviderID]; ok && existing.LastProbed.After(stored.LastProbed) {
			r.mu.Unlock()
			return false, nil
		}
	}
	r.services[stored.ProviderID] = stored
	r.revision++
	revision := r.revision
	r.mu.Unlock()

	published := stored.Clone()
	r.publish(bus.Event{
		Kind:     bus.EventServiceUpserted,
		Key:      stored.ProviderID,
		Revision: revision,
		Service:  &published,
	})
	if r.journal != nil {
		if err := r.journal.RecordService(context.Background(), stored.Clone()); err != nil {
			r.logger.Warn("registry: journal service record failed", "provider_id", stored.ProviderID, "error", err)
		}
	}
	return true, nil
}

// RemoveService deletes a provider's entry. Removing a missing id is a no-op
// and reports false.
func (r *Registry) RemoveService(providerID string) bool {
	key := strings.TrimSpace(providerID)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if _, ok := r.services[key]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.services, key)
	r.revision++
	revision := r.revision
	r.mu.Unlock()

	r.publish(bus.Event{Kind: bus.EventServiceRemoved, Key: key, Revision: revision})
	if r.journal != nil {
		if err := r.journal.ForgetService(context.Background(), key); err != nil {
			r.logger.Warn("registry: journal service removal failed", "provider_id", key, "error", err)
		}
	}
	return true
}

// Service returns a copy of one provider's entry.
func (r *Registry) Service(providerID string) (catalog.Entry, bool) {
	r.mu.RLock()
	entry, ok := r.services[strings.TrimSpace(providerID)]
	r.mu.RUnlock()
	if !ok {
		return catalog.Entry{}, false
	}
	return entry.Clone(), true
}

// Services returns a point-in-time copy of all catalog entries ordered by
// provider id.
func (r *Registry) Services() catalog.Snapshot[catalog.Entry] {
	r.mu.RLock()
	revision := r.revision
	items := make([]catalog.Entry, 0, len(r.services))
	for _, entry := range r.services {
		items = append(items, entry.Clone())
	}
	r.mu.RUnlock()

	sortEntries(items)
	return catalog.Snapshot[catalog.Entry]{Revision: revision, Items: items}
}

// ServicesWith returns reachable entries advertising capability, ordered by
// provider id.
func (r *Registry) ServicesWith(capability string) []catalog.Entry {
	snapshot := r.Services()
	out := make([]catalog.Entry, 0, len(snapshot.Items))
	for _, entry := range snapshot.Items {
		if entry.Status == catalog.StatusReachable && entry.HasCapability(capability) {
			out = append(out, entry)
		}
	}
	return out
}

// UpsertAgent atomically replaces or inserts an agent record.
func (r *Registry) UpsertAgent(agent catalog.Agent) error {
	agent.ID = strings.TrimSpace(agent.ID)
	if agent.ID == "" {
		return ErrEmptyKey
	}
	stored := agent.Clone()
	stored.Capabilities = catalog.NormalizeCapabilities(agent.Capabilities)
	if stored.Status == "" {
		stored.Status = catalog.AgentIdle
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now()
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.agents[stored.ID] = stored
	r.revision++
	revision := r.revision
	r.mu.Unlock()

	published := stored.Clone()
	r.publish(bus.Event{
		Kind:     bus.EventAgentUpserted,
		Key:      stored.ID,
		Revision: revision,
		Agent:    &published,
	})
	if r.journal != nil {
		if err := r.journal.RecordAgent(context.Background(), stored.Clone()); err != nil {
			r.logger.Warn("registry: journal agent record failed", "agent_id", stored.ID, "error", err)
		}
	}
	return nil
}

// RemoveAgent deletes an agent record. Removing a missing id reports false.
func (r *Registry) RemoveAgent(agentID string) bool {
	key := strings.TrimSpace(agentID)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if _, ok := r.agents[key]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.agents, key)
	r.revision++
	revision := r.revision
	r.mu.Unlock()

	r.publish(bus.Event{Kind: bus.EventAgentRemoved, Key: key, Revision: revision})
	if r.journal != nil {
		if err := r.journal.ForgetAgent(context.Background(), key); err != nil {
			r.logger.Warn("registry: journal agent removal failed", "agent_id", key, "error", err)
		}
	}
	return true
}

// Agent returns a copy of one agent record.
func (r *Registry) Agent(agentID string) (catalog.Agent, bool) {
	r.mu.RLock()
	agent, ok := r.agents[strings.TrimSpace(agentID)]
	r.mu.RUnlock()
	if !ok {
		return catalog.Agent{}, false
	}
	return agent.Clone(), true
}

// Agents returns a point-in-time copy of all agents ordered by id.
func (r *Registry) Agents() catalog.Snapshot[catalog.Agent] {
	r.mu.RLock()
	revision := r.revision
	items := make([]catalog.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		items = append(items, agent.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(items, func(a, b catalog.Agent) int {
		return strings.Compare(a.ID, b.ID)
	})
	return catalog.Snapshot[catalog.Agent]{Revision: revision, Items: items}
}

// Stats summarizes registry contents.
type Stats struct {
	Revision             uint64                      `json:"revision"`
	Services             int                         `json:"services"`
	ServicesByStatus     map[catalog.Status]int      `json:"services_by_status"`
	Agents               int                         `json:"agents"`
	AgentsByStatus       map[catalog.AgentStatus]int `json:"agents_by_status"`
	OldestProbe          time.Time                   `json:"oldest_probe,omitempty"`
	DistinctCapabilities int                         `json:"distinct_capabilities"`
}

// Stats returns counts by status computed from one consistent view.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Revision:         r.revision,
		Services:         len(r.services),
		ServicesByStatus: make(map[catalog.Status]int),
		Agents:           len(r.agents),
		AgentsByStatus:   make(map[catalog.AgentStatus]int),
	}
	capabilities := make(map[string]struct{})
	for _, entry := range r.services {
		stats.ServicesByStatus[entry.Status]++
		if !entry.LastProbed.IsZero() && (stats.OldestProbe.IsZero() || entry.LastProbed.Before(stats.OldestProbe)) {
			stats.OldestProbe = entry.LastProbed
		}
		if entry.Status != catalog.StatusReachable {
			continue
		}
		for _, capability := range entry.Capabilities {
			capabilities[capability] = struct{}{}
		}
	}
	for _, agent := range r.agents {
		stats.AgentsByStatus[agent.Status]++
	}
	stats.DistinctCapabilities = len(capabilities)
	return stats
}

func (r *Registry) publish(event bus.Event) {
	if r.bus == nil {
		return
	}
	event.Time = r.now()
	r.bus.Publish(event)
}

func sortEntries(entries []catalog.Entry) {
	slices.SortFunc(entries, func(a, b catalog.Entry) int {
		return strings.Compare(a.ProviderID, b.ProviderID)
	})
}
