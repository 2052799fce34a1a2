// Package automation is the default automation core. It owns the lifecycle of
// AI agent entries: only the core creates, updates, heartbeats, expires and
// removes them. The registry stores what the core writes and never infers an
// agent's status on its own.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/registry"
)

const (
	// DefaultAddress identifies an in-process core.
	DefaultAddress = "inproc://automation-core"
	// DefaultAgentTTL is how long an agent may go without a heartbeat.
	DefaultAgentTTL = 300 * time.Second
)

var (
	// ErrClosed is returned by operations on a core that has been closed.
	ErrClosed = errors.New("automation: core is closed")
	// ErrUnknownAgent is returned for ids the core does not own.
	ErrUnknownAgent = errors.New("automation: unknown agent")
	// ErrAgentExists is returned when registering an id already in use.
	ErrAgentExists = errors.New("automation: agent already registered")
)

// Config wires a Core.
type Config struct {
	Registry *registry.Registry
	Address  string
	AgentTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// AgentSpec describes an agent coming online.
type AgentSpec struct {
	// ID is optional; a random id is generated when empty.
	ID           string              `json:"id,omitempty"`
	Name         string              `json:"name"`
	Type         string              `json:"agent_type"`
	Capabilities []string            `json:"capabilities,omitempty"`
	Status       catalog.AgentStatus `json:"status,omitempty"`
}

// Core manages agents on behalf of the coordinator.
type Core struct {
	registry *registry.Registry
	address  string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	owned  map[string]struct{}
	closed bool
}

// New builds a core. It performs no I/O and touches no registry state.
func New(cfg Config) (*Core, error) {
	if cfg.Registry == nil {
		return nil, errors.New("automation: registry is required")
	}
	if strings.TrimSpace(cfg.Address) == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.AgentTTL <= 0 {
		cfg.AgentTTL = DefaultAgentTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Core{
		registry: cfg.Registry,
		address:  cfg.Address,
		ttl:      cfg.AgentTTL,
		logger:   cfg.Logger,
		now:      cfg.Now,
		owned:    make(map[string]struct{}),
	}, nil
}

// Address returns the address the discovery engine is bound to.
func (c *Core) Address() string { return c.address }

// Ready reports whether the core accepts work.
func (c *Core) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// AgentTTL returns the heartbeat expiry window.
func (c *Core) AgentTTL() time.Duration { return c.ttl }

// RegisterAgent brings an agent online with status idle unless spec says
// otherwise.
func (c *Core) RegisterAgent(ctx context.Context, spec AgentSpec) (catalog.Agent, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Agent{}, err
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := spec.Status
	if status == "" {
		status = catalog.AgentIdle
	}
	if _, err := catalog.ParseAgentStatus(string(status)); err != nil {
		return catalog.Agent{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return catalog.Agent{}, ErrClosed
	}
	if _, exists := c.owned[id]; exists {
		return catalog.Agent{}, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	agent := catalog.Agent{
		ID:           id,
		Name:         firstNonEmpty(spec.Name, id),
		Type:         spec.Type,
		Status:       status,
		Capabilities: spec.Capabilities,
		UpdatedAt:    c.now(),
	}
	if err := c.registry.UpsertAgent(agent); err != nil {
		return catalog.Agent{}, fmt.Errorf("automation: register agent: %w", err)
	}
	c.owned[id] = struct{}{}
	c.logger.Info("automation: agent registered", "agent_id", id, "agent_type", agent.Type)

	stored, _ := c.registry.Agent(id)
	return stored, nil
}

// SetAgentStatus records a status change. It also counts as a heartbeat.
func (c *Core) SetAgentStatus(ctx context.Context, id string, status catalog.AgentStatus) (catalog.Agent, error) {
	if _, err := catalog.ParseAgentStatus(string(status)); err != nil {
		return catalog.Agent{}, err
	}
	return c.update(ctx, id, func(agent *catalog.Agent) {
		agent.Status = status
	})
}

// Heartbeat refreshes an agent's UpdatedAt so it is not expired.
func (c *Core) Heartbeat(ctx context.Context, id string) (catalog.Agent, error) {
	return c.update(ctx, id, func(*catalog.Agent) {})
}

func (c *Core) update(ctx context.Context, id string, mutate func(*catalog.Agent)) (catalog.Agent, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Agent{}, err
	}
	id = strings.TrimSpace(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return catalog.Agent{}, ErrClosed
	}
	if _, ok := c.owned[id]; !ok {
		return catalog.Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	agent, ok := c.registry.Agent(id)
	if !ok {
		delete(c.owned, id)
		return catalog.Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	mutate(&agent)
	agent.UpdatedAt = c.now()
	if err := c.registry.UpsertAgent(agent); err != nil {
		return catalog.Agent{}, fmt.Errorf("automation: update agent: %w", err)
	}
	return agent, nil
}

// DeregisterAgent removes an agent.
func (c *Core) DeregisterAgent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.owned[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(c.owned, id)
	c.registry.RemoveAgent(id)
	c.logger.Info("automation: agent deregistered", "agent_id", id)
	return nil
}

// Agents returns the agents this core owns, ordered by id.
func (c *Core) Agents() []catalog.Agent {
	c.mu.Lock()
	owned := make(map[string]struct{}, len(c.owned))
	for id := range c.owned {
		owned[id] = struct{}{}
	}
	c.mu.Unlock()

	snapshot := c.registry.Agents()
	out := make([]catalog.Agent, 0, len(owned))
	for _, agent := range snapshot.Items {
		if _, ok := owned[agent.ID]; ok {
			out = append(out, agent)
		}
	}
	return out
}

// ExpireStale deregisters every agent whose last update is older than ttl
// at now, and returns their ids. A non-positive ttl uses the core's TTL.
func (c *Core) ExpireStale(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		ttl = c.ttl
	}
	cutoff := now.Add(-ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	var expired []string
	for _, agent := range c.registry.Agents().Items {
		if _, ok := c.owned[agent.ID]; !ok {
			continue
		}
		if agent.UpdatedAt.Before(cutoff) {
			delete(c.owned, agent.ID)
			c.registry.RemoveAgent(agent.ID)
			expired = append(expired, agent.ID)
		}
	}
	if len(expired) > 0 {
		c.logger.Info("automation: expired stale agents", "count", len(expired), "ttl", ttl)
	}
	return expired
}

// Close stops the core and removes every agent it owns from the registry.
// Closing twice is a no-op.
func (c *Core) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id := range c.owned {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.registry.RemoveAgent(id)
		delete(c.owned, id)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
