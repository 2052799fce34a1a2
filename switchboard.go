// Package switchboard coordinates a set of tool providers and AI agents.
//
// A Coordinator bootstraps the automation core and then the discovery engine
// exactly once, publishes them together as a Handle, and answers listing
// queries from the service registry. Listing never requires initialization;
// discovery does.
package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/petal-labs/switchboard/automation"
	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/discovery"
	"github.com/petal-labs/switchboard/probe"
	"github.com/petal-labs/switchboard/registry"
)

// ErrNotInitialized is returned by operations that need the handle before
// Initialize has succeeded.
var ErrNotInitialized = errors.New("switchboard: not initialized")

// ErrAgentsUnsupported is returned by Agents when the configured core does
// not manage agents.
var ErrAgentsUnsupported = errors.New("switchboard: automation core does not manage agents")

// AutomationCore is the contract the coordinator needs from a core.
type AutomationCore interface {
	Address() string
	Ready() bool
	Close(ctx context.Context) error
}

// AgentManager is implemented by cores that own agent lifecycles.
type AgentManager interface {
	RegisterAgent(ctx context.Context, spec automation.AgentSpec) (catalog.Agent, error)
	SetAgentStatus(ctx context.Context, id string, status catalog.AgentStatus) (catalog.Agent, error)
	Heartbeat(ctx context.Context, id string) (catalog.Agent, error)
	DeregisterAgent(ctx context.Context, id string) error
	ExpireStale(now time.Time, ttl time.Duration) []string
}

// Discoverer runs one discovery pass.
type Discoverer interface {
	Discover(ctx context.Context) ([]catalog.Entry, error)
}

// CoreFactory builds the automation core.
type CoreFactory func(ctx context.Context, reg *registry.Registry) (AutomationCore, error)

// EngineFactory builds the discovery engine bound to an already built core.
type EngineFactory func(ctx context.Context, core AutomationCore, reg *registry.Registry) (Discoverer, error)

// Handle is published once both components exist. Its fields never change
// after publication.
type Handle struct {
	Core   AutomationCore
	Engine Discoverer
}

// Config wires a Coordinator. Every field is optional.
type Config struct {
	Registry *registry.Registry
	Source   discovery.DescriptorSource
	Prober   probe.Prober

	MaxInFlight  int
	ProbeTimeout time.Duration
	AgentTTL     time.Duration
	CoreAddress  string
	Observer     discovery.Observer

	CoreFactory   CoreFactory
	EngineFactory EngineFactory

	Logger *slog.Logger
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	logger   *slog.Logger

	group  singleflight.Group
	handle atomic.Pointer[Handle]
	// lifecycle orders handle publication against Close.
	lifecycle sync.Mutex
}

// New returns an uninitialized coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(registry.Config{Logger: cfg.Logger})
	}
	if cfg.Source == nil {
		cfg.Source = discovery.StaticSource(nil)
	}
	c := &Coordinator{cfg: cfg, registry: cfg.Registry, logger: cfg.Logger}
	if c.cfg.CoreFactory == nil {
		c.cfg.CoreFactory = c.defaultCore
	}
	if c.cfg.EngineFactory == nil {
		c.cfg.EngineFactory = c.defaultEngine
	}
	return c
}

// Initialize builds the automation core, then the discovery engine, and
// publishes them. Calls after a successful Initialize return nil at once.
// Concurrent first calls share a single construction and its outcome. A
// failed call publishes nothing and a later call starts over.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if c.handle.Load() != nil {
		return nil
	}
	_, err, _ := c.group.Do("initialize", func() (any, error) {
		if c.handle.Load() != nil {
			return nil, nil
		}
		return nil, c.bootstrap(ctx)
	})
	return err
}

func (c *Coordinator) bootstrap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	core, err := c.cfg.CoreFactory(ctx, c.registry)
	if err != nil {
		return &InitError{Stage: StageAutomationCore, Err: err}
	}
	if core == nil {
		return &InitError{Stage: StageAutomationCore, Err: errors.New("factory returned nil core")}
	}

	engine, err := c.cfg.EngineFactory(ctx, core, c.registry)
	if err == nil && engine == nil {
		err = errors.New("factory returned nil engine")
	}
	if err != nil {
		if closeErr := core.Close(context.WithoutCancel(ctx)); closeErr != nil {
			c.logger.Warn("switchboard: close core after engine failure", "error", closeErr)
		}
		return &InitError{Stage: StageDiscoveryEngine, Err: err}
	}

	c.handle.Store(&Handle{Core: core, Engine: engine})
	c.logger.Info("switchboard: initialized", "core", core.Address())
	return nil
}

// Ready reports whether the handle has been published.
func (c *Coordinator) Ready() bool {
	return c.handle.Load() != nil
}

// Handle returns the published handle.
func (c *Coordinator) Handle() (Handle, bool) {
	h := c.handle.Load()
	if h == nil {
		return Handle{}, false
	}
	return *h, true
}

// Registry exposes the coordinator's registry.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Discover runs a discovery pass and returns the reachable entries ordered
// by provider id.
func (c *Coordinator) Discover(ctx context.Context) ([]catalog.Entry, error) {
	h := c.handle.Load()
	if h == nil {
		return nil, ErrNotInitialized
	}
	return h.Engine.Discover(ctx)
}

// ListServices returns every catalog entry, reachable or not, ordered by
// provider id. It never fails and works before initialization.
func (c *Coordinator) ListServices() []catalog.Entry {
	return c.registry.Services().Items
}

// FindServices returns reachable entries advertising capability.
func (c *Coordinator) FindServices(capability string) []catalog.Entry {
	return c.registry.ServicesWith(capability)
}

// ListAgents returns every agent ordered by id.
func (c *Coordinator) ListAgents() []catalog.Agent {
	return c.registry.Agents().Items
}

// Agents returns the published core's agent manager.
func (c *Coordinator) Agents() (AgentManager, error) {
	h := c.handle.Load()
	if h == nil {
		return nil, ErrNotInitialized
	}
	manager, ok := h.Core.(AgentManager)
	if !ok {
		return nil, ErrAgentsUnsupported
	}
	return manager, nil
}

// Stats summarizes the coordinator.
type Stats struct {
	Initialized bool                       `json:"initialized"`
	CoreAddress string                     `json:"core_address,omitempty"`
	Registry    registry.Stats             `json:"registry"`
	LastPass    *discovery.PassObservation `json:"last_pass,omitempty"`
}

// Stats reports registry counts and the most recent discovery pass.
func (c *Coordinator) Stats() Stats {
	stats := Stats{Registry: c.registry.Stats()}
	h := c.handle.Load()
	if h == nil {
		return stats
	}
	stats.Initialized = true
	stats.CoreAddress = h.Core.Address()
	if reporter, ok := h.Engine.(interface {
		LastPass() (discovery.PassObservation, bool)
	}); ok {
		if pass, ok := reporter.LastPass(); ok {
			stats.LastPass = &pass
		}
	}
	return stats
}

// Close unpublishes the handle and closes the core, which removes the agents
// it owns. The coordinator may be initialized again afterwards.
func (c *Coordinator) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	h := c.handle.Swap(nil)
	if h == nil {
		return nil
	}
	if err := h.Core.Close(ctx); err != nil {
		return fmt.Errorf("switchboard: close automation core: %w", err)
	}
	return nil
}

func (c *Coordinator) defaultCore(_ context.Context, reg *registry.Registry) (AutomationCore, error) {
	return automation.New(automation.Config{
		Registry: reg,
		Address:  c.cfg.CoreAddress,
		AgentTTL: c.cfg.AgentTTL,
		Logger:   c.logger,
	})
}

func (c *Coordinator) defaultEngine(_ context.Context, core AutomationCore, reg *registry.Registry) (Discoverer, error) {
	return discovery.New(discovery.Config{
		Core:         core,
		Registry:     reg,
		Source:       c.cfg.Source,
		Prober:       c.cfg.Prober,
		MaxInFlight:  c.cfg.MaxInFlight,
		ProbeTimeout: c.cfg.ProbeTimeout,
		Observer:     c.cfg.Observer,
		Logger:       c.logger,
	})
}
