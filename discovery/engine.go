// Package discovery probes configured tool providers and records what they
// offer in the service registry.
//
// A pass probes every provider concurrently with a bounded number in flight.
// Each probe gets its own deadline. A provider that fails or times out is
// recorded as unreachable and never fails the pass; only caller cancellation
// or an unreadable provider list ends a pass with an error.
package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/probe"
	"github.com/petal-labs/switchboard/registry"
)

const (
	// DefaultMaxInFlight bounds concurrent probes per pass.
	DefaultMaxInFlight = 8
	// DefaultProbeTimeout is the per-provider probe budget.
	DefaultProbeTimeout = 3 * time.Second
)

// ErrCoreUnavailable is returned when the automation core the engine was
// built against is no longer ready.
var ErrCoreUnavailable = errors.New("discovery: automation core is not ready")

// Core is the part of the automation core the engine depends on.
type Core interface {
	Address() string
	Ready() bool
}

// Config wires an Engine.
type Config struct {
	Core         Core
	Registry     *registry.Registry
	Source       DescriptorSource
	Prober       probe.Prober
	MaxInFlight  int
	ProbeTimeout time.Duration
	Observer     Observer
	Logger       *slog.Logger
	Now          func() time.Time
}

// Engine runs discovery passes. It is safe for concurrent use; overlapping
// passes are allowed and the registry keeps the most recently probed result
// for each provider.
type Engine struct {
	core         Core
	registry     *registry.Registry
	source       DescriptorSource
	prober       probe.Prober
	maxInFlight  int
	probeTimeout time.Duration
	observer     Observer
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	lastPass *PassObservation
}

// New validates cfg and returns an Engine. Construction does no I/O.
func New(cfg Config) (*Engine, error) {
	if cfg.Core == nil {
		return nil, errors.New("discovery: automation core is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("discovery: registry is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("discovery: descriptor source is required")
	}
	if cfg.Prober == nil {
		cfg.Prober = probe.NewDefaultRegistry(probe.Options{})
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		core:         cfg.Core,
		registry:     cfg.Registry,
		source:       cfg.Source,
		prober:       cfg.Prober,
		maxInFlight:  cfg.MaxInFlight,
		probeTimeout: cfg.ProbeTimeout,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}, nil
}

// Discover probes every configured provider, records each result in the
// registry, and returns the reachable entries ordered by provider id.
//
// If ctx is cancelled the pass stops launching probes, abandons the running
// ones, and reports ctx.Err(). Probes that finished before the
// cancellation are still recorded.
func (e *Engine) Discover(ctx context.Context) ([]catalog.Entry, error) {
	if !e.core.Ready() {
		return nil, ErrCoreUnavailable
	}

	pass := PassObservation{PassID: uuid.NewString(), Started: e.now()}
	logger := e.logger.With("pass_id", pass.PassID)

	descriptors, err := e.source.Descriptors(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: load providers: %w", err)
	}
	descriptors, pass.Skipped = dedupe(descriptors, logger)
	pass.Providers = len(descriptors)

	var (
		sem     = semaphore.NewWeighted(int64(e.maxInFlight))
		wg      sync.WaitGroup
		mu      sync.Mutex
		results  = make([]catalog.Entry, 0, len(descriptors))
		recorded = make([]string, 0, len(descriptors))
	)
	launched := 0
	for _, desc := range descriptors {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++
		wg.Add(1)
		go func(desc catalog.Descriptor) {
			defer wg.Done()
			defer sem.Release(1)

			entry, ok := e.probeOne(ctx, pass.PassID, desc)
			if !ok {
				mu.Lock()
				pass.Abandoned++
				mu.Unlock()
				return
			}
			if _, err := e.registry.CompareAndUpsertService(entry); err != nil {
				logger.Warn("discovery: record entry failed", "provider_id", entry.ProviderID, "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			recorded = append(recorded, entry.ProviderID)
			if entry.Status == catalog.StatusReachable {
				pass.Reachable++
				results = append(results, entry)
			} else {
				pass.Unreachable++
			}
		}(desc)
	}
	wg.Wait()

	withdrawn := e.withdrawUndeclared(context.WithoutCancel(ctx), recorded, logger)
	pass.Withdrawn = len(withdrawn)
	if len(withdrawn) > 0 {
		results = slices.DeleteFunc(results, func(entry catalog.Entry) bool {
			_, gone := withdrawn[entry.ProviderID]
			return gone
		})
	}

	pass.Abandoned += len(descriptors) - launched
	pass.Duration = e.now().Sub(pass.Started)
	pass.Cancelled = ctx.Err() != nil
	e.finishPass(pass)

	if err := ctx.Err(); err != nil {
		logger.Info("discovery: pass cancelled",
			"reachable", pass.Reachable, "unreachable", pass.Unreachable, "abandoned", pass.Abandoned)
		return nil, err
	}

	slices.SortFunc(results, func(a, b catalog.Entry) int {
		return cmp.Compare(a.ProviderID, b.ProviderID)
	})
	logger.Debug("discovery: pass finished",
		"core", e.core.Address(),
		"providers", pass.Providers,
		"reachable", pass.Reachable,
		"unreachable", pass.Unreachable,
		"duration", pass.Duration)
	return results, nil
}

// withdrawUndeclared removes entries this pass recorded for providers the
// source no longer declares. A pass that read its descriptors before the
// source changed must not leave dropped providers in the registry.
func (e *Engine) withdrawUndeclared(ctx context.Context, recorded []string, logger *slog.Logger) map[string]struct{} {
	if len(recorded) == 0 {
		return nil
	}
	current, err := e.source.Descriptors(ctx)
	if err != nil {
		logger.Warn("discovery: re-reading providers failed, keeping recorded entries", "error", err)
		return nil
	}
	declared := make(map[string]struct{}, len(current))
	for _, desc := range current {
		declared[strings.TrimSpace(desc.ID)] = struct{}{}
	}

	var withdrawn map[string]struct{}
	for _, id := range recorded {
		if _, ok := declared[id]; ok {
			continue
		}
		if e.registry.RemoveService(id) {
			logger.Info("discovery: withdrew provider no longer declared", "provider_id", id)
		}
		if withdrawn == nil {
			withdrawn = make(map[string]struct{})
		}
		withdrawn[id] = struct{}{}
	}
	return withdrawn
}

// LastPass returns the summary of the most recently completed pass.
func (e *Engine) LastPass() (PassObservation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastPass == nil {
		return PassObservation{}, false
	}
	return *e.lastPass, true
}

func (e *Engine) finishPass(pass PassObservation) {
	e.mu.Lock()
	e.lastPass = &pass
	e.mu.Unlock()
	e.observer.ObservePass(pass)
}

type probeOutcome struct {
	result probe.Result
	err    error
}

// probeOne returns false when the probe was abandoned because the caller
// cancelled the pass. The deadline holds even for probers that ignore ctx:
// such a prober is left to finish on its own and its answer is discarded.
func (e *Engine) probeOne(ctx context.Context, passID string, desc catalog.Descriptor) (catalog.Entry, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	started := e.now()
	done := make(chan probeOutcome, 1)
	go func() {
		result, err := e.prober.Probe(probeCtx, desc)
		done <- probeOutcome{result: result, err: err}
	}()

	var outcome probeOutcome
	select {
	case outcome = <-done:
	case <-probeCtx.Done():
		outcome.err = probeCtx.Err()
	}
	finished := e.now()

	result, err := outcome.result, outcome.err
	if err == nil && probeCtx.Err() != nil {
		// Answered only after the deadline passed.
		err = probeCtx.Err()
	}

	observation := ProbeObservation{
		PassID:     passID,
		ProviderID: desc.ID,
		Kind:       desc.Kind,
		Started:    started,
		Duration:   finished.Sub(started),
	}

	if err != nil && ctx.Err() != nil {
		observation.Abandoned = true
		observation.ErrorCode = probe.CodeOf(ctx.Err())
		e.observer.ObserveProbe(observation)
		return catalog.Entry{}, false
	}

	entry := catalog.Entry{
		ProviderID: desc.ID,
		Name:       firstNonEmpty(desc.Name, result.Name, desc.ID),
		Address:    firstNonEmpty(desc.Address, desc.Command),
		LastProbed: finished,
		LatencyMS:  observation.Duration.Milliseconds(),
	}
	if err != nil {
		probeErr := probe.Classify(err)
		entry.Status = catalog.StatusUnreachable
		entry.Capabilities = []string{}
		entry.Error = probeErr.Error()
		observation.ErrorCode = probeErr.Code
		e.logger.Debug("discovery: provider unreachable",
			"pass_id", passID, "provider_id", desc.ID, "code", probeErr.Code, "error", err)
	} else {
		entry.Status = catalog.StatusReachable
		entry.Capabilities = catalog.NormalizeCapabilities(result.Capabilities)
	}
	observation.Status = entry.Status
	e.observer.ObserveProbe(observation)
	return entry, true
}

// dedupe drops descriptors without an id and every repeat of an id after its
// first occurrence.
func dedupe(in []catalog.Descriptor, logger *slog.Logger) ([]catalog.Descriptor, int) {
	seen := make(map[string]struct{}, len(in))
	out := make([]catalog.Descriptor, 0, len(in))
	skipped := 0
	for _, desc := range in {
		desc.ID = strings.TrimSpace(desc.ID)
		if desc.ID == "" {
			logger.Warn("discovery: skipping provider without id", "name", desc.Name)
			skipped++
			continue
		}
		if _, dup := seen[desc.ID]; dup {
			logger.Warn("discovery: skipping duplicate provider", "provider_id", desc.ID)
			skipped++
			continue
		}
		seen[desc.ID] = struct{}{}
		out = append(out, desc)
	}
	return out, skipped
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
