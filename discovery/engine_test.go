package discovery

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/probe"
	"github.com/petal-labs/switchboard/registry"
)

type readyCore struct{ ready bool }

func (c readyCore) Address() string { return "inproc://core" }
func (c readyCore) Ready() bool     { return c.ready }

// behaviorProber answers by provider id: "hang" blocks until the context ends,
// "fail" returns a transport error, anything else echoes declared capabilities.
type behaviorProber struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	started  chan string
}

func (p *behaviorProber) Probe(ctx context.Context, desc catalog.Descriptor) (probe.Result, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.started != nil {
		p.started <- desc.ID
	}

	switch desc.Address {
	case "hang":
		<-ctx.Done()
		return probe.Result{}, ctx.Err()
	case "fail":
		return probe.Result{}, errors.New("connection refused")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return probe.Result{}, ctx.Err()
		}
	}
	return probe.Result{Capabilities: desc.Capabilities}, nil
}

func newEngine(t *testing.T, reg *registry.Registry, descs []catalog.Descriptor, prober probe.Prober, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Core:         readyCore{ready: true},
		Registry:     reg,
		Source:       StaticSource(descs),
		Prober:       prober,
		ProbeTimeout: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return engine
}

func ids(entries []catalog.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.ProviderID)
	}
	return out
}

func TestEngine_PartialFailureIsNotAnError(t *testing.T) {
	reg := registry.New(registry.Config{})
	engine := newEngine(t, reg, []catalog.Descriptor{
		{ID: "search", Address: "ok", Capabilities: []string{"web"}},
		{ID: "files", Address: "ok", Capabilities: []string{"read"}},
		{ID: "slow", Address: "hang", Capabilities: []string{"never"}},
	}, &behaviorProber{}, nil)

	got, err := engine.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !slices.Equal(ids(got), []string{"files", "search"}) {
		t.Fatalf("reachable = %q, want [files search]", ids(got))
	}

	slow, ok := reg.Service("slow")
	if !ok {
		t.Fatal("unreachable provider was not recorded")
	}
	if slow.Status != catalog.StatusUnreachable || len(slow.Capabilities) != 0 {
		t.Fatalf("slow entry = %#v, want unreachable with no capabilities", slow)
	}
	if slow.Error == "" {
		t.Fatal("unreachable entry has no error text")
	}

	pass, ok := engine.LastPass()
	if !ok || pass.Reachable != 2 || pass.Unreachable != 1 {
		t.Fatalf("LastPass() = %#v", pass)
	}
}

func TestEngine_TimeoutHoldsForProberIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stubborn := probe.ProberFunc(func(_ context.Context, desc catalog.Descriptor) (probe.Result, error) {
		if desc.ID == "stubborn" {
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			return probe.Result{Capabilities: []string{"late"}}, nil
		}
		return probe.Result{Capabilities: desc.Capabilities}, nil
	})

	reg := registry.New(registry.Config{})
	engine := newEngine(t, reg, []catalog.Descriptor{
		{ID: "quick", Capabilities: []string{"echo"}},
		{ID: "stubborn", Capabilities: []string{"never"}},
	}, stubborn, nil)

	start := time.Now()
	got, err := engine.Discover(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("Discover() took %v, want the probe deadline to bound the pass", elapsed)
	}
	if !slices.Equal(ids(got), []string{"quick"}) {
		t.Fatalf("reachable = %q, want [quick]", ids(got))
	}

	entry, ok := reg.Service("stubborn")
	if !ok {
		t.Fatal("timed out provider was not recorded")
	}
	if entry.Status != catalog.StatusUnreachable || len(entry.Capabilities) != 0 {
		t.Fatalf("stubborn entry = %#v, want unreachable with no capabilities", entry)
	}
	if !strings.HasPrefix(entry.Error, probe.CodeTimeout) {
		t.Fatalf("stubborn error = %q, want %s", entry.Error, probe.CodeTimeout)
	}
}

func TestEngine_LateSuccessCountsAsTimeout(t *testing.T) {
	late := probe.ProberFunc(func(ctx context.Context, desc catalog.Descriptor) (probe.Result, error) {
		<-ctx.Done()
		return probe.Result{Capabilities: []string{"late"}}, nil
	})
	reg := registry.New(registry.Config{})
	engine := newEngine(t, reg, []catalog.Descriptor{{ID: "late"}}, late, nil)

	got, err := engine.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("reachable = %q, want none", ids(got))
	}
	if entry, _ := reg.Service("late"); entry.Status != catalog.StatusUnreachable {
		t.Fatalf("late entry = %#v, want unreachable", entry)
	}
}

func TestEngine_WithdrawsProvidersDroppedDuringPass(t *testing.T) {
	var (
		mu      sync.Mutex
		current = []catalog.Descriptor{
			{ID: "kept", Capabilities: []string{"echo"}},
			{ID: "dropped", Capabilities: []string{"old"}},
		}
	)
	source := SourceFunc(func(context.Context) ([]catalog.Descriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(current), nil
	})

	probing := make(chan struct{})
	release := make(chan struct{})
	prober := probe.ProberFunc(func(ctx context.Context, desc catalog.Descriptor) (probe.Result, error) {
		if desc.ID == "dropped" {
			close(probing)
			select {
			case <-release:
			case <-ctx.Done():
				return probe.Result{}, ctx.Err()
			}
		}
		return probe.Result{Capabilities: desc.Capabilities}, nil
	})

	reg := registry.New(registry.Config{})
	engine := newEngine(t, reg, nil, prober, func(cfg *Config) {
		cfg.Source = source
		cfg.ProbeTimeout = 5 * time.Second
	})

	type passResult struct {
		entries []catalog.Entry
		err     error
	}
	done := make(chan passResult, 1)
	go func() {
		entries, err := engine.Discover(context.Background())
		done <- passResult{entries, err}
	}()

	select {
	case <-probing:
	case <-time.After(2 * time.Second):
		t.Fatal("dropped provider was never probed")
	}
	mu.Lock()
	current = current[:1]
	mu.Unlock()
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Discover() error = %v", res.err)
	}
	if !slices.Equal(ids(res.entries), []string{"kept"}) {
		t.Fatalf("reachable = %q, want [kept]", ids(res.entries))
	}
	if _, ok := reg.Service("dropped"); ok {
		t.Fatal("provider dropped from the source is still in the registry")
	}
	if _, ok := reg.Service("kept"); !ok {
		t.Fatal("kept provider missing from the registry")
	}
	if pass, _ := engine.LastPass(); pass.Withdrawn != 1 {
		t.Fatalf("Withdrawn = %d, want 1", pass.Withdrawn)
	}
}

func TestEngine_DeterministicOrder(t *testing.T) {
	descs := []catalog.Descriptor{
		{ID: "zulu", Address: "ok"},
		{ID: "alpha", Address: "ok"},
		{ID: "mike", Address: "ok"},
		{ID: "bravo", Address: "ok"},
	}
	engine := newEngine(t, registry.New(registry.Config{}), descs, &behaviorProber{}, nil)

	want := []string{"alpha", "bravo", "mike", "zulu"}
	for i := 0; i < 5; i++ {
		got, err := engine.Discover(context.Background())
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
		if !slices.Equal(ids(got), want) {
			t.Fatalf("pass %d order = %q, want %q", i, ids(got), want)
		}
	}
}

func TestEngine_EmptyProviderList(t *testing.T) {
	engine := newEngine(t, registry.New(registry.Config{}), nil, &behaviorProber{}, nil)
	got, err := engine.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("Discover() = %#v, want empty non-nil slice", got)
	}
}

func TestEngine_AllUnreachable(t *testing.T) {
	reg := registry.New(registry.Config{})
	engine := newEngine(t, reg, []catalog.Descriptor{
		{ID: "a", Address: "fail"},
		{ID: "b", Address: "hang"},
	}, &behaviorProber{}, nil)

	got, err := engine.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Discover() = %q, want none", ids(got))
	}

	snapshot := reg.Services()
	if len(snapshot.Items) != 2 {
		t.Fatalf("registry holds %d entries, want 2", len(snapshot.Items))
	}
	for _, entry := range snapshot.Items {
		if entry.Status != catalog.StatusUnreachable {
			t.Fatalf("%s status = %s, want unreachable", entry.ProviderID, entry.Status)
		}
	}
	a, _ := reg.Service("a")
	b, _ := reg.Service("b")
	if a.Error == "" || b.Error == "" {
		t.Fatalf("missing error text: a=%q b=%q", a.Error, b.Error)
	}
}

func TestEngine_RediscoveryReplacesCapabilities(t *testing.T) {
	reg := registry.New(registry.Config{})
	var caps atomic.Value
	caps.Store([]string{"a", "b"})
	prober := probe.ProberFunc(func(context.Context, catalog.Descriptor) (probe.Result, error) {
		return probe.Result{Capabilities: caps.Load().([]string)}, nil
	})
	engine := newEngine(t, reg, []catalog.Descriptor{{ID: "p"}}, prober, nil)

	if _, err := engine.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	caps.Store([]string{"a"})
	if _, err := engine.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	entry, _ := reg.Service("p")
	if !slices.Equal(entry.Capabilities, []string{"a"}) {
		t.Fatalf("capabilities = %q, want [a]", entry.Capabilities)
	}
}

func TestEngine_BoundsConcurrentProbes(t *testing.T) {
	var descs []catalog.Descriptor
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		descs = append(descs, catalog.Descriptor{ID: id, Address: "ok"})
	}
	prober := &behaviorProber{delay: 10 * time.Millisecond}
	engine := newEngine(t, registry.New(registry.Config{}), descs, prober, func(cfg *Config) {
		cfg.MaxInFlight = 3
		cfg.ProbeTimeout = time.Second
	})

	got, err := engine.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != len(descs) {
		t.Fatalf("reachable = %d, want %d", len(got), len(descs))
	}
	if peak := prober.peak.Load(); peak > 3 {
		t.Fatalf("peak in-flight probes = %d, want <= 3", peak)
	}
}

func TestEngine_DuplicateIDsFirstWins(t *testing.T) {
	reg := registry.New(registry.Config{})
	engine := newEngine(t, reg, []catalog.Descriptor{
		{ID: "dup", Name: "first", Address: "ok", Capabilities: []string{"one"}},
		{ID: "dup", Name: "second", Address: "ok", Capabilities: []string{"two"}},
		{ID: " ", Address: "ok"},
	}, &behaviorProber{}, nil)

	got, err := engine.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "first" || !slices.Equal(got[0].Capabilities, []string{"one"}) {
		t.Fatalf("Discover() = %#v, want only the first dup", got)
	}
	if pass, _ := engine.LastPass(); pass.Skipped != 2 {
		t.Fatalf("Skipped = %d, want 2", pass.Skipped)
	}
}

func TestEngine_CancellationDoesNotRecordAbandonedProbes(t *testing.T) {
	reg := registry.New(registry.Config{})
	prober := &behaviorProber{started: make(chan string, 4)}
	engine := newEngine(t, reg, []catalog.Descriptor{
		{ID: "fast", Address: "ok"},
		{ID: "stuck", Address: "hang"},
	}, prober, func(cfg *Config) {
		cfg.ProbeTimeout = time.Minute
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.Discover(ctx)
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-prober.started:
		case <-time.After(2 * time.Second):
			t.Fatal("probes did not start")
		}
	}
	// Give the fast probe time to land in the registry before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := reg.Service("fast"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fast provider never recorded")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Discover() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Discover() did not return after cancellation")
	}

	if _, ok := reg.Service("stuck"); ok {
		t.Fatal("abandoned probe was recorded")
	}
	pass, _ := engine.LastPass()
	if !pass.Cancelled || pass.Abandoned != 1 {
		t.Fatalf("LastPass() = %#v, want cancelled with 1 abandoned", pass)
	}
}

func TestEngine_RequiresReadyCore(t *testing.T) {
	engine := newEngine(t, registry.New(registry.Config{}), nil, &behaviorProber{}, func(cfg *Config) {
		cfg.Core = readyCore{ready: false}
	})
	if _, err := engine.Discover(context.Background()); !errors.Is(err, ErrCoreUnavailable) {
		t.Fatalf("Discover() error = %v, want ErrCoreUnavailable", err)
	}
}

func TestEngine_SourceErrorFailsPass(t *testing.T) {
	boom := errors.New("config unreadable")
	engine := newEngine(t, registry.New(registry.Config{}), nil, &behaviorProber{}, func(cfg *Config) {
		cfg.Source = SourceFunc(func(context.Context) ([]catalog.Descriptor, error) { return nil, boom })
	})
	if _, err := engine.Discover(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Discover() error = %v, want %v", err, boom)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	probes []ProbeObservation
	passes []PassObservation
}

func (o *recordingObserver) ObserveProbe(observation ProbeObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.probes = append(o.probes, observation)
}

func (o *recordingObserver) ObservePass(observation PassObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes = append(o.passes, observation)
}

func TestEngine_Observer(t *testing.T) {
	observer := &recordingObserver{}
	engine := newEngine(t, registry.New(registry.Config{}), []catalog.Descriptor{
		{ID: "ok", Address: "ok", Kind: catalog.KindStatic},
		{ID: "bad", Address: "fail", Kind: catalog.KindHTTP},
	}, &behaviorProber{}, func(cfg *Config) {
		cfg.Observer = MultiObserver{observer}
	})

	if _, err := engine.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(observer.passes) != 1 || observer.passes[0].Providers != 2 {
		t.Fatalf("passes = %#v", observer.passes)
	}
	if len(observer.probes) != 2 {
		t.Fatalf("probes = %#v", observer.probes)
	}
	for _, p := range observer.probes {
		if p.PassID != observer.passes[0].PassID {
			t.Fatalf("probe pass id = %q, want %q", p.PassID, observer.passes[0].PassID)
		}
		if p.ProviderID == "bad" && p.ErrorCode != probe.CodeTransportFailure {
			t.Fatalf("bad provider code = %q", p.ErrorCode)
		}
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New(empty) error = nil, want error")
	}
}
