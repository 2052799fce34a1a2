// Package probe asks tool providers what they can do. A Prober handles one
// provider kind; a Registry routes each descriptor to the prober for its kind.
//
// Probers never enforce their own timeout. The caller's context deadline is
// the probe's budget.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/petal-labs/switchboard/catalog"
)

// Result is what a successful probe learned about a provider.
type Result struct {
	// Name is the provider's self-reported name, if it has one.
	Name         string
	Capabilities []string
}

// Prober checks one provider and reports its capabilities.
type Prober interface {
	Probe(ctx context.Context, desc catalog.Descriptor) (Result, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, desc catalog.Descriptor) (Result, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, desc catalog.Descriptor) (Result, error) {
	return f(ctx, desc)
}

// Registry maps provider kinds to probers. It is itself a Prober.
type Registry struct {
	mu      sync.RWMutex
	probers map[catalog.ProviderKind]Prober
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{probers: make(map[catalog.ProviderKind]Prober)}
}

// Options configures the built-in probers.
type Options struct {
	HTTPClient *http.Client
	Retry      RetryPolicy
}

// NewDefaultRegistry registers the mcp, http, tcp and static probers. The
// retry policy wraps every network prober.
func NewDefaultRegistry(opts Options) *Registry {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	r := NewRegistry()
	r.Register(catalog.KindMCP, WithRetry(&MCPProber{HTTPClient: client}, opts.Retry))
	r.Register(catalog.KindHTTP, WithRetry(&HTTPProber{Client: client}, opts.Retry))
	r.Register(catalog.KindTCP, WithRetry(&TCPProber{}, opts.Retry))
	r.Register(catalog.KindStatic, StaticProber{})
	return r
}

// Register installs or replaces the prober for kind.
func (r *Registry) Register(kind catalog.ProviderKind, prober Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probers[kind] = prober
}

// Lookup returns the prober for kind.
func (r *Registry) Lookup(kind catalog.ProviderKind) (Prober, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prober, ok := r.probers[kind]
	return prober, ok
}

// Probe routes desc to the prober registered for its kind. An empty kind is
// treated as mcp.
func (r *Registry) Probe(ctx context.Context, desc catalog.Descriptor) (Result, error) {
	kind := desc.Kind
	if kind == "" {
		kind = catalog.KindMCP
	}
	prober, ok := r.Lookup(kind)
	if !ok {
		return Result{}, &Error{
			Code:    CodeUnsupportedKind,
			Message: fmt.Sprintf("no prober for kind %q", kind),
		}
	}
	return prober.Probe(ctx, desc)
}

var _ Prober = (*Registry)(nil)
