package discovery

import (
	"time"

	"github.com/petal-labs/switchboard/catalog"
)

// ProbeObservation captures the outcome of probing one provider.
type ProbeObservation struct {
	PassID     string
	ProviderID string
	Kind       catalog.ProviderKind
	Status     catalog.Status
	Started    time.Time
	Duration   time.Duration
	ErrorCode  string
	// Abandoned is set when the caller cancelled the pass before the probe
	// finished. Abandoned probes are not written to the registry.
	Abandoned bool
}

// PassObservation summarizes one Discover call.
type PassObservation struct {
	PassID      string
	Started     time.Time
	Duration    time.Duration
	Providers   int
	Reachable   int
	Unreachable int
	Abandoned   int
	Skipped     int
	// Withdrawn counts providers recorded by this pass but removed again
	// because the source stopped declaring them while the pass ran.
	Withdrawn int
	Cancelled bool
}

// Observer receives discovery observability events. Implementations must be
// safe for concurrent use; probe observations arrive from worker goroutines.
type Observer interface {
	ObserveProbe(observation ProbeObservation)
	ObservePass(observation PassObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveProbe(ProbeObservation) {}
func (noopObserver) ObservePass(PassObservation)   {}

// MultiObserver fans observations out to several observers.
type MultiObserver []Observer

// ObserveProbe implements Observer.
func (m MultiObserver) ObserveProbe(observation ProbeObservation) {
	for _, o := range m {
		o.ObserveProbe(observation)
	}
}

// ObservePass implements Observer.
func (m MultiObserver) ObservePass(observation PassObservation) {
	for _, o := range m {
		o.ObservePass(observation)
	}
}
