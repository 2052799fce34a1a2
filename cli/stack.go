package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/switchboard"
	"github.com/petal-labs/switchboard/bus"
	"github.com/petal-labs/switchboard/config"
	"github.com/petal-labs/switchboard/discovery"
	sbotel "github.com/petal-labs/switchboard/otel"
	"github.com/petal-labs/switchboard/probe"
	"github.com/petal-labs/switchboard/registry"
)

// loadConfig resolves and loads the configuration file. With no file found
// it returns the defaults and an empty path.
func loadConfig(explicitPath string) (*config.File, string, error) {
	path, found, err := config.DiscoverPath(explicitPath)
	if err != nil {
		if strings.TrimSpace(explicitPath) != "" {
			return nil, "", exitError(exitFileNotFound, "%v", err)
		}
		return nil, "", exitError(exitRuntime, "%v", err)
	}
	if !found {
		return config.Default(), "", nil
	}
	file, err := config.Load(path)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return nil, path, exitError(exitValidation, "%v", err)
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, path, exitError(exitFileNotFound, "%v", err)
		}
		return nil, path, exitError(exitValidation, "%v", err)
	}
	return file, path, nil
}

type stackOptions struct {
	File *config.File
	// Source overrides the providers declared in File.
	Source      discovery.DescriptorSource
	JournalPath string
	Logger      *slog.Logger
}

// stack is the coordinator with its registry collaborators.
type stack struct {
	bus         *bus.MemBus
	registry    *registry.Registry
	journal     *registry.SQLiteJournal
	coordinator *switchboard.Coordinator
}

func buildStack(opts stackOptions) (*stack, error) {
	file := opts.File
	if file == nil {
		file = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &stack{bus: bus.NewMemBus(bus.MemBusConfig{})}

	var journal registry.Journal
	journalPath := strings.TrimSpace(opts.JournalPath)
	if journalPath == "" {
		journalPath = strings.TrimSpace(file.Journal.SQLitePath)
	}
	if journalPath != "" {
		j, err := registry.NewSQLiteJournal(registry.SQLiteJournalConfig{DSN: journalPath})
		if err != nil {
			_ = s.bus.Close()
			return nil, fmt.Errorf("opening sqlite journal: %w", err)
		}
		s.journal = j
		journal = j
	}
	s.registry = registry.New(registry.Config{Bus: s.bus, Journal: journal, Logger: logger})

	observer, err := sbotel.NewDiscoveryObserver(
		otelapi.GetMeterProvider().Meter("switchboard/discovery"),
		otelapi.GetTracerProvider().Tracer("switchboard/discovery"),
	)
	if err != nil {
		_ = s.close(context.Background())
		return nil, fmt.Errorf("initializing discovery observability: %w", err)
	}

	source := opts.Source
	if source == nil {
		source = discovery.StaticSource(file.Descriptors())
	}
	s.coordinator = switchboard.New(switchboard.Config{
		Registry:     s.registry,
		Source:       source,
		Prober:       probe.NewDefaultRegistry(probe.Options{Retry: file.RetryPolicy()}),
		MaxInFlight:  file.Discovery.MaxInFlight,
		ProbeTimeout: file.Discovery.ProbeTimeout.Std(),
		AgentTTL:     file.Agents.TTL.Std(),
		Observer:     observer,
		Logger:       logger,
	})
	return s, nil
}

func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.coordinator != nil {
		errs = append(errs, s.coordinator.Close(ctx))
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	errs = append(errs, s.bus.Close())
	return errors.Join(errs...)
}
