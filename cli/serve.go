package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/switchboard"
	"github.com/petal-labs/switchboard/config"
	"github.com/petal-labs/switchboard/daemon"
	"github.com/petal-labs/switchboard/discovery"
	sbotel "github.com/petal-labs/switchboard/otel"
	"github.com/petal-labs/switchboard/registry"
	"github.com/petal-labs/switchboard/schedule"
	"github.com/petal-labs/switchboard/sse"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination daemon",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to switchboard.yaml or switchboard.toml")
	cmd.Flags().String("listen", "", "Listen address (default: daemon.listen from config)")
	cmd.Flags().String("journal", "", "Record registry changes in this SQLite journal")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Bool("no-watch", false, "Do not reload the config file when it changes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	listen, _ := cmd.Flags().GetString("listen")
	journalPath, _ := cmd.Flags().GetString("journal")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	noWatch, _ := cmd.Flags().GetBool("no-watch")

	file, configPath, err := loadConfig(explicitConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := sbotel.SetupTracing(ctx, sbotel.TracingConfig{
		Endpoint:    file.Telemetry.OTLPEndpoint,
		ServiceName: file.Telemetry.ServiceName,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing tracing: %v", err)
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	var (
		source  discovery.DescriptorSource
		watcher *config.Watcher
	)
	if configPath != "" && !noWatch {
		watcher, err = config.NewWatcher(config.WatcherConfig{Path: configPath, Logger: logger})
		if err != nil {
			return exitError(exitValidation, "%v", err)
		}
		source = watcher
	}

	s, err := buildStack(stackOptions{File: file, Source: source, JournalPath: journalPath, Logger: logger})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer func() {
		_ = s.close(context.Background())
	}()

	registryMetrics, err := sbotel.NewRegistryMetrics(otelapi.GetMeterProvider().Meter("switchboard/registry"))
	if err != nil {
		return exitError(exitRuntime, "initializing registry metrics: %v", err)
	}
	go registryMetrics.Run(ctx, s.bus.SubscribeAll())

	if err := s.coordinator.Initialize(ctx); err != nil {
		return exitError(exitRuntime, "initialize: %v", err)
	}

	if watcher != nil {
		watcher.OnChange(func(updated *config.File) {
			reconcileProviders(ctx, s.coordinator, s.registry, updated, logger)
		})
		if err := watcher.Start(ctx); err != nil {
			return exitError(exitRuntime, "watching config: %v", err)
		}
		defer func() {
			_ = watcher.Stop()
		}()
	}

	scheduler, err := schedule.New(schedule.Config{
		Coordinator:    s.coordinator,
		DiscoverSpec:   file.Schedule.Discover,
		AgentSweepSpec: file.Schedule.AgentSweep,
		AgentTTL:       file.Agents.TTL.Std(),
		Logger:         logger,
	})
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting scheduler: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}()

	// Run one pass right away so the catalog is populated before the first
	// scheduled run.
	go func() {
		if _, err := s.coordinator.Discover(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("initial discovery pass failed", "error", err)
		}
	}()

	daemonServer, err := daemon.NewServer(daemon.ServerConfig{
		Coordinator: s.coordinator,
		Events:      sse.NewHandler(s.bus, s.registry),
		Logger:      logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating daemon server: %v", err)
	}

	handler := withCORS(daemonServer.Handler(), corsOrigin)
	handler = maxBodyMiddleware(handler, maxBody)

	addr := strings.TrimSpace(listen)
	if addr == "" {
		addr = file.Daemon.Listen
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if !isQuiet(cmd) {
			fmt.Fprintf(cmd.OutOrStdout(), "Switchboard daemon listening on %s\n", addr)
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		if !isQuiet(cmd) {
			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// reconcileProviders drops catalog entries for providers no longer declared
// and runs a discovery pass over the new declarations.
func reconcileProviders(ctx context.Context, coord *switchboard.Coordinator, reg *registry.Registry, file *config.File, logger *slog.Logger) {
	declared := make(map[string]struct{})
	for _, desc := range file.Descriptors() {
		declared[desc.ID] = struct{}{}
	}
	for _, entry := range reg.Services().Items {
		if _, ok := declared[entry.ProviderID]; ok {
			continue
		}
		if reg.RemoveService(entry.ProviderID) {
			logger.Info("provider removed from config", "provider_id", entry.ProviderID)
		}
	}
	if !coord.Ready() {
		return
	}
	if _, err := coord.Discover(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("discovery after config reload failed", "error", err)
	}
}

func withCORS(next http.Handler, allowedOrigin string) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func maxBodyMiddleware(next http.Handler, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}
