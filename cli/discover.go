package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/switchboard/catalog"
)

// NewDiscoverCmd creates the "discover" subcommand.
func NewDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Probe every configured provider once and print the catalog",
		RunE:  runDiscover,
	}

	cmd.Flags().String("config", "", "Path to switchboard.yaml or switchboard.toml")
	cmd.Flags().String("journal", "", "Record results in this SQLite journal")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")
	cmd.Flags().Duration("timeout", time.Minute, "Overall deadline for the pass")
	cmd.Flags().Bool("strict", false, "Exit non-zero when any provider is unreachable")

	return cmd
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	journalPath, _ := cmd.Flags().GetString("journal")
	output, _ := cmd.Flags().GetString("output")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	strict, _ := cmd.Flags().GetBool("strict")

	if output != "table" && output != "json" {
		return exitError(exitValidation, "unknown output format %q", output)
	}

	file, _, err := loadConfig(explicitConfigPath)
	if err != nil {
		return err
	}

	logger := newLogger(cmd)
	s, err := buildStack(stackOptions{File: file, JournalPath: journalPath, Logger: logger})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer func() {
		_ = s.close(context.Background())
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.coordinator.Initialize(ctx); err != nil {
		return exitError(exitRuntime, "initialize: %v", err)
	}
	if _, err := s.coordinator.Discover(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return exitError(exitTimeout, "discovery timed out after %s", timeout)
		}
		return exitError(exitRuntime, "discover: %v", err)
	}

	services := s.coordinator.ListServices()
	out := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"services": services}); err != nil {
			return exitError(exitRuntime, "encoding output: %v", err)
		}
	default:
		renderServices(out, services)
	}

	unreachable := 0
	for _, entry := range services {
		if entry.Status == catalog.StatusUnreachable {
			unreachable++
		}
	}
	if output == "table" && !isQuiet(cmd) {
		fmt.Fprintf(out, "%d reachable, %d unreachable\n", len(services)-unreachable, unreachable)
	}
	if strict && unreachable > 0 {
		return exitError(exitUnreachable, "%d provider(s) unreachable", unreachable)
	}
	return nil
}
