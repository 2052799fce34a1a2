package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a configuration file without probing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
	}

	file, path, err := loadConfig(explicit)
	if err != nil {
		return err
	}
	if path == "" {
		return exitError(exitFileNotFound, "no configuration file found")
	}

	if !isQuiet(cmd) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d provider(s), %d enabled\n",
			color.GreenString("✓"), path, len(file.Providers), len(file.Descriptors()))
	}
	return nil
}
