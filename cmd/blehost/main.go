package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Tests build a fresh tree per run so
// flag values never leak between cases.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blehost",
		Short: "Host side of the BLE firmware test suites",
		Long: `Host-side harness for Bluetooth Low Energy firmware tests.

The firmware under test prints greentea {{key;value}} events; the test
orchestrator forwards them to 'blehost serve' on stdin. blehost locates the
peripheral over the air, connects, exercises its GATT profile and relays each
result to stdout:

- discover / connect a peripheral by its advertised name
- list, write and read the characteristics of a declarative profile
- drive the pairing and secure-read sequence of the security test

Failures are relayed too: --NOTFOUND-- when the device never showed up,
MISMATCH when it does not expose the expected profile, ERROR otherwise.`,
		Version:       formatVersion(version),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("blehost %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newLocateCmd())
	rootCmd.AddCommand(newStepCmd())
	rootCmd.AddCommand(newProfilesCmd())

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("verbose", false, "Shortcut for --log-level debug")
	flags.String("config", "", "YAML configuration file")
	flags.String("backend", "", "BLE backend (goble, bluez)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
