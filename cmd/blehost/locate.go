package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/devicefactory"
	"github.com/srg/blehost/internal/locator"
	"github.com/srg/blehost/pkg/config"
)

func newLocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locate <name>",
		Short: "Look for a peripheral by its advertised name",
		Long: `Run the same bounded scan loop the host tests use: up to --attempts scan
cycles of --attempt-timeout each, stopping at the first advertisement whose
name matches exactly. Every device seen on the way is listed.`,
		Example: `  blehost locate dev-01
  blehost locate --attempts 3 --attempt-timeout 5s -f json dev-01`,
		Args: cobra.ExactArgs(1),
		RunE: runLocate,
	}
	cmd.Flags().StringP("format", "f", "", "Output format (table, json)")
	addScanFlags(cmd)
	cmd.Flags().Bool("allow-duplicates", false, "Report repeated advertisements from the same device")
	return cmd
}

// addScanFlags registers the retry budget flags shared by locate, serve and step.
func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().Int("attempts", 0, "Scan cycles before giving up (default from config: 5)")
	cmd.Flags().Duration("attempt-timeout", 0, "Length of one scan cycle (default from config: 10s)")
	cmd.Flags().Duration("attempt-delay", 0, "Pause between scan cycles")
}

// applyScanFlags copies explicitly set scan flags into cfg.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("attempts") {
		cfg.ScanAttempts, _ = cmd.Flags().GetInt("attempts")
	}
	if cmd.Flags().Changed("attempt-timeout") {
		cfg.AttemptTimeout, _ = cmd.Flags().GetDuration("attempt-timeout")
	}
	if cmd.Flags().Changed("attempt-delay") {
		cfg.AttemptDelay, _ = cmd.Flags().GetDuration("attempt-delay")
	}
}

// locateReport is the JSON form of a locate run.
type locateReport struct {
	Target   string             `json:"target"`
	State    string             `json:"state"`
	Attempts int                `json:"attempts"`
	Device   *locator.Sighting  `json:"device,omitempty"`
	Seen     []locator.Sighting `json:"seen"`
	Elapsed  string             `json:"elapsed"`
}

func runLocate(cmd *cobra.Command, args []string) error {
	target := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyScanFlags(cmd, cfg)
	if cmd.Flags().Changed("format") {
		cfg.OutputFormat, _ = cmd.Flags().GetString("format")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	backend, err := devicefactory.NewBackend(cfg.Backend, logger)
	if err != nil {
		return err
	}

	opts := cfg.LocateOptions()
	opts.AllowDuplicates, _ = cmd.Flags().GetBool("allow-duplicates")

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	progress := func(locator.State, int) {}
	if cfg.OutputFormat == "table" && isTerminal(cmd.ErrOrStderr()) {
		printer := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Locating %s", target), "starting",
			locator.StateFound.String(), locator.StateNotFound.String(), locator.StateFault.String())
		printer.Start()
		defer printer.Stop()
		update := printer.Callback()
		progress = func(state locator.State, attempt int) {
			if state == locator.StateScanning {
				update(fmt.Sprintf("attempt %d/%d", attempt, opts.MaxAttempts))
				return
			}
			update(state.String())
		}
	}

	start := time.Now()
	res, err := locator.New(backend, logger).Locate(ctx, target, opts, progress)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"target":   target,
		"state":    res.State.String(),
		"attempts": res.Attempts,
	}).Debug("Locate finished")

	report := newLocateReport(target, res, time.Since(start))
	if cfg.OutputFormat == "json" {
		if err := writeLocateJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else if err := writeLocateTable(cmd.OutOrStdout(), report); err != nil {
		return err
	}

	if !res.Found() {
		return fmt.Errorf("%w: %q after %d attempts", ErrDeviceNotFound, target, res.Attempts)
	}
	return nil
}

func newLocateReport(target string, res *locator.Result, elapsed time.Duration) locateReport {
	report := locateReport{
		Target:   target,
		State:    res.State.String(),
		Attempts: res.Attempts,
		Seen:     res.Seen,
		Elapsed:  elapsed.Truncate(time.Millisecond).String(),
	}
	if report.Seen == nil {
		report.Seen = []locator.Sighting{}
	}
	if res.Device != nil {
		report.Device = &locator.Sighting{
			Name:    res.Device.LocalName(),
			Address: res.Device.Addr(),
			RSSI:    res.Device.RSSI(),
		}
	}
	return report
}

func writeLocateJSON(w io.Writer, report locateReport) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func writeLocateTable(w io.Writer, report locateReport) error {
	if len(report.Seen) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tMATCH")
		for _, s := range report.Seen {
			name := s.Name
			if name == "" {
				name = "-"
			}
			if len(name) > 24 {
				name = name[:21] + "..."
			}
			match := ""
			if report.Device != nil && s.Address == report.Device.Address {
				match = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\n", name, s.Address, s.RSSI, match)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	if report.Device != nil {
		color.New(color.FgGreen).Fprintf(w, "Found %s at %s after %d attempt(s) in %s\n",
			report.Target, report.Device.Address, report.Attempts, report.Elapsed)
		return nil
	}
	color.New(color.FgYellow).Fprintf(w, "%s not found after %d attempt(s) (%d other device(s) seen)\n",
		report.Target, report.Attempts, len(report.Seen))
	return nil
}

// signalContext is shared by the long-running commands.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
