package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/devicefactory"
	"github.com/srg/blehost/internal/harness"
	"github.com/srg/blehost/internal/profile"
	"github.com/srg/blehost/internal/relay"
	"github.com/srg/blehost/pkg/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer host test events read from stdin",
		Long: `Read greentea {{key;value}} events from stdin and answer them on stdout.

The suite is chosen by the {{__host_test_name;...}} event the firmware prints
at start-up, or forced with --suite. Radio steps run one at a time; a step
arriving while --queue-size steps are already waiting is answered with
--BUSY-- instead of being queued.`,
		Example: `  mbedhtrun ... | blehost serve
  blehost serve --suite uart --attempts 3 < events.txt`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	addHarnessFlags(cmd)
	cmd.Flags().Int("queue-size", 0, "Radio steps allowed to wait behind the running one (default from config: 8)")
	return cmd
}

// addHarnessFlags registers the flags shared by serve and step.
func addHarnessFlags(cmd *cobra.Command) {
	addScanFlags(cmd)
	cmd.Flags().String("suite", "", fmt.Sprintf("Force a host test suite (%s)", joinNames(harness.SuiteNames())))
	cmd.Flags().String("profile", "", "YAML profile file replacing the suite's bundled profile")
	cmd.Flags().Duration("connect-timeout", 0, "Connection timeout (default from config: 30s)")
	cmd.Flags().Duration("read-timeout", 0, "Read and write timeout (default from config: 5s)")
	cmd.Flags().Duration("notify-window", 0, "How long to wait for notifications (default from config: 10s)")
	cmd.Flags().Duration("linger", 0, "How long 'connect' holds the link (default from config: 2s)")
}

// applyHarnessFlags copies explicitly set harness flags into cfg.
func applyHarnessFlags(cmd *cobra.Command, cfg *config.Config) {
	applyScanFlags(cmd, cfg)
	flags := cmd.Flags()
	if flags.Changed("suite") {
		cfg.Suite, _ = flags.GetString("suite")
	}
	if flags.Changed("profile") {
		cfg.ProfilePath, _ = flags.GetString("profile")
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout, _ = flags.GetDuration("connect-timeout")
	}
	if flags.Changed("read-timeout") {
		cfg.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("notify-window") {
		cfg.NotifyWindow, _ = flags.GetDuration("notify-window")
	}
	if flags.Changed("linger") {
		cfg.Linger, _ = flags.GetDuration("linger")
	}
	if flags.Changed("queue-size") {
		cfg.QueueSize, _ = flags.GetInt("queue-size")
	}
}

// setupHarness resolves configuration, logger, backend and profiles into a
// harness relaying to out.
func setupHarness(cmd *cobra.Command, out io.Writer) (*harness.Harness, *logrus.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	applyHarnessFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}

	profiles, err := profile.Bundled()
	if err != nil {
		return nil, nil, err
	}

	opts := harness.Options{
		Locate:         cfg.LocateOptions(),
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		NotifyWindow:   cfg.NotifyWindow,
		Linger:         cfg.Linger,
		QueueSize:      cfg.QueueSize,
		Suite:          cfg.Suite,
	}
	if cfg.ProfilePath != "" {
		p, err := profile.Load(cfg.ProfilePath)
		if err != nil {
			return nil, nil, err
		}
		profiles.Add(p)
		opts.Profile = p.Name
		logger.WithFields(logrus.Fields{
			"profile": p.Name,
			"path":    cfg.ProfilePath,
		}).Info("Loaded profile")
	}

	backend, err := devicefactory.NewBackend(cfg.Backend, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("backend", backend.Name()).Debug("BLE backend ready")

	h, err := harness.New(backend, relay.NewWriter(out, logger), profiles, opts, logger)
	if err != nil {
		return nil, nil, err
	}
	return h, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	h, logger, err := setupHarness(cmd, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	err = h.Serve(ctx, relay.NewReader(cmd.InOrStdin()))
	if err != nil {
		return err
	}
	logger.Info("Host test finished")
	return nil
}
