package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/harness"
	"github.com/srg/blehost/internal/relay"
)

func newStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step <event> <value>",
		Short: "Run a single host test event by hand",
		Long: `Answer one event as if the firmware had printed {{event;value}} and print
the relayed results. Useful for reproducing a failing step on the bench
without the orchestrator.`,
		Example: `  blehost step --suite manager discover dev-01
  blehost step --suite uart writedata dev-01
  blehost step --suite security --notify-window 30s connect_secure C0NNECTME`,
		Args: cobra.ExactArgs(2),
		RunE: runStep,
	}
	addHarnessFlags(cmd)
	return cmd
}

func runStep(cmd *cobra.Command, args []string) error {
	ev := relay.Event{Key: args[0], Value: args[1]}
	if err := relay.ValidateKey(ev.Key); err != nil {
		return err
	}

	h, _, err := setupHarness(cmd, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if h.Suite() == nil {
		return fmt.Errorf("no suite selected: use --suite (%s)", joinNames(harness.SuiteNames()))
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := h.Handle(ctx, ev); err != nil {
		if errors.Is(err, harness.ErrUnknownEvent) {
			return fmt.Errorf("%w (suite %s handles: %s)", err, h.Suite().Name, joinNames(h.Suite().Events()))
		}
		return err
	}
	return ctx.Err()
}
