// Package remind contains the one-shot reminder sweep command.
package remind

import (
	"context"

	"github.com/spf13/cobra"

	"finbot/cmd/root"
	"finbot/internal/container"
	"finbot/internal/dispatch"
	"finbot/internal/logging"
)

// Cmd is the remind command. It runs a single reminder sweep and exits,
// for cron-style scheduling instead of the in-process loop.
var Cmd = &cobra.Command{
	Use:   "remind",
	Short: "Run one reminder sweep and exit",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := container.New(ctx, root.Cfg, root.Log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			root.Log.Warn("database close failed", logging.F("error", cerr.Error()))
		}
	}()

	transport := dispatch.NewConsoleTransport(cmd.OutOrStdout())
	sent := c.Reminder(transport).Sweep(ctx)
	root.Log.Info("reminder sweep finished", logging.F("sent", sent))
	return nil
}
