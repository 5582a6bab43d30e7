// Package serve contains the interactive chat-loop command.
package serve

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"finbot/cmd/root"
	"finbot/internal/container"
	"finbot/internal/dispatch"
	"finbot/internal/logging"
)

var sender string

// Cmd is the serve command. It runs the full application graph against
// a console transport: one line in, dispatched like a chat message.
var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the interactive finance chat loop",
	RunE:  run,
}

func init() {
	Cmd.Flags().StringVar(&sender, "sender", "console-user", "Stable sender id for this session")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, root.Cfg, root.Log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			root.Log.Warn("database close failed", logging.F("error", cerr.Error()))
		}
	}()

	transport := dispatch.NewConsoleTransport(os.Stdout)
	handler := c.Handler(transport, nil)

	go c.Coordinator.Run(ctx, root.Cfg.Pending.SweepInterval)
	go c.Reminder(transport).Run(ctx)

	root.Log.Info("finbot ready", logging.F("database", root.Cfg.Database.Path))

	lines := readLines(ctx, os.Stdin)

	for {
		select {
		case <-ctx.Done():
			root.Log.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg := dispatch.InboundMessage{
				SenderID:   sender,
				SenderName: sender,
				ChatID:     sender,
				MessageID:  uuid.NewString(),
				Text:       line,
			}
			if err := handler.OnMessage(ctx, msg); err != nil {
				root.Log.Error("message handling failed", logging.F("error", err.Error()))
			}
		}
	}
}

// readLines pumps lines from r into the returned channel. The channel
// closes on EOF or when ctx is cancelled, so the pump never blocks on a
// send past shutdown.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
