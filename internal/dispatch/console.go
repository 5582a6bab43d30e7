package dispatch

import (
	"context"
	"fmt"
	"io"
)

// ConsoleTransport writes outbound messages to a writer. It backs the
// interactive serve loop and tests; presence signals are no-ops.
type ConsoleTransport struct {
	Out io.Writer
}

// NewConsoleTransport creates a ConsoleTransport.
func NewConsoleTransport(out io.Writer) *ConsoleTransport {
	return &ConsoleTransport{Out: out}
}

// Send writes the message prefixed with its chat id.
func (t *ConsoleTransport) Send(_ context.Context, chatID, text string) error {
	_, err := fmt.Fprintf(t.Out, "[%s] %s\n", chatID, text)
	return err
}

// MarkRead is a no-op.
func (t *ConsoleTransport) MarkRead(context.Context, string, string) error { return nil }

// Presence is a no-op.
func (t *ConsoleTransport) Presence(context.Context, string, string) error { return nil }
