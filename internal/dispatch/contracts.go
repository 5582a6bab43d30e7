package dispatch

import (
	"context"

	"github.com/shopspring/decimal"

	"finbot/internal/ledger"
)

// InboundMessage is one chat event delivered by the transport.
type InboundMessage struct {
	SenderID   string
	SenderName string
	ChatID     string
	MessageID  string
	Text       string
	Group      bool
}

// Transport delivers outbound messages and best-effort presence signals.
// MarkRead and Presence must never block core logic on failure; their
// errors are logged and dropped.
type Transport interface {
	Send(ctx context.Context, chatID, text string) error
	MarkRead(ctx context.Context, chatID, messageID string) error
	Presence(ctx context.Context, chatID, state string) error
}

// IntentKind is the class of a parsed message.
type IntentKind string

const (
	IntentCommand     IntentKind = "command"
	IntentExpense     IntentKind = "expense"
	IntentInstallment IntentKind = "installment"
)

// Intent is the structured result of the free-text intent classifier. The
// ledger layer never re-parses free text beyond category keyword scoring.
type Intent struct {
	Kind IntentKind

	// Command fields.
	Command string
	Arg     string

	// Expense and installment fields.
	Amount      decimal.Decimal
	Description string

	// Installment fields.
	TotalAmount decimal.Decimal
	Count       int
}

// IntentParser turns a raw message into a structured intent. A false
// return means the text carries no recognizable intent.
type IntentParser interface {
	Parse(text string) (Intent, bool)
}

// expensePayload is the captured context of a PurchaseMethod operation.
type expensePayload struct {
	Amount      decimal.Decimal
	Description string
	CategoryID  uint
	CardID      uint
	ChatCtx     ledger.Context
}

// planPayload is the captured context of an InstallmentMethod operation.
type planPayload struct {
	Description       string
	TotalAmount       decimal.Decimal
	InstallmentAmount decimal.Decimal
	Count             int
	CategoryID        uint
	CardID            uint
	ChatCtx           ledger.Context
}

// invoicePayload is the captured context of an InvoiceAmount operation.
type invoicePayload struct {
	CardID   uint
	CardName string
}

// resetPayload is the captured context of a DestructiveReset operation.
// Command is the normalized text that must be repeated to confirm.
type resetPayload struct {
	Scope   ledger.ResetScope
	CardID  uint
	Command string
}

// Steps of the card-creation dialog.
const (
	cardStepName = iota
	cardStepLimit
	cardStepDueDay
)

// cardDraftPayload is the captured context of a CardCreation operation.
type cardDraftPayload struct {
	Step  int
	Name  string
	Limit decimal.Decimal
}
