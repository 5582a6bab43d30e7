package dispatch

import (
	"context"
	"fmt"
	"strings"

	"finbot/internal/ledger"
	"finbot/internal/models"
	"finbot/internal/pending"
)

func (h *Handler) handleCommand(ctx context.Context, account models.Account, msg InboundMessage, intent Intent) error {
	switch intent.Command {
	case "/balance":
		return h.cmdBalance(ctx, account, msg, intent.Arg)
	case "/add":
		return h.cmdAdd(ctx, account, msg, intent.Arg)
	case "/save":
		return h.cmdReserveDeposit(ctx, account, msg, ledger.ReserveSavings, intent.Arg)
	case "/emergency":
		return h.cmdReserveDeposit(ctx, account, msg, ledger.ReserveEmergency, intent.Arg)
	case "/withdraw":
		return h.cmdWithdraw(ctx, account, msg, intent.Arg)
	case "/status":
		return h.cmdStatus(ctx, account, msg)
	case "/history":
		return h.cmdHistory(ctx, account, msg)
	case "/reset":
		return h.cmdReset(ctx, account, msg, intent.Arg)
	case "/newcard":
		h.coord.Start(account.ID, pending.CardCreation, cardDraftPayload{Step: cardStepName})
		return h.reply(ctx, msg, "Let's set up a card. What should it be called?")
	case "/cards":
		return h.cmdCards(ctx, account, msg)
	case "/limit":
		return h.cmdLimit(ctx, account, msg, intent.Arg)
	case "/invoice":
		return h.cmdInvoice(ctx, account, msg, intent.Arg)
	case "/deletecard":
		return h.cmdDeleteCard(ctx, account, msg, intent.Arg)
	case "/installments":
		return h.cmdInstallments(ctx, account, msg)
	case "/pay":
		return h.cmdPay(ctx, account, msg, intent.Arg)
	case "/help":
		return h.reply(ctx, msg, helpText)
	case "!status", "!clear", "!clearall":
		return h.cmdAdminMemory(ctx, account, msg, intent.Command)
	default:
		return h.reply(ctx, msg, "Unknown command. Try /help.")
	}
}

const helpText = `Commands:
/balance <amount> - set starting balance
/balance - show balances
/add <amount> - add income
/save <amount> - move to savings
/emergency <amount> - move to emergency fund
/withdraw savings|emergency <amount> - move back to balance
/status - balances and cards
/history - recent transactions
/newcard - set up a credit card
/cards - list cards
/limit <card> <amount> - change a card limit
/invoice <card> - pay a card invoice
/deletecard <card> - remove a card
/installments - pending installment payments
/pay <description> - pay the next installment of a plan
/reset balance|savings|emergency|installments|everything - destructive reset
/reset card <name> - clear a card

Send "50 lunch" to record an expense, "tv 1200 in 12" for installments.`

func (h *Handler) cmdBalance(ctx context.Context, account models.Account, msg InboundMessage, arg string) error {
	if arg == "" {
		return h.cmdStatus(ctx, account, msg)
	}
	amount, ok := parseAmount(arg)
	if !ok {
		return h.reply(ctx, msg, "Usage: /balance <amount>.")
	}
	if err := h.store.SetInitialBalance(account.ID, amount); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	return h.reply(ctx, msg, fmt.Sprintf("Starting balance set to %s.", money(amount)))
}

func (h *Handler) cmdAdd(ctx context.Context, account models.Account, msg InboundMessage, arg string) error {
	amount, ok := parseAmount(arg)
	if !ok {
		return h.reply(ctx, msg, "Usage: /add <amount>.")
	}
	if err := h.store.AddBalance(account.ID, amount); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	updated, err := h.store.AccountByID(account.ID)
	if err != nil {
		return err
	}
	return h.reply(ctx, msg, fmt.Sprintf("Added %s. Balance: %s.", money(amount), money(updated.CurrentBalance)))
}

func (h *Handler) cmdReserveDeposit(ctx context.Context, account models.Account, msg InboundMessage, kind ledger.ReserveKind, arg string) error {
	amount, ok := parseAmount(arg)
	if !ok {
		return h.reply(ctx, msg, fmt.Sprintf("Usage: /%s <amount>.", reserveCommand(kind)))
	}
	if err := h.store.MoveToReserve(account.ID, kind, amount, chatContext(msg)); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	updated, err := h.store.AccountByID(account.ID)
	if err != nil {
		return err
	}
	if kind == ledger.ReserveSavings {
		return h.reply(ctx, msg, fmt.Sprintf("Moved %s to savings. Savings: %s, balance: %s.",
			money(amount), money(updated.SavingsBalance), money(updated.CurrentBalance)))
	}
	return h.reply(ctx, msg, fmt.Sprintf("Moved %s to the emergency fund. Fund: %s, balance: %s.",
		money(amount), money(updated.EmergencyFund), money(updated.CurrentBalance)))
}

func (h *Handler) cmdWithdraw(ctx context.Context, account models.Account, msg InboundMessage, arg string) error {
	source, rest, _ := strings.Cut(strings.TrimSpace(arg), " ")
	amount, ok := parseAmount(rest)
	var kind ledger.ReserveKind
	switch strings.ToLower(source) {
	case "savings":
		kind = ledger.ReserveSavings
	case "emergency":
		kind = ledger.ReserveEmergency
	default:
		ok = false
	}
	if !ok {
		return h.reply(ctx, msg, "Usage: /withdraw savings|emergency <amount>.")
	}
	if err := h.store.WithdrawFromReserve(account.ID, kind, amount, chatContext(msg)); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	updated, err := h.store.AccountByID(account.ID)
	if err != nil {
		return err
	}
	return h.reply(ctx, msg, fmt.Sprintf("Withdrew %s from %s. Balance: %s.",
		money(amount), kind, money(updated.CurrentBalance)))
}

func (h *Handler) cmdStatus(ctx context.Context, account models.Account, msg InboundMessage) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Balance: %s\nSavings: %s\nEmergency fund: %s",
		money(account.CurrentBalance), money(account.SavingsBalance), money(account.EmergencyFund))

	cards, err := h.cards.CardsByAccount(account.ID)
	if err != nil {
		return err
	}
	for _, c := range cards {
		fmt.Fprintf(&b, "\n%s: invoice %s, available %s of %s",
			c.Name, money(c.InvoiceAmount), money(c.AvailableLimit), money(c.CardLimit))
	}
	return h.reply(ctx, msg, b.String())
}

func (h *Handler) cmdHistory(ctx context.Context, account models.Account, msg InboundMessage) error {
	txs, err := h.store.TransactionsByAccount(account.ID)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return h.reply(ctx, msg, "No transactions yet.")
	}
	if len(txs) > 10 {
		txs = txs[:10]
	}
	var b strings.Builder
	b.WriteString("Recent transactions:")
	for _, t := range txs {
		fmt.Fprintf(&b, "\n%s  %s  %s (%s)",
			t.Date.Format("Jan 02"), money(t.Amount), t.Description, t.Category.Name)
	}
	return h.reply(ctx, msg, b.String())
}

// cmdReset opens the confirmation window. The identical command repeated
// before the deadline performs the reset.
func (h *Handler) cmdReset(ctx context.Context, account models.Account, msg InboundMessage, arg string) error {
	scope, cardName, ok := resetScopeFromArg(arg)
	if !ok {
		return h.reply(ctx, msg, "Usage: /reset balance|savings|emergency|installments|everything, or /reset card <name>.")
	}

	payload := resetPayload{
		Scope:   scope,
		Command: strings.ToLower(strings.TrimSpace(msg.Text)),
	}
	target := string(scope)
	if cardName != "" {
		c, err := h.cards.FindByPartialName(account.ID, cardName)
		if err != nil {
			return h.replyOrFail(ctx, msg, err)
		}
		payload.CardID = c.ID
		target = "card " + c.Name
	}

	h.coord.Start(account.ID, pending.DestructiveReset, payload)
	return h.reply(ctx, msg, fmt.Sprintf(
		"This will reset %s and cannot be undone. Send the same command again to confirm.", target))
}

func (h *Handler) cmdCards(ctx context.Context, account models.Account, msg InboundMessage) error {
	cards, err := h.cards.CardsByAccount(account.ID)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		return h.reply(ctx, msg, "No cards yet. Set one up with /newcard.")
	}
	var b strings.Builder
	b.WriteString("Your cards:")
	for _, c := range cards {
		fmt.Fprintf(&b, "\n%s: limit %s, available %s, invoice %s, due day %d",
			c.Name, money(c.CardLimit), money(c.AvailableLimit), money(c.InvoiceAmount), c.DueDay)
	}
	return h.reply(ctx, msg, b.String())
}

func (h *Handler) cmdLimit(ctx context.Context, account models.Account, msg InboundMessage, arg string) error {
	name, amountText := splitTrailingAmount(arg)
	amount, ok := parseAmount(amountText)
	if name == "" || !ok {
		return h.reply(ctx, msg, "Usage: /limit <card> <amount>.")
	}
	c, err := h.cards.FindByPartialName(account.ID, name)
	if err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	if err := h.cards.UpdateLimit(c.ID, amount); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	updated, err := h.cards.ByID(c.ID)
	if err != nil {
		return err
	}
	return h.reply(ctx, msg, fmt.Sprintf("Limit for %s is now %s (available %s).",
		updated.Name, money(updated.CardLimit), money(updated.AvailableLimit)))
}

// cmdInvoice opens the invoice-amount question for the named card.
func (h *Handler) cmdInvoice(ctx context.Context, account models.Account, msg InboundMessage, arg string) error {
	if strings.TrimSpace(arg) == "" {
		return h.reply(ctx, msg, "Usage: /invoice <card>.")
	}
	c, err := h.cards.FindByPartialName(account.ID, arg)
	if err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	if c.InvoiceAmount.IsZero() {
		return h.reply(ctx, msg, fmt.Sprintf("%s has no open invoice.", c.Name))
	}

	h.coord.Start(account.ID, pending.InvoiceAmount, invoicePayload{CardID: c.ID, CardName: c.Name})
	return h.reply(ctx, msg, fmt.Sprintf(
		"The invoice for %s is %s. How much do you want to pay?", c.Name, money(c.InvoiceAmount)))
}

func (h *Handler) cmdDeleteCard(ctx context.Context, account models.Account, msg InboundMessage, arg string) error {
	if strings.TrimSpace(arg) == "" {
		return h.reply(ctx, msg, "Usage: /deletecard <card>.")
	}
	c, err := h.cards.FindByPartialName(account.ID, arg)
	if err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	if err := h.cards.DeleteCard(c.ID, account.ID); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	return h.reply(ctx, msg, fmt.Sprintf("Card %s removed.", c.Name))
}

func (h *Handler) cmdInstallments(ctx context.Context, account models.Account, msg InboundMessage) error {
	pendings, err := h.plans.PendingByAccount(account.ID)
	if err != nil {
		return err
	}
	if len(pendings) == 0 {
		return h.reply(ctx, msg, "No pending installment payments.")
	}
	var b strings.Builder
	b.WriteString("Pending installments:")
	for _, p := range pendings {
		fmt.Fprintf(&b, "\n%s %d/%d: %s due %s",
			p.Plan.Description, p.Payment.Sequence, p.Plan.TotalInstallments,
			money(p.Payment.Amount), p.Payment.DueDate.Format("Jan 02"))
	}
	return h.reply(ctx, msg, b.String())
}

func (h *Handler) cmdPay(ctx context.Context, account models.Account, msg InboundMessage, arg string) error {
	if strings.TrimSpace(arg) == "" {
		return h.reply(ctx, msg, "Usage: /pay <plan description>.")
	}
	plan, err := h.plans.FindByDescription(account.ID, arg)
	if err != nil {
		return h.replyOrFail(ctx, msg, err)
	}

	result, err := h.plans.PayNext(plan.ID, account.ID)
	if err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	if result.AlreadySettled {
		return h.reply(ctx, msg, fmt.Sprintf("%q is already fully paid.", plan.Description))
	}

	updated, err := h.store.AccountByID(account.ID)
	if err != nil {
		return err
	}
	if err := h.reply(ctx, msg, fmt.Sprintf(
		"Paid installment %d/%d of %q (%s). Balance: %s.",
		result.Payment.Sequence, result.Plan.TotalInstallments, result.Plan.Description,
		money(result.Payment.Amount), money(updated.CurrentBalance))); err != nil {
		return err
	}
	return h.balanceWarnings(ctx, updated, msg)
}

// cmdAdminMemory serves the coordinator inspection commands, admin only.
func (h *Handler) cmdAdminMemory(ctx context.Context, account models.Account, msg InboundMessage, command string) error {
	if h.cfg.AdminExternalID == "" || account.ExternalID != h.cfg.AdminExternalID {
		return nil
	}
	switch command {
	case "!status":
		return h.reply(ctx, msg, fmt.Sprintf("Pending operations: %d.", h.coord.Len()))
	case "!clear":
		n := h.coord.ClearAccount(account.ID)
		return h.reply(ctx, msg, fmt.Sprintf("Cleared %d pending operations for you.", n))
	case "!clearall":
		n := h.coord.Clear()
		return h.reply(ctx, msg, fmt.Sprintf("Cleared %d pending operations.", n))
	}
	return nil
}

func reserveCommand(kind ledger.ReserveKind) string {
	if kind == ledger.ReserveSavings {
		return "save"
	}
	return "emergency"
}

// splitTrailingAmount splits "visa gold 3000" into ("visa gold", "3000").
func splitTrailingAmount(arg string) (string, string) {
	arg = strings.TrimSpace(arg)
	i := strings.LastIndex(arg, " ")
	if i < 0 {
		return "", arg
	}
	return strings.TrimSpace(arg[:i]), strings.TrimSpace(arg[i+1:])
}
