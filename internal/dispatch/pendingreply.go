package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"finbot/internal/finerror"
	"finbot/internal/ledger"
	"finbot/internal/logging"
	"finbot/internal/models"
	"finbot/internal/pending"
)

// interceptPendingReply checks the live pending operations for the
// account against the incoming text. A consumed reply resolves exactly
// one operation; text matching no live operation's grammar falls through
// to normal dispatch.
func (h *Handler) interceptPendingReply(ctx context.Context, account models.Account, msg InboundMessage, text string) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))

	if _, ok := h.coord.Peek(account.ID, pending.PurchaseMethod); ok {
		if method, ok := methodFromReply(normalized); ok {
			op, ok := h.coord.Resolve(account.ID, pending.PurchaseMethod)
			if !ok {
				return false, nil
			}
			p := op.Payload.(expensePayload)
			if method == methodCard {
				return true, h.finishCardExpense(ctx, account.ID, msg, p)
			}
			return true, h.finishBalanceExpense(ctx, account.ID, msg, p)
		}
	}

	if _, ok := h.coord.Peek(account.ID, pending.InstallmentMethod); ok {
		if method, ok := methodFromReply(normalized); ok {
			op, ok := h.coord.Resolve(account.ID, pending.InstallmentMethod)
			if !ok {
				return false, nil
			}
			p := op.Payload.(planPayload)
			if method == methodCard {
				return true, h.finishCardPlan(ctx, account.ID, msg, p)
			}
			return true, h.finishBalancePlan(ctx, account.ID, msg, p)
		}
	}

	if op, ok := h.coord.Peek(account.ID, pending.InvoiceAmount); ok {
		if amount, ok := parseAmount(normalized); ok {
			if _, resolved := h.coord.Resolve(account.ID, pending.InvoiceAmount); !resolved {
				return false, nil
			}
			p := op.Payload.(invoicePayload)
			if err := h.cards.PayInvoice(p.CardID, account.ID, amount); err != nil {
				return true, h.replyOrFail(ctx, msg, err)
			}
			c, err := h.cards.ByID(p.CardID)
			if err != nil {
				return true, err
			}
			return true, h.reply(ctx, msg, fmt.Sprintf(
				"Paid %s toward %s. Remaining invoice: %s, available limit: %s.",
				money(amount), c.Name, money(c.InvoiceAmount), money(c.AvailableLimit)))
		}
	}

	if op, ok := h.coord.Peek(account.ID, pending.DestructiveReset); ok {
		p := op.Payload.(resetPayload)
		if normalized == p.Command {
			if _, resolved := h.coord.Resolve(account.ID, pending.DestructiveReset); !resolved {
				return false, nil
			}
			return true, h.performReset(ctx, account, msg, p)
		}
		// Any other message withdraws the confirmation and is then
		// dispatched normally.
		h.coord.Cancel(account.ID, pending.DestructiveReset)
		if err := h.reply(ctx, msg, "Reset cancelled."); err != nil {
			return true, err
		}
		return false, nil
	}

	if _, ok := h.coord.Peek(account.ID, pending.CardCreation); ok {
		return h.advanceCardDraft(ctx, account, msg, text)
	}

	return false, nil
}

type purchaseMethod int

const (
	methodCard purchaseMethod = iota
	methodBalance
)

// methodFromReply maps a reply onto card-or-balance by whole-word
// keyword membership.
func methodFromReply(normalized string) (purchaseMethod, bool) {
	for _, word := range strings.Fields(normalized) {
		if cardKeywords[word] {
			return methodCard, true
		}
		if balanceKeywords[word] {
			return methodBalance, true
		}
	}
	return 0, false
}

func (h *Handler) performReset(ctx context.Context, account models.Account, msg InboundMessage, p resetPayload) error {
	if p.CardID != 0 {
		if err := h.cards.ResetCard(p.CardID, account.ID); err != nil {
			return h.replyOrFail(ctx, msg, err)
		}
		return h.reply(ctx, msg, "Card reset: balance cleared, full limit restored.")
	}

	if err := h.store.ResetScope(account.ID, p.Scope, chatContext(msg)); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	h.log.Info("destructive reset confirmed",
		logging.F("account", account.ID), logging.F("scope", p.Scope))
	return h.reply(ctx, msg, fmt.Sprintf("Reset complete: %s.", p.Scope))
}

// advanceCardDraft runs one step of the card-creation dialog. Each valid
// answer restarts the operation with the draft advanced, giving the next
// question a fresh deadline. Invalid answers re-prompt without
// consuming the operation.
func (h *Handler) advanceCardDraft(ctx context.Context, account models.Account, msg InboundMessage, text string) (bool, error) {
	op, ok := h.coord.Peek(account.ID, pending.CardCreation)
	if !ok {
		return false, nil
	}
	draft := op.Payload.(cardDraftPayload)
	answer := strings.TrimSpace(text)

	switch draft.Step {
	case cardStepName:
		if answer == "" || strings.HasPrefix(answer, "/") {
			return true, h.reply(ctx, msg, "What should the card be called?")
		}
		draft.Name = answer
		draft.Step = cardStepLimit
		h.coord.Start(account.ID, pending.CardCreation, draft)
		return true, h.reply(ctx, msg, fmt.Sprintf("What is the limit for %s?", draft.Name))

	case cardStepLimit:
		limit, ok := parseAmount(answer)
		if !ok {
			return true, h.reply(ctx, msg, "Please send the limit as a positive amount, like 2500.")
		}
		draft.Limit = limit
		draft.Step = cardStepDueDay
		h.coord.Start(account.ID, pending.CardCreation, draft)
		return true, h.reply(ctx, msg, "Which day of the month is the invoice due? (1-31)")

	case cardStepDueDay:
		day, err := strconv.Atoi(answer)
		if err != nil || day < 1 || day > 31 {
			return true, h.reply(ctx, msg, "Please send a day between 1 and 31.")
		}
		if _, resolved := h.coord.Resolve(account.ID, pending.CardCreation); !resolved {
			return false, nil
		}
		c, err := h.cards.CreateCard(account.ID, draft.Name, draft.Limit, day)
		if err != nil {
			if finerror.IsConflict(err) || finerror.IsValidation(err) {
				return true, h.reply(ctx, msg, capitalize(err.Error())+". Start again with /newcard.")
			}
			return true, err
		}
		return true, h.reply(ctx, msg, fmt.Sprintf(
			"Card %s created: limit %s, invoice due on day %d.",
			c.Name, money(c.CardLimit), c.DueDay))
	}
	return false, nil
}

// resetScopeFromArg parses the argument of the reset command. Card
// resets carry the card name after the scope word.
func resetScopeFromArg(arg string) (ledger.ResetScope, string, bool) {
	scope, rest, _ := strings.Cut(strings.TrimSpace(strings.ToLower(arg)), " ")
	switch ledger.ResetScope(scope) {
	case ledger.ScopeBalance, ledger.ScopeSavings, ledger.ScopeEmergency,
		ledger.ScopeInstallments, ledger.ScopeEverything:
		return ledger.ResetScope(scope), "", true
	}
	if scope == "card" {
		return "", strings.TrimSpace(rest), rest != ""
	}
	return "", "", false
}
