// Package dispatch routes inbound chat messages to the ledger, card, and
// installment engines. It owns the conversational glue: event dedup,
// account bootstrap, pending-reply interception, and the warning
// messages that follow an expense. All free-text understanding lives in
// the IntentParser; the engines only ever see structured arguments.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finbot/internal/card"
	"finbot/internal/classifier"
	"finbot/internal/finerror"
	"finbot/internal/installment"
	"finbot/internal/ledger"
	"finbot/internal/logging"
	"finbot/internal/models"
	"finbot/internal/pending"
	"finbot/internal/storage"
)

// Reply-routing keyword sets for the purchase-method question.
var (
	cardKeywords    = map[string]bool{"card": true, "credit": true}
	balanceKeywords = map[string]bool{"balance": true, "cash": true, "money": true}
)

// Config carries the dispatch-level tunables.
type Config struct {
	// AdminExternalID unlocks the coordinator memory commands.
	AdminExternalID string
	// LowBalanceRatio of the initial balance below which the one-shot
	// low-balance warning fires.
	LowBalanceRatio float64
	// LowCardLimitRatio of the card limit below which the remaining-limit
	// warning fires.
	LowCardLimitRatio float64
}

// Handler is the message dispatcher.
type Handler struct {
	store     *ledger.Store
	cards     *card.Engine
	plans     *installment.Engine
	classify  *classifier.Classifier
	coord     *pending.Coordinator
	transport Transport
	parser    IntentParser
	log       logging.Logger
	cfg       Config
	now       func() time.Time
}

// New creates a Handler. parser may be nil, in which case the reference
// CommandParser applies.
func New(store *ledger.Store, cards *card.Engine, plans *installment.Engine, classify *classifier.Classifier, coord *pending.Coordinator, transport Transport, parser IntentParser, log logging.Logger, cfg Config) *Handler {
	if parser == nil {
		parser = NewCommandParser()
	}
	return &Handler{
		store:     store,
		cards:     cards,
		plans:     plans,
		classify:  classify,
		coord:     coord,
		transport: transport,
		parser:    parser,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// OnMessage processes one inbound event end to end. Errors are handled
// by replying to the user; only persistence failures propagate to the
// caller.
func (h *Handler) OnMessage(ctx context.Context, msg InboundMessage) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	if h.coord.Seen(msg.SenderID, msg.MessageID) {
		h.log.Debug("duplicate event dropped",
			logging.F("sender", msg.SenderID), logging.F("message_id", msg.MessageID))
		return nil
	}

	h.sideEffects(ctx, msg)

	account, created, err := h.bootstrap(msg)
	if err != nil {
		return err
	}
	if created {
		return h.reply(ctx, msg, "Welcome, "+account.Name+"! Set your starting balance with /balance <amount>.")
	}

	if handled, err := h.interceptPendingReply(ctx, account, msg, text); handled || err != nil {
		return err
	}

	intent, ok := h.parser.Parse(text)
	if !ok {
		return nil
	}

	switch intent.Kind {
	case IntentCommand:
		return h.handleCommand(ctx, account, msg, intent)
	case IntentExpense:
		return h.handleExpense(ctx, account, msg, intent)
	case IntentInstallment:
		return h.handleInstallment(ctx, account, msg, intent)
	}
	return nil
}

// sideEffects fires the best-effort transport signals. Failures are
// logged and never block dispatch.
func (h *Handler) sideEffects(ctx context.Context, msg InboundMessage) {
	if err := h.transport.MarkRead(ctx, msg.ChatID, msg.MessageID); err != nil {
		h.log.Debug("mark read failed", logging.F("error", err.Error()))
	}
	if err := h.transport.Presence(ctx, msg.ChatID, "composing"); err != nil {
		h.log.Debug("presence failed", logging.F("error", err.Error()))
	}
}

func (h *Handler) bootstrap(msg InboundMessage) (models.Account, bool, error) {
	existing, err := h.store.AccountByExternalID(msg.SenderID)
	switch {
	case err == nil:
		if msg.Group {
			if gerr := storage.UpsertGroup(h.store.DB(), msg.ChatID, msg.SenderName); gerr != nil {
				h.log.Warn("group upsert failed", logging.F("error", gerr.Error()))
			}
		}
		return existing, false, nil
	case finerror.IsNotFound(err):
		name := msg.SenderName
		if name == "" {
			name = msg.SenderID
		}
		account, cerr := h.store.UpsertAccount(msg.SenderID, name)
		if cerr != nil {
			return models.Account{}, false, cerr
		}
		return account, true, nil
	default:
		return models.Account{}, false, err
	}
}

func (h *Handler) handleExpense(ctx context.Context, account models.Account, msg InboundMessage, intent Intent) error {
	if !ledger.ValidAmount(intent.Amount) {
		return h.reply(ctx, msg, "Amounts must be between $0.01 and $1,000,000.00.")
	}
	if account.InitialBalance.IsZero() {
		return h.reply(ctx, msg, "Set your starting balance first: /balance <amount>.")
	}

	category, err := h.classify.Classify(ctx, intent.Description)
	if err != nil {
		return err
	}

	hasCard, err := h.cards.HasCard(account.ID)
	if err != nil {
		return err
	}
	if hasCard {
		first, err := h.firstCard(account.ID)
		if err != nil {
			return err
		}
		h.coord.Start(account.ID, pending.PurchaseMethod, expensePayload{
			Amount:      intent.Amount,
			Description: intent.Description,
			CategoryID:  category.ID,
			CardID:      first.ID,
			ChatCtx:     chatContext(msg),
		})
		return h.reply(ctx, msg, fmt.Sprintf(
			"%s for %q (%s). Pay with card or balance?",
			money(intent.Amount), intent.Description, category.Name))
	}

	return h.finishBalanceExpense(ctx, account.ID, msg, expensePayload{
		Amount:      intent.Amount,
		Description: intent.Description,
		CategoryID:  category.ID,
		ChatCtx:     chatContext(msg),
	})
}

func (h *Handler) handleInstallment(ctx context.Context, account models.Account, msg InboundMessage, intent Intent) error {
	if !ledger.ValidAmount(intent.TotalAmount) {
		return h.reply(ctx, msg, "Amounts must be between $0.01 and $1,000,000.00.")
	}
	if account.InitialBalance.IsZero() {
		return h.reply(ctx, msg, "Set your starting balance first: /balance <amount>.")
	}

	category, err := h.classify.Classify(ctx, intent.Description)
	if err != nil {
		return err
	}
	perInstallment := intent.TotalAmount.Div(decimal.NewFromInt(int64(intent.Count))).Round(2)

	payload := planPayload{
		Description:       intent.Description,
		TotalAmount:       intent.TotalAmount,
		InstallmentAmount: perInstallment,
		Count:             intent.Count,
		CategoryID:        category.ID,
		ChatCtx:           chatContext(msg),
	}

	hasCard, err := h.cards.HasCard(account.ID)
	if err != nil {
		return err
	}
	if hasCard {
		first, err := h.firstCard(account.ID)
		if err != nil {
			return err
		}
		payload.CardID = first.ID
		h.coord.Start(account.ID, pending.InstallmentMethod, payload)
		return h.reply(ctx, msg, fmt.Sprintf(
			"%q: %d payments of about %s (total %s). Pay with card or balance?",
			intent.Description, intent.Count, money(perInstallment), money(intent.TotalAmount)))
	}

	return h.finishBalancePlan(ctx, account.ID, msg, payload)
}

// finishBalanceExpense records the expense against the account balance
// and sends the follow-up warnings.
func (h *Handler) finishBalanceExpense(ctx context.Context, accountID uint, msg InboundMessage, p expensePayload) error {
	if _, err := h.store.RecordExpense(accountID, p.Amount, p.Description, p.CategoryID, p.ChatCtx); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}

	account, err := h.store.AccountByID(accountID)
	if err != nil {
		return err
	}
	if err := h.reply(ctx, msg, fmt.Sprintf(
		"Recorded %s for %q. Balance: %s.", money(p.Amount), p.Description, money(account.CurrentBalance))); err != nil {
		return err
	}
	return h.balanceWarnings(ctx, account, msg)
}

// finishCardExpense records the expense against the card and sends the
// card warnings. The account balance is untouched until the invoice is
// paid.
func (h *Handler) finishCardExpense(ctx context.Context, accountID uint, msg InboundMessage, p expensePayload) error {
	if err := h.cards.Purchase(p.CardID, p.Amount, p.Description, p.CategoryID, p.ChatCtx); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}

	c, err := h.cards.ByID(p.CardID)
	if err != nil {
		return err
	}
	if err := h.reply(ctx, msg, fmt.Sprintf(
		"Put %s for %q on %s. Available limit: %s.",
		money(p.Amount), p.Description, c.Name, money(c.AvailableLimit))); err != nil {
		return err
	}
	return h.cardWarnings(ctx, c, msg)
}

func (h *Handler) finishBalancePlan(ctx context.Context, accountID uint, msg InboundMessage, p planPayload) error {
	plan, err := h.plans.CreatePlan(accountID, p.Description, p.TotalAmount, p.InstallmentAmount, p.Count, p.CategoryID, h.now(), p.ChatCtx)
	if err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	return h.reply(ctx, msg, fmt.Sprintf(
		"Plan created: %q, %d payments, total %s. Pay one with /pay %s.",
		plan.Description, plan.TotalInstallments, money(plan.TotalAmount), plan.Description))
}

func (h *Handler) finishCardPlan(ctx context.Context, accountID uint, msg InboundMessage, p planPayload) error {
	plan, err := h.plans.CreatePlan(accountID, p.Description, p.TotalAmount, p.InstallmentAmount, p.Count, p.CategoryID, h.now(), p.ChatCtx)
	if err != nil {
		return h.replyOrFail(ctx, msg, err)
	}
	if err := h.cards.LinkInstallment(p.CardID, plan.ID, p.TotalAmount); err != nil {
		return h.replyOrFail(ctx, msg, err)
	}

	c, err := h.cards.ByID(p.CardID)
	if err != nil {
		return err
	}
	if err := h.reply(ctx, msg, fmt.Sprintf(
		"Plan created on %s: %q, %d payments, total %s. Available limit: %s.",
		c.Name, plan.Description, plan.TotalInstallments, money(plan.TotalAmount), money(c.AvailableLimit))); err != nil {
		return err
	}
	return h.cardWarnings(ctx, c, msg)
}

// balanceWarnings sends the negative-balance notice on every overdraft
// and the low-balance warning once per baseline.
func (h *Handler) balanceWarnings(ctx context.Context, account models.Account, msg InboundMessage) error {
	if account.CurrentBalance.IsNegative() {
		return h.reply(ctx, msg, fmt.Sprintf(
			"Heads up: your balance is negative (%s).", money(account.CurrentBalance)))
	}

	if account.InitialBalance.IsPositive() && !account.LowBalanceWarned {
		threshold := account.InitialBalance.Mul(decimal.NewFromFloat(h.cfg.LowBalanceRatio))
		if account.CurrentBalance.LessThan(threshold) {
			if err := h.store.SetLowBalanceWarned(account.ID, true); err != nil {
				return err
			}
			return h.reply(ctx, msg, fmt.Sprintf(
				"Heads up: balance %s is below %.0f%% of your starting balance.",
				money(account.CurrentBalance), h.cfg.LowBalanceRatio*100))
		}
	}
	return nil
}

// cardWarnings sends the over-limit notice, the cooldown-gated usage
// alert, and the low-remaining-limit warning.
func (h *Handler) cardWarnings(ctx context.Context, c models.CreditCard, msg InboundMessage) error {
	if c.AvailableLimit.IsNegative() {
		return h.reply(ctx, msg, fmt.Sprintf("Card %s is over its limit by %s.",
			c.Name, money(c.AvailableLimit.Neg())))
	}

	if h.cards.ShouldAlertUsage(c) {
		if err := h.cards.MarkUsageAlerted(c.ID); err != nil {
			return err
		}
		if err := h.reply(ctx, msg, fmt.Sprintf(
			"Card %s usage is high: %s of %s spent this cycle.",
			c.Name, money(c.CurrentBalance), money(c.CardLimit))); err != nil {
			return err
		}
	}

	threshold := c.CardLimit.Mul(decimal.NewFromFloat(h.cfg.LowCardLimitRatio))
	if c.AvailableLimit.LessThan(threshold) {
		return h.reply(ctx, msg, fmt.Sprintf(
			"Card %s has only %s of limit left.", c.Name, money(c.AvailableLimit)))
	}
	return nil
}

func (h *Handler) firstCard(accountID uint) (models.CreditCard, error) {
	cards, err := h.cards.CardsByAccount(accountID)
	if err != nil {
		return models.CreditCard{}, err
	}
	if len(cards) == 0 {
		return models.CreditCard{}, &finerror.NotFoundError{Entity: "credit card", Key: "account"}
	}
	return cards[0], nil
}

// replyOrFail turns business rejections into user-facing replies and
// passes persistence failures through.
func (h *Handler) replyOrFail(ctx context.Context, msg InboundMessage, err error) error {
	switch {
	case finerror.IsPersistence(err):
		return err
	case finerror.IsInsufficientFunds(err),
		finerror.IsValidation(err),
		finerror.IsNotFound(err),
		finerror.IsConflict(err),
		finerror.IsExpired(err):
		return h.reply(ctx, msg, capitalize(err.Error())+".")
	default:
		return err
	}
}

func (h *Handler) reply(ctx context.Context, msg InboundMessage, text string) error {
	if err := h.transport.Send(ctx, msg.ChatID, text); err != nil {
		h.log.Error("send failed", logging.F("chat", msg.ChatID), logging.F("error", err.Error()))
		return err
	}
	return nil
}

func chatContext(msg InboundMessage) ledger.Context {
	return ledger.Context{ChatID: msg.ChatID, MessageID: msg.MessageID}
}

func money(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
