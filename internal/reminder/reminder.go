// Package reminder periodically surfaces installment payments that are
// due or overdue, and card invoices approaching their due day. Each
// payment is reminded at most once per calendar day; the poll loop fires
// quickly once at startup and hourly after that.
package reminder

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"finbot/internal/card"
	"finbot/internal/dispatch"
	"finbot/internal/installment"
	"finbot/internal/logging"
	"finbot/internal/models"
)

// Options configures a Driver.
type Options struct {
	// Interval between polls. Defaults to one hour.
	Interval time.Duration
	// FirstPollDelay before the initial poll. Defaults to one minute.
	FirstPollDelay time.Duration
	// DueSoonDays is the horizon for card invoice reminders. Defaults to
	// five days.
	DueSoonDays int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Driver runs the reminder sweep.
type Driver struct {
	db        *gorm.DB
	plans     *installment.Engine
	cards     *card.Engine
	transport dispatch.Transport
	log       logging.Logger

	interval    time.Duration
	firstPoll   time.Duration
	dueSoonDays int
	now         func() time.Time

	// lastCardReminder keeps card reminders to one per card per day.
	lastCardReminder map[uint]time.Time
}

// New creates a Driver.
func New(db *gorm.DB, plans *installment.Engine, cards *card.Engine, transport dispatch.Transport, log logging.Logger, opts Options) *Driver {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	firstPoll := opts.FirstPollDelay
	if firstPoll <= 0 {
		firstPoll = time.Minute
	}
	dueSoon := opts.DueSoonDays
	if dueSoon <= 0 {
		dueSoon = 5
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Driver{
		db:               db,
		plans:            plans,
		cards:            cards,
		transport:        transport,
		log:              log,
		interval:         interval,
		firstPoll:        firstPoll,
		dueSoonDays:      dueSoon,
		now:              now,
		lastCardReminder: make(map[uint]time.Time),
	}
}

// Run polls until ctx is done. The first poll fires after a short delay
// so a freshly started process catches up without waiting a full
// interval.
func (d *Driver) Run(ctx context.Context) {
	first := time.NewTimer(d.firstPoll)
	defer first.Stop()

	select {
	case <-ctx.Done():
		return
	case <-first.C:
		d.sweep(ctx)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// Sweep runs one reminder pass and returns how many reminders were sent.
// Failures are logged per entry; one bad send never blocks the rest.
func (d *Driver) Sweep(ctx context.Context) int {
	return d.sweep(ctx)
}

func (d *Driver) sweep(ctx context.Context) int {
	sent := 0
	now := d.now()

	due, err := d.plans.DueToday(now)
	if err != nil {
		d.log.Error("due-today query failed", logging.F("error", err.Error()))
	}
	for _, p := range due {
		text := fmt.Sprintf("Reminder: installment %d/%d of %q (%s) is due today.",
			p.Payment.Sequence, p.Plan.TotalInstallments, p.Plan.Description,
			"$"+p.Payment.Amount.StringFixed(2))
		sent += d.remind(ctx, p, text)
	}

	overdue, err := d.plans.Overdue(now)
	if err != nil {
		d.log.Error("overdue query failed", logging.F("error", err.Error()))
	}
	for _, p := range overdue {
		days := int(now.Sub(p.Payment.DueDate).Hours() / 24)
		text := fmt.Sprintf("Installment %d/%d of %q (%s) is overdue by %d day(s).",
			p.Payment.Sequence, p.Plan.TotalInstallments, p.Plan.Description,
			"$"+p.Payment.Amount.StringFixed(2), days)
		sent += d.remind(ctx, p, text)
	}

	sent += d.cardReminders(ctx, now)
	if sent > 0 {
		d.log.Info("reminder sweep", logging.F("sent", sent))
	}
	return sent
}

// remind sends one reminder and stamps the payment so it is not repeated
// today. The stamp is written only after a successful send.
func (d *Driver) remind(ctx context.Context, p installment.PendingPayment, text string) int {
	chatID, err := d.chatFor(p.Plan)
	if err != nil {
		d.log.Warn("reminder target unresolved",
			logging.F("plan", p.Plan.ID), logging.F("error", err.Error()))
		return 0
	}
	if err := d.transport.Send(ctx, chatID, text); err != nil {
		d.log.Error("reminder send failed",
			logging.F("plan", p.Plan.ID), logging.F("error", err.Error()))
		return 0
	}
	if err := d.plans.MarkReminded(p.Payment.ID); err != nil {
		d.log.Error("mark reminded failed",
			logging.F("payment", p.Payment.ID), logging.F("error", err.Error()))
	}
	return 1
}

// cardReminders notifies accounts whose card invoices fall due within
// the horizon, at most once per card per calendar day.
func (d *Driver) cardReminders(ctx context.Context, now time.Time) int {
	var accounts []models.Account
	if err := d.db.Find(&accounts).Error; err != nil {
		d.log.Error("account scan failed", logging.F("error", err.Error()))
		return 0
	}

	sent := 0
	today := now.Format("2006-01-02")
	for _, account := range accounts {
		dueCards, err := d.cards.UpcomingDue(account.ID, d.dueSoonDays)
		if err != nil {
			d.log.Error("upcoming due query failed",
				logging.F("account", account.ID), logging.F("error", err.Error()))
			continue
		}
		for _, dc := range dueCards {
			if last, ok := d.lastCardReminder[dc.Card.ID]; ok && last.Format("2006-01-02") == today {
				continue
			}
			text := fmt.Sprintf("The invoice for %s ($%s) is due in %d day(s).",
				dc.Card.Name, dc.Card.InvoiceAmount.StringFixed(2), dc.DaysUntilDue)
			if err := d.transport.Send(ctx, account.ExternalID, text); err != nil {
				d.log.Error("card reminder send failed",
					logging.F("card", dc.Card.ID), logging.F("error", err.Error()))
				continue
			}
			d.lastCardReminder[dc.Card.ID] = now
			sent++
		}
	}
	return sent
}

// chatFor resolves where a plan's reminders go: the chat the plan was
// created in, falling back to the owner's direct chat.
func (d *Driver) chatFor(plan models.InstallmentPlan) (string, error) {
	if plan.ChatID != "" {
		return plan.ChatID, nil
	}
	var account models.Account
	if err := d.db.First(&account, plan.AccountID).Error; err != nil {
		return "", err
	}
	return account.ExternalID, nil
}
