// Package card manages per-card limit and invoice state: purchases,
// installment linkage, invoice payment, and usage alerts. The invariant
// availableLimit == cardLimit - currentBalance holds after every mutating
// operation.
package card

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"finbot/internal/finerror"
	"finbot/internal/ledger"
	"finbot/internal/logging"
	"finbot/internal/models"
)

// Card limits accepted at creation and on limit updates.
var (
	minLimit = decimal.NewFromInt(100)
	maxLimit = decimal.NewFromInt(1_000_000)
)

// defaultUsageAlertRatio is the drawn-balance share of the limit at which
// a usage alert fires when no ratio is configured; alertCooldown is the
// minimum gap between repeated alerts.
const (
	defaultUsageAlertRatio = 0.30
	alertCooldown          = 24 * time.Hour
)

// Engine is the credit card engine.
type Engine struct {
	db         *gorm.DB
	log        logging.Logger
	alertRatio float64
	now        func() time.Time
}

// New creates an Engine. usageAlertRatio is the drawn-balance share of the
// limit that triggers usage alerts; zero or negative selects the default.
func New(db *gorm.DB, log logging.Logger, usageAlertRatio float64) *Engine {
	if usageAlertRatio <= 0 {
		usageAlertRatio = defaultUsageAlertRatio
	}
	return &Engine{db: db, log: log, alertRatio: usageAlertRatio, now: time.Now}
}

// CreateCard registers a card. Name must be non-empty and unique per
// account (case-insensitive); limit in [100, 1,000,000]; dueDay in [1,31].
func (e *Engine) CreateCard(accountID uint, name string, limit decimal.Decimal, dueDay int) (models.CreditCard, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.CreditCard{}, &finerror.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if limit.LessThan(minLimit) || limit.GreaterThan(maxLimit) {
		return models.CreditCard{}, &finerror.ValidationError{
			Field: "limit", Reason: "must be between 100 and 1,000,000"}
	}
	if dueDay < 1 || dueDay > 31 {
		return models.CreditCard{}, &finerror.ValidationError{
			Field: "due day", Reason: "must be between 1 and 31"}
	}
	limit = limit.Round(2)

	var created models.CreditCard
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.CreditCard{}).
			Where("account_id = ? AND LOWER(name) = LOWER(?)", accountID, name).
			Count(&count).Error
		if err != nil {
			return finerror.Persistence("create card", err)
		}
		if count > 0 {
			return &finerror.ConflictError{Entity: "card", Name: name}
		}

		created = models.CreditCard{
			AccountID:      accountID,
			Name:           name,
			CardLimit:      limit,
			CurrentBalance: decimal.Zero,
			AvailableLimit: limit,
			InvoiceAmount:  decimal.Zero,
			DueDay:         dueDay,
		}
		return finerror.Persistence("create card", tx.Create(&created).Error)
	})
	if err != nil {
		return models.CreditCard{}, err
	}

	e.log.Info("card created",
		logging.F("account", accountID),
		logging.F("name", name),
		logging.F("limit", limit.StringFixed(2)))
	return created, nil
}

// UpdateLimit changes the card limit and recomputes the available limit
// against the current drawn balance.
func (e *Engine) UpdateLimit(cardID uint, newLimit decimal.Decimal) error {
	if newLimit.LessThan(minLimit) || newLimit.GreaterThan(maxLimit) {
		return &finerror.ValidationError{Field: "limit", Reason: "must be between 100 and 1,000,000"}
	}
	newLimit = newLimit.Round(2)

	return e.db.Transaction(func(tx *gorm.DB) error {
		c, err := lockCard(tx, cardID)
		if err != nil {
			return err
		}
		err = tx.Model(&c).Updates(map[string]any{
			"card_limit":      newLimit,
			"available_limit": newLimit.Sub(c.CurrentBalance),
		}).Error
		return finerror.Persistence("update limit", err)
	})
}

// Purchase draws amount on the card: currentBalance and invoiceAmount grow,
// availableLimit shrinks (and may go negative; callers surface over-limit
// as a warning). A CardTransaction is appended in the same unit.
func (e *Engine) Purchase(cardID uint, amount decimal.Decimal, description string, categoryID uint, chatCtx ledger.Context) error {
	if !amount.IsPositive() {
		return &finerror.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	amount = amount.Round(2)

	return e.db.Transaction(func(tx *gorm.DB) error {
		c, err := lockCard(tx, cardID)
		if err != nil {
			return err
		}
		if err := applyDraw(tx, &c, amount, true); err != nil {
			return err
		}

		entry := models.CardTransaction{
			CardID:      c.ID,
			AccountID:   c.AccountID,
			Amount:      amount,
			Description: description,
			CategoryID:  categoryID,
			ChatID:      chatCtx.ChatID,
			MessageID:   chatCtx.MessageID,
		}
		return finerror.Persistence("card purchase", tx.Create(&entry).Error)
	})
}

// LinkInstallment treats the full plan total as an immediate draw on the
// card and marks the plan as card-linked.
func (e *Engine) LinkInstallment(cardID, planID uint, totalAmount decimal.Decimal) error {
	totalAmount = totalAmount.Round(2)

	return e.db.Transaction(func(tx *gorm.DB) error {
		c, err := lockCard(tx, cardID)
		if err != nil {
			return err
		}

		var plan models.InstallmentPlan
		if err := tx.First(&plan, planID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &finerror.NotFoundError{Entity: "installment plan", Key: "id"}
			}
			return finerror.Persistence("link installment", err)
		}

		if err := applyDraw(tx, &c, totalAmount, true); err != nil {
			return err
		}

		entry := models.CardTransaction{
			CardID:      c.ID,
			AccountID:   c.AccountID,
			Amount:      totalAmount,
			Description: plan.Description,
			CategoryID:  plan.CategoryID,
			Installment: true,
			ChatID:      plan.ChatID,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return finerror.Persistence("link installment", err)
		}

		err = tx.Model(&plan).Updates(map[string]any{
			"card_purchase": true,
			"card_id":       c.ID,
		}).Error
		return finerror.Persistence("link installment", err)
	})
}

// ReleaseOnInstallmentPayment frees the paid installment's share of the
// card limit. No-op unless the plan is card-linked. The invoice amount is
// untouched: it is billing-cycle scoped, not limit scoped. The caller's
// transaction handle is used so the release joins the payment's unit.
func (e *Engine) ReleaseOnInstallmentPayment(tx *gorm.DB, accountID, planID uint, amount decimal.Decimal) error {
	var plan models.InstallmentPlan
	if err := tx.First(&plan, planID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return finerror.Persistence("release card limit", err)
	}
	if !plan.CardPurchase || plan.CardID == nil {
		return nil
	}

	var c models.CreditCard
	if err := tx.Where("id = ? AND account_id = ?", *plan.CardID, accountID).First(&c).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return finerror.Persistence("release card limit", err)
	}

	err := tx.Model(&c).Updates(map[string]any{
		"current_balance": c.CurrentBalance.Sub(amount),
		"available_limit": c.AvailableLimit.Add(amount),
	}).Error
	return finerror.Persistence("release card limit", err)
}

// PayInvoice pays amount of the card invoice from the account balance.
// Requires currentBalance >= amount; debits the account, frees the limit,
// and records last-payment metadata, all in one unit.
func (e *Engine) PayInvoice(cardID, accountID uint, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &finerror.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	amount = amount.Round(2)

	return e.db.Transaction(func(tx *gorm.DB) error {
		c, err := lockCard(tx, cardID)
		if err != nil {
			return err
		}

		var account models.Account
		if err := tx.First(&account, accountID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &finerror.NotFoundError{Entity: "account", Key: "id"}
			}
			return finerror.Persistence("pay invoice", err)
		}
		if account.CurrentBalance.LessThan(amount) {
			return &finerror.InsufficientFundsError{
				Source: "balance", Needed: amount, Available: account.CurrentBalance}
		}

		if err := tx.Model(&account).
			Update("current_balance", account.CurrentBalance.Sub(amount)).Error; err != nil {
			return finerror.Persistence("pay invoice", err)
		}

		now := e.now()
		err = tx.Model(&c).Updates(map[string]any{
			"current_balance":     c.CurrentBalance.Sub(amount),
			"available_limit":     c.AvailableLimit.Add(amount),
			"invoice_amount":      c.InvoiceAmount.Sub(amount),
			"last_payment_at":     now,
			"last_payment_amount": amount,
		}).Error
		return finerror.Persistence("pay invoice", err)
	})
}

// ShouldAlertUsage reports whether the card's drawn balance has reached the
// alert share of its limit and no alert fired within the cooldown. This is
// a query; callers record the alert with MarkUsageAlerted after notifying.
func (e *Engine) ShouldAlertUsage(c models.CreditCard) bool {
	if c.CardLimit.IsZero() {
		return false
	}
	ratio, _ := c.CurrentBalance.Div(c.CardLimit).Float64()
	if ratio < e.alertRatio {
		return false
	}
	if c.LastUsageAlertAt == nil {
		return true
	}
	return e.now().Sub(*c.LastUsageAlertAt) >= alertCooldown
}

// MarkUsageAlerted records the usage alert timestamp.
func (e *Engine) MarkUsageAlerted(cardID uint) error {
	err := e.db.Model(&models.CreditCard{}).Where("id = ?", cardID).
		Update("last_usage_alert_at", e.now()).Error
	return finerror.Persistence("mark usage alerted", err)
}

// DueCard pairs a card with the days remaining until its invoice due day.
type DueCard struct {
	Card         models.CreditCard
	DaysUntilDue int
}

// UpcomingDue returns the account's cards with a nonzero invoice whose due
// day falls within horizonDays, soonest first. A due day earlier in the
// month than today wraps to next month.
func (e *Engine) UpcomingDue(accountID uint, horizonDays int) ([]DueCard, error) {
	cards, err := e.CardsByAccount(accountID)
	if err != nil {
		return nil, err
	}

	today := e.now()
	var out []DueCard
	for _, c := range cards {
		if c.InvoiceAmount.IsZero() {
			continue
		}
		days := daysUntilDueDay(today, c.DueDay)
		if days <= horizonDays {
			out = append(out, DueCard{Card: c, DaysUntilDue: days})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DaysUntilDue < out[j].DaysUntilDue })
	return out, nil
}

// DeleteCard removes the card and its transactions and unlinks any
// installment plans that drew on it.
func (e *Engine) DeleteCard(cardID, accountID uint) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		c, err := ownedCard(tx, cardID, accountID)
		if err != nil {
			return err
		}
		if err := tx.Where("card_id = ?", c.ID).Delete(&models.CardTransaction{}).Error; err != nil {
			return finerror.Persistence("delete card", err)
		}
		if err := unlinkPlans(tx, c.ID); err != nil {
			return err
		}
		return finerror.Persistence("delete card", tx.Delete(&c).Error)
	})
}

// ResetCard zeroes balance and invoice back to the full limit, clears the
// card's transactions and installment linkage, but keeps the card
// registered.
func (e *Engine) ResetCard(cardID, accountID uint) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		c, err := ownedCard(tx, cardID, accountID)
		if err != nil {
			return err
		}
		err = tx.Model(&c).Updates(map[string]any{
			"current_balance": decimal.Zero,
			"available_limit": c.CardLimit,
			"invoice_amount":  decimal.Zero,
		}).Error
		if err != nil {
			return finerror.Persistence("reset card", err)
		}
		if err := tx.Where("card_id = ?", c.ID).Delete(&models.CardTransaction{}).Error; err != nil {
			return finerror.Persistence("reset card", err)
		}
		return unlinkPlans(tx, c.ID)
	})
}

// ByID looks up a card by primary key.
func (e *Engine) ByID(cardID uint) (models.CreditCard, error) {
	return lockCard(e.db, cardID)
}

// ByName looks up a card by exact name, case-insensitively.
func (e *Engine) ByName(accountID uint, name string) (models.CreditCard, error) {
	var c models.CreditCard
	err := e.db.Where("account_id = ? AND LOWER(name) = LOWER(?)", accountID, strings.TrimSpace(name)).
		First(&c).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.CreditCard{}, &finerror.NotFoundError{Entity: "card", Key: name}
		}
		return models.CreditCard{}, finerror.Persistence("card lookup", err)
	}
	return c, nil
}

// FindByPartialName resolves a card from a fragment of its name: exact
// match first, then the first substring match.
func (e *Engine) FindByPartialName(accountID uint, partial string) (models.CreditCard, error) {
	cards, err := e.CardsByAccount(accountID)
	if err != nil {
		return models.CreditCard{}, err
	}
	needle := strings.ToLower(strings.TrimSpace(partial))

	for _, c := range cards {
		if strings.ToLower(c.Name) == needle {
			return c, nil
		}
	}
	for _, c := range cards {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			return c, nil
		}
	}
	return models.CreditCard{}, &finerror.NotFoundError{Entity: "card", Key: partial}
}

// CardsByAccount lists the account's cards, newest first.
func (e *Engine) CardsByAccount(accountID uint) ([]models.CreditCard, error) {
	var cards []models.CreditCard
	err := e.db.Where("account_id = ?", accountID).Order("created_at DESC").Find(&cards).Error
	if err != nil {
		return nil, finerror.Persistence("cards by account", err)
	}
	return cards, nil
}

// HasCard reports whether the account has at least one card on file.
func (e *Engine) HasCard(accountID uint) (bool, error) {
	var count int64
	err := e.db.Model(&models.CreditCard{}).Where("account_id = ?", accountID).Count(&count).Error
	if err != nil {
		return false, finerror.Persistence("card count", err)
	}
	return count > 0, nil
}

// applyDraw moves amount onto the card. withInvoice also grows the
// invoice (purchases and linked plans do; limit releases do not).
func applyDraw(tx *gorm.DB, c *models.CreditCard, amount decimal.Decimal, withInvoice bool) error {
	updates := map[string]any{
		"current_balance": c.CurrentBalance.Add(amount),
		"available_limit": c.AvailableLimit.Sub(amount),
	}
	if withInvoice {
		updates["invoice_amount"] = c.InvoiceAmount.Add(amount)
	}
	return finerror.Persistence("card draw", tx.Model(c).Updates(updates).Error)
}

func unlinkPlans(tx *gorm.DB, cardID uint) error {
	err := tx.Model(&models.InstallmentPlan{}).Where("card_id = ?", cardID).
		Updates(map[string]any{"card_purchase": false, "card_id": nil}).Error
	return finerror.Persistence("unlink plans", err)
}

func ownedCard(tx *gorm.DB, cardID, accountID uint) (models.CreditCard, error) {
	var c models.CreditCard
	if err := tx.Where("id = ? AND account_id = ?", cardID, accountID).First(&c).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.CreditCard{}, &finerror.NotFoundError{Entity: "card", Key: "id"}
		}
		return models.CreditCard{}, finerror.Persistence("card lookup", err)
	}
	return c, nil
}

func lockCard(tx *gorm.DB, cardID uint) (models.CreditCard, error) {
	var c models.CreditCard
	if err := tx.First(&c, cardID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.CreditCard{}, &finerror.NotFoundError{Entity: "card", Key: "id"}
		}
		return models.CreditCard{}, finerror.Persistence("card lookup", err)
	}
	return c, nil
}

// daysUntilDueDay computes whole days from today to the next occurrence of
// dueDay, clamping dueDay to the target month's length.
func daysUntilDueDay(today time.Time, dueDay int) int {
	y, m, d := today.Date()
	target := time.Date(y, m, clampDay(y, m, dueDay), 0, 0, 0, 0, today.Location())
	if dueDay < d {
		next := today.AddDate(0, 1, 0)
		ny, nm, _ := next.Date()
		target = time.Date(ny, nm, clampDay(ny, nm, dueDay), 0, 0, 0, 0, today.Location())
	}
	midnight := time.Date(y, m, d, 0, 0, 0, 0, today.Location())
	return int(target.Sub(midnight).Hours() / 24)
}

func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
