// Package installment creates and advances multi-payment purchase plans.
// A plan and its payment rows are created atomically; paying the next
// pending payment debits the account, releases card limit for card-linked
// plans, and appends the audit expense as one unit.
package installment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"finbot/internal/card"
	"finbot/internal/classifier"
	"finbot/internal/finerror"
	"finbot/internal/ledger"
	"finbot/internal/logging"
	"finbot/internal/models"
)

// Engine is the installment engine.
type Engine struct {
	db    *gorm.DB
	cards *card.Engine
	log   logging.Logger
	now   func() time.Time
}

// New creates an Engine.
func New(db *gorm.DB, cards *card.Engine, log logging.Logger) *Engine {
	return &Engine{db: db, cards: cards, log: log, now: time.Now}
}

// CreatePlan inserts one plan and exactly count payment rows with sequence
// numbers 1..count and due dates one calendar month apart starting at
// firstDue. The final payment absorbs the rounding remainder so the
// payments sum to totalAmount exactly.
func (e *Engine) CreatePlan(accountID uint, description string, totalAmount, installmentAmount decimal.Decimal, count int, categoryID uint, firstDue time.Time, chatCtx ledger.Context) (models.InstallmentPlan, error) {
	if count < 1 {
		return models.InstallmentPlan{}, &finerror.ValidationError{
			Field: "installments", Reason: "must be at least 1"}
	}
	if !totalAmount.IsPositive() || !installmentAmount.IsPositive() {
		return models.InstallmentPlan{}, &finerror.ValidationError{
			Field: "amount", Reason: "must be positive"}
	}
	totalAmount = totalAmount.Round(2)
	installmentAmount = installmentAmount.Round(2)

	finalAmount := totalAmount.Sub(installmentAmount.Mul(decimal.NewFromInt(int64(count - 1))))
	if !finalAmount.IsPositive() {
		return models.InstallmentPlan{}, &finerror.ValidationError{
			Field: "installment amount", Reason: "does not divide the total"}
	}

	var plan models.InstallmentPlan
	err := e.db.Transaction(func(tx *gorm.DB) error {
		plan = models.InstallmentPlan{
			AccountID:         accountID,
			Description:       description,
			TotalAmount:       totalAmount,
			InstallmentAmount: installmentAmount,
			TotalInstallments: count,
			CategoryID:        categoryID,
			ChatID:            chatCtx.ChatID,
		}
		if err := tx.Create(&plan).Error; err != nil {
			return finerror.Persistence("create plan", err)
		}

		for i := 1; i <= count; i++ {
			amount := installmentAmount
			if i == count {
				amount = finalAmount
			}
			payment := models.InstallmentPayment{
				PlanID:   plan.ID,
				Sequence: i,
				Amount:   amount,
				Status:   models.PaymentPending,
				DueDate:  firstDue.AddDate(0, i-1, 0),
			}
			if err := tx.Create(&payment).Error; err != nil {
				return finerror.Persistence("create plan", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.InstallmentPlan{}, err
	}

	e.log.Info("installment plan created",
		logging.F("account", accountID),
		logging.F("description", description),
		logging.F("total", totalAmount.StringFixed(2)),
		logging.F("count", count))
	return plan, nil
}

// PlanByID looks up a plan by primary key.
func (e *Engine) PlanByID(planID uint) (models.InstallmentPlan, error) {
	var plan models.InstallmentPlan
	if err := e.db.First(&plan, planID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.InstallmentPlan{}, &finerror.NotFoundError{Entity: "installment plan", Key: "id"}
		}
		return models.InstallmentPlan{}, finerror.Persistence("plan lookup", err)
	}
	return plan, nil
}

// PlansByAccount lists the account's plans, newest first.
func (e *Engine) PlansByAccount(accountID uint) ([]models.InstallmentPlan, error) {
	var plans []models.InstallmentPlan
	err := e.db.Where("account_id = ?", accountID).Order("created_at DESC").Find(&plans).Error
	if err != nil {
		return nil, finerror.Persistence("plans by account", err)
	}
	return plans, nil
}

// NextPending returns the lowest-sequence pending payment of the plan, or
// nil when the plan is fully paid.
func (e *Engine) NextPending(planID uint) (*models.InstallmentPayment, error) {
	var payment models.InstallmentPayment
	err := e.db.Where("plan_id = ? AND status = ?", planID, models.PaymentPending).
		Order("sequence").First(&payment).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, finerror.Persistence("next pending", err)
	}
	return &payment, nil
}

// PayResult reports the outcome of PayNext.
type PayResult struct {
	// AlreadySettled is true when the plan had no pending payments left;
	// nothing was mutated.
	AlreadySettled bool
	Payment        models.InstallmentPayment
	Plan           models.InstallmentPlan
}

// PayNext pays the plan's next pending payment from the account balance:
// the payment flips to paid with a timestamp, the balance is debited, a
// card-linked plan releases the matching limit, and an expense audit row
// is appended. All four effects apply as one unit; a failed balance check
// mutates nothing.
func (e *Engine) PayNext(planID, accountID uint) (PayResult, error) {
	var result PayResult
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var plan models.InstallmentPlan
		if err := tx.Where("id = ? AND account_id = ?", planID, accountID).First(&plan).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &finerror.NotFoundError{Entity: "installment plan", Key: "id"}
			}
			return finerror.Persistence("pay installment", err)
		}
		result.Plan = plan

		var payment models.InstallmentPayment
		err := tx.Where("plan_id = ? AND status = ?", plan.ID, models.PaymentPending).
			Order("sequence").First(&payment).Error
		if err == gorm.ErrRecordNotFound {
			result.AlreadySettled = true
			return nil
		}
		if err != nil {
			return finerror.Persistence("pay installment", err)
		}

		var account models.Account
		if err := tx.First(&account, accountID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &finerror.NotFoundError{Entity: "account", Key: "id"}
			}
			return finerror.Persistence("pay installment", err)
		}
		if account.CurrentBalance.LessThan(payment.Amount) {
			return &finerror.InsufficientFundsError{
				Source: "balance", Needed: payment.Amount, Available: account.CurrentBalance}
		}

		now := e.now()
		if err := tx.Model(&payment).Updates(map[string]any{
			"status":  models.PaymentPaid,
			"paid_at": now,
		}).Error; err != nil {
			return finerror.Persistence("pay installment", err)
		}

		if err := tx.Model(&account).
			Update("current_balance", account.CurrentBalance.Sub(payment.Amount)).Error; err != nil {
			return finerror.Persistence("pay installment", err)
		}

		if err := e.cards.ReleaseOnInstallmentPayment(tx, accountID, plan.ID, payment.Amount); err != nil {
			return err
		}

		audit := models.Transaction{
			AccountID: accountID,
			Amount:    payment.Amount,
			Description: fmt.Sprintf("%s (installment %d/%d)",
				plan.Description, payment.Sequence, plan.TotalInstallments),
			CategoryID: plan.CategoryID,
			Kind:       models.KindExpense,
			ChatID:     plan.ChatID,
			Date:       now,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return finerror.Persistence("pay installment", err)
		}

		payment.Status = models.PaymentPaid
		payment.PaidAt = &now
		result.Payment = payment
		return nil
	})
	if err != nil {
		return PayResult{}, err
	}

	if result.AlreadySettled {
		e.log.Debug("plan already settled", logging.F("plan", planID))
	} else {
		e.log.Info("installment paid",
			logging.F("plan", planID),
			logging.F("sequence", result.Payment.Sequence),
			logging.F("amount", result.Payment.Amount.StringFixed(2)))
	}
	return result, nil
}

// FindByDescription resolves a plan from a fragment of its description.
// Candidates are ranked with the classifier's scoring tiers; equal scores
// fall to the earliest-created plan.
func (e *Engine) FindByDescription(accountID uint, partial string) (models.InstallmentPlan, error) {
	var plans []models.InstallmentPlan
	err := e.db.Where("account_id = ?", accountID).Order("created_at").Find(&plans).Error
	if err != nil {
		return models.InstallmentPlan{}, finerror.Persistence("find plan", err)
	}

	needle := strings.ToLower(strings.TrimSpace(partial))
	best := models.InstallmentPlan{}
	bestScore := 0
	for _, plan := range plans {
		score := classifier.ScoreKeywords(strings.ToLower(plan.Description), []string{needle})
		if score > bestScore {
			best = plan
			bestScore = score
		}
	}
	if bestScore == 0 {
		return models.InstallmentPlan{}, &finerror.NotFoundError{Entity: "installment plan", Key: partial}
	}
	return best, nil
}

// PendingPayment pairs a pending payment with its plan for reports and
// reminders.
type PendingPayment struct {
	Payment models.InstallmentPayment
	Plan    models.InstallmentPlan
}

// PendingByAccount lists the account's pending payments ordered by due
// date.
func (e *Engine) PendingByAccount(accountID uint) ([]PendingPayment, error) {
	var payments []models.InstallmentPayment
	err := e.db.Joins("Plan").
		Where("Plan.account_id = ? AND installment_payments.status = ?", accountID, models.PaymentPending).
		Order("installment_payments.due_date").
		Find(&payments).Error
	if err != nil {
		return nil, finerror.Persistence("pending by account", err)
	}
	return withPlans(payments), nil
}

// DueToday returns pending payments due on now's calendar day that have
// not been reminded today.
func (e *Engine) DueToday(now time.Time) ([]PendingPayment, error) {
	today := midnight(now)
	tomorrow := today.AddDate(0, 0, 1)

	var payments []models.InstallmentPayment
	err := e.db.Joins("Plan").
		Where("installment_payments.status = ?", models.PaymentPending).
		Where("installment_payments.due_date >= ? AND installment_payments.due_date < ?", today, tomorrow).
		Where("installment_payments.reminded_at IS NULL OR installment_payments.reminded_at < ?", today).
		Order("installment_payments.due_date").
		Find(&payments).Error
	if err != nil {
		return nil, finerror.Persistence("due today", err)
	}
	return withPlans(payments), nil
}

// Overdue returns pending payments whose due date has passed that have not
// been reminded today. Overdue payments are re-reminded once per calendar
// day.
func (e *Engine) Overdue(now time.Time) ([]PendingPayment, error) {
	today := midnight(now)

	var payments []models.InstallmentPayment
	err := e.db.Joins("Plan").
		Where("installment_payments.status = ?", models.PaymentPending).
		Where("installment_payments.due_date < ?", today).
		Where("installment_payments.reminded_at IS NULL OR installment_payments.reminded_at < ?", today).
		Order("installment_payments.due_date").
		Find(&payments).Error
	if err != nil {
		return nil, finerror.Persistence("overdue", err)
	}
	return withPlans(payments), nil
}

// MarkReminded stamps the payment's last-reminded time.
func (e *Engine) MarkReminded(paymentID uint) error {
	err := e.db.Model(&models.InstallmentPayment{}).Where("id = ?", paymentID).
		Update("reminded_at", e.now()).Error
	return finerror.Persistence("mark reminded", err)
}

func withPlans(payments []models.InstallmentPayment) []PendingPayment {
	out := make([]PendingPayment, len(payments))
	for i, p := range payments {
		out[i] = PendingPayment{Payment: p, Plan: p.Plan}
	}
	return out
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
