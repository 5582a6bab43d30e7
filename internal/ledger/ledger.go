// Package ledger implements the invariant-preserving mutation primitives
// over accounts, reserves, and the transaction audit trail. Every mutating
// operation runs inside a single database transaction: business rejections
// roll back with a typed error and leave all entities in their pre-call
// state.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"finbot/internal/finerror"
	"finbot/internal/logging"
	"finbot/internal/models"
)

// ReserveKind names one of the two reserve sub-accounts.
type ReserveKind string

const (
	ReserveSavings   ReserveKind = "savings"
	ReserveEmergency ReserveKind = "emergency"
)

// ResetScope selects which fields a destructive reset zeroes.
type ResetScope string

const (
	ScopeBalance      ResetScope = "balance"
	ScopeSavings      ResetScope = "savings"
	ScopeEmergency    ResetScope = "emergency"
	ScopeInstallments ResetScope = "installments"
	ScopeEverything   ResetScope = "everything"
)

// Context carries the chat provenance recorded on audit transactions.
type Context struct {
	ChatID    string
	MessageID string
}

// Valid expense amounts are between 0.01 and 1,000,000.00 inclusive.
var (
	minAmount = decimal.RequireFromString("0.01")
	maxAmount = decimal.NewFromInt(1_000_000)
)

// ValidAmount reports whether amount is inside the accepted expense range.
func ValidAmount(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(minAmount) && amount.LessThanOrEqual(maxAmount)
}

// Store is the ledger store.
type Store struct {
	db  *gorm.DB
	log logging.Logger
	now func() time.Time
}

// New creates a Store.
func New(db *gorm.DB, log logging.Logger) *Store {
	return &Store{db: db, log: log, now: time.Now}
}

// DB exposes the underlying handle for sibling engines that share the
// same database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// UpsertAccount creates the account on first sight, otherwise updates the
// display name. Idempotent.
func (s *Store) UpsertAccount(externalID, name string) (models.Account, error) {
	var account models.Account
	err := s.db.Where("external_id = ?", externalID).First(&account).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		account = models.Account{
			ExternalID:     externalID,
			Name:           name,
			InitialBalance: decimal.Zero,
			CurrentBalance: decimal.Zero,
			SavingsBalance: decimal.Zero,
			EmergencyFund:  decimal.Zero,
		}
		if err := s.db.Create(&account).Error; err != nil {
			return models.Account{}, finerror.Persistence("upsert account", err)
		}
		s.log.Info("account created", logging.F("external_id", externalID), logging.F("name", name))
		return account, nil
	case err != nil:
		return models.Account{}, finerror.Persistence("upsert account", err)
	}

	if account.Name != name {
		if err := s.db.Model(&account).Update("name", name).Error; err != nil {
			return models.Account{}, finerror.Persistence("upsert account", err)
		}
		account.Name = name
	}
	return account, nil
}

// AccountByExternalID looks up an account by its stable external id.
func (s *Store) AccountByExternalID(externalID string) (models.Account, error) {
	var account models.Account
	if err := s.db.Where("external_id = ?", externalID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.Account{}, &finerror.NotFoundError{Entity: "account", Key: externalID}
		}
		return models.Account{}, finerror.Persistence("account lookup", err)
	}
	return account, nil
}

// AccountByID looks up an account by primary key.
func (s *Store) AccountByID(id uint) (models.Account, error) {
	var account models.Account
	if err := s.db.First(&account, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.Account{}, &finerror.NotFoundError{Entity: "account", Key: "id"}
		}
		return models.Account{}, finerror.Persistence("account lookup", err)
	}
	return account, nil
}

// SetInitialBalance resets the account baseline: both initialBalance and
// currentBalance become amount.
func (s *Store) SetInitialBalance(accountID uint, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &finerror.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	amount = amount.Round(2)

	res := s.db.Model(&models.Account{}).Where("id = ?", accountID).Updates(map[string]any{
		"initial_balance":    amount,
		"current_balance":    amount,
		"low_balance_warned": false,
	})
	if res.Error != nil {
		return finerror.Persistence("set initial balance", res.Error)
	}
	if res.RowsAffected == 0 {
		return &finerror.NotFoundError{Entity: "account", Key: "id"}
	}
	return nil
}

// AddBalance increments both initialBalance and currentBalance by amount.
func (s *Store) AddBalance(accountID uint, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &finerror.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	amount = amount.Round(2)

	return s.db.Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		err = tx.Model(&account).Updates(map[string]any{
			"initial_balance": account.InitialBalance.Add(amount),
			"current_balance": account.CurrentBalance.Add(amount),
		}).Error
		return finerror.Persistence("add balance", err)
	})
}

// RecordExpense appends an expense transaction and debits currentBalance in
// the same unit. The balance may go negative; overdraft is representable.
func (s *Store) RecordExpense(accountID uint, amount decimal.Decimal, description string, categoryID uint, chatCtx Context) (models.Transaction, error) {
	if !ValidAmount(amount) {
		return models.Transaction{}, &finerror.ValidationError{
			Field: "amount", Reason: "must be between 0.01 and 1,000,000.00"}
	}
	amount = amount.Round(2)

	var entry models.Transaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}

		entry = models.Transaction{
			AccountID:   accountID,
			Amount:      amount,
			Description: description,
			CategoryID:  categoryID,
			Kind:        models.KindExpense,
			ChatID:      chatCtx.ChatID,
			MessageID:   chatCtx.MessageID,
			Date:        s.now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return finerror.Persistence("record expense", err)
		}

		err = tx.Model(&account).
			Update("current_balance", account.CurrentBalance.Sub(amount)).Error
		return finerror.Persistence("record expense", err)
	})
	if err != nil {
		return models.Transaction{}, err
	}

	s.log.Info("expense recorded",
		logging.F("account", accountID),
		logging.F("amount", amount.StringFixed(2)),
		logging.F("description", description))
	return entry, nil
}

// MoveToReserve transfers amount from the current balance into the named
// reserve. Fails with InsufficientFunds when the balance does not cover
// the amount; no partial effect.
func (s *Store) MoveToReserve(accountID uint, kind ReserveKind, amount decimal.Decimal, chatCtx Context) error {
	if !amount.IsPositive() {
		return &finerror.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	amount = amount.Round(2)

	return s.db.Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if account.CurrentBalance.LessThan(amount) {
			return &finerror.InsufficientFundsError{
				Source: "balance", Needed: amount, Available: account.CurrentBalance}
		}

		updates := map[string]any{"current_balance": account.CurrentBalance.Sub(amount)}
		var txKind models.TransactionKind
		var description string
		switch kind {
		case ReserveSavings:
			updates["savings_balance"] = account.SavingsBalance.Add(amount)
			txKind = models.KindSavingsDeposit
			description = "Transfer to savings"
		case ReserveEmergency:
			updates["emergency_fund"] = account.EmergencyFund.Add(amount)
			txKind = models.KindEmergencyDeposit
			description = "Deposit to emergency fund"
		default:
			return &finerror.ValidationError{Field: "reserve", Reason: "unknown reserve kind"}
		}

		if err := tx.Model(&account).Updates(updates).Error; err != nil {
			return finerror.Persistence("move to reserve", err)
		}
		return s.appendReserveAudit(tx, account, kind, txKind, amount, description, chatCtx)
	})
}

// WithdrawFromReserve transfers amount from the named reserve back to the
// current balance. Fails with InsufficientFunds when the reserve does not
// cover the amount.
func (s *Store) WithdrawFromReserve(accountID uint, kind ReserveKind, amount decimal.Decimal, chatCtx Context) error {
	if !amount.IsPositive() {
		return &finerror.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	amount = amount.Round(2)

	return s.db.Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}

		updates := map[string]any{"current_balance": account.CurrentBalance.Add(amount)}
		var txKind models.TransactionKind
		var description string
		switch kind {
		case ReserveSavings:
			if account.SavingsBalance.LessThan(amount) {
				return &finerror.InsufficientFundsError{
					Source: "savings", Needed: amount, Available: account.SavingsBalance}
			}
			updates["savings_balance"] = account.SavingsBalance.Sub(amount)
			txKind = models.KindSavingsWithdrawal
			description = "Withdrawal from savings"
		case ReserveEmergency:
			if account.EmergencyFund.LessThan(amount) {
				return &finerror.InsufficientFundsError{
					Source: "emergency", Needed: amount, Available: account.EmergencyFund}
			}
			updates["emergency_fund"] = account.EmergencyFund.Sub(amount)
			txKind = models.KindEmergencyWithdrawal
			description = "Withdrawal from emergency fund"
		default:
			return &finerror.ValidationError{Field: "reserve", Reason: "unknown reserve kind"}
		}

		if err := tx.Model(&account).Updates(updates).Error; err != nil {
			return finerror.Persistence("withdraw from reserve", err)
		}
		return s.appendReserveAudit(tx, account, kind, txKind, amount, description, chatCtx)
	})
}

func (s *Store) appendReserveAudit(tx *gorm.DB, account models.Account, kind ReserveKind, txKind models.TransactionKind, amount decimal.Decimal, description string, chatCtx Context) error {
	name := models.CategorySavings
	if kind == ReserveEmergency {
		name = models.CategoryEmergency
	}
	catID, err := categoryIDByName(tx, name)
	if err != nil {
		return err
	}
	entry := models.Transaction{
		AccountID:   account.ID,
		Amount:      amount,
		Description: description,
		CategoryID:  catID,
		Kind:        txKind,
		ChatID:      chatCtx.ChatID,
		MessageID:   chatCtx.MessageID,
		Date:        s.now(),
	}
	return finerror.Persistence("reserve audit", tx.Create(&entry).Error)
}

// ResetScope zeroes the targeted fields and appends a reset audit
// transaction. For installments and everything it also deletes dependent
// rows. Each scope's reset is one atomic unit.
func (s *Store) ResetScope(accountID uint, scope ResetScope, chatCtx Context) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, accountID)
		if err != nil {
			return err
		}

		var description string
		switch scope {
		case ScopeBalance:
			err = tx.Model(&account).Updates(map[string]any{
				"current_balance":    decimal.Zero,
				"initial_balance":    decimal.Zero,
				"low_balance_warned": false,
			}).Error
			description = "Balance reset"
		case ScopeSavings:
			err = tx.Model(&account).Update("savings_balance", decimal.Zero).Error
			description = "Savings reset"
		case ScopeEmergency:
			err = tx.Model(&account).Update("emergency_fund", decimal.Zero).Error
			description = "Emergency fund reset"
		case ScopeInstallments:
			err = deleteInstallments(tx, accountID)
			description = "Installment plans reset"
		case ScopeEverything:
			err = tx.Model(&account).Updates(map[string]any{
				"current_balance":    decimal.Zero,
				"initial_balance":    decimal.Zero,
				"savings_balance":    decimal.Zero,
				"emergency_fund":     decimal.Zero,
				"low_balance_warned": false,
			}).Error
			if err == nil {
				err = deleteInstallments(tx, accountID)
			}
			if err == nil {
				err = tx.Where("account_id = ?", accountID).Delete(&models.Transaction{}).Error
			}
			description = "Full reset"
		default:
			return &finerror.ValidationError{Field: "scope", Reason: "unknown reset scope"}
		}
		if err != nil {
			return finerror.Persistence("reset "+string(scope), err)
		}

		catID, err := categoryIDByName(tx, models.CategoryOther)
		if err != nil {
			return err
		}
		audit := models.Transaction{
			AccountID:   accountID,
			Amount:      decimal.Zero,
			Description: description,
			CategoryID:  catID,
			Kind:        models.KindReset,
			ChatID:      chatCtx.ChatID,
			Date:        s.now(),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return finerror.Persistence("reset audit", err)
		}

		s.log.Info("scope reset", logging.F("account", accountID), logging.F("scope", scope))
		return nil
	})
}

// SetLowBalanceWarned records whether the low-balance warning has fired so
// it is not repeated on every expense.
func (s *Store) SetLowBalanceWarned(accountID uint, warned bool) error {
	err := s.db.Model(&models.Account{}).Where("id = ?", accountID).
		Update("low_balance_warned", warned).Error
	return finerror.Persistence("set low balance warned", err)
}

// TransactionsByAccount returns the account's audit trail, newest first.
func (s *Store) TransactionsByAccount(accountID uint) ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.db.Preload("Category").
		Where("account_id = ?", accountID).
		Order("date DESC").
		Find(&out).Error
	if err != nil {
		return nil, finerror.Persistence("transactions by account", err)
	}
	return out, nil
}

func deleteInstallments(tx *gorm.DB, accountID uint) error {
	err := tx.Where("plan_id IN (?)",
		tx.Model(&models.InstallmentPlan{}).Select("id").Where("account_id = ?", accountID),
	).Delete(&models.InstallmentPayment{}).Error
	if err != nil {
		return err
	}
	return tx.Where("account_id = ?", accountID).Delete(&models.InstallmentPlan{}).Error
}

// lockAccount fetches the account inside the current transaction, mapping
// a missing row to NotFound.
func lockAccount(tx *gorm.DB, accountID uint) (models.Account, error) {
	var account models.Account
	if err := tx.First(&account, accountID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.Account{}, &finerror.NotFoundError{Entity: "account", Key: "id"}
		}
		return models.Account{}, finerror.Persistence("account lookup", err)
	}
	return account, nil
}

func categoryIDByName(tx *gorm.DB, name string) (uint, error) {
	var cat models.Category
	if err := tx.Where("name = ?", name).First(&cat).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, &finerror.NotFoundError{Entity: "category", Key: name}
		}
		return 0, finerror.Persistence("category lookup", err)
	}
	return cat.ID, nil
}
