// Package models defines the persistent entities of the ledger: accounts,
// categories, the transaction audit trail, installment plans and their
// payments, and credit cards. All monetary fields use decimal fixed-point
// values with two fractional digits.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind tags an entry in the audit trail.
type TransactionKind string

const (
	KindExpense             TransactionKind = "expense"
	KindSavingsDeposit      TransactionKind = "savings_deposit"
	KindSavingsWithdrawal   TransactionKind = "savings_withdrawal"
	KindEmergencyDeposit    TransactionKind = "emergency_deposit"
	KindEmergencyWithdrawal TransactionKind = "emergency_withdrawal"
	KindReset               TransactionKind = "reset"
)

// PaymentStatus is the lifecycle state of an installment payment.
// Transitions only go pending -> paid, never back.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// Reserved category names used internally for reserve movements and as the
// classification fallback. They are never matched by keyword scoring.
const (
	CategorySavings   = "Savings"
	CategoryEmergency = "Emergency"
	CategoryOther     = "Other"
)

// Account is a single user's ledger. Created on first contact and never
// deleted, only reset back to zeroed fields. CurrentBalance may go negative;
// overdraft is representable, not rejected.
type Account struct {
	ID               uint            `gorm:"primaryKey"`
	ExternalID       string          `gorm:"uniqueIndex;not null"`
	Name             string          `gorm:"not null"`
	InitialBalance   decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	CurrentBalance   decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	SavingsBalance   decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	EmergencyFund    decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	LowBalanceWarned bool            `gorm:"not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Category is static reference data seeded once at startup. Keywords is a
// comma-separated list used by the keyword classifier.
type Category struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Emoji     string `gorm:"default:📝"`
	Keywords  string `gorm:"not null"`
	CreatedAt time.Time
}

// KeywordList splits the stored keyword string into trimmed, lowercased
// keywords, skipping empty entries.
func (c Category) KeywordList() []string {
	parts := strings.Split(c.Keywords, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Reserved reports whether the category is one of the internal categories
// that keyword classification must skip.
func (c Category) Reserved() bool {
	return c.Name == CategorySavings || c.Name == CategoryEmergency || c.Name == CategoryOther
}

// Transaction is one append-only audit entry. A reset kind with amount 0
// marks destructive operations for audit purposes.
type Transaction struct {
	ID          uint            `gorm:"primaryKey"`
	AccountID   uint            `gorm:"index;not null"`
	Account     Account         `gorm:"constraint:OnDelete:CASCADE"`
	Amount      decimal.Decimal `gorm:"type:numeric;not null"`
	Description string          `gorm:"not null"`
	CategoryID  uint            `gorm:"index;not null"`
	Category    Category
	Kind        TransactionKind `gorm:"index;not null;default:expense"`
	ChatID      string
	MessageID   string
	Date        time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// InstallmentPlan is a purchase split into a fixed number of scheduled
// payments. Created atomically with its payment rows. CardPurchase marks a
// plan whose total was drawn against a credit card at creation time.
type InstallmentPlan struct {
	ID                uint            `gorm:"primaryKey"`
	AccountID         uint            `gorm:"index;not null"`
	Account           Account         `gorm:"constraint:OnDelete:CASCADE"`
	Description       string          `gorm:"not null"`
	TotalAmount       decimal.Decimal `gorm:"type:numeric;not null"`
	InstallmentAmount decimal.Decimal `gorm:"type:numeric;not null"`
	TotalInstallments int             `gorm:"not null"`
	CategoryID        uint            `gorm:"not null"`
	Category          Category
	ChatID            string
	CardPurchase      bool `gorm:"not null;default:false"`
	CardID            *uint
	CreatedAt         time.Time
}

// InstallmentPayment is one scheduled payment of a plan. Sequence numbers
// are 1..N and unique within the plan; due dates are monthly increments
// from the plan's first due date.
type InstallmentPayment struct {
	ID         uint            `gorm:"primaryKey"`
	PlanID     uint            `gorm:"uniqueIndex:idx_plan_sequence;not null"`
	Plan       InstallmentPlan `gorm:"constraint:OnDelete:CASCADE"`
	Sequence   int             `gorm:"uniqueIndex:idx_plan_sequence;not null"`
	Amount     decimal.Decimal `gorm:"type:numeric;not null"`
	Status     PaymentStatus   `gorm:"index;not null;default:pending"`
	DueDate    time.Time       `gorm:"index;not null"`
	PaidAt     *time.Time
	RemindedAt *time.Time
	CreatedAt  time.Time
}

// CreditCard tracks per-card limit and invoice state. The invariant
// AvailableLimit == CardLimit - CurrentBalance holds after every mutating
// operation. AvailableLimit may go negative; over-limit is surfaced as a
// warning by callers, not rejected here.
type CreditCard struct {
	ID                uint            `gorm:"primaryKey"`
	AccountID         uint            `gorm:"uniqueIndex:idx_account_card_name;not null"`
	Account           Account         `gorm:"constraint:OnDelete:CASCADE"`
	Name              string          `gorm:"uniqueIndex:idx_account_card_name;not null"`
	CardLimit         decimal.Decimal `gorm:"type:numeric;not null"`
	CurrentBalance    decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	AvailableLimit    decimal.Decimal `gorm:"type:numeric;not null"`
	InvoiceAmount     decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	DueDay            int             `gorm:"not null"`
	LastPaymentAt     *time.Time
	LastPaymentAmount decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	LastUsageAlertAt  *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CardTransaction mirrors card purchases for audit.
type CardTransaction struct {
	ID          uint            `gorm:"primaryKey"`
	CardID      uint            `gorm:"index;not null"`
	Card        CreditCard      `gorm:"constraint:OnDelete:CASCADE"`
	AccountID   uint            `gorm:"index;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric;not null"`
	Description string          `gorm:"not null"`
	CategoryID  uint            `gorm:"not null"`
	Installment bool            `gorm:"not null;default:false"`
	ChatID      string
	MessageID   string
	CreatedAt   time.Time
}

// Group records a chat the assistant participates in.
type Group struct {
	ID        uint   `gorm:"primaryKey"`
	ChatID    string `gorm:"uniqueIndex;not null"`
	Name      string
	Active    bool `gorm:"not null;default:true"`
	CreatedAt time.Time
}

// All returns the full set of entities for schema migration, leaves first.
func All() []any {
	return []any{
		&Account{},
		&Category{},
		&Transaction{},
		&InstallmentPlan{},
		&InstallmentPayment{},
		&CreditCard{},
		&CardTransaction{},
		&Group{},
	}
}
