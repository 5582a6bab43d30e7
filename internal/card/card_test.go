package card

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finbot/internal/finerror"
	"finbot/internal/ledger"
	"finbot/internal/logging"
	"finbot/internal/models"
	"finbot/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Store, models.Account) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), "", logging.NewMock())
	require.NoError(t, err)

	store := ledger.New(db, logging.NewMock())
	account, err := store.UpsertAccount("user-1", "Alice")
	require.NoError(t, err)
	return New(db, logging.NewMock(), 0.30), store, account
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// assertInvariant checks availableLimit == cardLimit - currentBalance.
func assertInvariant(t *testing.T, e *Engine, cardID uint) models.CreditCard {
	t.Helper()
	c, err := e.ByID(cardID)
	require.NoError(t, err)
	assert.True(t, c.AvailableLimit.Equal(c.CardLimit.Sub(c.CurrentBalance)),
		"limit invariant broken: available=%s limit=%s balance=%s",
		c.AvailableLimit, c.CardLimit, c.CurrentBalance)
	return c
}

func TestCreateCard(t *testing.T) {
	e, _, account := newTestEngine(t)

	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)
	assert.True(t, c.AvailableLimit.Equal(dec("1000")))
	assert.True(t, c.CurrentBalance.Equal(decimal.Zero))
	assertInvariant(t, e, c.ID)
}

func TestCreateCardValidation(t *testing.T) {
	e, _, account := newTestEngine(t)

	tests := []struct {
		name   string
		card   string
		limit  decimal.Decimal
		dueDay int
	}{
		{"empty name", "", dec("1000"), 10},
		{"limit too low", "Visa", dec("99"), 10},
		{"limit too high", "Visa", dec("1000001"), 10},
		{"due day zero", "Visa", dec("1000"), 0},
		{"due day too high", "Visa", dec("1000"), 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateCard(account.ID, tt.card, tt.limit, tt.dueDay)
			assert.True(t, finerror.IsValidation(err))
		})
	}
}

func TestCreateCardDuplicateNameCaseInsensitive(t *testing.T) {
	e, _, account := newTestEngine(t)

	_, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)

	_, err = e.CreateCard(account.ID, "VISA", dec("2000"), 15)
	assert.True(t, finerror.IsConflict(err))
}

func TestPurchase(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)

	require.NoError(t, e.Purchase(c.ID, dec("200"), "headphones", 1, ledger.Context{ChatID: "c1"}))

	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.CurrentBalance.Equal(dec("200")))
	assert.True(t, got.AvailableLimit.Equal(dec("800")))
	assert.True(t, got.InvoiceAmount.Equal(dec("200")))

	var txs []models.CardTransaction
	require.NoError(t, e.db.Where("card_id = ?", c.ID).Find(&txs).Error)
	require.Len(t, txs, 1)
	assert.Equal(t, "headphones", txs[0].Description)
	assert.False(t, txs[0].Installment)
}

func TestPurchaseMayExceedLimit(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("500"), 10)
	require.NoError(t, err)

	require.NoError(t, e.Purchase(c.ID, dec("600"), "laptop", 1, ledger.Context{}))

	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.AvailableLimit.IsNegative())
}

func TestUpdateLimitRecomputesAvailable(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)
	require.NoError(t, e.Purchase(c.ID, dec("300"), "tv", 1, ledger.Context{}))

	require.NoError(t, e.UpdateLimit(c.ID, dec("2000")))

	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.CardLimit.Equal(dec("2000")))
	assert.True(t, got.AvailableLimit.Equal(dec("1700")))
}

func TestPayInvoice(t *testing.T) {
	e, store, account := newTestEngine(t)
	require.NoError(t, store.SetInitialBalance(account.ID, dec("1000")))

	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)
	require.NoError(t, e.Purchase(c.ID, dec("400"), "stuff", 1, ledger.Context{}))

	require.NoError(t, e.PayInvoice(c.ID, account.ID, dec("250")))

	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.CurrentBalance.Equal(dec("150")))
	assert.True(t, got.InvoiceAmount.Equal(dec("150")))
	assert.True(t, got.LastPaymentAmount.Equal(dec("250")))
	assert.NotNil(t, got.LastPaymentAt)

	acct, err := store.AccountByID(account.ID)
	require.NoError(t, err)
	assert.True(t, acct.CurrentBalance.Equal(dec("750")))
}

func TestPayInvoiceInsufficientBalance(t *testing.T) {
	e, store, account := newTestEngine(t)
	require.NoError(t, store.SetInitialBalance(account.ID, dec("100")))

	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)
	require.NoError(t, e.Purchase(c.ID, dec("400"), "stuff", 1, ledger.Context{}))

	err = e.PayInvoice(c.ID, account.ID, dec("200"))
	require.True(t, finerror.IsInsufficientFunds(err))

	// Neither side of the failed payment may have moved.
	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.InvoiceAmount.Equal(dec("400")))
	acct, aerr := store.AccountByID(account.ID)
	require.NoError(t, aerr)
	assert.True(t, acct.CurrentBalance.Equal(dec("100")))
}

func TestLinkInstallmentDrawsFullTotal(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)

	plan := models.InstallmentPlan{
		AccountID:         account.ID,
		Description:       "tv",
		TotalAmount:       dec("1200"),
		InstallmentAmount: dec("100"),
		TotalInstallments: 12,
		CategoryID:        1,
	}
	require.NoError(t, e.db.Create(&plan).Error)

	require.NoError(t, e.LinkInstallment(c.ID, plan.ID, dec("1200")))

	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.CurrentBalance.Equal(dec("1200")))
	assert.True(t, got.InvoiceAmount.Equal(dec("1200")))

	var linked models.InstallmentPlan
	require.NoError(t, e.db.First(&linked, plan.ID).Error)
	assert.True(t, linked.CardPurchase)
	require.NotNil(t, linked.CardID)
	assert.Equal(t, c.ID, *linked.CardID)
}

func TestReleaseOnInstallmentPaymentLeavesInvoiceUntouched(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)

	plan := models.InstallmentPlan{
		AccountID:         account.ID,
		Description:       "tv",
		TotalAmount:       dec("1200"),
		InstallmentAmount: dec("100"),
		TotalInstallments: 12,
		CategoryID:        1,
	}
	require.NoError(t, e.db.Create(&plan).Error)
	require.NoError(t, e.LinkInstallment(c.ID, plan.ID, dec("1200")))

	require.NoError(t, e.ReleaseOnInstallmentPayment(e.db, account.ID, plan.ID, dec("100")))

	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.CurrentBalance.Equal(dec("1100")))
	assert.True(t, got.AvailableLimit.Equal(dec("900")))
	assert.True(t, got.InvoiceAmount.Equal(dec("1200")), "invoice is billing-cycle scoped, not limit scoped")
}

func TestReleaseIsNoOpForBalancePlans(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)

	plan := models.InstallmentPlan{
		AccountID:         account.ID,
		Description:       "couch",
		TotalAmount:       dec("600"),
		InstallmentAmount: dec("200"),
		TotalInstallments: 3,
		CategoryID:        1,
	}
	require.NoError(t, e.db.Create(&plan).Error)

	require.NoError(t, e.ReleaseOnInstallmentPayment(e.db, account.ID, plan.ID, dec("200")))

	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.CurrentBalance.Equal(decimal.Zero))
}

func TestShouldAlertUsage(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)

	assert.False(t, e.ShouldAlertUsage(c), "fresh card must not alert")

	require.NoError(t, e.Purchase(c.ID, dec("350"), "stuff", 1, ledger.Context{}))
	c, err = e.ByID(c.ID)
	require.NoError(t, err)
	assert.True(t, e.ShouldAlertUsage(c))

	require.NoError(t, e.MarkUsageAlerted(c.ID))
	c, err = e.ByID(c.ID)
	require.NoError(t, err)
	assert.False(t, e.ShouldAlertUsage(c), "alert must respect the cooldown")

	// Advance past the cooldown.
	e.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	assert.True(t, e.ShouldAlertUsage(c))
}

func TestUsageAlertRespectsConfiguredRatio(t *testing.T) {
	e, _, account := newTestEngine(t)
	strict := New(e.db, logging.NewMock(), 0.9)

	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)
	require.NoError(t, e.Purchase(c.ID, dec("310"), "stuff", 1, ledger.Context{}))

	c, err = e.ByID(c.ID)
	require.NoError(t, err)
	assert.True(t, e.ShouldAlertUsage(c), "31% usage crosses the default threshold")
	assert.False(t, strict.ShouldAlertUsage(c), "31% usage stays under a 90% threshold")

	require.NoError(t, e.Purchase(c.ID, dec("600"), "more stuff", 1, ledger.Context{}))
	c, err = e.ByID(c.ID)
	require.NoError(t, err)
	assert.True(t, strict.ShouldAlertUsage(c))
}

func TestUpcomingDue(t *testing.T) {
	e, _, account := newTestEngine(t)
	e.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	soon, err := e.CreateCard(account.ID, "Soon", dec("1000"), 12)
	require.NoError(t, err)
	later, err := e.CreateCard(account.ID, "Later", dec("1000"), 25)
	require.NoError(t, err)
	_, err = e.CreateCard(account.ID, "Clean", dec("1000"), 11)
	require.NoError(t, err)

	require.NoError(t, e.Purchase(soon.ID, dec("100"), "a", 1, ledger.Context{}))
	require.NoError(t, e.Purchase(later.ID, dec("100"), "b", 1, ledger.Context{}))

	due, err := e.UpcomingDue(account.ID, 5)
	require.NoError(t, err)
	require.Len(t, due, 1, "cards without an invoice or outside the horizon are skipped")
	assert.Equal(t, "Soon", due[0].Card.Name)
	assert.Equal(t, 2, due[0].DaysUntilDue)
}

func TestUpcomingDueWrapsToNextMonth(t *testing.T) {
	e, _, account := newTestEngine(t)
	e.now = func() time.Time { return time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC) }

	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 2)
	require.NoError(t, err)
	require.NoError(t, e.Purchase(c.ID, dec("100"), "a", 1, ledger.Context{}))

	due, err := e.UpcomingDue(account.ID, 5)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 3, due[0].DaysUntilDue)
}

func TestResetCardKeepsCardRegistered(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("1000"), 10)
	require.NoError(t, err)
	require.NoError(t, e.Purchase(c.ID, dec("400"), "stuff", 1, ledger.Context{}))

	require.NoError(t, e.ResetCard(c.ID, account.ID))

	got := assertInvariant(t, e, c.ID)
	assert.True(t, got.CurrentBalance.Equal(decimal.Zero))
	assert.True(t, got.InvoiceAmount.Equal(decimal.Zero))
	assert.True(t, got.AvailableLimit.Equal(dec("1000")))

	var txCount int64
	require.NoError(t, e.db.Model(&models.CardTransaction{}).Where("card_id = ?", c.ID).Count(&txCount).Error)
	assert.Zero(t, txCount)
}

func TestDeleteCardUnlinksPlans(t *testing.T) {
	e, _, account := newTestEngine(t)
	c, err := e.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)

	plan := models.InstallmentPlan{
		AccountID:         account.ID,
		Description:       "tv",
		TotalAmount:       dec("1200"),
		InstallmentAmount: dec("100"),
		TotalInstallments: 12,
		CategoryID:        1,
	}
	require.NoError(t, e.db.Create(&plan).Error)
	require.NoError(t, e.LinkInstallment(c.ID, plan.ID, dec("1200")))

	require.NoError(t, e.DeleteCard(c.ID, account.ID))

	_, err = e.ByID(c.ID)
	assert.True(t, finerror.IsNotFound(err))

	var unlinked models.InstallmentPlan
	require.NoError(t, e.db.First(&unlinked, plan.ID).Error)
	assert.False(t, unlinked.CardPurchase)
	assert.Nil(t, unlinked.CardID)
}

func TestFindByPartialName(t *testing.T) {
	e, _, account := newTestEngine(t)
	_, err := e.CreateCard(account.ID, "Visa Gold", dec("1000"), 10)
	require.NoError(t, err)
	_, err = e.CreateCard(account.ID, "Master", dec("1000"), 15)
	require.NoError(t, err)

	c, err := e.FindByPartialName(account.ID, "gold")
	require.NoError(t, err)
	assert.Equal(t, "Visa Gold", c.Name)

	c, err = e.FindByPartialName(account.ID, "master")
	require.NoError(t, err)
	assert.Equal(t, "Master", c.Name)

	_, err = e.FindByPartialName(account.ID, "amex")
	assert.True(t, finerror.IsNotFound(err))
}
