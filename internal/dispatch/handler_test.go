package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finbot/internal/card"
	"finbot/internal/classifier"
	"finbot/internal/installment"
	"finbot/internal/ledger"
	"finbot/internal/logging"
	"finbot/internal/models"
	"finbot/internal/pending"
	"finbot/internal/storage"
)

// recordingTransport captures outbound messages for assertions.
type recordingTransport struct {
	sent []string
}

func (r *recordingTransport) Send(_ context.Context, _ string, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingTransport) MarkRead(context.Context, string, string) error { return nil }

func (r *recordingTransport) Presence(context.Context, string, string) error { return nil }

func (r *recordingTransport) last() string {
	if len(r.sent) == 0 {
		return ""
	}
	return r.sent[len(r.sent)-1]
}

func (r *recordingTransport) all() string { return strings.Join(r.sent, "\n") }

func (r *recordingTransport) clear() { r.sent = nil }

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	handler   *Handler
	store     *ledger.Store
	cards     *card.Engine
	plans     *installment.Engine
	coord     *pending.Coordinator
	transport *recordingTransport
	clock     *fakeClock
	msgSeq    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), "", logging.NewMock())
	require.NoError(t, err)

	log := logging.NewMock()
	store := ledger.New(db, log)
	cards := card.New(db, log, 0.30)
	plans := installment.New(db, cards, log)
	classify := classifier.New(db, log, nil)
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	coord := pending.New(pending.Options{Now: clock.now})
	transport := &recordingTransport{}

	handler := New(store, cards, plans, classify, coord, transport, nil, log, Config{
		AdminExternalID:   "admin-1",
		LowBalanceRatio:   0.30,
		LowCardLimitRatio: 0.20,
	})

	return &fixture{
		handler:   handler,
		store:     store,
		cards:     cards,
		plans:     plans,
		coord:     coord,
		transport: transport,
		clock:     clock,
	}
}

// send delivers one message from sender and fails the test on handler
// error.
func (f *fixture) send(t *testing.T, sender, text string) {
	t.Helper()
	f.msgSeq++
	err := f.handler.OnMessage(context.Background(), InboundMessage{
		SenderID:   sender,
		SenderName: "Tester",
		ChatID:     "chat-" + sender,
		MessageID:  fmt.Sprintf("msg-%d", f.msgSeq),
		Text:       text,
	})
	require.NoError(t, err)
}

// register creates the sender's account and discards the welcome.
func (f *fixture) register(t *testing.T, sender string) models.Account {
	t.Helper()
	f.send(t, sender, "hi")
	f.transport.clear()
	account, err := f.store.AccountByExternalID(sender)
	require.NoError(t, err)
	return account
}

func (f *fixture) account(t *testing.T, sender string) models.Account {
	t.Helper()
	account, err := f.store.AccountByExternalID(sender)
	require.NoError(t, err)
	return account
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFirstContactSendsWelcome(t *testing.T) {
	f := newFixture(t)

	f.send(t, "u1", "hello")
	assert.Contains(t, f.transport.last(), "Welcome")

	f.transport.clear()
	f.send(t, "u1", "hello")
	assert.NotContains(t, f.transport.all(), "Welcome")
}

func TestDuplicateMessageDropped(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")
	f.transport.clear()

	msg := InboundMessage{
		SenderID: "u1", SenderName: "Tester", ChatID: "chat-u1",
		MessageID: "dup-1", Text: "50 uber",
	}
	require.NoError(t, f.handler.OnMessage(context.Background(), msg))
	require.NoError(t, f.handler.OnMessage(context.Background(), msg))

	assert.Len(t, f.transport.sent, 1, "a redelivered event must be processed once")
	account := f.account(t, "u1")
	assert.True(t, account.CurrentBalance.Equal(dec("950")))
}

func TestExpenseRequiresBaseline(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")

	f.send(t, "u1", "50 uber")
	assert.Contains(t, f.transport.last(), "starting balance")

	account := f.account(t, "u1")
	assert.True(t, account.CurrentBalance.Equal(decimal.Zero))
}

func TestBalanceExpenseFlow(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")

	f.send(t, "u1", "/balance 1000")
	assert.Contains(t, f.transport.last(), "1000.00")

	f.send(t, "u1", "50 uber")
	assert.Contains(t, f.transport.last(), "$950.00")

	account := f.account(t, "u1")
	assert.True(t, account.CurrentBalance.Equal(dec("950")))

	txs, err := f.store.TransactionsByAccount(account.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "Transport", txs[0].Category.Name)
}

func TestLowBalanceWarningFiresOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")

	f.send(t, "u1", "800 rent")
	assert.Contains(t, f.transport.all(), "below 30%")

	f.transport.clear()
	f.send(t, "u1", "50 pizza")
	assert.NotContains(t, f.transport.all(), "below 30%", "the warning is one-shot per baseline")
}

func TestNegativeBalanceNotice(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.send(t, "u1", "/balance 100")

	f.send(t, "u1", "250 rent")
	assert.Contains(t, f.transport.all(), "negative")
}

func TestPurchaseMethodCardReply(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")
	_, err := f.cards.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)
	f.transport.clear()

	f.send(t, "u1", "200 headphones")
	assert.Contains(t, f.transport.last(), "card or balance")
	_, live := f.coord.Peek(account.ID, pending.PurchaseMethod)
	assert.True(t, live)

	f.send(t, "u1", "card")

	c, err := f.cards.ByName(account.ID, "Visa")
	require.NoError(t, err)
	assert.True(t, c.CurrentBalance.Equal(dec("200")))
	assert.True(t, c.InvoiceAmount.Equal(dec("200")))

	got := f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(dec("1000")), "a card purchase must not touch the account balance")

	_, live = f.coord.Peek(account.ID, pending.PurchaseMethod)
	assert.False(t, live, "the reply consumes the operation")
}

func TestPurchaseMethodBalanceReply(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")
	_, err := f.cards.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)

	f.send(t, "u1", "200 headphones")
	f.send(t, "u1", "use my balance")

	c, err := f.cards.ByName(account.ID, "Visa")
	require.NoError(t, err)
	assert.True(t, c.CurrentBalance.Equal(decimal.Zero))

	got := f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(dec("800")))
}

func TestPurchaseMethodExpiresAfterTimeout(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")
	_, err := f.cards.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)

	f.send(t, "u1", "200 headphones")
	f.clock.advance(150 * time.Second)

	f.send(t, "u1", "card")

	c, err := f.cards.ByName(account.ID, "Visa")
	require.NoError(t, err)
	assert.True(t, c.CurrentBalance.Equal(decimal.Zero), "an expired reply must not commit the purchase")
	got := f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(dec("1000")))
}

func TestInstallmentPlanWithoutCard(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")

	f.send(t, "u1", "tv 1200 in 12")
	assert.Contains(t, f.transport.last(), "Plan created")

	plans, err := f.plans.PlansByAccount(account.ID)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, 12, plans[0].TotalInstallments)
	assert.False(t, plans[0].CardPurchase)
}

func TestInstallmentPlanOnCard(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")
	_, err := f.cards.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)

	f.send(t, "u1", "tv 1200 in 12")
	assert.Contains(t, f.transport.last(), "card or balance")

	f.send(t, "u1", "credit")

	c, err := f.cards.ByName(account.ID, "Visa")
	require.NoError(t, err)
	assert.True(t, c.CurrentBalance.Equal(dec("1200")), "a card plan draws the full total up front")

	plans, err := f.plans.PlansByAccount(account.ID)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.True(t, plans[0].CardPurchase)
}

func TestPayInstallmentByDescription(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")
	f.send(t, "u1", "tv 1200 in 12")

	f.send(t, "u1", "/pay tv")
	assert.Contains(t, f.transport.last(), "1/12")

	got := f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(dec("900")))
}

func TestResetConfirmationFlow(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")

	f.send(t, "u1", "/reset everything")
	assert.Contains(t, f.transport.last(), "confirm")

	got := f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(dec("1000")), "nothing resets before confirmation")

	f.send(t, "u1", "/reset everything")
	assert.Contains(t, f.transport.last(), "Reset complete")

	got = f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(decimal.Zero))

	_, live := f.coord.Peek(account.ID, pending.DestructiveReset)
	assert.False(t, live)
}

func TestResetCancelledByOtherMessage(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")

	f.send(t, "u1", "/reset everything")
	f.send(t, "u1", "/status")
	assert.Contains(t, f.transport.all(), "Reset cancelled")

	_, live := f.coord.Peek(account.ID, pending.DestructiveReset)
	assert.False(t, live)

	// The confirmation window is gone; repeating the command now only
	// reopens it.
	f.send(t, "u1", "/reset everything")
	got := f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(dec("1000")))
}

func TestResetConfirmationExpires(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")

	f.send(t, "u1", "/reset everything")
	f.clock.advance(150 * time.Second)
	f.send(t, "u1", "/reset everything")

	got := f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(dec("1000")),
		"a late repeat reopens the window instead of confirming")
}

func TestCardCreationDialog(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")

	f.send(t, "u1", "/newcard")
	assert.Contains(t, f.transport.last(), "called")

	f.send(t, "u1", "Visa Gold")
	assert.Contains(t, f.transport.last(), "limit")

	f.send(t, "u1", "not a number")
	assert.Contains(t, f.transport.last(), "positive amount")

	f.send(t, "u1", "2500")
	assert.Contains(t, f.transport.last(), "due")

	f.send(t, "u1", "15")
	assert.Contains(t, f.transport.last(), "created")

	c, err := f.cards.ByName(account.ID, "Visa Gold")
	require.NoError(t, err)
	assert.True(t, c.CardLimit.Equal(dec("2500")))
	assert.Equal(t, 15, c.DueDay)
}

func TestInvoicePaymentFlow(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 1000")
	c, err := f.cards.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)
	require.NoError(t, f.cards.Purchase(c.ID, dec("400"), "stuff", 1, ledger.Context{}))

	f.send(t, "u1", "/invoice visa")
	assert.Contains(t, f.transport.last(), "$400.00")

	f.send(t, "u1", "150")
	assert.Contains(t, f.transport.last(), "Paid $150.00")

	got, err := f.cards.ByID(c.ID)
	require.NoError(t, err)
	assert.True(t, got.InvoiceAmount.Equal(dec("250")))

	acct := f.account(t, "u1")
	assert.True(t, acct.CurrentBalance.Equal(dec("850")))
}

func TestInvoiceInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "u1")
	f.send(t, "u1", "/balance 100")
	c, err := f.cards.CreateCard(account.ID, "Visa", dec("2000"), 10)
	require.NoError(t, err)
	require.NoError(t, f.cards.Purchase(c.ID, dec("400"), "stuff", 1, ledger.Context{}))

	f.send(t, "u1", "/invoice visa")
	f.send(t, "u1", "200")
	assert.Contains(t, strings.ToLower(f.transport.last()), "insufficient")
}

func TestSavingsCommands(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.send(t, "u1", "/balance 500")

	f.send(t, "u1", "/save 200")
	assert.Contains(t, f.transport.last(), "savings")

	f.send(t, "u1", "/withdraw savings 100")

	got := f.account(t, "u1")
	assert.True(t, got.CurrentBalance.Equal(dec("400")))
	assert.True(t, got.SavingsBalance.Equal(dec("100")))
}

func TestAdminMemoryCommands(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.register(t, "admin-1")

	f.send(t, "u1", "!status")
	assert.Empty(t, f.transport.sent, "non-admin memory commands are ignored")

	f.send(t, "admin-1", "!status")
	assert.Contains(t, f.transport.last(), "Pending operations")
}

func TestUnknownTextIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")

	f.send(t, "u1", "what a lovely day")
	assert.Empty(t, f.transport.sent)
}
