package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives coordinator time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCoordinator() (*Coordinator, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(Options{Now: clock.now}), clock
}

func TestStartAndResolve(t *testing.T) {
	c, _ := newTestCoordinator()

	op := c.Start(1, PurchaseMethod, "payload")
	assert.NotEqual(t, op.Token.String(), "00000000-0000-0000-0000-000000000000")

	got, ok := c.Resolve(1, PurchaseMethod)
	require.True(t, ok)
	assert.Equal(t, op.Token, got.Token)
	assert.Equal(t, "payload", got.Payload)

	// Consume-once: the second resolve misses.
	_, ok = c.Resolve(1, PurchaseMethod)
	assert.False(t, ok)
}

func TestStartOverwritesSameKind(t *testing.T) {
	c, _ := newTestCoordinator()

	first := c.Start(1, PurchaseMethod, "first")
	second := c.Start(1, PurchaseMethod, "second")
	assert.NotEqual(t, first.Token, second.Token)

	got, ok := c.Resolve(1, PurchaseMethod)
	require.True(t, ok)
	assert.Equal(t, "second", got.Payload, "a new request of the same kind supersedes the prior one")
}

func TestKindsAreIndependent(t *testing.T) {
	c, _ := newTestCoordinator()

	c.Start(1, PurchaseMethod, "a")
	c.Start(1, DestructiveReset, "b")
	assert.Equal(t, 2, c.Len())

	_, ok := c.Resolve(1, DestructiveReset)
	require.True(t, ok)
	_, ok = c.Peek(1, PurchaseMethod)
	assert.True(t, ok, "resolving one kind must not consume another")
}

func TestAccountsAreIndependent(t *testing.T) {
	c, _ := newTestCoordinator()

	c.Start(1, PurchaseMethod, "a")
	c.Start(2, PurchaseMethod, "b")

	got, ok := c.Resolve(2, PurchaseMethod)
	require.True(t, ok)
	assert.Equal(t, "b", got.Payload)

	_, ok = c.Peek(1, PurchaseMethod)
	assert.True(t, ok)
}

func TestExpiryOnAccess(t *testing.T) {
	c, clock := newTestCoordinator()

	c.Start(1, PurchaseMethod, "p")

	clock.advance(119 * time.Second)
	_, ok := c.Peek(1, PurchaseMethod)
	assert.True(t, ok, "operation must still be live just before the deadline")

	clock.advance(31 * time.Second)
	_, ok = c.Resolve(1, PurchaseMethod)
	assert.False(t, ok, "a reply after the timeout resolves nothing")
}

func TestCardCreationHasLongerTimeout(t *testing.T) {
	c, clock := newTestCoordinator()

	c.Start(1, CardCreation, "draft")

	clock.advance(150 * time.Second)
	_, ok := c.Peek(1, CardCreation)
	assert.True(t, ok)

	clock.advance(31 * time.Second)
	_, ok = c.Peek(1, CardCreation)
	assert.False(t, ok)
}

func TestSweepExpiresAndIsIdempotent(t *testing.T) {
	c, clock := newTestCoordinator()

	c.Start(1, PurchaseMethod, "a")
	c.Start(2, InvoiceAmount, "b")

	assert.Zero(t, c.Sweep(), "nothing expires before the deadline")

	clock.advance(121 * time.Second)
	assert.Equal(t, 2, c.Sweep())
	assert.Zero(t, c.Sweep(), "a second sweep finds nothing")
	assert.Zero(t, c.Len())
}

func TestSweepToleratesResolvedEntries(t *testing.T) {
	c, clock := newTestCoordinator()

	c.Start(1, PurchaseMethod, "a")
	_, ok := c.Resolve(1, PurchaseMethod)
	require.True(t, ok)

	clock.advance(121 * time.Second)
	assert.Zero(t, c.Sweep())
}

func TestCancel(t *testing.T) {
	c, _ := newTestCoordinator()

	c.Start(1, DestructiveReset, "r")
	assert.True(t, c.Cancel(1, DestructiveReset))
	assert.False(t, c.Cancel(1, DestructiveReset))

	_, ok := c.Peek(1, DestructiveReset)
	assert.False(t, ok)
}

func TestSeenDedup(t *testing.T) {
	c, clock := newTestCoordinator()

	assert.False(t, c.Seen("sender", "msg-1"), "first delivery passes")
	assert.True(t, c.Seen("sender", "msg-1"), "redelivery is dropped")
	assert.False(t, c.Seen("sender", "msg-2"))
	assert.False(t, c.Seen("other", "msg-1"), "identity is per sender")

	clock.advance(31 * time.Second)
	assert.False(t, c.Seen("sender", "msg-1"), "the window has passed")
}

func TestSweepPrunesSeen(t *testing.T) {
	c, clock := newTestCoordinator()

	c.Seen("sender", "msg-1")
	clock.advance(31 * time.Second)
	c.Sweep()

	assert.Empty(t, c.seen)
}

func TestCustomTimeouts(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := New(Options{
		Timeouts: map[Kind]time.Duration{PurchaseMethod: 10 * time.Second},
		Now:      clock.now,
	})

	c.Start(1, PurchaseMethod, "p")
	clock.advance(11 * time.Second)
	_, ok := c.Peek(1, PurchaseMethod)
	assert.False(t, ok)

	// Unconfigured kinds keep their defaults.
	c.Start(1, InvoiceAmount, "i")
	clock.advance(60 * time.Second)
	_, ok = c.Peek(1, InvoiceAmount)
	assert.True(t, ok)
}

func TestClearAndClearAccount(t *testing.T) {
	c, _ := newTestCoordinator()

	c.Start(1, PurchaseMethod, "a")
	c.Start(1, InvoiceAmount, "b")
	c.Start(2, PurchaseMethod, "c")

	assert.Equal(t, 2, c.ClearAccount(1))
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, 1, c.Clear())
	assert.Zero(t, c.Len())
}
