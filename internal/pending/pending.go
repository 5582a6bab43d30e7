// Package pending holds ephemeral per-user dialog state: operations that
// await one specific follow-up reply within a bounded time. At most one
// operation is live per (account, kind); a new request of the same kind
// silently supersedes the prior one. Expiry is a single periodic sweep
// plus lazy expiry-on-access, so tests can drive time deterministically.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"finbot/internal/logging"
)

// Kind names one class of awaited reply.
type Kind string

const (
	// PurchaseMethod awaits card-or-balance for a new expense.
	PurchaseMethod Kind = "purchase_method"
	// InstallmentMethod awaits card-or-balance for a new plan.
	InstallmentMethod Kind = "installment_method"
	// InvoiceAmount awaits a positive numeric amount for an invoice payment.
	InvoiceAmount Kind = "invoice_amount"
	// DestructiveReset awaits the identical reset command repeated as
	// confirmation.
	DestructiveReset Kind = "destructive_reset"
	// CardCreation awaits the completion of the draft card's fields.
	CardCreation Kind = "card_creation"
)

// DefaultTimeouts apply when no per-kind timeout is configured.
var DefaultTimeouts = map[Kind]time.Duration{
	PurchaseMethod:    120 * time.Second,
	InstallmentMethod: 120 * time.Second,
	InvoiceAmount:     120 * time.Second,
	DestructiveReset:  120 * time.Second,
	CardCreation:      180 * time.Second,
}

// DefaultDedupWindow is how long a (sender, message) identity is remembered
// to drop redelivered events.
const DefaultDedupWindow = 30 * time.Second

// Operation is one live pending entry.
type Operation struct {
	Token     uuid.UUID
	AccountID uint
	Kind      Kind
	// Payload carries the captured context: the not-yet-committed expense
	// or plan descriptor, the reset scope, or the card draft.
	Payload   any
	CreatedAt time.Time
	Deadline  time.Time
}

type opKey struct {
	accountID uint
	kind      Kind
}

type eventKey struct {
	sender    string
	messageID string
}

// Options configures a Coordinator.
type Options struct {
	// Timeouts overrides DefaultTimeouts per kind.
	Timeouts map[Kind]time.Duration
	// DedupWindow overrides DefaultDedupWindow.
	DedupWindow time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
	Log logging.Logger
}

// Coordinator owns the pending-operation map and the inbound-event dedup
// window. It is safe for use from the message path and the sweep goroutine
// concurrently; both tolerate the other having already removed an entry.
type Coordinator struct {
	mu          sync.Mutex
	ops         map[opKey]Operation
	seen        map[eventKey]time.Time
	timeouts    map[Kind]time.Duration
	dedupWindow time.Duration
	now         func() time.Time
	log         logging.Logger
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	timeouts := make(map[Kind]time.Duration, len(DefaultTimeouts))
	for k, d := range DefaultTimeouts {
		timeouts[k] = d
	}
	for k, d := range opts.Timeouts {
		if d > 0 {
			timeouts[k] = d
		}
	}

	window := opts.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logging.NewMock()
	}

	return &Coordinator{
		ops:         make(map[opKey]Operation),
		seen:        make(map[eventKey]time.Time),
		timeouts:    timeouts,
		dedupWindow: window,
		now:         now,
		log:         log,
	}
}

// Start opens a pending operation, overwriting any live entry of the same
// kind for the account. No queueing, no merge.
func (c *Coordinator) Start(accountID uint, kind Kind, payload any) Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	op := Operation{
		Token:     uuid.New(),
		AccountID: accountID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
		Deadline:  now.Add(c.timeouts[kind]),
	}
	key := opKey{accountID: accountID, kind: kind}
	if _, existed := c.ops[key]; existed {
		c.log.Debug("pending operation superseded",
			logging.F("account", accountID), logging.F("kind", kind))
	}
	c.ops[key] = op
	return op
}

// Peek returns the live operation for (account, kind) without consuming
// it. An entry past its deadline is removed and treated as absent.
func (c *Coordinator) Peek(accountID uint, kind Kind) (Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(opKey{accountID: accountID, kind: kind})
}

// Resolve consumes the live operation for (account, kind). A reply is
// consumed at most once: the first Resolve wins, later calls miss.
// Expired entries are removed, not resolved.
func (c *Coordinator) Resolve(accountID uint, kind Kind) (Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := opKey{accountID: accountID, kind: kind}
	op, ok := c.liveLocked(key)
	if !ok {
		return Operation{}, false
	}
	delete(c.ops, key)
	return op, true
}

// Cancel removes the live operation for (account, kind) with no side
// effect. Reports whether an entry existed.
func (c *Coordinator) Cancel(accountID uint, kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := opKey{accountID: accountID, kind: kind}
	if _, ok := c.liveLocked(key); !ok {
		return false
	}
	delete(c.ops, key)
	return true
}

// Seen reports whether the (sender, message) identity was already observed
// within the dedup window, recording it when new. Redelivered events are
// dropped before reaching any state machine.
func (c *Coordinator) Seen(sender, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := eventKey{sender: sender, messageID: messageID}
	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.dedupWindow {
		return true
	}
	c.seen[key] = now
	return false
}

// Sweep removes expired operations and stale dedup entries. Idempotent
// against entries already resolved by a reply. Returns the number of
// operations expired.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expired := 0
	for key, op := range c.ops {
		if !now.Before(op.Deadline) {
			delete(c.ops, key)
			expired++
			c.log.Debug("pending operation expired",
				logging.F("account", op.AccountID), logging.F("kind", op.Kind))
		}
	}
	for key, at := range c.seen {
		if now.Sub(at) >= c.dedupWindow {
			delete(c.seen, key)
		}
	}
	return expired
}

// Run sweeps at the given interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Len reports the number of live operations, after lazily dropping
// expired ones.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, op := range c.ops {
		if now.Before(op.Deadline) {
			n++
		} else {
			delete(c.ops, key)
		}
	}
	return n
}

// Clear drops every live operation and dedup entry, returning how many
// operations were removed. Used by the administrative memory commands.
func (c *Coordinator) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.ops)
	c.ops = make(map[opKey]Operation)
	c.seen = make(map[eventKey]time.Time)
	return n
}

// ClearAccount drops the account's live operations.
func (c *Coordinator) ClearAccount(accountID uint) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.ops {
		if key.accountID == accountID {
			delete(c.ops, key)
			n++
		}
	}
	return n
}

// liveLocked returns the entry for key when present and unexpired,
// deleting it lazily when past deadline. Callers hold the mutex.
func (c *Coordinator) liveLocked(key opKey) (Operation, bool) {
	op, ok := c.ops[key]
	if !ok {
		return Operation{}, false
	}
	if !c.now().Before(op.Deadline) {
		delete(c.ops, key)
		return Operation{}, false
	}
	return op, true
}
