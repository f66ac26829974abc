// Package memory implements store.Store in process memory. It backs tests
// and single-process deployments; transactions are serialized and rolled
// back from a snapshot.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/payment"
	tollgatestore "github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/subscription"
	"github.com/xraph/tollgate/timer"
)

// compile-time interface check
var _ tollgatestore.Store = (*Store)(nil)

// state holds every record. Stored values are never mutated in place;
// writes replace them with fresh copies, so a shallow copy of the maps is a
// consistent snapshot.
type state struct {
	seq int64

	events map[string]*event.Event

	postings     map[string]*ledger.Posting // without entries
	postingKeys  map[string]string          // idempotency key -> posting id
	postingOrder []string
	entries      []*ledger.Entry

	invoices      map[string]*invoice.Invoice
	payments      map[string]*payment.Payment
	subscriptions map[string]*subscription.Subscription

	cases     map[string]*dunning.Case
	actions   map[string]*enforcement.Action // keyed by idempotency key
	deadlines map[string]*timer.Deadline
}

func newState() *state {
	return &state{
		events:        make(map[string]*event.Event),
		postings:      make(map[string]*ledger.Posting),
		postingKeys:   make(map[string]string),
		invoices:      make(map[string]*invoice.Invoice),
		payments:      make(map[string]*payment.Payment),
		subscriptions: make(map[string]*subscription.Subscription),
		cases:         make(map[string]*dunning.Case),
		actions:       make(map[string]*enforcement.Action),
		deadlines:     make(map[string]*timer.Deadline),
	}
}

func (st *state) snapshot() *state {
	return &state{
		seq:           st.seq,
		events:        copyMap(st.events),
		postings:      copyMap(st.postings),
		postingKeys:   copyMap(st.postingKeys),
		postingOrder:  slices.Clone(st.postingOrder),
		entries:       slices.Clone(st.entries),
		invoices:      copyMap(st.invoices),
		payments:      copyMap(st.payments),
		subscriptions: copyMap(st.subscriptions),
		cases:         copyMap(st.cases),
		actions:       copyMap(st.actions),
		deadlines:     copyMap(st.deadlines),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is an in-memory store.Store.
type Store struct {
	mu sync.RWMutex
	st *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// RunInTx runs fn holding the store's write lock. Any error or panic from
// fn restores the state from before the call.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.snapshot()
	committed := false
	defer func() {
		if !committed {
			s.st = snap
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		return err
	}
	committed = true
	return nil
}

// read takes the read lock unless ctx carries this store's transaction.
func (s *Store) read(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// write takes the write lock unless ctx carries this store's transaction.
func (s *Store) write(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Migrate is a no-op.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// page returns the offset/limit window of items.
func page[T any](items []T, offset, limit int) []T {
	start, end := tollgatestore.Page(len(items), offset, limit)
	return items[start:end]
}
