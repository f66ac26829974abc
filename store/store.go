// Package store defines the composite persistence interface every Tollgate
// backend implements.
package store

import (
	"context"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/subscription"
	"github.com/xraph/tollgate/timer"
)

// Store is the unified storage interface for all Tollgate entities.
//
// RunInTx runs fn as one atomic unit: every store call made with the
// context passed to fn commits together or not at all. Calling RunInTx
// with a context that already carries a transaction joins it.
type Store interface {
	event.Store
	ledger.EntryStore
	invoice.Store
	payment.Store
	subscription.Store
	dunning.Store
	enforcement.Store
	timer.Store

	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Page applies offset and limit to n items and returns the bounds of the
// resulting window. A limit of zero means no limit.
func Page(n, offset, limit int) (start, end int) {
	start = min(max(offset, 0), n)
	end = n
	if limit > 0 && start+limit < n {
		end = start + limit
	}
	return start, end
}
