package ledger

import (
	"context"
	"fmt"
	"maps"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/types"
)

// Balance returns what an account owes in one currency: its active
// receivable debits minus credits.
func (e *Engine) Balance(ctx context.Context, acct id.AccountID, currency string) (types.Money, error) {
	cur := types.Zero(currency).Currency
	totals, err := e.store.SumEntries(ctx, EntryFilter{
		AccountID:  acct,
		Book:       BookReceivable,
		Currency:   cur,
		ActiveOnly: true,
	})
	if err != nil {
		return types.Money{}, fmt.Errorf("ledger: balance %s: %w", acct, err)
	}
	return types.New(totals.Net(), cur), nil
}

// Reconciliation compares an account's receivable book with the
// balance_due caches of its non-void invoices, per currency.
type Reconciliation struct {
	AccountID  id.AccountID     `json:"account_id"`
	Ledger     map[string]int64 `json:"ledger"`
	Invoices   map[string]int64 `json:"invoices"`
	Mismatched []id.InvoiceID   `json:"mismatched,omitempty"`
}

// Balanced reports whether both sides agree and every invoice cache
// matches its own entries.
func (r *Reconciliation) Balanced() bool {
	if len(r.Mismatched) > 0 {
		return false
	}
	return maps.EqualFunc(nonZeroMap(r.Ledger), nonZeroMap(r.Invoices), func(a, b int64) bool { return a == b })
}

func nonZeroMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// Reconcile checks the ledger invariant for one account. It returns the
// comparison together with ErrLedgerImbalance when the sides differ.
func (e *Engine) Reconcile(ctx context.Context, acct id.AccountID) (*Reconciliation, error) {
	entries, err := e.store.ListEntries(ctx, EntryFilter{
		AccountID:  acct,
		Book:       BookReceivable,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: reconcile %s: %w", acct, err)
	}

	rec := &Reconciliation{
		AccountID: acct,
		Ledger:    make(map[string]int64),
		Invoices:  make(map[string]int64),
	}
	perInvoice := make(map[string]int64)
	for _, en := range entries {
		rec.Ledger[en.Currency] += en.Signed()
		if !en.InvoiceID.IsNil() {
			perInvoice[en.InvoiceID.String()] += en.Signed()
		}
	}

	invs, err := e.store.ListInvoices(ctx, invoice.ListOpts{AccountID: acct})
	if err != nil {
		return nil, fmt.Errorf("ledger: reconcile %s: %w", acct, err)
	}
	for _, inv := range invs {
		if inv.Status == invoice.StatusVoid {
			continue
		}
		rec.Invoices[inv.Currency] += inv.BalanceDue.Amount
		if perInvoice[inv.ID.String()] != inv.BalanceDue.Amount {
			rec.Mismatched = append(rec.Mismatched, inv.ID)
		}
	}

	if !rec.Balanced() {
		e.logger.Error("ledger imbalance",
			"account_id", acct.String(),
			"ledger", rec.Ledger,
			"invoices", rec.Invoices,
			"mismatched", len(rec.Mismatched),
		)
		return rec, fmt.Errorf("%w: account %s", ErrLedgerImbalance, acct)
	}
	return rec, nil
}
