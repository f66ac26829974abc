package postgres

import (
	"context"
	"fmt"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/ledger"
)

// ==================== Ledger Store ====================

func (s *Store) CreatePosting(ctx context.Context, p *ledger.Posting) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		n, err := affected(s.q(ctx).NewInsert(toPostingModel(p)).
			OnConflict("(idempotency_key) DO NOTHING").
			Exec(ctx))
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrDuplicatePosting
		}
		if len(p.Entries) == 0 {
			return nil
		}

		models := make([]entryModel, len(p.Entries))
		for i, e := range p.Entries {
			models[i] = toEntryModel(p.ID, e)
		}
		if _, err := s.q(ctx).NewInsert(&models).MultiRow().Exec(ctx); err != nil {
			return fmt.Errorf("tollgate/postgres: insert entries of %s: %w", p.ID, err)
		}
		return nil
	})
}

func (s *Store) entriesOf(ctx context.Context, postingID id.PostingID) ([]*ledger.Entry, error) {
	var models []entryModel
	err := s.q(ctx).NewSelect(&models).
		Where("posting_id = $1", postingID.String()).
		OrderExpr("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromModels(models, fromEntryModel)
}

func (s *Store) GetPostingByKey(ctx context.Context, key string) (*ledger.Posting, error) {
	m := new(postingModel)
	err := s.q(ctx).NewSelect(m).
		Where("idempotency_key = $1", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, ledger.ErrPostingNotFound
		}
		return nil, err
	}

	p, err := fromPostingModel(m)
	if err != nil {
		return nil, err
	}
	if p.Entries, err = s.entriesOf(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) ListPostings(ctx context.Context, pf ledger.PostingFilter) ([]*ledger.Posting, error) {
	var f filter
	if !pf.AccountID.IsNil() {
		f.add("account_id = $%d", pf.AccountID.String())
	}
	if !pf.InvoiceID.IsNil() {
		f.add("invoice_id = $%d", pf.InvoiceID.String())
	}
	if !pf.PaymentID.IsNil() {
		f.add("payment_id = $%d", pf.PaymentID.String())
	}
	if len(pf.Source) > 0 {
		f.add("source = ANY($%d)", stringsOf(pf.Source))
	}

	var models []postingModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("seq ASC")
	if err := page(q, pf.Limit, pf.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list postings: %w", err)
	}
	postings, err := fromModels(models, fromPostingModel)
	if err != nil {
		return nil, err
	}

	for _, p := range postings {
		if p.Entries, err = s.entriesOf(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return postings, nil
}

func entryFilter(ef ledger.EntryFilter) *filter {
	f := &filter{}
	if !ef.AccountID.IsNil() {
		f.add("account_id = $%d", ef.AccountID.String())
	}
	if !ef.InvoiceID.IsNil() {
		f.add("invoice_id = $%d", ef.InvoiceID.String())
	}
	if !ef.PaymentID.IsNil() {
		f.add("payment_id = $%d", ef.PaymentID.String())
	}
	if !ef.PostingID.IsNil() {
		f.add("posting_id = $%d", ef.PostingID.String())
	}
	if ef.Book != "" {
		f.add("book = $%d", string(ef.Book))
	}
	if ef.Currency != "" {
		f.add("currency = $%d", ef.Currency)
	}
	if ef.ActiveOnly {
		f.raw("is_active")
	}
	return f
}

func (s *Store) ListEntries(ctx context.Context, ef ledger.EntryFilter) ([]*ledger.Entry, error) {
	var models []entryModel
	q := entryFilter(ef).apply(s.q(ctx).NewSelect(&models)).OrderExpr("seq ASC")
	if err := page(q, ef.Limit, 0).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list entries: %w", err)
	}
	return fromModels(models, fromEntryModel)
}

func (s *Store) DeactivateEntries(ctx context.Context, postingID id.PostingID) ([]*ledger.Entry, error) {
	var models []entryModel
	err := s.q(ctx).NewRaw(`
UPDATE tollgate_entries SET is_active = FALSE
WHERE posting_id = $1 AND is_active
RETURNING *`, postingID.String()).Scan(ctx, &models)
	if err != nil {
		return nil, err
	}
	return fromModels(models, fromEntryModel)
}

func (s *Store) SumEntries(ctx context.Context, ef ledger.EntryFilter) (ledger.Totals, error) {
	where, args := entryFilter(ef).where()
	var t ledger.Totals
	err := s.q(ctx).NewRaw(`
SELECT COALESCE(SUM(amount) FILTER (WHERE type = 'debit'), 0),
       COALESCE(SUM(amount) FILTER (WHERE type = 'credit'), 0)
FROM tollgate_entries`+where, args...).Scan(ctx, &t.Debits, &t.Credits)
	return t, err
}
