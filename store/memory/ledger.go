package memory

import (
	"context"
	"slices"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/ledger"
)

// ==================== Ledger Store ====================

func (s *Store) CreatePosting(ctx context.Context, p *ledger.Posting) error {
	defer s.write(ctx)()

	if _, exists := s.st.postingKeys[p.IdempotencyKey]; exists {
		return ledger.ErrDuplicatePosting
	}

	head := p.Clone()
	s.st.entries = append(s.st.entries, head.Entries...)
	head.Entries = nil

	key := p.ID.String()
	s.st.postings[key] = head
	s.st.postingKeys[p.IdempotencyKey] = key
	s.st.postingOrder = append(s.st.postingOrder, key)
	return nil
}

// withEntries returns a copy of a stored posting with its current entries.
func (s *Store) withEntries(head *ledger.Posting) *ledger.Posting {
	p := head.Clone()
	for _, e := range s.st.entries {
		if e.PostingID == p.ID {
			ec := *e
			p.Entries = append(p.Entries, &ec)
		}
	}
	return p
}

func (s *Store) GetPostingByKey(ctx context.Context, key string) (*ledger.Posting, error) {
	defer s.read(ctx)()

	pid, ok := s.st.postingKeys[key]
	if !ok {
		return nil, ledger.ErrPostingNotFound
	}
	return s.withEntries(s.st.postings[pid]), nil
}

func (s *Store) ListPostings(ctx context.Context, f ledger.PostingFilter) ([]*ledger.Posting, error) {
	defer s.read(ctx)()

	var heads []*ledger.Posting
	for _, key := range s.st.postingOrder {
		p := s.st.postings[key]
		if !f.AccountID.IsNil() && p.AccountID != f.AccountID {
			continue
		}
		if !f.InvoiceID.IsNil() && p.InvoiceID != f.InvoiceID {
			continue
		}
		if !f.PaymentID.IsNil() && p.PaymentID != f.PaymentID {
			continue
		}
		if len(f.Source) > 0 && !slices.Contains(f.Source, p.Source) {
			continue
		}
		heads = append(heads, p)
	}

	heads = page(heads, f.Offset, f.Limit)
	out := make([]*ledger.Posting, len(heads))
	for i, p := range heads {
		out[i] = s.withEntries(p)
	}
	return out, nil
}

func matchEntry(e *ledger.Entry, f ledger.EntryFilter) bool {
	switch {
	case !f.AccountID.IsNil() && e.AccountID != f.AccountID:
		return false
	case !f.InvoiceID.IsNil() && e.InvoiceID != f.InvoiceID:
		return false
	case !f.PaymentID.IsNil() && e.PaymentID != f.PaymentID:
		return false
	case !f.PostingID.IsNil() && e.PostingID != f.PostingID:
		return false
	case f.Book != "" && e.Book != f.Book:
		return false
	case f.Currency != "" && e.Currency != f.Currency:
		return false
	case f.ActiveOnly && !e.IsActive:
		return false
	}
	return true
}

func (s *Store) ListEntries(ctx context.Context, f ledger.EntryFilter) ([]*ledger.Entry, error) {
	defer s.read(ctx)()

	var out []*ledger.Entry
	for _, e := range s.st.entries {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if matchEntry(e, f) {
			ec := *e
			out = append(out, &ec)
		}
	}
	return out, nil
}

func (s *Store) DeactivateEntries(ctx context.Context, postingID id.PostingID) ([]*ledger.Entry, error) {
	defer s.write(ctx)()

	var changed []*ledger.Entry
	for i, e := range s.st.entries {
		if e.PostingID != postingID || !e.IsActive {
			continue
		}
		next := *e
		next.IsActive = false
		s.st.entries[i] = &next

		out := next
		changed = append(changed, &out)
	}
	return changed, nil
}

func (s *Store) SumEntries(ctx context.Context, f ledger.EntryFilter) (ledger.Totals, error) {
	defer s.read(ctx)()

	var t ledger.Totals
	for _, e := range s.st.entries {
		if matchEntry(e, f) {
			t.Add(e)
		}
	}
	return t, nil
}
