package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
)

// ==================== Event Store ====================

func (s *Store) AppendEvent(ctx context.Context, e *event.Event) error {
	defer s.write(ctx)()

	key := e.ID.String()
	if _, exists := s.st.events[key]; exists {
		return fmt.Errorf("memory: event %s already appended", key)
	}
	s.st.seq++
	e.Seq = s.st.seq
	s.st.events[key] = e.Clone()
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	defer s.read(ctx)()

	e, ok := s.st.events[eventID.String()]
	if !ok {
		return nil, event.ErrNotFound
	}
	return e.Clone(), nil
}

// sortedEvents returns every event in (occurred_at, seq) order.
func (s *Store) sortedEvents() []*event.Event {
	all := make([]*event.Event, 0, len(s.st.events))
	for _, e := range s.st.events {
		all = append(all, e)
	}
	slices.SortFunc(all, func(a, b *event.Event) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return all
}

func (s *Store) ClaimEvents(ctx context.Context, opts event.ClaimOpts) ([]*event.Event, error) {
	defer s.write(ctx)()

	// Leases that expired on the final attempt are not retried.
	for key, e := range s.st.events {
		if e.LeaseExpiredOnFinalAttempt(opts.Now, opts.MaxAttempts) {
			dead := e.Clone()
			dead.Status = event.StatusDead
			dead.ClaimToken = ""
			dead.LockedUntil = time.Time{}
			if dead.LastError == "" {
				dead.LastError = "claim lease expired on final attempt"
			}
			s.st.events[key] = dead
		}
	}

	var claimed []*event.Event
	for _, e := range event.SelectClaimable(s.sortedEvents(), opts.Now, opts.MaxAttempts, opts.Limit) {
		c := e.Clone()
		c.Status = event.StatusProcessing
		c.AttemptCount++
		c.ClaimToken = opts.Token
		c.LockedUntil = opts.Now.Add(opts.Lease)
		s.st.events[c.ID.String()] = c
		claimed = append(claimed, c.Clone())
	}
	return claimed, nil
}

func (s *Store) SaveOutcome(ctx context.Context, e *event.Event) error {
	defer s.write(ctx)()

	key := e.ID.String()
	cur, ok := s.st.events[key]
	if !ok {
		return event.ErrNotFound
	}
	if cur.Status != event.StatusProcessing || cur.ClaimToken != e.ClaimToken {
		return event.ErrLeaseLost
	}

	next := cur.Clone()
	next.Status = e.Status
	next.LastError = e.LastError
	next.NextAttemptAt = e.NextAttemptAt
	next.LockedUntil = e.LockedUntil
	next.ClaimToken = ""
	saved := e.Clone()
	next.Handlers = saved.Handlers
	next.ProcessedAt = saved.ProcessedAt
	s.st.events[key] = next
	return nil
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	defer s.read(ctx)()

	var result []*event.Event
	for _, e := range s.sortedEvents() {
		if len(opts.Status) > 0 && !slices.Contains(opts.Status, e.Status) {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if opts.CorrelationKey != "" && e.CorrelationKey != opts.CorrelationKey {
			continue
		}
		if e.AttemptCount < opts.MinAttempts {
			continue
		}
		result = append(result, e)
	}

	result = page(result, opts.Offset, opts.Limit)
	out := make([]*event.Event, len(result))
	for i, e := range result {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *Store) RequeueEvent(ctx context.Context, eventID id.EventID, now time.Time) error {
	defer s.write(ctx)()

	key := eventID.String()
	cur, ok := s.st.events[key]
	if !ok {
		return event.ErrNotFound
	}
	if cur.Status != event.StatusDead {
		return event.ErrNotDead
	}

	next := cur.Clone()
	next.Status = event.StatusPending
	next.AttemptCount = 0
	next.NextAttemptAt = now
	next.LockedUntil = time.Time{}
	next.ClaimToken = ""
	s.st.events[key] = next
	return nil
}
