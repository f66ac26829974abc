package event

import "time"

// Blocking reports whether an event in status s holds back later events
// that share its correlation key.
func (s Status) Blocking() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusFailed
}

// Deliverable reports whether e may be claimed at now: a pending or failed
// event whose retry time has come, or a processing event whose lease has
// expired, with attempts left.
func (e *Event) Deliverable(now time.Time, maxAttempts int) bool {
	if maxAttempts > 0 && e.AttemptCount >= maxAttempts {
		return false
	}
	switch e.Status {
	case StatusPending, StatusFailed:
		return !e.NextAttemptAt.After(now)
	case StatusProcessing:
		return !e.LockedUntil.After(now)
	}
	return false
}

// LeaseExpiredOnFinalAttempt reports whether e was claimed for its last
// allowed attempt and the claim lapsed without an outcome.
func (e *Event) LeaseExpiredOnFinalAttempt(now time.Time, maxAttempts int) bool {
	return e.Status == StatusProcessing && !e.LockedUntil.After(now) &&
		maxAttempts > 0 && e.AttemptCount >= maxAttempts
}

// SelectClaimable walks events sorted by (occurred_at, seq) and returns the
// ones a claim at now may take. Only the earliest blocking event of each
// correlation key is eligible. A limit of zero means no limit.
func SelectClaimable(sorted []*Event, now time.Time, maxAttempts, limit int) []*Event {
	var (
		out  []*Event
		seen = make(map[string]bool)
	)
	for _, e := range sorted {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !e.Status.Blocking() {
			continue
		}
		if e.CorrelationKey != "" {
			if seen[e.CorrelationKey] {
				continue
			}
			seen[e.CorrelationKey] = true
		}
		if e.Deliverable(now, maxAttempts) {
			out = append(out, e)
		}
	}
	return out
}
