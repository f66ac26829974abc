package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tollgate/event"
)

func ev(key string, seq int64, status event.Status, at time.Time) *event.Event {
	return &event.Event{
		Seq:            seq,
		CorrelationKey: key,
		Status:         status,
		OccurredAt:     at,
		NextAttemptAt:  at,
	}
}

func TestSelectClaimable(t *testing.T) {
	now := t0.Add(time.Minute)

	inFlight := ev("inv-a", 1, event.StatusProcessing, t0)
	inFlight.LockedUntil = now.Add(time.Minute)
	waiting := ev("inv-a", 2, event.StatusPending, t0)

	retryLater := ev("inv-b", 3, event.StatusFailed, t0)
	retryLater.NextAttemptAt = now.Add(time.Hour)
	behindRetry := ev("inv-b", 4, event.StatusPending, t0)

	done := ev("inv-c", 5, event.StatusSucceeded, t0)
	free := ev("inv-c", 6, event.StatusPending, t0)

	expired := ev("", 7, event.StatusProcessing, t0)
	expired.LockedUntil = now.Add(-time.Second)
	exhausted := ev("", 8, event.StatusFailed, t0)
	exhausted.AttemptCount = 3

	sorted := []*event.Event{inFlight, waiting, retryLater, behindRetry, done, free, expired, exhausted}

	got := event.SelectClaimable(sorted, now, 3, 0)
	assert.Equal(t, []*event.Event{free, expired}, got)

	assert.Equal(t, []*event.Event{free}, event.SelectClaimable(sorted, now, 3, 1))
}

func TestLeaseExpiredOnFinalAttempt(t *testing.T) {
	e := ev("", 1, event.StatusProcessing, t0)
	e.AttemptCount = 3
	e.LockedUntil = t0

	assert.True(t, e.LeaseExpiredOnFinalAttempt(t0, 3))
	assert.False(t, e.LeaseExpiredOnFinalAttempt(t0.Add(-time.Second), 3))
	assert.False(t, e.LeaseExpiredOnFinalAttempt(t0, 4))
	assert.False(t, e.LeaseExpiredOnFinalAttempt(t0, 0))
}

func TestBlockingStatuses(t *testing.T) {
	for _, tc := range []struct {
		status event.Status
		want   bool
	}{
		{event.StatusPending, true},
		{event.StatusProcessing, true},
		{event.StatusFailed, true},
		{event.StatusSucceeded, false},
		{event.StatusDead, false},
	} {
		assert.Equal(t, tc.want, tc.status.Blocking(), tc.status)
	}
}
