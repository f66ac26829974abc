package dunning

import "time"

const day = 24 * time.Hour

// State is the part of a case that step advancement reads.
type State struct {
	StepIndex int
	Status    Status
}

// Advance picks the step a case should execute after daysOverdue days:
// the highest-indexed step whose offset has elapsed. It reports ok only
// when that step is beyond the case's current index and the case is
// open. An infrequent scan can therefore jump over lower steps.
func Advance(st State, steps []Step, daysOverdue int) (target int, ok bool) {
	if st.Status != StatusOpen {
		return st.StepIndex, false
	}

	target = -1
	for i, s := range steps {
		if s.DayOffset <= daysOverdue {
			target = i
		}
	}
	if target <= st.StepIndex {
		return st.StepIndex, false
	}
	return target, true
}

// NextOffset returns the earliest day offset among steps after index.
func NextOffset(steps []Step, index int) (int, bool) {
	next, ok := 0, false
	for i := index + 1; i < len(steps); i++ {
		if !ok || steps[i].DayOffset < next {
			next, ok = steps[i].DayOffset, true
		}
	}
	return next, ok
}

// DaysOverdue returns whole days elapsed since dueAt, rounding down.
// It is negative before the due date.
func DaysOverdue(dueAt, now time.Time) int {
	d := now.Sub(dueAt)
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days
}

// StepTime is when a step with offset days becomes due.
func StepTime(dueAt time.Time, offset int) time.Time {
	return dueAt.Add(time.Duration(offset) * day)
}
