// Package timer implements durable deadlines that fire exactly once.
//
// A deadline is identified by (subject_type, subject_id, fires_at).
// Scanning workers claim due deadlines with a compare-and-set on the fired
// flag and append the mapped domain event in the same transaction, so a
// deadline's event is appended once no matter how many workers scan.
package timer

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tollgate/id"
)

// Subject types with built-in event mappings.
const (
	SubjectInvoiceDue  = "invoice.due"
	SubjectDunningCase = "dunning.case"
	SubjectSLA         = "sla"
)

var ErrNoMapper = errors.New("timer: no event mapping for subject type")

// Deadline is a scheduled point in time for a subject.
type Deadline struct {
	ID          id.DeadlineID `json:"id"`
	SubjectType string        `json:"subject_type"`
	SubjectID   string        `json:"subject_id"`
	FiresAt     time.Time     `json:"fires_at"`
	Fired       bool          `json:"fired"`
	FiredAt     *time.Time    `json:"fired_at,omitempty"`
	Canceled    bool          `json:"canceled"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Clone returns a copy of d.
func (d *Deadline) Clone() *Deadline {
	c := *d
	if d.FiredAt != nil {
		t := *d.FiredAt
		c.FiredAt = &t
	}
	return &c
}

// Store persists deadlines.
type Store interface {
	// CreateDeadline inserts d unless an uncanceled deadline with the same
	// subject and fires_at exists, in which case it reports created=false.
	CreateDeadline(ctx context.Context, d *Deadline) (created bool, err error)

	// ListDueDeadlines returns unfired, uncanceled deadlines with
	// fires_at <= now, earliest first.
	ListDueDeadlines(ctx context.Context, now time.Time, limit int) ([]*Deadline, error)

	// ClaimDeadline sets fired=true if the deadline is still unfired and
	// uncanceled and reports whether this caller won the claim.
	ClaimDeadline(ctx context.Context, deadlineID id.DeadlineID, firedAt time.Time) (bool, error)

	// CancelDeadlines cancels every unfired deadline of a subject.
	CancelDeadlines(ctx context.Context, subjectType, subjectID string) (int, error)

	ListDeadlines(ctx context.Context, opts ListOpts) ([]*Deadline, error)
}

// ListOpts filters deadline listings.
type ListOpts struct {
	SubjectType string
	SubjectID   string
	Pending     bool // only unfired, uncanceled
	Limit       int
}
