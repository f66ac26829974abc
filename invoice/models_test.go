package invoice_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tollgate/invoice"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to invoice.Status
		want     bool
	}{
		{invoice.StatusDraft, invoice.StatusIssued, true},
		{invoice.StatusIssued, invoice.StatusPartiallyPaid, true},
		{invoice.StatusPartiallyPaid, invoice.StatusPaid, true},
		{invoice.StatusIssued, invoice.StatusOverdue, true},
		{invoice.StatusOverdue, invoice.StatusPaid, true},
		{invoice.StatusPaid, invoice.StatusPartiallyPaid, true},
		{invoice.StatusIssued, invoice.StatusDraft, false},
		{invoice.StatusOverdue, invoice.StatusIssued, false},
		{invoice.StatusVoid, invoice.StatusIssued, false},
		{invoice.StatusVoid, invoice.StatusPaid, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, invoice.CanTransition(tt.from, tt.to))
		})
	}
}

func TestVoidReachableFromEveryNonTerminalStatus(t *testing.T) {
	for _, s := range []invoice.Status{
		invoice.StatusDraft,
		invoice.StatusIssued,
		invoice.StatusPartiallyPaid,
		invoice.StatusOverdue,
		invoice.StatusPaid,
	} {
		assert.True(t, invoice.CanTransition(s, invoice.StatusVoid), s)
	}
}
