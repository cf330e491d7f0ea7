package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateActive, StateOverdue, true},
		{StateActive, StateCompleted, true},
		{StateActive, StateLapsed, false}, // must pass through overdue
		{StateOverdue, StateActive, true}, // payment reactivates
		{StateOverdue, StateLapsed, true},
		{StateLapsed, StateActive, true}, // late payment reactivates
		{StatePaused, StateActive, true},
		{StatePaused, StateCancelled, false},
		{StateCompleted, StateActive, false}, // terminal
		{StateCancelled, StateActive, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestCanTransitionInstallment(t *testing.T) {
	cases := []struct {
		from, to InstallmentState
		ok       bool
	}{
		{InstallmentPending, InstallmentReminded, true},
		{InstallmentPending, InstallmentReceived, true},
		{InstallmentPending, InstallmentMissed, true},
		{InstallmentPending, InstallmentAllocated, false},
		{InstallmentReminded, InstallmentReminded, true}, // second reminder
		{InstallmentReminded, InstallmentReceived, true},
		{InstallmentMissed, InstallmentReceived, true}, // late payment
		{InstallmentMissed, InstallmentReminded, false},
		{InstallmentReceived, InstallmentAllocated, true},
		{InstallmentReceived, InstallmentPending, false},
		{InstallmentAllocated, InstallmentReceived, false}, // terminal
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransitionInstallment(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestDueDateFor(t *testing.T) {
	// Pledged mid-January: installments land on day 1 of consecutive months.
	start := time.Date(2026, 1, 17, 9, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), DueDateFor(start, 1))
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), DueDateFor(start, 2))
	require.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), DueDateFor(start, 12))
	// Crosses the year boundary without clamping.
	require.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), DueDateFor(start, 13))

	// A January 31 pledge must not bleed into March via day clamping.
	endOfMonth := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), DueDateFor(endOfMonth, 2))
}

func TestStudents(t *testing.T) {
	s := &Subscription{LinkedStudentIDs: "CMS-1, CMS-2,,CMS-3 "}
	require.Equal(t, []string{"CMS-1", "CMS-2", "CMS-3"}, s.Students())

	empty := &Subscription{}
	require.Empty(t, empty.Students())
}
