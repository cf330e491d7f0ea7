package allocation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StatePendingHostel, StateHostelVerified, true},
		{StatePendingHostel, StateHostelQuery, true},
		{StatePendingHostel, StateCancelled, true},
		{StatePendingHostel, StateCompleted, false},
		{StateHostelQuery, StatePendingHostel, true}, // query resolved, retry
		{StateHostelQuery, StateCancelled, true},
		{StateHostelQuery, StateHostelVerified, false}, // must re-enter pending first
		{StateHostelVerified, StateStudentVerification, true},
		{StateHostelVerified, StatePendingHostel, false},
		{StateStudentVerification, StateCompleted, true},
		{StateStudentVerification, StateDisputed, true},
		{StateCompleted, StateDisputed, false}, // terminal
		{StateCancelled, StatePendingHostel, false},
		{StateUnknown, StateCompleted, true}, // migration only
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestParseState(t *testing.T) {
	require.Equal(t, StatePendingHostel, ParseState("PENDING_HOSTEL"))
	require.Equal(t, StateDisputed, ParseState("DISPUTED"))
	require.Equal(t, StateUnknown, ParseState("nonsense"))
}
