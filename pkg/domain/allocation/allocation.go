// Package allocation defines the allocation entity and its state machine.
//
// An allocation is the ONLY row that moves money from a pledge to a
// beneficiary. Rows are appended inside the allocation critical section
// and never deleted; status advances as the hostel confirms application of
// funds.
package allocation

import (
	"time"

	"pledgeledger/pkg/money"
)

// State is an allocation lifecycle state.
type State string

const (
	StateUnknown             State = ""
	StatePendingHostel       State = "PENDING_HOSTEL"
	StateHostelVerified      State = "HOSTEL_VERIFIED"
	StateHostelQuery         State = "HOSTEL_QUERY"
	StateStudentVerification State = "STUDENT_VERIFICATION"
	StateCompleted           State = "COMPLETED"
	StateDisputed            State = "DISPUTED"
	StateCancelled           State = "CANCELLED"
)

var transitions = map[State]map[State]bool{
	StatePendingHostel: {
		StateHostelVerified: true,
		StateHostelQuery:    true,
		StateCancelled:      true,
	},
	StateHostelQuery: {
		StatePendingHostel: true,
		StateCancelled:     true,
	},
	StateHostelVerified: {
		StateStudentVerification: true,
	},
	StateStudentVerification: {
		StateCompleted: true,
		StateDisputed:  true,
	},
}

// CanTransition reports whether from→to is a legal edge.
// StateUnknown may transition to anything (migration only).
func CanTransition(from, to State) bool {
	if from == StateUnknown {
		return true
	}
	return transitions[from][to]
}

// ParseState returns the canonical state, or StateUnknown for input no
// release ever wrote.
func ParseState(raw string) State {
	switch s := State(raw); s {
	case StatePendingHostel, StateHostelVerified, StateHostelQuery,
		StateStudentVerification, StateCompleted, StateDisputed, StateCancelled:
		return s
	default:
		return StateUnknown
	}
}

// Allocation is one row of the allocations sheet.
type Allocation struct {
	ID       string
	CMSID    string // beneficiary FK
	PledgeID string

	// VerifiedTotalAtCommit snapshots the pledge's verified total when the
	// allocation was committed. Informational only.
	VerifiedTotalAtCommit money.Amount
	Amount                money.Amount
	CreatedAt             time.Time
	Status                State

	// Message threading. Each outbound email's captured id is stored on
	// the row whose state it will later mutate.
	HostelIntimationMessageID string
	HostelIntimationDate      time.Time
	DonorAllocMessageID       string
	DonorAllocDate            time.Time
	HostelReplyMessageID      string
	HostelReplyDate           time.Time
	DonorNotifyMessageID      string
	DonorNotifyDate           time.Time

	// BatchID groups allocations created in one batch transaction.
	BatchID string
	// InstallmentID links an allocation back to the subscription
	// installment that funded it. Empty for one-time pledges.
	InstallmentID string
}
