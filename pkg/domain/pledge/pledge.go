// Package pledge defines the pledge entity and its state machine.
//
// A pledge is a donor's commitment for a stated amount over a stated
// duration. It owns its receipts and allocations; derived aggregates
// (verified total, cash balance) are recomputed from those collections on
// every critical read, never trusted from a cached column alone.
package pledge

import (
	"time"

	"pledgeledger/pkg/money"
)

// State is a pledge lifecycle state. Stored as the canonical token; the
// human-readable sheet label lives behind Label().
type State string

const (
	StateUnknown            State = ""
	StatePledged            State = "PLEDGED"
	StatePartialReceipt     State = "PARTIAL_RECEIPT"
	StateProofSubmitted     State = "PROOF_SUBMITTED"
	StateVerified           State = "VERIFIED"
	StatePartiallyAllocated State = "PARTIALLY_ALLOCATED"
	StateFullyAllocated     State = "FULLY_ALLOCATED"
	StateClosed             State = "CLOSED"
	StateCancelled          State = "CANCELLED"
	StateRejected           State = "REJECTED"
)

// labels maps canonical states to the human-readable sheet presentation.
var labels = map[State]string{
	StatePledged:            "0 - Pledged",
	StatePartialReceipt:     "1a - Partial Receipt",
	StateProofSubmitted:     "2 - Proof Submitted",
	StateVerified:           "3 - Verified",
	StatePartiallyAllocated: "4a - Partially Allocated",
	StateFullyAllocated:     "4b - Fully Allocated",
	StateClosed:             "5 - Closed",
	StateCancelled:          "X - Cancelled",
	StateRejected:           "X - Rejected",
}

// Label returns the sheet presentation for s.
func (s State) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// ParseState accepts either the canonical token or the sheet label.
// Unrecognized input yields StateUnknown, from which any transition is
// legal (one-time migration escape hatch only).
func ParseState(raw string) State {
	s := State(raw)
	if _, ok := transitions[s]; ok || s == StateClosed || s == StateCancelled || s == StateRejected {
		return s
	}
	for state, label := range labels {
		if label == raw {
			return state
		}
	}
	return StateUnknown
}

// transitions is the legal-edge adjacency map. Terminal states are absent.
var transitions = map[State]map[State]bool{
	StatePledged: {
		StatePartialReceipt: true,
		StateProofSubmitted: true,
		StateCancelled:      true,
	},
	StatePartialReceipt: {
		StatePartialReceipt: true,
		StateProofSubmitted: true,
		StateCancelled:      true,
	},
	StateProofSubmitted: {
		StateVerified:           true,
		StatePartiallyAllocated: true,
		StateRejected:           true,
	},
	StateVerified: {
		StatePartiallyAllocated: true,
		StateFullyAllocated:     true,
	},
	StatePartiallyAllocated: {
		StateFullyAllocated: true,
		StateVerified:       true,
	},
	StateFullyAllocated: {
		StateClosed:             true,
		StatePartiallyAllocated: true,
	},
}

// CanTransition reports whether from→to is a legal edge.
// StateUnknown may transition to anything (migration only).
func CanTransition(from, to State) bool {
	if from == StateUnknown {
		return true
	}
	// Self-transition is legal only where the map says so
	// (PARTIAL_RECEIPT accumulating further receipts).
	return transitions[from][to]
}

// Pledge is one row of the pledges sheet.
type Pledge struct {
	ID              string
	DonorEmail      string
	DonorName       string
	Chapter         string
	Affiliation     string
	Zakat           bool
	DurationCode    string
	CommittedAmount money.Amount
	Status          State
	SubmittedAt     time.Time

	// Email threading anchors, stored so later sends can reply in-thread.
	ConfirmationMessageID string
	ReceiptMessageID      string

	// Derived aggregates. VerifiedTotal is authoritative on the row (it is
	// written by the Receipt Processor); CashBalance and Outstanding are
	// recomputed, the stored copies exist for the read model only.
	VerifiedTotal money.Amount
	CashBalance   money.Amount
	Outstanding   money.Amount

	// Receipt bookkeeping.
	ProofLink          string
	ActualTransferDate string
	DateProofReceived  time.Time
	AINote             string
}

// HasProof reports whether at least one receipt has been recorded.
func (p *Pledge) HasProof() bool {
	return p.ProofLink != ""
}
