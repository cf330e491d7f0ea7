// Package subscription defines the recurring-pledge subscription and its
// installments, with both state machines.
//
// A subscription is keyed by its originating pledge id and owns exactly
// durationMonths installment rows, scheduled on day 1 of consecutive
// months starting the pledge month.
package subscription

import (
	"strings"
	"time"

	"pledgeledger/pkg/money"
)

// State is a subscription lifecycle state.
type State string

const (
	StateUnknown   State = ""
	StateActive    State = "ACTIVE"
	StateOverdue   State = "OVERDUE"
	StateLapsed    State = "LAPSED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	StatePaused    State = "PAUSED"
)

var transitions = map[State]map[State]bool{
	StateActive: {
		StateOverdue:   true,
		StateCompleted: true,
		StateCancelled: true,
		StatePaused:    true,
	},
	StateOverdue: {
		StateActive:    true,
		StateLapsed:    true,
		StateCompleted: true,
		StateCancelled: true,
		StatePaused:    true,
	},
	StateLapsed: {
		StateActive:    true,
		StateCompleted: true,
		StateCancelled: true,
		StatePaused:    true,
	},
	StatePaused: {
		StateActive: true,
	},
}

// CanTransition reports whether from→to is a legal subscription edge.
func CanTransition(from, to State) bool {
	if from == StateUnknown {
		return true
	}
	return transitions[from][to]
}

// InstallmentState is an installment lifecycle state.
type InstallmentState string

const (
	InstallmentPending   InstallmentState = "PENDING"
	InstallmentReminded  InstallmentState = "REMINDED"
	InstallmentReceived  InstallmentState = "RECEIVED"
	InstallmentAllocated InstallmentState = "ALLOCATED"
	InstallmentMissed    InstallmentState = "MISSED"
)

var installmentTransitions = map[InstallmentState]map[InstallmentState]bool{
	InstallmentPending: {
		InstallmentReminded: true,
		InstallmentReceived: true,
		InstallmentMissed:   true,
	},
	InstallmentReminded: {
		InstallmentReminded: true, // second reminder
		InstallmentReceived: true,
		InstallmentMissed:   true,
	},
	InstallmentMissed: {
		InstallmentReceived: true, // late payment still FIFO-matches
	},
	InstallmentReceived: {
		InstallmentAllocated: true,
	},
}

// CanTransitionInstallment reports whether from→to is a legal edge.
func CanTransitionInstallment(from, to InstallmentState) bool {
	return installmentTransitions[from][to]
}

// Subscription is one row of the subscriptions sheet.
// ID equals the originating pledge id.
type Subscription struct {
	ID             string
	DonorEmail     string
	DonorName      string
	MonthlyAmount  money.Amount
	DurationMonths int
	StartDate      time.Time // 1st of the pledge month
	NextDueDate    time.Time

	PaymentsReceived int
	AmountReceived   money.Amount
	LastReminderDate time.Time
	LastReceiptDate  time.Time
	Status           State

	WelcomeMessageID    string
	CompletionMessageID string

	// LinkedStudentIDs is the comma-separated cmsId list the monthly batch
	// allocates to. Editable per configuration (allowStudentChange).
	LinkedStudentIDs string
}

// Students parses LinkedStudentIDs, dropping empties.
func (s *Subscription) Students() []string {
	var out []string
	for _, part := range strings.Split(s.LinkedStudentIDs, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Installment is one row of the installments sheet.
type Installment struct {
	ID             string // {subscriptionId}-M{NN}
	SubscriptionID string
	MonthNumber    int // 1-based
	DueDate        time.Time
	Status         InstallmentState

	ReceiptID      string
	AmountReceived money.Amount
	ReceivedDate   time.Time

	ReminderCount    int
	LastReminderDate time.Time
	ReminderEmailID  string
	ReceiptConfirmID string
}

// DueDateFor computes the due date for monthNumber (1-based): day 1 of
// startDate's month plus monthNumber−1 months. Using day 1 before the
// AddDate keeps month arithmetic clamp-free.
func DueDateFor(startDate time.Time, monthNumber int) time.Time {
	first := time.Date(startDate.Year(), startDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, monthNumber-1, 0)
}
