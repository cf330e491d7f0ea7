// Package receipt defines the receipt entity.
//
// A receipt is evidence of a funds transfer from donor to program. Rows
// are immutable after insert; each corresponds to exactly one stored blob.
package receipt

import (
	"time"

	"pledgeledger/pkg/money"
)

// Status is the review outcome for a receipt.
type Status string

const (
	StatusValid          Status = "VALID"
	StatusRequiresReview Status = "REQUIRES_REVIEW"
	StatusRejected       Status = "REJECTED"
)

// Confidence is the oracle's extraction confidence.
type Confidence string

const (
	ConfidenceHigh    Confidence = "HIGH"
	ConfidenceMedium  Confidence = "MEDIUM"
	ConfidenceLow     Confidence = "LOW"
	ConfidenceUnknown Confidence = "UNKNOWN"
)

// ParseConfidence normalizes oracle output; anything unrecognized is
// UNKNOWN rather than an error, keeping the caution bias.
func ParseConfidence(raw string) Confidence {
	switch Confidence(raw) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return Confidence(raw)
	default:
		return ConfidenceUnknown
	}
}

// Receipt is one row of the receipts sheet. Immutable after insert.
type Receipt struct {
	ID             string
	PledgeID       string
	ProcessedAt    time.Time
	EmailDate      time.Time
	TransferDate   string // extracted YYYY-MM-DD, as stated on the proof
	AmountDeclared money.Amount
	AmountVerified money.Amount
	Confidence     Confidence
	FileHandle     string
	Filename       string
	Status         Status
}

// Fingerprint identifies a receipt for duplicate detection: the same
// pledge, verified amount and transfer date arriving twice is treated as a
// resubmission, not new money.
func (r *Receipt) Fingerprint() string {
	return r.PledgeID + "|" + r.TransferDate + "|" + money.Format(r.AmountVerified)
}
