// Package beneficiary defines the beneficiary (student) entity.
//
// CONFIDENTIAL: rows live in the confidential workbook. Name, gender and
// any contact detail must never cross into the sanitized read model; only
// cmsId, school and amounts may.
package beneficiary

import "pledgeledger/pkg/money"

// State is a beneficiary funding state.
type State string

const (
	StateActive      State = "ACTIVE"
	StateFullyFunded State = "FULLY_FUNDED"
	StateOnHold      State = "ON_HOLD"
	StateGraduated   State = "GRADUATED"
)

// Beneficiary is one row of the confidential students sheet.
type Beneficiary struct {
	CMSID  string
	Name   string
	Gender string
	School string
	Degree string

	TotalDue      money.Amount
	AmountCleared money.Amount // Σ allocations, resynced after each commit
	PendingAmount money.Amount // TotalDue − AmountCleared, never negative
	Status        State
}

// Sanitized is the PII-free projection exposed by the read API.
type Sanitized struct {
	CMSID         string       `json:"cmsId"`
	School        string       `json:"school"`
	PendingAmount money.Amount `json:"pendingAmount"`
}

// Sanitize strips everything the read model may not see.
func (b *Beneficiary) Sanitize() Sanitized {
	return Sanitized{
		CMSID:         b.CMSID,
		School:        b.School,
		PendingAmount: b.PendingAmount,
	}
}
