// Package oracle defines the typed AI calls.
//
// The provider is an external oracle returning structured JSON. Callers
// never branch on free text — only on the enums here — and a nil result
// means "no answer this cycle" (network failure, parse failure, schema
// violation, safety block alike). The caller leaves the thread unlabeled
// and retries on its next sweep.
package oracle

import (
	"context"
	"time"

	"pledgeledger/pkg/domain/mailmsg"
	"pledgeledger/pkg/domain/receipt"
	"pledgeledger/pkg/money"
)

// Receipt-analysis categories.
const (
	CategoryReceiptSubmission = "RECEIPT_SUBMISSION"
	CategoryQuestion          = "QUESTION"
	CategoryIrrelevant        = "IRRELEVANT"
)

// Reply-classification statuses.
const (
	ReplyConfirmedAll = "CONFIRMED_ALL"
	ReplyPartial      = "PARTIAL"
	ReplyAmbiguous    = "AMBIGUOUS"
	ReplyQuery        = "QUERY"
)

// ConfidenceDetails itemizes what the oracle could corroborate.
type ConfidenceDetails struct {
	AmountMatch      bool `json:"amount_match"`
	NameMatch        bool `json:"name_match"`
	DestinationMatch bool `json:"destination_match"`
}

// ExtractedReceipt is one proof the oracle validated.
type ExtractedReceipt struct {
	Filename          string             `json:"filename"`
	Amount            money.Amount       `json:"amount"`
	AmountDeclared    money.Amount       `json:"amount_declared"`
	Date              string             `json:"date"` // YYYY-MM-DD
	SenderName        string             `json:"sender_name"`
	ConfidenceScore   receipt.Confidence `json:"confidence_score"`
	ConfidenceDetails ConfidenceDetails  `json:"confidence_details"`
}

// ReceiptAnalysis is the ExtractReceipts result.
type ReceiptAnalysis struct {
	Category       string             `json:"category"`
	Summary        string             `json:"summary"`
	ValidReceipts  []ExtractedReceipt `json:"valid_receipts"`
	SuggestedReply string             `json:"suggested_reply,omitempty"`
}

// OpenAllocation is the caller-side context for reply classification.
type OpenAllocation struct {
	AllocID   string       `json:"allocId"`
	CMSID     string       `json:"cmsId"`
	Amount    money.Amount `json:"amount"`
	DonorName string       `json:"donorName"`
}

// ReplyAnalysis is the ClassifyReply result.
type ReplyAnalysis struct {
	Status            string   `json:"status"`
	ConfirmedAllocIDs []string `json:"confirmedAllocIds"`
	Reasoning         string   `json:"reasoning"`
}

// ExtractRequest carries everything ExtractReceipts may consider.
type ExtractRequest struct {
	EmailText      string
	Attachments    []mailmsg.Attachment
	PledgeDate     time.Time
	EmailDate      time.Time
	ExpectedAmount money.Amount
}

// Oracle is the AI provider seam. Both calls return nil on ANY failure.
type Oracle interface {
	ExtractReceipts(ctx context.Context, req ExtractRequest) *ReceiptAnalysis
	ClassifyReply(ctx context.Context, emailText string, open []OpenAllocation) *ReplyAnalysis
}

// ValidateReceiptAnalysis enforces the response schema. A violating
// result must be downgraded to nil by adapters.
func ValidateReceiptAnalysis(a *ReceiptAnalysis) bool {
	if a == nil {
		return false
	}
	switch a.Category {
	case CategoryReceiptSubmission, CategoryQuestion, CategoryIrrelevant:
	default:
		return false
	}
	for _, r := range a.ValidReceipts {
		if r.Amount < 0 || r.AmountDeclared < 0 {
			return false
		}
		switch r.ConfidenceScore {
		case receipt.ConfidenceHigh, receipt.ConfidenceMedium, receipt.ConfidenceLow:
		default:
			return false
		}
	}
	return true
}

// ValidateReplyAnalysis enforces the response schema: a known status and
// confirmed ids that are a subset of the open allocations.
func ValidateReplyAnalysis(a *ReplyAnalysis, open []OpenAllocation) bool {
	if a == nil {
		return false
	}
	switch a.Status {
	case ReplyConfirmedAll, ReplyPartial, ReplyAmbiguous, ReplyQuery:
	default:
		return false
	}
	known := make(map[string]bool, len(open))
	for _, o := range open {
		known[o.AllocID] = true
	}
	for _, id := range a.ConfirmedAllocIDs {
		if !known[id] {
			return false
		}
	}
	return true
}
