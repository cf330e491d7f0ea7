// Sheet names, column indices and header registry.
//
// Column indices live HERE and nowhere else. VerifySchemas is called once
// at startup; any mismatch between a live sheet header and this registry
// aborts the process with ErrSchemaDrift rather than letting positional
// reads silently mean the wrong thing.

package sheetstore

import (
	"context"
	"fmt"

	pkgerrors "pledgeledger/pkg/errors"
)

// Operations workbook sheets.
const (
	SheetPledges       = "Pledges"
	SheetReceipts      = "Receipts"
	SheetAllocations   = "Allocations"
	SheetSubscriptions = "Subscriptions"
	SheetInstallments  = "Installments"
	SheetAuditTrail    = "AuditTrail"
	SheetAILog         = "AILog"
)

// Confidential workbook sheets.
const (
	SheetStudents = "Students"
)

// Pledges columns.
const (
	PledgeColID = iota
	PledgeColDonorEmail
	PledgeColDonorName
	PledgeColChapter
	PledgeColAffiliation
	PledgeColZakat
	PledgeColDurationCode
	PledgeColCommittedAmount
	PledgeColStatus
	PledgeColSubmittedAt
	PledgeColConfirmationMessageID
	PledgeColReceiptMessageID
	PledgeColVerifiedTotal
	PledgeColCashBalance
	PledgeColOutstanding
	PledgeColProofLink
	PledgeColActualTransferDate
	PledgeColDateProofReceived
	PledgeColAINote
	pledgeColCount
)

// Receipts columns.
const (
	ReceiptColID = iota
	ReceiptColPledgeID
	ReceiptColProcessedAt
	ReceiptColEmailDate
	ReceiptColTransferDate
	ReceiptColAmountDeclared
	ReceiptColAmountVerified
	ReceiptColConfidence
	ReceiptColFileHandle
	ReceiptColFilename
	ReceiptColStatus
	receiptColCount
)

// Allocations columns.
const (
	AllocColID = iota
	AllocColCMSID
	AllocColPledgeID
	AllocColVerifiedTotalAtCommit
	AllocColAmount
	AllocColCreatedAt
	AllocColStatus
	AllocColHostelIntimationMessageID
	AllocColHostelIntimationDate
	AllocColDonorAllocMessageID
	AllocColDonorAllocDate
	AllocColHostelReplyMessageID
	AllocColHostelReplyDate
	AllocColDonorNotifyMessageID
	AllocColDonorNotifyDate
	AllocColBatchID
	AllocColInstallmentID
	allocColCount
)

// Subscriptions columns.
const (
	SubColID = iota
	SubColDonorEmail
	SubColDonorName
	SubColMonthlyAmount
	SubColDurationMonths
	SubColStartDate
	SubColNextDueDate
	SubColPaymentsReceived
	SubColAmountReceived
	SubColLastReminderDate
	SubColLastReceiptDate
	SubColStatus
	SubColWelcomeMessageID
	SubColCompletionMessageID
	SubColLinkedStudentIDs
	subColCount
)

// Installments columns.
const (
	InstColID = iota
	InstColSubscriptionID
	InstColMonthNumber
	InstColDueDate
	InstColStatus
	InstColReceiptID
	InstColAmountReceived
	InstColReceivedDate
	InstColReminderCount
	InstColLastReminderDate
	InstColReminderEmailID
	InstColReceiptConfirmID
	instColCount
)

// Students columns (Confidential workbook).
const (
	StudentColCMSID = iota
	StudentColName
	StudentColGender
	StudentColSchool
	StudentColDegree
	StudentColTotalDue
	StudentColAmountCleared
	StudentColPendingAmount
	StudentColStatus
	studentColCount
)

// AuditTrail columns — the 8-column contract.
const (
	AuditColTimestamp = iota
	AuditColActor
	AuditColEventType
	AuditColTargetID
	AuditColAction
	AuditColPreviousValue
	AuditColNewValue
	AuditColMetadataJSON
	auditColCount
)

// AILog columns — the AI-call journal.
const (
	AILogColTimestamp = iota
	AILogColAgent
	AILogColOperation
	AILogColRefID
	AILogColModel
	AILogColOutcome
	AILogColSummary
	aiLogColCount
)

// OperationsHeaders is the expected header row per Operations sheet.
var OperationsHeaders = map[string]Row{
	SheetPledges: {
		"pledgeId", "donorEmail", "donorName", "chapter", "affiliation",
		"zakat", "duration", "committedAmount", "status", "submittedAt",
		"confirmationMessageId", "receiptMessageId", "verifiedTotal",
		"cashBalance", "outstanding", "proofLink", "actualTransferDate",
		"dateProofReceived", "aiNote",
	},
	SheetReceipts: {
		"receiptId", "pledgeId", "processedAt", "emailDate", "transferDate",
		"amountDeclared", "amountVerified", "confidence", "fileHandle",
		"filename", "status",
	},
	SheetAllocations: {
		"allocId", "cmsId", "pledgeId", "verifiedTotalAtCommit", "amount",
		"createdAt", "status", "hostelIntimationMessageId",
		"hostelIntimationDate", "donorAllocMessageId", "donorAllocDate",
		"hostelReplyMessageId", "hostelReplyDate", "donorNotifyMessageId",
		"donorNotifyDate", "batchId", "installmentId",
	},
	SheetSubscriptions: {
		"subscriptionId", "donorEmail", "donorName", "monthlyAmount",
		"durationMonths", "startDate", "nextDueDate", "paymentsReceived",
		"amountReceived", "lastReminderDate", "lastReceiptDate", "status",
		"welcomeMessageId", "completionMessageId", "linkedStudentIds",
	},
	SheetInstallments: {
		"installmentId", "subscriptionId", "monthNumber", "dueDate",
		"status", "receiptId", "amountReceived", "receivedDate",
		"reminderCount", "lastReminderDate", "reminderEmailId",
		"receiptConfirmId",
	},
	SheetAuditTrail: {
		"timestamp", "actor", "eventType", "targetId", "action",
		"previousValue", "newValue", "metadataJSON",
	},
	SheetAILog: {
		"timestamp", "agent", "operation", "refId", "model", "outcome",
		"summary",
	},
}

// ConfidentialHeaders is the expected header row per Confidential sheet.
var ConfidentialHeaders = map[string]Row{
	SheetStudents: {
		"cmsId", "name", "gender", "school", "degree", "totalDue",
		"amountCleared", "pendingAmount", "status",
	},
}

// HeaderReader is implemented by workbooks that expose their header rows.
type HeaderReader interface {
	Header(ctx context.Context, sheet string) (Row, error)
}

// VerifySchemas checks every registered sheet header against the live
// workbooks. Called once at startup; a mismatch is fatal.
func VerifySchemas(ctx context.Context, ops, confidential HeaderReader) error {
	if err := verifyHeaders(ctx, ops, OperationsHeaders); err != nil {
		return err
	}
	return verifyHeaders(ctx, confidential, ConfidentialHeaders)
}

func verifyHeaders(ctx context.Context, wb HeaderReader, expected map[string]Row) error {
	for sheet, want := range expected {
		got, err := wb.Header(ctx, sheet)
		if err != nil {
			return fmt.Errorf("sheet %s: %w", sheet, pkgerrors.ErrSchemaDrift)
		}
		if len(got) < len(want) {
			return fmt.Errorf("sheet %s: %d columns, want %d: %w",
				sheet, len(got), len(want), pkgerrors.ErrSchemaDrift)
		}
		for i := range want {
			if got[i] != want[i] {
				return fmt.Errorf("sheet %s col %d: %q, want %q: %w",
					sheet, i, got[i], want[i], pkgerrors.ErrSchemaDrift)
			}
		}
	}
	return nil
}
