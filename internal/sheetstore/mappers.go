// Typed mappers — exactly one per sheet. Nothing outside this file reads
// or writes a positional cell for the entity sheets.

package sheetstore

import (
	"strconv"
	"strings"
	"time"

	"pledgeledger/pkg/domain/allocation"
	"pledgeledger/pkg/domain/beneficiary"
	"pledgeledger/pkg/domain/pledge"
	"pledgeledger/pkg/domain/receipt"
	"pledgeledger/pkg/domain/subscription"
)

const cellTimeLayout = time.RFC3339

func cellTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(cellTimeLayout)
}

func parseCellTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := time.Parse(cellTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func cellInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

func parseCellInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func cellBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func parseCellBool(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRUE", "YES", "1":
		return true
	default:
		return false
	}
}

func cellAt(row Row, col int) string {
	if col < len(row) {
		return row[col]
	}
	return ""
}

// PledgeToRow serializes a pledge.
func PledgeToRow(p *pledge.Pledge) Row {
	row := make(Row, pledgeColCount)
	row[PledgeColID] = p.ID
	row[PledgeColDonorEmail] = p.DonorEmail
	row[PledgeColDonorName] = p.DonorName
	row[PledgeColChapter] = p.Chapter
	row[PledgeColAffiliation] = p.Affiliation
	row[PledgeColZakat] = cellBool(p.Zakat)
	row[PledgeColDurationCode] = p.DurationCode
	row[PledgeColCommittedAmount] = cellInt(p.CommittedAmount)
	row[PledgeColStatus] = string(p.Status)
	row[PledgeColSubmittedAt] = cellTime(p.SubmittedAt)
	row[PledgeColConfirmationMessageID] = p.ConfirmationMessageID
	row[PledgeColReceiptMessageID] = p.ReceiptMessageID
	row[PledgeColVerifiedTotal] = cellInt(p.VerifiedTotal)
	row[PledgeColCashBalance] = cellInt(p.CashBalance)
	row[PledgeColOutstanding] = cellInt(p.Outstanding)
	row[PledgeColProofLink] = p.ProofLink
	row[PledgeColActualTransferDate] = p.ActualTransferDate
	row[PledgeColDateProofReceived] = cellTime(p.DateProofReceived)
	row[PledgeColAINote] = p.AINote
	return row
}

// PledgeFromRow deserializes a pledge.
func PledgeFromRow(row Row) *pledge.Pledge {
	return &pledge.Pledge{
		ID:                    cellAt(row, PledgeColID),
		DonorEmail:            cellAt(row, PledgeColDonorEmail),
		DonorName:             cellAt(row, PledgeColDonorName),
		Chapter:               cellAt(row, PledgeColChapter),
		Affiliation:           cellAt(row, PledgeColAffiliation),
		Zakat:                 parseCellBool(cellAt(row, PledgeColZakat)),
		DurationCode:          cellAt(row, PledgeColDurationCode),
		CommittedAmount:       parseCellInt(cellAt(row, PledgeColCommittedAmount)),
		Status:                pledge.ParseState(cellAt(row, PledgeColStatus)),
		SubmittedAt:           parseCellTime(cellAt(row, PledgeColSubmittedAt)),
		ConfirmationMessageID: cellAt(row, PledgeColConfirmationMessageID),
		ReceiptMessageID:      cellAt(row, PledgeColReceiptMessageID),
		VerifiedTotal:         parseCellInt(cellAt(row, PledgeColVerifiedTotal)),
		CashBalance:           parseCellInt(cellAt(row, PledgeColCashBalance)),
		Outstanding:           parseCellInt(cellAt(row, PledgeColOutstanding)),
		ProofLink:             cellAt(row, PledgeColProofLink),
		ActualTransferDate:    cellAt(row, PledgeColActualTransferDate),
		DateProofReceived:     parseCellTime(cellAt(row, PledgeColDateProofReceived)),
		AINote:                cellAt(row, PledgeColAINote),
	}
}

// ReceiptToRow serializes a receipt.
func ReceiptToRow(r *receipt.Receipt) Row {
	row := make(Row, receiptColCount)
	row[ReceiptColID] = r.ID
	row[ReceiptColPledgeID] = r.PledgeID
	row[ReceiptColProcessedAt] = cellTime(r.ProcessedAt)
	row[ReceiptColEmailDate] = cellTime(r.EmailDate)
	row[ReceiptColTransferDate] = r.TransferDate
	row[ReceiptColAmountDeclared] = cellInt(r.AmountDeclared)
	row[ReceiptColAmountVerified] = cellInt(r.AmountVerified)
	row[ReceiptColConfidence] = string(r.Confidence)
	row[ReceiptColFileHandle] = r.FileHandle
	row[ReceiptColFilename] = r.Filename
	row[ReceiptColStatus] = string(r.Status)
	return row
}

// ReceiptFromRow deserializes a receipt.
func ReceiptFromRow(row Row) *receipt.Receipt {
	return &receipt.Receipt{
		ID:             cellAt(row, ReceiptColID),
		PledgeID:       cellAt(row, ReceiptColPledgeID),
		ProcessedAt:    parseCellTime(cellAt(row, ReceiptColProcessedAt)),
		EmailDate:      parseCellTime(cellAt(row, ReceiptColEmailDate)),
		TransferDate:   cellAt(row, ReceiptColTransferDate),
		AmountDeclared: parseCellInt(cellAt(row, ReceiptColAmountDeclared)),
		AmountVerified: parseCellInt(cellAt(row, ReceiptColAmountVerified)),
		Confidence:     receipt.ParseConfidence(cellAt(row, ReceiptColConfidence)),
		FileHandle:     cellAt(row, ReceiptColFileHandle),
		Filename:       cellAt(row, ReceiptColFilename),
		Status:         receipt.Status(cellAt(row, ReceiptColStatus)),
	}
}

// AllocationToRow serializes an allocation.
func AllocationToRow(a *allocation.Allocation) Row {
	row := make(Row, allocColCount)
	row[AllocColID] = a.ID
	row[AllocColCMSID] = a.CMSID
	row[AllocColPledgeID] = a.PledgeID
	row[AllocColVerifiedTotalAtCommit] = cellInt(a.VerifiedTotalAtCommit)
	row[AllocColAmount] = cellInt(a.Amount)
	row[AllocColCreatedAt] = cellTime(a.CreatedAt)
	row[AllocColStatus] = string(a.Status)
	row[AllocColHostelIntimationMessageID] = a.HostelIntimationMessageID
	row[AllocColHostelIntimationDate] = cellTime(a.HostelIntimationDate)
	row[AllocColDonorAllocMessageID] = a.DonorAllocMessageID
	row[AllocColDonorAllocDate] = cellTime(a.DonorAllocDate)
	row[AllocColHostelReplyMessageID] = a.HostelReplyMessageID
	row[AllocColHostelReplyDate] = cellTime(a.HostelReplyDate)
	row[AllocColDonorNotifyMessageID] = a.DonorNotifyMessageID
	row[AllocColDonorNotifyDate] = cellTime(a.DonorNotifyDate)
	row[AllocColBatchID] = a.BatchID
	row[AllocColInstallmentID] = a.InstallmentID
	return row
}

// AllocationFromRow deserializes an allocation.
func AllocationFromRow(row Row) *allocation.Allocation {
	return &allocation.Allocation{
		ID:                        cellAt(row, AllocColID),
		CMSID:                     cellAt(row, AllocColCMSID),
		PledgeID:                  cellAt(row, AllocColPledgeID),
		VerifiedTotalAtCommit:     parseCellInt(cellAt(row, AllocColVerifiedTotalAtCommit)),
		Amount:                    parseCellInt(cellAt(row, AllocColAmount)),
		CreatedAt:                 parseCellTime(cellAt(row, AllocColCreatedAt)),
		Status:                    allocation.ParseState(cellAt(row, AllocColStatus)),
		HostelIntimationMessageID: cellAt(row, AllocColHostelIntimationMessageID),
		HostelIntimationDate:      parseCellTime(cellAt(row, AllocColHostelIntimationDate)),
		DonorAllocMessageID:       cellAt(row, AllocColDonorAllocMessageID),
		DonorAllocDate:            parseCellTime(cellAt(row, AllocColDonorAllocDate)),
		HostelReplyMessageID:      cellAt(row, AllocColHostelReplyMessageID),
		HostelReplyDate:           parseCellTime(cellAt(row, AllocColHostelReplyDate)),
		DonorNotifyMessageID:      cellAt(row, AllocColDonorNotifyMessageID),
		DonorNotifyDate:           parseCellTime(cellAt(row, AllocColDonorNotifyDate)),
		BatchID:                   cellAt(row, AllocColBatchID),
		InstallmentID:             cellAt(row, AllocColInstallmentID),
	}
}

// SubscriptionToRow serializes a subscription.
func SubscriptionToRow(s *subscription.Subscription) Row {
	row := make(Row, subColCount)
	row[SubColID] = s.ID
	row[SubColDonorEmail] = s.DonorEmail
	row[SubColDonorName] = s.DonorName
	row[SubColMonthlyAmount] = cellInt(s.MonthlyAmount)
	row[SubColDurationMonths] = cellInt(int64(s.DurationMonths))
	row[SubColStartDate] = cellTime(s.StartDate)
	row[SubColNextDueDate] = cellTime(s.NextDueDate)
	row[SubColPaymentsReceived] = cellInt(int64(s.PaymentsReceived))
	row[SubColAmountReceived] = cellInt(s.AmountReceived)
	row[SubColLastReminderDate] = cellTime(s.LastReminderDate)
	row[SubColLastReceiptDate] = cellTime(s.LastReceiptDate)
	row[SubColStatus] = string(s.Status)
	row[SubColWelcomeMessageID] = s.WelcomeMessageID
	row[SubColCompletionMessageID] = s.CompletionMessageID
	row[SubColLinkedStudentIDs] = s.LinkedStudentIDs
	return row
}

// SubscriptionFromRow deserializes a subscription.
func SubscriptionFromRow(row Row) *subscription.Subscription {
	return &subscription.Subscription{
		ID:                  cellAt(row, SubColID),
		DonorEmail:          cellAt(row, SubColDonorEmail),
		DonorName:           cellAt(row, SubColDonorName),
		MonthlyAmount:       parseCellInt(cellAt(row, SubColMonthlyAmount)),
		DurationMonths:      int(parseCellInt(cellAt(row, SubColDurationMonths))),
		StartDate:           parseCellTime(cellAt(row, SubColStartDate)),
		NextDueDate:         parseCellTime(cellAt(row, SubColNextDueDate)),
		PaymentsReceived:    int(parseCellInt(cellAt(row, SubColPaymentsReceived))),
		AmountReceived:      parseCellInt(cellAt(row, SubColAmountReceived)),
		LastReminderDate:    parseCellTime(cellAt(row, SubColLastReminderDate)),
		LastReceiptDate:     parseCellTime(cellAt(row, SubColLastReceiptDate)),
		Status:              subscription.State(cellAt(row, SubColStatus)),
		WelcomeMessageID:    cellAt(row, SubColWelcomeMessageID),
		CompletionMessageID: cellAt(row, SubColCompletionMessageID),
		LinkedStudentIDs:    cellAt(row, SubColLinkedStudentIDs),
	}
}

// InstallmentToRow serializes an installment.
func InstallmentToRow(i *subscription.Installment) Row {
	row := make(Row, instColCount)
	row[InstColID] = i.ID
	row[InstColSubscriptionID] = i.SubscriptionID
	row[InstColMonthNumber] = cellInt(int64(i.MonthNumber))
	row[InstColDueDate] = cellTime(i.DueDate)
	row[InstColStatus] = string(i.Status)
	row[InstColReceiptID] = i.ReceiptID
	row[InstColAmountReceived] = cellInt(i.AmountReceived)
	row[InstColReceivedDate] = cellTime(i.ReceivedDate)
	row[InstColReminderCount] = cellInt(int64(i.ReminderCount))
	row[InstColLastReminderDate] = cellTime(i.LastReminderDate)
	row[InstColReminderEmailID] = i.ReminderEmailID
	row[InstColReceiptConfirmID] = i.ReceiptConfirmID
	return row
}

// InstallmentFromRow deserializes an installment.
func InstallmentFromRow(row Row) *subscription.Installment {
	return &subscription.Installment{
		ID:               cellAt(row, InstColID),
		SubscriptionID:   cellAt(row, InstColSubscriptionID),
		MonthNumber:      int(parseCellInt(cellAt(row, InstColMonthNumber))),
		DueDate:          parseCellTime(cellAt(row, InstColDueDate)),
		Status:           subscription.InstallmentState(cellAt(row, InstColStatus)),
		ReceiptID:        cellAt(row, InstColReceiptID),
		AmountReceived:   parseCellInt(cellAt(row, InstColAmountReceived)),
		ReceivedDate:     parseCellTime(cellAt(row, InstColReceivedDate)),
		ReminderCount:    int(parseCellInt(cellAt(row, InstColReminderCount))),
		LastReminderDate: parseCellTime(cellAt(row, InstColLastReminderDate)),
		ReminderEmailID:  cellAt(row, InstColReminderEmailID),
		ReceiptConfirmID: cellAt(row, InstColReceiptConfirmID),
	}
}

// StudentToRow serializes a beneficiary.
func StudentToRow(b *beneficiary.Beneficiary) Row {
	row := make(Row, studentColCount)
	row[StudentColCMSID] = b.CMSID
	row[StudentColName] = b.Name
	row[StudentColGender] = b.Gender
	row[StudentColSchool] = b.School
	row[StudentColDegree] = b.Degree
	row[StudentColTotalDue] = cellInt(b.TotalDue)
	row[StudentColAmountCleared] = cellInt(b.AmountCleared)
	row[StudentColPendingAmount] = cellInt(b.PendingAmount)
	row[StudentColStatus] = string(b.Status)
	return row
}

// StudentFromRow deserializes a beneficiary.
func StudentFromRow(row Row) *beneficiary.Beneficiary {
	return &beneficiary.Beneficiary{
		CMSID:         cellAt(row, StudentColCMSID),
		Name:          cellAt(row, StudentColName),
		Gender:        cellAt(row, StudentColGender),
		School:        cellAt(row, StudentColSchool),
		Degree:        cellAt(row, StudentColDegree),
		TotalDue:      parseCellInt(cellAt(row, StudentColTotalDue)),
		AmountCleared: parseCellInt(cellAt(row, StudentColAmountCleared)),
		PendingAmount: parseCellInt(cellAt(row, StudentColPendingAmount)),
		Status:        beneficiary.State(cellAt(row, StudentColStatus)),
	}
}
