// Tables is the typed accessor the engines use. It pairs the Operations
// and Confidential workbooks and owns every sheet/column reference, so no
// engine touches positional cells directly.

package sheetstore

import (
	"context"
	"fmt"

	"pledgeledger/pkg/domain/allocation"
	"pledgeledger/pkg/domain/beneficiary"
	"pledgeledger/pkg/domain/pledge"
	"pledgeledger/pkg/domain/receipt"
	"pledgeledger/pkg/domain/subscription"
	pkgerrors "pledgeledger/pkg/errors"
)

// Tables is the typed accessor over the two data stores.
type Tables struct {
	Ops          Workbook
	Confidential Workbook
}

// NewTables verifies schemas and returns the accessor.
// SCHEMA_DRIFT here is fatal by design: positional reads against a drifted
// sheet would silently corrupt the ledger.
func NewTables(ctx context.Context, ops, confidential Workbook) (*Tables, error) {
	if err := VerifySchemas(ctx, ops, confidential); err != nil {
		return nil, err
	}
	return &Tables{Ops: ops, Confidential: confidential}, nil
}

// Flush commits pending writes on both workbooks.
func (t *Tables) Flush(ctx context.Context) error {
	if err := t.Ops.Flush(ctx); err != nil {
		return err
	}
	return t.Confidential.Flush(ctx)
}

// --- Pledges ---

// AppendPledge appends a pledge row and returns its 1-based row index.
func (t *Tables) AppendPledge(ctx context.Context, p *pledge.Pledge) (int, error) {
	return t.Ops.Append(ctx, SheetPledges, PledgeToRow(p))
}

// FindPledge locates a pledge by id.
func (t *Tables) FindPledge(ctx context.Context, pledgeID string) (*pledge.Pledge, int, error) {
	res, err := t.Ops.FindRowByValue(ctx, SheetPledges, PledgeColID, pledgeID)
	if err != nil {
		return nil, 0, err
	}
	return PledgeFromRow(res.Row), res.Index, nil
}

// SavePledge rewrites the pledge row at rowIndex in one batch write.
func (t *Tables) SavePledge(ctx context.Context, rowIndex int, p *pledge.Pledge) error {
	return t.Ops.BatchSet(ctx, SheetPledges, rowIndex, 0, []Row{PledgeToRow(p)})
}

// ListPledges returns every pledge row.
func (t *Tables) ListPledges(ctx context.Context) ([]*pledge.Pledge, error) {
	rows, err := t.listAll(ctx, t.Ops, SheetPledges, pledgeColCount)
	if err != nil {
		return nil, err
	}
	out := make([]*pledge.Pledge, 0, len(rows))
	for _, row := range rows {
		out = append(out, PledgeFromRow(row))
	}
	return out, nil
}

// PledgeRowCount returns the number of pledge rows; the next appended
// pledge gets row number PledgeRowCount()+1 in its id.
func (t *Tables) PledgeRowCount(ctx context.Context) (int, error) {
	return t.Ops.RowCount(ctx, SheetPledges)
}

// --- Receipts ---

// AppendReceipt appends an immutable receipt row.
func (t *Tables) AppendReceipt(ctx context.Context, r *receipt.Receipt) (int, error) {
	return t.Ops.Append(ctx, SheetReceipts, ReceiptToRow(r))
}

// ListReceiptsByPledge returns all receipts for a pledge in insert order.
func (t *Tables) ListReceiptsByPledge(ctx context.Context, pledgeID string) ([]*receipt.Receipt, error) {
	rows, err := t.listAll(ctx, t.Ops, SheetReceipts, receiptColCount)
	if err != nil {
		return nil, err
	}
	var out []*receipt.Receipt
	for _, row := range rows {
		if cellAt(row, ReceiptColPledgeID) == pledgeID {
			out = append(out, ReceiptFromRow(row))
		}
	}
	return out, nil
}

// --- Allocations ---

// AppendAllocation appends an allocation row.
func (t *Tables) AppendAllocation(ctx context.Context, a *allocation.Allocation) (int, error) {
	return t.Ops.Append(ctx, SheetAllocations, AllocationToRow(a))
}

// FindAllocation locates an allocation by id.
func (t *Tables) FindAllocation(ctx context.Context, allocID string) (*allocation.Allocation, int, error) {
	res, err := t.Ops.FindRowByValue(ctx, SheetAllocations, AllocColID, allocID)
	if err != nil {
		return nil, 0, err
	}
	return AllocationFromRow(res.Row), res.Index, nil
}

// SaveAllocation rewrites the allocation row at rowIndex.
func (t *Tables) SaveAllocation(ctx context.Context, rowIndex int, a *allocation.Allocation) error {
	return t.Ops.BatchSet(ctx, SheetAllocations, rowIndex, 0, []Row{AllocationToRow(a)})
}

// ListAllocations returns every allocation row.
func (t *Tables) ListAllocations(ctx context.Context) ([]*allocation.Allocation, error) {
	rows, err := t.listAll(ctx, t.Ops, SheetAllocations, allocColCount)
	if err != nil {
		return nil, err
	}
	out := make([]*allocation.Allocation, 0, len(rows))
	for _, row := range rows {
		out = append(out, AllocationFromRow(row))
	}
	return out, nil
}

// ListAllocationsByPledge returns all allocations drawing on a pledge.
func (t *Tables) ListAllocationsByPledge(ctx context.Context, pledgeID string) ([]*allocation.Allocation, error) {
	return t.filterAllocations(ctx, AllocColPledgeID, pledgeID)
}

// ListAllocationsByStudent returns all allocations funding a beneficiary.
func (t *Tables) ListAllocationsByStudent(ctx context.Context, cmsID string) ([]*allocation.Allocation, error) {
	return t.filterAllocations(ctx, AllocColCMSID, cmsID)
}

// ListAllocationsByBatch returns all allocations sharing a batch id.
func (t *Tables) ListAllocationsByBatch(ctx context.Context, batchID string) ([]*allocation.Allocation, error) {
	return t.filterAllocations(ctx, AllocColBatchID, batchID)
}

func (t *Tables) filterAllocations(ctx context.Context, col int, value string) ([]*allocation.Allocation, error) {
	rows, err := t.listAll(ctx, t.Ops, SheetAllocations, allocColCount)
	if err != nil {
		return nil, err
	}
	var out []*allocation.Allocation
	for _, row := range rows {
		if cellAt(row, col) == value {
			out = append(out, AllocationFromRow(row))
		}
	}
	return out, nil
}

// --- Subscriptions ---

// AppendSubscription appends a subscription row.
func (t *Tables) AppendSubscription(ctx context.Context, s *subscription.Subscription) (int, error) {
	return t.Ops.Append(ctx, SheetSubscriptions, SubscriptionToRow(s))
}

// FindSubscription locates a subscription by id (== pledge id).
func (t *Tables) FindSubscription(ctx context.Context, subscriptionID string) (*subscription.Subscription, int, error) {
	res, err := t.Ops.FindRowByValue(ctx, SheetSubscriptions, SubColID, subscriptionID)
	if err != nil {
		return nil, 0, err
	}
	return SubscriptionFromRow(res.Row), res.Index, nil
}

// SaveSubscription rewrites the subscription row at rowIndex.
func (t *Tables) SaveSubscription(ctx context.Context, rowIndex int, s *subscription.Subscription) error {
	return t.Ops.BatchSet(ctx, SheetSubscriptions, rowIndex, 0, []Row{SubscriptionToRow(s)})
}

// ListSubscriptions returns every subscription row.
func (t *Tables) ListSubscriptions(ctx context.Context) ([]*subscription.Subscription, error) {
	rows, err := t.listAll(ctx, t.Ops, SheetSubscriptions, subColCount)
	if err != nil {
		return nil, err
	}
	out := make([]*subscription.Subscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, SubscriptionFromRow(row))
	}
	return out, nil
}

// --- Installments ---

// AppendInstallment appends an installment row.
func (t *Tables) AppendInstallment(ctx context.Context, i *subscription.Installment) (int, error) {
	return t.Ops.Append(ctx, SheetInstallments, InstallmentToRow(i))
}

// FindInstallment locates an installment by id.
func (t *Tables) FindInstallment(ctx context.Context, installmentID string) (*subscription.Installment, int, error) {
	res, err := t.Ops.FindRowByValue(ctx, SheetInstallments, InstColID, installmentID)
	if err != nil {
		return nil, 0, err
	}
	return InstallmentFromRow(res.Row), res.Index, nil
}

// SaveInstallment rewrites the installment row at rowIndex.
func (t *Tables) SaveInstallment(ctx context.Context, rowIndex int, i *subscription.Installment) error {
	return t.Ops.BatchSet(ctx, SheetInstallments, rowIndex, 0, []Row{InstallmentToRow(i)})
}

// ListInstallmentsBySubscription returns a subscription's installments in
// month order (they are appended in month order and never reordered).
func (t *Tables) ListInstallmentsBySubscription(ctx context.Context, subscriptionID string) ([]*subscription.Installment, error) {
	rows, err := t.listAll(ctx, t.Ops, SheetInstallments, instColCount)
	if err != nil {
		return nil, err
	}
	var out []*subscription.Installment
	for _, row := range rows {
		if cellAt(row, InstColSubscriptionID) == subscriptionID {
			out = append(out, InstallmentFromRow(row))
		}
	}
	return out, nil
}

// ListInstallments returns every installment row.
func (t *Tables) ListInstallments(ctx context.Context) ([]*subscription.Installment, error) {
	rows, err := t.listAll(ctx, t.Ops, SheetInstallments, instColCount)
	if err != nil {
		return nil, err
	}
	out := make([]*subscription.Installment, 0, len(rows))
	for _, row := range rows {
		out = append(out, InstallmentFromRow(row))
	}
	return out, nil
}

// --- Students (Confidential) ---

// FindStudent locates a beneficiary by cmsId.
func (t *Tables) FindStudent(ctx context.Context, cmsID string) (*beneficiary.Beneficiary, int, error) {
	res, err := t.Confidential.FindRowByValue(ctx, SheetStudents, StudentColCMSID, cmsID)
	if err != nil {
		return nil, 0, err
	}
	return StudentFromRow(res.Row), res.Index, nil
}

// AppendStudent appends a beneficiary row.
func (t *Tables) AppendStudent(ctx context.Context, b *beneficiary.Beneficiary) (int, error) {
	return t.Confidential.Append(ctx, SheetStudents, StudentToRow(b))
}

// SaveStudent rewrites the beneficiary row at rowIndex.
func (t *Tables) SaveStudent(ctx context.Context, rowIndex int, b *beneficiary.Beneficiary) error {
	return t.Confidential.BatchSet(ctx, SheetStudents, rowIndex, 0, []Row{StudentToRow(b)})
}

// ListStudents returns every beneficiary row.
func (t *Tables) ListStudents(ctx context.Context) ([]*beneficiary.Beneficiary, error) {
	rows, err := t.listAll(ctx, t.Confidential, SheetStudents, studentColCount)
	if err != nil {
		return nil, err
	}
	out := make([]*beneficiary.Beneficiary, 0, len(rows))
	for _, row := range rows {
		out = append(out, StudentFromRow(row))
	}
	return out, nil
}

// --- Journals ---

// AppendAuditRow appends to the audit trail. The row must carry exactly
// the 8 audit columns.
func (t *Tables) AppendAuditRow(ctx context.Context, row Row) error {
	if len(row) != auditColCount {
		return fmt.Errorf("audit row has %d columns, want %d: %w",
			len(row), auditColCount, pkgerrors.ErrSchemaDrift)
	}
	_, err := t.Ops.Append(ctx, SheetAuditTrail, row)
	return err
}

// AppendAILogRow appends to the AI-call journal.
func (t *Tables) AppendAILogRow(ctx context.Context, row Row) error {
	if len(row) != aiLogColCount {
		return fmt.Errorf("ai log row has %d columns, want %d: %w",
			len(row), aiLogColCount, pkgerrors.ErrSchemaDrift)
	}
	_, err := t.Ops.Append(ctx, SheetAILog, row)
	return err
}

// ListAuditRows returns the raw audit journal (read model use only).
func (t *Tables) ListAuditRows(ctx context.Context) ([]Row, error) {
	return t.listAll(ctx, t.Ops, SheetAuditTrail, auditColCount)
}

func (t *Tables) listAll(ctx context.Context, wb Workbook, sheet string, cols int) ([]Row, error) {
	n, err := wb.RowCount(ctx, sheet)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return wb.GetRange(ctx, sheet, 1, 0, n, cols)
}
