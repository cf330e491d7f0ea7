package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pledgeledger/internal/audit"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/internal/sheetstore/inmem"
	"pledgeledger/pkg/domain/allocation"
	"pledgeledger/pkg/domain/beneficiary"
	"pledgeledger/pkg/domain/pledge"
	"pledgeledger/pkg/domain/subscription"
	pkgerrors "pledgeledger/pkg/errors"
)

func newEngine(t *testing.T) (*Engine, *sheetstore.Tables, *audit.Recorder) {
	t.Helper()
	tables, err := sheetstore.NewTables(context.Background(), inmem.NewOperations(), inmem.NewConfidential())
	require.NoError(t, err)
	rec := &audit.Recorder{}
	return New(tables, rec), tables, rec
}

func TestPledgeBalanceExcludesCancelled(t *testing.T) {
	ctx := context.Background()
	e, tables, _ := newEngine(t)

	p := &pledge.Pledge{ID: "PLEDGE-2026-1", VerifiedTotal: 150000, Status: pledge.StateVerified}
	_, err := tables.AppendPledge(ctx, p)
	require.NoError(t, err)
	for _, a := range []*allocation.Allocation{
		{ID: "ALLOC-1", PledgeID: "PLEDGE-2026-1", CMSID: "CMS-100", Amount: 50000, Status: allocation.StatePendingHostel},
		{ID: "ALLOC-2", PledgeID: "PLEDGE-2026-1", CMSID: "CMS-200", Amount: 25000, Status: allocation.StateCancelled},
		{ID: "ALLOC-3", PledgeID: "PLEDGE-2026-2", CMSID: "CMS-100", Amount: 99999, Status: allocation.StatePendingHostel},
	} {
		_, err := tables.AppendAllocation(ctx, a)
		require.NoError(t, err)
	}
	require.NoError(t, tables.Flush(ctx))

	balance, err := e.PledgeBalance(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int64(100000), int64(balance))
}

func TestStudentNeed(t *testing.T) {
	ctx := context.Background()
	e, tables, _ := newEngine(t)

	_, err := tables.AppendStudent(ctx, &beneficiary.Beneficiary{
		CMSID: "CMS-100", TotalDue: 300000, Status: beneficiary.StateActive,
	})
	require.NoError(t, err)
	_, err = tables.AppendAllocation(ctx, &allocation.Allocation{
		ID: "ALLOC-1", PledgeID: "PLEDGE-2026-1", CMSID: "CMS-100",
		Amount: 50000, Status: allocation.StateHostelVerified,
	})
	require.NoError(t, err)
	require.NoError(t, tables.Flush(ctx))

	need, err := e.StudentNeed(ctx, "CMS-100")
	require.NoError(t, err)
	require.Equal(t, int64(250000), int64(need))

	_, err = e.StudentNeed(ctx, "CMS-999")
	require.ErrorIs(t, err, pkgerrors.ErrUnknownStudent)
}

func TestSetPledgeStatusGuards(t *testing.T) {
	ctx := context.Background()
	e, tables, rec := newEngine(t)

	p := &pledge.Pledge{ID: "PLEDGE-2026-1", Status: pledge.StateProofSubmitted}
	idx, err := tables.AppendPledge(ctx, p)
	require.NoError(t, err)
	require.NoError(t, tables.Flush(ctx))

	// Proof submitted cannot jump straight to fully allocated.
	err = e.SetPledgeStatus(ctx, "test", idx, p, pledge.StateFullyAllocated)
	require.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
	require.Equal(t, pledge.StateProofSubmitted, p.Status)

	// The rejected transition wrote nothing.
	stored, _, err := tables.FindPledge(ctx, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Equal(t, pledge.StateProofSubmitted, stored.Status)
	require.Empty(t, rec.Entries)

	// Legal edge commits and audits.
	require.NoError(t, e.SetPledgeStatus(ctx, "test", idx, p, pledge.StatePartiallyAllocated))
	require.NoError(t, tables.Flush(ctx))
	stored, _, err = tables.FindPledge(ctx, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Equal(t, pledge.StatePartiallyAllocated, stored.Status)

	changes := rec.ByKind(audit.KindStatusChange)
	require.Len(t, changes, 1)
	require.Equal(t, "PROOF_SUBMITTED", changes[0].Before)
	require.Equal(t, "PARTIALLY_ALLOCATED", changes[0].After)

	// Same-status set is a silent no-op.
	require.NoError(t, e.SetPledgeStatus(ctx, "test", idx, p, pledge.StatePartiallyAllocated))
	require.Len(t, rec.Entries, 1)
}

func TestSetAllocationStatus(t *testing.T) {
	ctx := context.Background()
	e, tables, rec := newEngine(t)

	a := &allocation.Allocation{ID: "ALLOC-1", PledgeID: "PLEDGE-2026-1", CMSID: "CMS-100", Status: allocation.StatePendingHostel}
	idx, err := tables.AppendAllocation(ctx, a)
	require.NoError(t, err)
	require.NoError(t, tables.Flush(ctx))

	require.NoError(t, e.SetAllocationStatus(ctx, "watchdog", idx, a, allocation.StateHostelVerified))
	require.ErrorIs(t,
		e.SetAllocationStatus(ctx, "watchdog", idx, a, allocation.StatePendingHostel),
		pkgerrors.ErrInvalidTransition)
	require.Len(t, rec.ByKind(audit.KindStatusChange), 1)
}

func TestSetSubscriptionAndInstallmentStatus(t *testing.T) {
	ctx := context.Background()
	e, tables, _ := newEngine(t)

	s := &subscription.Subscription{ID: "PLEDGE-2026-7", Status: subscription.StateActive}
	sIdx, err := tables.AppendSubscription(ctx, s)
	require.NoError(t, err)
	inst := &subscription.Installment{ID: "INST-1", SubscriptionID: "PLEDGE-2026-7", MonthNumber: 1, Status: subscription.InstallmentPending}
	iIdx, err := tables.AppendInstallment(ctx, inst)
	require.NoError(t, err)
	require.NoError(t, tables.Flush(ctx))

	// Active cannot lapse without passing through overdue.
	require.ErrorIs(t,
		e.SetSubscriptionStatus(ctx, "sweep", sIdx, s, subscription.StateLapsed),
		pkgerrors.ErrInvalidTransition)
	require.NoError(t, e.SetSubscriptionStatus(ctx, "sweep", sIdx, s, subscription.StateOverdue))
	require.NoError(t, e.SetSubscriptionStatus(ctx, "sweep", sIdx, s, subscription.StateLapsed))

	require.NoError(t, e.SetInstallmentStatus(ctx, "sweep", iIdx, inst, subscription.InstallmentReminded))
	require.ErrorIs(t,
		e.SetInstallmentStatus(ctx, "sweep", iIdx, inst, subscription.InstallmentAllocated),
		pkgerrors.ErrInvalidTransition)
}

func TestResyncStudentTotals(t *testing.T) {
	ctx := context.Background()
	e, tables, _ := newEngine(t)

	_, err := tables.AppendStudent(ctx, &beneficiary.Beneficiary{
		CMSID: "CMS-100", TotalDue: 100000, AmountCleared: 0, PendingAmount: 100000,
		Status: beneficiary.StateActive,
	})
	require.NoError(t, err)
	for _, a := range []*allocation.Allocation{
		{ID: "ALLOC-1", PledgeID: "PLEDGE-2026-1", CMSID: "CMS-100", Amount: 60000, Status: allocation.StateHostelVerified},
		{ID: "ALLOC-2", PledgeID: "PLEDGE-2026-2", CMSID: "CMS-100", Amount: 40000, Status: allocation.StatePendingHostel},
		{ID: "ALLOC-3", PledgeID: "PLEDGE-2026-3", CMSID: "CMS-100", Amount: 5000, Status: allocation.StateCancelled},
	} {
		_, err := tables.AppendAllocation(ctx, a)
		require.NoError(t, err)
	}
	require.NoError(t, tables.Flush(ctx))

	require.NoError(t, e.ResyncStudentTotals(ctx, "CMS-100"))
	require.NoError(t, tables.Flush(ctx))

	student, _, err := tables.FindStudent(ctx, "CMS-100")
	require.NoError(t, err)
	require.Equal(t, int64(100000), int64(student.AmountCleared))
	require.Equal(t, int64(0), int64(student.PendingAmount))
	require.Equal(t, beneficiary.StateFullyFunded, student.Status)
}

func TestPledgeFullyVerified(t *testing.T) {
	ctx := context.Background()
	e, tables, _ := newEngine(t)

	// No allocations at all: not verified.
	ok, err := e.PledgeFullyVerified(ctx, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = tables.AppendAllocation(ctx, &allocation.Allocation{
		ID: "ALLOC-1", PledgeID: "PLEDGE-2026-1", CMSID: "CMS-100",
		Amount: 50000, Status: allocation.StateHostelVerified,
	})
	require.NoError(t, err)
	idx2, err := tables.AppendAllocation(ctx, &allocation.Allocation{
		ID: "ALLOC-2", PledgeID: "PLEDGE-2026-1", CMSID: "CMS-200",
		Amount: 50000, Status: allocation.StatePendingHostel,
	})
	require.NoError(t, err)
	require.NoError(t, tables.Flush(ctx))

	ok, err = e.PledgeFullyVerified(ctx, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.False(t, ok)

	a2, _, err := tables.FindAllocation(ctx, "ALLOC-2")
	require.NoError(t, err)
	a2.Status = allocation.StateCancelled
	require.NoError(t, tables.SaveAllocation(ctx, idx2, a2))
	require.NoError(t, tables.Flush(ctx))

	ok, err = e.PledgeFullyVerified(ctx, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.True(t, ok)
}
