package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pledgeledger/internal/allocate"
	"pledgeledger/internal/audit"
	"pledgeledger/internal/blob"
	"pledgeledger/internal/config"
	"pledgeledger/internal/ledger"
	"pledgeledger/internal/locker"
	"pledgeledger/internal/mailgw/impl_inmem"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/internal/sheetstore/inmem"
	"pledgeledger/internal/template"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/beneficiary"
	"pledgeledger/pkg/domain/mailmsg"
	"pledgeledger/pkg/domain/pledge"
	"pledgeledger/pkg/domain/receipt"
	domsub "pledgeledger/pkg/domain/subscription"
	pkgerrors "pledgeledger/pkg/errors"
	"pledgeledger/pkg/ids"
	"pledgeledger/pkg/money"
)

type fixture struct {
	eng    *Engine
	tables *sheetstore.Tables
	mail   *impl_inmem.Mailbox
	audit  *audit.Recorder

	// now is the mutable sweep clock; tests advance it between calls.
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tables, err := sheetstore.NewTables(context.Background(), inmem.NewOperations(), inmem.NewConfidential())
	require.NoError(t, err)

	f := &fixture{
		tables: tables,
		audit:  &audit.Recorder{},
		now:    time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
	}
	clk := clock.NewFunc(func() time.Time { return f.now })
	zone := clock.MustZone("")
	f.mail = impl_inmem.New(clk, "pledges@foundation.example")

	cfg := config.Default()
	cfg.HostelEmail = "hostel@campus.example"
	cfg.AdminEmail = "admin@foundation.example"

	ldg := ledger.New(tables, f.audit)
	gen := ids.NewDeterministic(func() string { return "abcd1234" })
	locks := locker.NewNamed()
	tmpl := template.Defaults()
	log := zap.NewNop()

	alloc := allocate.New(tables, ldg, locks, f.mail, tmpl, blob.NewMemStore(),
		f.audit, clk, zone, gen, cfg, log)
	f.eng = New(tables, ldg, alloc, locks, f.mail, tmpl, f.audit, clk, zone,
		gen, cfg, log)
	return f
}

func (f *fixture) seedPledge(t *testing.T, committed int64) (*pledge.Pledge, int) {
	t.Helper()
	ctx := context.Background()
	p := &pledge.Pledge{
		ID:              "PLEDGE-2026-7",
		DonorEmail:      "donor@example.org",
		DonorName:       "A. Donor",
		CommittedAmount: money.Amount(committed),
		Outstanding:     money.Amount(committed),
		Status:          pledge.StatePledged,
		SubmittedAt:     f.now,
	}
	row, err := f.tables.AppendPledge(ctx, p)
	require.NoError(t, err)
	require.NoError(t, f.tables.Flush(ctx))
	return p, row
}

func (f *fixture) seedStudent(t *testing.T, cmsID string, totalDue int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.tables.AppendStudent(ctx, &beneficiary.Beneficiary{
		CMSID: cmsID, Name: "Student " + cmsID, TotalDue: money.Amount(totalDue),
		PendingAmount: money.Amount(totalDue), Status: beneficiary.StateActive,
	})
	require.NoError(t, err)
	require.NoError(t, f.tables.Flush(ctx))
}

func TestCreateWritesScheduleAndWelcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, row := f.seedPledge(t, 75000)

	sub, err := f.eng.Create(ctx, p, row, 25000, 3, nil)
	require.NoError(t, err)

	// Welcome went out first and anchors the thread.
	require.Len(t, f.mail.Sent, 1)
	require.Equal(t, []string{"donor@example.org"}, f.mail.Sent[0].To)
	require.Contains(t, f.mail.Sent[0].Subject, "PLEDGE-2026-7")
	require.NotEmpty(t, sub.WelcomeMessageID)

	// Start anchors to day 1 of the pledge month, even before submission.
	wantStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stored, _, err := f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, wantStart, stored.StartDate)
	require.Equal(t, wantStart, stored.NextDueDate)
	require.Equal(t, domsub.StateActive, stored.Status)
	require.Equal(t, 3, stored.DurationMonths)

	installments, err := f.tables.ListInstallmentsBySubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Len(t, installments, 3)
	for i, inst := range installments {
		require.Equal(t, ids.Installment("PLEDGE-2026-7", i+1), inst.ID)
		require.Equal(t, i+1, inst.MonthNumber)
		require.Equal(t, wantStart.AddDate(0, i, 0), inst.DueDate)
		require.Equal(t, domsub.InstallmentPending, inst.Status)
	}

	// The welcome id doubles as the pledge's confirmation anchor.
	storedP, _, err := f.tables.FindPledge(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, sub.WelcomeMessageID, storedP.ConfirmationMessageID)

	require.Len(t, f.audit.ByKind(audit.KindSubscriptionCreated), 1)
}

func TestCreateMailFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, row := f.seedPledge(t, 75000)

	f.mail.FailNextSend(errors.New("smtp down"))
	_, err := f.eng.Create(ctx, p, row, 25000, 3, nil)
	require.ErrorIs(t, err, pkgerrors.ErrMailSendFailed)

	_, _, err = f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)
	installments, err := f.tables.ListInstallmentsBySubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Empty(t, installments)
	require.Empty(t, f.audit.Entries)
}

func TestCreateRejectsBadInputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, row := f.seedPledge(t, 75000)

	_, err := f.eng.Create(ctx, p, row, 25000, 0, nil)
	require.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	_, err = f.eng.Create(ctx, p, row, 0, 3, nil)
	require.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	require.Empty(t, f.mail.Sent)
}

func TestRecordPaymentAdvancesLadder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, row := f.seedPledge(t, 75000)
	sub, err := f.eng.Create(ctx, p, row, 25000, 3, nil)
	require.NoError(t, err)

	paidAt := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/mar.pdf"), 25000, paidAt))

	// FIFO: month 1 took the payment.
	inst, _, err := f.tables.FindInstallment(ctx, "PLEDGE-2026-7-M01")
	require.NoError(t, err)
	require.Equal(t, domsub.InstallmentReceived, inst.Status)
	require.Equal(t, int64(25000), int64(inst.AmountReceived))
	require.NotEmpty(t, inst.ReceiptID)
	require.NotEmpty(t, inst.ReceiptConfirmID)

	// The synthetic receipt mirrors the payment on the pledge ledger.
	receipts, err := f.tables.ListReceiptsByPledge(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, receipt.StatusValid, receipts[0].Status)
	require.Equal(t, int64(25000), int64(receipts[0].AmountVerified))
	require.Equal(t, "2026-03-20", receipts[0].TransferDate)

	storedP, _, err := f.tables.FindPledge(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, pledge.StatePartialReceipt, storedP.Status)
	require.Equal(t, int64(25000), int64(storedP.VerifiedTotal))
	require.Equal(t, int64(50000), int64(storedP.Outstanding))
	require.Equal(t, "mem://receipts/mar.pdf", storedP.ProofLink)

	storedSub, _, err := f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, 1, storedSub.PaymentsReceived)
	require.Equal(t, int64(25000), int64(storedSub.AmountReceived))
	require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), storedSub.NextDueDate)

	// The confirmation threads onto the welcome mail.
	thr, err := f.mail.Search(ctx, mailmsg.MessageID(sub.WelcomeMessageID))
	require.NoError(t, err)
	require.Len(t, thr.Messages, 2)
	require.Contains(t, thr.Messages[1].Subject, "Re: ")

	require.Len(t, f.audit.ByKind(audit.KindSubscriptionPayment), 1)
}

func TestRecordPaymentReactivatesLapsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, row := f.seedPledge(t, 75000)
	_, err := f.eng.Create(ctx, p, row, 25000, 3, nil)
	require.NoError(t, err)

	sub, subRow, err := f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	sub.Status = domsub.StateLapsed
	require.NoError(t, f.tables.SaveSubscription(ctx, subRow, sub))
	require.NoError(t, f.tables.Flush(ctx))

	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/late.pdf"), 25000, f.now))

	stored, _, err := f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, domsub.StateActive, stored.Status)
}

func TestRecordPaymentCompletesSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, row := f.seedPledge(t, 50000)
	_, err := f.eng.Create(ctx, p, row, 25000, 2, nil)
	require.NoError(t, err)

	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/mar.pdf"), 25000, f.now))
	f.now = f.now.AddDate(0, 1, 0)
	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/apr.pdf"), 25000, f.now))

	stored, _, err := f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, domsub.StateCompleted, stored.Status)
	require.NotEmpty(t, stored.CompletionMessageID)

	// Both installments received pays off the pledge in full.
	storedP, _, err := f.tables.FindPledge(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, pledge.StateProofSubmitted, storedP.Status)
	require.Equal(t, int64(0), int64(storedP.Outstanding))

	require.Len(t, f.audit.ByKind(audit.KindSubscriptionCompleted), 1)
}

func TestRecordPaymentWithoutOpenInstallmentAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, row := f.seedPledge(t, 25000)
	_, err := f.eng.Create(ctx, p, row, 25000, 1, nil)
	require.NoError(t, err)

	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/mar.pdf"), 25000, f.now))
	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/extra.pdf"), 25000, f.now))

	stored, _, err := f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, 1, stored.PaymentsReceived)
	require.Len(t, f.audit.ByKind(audit.KindAlert), 1)
}

func TestDailySweepLadder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p, row := f.seedPledge(t, 75000)
	_, err := f.eng.Create(ctx, p, row, 25000, 3, nil)
	require.NoError(t, err)

	// Day 0: the due-day reminder.
	require.NoError(t, f.eng.DailySweep(ctx))
	inst, _, err := f.tables.FindInstallment(ctx, "PLEDGE-2026-7-M01")
	require.NoError(t, err)
	require.Equal(t, domsub.InstallmentReminded, inst.Status)
	require.Equal(t, 1, inst.ReminderCount)
	require.Len(t, f.mail.Sent, 2) // welcome + reminder
	require.Contains(t, f.mail.Sent[1].Subject, "Monthly installment due")

	// Day 3 is not a reminder day.
	f.now = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.eng.DailySweep(ctx))
	require.Len(t, f.mail.Sent, 2)

	// Day 7: the overdue nudge, exhausting the reminder budget.
	f.now = time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.eng.DailySweep(ctx))
	inst, _, err = f.tables.FindInstallment(ctx, "PLEDGE-2026-7-M01")
	require.NoError(t, err)
	require.Equal(t, 2, inst.ReminderCount)
	require.Len(t, f.mail.Sent, 3)
	require.Contains(t, f.mail.Sent[2].Subject, "Monthly installment overdue")
	require.Len(t, f.audit.ByKind(audit.KindSubscriptionReminder), 2)

	// Day 14: the subscription itself goes overdue.
	f.now = time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.eng.DailySweep(ctx))
	sub, _, err := f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, domsub.StateOverdue, sub.Status)
	require.Len(t, f.audit.ByKind(audit.KindSubscriptionOverdue), 1)
	require.Len(t, f.mail.Sent, 3)

	// Day 30: installment missed, subscription lapsed.
	f.now = time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.eng.DailySweep(ctx))
	inst, _, err = f.tables.FindInstallment(ctx, "PLEDGE-2026-7-M01")
	require.NoError(t, err)
	require.Equal(t, domsub.InstallmentMissed, inst.Status)
	sub, _, err = f.tables.FindSubscription(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, domsub.StateLapsed, sub.Status)
	require.Len(t, f.audit.ByKind(audit.KindSubscriptionLapsed), 1)

	// Month 2 is not due yet; it stays pending throughout.
	inst2, _, err := f.tables.FindInstallment(ctx, "PLEDGE-2026-7-M02")
	require.NoError(t, err)
	require.Equal(t, domsub.InstallmentPending, inst2.Status)
}

func TestMonthlyBatchAllocatesReceivedInstallments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedStudent(t, "CMS-100", 300000)
	p, row := f.seedPledge(t, 25000)
	_, err := f.eng.Create(ctx, p, row, 25000, 1, []string{"CMS-100"})
	require.NoError(t, err)
	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/mar.pdf"), 25000, f.now))

	require.NoError(t, f.eng.MonthlyBatch(ctx))

	allocs, err := f.tables.ListAllocationsByPledge(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	require.Equal(t, "CMS-100", allocs[0].CMSID)
	require.Equal(t, int64(25000), int64(allocs[0].Amount))
	require.Equal(t, "PLEDGE-2026-7-M01", allocs[0].InstallmentID)
	require.NotEmpty(t, allocs[0].BatchID)

	inst, _, err := f.tables.FindInstallment(ctx, "PLEDGE-2026-7-M01")
	require.NoError(t, err)
	require.Equal(t, domsub.InstallmentAllocated, inst.Status)

	// The batch exhausted the pledge balance.
	storedP, _, err := f.tables.FindPledge(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Equal(t, pledge.StateFullyAllocated, storedP.Status)

	student, _, err := f.tables.FindStudent(ctx, "CMS-100")
	require.NoError(t, err)
	require.Equal(t, int64(275000), int64(student.PendingAmount))

	require.Len(t, f.audit.ByKind(audit.KindSubscriptionBatch), 1)
}

func TestMonthlyBatchSplitsAcrossLinkedStudents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedStudent(t, "CMS-100", 300000)
	f.seedStudent(t, "CMS-200", 300000)
	p, row := f.seedPledge(t, 25000)
	_, err := f.eng.Create(ctx, p, row, 25000, 6, []string{"CMS-100", "CMS-200"})
	require.NoError(t, err)
	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/mar.pdf"), 25000, f.now))

	require.NoError(t, f.eng.MonthlyBatch(ctx))

	// One 25,000 installment over two students: 12,500 each, one batch.
	allocs, err := f.tables.ListAllocationsByPledge(ctx, "PLEDGE-2026-7")
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	byStudent := make(map[string]int64)
	for _, a := range allocs {
		byStudent[a.CMSID] += a.Amount
		require.Equal(t, allocs[0].BatchID, a.BatchID)
		require.Equal(t, "PLEDGE-2026-7-M01", a.InstallmentID)
	}
	require.Equal(t, int64(12500), byStudent["CMS-100"])
	require.Equal(t, int64(12500), byStudent["CMS-200"])

	inst, _, err := f.tables.FindInstallment(ctx, "PLEDGE-2026-7-M01")
	require.NoError(t, err)
	require.Equal(t, domsub.InstallmentAllocated, inst.Status)
}

func TestMonthlyBatchSkipsSubscriptionWithoutStudents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, row := f.seedPledge(t, 25000)
	_, err := f.eng.Create(ctx, p, row, 25000, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.eng.RecordPayment(ctx, "PLEDGE-2026-7",
		blob.Handle("mem://receipts/mar.pdf"), 25000, f.now))

	require.NoError(t, f.eng.MonthlyBatch(ctx))

	inst, _, err := f.tables.FindInstallment(ctx, "PLEDGE-2026-7-M01")
	require.NoError(t, err)
	require.Equal(t, domsub.InstallmentReceived, inst.Status)
	require.Len(t, f.audit.ByKind(audit.KindAlert), 1)
	allocs, err := f.tables.ListAllocations(ctx)
	require.NoError(t, err)
	require.Empty(t, allocs)
}
