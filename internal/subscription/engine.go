// Package subscription implements the recurring-pledge engine: creation,
// the daily reminder/overdue sweep, payment recording and the monthly
// allocation batch.
//
// Payments share the one-time ladder: every recorded installment appends
// a synthetic VALID receipt against the originating pledge, so pledge
// balance math is identical for one-time and recurring money.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pledgeledger/internal/allocate"
	"pledgeledger/internal/audit"
	"pledgeledger/internal/blob"
	"pledgeledger/internal/config"
	"pledgeledger/internal/ledger"
	"pledgeledger/internal/locker"
	"pledgeledger/internal/mailgw"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/internal/template"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/mailmsg"
	"pledgeledger/pkg/domain/pledge"
	"pledgeledger/pkg/domain/receipt"
	domsub "pledgeledger/pkg/domain/subscription"
	pkgerrors "pledgeledger/pkg/errors"
	"pledgeledger/pkg/ids"
	"pledgeledger/pkg/money"
)

const actor = "subscription-engine"

// Engine drives the recurring-pledge lifecycle.
type Engine struct {
	tables *sheetstore.Tables
	ledger *ledger.Engine
	alloc  *allocate.Service
	locks  locker.Locker
	mail   mailgw.Gateway
	tmpl   template.Registry
	audit  audit.Logger
	clk    clock.Clock
	zone   clock.Zone
	gen    *ids.Generator
	cfg    config.Config
	log    *zap.Logger
}

// New wires the engine.
func New(tables *sheetstore.Tables, ldg *ledger.Engine, alloc *allocate.Service,
	locks locker.Locker, mail mailgw.Gateway, tmpl template.Registry,
	auditLog audit.Logger, clk clock.Clock, zone clock.Zone,
	gen *ids.Generator, cfg config.Config, log *zap.Logger) *Engine {
	return &Engine{
		tables: tables, ledger: ldg, alloc: alloc, locks: locks, mail: mail,
		tmpl: tmpl, audit: auditLog, clk: clk, zone: zone, gen: gen,
		cfg: cfg, log: log,
	}
}

// Create sets up the subscription for a recurring pledge: one subscription
// row, durationMonths installment rows and the welcome mail, whose id is
// stored on both the subscription and the pledge for later threading.
func (e *Engine) Create(ctx context.Context, p *pledge.Pledge, pledgeRow int, monthlyAmount money.Amount, durationMonths int, linkedStudents []string) (*domsub.Subscription, error) {
	if durationMonths <= 0 {
		return nil, fmt.Errorf("subscription duration %d: %w", durationMonths, pkgerrors.ErrInvalidAmount)
	}
	if monthlyAmount <= 0 {
		return nil, fmt.Errorf("subscription monthly amount: %w", pkgerrors.ErrInvalidAmount)
	}

	start := domsub.DueDateFor(p.SubmittedAt, 1)
	sub := &domsub.Subscription{
		ID:               p.ID,
		DonorEmail:       p.DonorEmail,
		DonorName:        p.DonorName,
		MonthlyAmount:    monthlyAmount,
		DurationMonths:   durationMonths,
		StartDate:        start,
		NextDueDate:      start,
		Status:           domsub.StateActive,
		LinkedStudentIDs: strings.Join(linkedStudents, ","),
	}

	// Welcome first: commit-last, no rows exist if the mail fails.
	welcomeID, err := e.sendWelcome(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("subscription %s welcome: %w", sub.ID, pkgerrors.ErrMailSendFailed)
	}
	sub.WelcomeMessageID = string(welcomeID)

	if _, err := e.tables.AppendSubscription(ctx, sub); err != nil {
		return nil, err
	}
	for n := 1; n <= durationMonths; n++ {
		inst := &domsub.Installment{
			ID:             ids.Installment(sub.ID, n),
			SubscriptionID: sub.ID,
			MonthNumber:    n,
			DueDate:        domsub.DueDateFor(start, n),
			Status:         domsub.InstallmentPending,
		}
		if _, err := e.tables.AppendInstallment(ctx, inst); err != nil {
			return nil, err
		}
	}

	if p.ConfirmationMessageID == "" {
		p.ConfirmationMessageID = string(welcomeID)
		if err := e.tables.SavePledge(ctx, pledgeRow, p); err != nil {
			return nil, err
		}
	}

	e.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindSubscriptionCreated, TargetID: sub.ID,
		Action: "subscription created", After: string(domsub.StateActive),
		Metadata: map[string]string{
			"monthlyAmount":  money.Format(monthlyAmount),
			"durationMonths": strconv.Itoa(durationMonths),
		},
	})
	return sub, e.tables.Flush(ctx)
}

// RecordPayment records one installment payment, FIFO against the oldest
// unpaid installment, and mirrors it as a synthetic VALID receipt on the
// originating pledge. Runs inside the allocation lock because it changes
// the pledge's verified total.
func (e *Engine) RecordPayment(ctx context.Context, subscriptionID string, proof blob.Handle, amount money.Amount, receivedAt time.Time) error {
	return e.locks.WithLock(ctx, locker.LockAlloc, locker.DefaultWait, func(ctx context.Context) error {
		return e.recordPaymentLocked(ctx, subscriptionID, proof, amount, receivedAt)
	})
}

func (e *Engine) recordPaymentLocked(ctx context.Context, subscriptionID string, proof blob.Handle, amount money.Amount, receivedAt time.Time) error {
	if err := e.tables.Flush(ctx); err != nil {
		return err
	}
	sub, subRow, err := e.tables.FindSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", subscriptionID, err)
	}

	installments, err := e.tables.ListInstallmentsBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	inst := oldestUnpaid(installments)
	if inst == nil {
		e.log.Warn("payment with no open installment",
			zap.String("subscriptionId", subscriptionID))
		e.audit.Log(ctx, audit.Entry{
			Actor: actor, Kind: audit.KindAlert, TargetID: subscriptionID,
			Action: "payment received with no open installment",
			After:  money.Format(amount),
		})
		return nil
	}

	_, instRow, err := e.tables.FindInstallment(ctx, inst.ID)
	if err != nil {
		return err
	}

	now := e.clk.Now()
	receiptID := e.gen.Receipt(subscriptionID, now)

	inst.ReceiptID = receiptID
	inst.AmountReceived = amount
	inst.ReceivedDate = receivedAt
	if err := e.ledger.SetInstallmentStatus(ctx, actor, instRow, inst, domsub.InstallmentReceived); err != nil {
		return err
	}

	// The synthetic receipt keeps the pledge ladder unified.
	rec := &receipt.Receipt{
		ID:             receiptID,
		PledgeID:       subscriptionID,
		ProcessedAt:    now,
		EmailDate:      receivedAt,
		TransferDate:   e.zone.FormatDate(receivedAt),
		AmountDeclared: amount,
		AmountVerified: amount,
		Confidence:     receipt.ConfidenceHigh,
		FileHandle:     string(proof),
		Filename:       string(proof),
		Status:         receipt.StatusValid,
	}
	if _, err := e.tables.AppendReceipt(ctx, rec); err != nil {
		return err
	}
	if err := e.advancePledge(ctx, subscriptionID, amount, string(proof), now); err != nil {
		return err
	}

	sub.PaymentsReceived++
	sub.AmountReceived += amount
	sub.LastReceiptDate = receivedAt
	if sub.PaymentsReceived < sub.DurationMonths {
		sub.NextDueDate = domsub.DueDateFor(sub.StartDate, sub.PaymentsReceived+1)
	}
	if err := e.tables.SaveSubscription(ctx, subRow, sub); err != nil {
		return err
	}

	// A payment reactivates an overdue or lapsed subscription.
	if sub.Status == domsub.StateOverdue || sub.Status == domsub.StateLapsed {
		if err := e.ledger.SetSubscriptionStatus(ctx, actor, subRow, sub, domsub.StateActive); err != nil {
			return err
		}
	}

	e.sendReceiptConfirm(ctx, sub, inst, instRow, amount)

	e.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindSubscriptionPayment, TargetID: inst.ID,
		Action: "installment received", After: money.Format(amount),
		Metadata: map[string]string{"receiptId": receiptID},
	})

	if sub.PaymentsReceived == sub.DurationMonths {
		if err := e.complete(ctx, sub, subRow); err != nil {
			return err
		}
	}
	return e.tables.Flush(ctx)
}

// advancePledge applies the payment to the originating pledge exactly as
// the receipt processor would.
func (e *Engine) advancePledge(ctx context.Context, pledgeID string, amount money.Amount, proofLink string, now time.Time) error {
	p, row, err := e.tables.FindPledge(ctx, pledgeID)
	if err != nil {
		return err
	}
	p.VerifiedTotal += amount
	p.Outstanding = p.CommittedAmount - p.VerifiedTotal
	if p.Outstanding < 0 {
		p.Outstanding = 0
	}
	if proofLink != "" {
		p.ProofLink = proofLink
	} else if p.ProofLink == "" {
		// The ladder requires proof before allocation; a recorded payment
		// IS the proof even when the donor attached nothing.
		p.ProofLink = "recorded:" + pledgeID
	}
	p.DateProofReceived = now
	if err := e.tables.SavePledge(ctx, row, p); err != nil {
		return err
	}
	if err := e.tables.Flush(ctx); err != nil {
		return err
	}
	balance, err := e.ledger.PledgeBalance(ctx, p)
	if err != nil {
		return err
	}
	p.CashBalance = balance
	if err := e.tables.SavePledge(ctx, row, p); err != nil {
		return err
	}

	target := pledge.StatePartialReceipt
	if p.VerifiedTotal >= p.CommittedAmount {
		target = pledge.StateProofSubmitted
	}
	if err := e.ledger.SetPledgeStatus(ctx, actor, row, p, target); err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidTransition) {
			e.log.Warn("pledge status not advanced", zap.String("pledgeId", pledgeID), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, sub *domsub.Subscription, subRow int) error {
	if err := e.ledger.SetSubscriptionStatus(ctx, actor, subRow, sub, domsub.StateCompleted); err != nil {
		return err
	}
	id := e.sendTemplated(ctx, template.NameSubCompletion, sub, map[string]string{
		"donorName":      sub.DonorName,
		"durationMonths": strconv.Itoa(sub.DurationMonths),
		"pledgeId":       sub.ID,
	})
	if !id.IsZero() {
		sub.CompletionMessageID = string(id)
		if err := e.tables.SaveSubscription(ctx, subRow, sub); err != nil {
			return err
		}
	}
	e.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindSubscriptionCompleted, TargetID: sub.ID,
		Action: "all installments received",
		After:  strconv.Itoa(sub.PaymentsReceived),
	})
	return nil
}

// DailySweep sends due reminders and applies the overdue/lapsed/missed
// thresholds. Runs once per day at the configured local time.
func (e *Engine) DailySweep(ctx context.Context) error {
	if err := e.tables.Flush(ctx); err != nil {
		return err
	}
	subs, err := e.tables.ListSubscriptions(ctx)
	if err != nil {
		return err
	}
	now := e.clk.Now()
	for _, sub := range subs {
		switch sub.Status {
		case domsub.StateActive, domsub.StateOverdue, domsub.StateLapsed:
		default:
			continue
		}
		if err := e.sweepSubscription(ctx, sub, now); err != nil {
			e.log.Error("subscription sweep failed",
				zap.String("subscriptionId", sub.ID), zap.Error(err))
		}
	}
	return e.tables.Flush(ctx)
}

func (e *Engine) sweepSubscription(ctx context.Context, sub *domsub.Subscription, now time.Time) error {
	installments, err := e.tables.ListInstallmentsBySubscription(ctx, sub.ID)
	if err != nil {
		return err
	}

	maxDaysOverdue := 0
	for _, inst := range installments {
		if inst.Status == domsub.InstallmentReceived || inst.Status == domsub.InstallmentAllocated {
			continue
		}
		days := e.daysSince(inst.DueDate, now)
		if days < 0 {
			continue
		}
		if days > maxDaysOverdue {
			maxDaysOverdue = days
		}

		if days >= e.cfg.LapsedThresholdDays &&
			domsub.CanTransitionInstallment(inst.Status, domsub.InstallmentMissed) {
			_, row, err := e.tables.FindInstallment(ctx, inst.ID)
			if err != nil {
				continue
			}
			if err := e.ledger.SetInstallmentStatus(ctx, actor, row, inst, domsub.InstallmentMissed); err != nil {
				e.log.Warn("installment not missed", zap.String("installmentId", inst.ID), zap.Error(err))
			}
			continue
		}

		if inst.ReminderCount < e.cfg.MaxReminders && e.isReminderDay(days) {
			if err := e.sendReminder(ctx, sub, inst, days); err != nil {
				e.log.Warn("reminder failed", zap.String("installmentId", inst.ID), zap.Error(err))
			}
		}
	}

	// Subscription-level thresholds.
	var target domsub.State
	switch {
	case sub.Status == domsub.StateOverdue && maxDaysOverdue >= e.cfg.LapsedThresholdDays:
		target = domsub.StateLapsed
	case sub.Status == domsub.StateActive && maxDaysOverdue >= e.cfg.OverdueThresholdDays:
		target = domsub.StateOverdue
	default:
		return nil
	}
	_, subRow, err := e.tables.FindSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}
	if err := e.ledger.SetSubscriptionStatus(ctx, actor, subRow, sub, target); err != nil {
		return err
	}
	kind := audit.KindSubscriptionOverdue
	if target == domsub.StateLapsed {
		kind = audit.KindSubscriptionLapsed
	}
	e.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: kind, TargetID: sub.ID,
		Action: "threshold crossed", After: string(target),
		Metadata: map[string]string{"maxDaysOverdue": strconv.Itoa(maxDaysOverdue)},
	})
	return nil
}

func (e *Engine) sendReminder(ctx context.Context, sub *domsub.Subscription, inst *domsub.Installment, daysSinceDue int) error {
	name := template.NameSubReminder
	if daysSinceDue > 0 {
		name = template.NameSubOverdue
	}
	id := e.sendTemplated(ctx, name, sub, map[string]string{
		"donorName":      sub.DonorName,
		"monthNumber":    strconv.Itoa(inst.MonthNumber),
		"durationMonths": strconv.Itoa(sub.DurationMonths),
		"monthlyAmount":  money.Format(sub.MonthlyAmount),
		"dueDate":        e.zone.FormatDate(inst.DueDate),
		"pledgeId":       sub.ID,
	})
	if id.IsZero() {
		return fmt.Errorf("reminder for %s: %w", inst.ID, pkgerrors.ErrMailSendFailed)
	}

	now := e.clk.Now()
	inst.ReminderCount++
	inst.LastReminderDate = now
	inst.ReminderEmailID = string(id)
	_, row, err := e.tables.FindInstallment(ctx, inst.ID)
	if err != nil {
		return err
	}
	if err := e.ledger.SetInstallmentStatus(ctx, actor, row, inst, domsub.InstallmentReminded); err != nil {
		return err
	}

	_, subRow, err := e.tables.FindSubscription(ctx, sub.ID)
	if err == nil {
		sub.LastReminderDate = now
		if err := e.tables.SaveSubscription(ctx, subRow, sub); err != nil {
			return err
		}
	}
	e.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindSubscriptionReminder, TargetID: inst.ID,
		Action: "reminder sent",
		After:  strconv.Itoa(inst.ReminderCount),
		Metadata: map[string]string{
			"daysSinceDue": strconv.Itoa(daysSinceDue),
		},
	})
	return nil
}

// MonthlyBatch allocates every RECEIVED installment to the subscription's
// linked students via the batch allocation path, splitting the available
// balance equally across the students and annotating each resulting
// allocation with the triggering installment id. The sweep covers every
// RECEIVED installment, not only the current month's, so a skipped cycle
// catches up on the next run.
func (e *Engine) MonthlyBatch(ctx context.Context) error {
	if err := e.tables.Flush(ctx); err != nil {
		return err
	}
	installments, err := e.tables.ListInstallments(ctx)
	if err != nil {
		return err
	}

	// Group RECEIVED installments by subscription, month order preserved.
	bySub := make(map[string][]*domsub.Installment)
	var order []string
	for _, inst := range installments {
		if inst.Status != domsub.InstallmentReceived {
			continue
		}
		if _, ok := bySub[inst.SubscriptionID]; !ok {
			order = append(order, inst.SubscriptionID)
		}
		bySub[inst.SubscriptionID] = append(bySub[inst.SubscriptionID], inst)
	}

	for _, subID := range order {
		sub, _, err := e.tables.FindSubscription(ctx, subID)
		if err != nil {
			e.log.Error("batch: subscription missing", zap.String("subscriptionId", subID))
			continue
		}
		students := sub.Students()
		if len(students) == 0 {
			e.audit.Log(ctx, audit.Entry{
				Actor: actor, Kind: audit.KindAlert, TargetID: subID,
				Action: "monthly batch skipped: no linked students",
			})
			e.log.Warn("batch: no linked students", zap.String("subscriptionId", subID))
			continue
		}

		// Zero-amount targets select the equal-split path: the pledge
		// balance divides evenly across the linked students.
		targets := make([]allocate.Target, 0, len(students))
		for _, cmsID := range students {
			targets = append(targets, allocate.Target{CMSID: cmsID})
		}

		for _, inst := range bySub[subID] {
			result, err := e.alloc.ProcessBatchAllocation(ctx, []string{subID}, targets,
				allocate.BatchOptions{Actor: actor, InstallmentID: inst.ID})
			if err != nil {
				e.log.Error("batch allocation failed",
					zap.String("installmentId", inst.ID), zap.Error(err))
				continue
			}
			if len(result.Allocations) == 0 {
				e.log.Warn("batch allocation produced nothing",
					zap.String("installmentId", inst.ID))
				continue
			}
			_, row, err := e.tables.FindInstallment(ctx, inst.ID)
			if err != nil {
				continue
			}
			if err := e.ledger.SetInstallmentStatus(ctx, actor, row, inst, domsub.InstallmentAllocated); err != nil {
				e.log.Warn("installment not marked allocated",
					zap.String("installmentId", inst.ID), zap.Error(err))
				continue
			}
			e.audit.Log(ctx, audit.Entry{
				Actor: actor, Kind: audit.KindSubscriptionBatch, TargetID: inst.ID,
				Action: "installment allocated", After: result.BatchID,
			})
		}
	}
	return e.tables.Flush(ctx)
}

func (e *Engine) sendWelcome(ctx context.Context, sub *domsub.Subscription) (mailmsg.MessageID, error) {
	t, err := e.tmpl.Get(template.NameSubWelcome)
	if err != nil {
		return "", err
	}
	rendered := template.Render(t, map[string]string{
		"donorName":      sub.DonorName,
		"monthlyAmount":  money.Format(sub.MonthlyAmount),
		"durationMonths": strconv.Itoa(sub.DurationMonths),
		"firstDueDate":   e.zone.FormatDate(sub.NextDueDate),
		"pledgeId":       sub.ID,
	})
	return e.mail.Send(ctx, mailgw.Outbound{
		To:       []string{sub.DonorEmail},
		CC:       e.cfg.AlwaysCC,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	})
}

func (e *Engine) sendReceiptConfirm(ctx context.Context, sub *domsub.Subscription, inst *domsub.Installment, instRow int, amount money.Amount) {
	id := e.sendTemplated(ctx, template.NameSubReceiptConfirm, sub, map[string]string{
		"donorName":      sub.DonorName,
		"monthNumber":    strconv.Itoa(inst.MonthNumber),
		"durationMonths": strconv.Itoa(sub.DurationMonths),
		"amount":         money.Format(amount),
		"pledgeId":       sub.ID,
	})
	if id.IsZero() {
		return
	}
	inst.ReceiptConfirmID = string(id)
	if err := e.tables.SaveInstallment(ctx, instRow, inst); err != nil {
		e.log.Warn("receipt confirm id not stored",
			zap.String("installmentId", inst.ID), zap.Error(err))
	}
}

// sendTemplated sends a donor mail threaded onto the welcome thread.
// Failures are logged and return a zero id; subscription mails are
// courtesy, never ledger-critical, except the welcome itself.
func (e *Engine) sendTemplated(ctx context.Context, name string, sub *domsub.Subscription, vars map[string]string) mailmsg.MessageID {
	t, err := e.tmpl.Get(name)
	if err != nil {
		e.log.Warn("template missing", zap.String("template", name), zap.Error(err))
		return ""
	}
	rendered := template.Render(t, vars)
	var priors []mailmsg.MessageID
	if sub.WelcomeMessageID != "" {
		priors = append(priors, mailmsg.MessageID(sub.WelcomeMessageID))
	}
	id, err := e.mail.SendOrReply(ctx, mailgw.Outbound{
		To:       []string{sub.DonorEmail},
		CC:       e.cfg.AlwaysCC,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	}, priors)
	if err != nil {
		e.log.Warn("subscription mail failed", zap.String("template", name), zap.Error(err))
		return ""
	}
	return id
}

func (e *Engine) isReminderDay(daysSinceDue int) bool {
	for _, d := range e.cfg.ReminderDays {
		if d == daysSinceDue {
			return true
		}
	}
	return false
}

// daysSince counts whole display-zone days from due to now; negative
// before the due date.
func (e *Engine) daysSince(due, now time.Time) int {
	d := e.zone.StartOfDay(now).Sub(e.zone.StartOfDay(due))
	return int(d.Hours() / 24)
}

// oldestUnpaid returns the FIFO match for a payment, or nil when every
// installment is already received or allocated.
func oldestUnpaid(installments []*domsub.Installment) *domsub.Installment {
	var best *domsub.Installment
	for _, inst := range installments {
		switch inst.Status {
		case domsub.InstallmentPending, domsub.InstallmentReminded, domsub.InstallmentMissed:
		default:
			continue
		}
		if best == nil || inst.MonthNumber < best.MonthNumber {
			best = inst
		}
	}
	return best
}
