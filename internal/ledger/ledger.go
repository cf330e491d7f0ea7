// Package ledger provides real-time balance/need computation and the
// state-transition guard.
//
// Derived aggregates are never trusted from cached columns alone: every
// critical read recomputes them from the authoritative allocation rows,
// observing all writes up to the last Flush. Callers inside a critical
// section must therefore Flush before calling in.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"pledgeledger/internal/audit"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/pkg/domain/allocation"
	"pledgeledger/pkg/domain/beneficiary"
	"pledgeledger/pkg/domain/pledge"
	"pledgeledger/pkg/domain/subscription"
	pkgerrors "pledgeledger/pkg/errors"
	"pledgeledger/pkg/money"
)

// Engine computes balances and guards status transitions.
type Engine struct {
	tables *sheetstore.Tables
	audit  audit.Logger
}

// New returns a ledger engine.
func New(tables *sheetstore.Tables, auditLog audit.Logger) *Engine {
	return &Engine{tables: tables, audit: auditLog}
}

// PledgeBalance returns verifiedTotal − Σ allocations for the pledge.
// p is the already-loaded pledge row; the allocation sheet is read in
// full so the result reflects every committed allocation.
func (e *Engine) PledgeBalance(ctx context.Context, p *pledge.Pledge) (money.Amount, error) {
	allocs, err := e.tables.ListAllocationsByPledge(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	balance := p.VerifiedTotal
	for _, a := range allocs {
		if a.Status == allocation.StateCancelled {
			continue
		}
		balance -= a.Amount
	}
	return balance, nil
}

// StudentNeed returns totalDue − Σ allocations for the beneficiary, or
// ErrUnknownStudent if no such beneficiary exists.
func (e *Engine) StudentNeed(ctx context.Context, cmsID string) (money.Amount, error) {
	student, _, err := e.tables.FindStudent(ctx, cmsID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return 0, fmt.Errorf("student %s: %w", cmsID, pkgerrors.ErrUnknownStudent)
		}
		return 0, err
	}
	allocs, err := e.tables.ListAllocationsByStudent(ctx, cmsID)
	if err != nil {
		return 0, err
	}
	need := student.TotalDue
	for _, a := range allocs {
		if a.Status == allocation.StateCancelled {
			continue
		}
		need -= a.Amount
	}
	return need, nil
}

// SetPledgeStatus validates and commits a pledge status change, emitting
// STATUS_CHANGE. An illegal edge fails with ErrInvalidTransition and
// writes nothing.
func (e *Engine) SetPledgeStatus(ctx context.Context, actor string, rowIndex int, p *pledge.Pledge, to pledge.State) error {
	if p.Status == to {
		return nil
	}
	if !pledge.CanTransition(p.Status, to) {
		return fmt.Errorf("pledge %s: %s -> %s: %w",
			p.ID, p.Status, to, pkgerrors.ErrInvalidTransition)
	}
	before := p.Status
	p.Status = to
	if err := e.tables.SavePledge(ctx, rowIndex, p); err != nil {
		p.Status = before
		return err
	}
	e.audit.Log(ctx, audit.Entry{
		Actor:    actor,
		Kind:     audit.KindStatusChange,
		TargetID: p.ID,
		Action:   "pledge status",
		Before:   string(before),
		After:    string(to),
	})
	return nil
}

// SetAllocationStatus validates and commits an allocation status change.
func (e *Engine) SetAllocationStatus(ctx context.Context, actor string, rowIndex int, a *allocation.Allocation, to allocation.State) error {
	if a.Status == to {
		return nil
	}
	if !allocation.CanTransition(a.Status, to) {
		return fmt.Errorf("allocation %s: %s -> %s: %w",
			a.ID, a.Status, to, pkgerrors.ErrInvalidTransition)
	}
	before := a.Status
	a.Status = to
	if err := e.tables.SaveAllocation(ctx, rowIndex, a); err != nil {
		a.Status = before
		return err
	}
	e.audit.Log(ctx, audit.Entry{
		Actor:    actor,
		Kind:     audit.KindStatusChange,
		TargetID: a.ID,
		Action:   "allocation status",
		Before:   string(before),
		After:    string(to),
	})
	return nil
}

// SetSubscriptionStatus validates and commits a subscription status
// change.
func (e *Engine) SetSubscriptionStatus(ctx context.Context, actor string, rowIndex int, s *subscription.Subscription, to subscription.State) error {
	if s.Status == to {
		return nil
	}
	if !subscription.CanTransition(s.Status, to) {
		return fmt.Errorf("subscription %s: %s -> %s: %w",
			s.ID, s.Status, to, pkgerrors.ErrInvalidTransition)
	}
	before := s.Status
	s.Status = to
	if err := e.tables.SaveSubscription(ctx, rowIndex, s); err != nil {
		s.Status = before
		return err
	}
	e.audit.Log(ctx, audit.Entry{
		Actor:    actor,
		Kind:     audit.KindStatusChange,
		TargetID: s.ID,
		Action:   "subscription status",
		Before:   string(before),
		After:    string(to),
	})
	return nil
}

// SetInstallmentStatus validates and commits an installment status
// change.
func (e *Engine) SetInstallmentStatus(ctx context.Context, actor string, rowIndex int, inst *subscription.Installment, to subscription.InstallmentState) error {
	if inst.Status == to {
		return nil
	}
	if !subscription.CanTransitionInstallment(inst.Status, to) {
		return fmt.Errorf("installment %s: %s -> %s: %w",
			inst.ID, inst.Status, to, pkgerrors.ErrInvalidTransition)
	}
	before := inst.Status
	inst.Status = to
	if err := e.tables.SaveInstallment(ctx, rowIndex, inst); err != nil {
		inst.Status = before
		return err
	}
	e.audit.Log(ctx, audit.Entry{
		Actor:    actor,
		Kind:     audit.KindStatusChange,
		TargetID: inst.ID,
		Action:   "installment status",
		Before:   string(before),
		After:    string(to),
	})
	return nil
}

// ResyncStudentTotals recomputes amountCleared/pendingAmount for a
// beneficiary from the authoritative allocation rows. Run after every
// allocation commit.
func (e *Engine) ResyncStudentTotals(ctx context.Context, cmsID string) error {
	student, rowIndex, err := e.tables.FindStudent(ctx, cmsID)
	if err != nil {
		return err
	}
	allocs, err := e.tables.ListAllocationsByStudent(ctx, cmsID)
	if err != nil {
		return err
	}
	var cleared money.Amount
	for _, a := range allocs {
		if a.Status == allocation.StateCancelled {
			continue
		}
		cleared += a.Amount
	}
	student.AmountCleared = cleared
	student.PendingAmount = student.TotalDue - cleared
	if student.PendingAmount < 0 {
		student.PendingAmount = 0
	}
	if student.PendingAmount == 0 {
		student.Status = beneficiary.StateFullyFunded
	}
	return e.tables.SaveStudent(ctx, rowIndex, student)
}

// PledgeFullyVerified reports whether every non-cancelled allocation of
// the pledge is at or past HOSTEL_VERIFIED. Used by the watchdog to
// decide closure.
func (e *Engine) PledgeFullyVerified(ctx context.Context, pledgeID string) (bool, error) {
	allocs, err := e.tables.ListAllocationsByPledge(ctx, pledgeID)
	if err != nil {
		return false, err
	}
	if len(allocs) == 0 {
		return false, nil
	}
	for _, a := range allocs {
		switch a.Status {
		case allocation.StateHostelVerified, allocation.StateStudentVerification,
			allocation.StateCompleted, allocation.StateCancelled:
		default:
			return false, nil
		}
	}
	return true, nil
}
