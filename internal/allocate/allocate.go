// Package allocate implements the allocation service: the only code path
// that moves money from a pledge to a beneficiary.
//
// Both entry points run inside the "alloc" named lock and observe the
// commit-last property: every outbound email is sent before any row is
// appended, so an aborted transaction mutates nothing. An email that went
// out before a failed append is surfaced as an ORPHAN_EMAIL alert for
// operator reconciliation.
package allocate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pledgeledger/internal/audit"
	"pledgeledger/internal/blob"
	"pledgeledger/internal/config"
	"pledgeledger/internal/ledger"
	"pledgeledger/internal/locker"
	"pledgeledger/internal/mailgw"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/internal/template"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/allocation"
	"pledgeledger/pkg/domain/mailmsg"
	"pledgeledger/pkg/domain/pledge"
	"pledgeledger/pkg/domain/receipt"
	pkgerrors "pledgeledger/pkg/errors"
	"pledgeledger/pkg/ids"
	"pledgeledger/pkg/money"
)

// Service is the allocation engine.
type Service struct {
	tables *sheetstore.Tables
	ledger *ledger.Engine
	locks  locker.Locker
	mail   mailgw.Gateway
	tmpl   template.Registry
	blobs  blob.Store
	audit  audit.Logger
	clk    clock.Clock
	zone   clock.Zone
	gen    *ids.Generator
	cfg    config.Config
	log    *zap.Logger
}

// New wires the allocation service.
func New(tables *sheetstore.Tables, ldg *ledger.Engine, locks locker.Locker,
	mail mailgw.Gateway, tmpl template.Registry, blobs blob.Store,
	auditLog audit.Logger, clk clock.Clock, zone clock.Zone,
	gen *ids.Generator, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		tables: tables, ledger: ldg, locks: locks, mail: mail, tmpl: tmpl,
		blobs: blobs, audit: auditLog, clk: clk, zone: zone, gen: gen,
		cfg: cfg, log: log,
	}
}

// Target is one beneficiary in a batch. Amount 0 means equal split of
// available funds.
type Target struct {
	CMSID  string
	Amount money.Amount
}

// BatchOptions annotates a batch run.
type BatchOptions struct {
	Actor string
	// InstallmentID links every allocation of the batch back to the
	// subscription installment that funded it.
	InstallmentID string
}

// BatchResult reports what a batch committed.
type BatchResult struct {
	BatchID     string
	Allocations []*allocation.Allocation
}

// ProcessAllocation allocates amount from a pledge to a beneficiary.
// rawAmount is human-entered and is sanitized here. Returns the new
// allocation id.
func (s *Service) ProcessAllocation(ctx context.Context, actor, pledgeID, cmsID, rawAmount string) (string, error) {
	var allocID string
	err := s.locks.WithLock(ctx, locker.LockAlloc, locker.DefaultWait, func(ctx context.Context) error {
		var err error
		allocID, err = s.allocateLocked(ctx, actor, pledgeID, cmsID, rawAmount)
		return err
	})
	return allocID, err
}

func (s *Service) allocateLocked(ctx context.Context, actor, pledgeID, cmsID, rawAmount string) (string, error) {
	amount, err := money.Parse(rawAmount)
	if err != nil {
		return "", fmt.Errorf("allocation amount: %w", pkgerrors.ErrInvalidAmount)
	}
	if strings.TrimSpace(cmsID) == "" {
		return "", fmt.Errorf("allocation: empty cmsId: %w", pkgerrors.ErrUnknownStudent)
	}

	// Writes from other sections must be visible before the balance read.
	if err := s.tables.Flush(ctx); err != nil {
		return "", err
	}

	p, pledgeRow, err := s.tables.FindPledge(ctx, pledgeID)
	if err != nil {
		return "", fmt.Errorf("pledge %s: %w", pledgeID, err)
	}
	if !p.HasProof() {
		return "", fmt.Errorf("pledge %s: %w", pledgeID, pkgerrors.ErrNoProof)
	}

	balance, err := s.ledger.PledgeBalance(ctx, p)
	if err != nil {
		return "", err
	}
	if amount > balance {
		return "", fmt.Errorf("pledge %s: requested %s, balance %s: %w",
			pledgeID, money.Format(amount), money.Format(balance), pkgerrors.ErrInsufficientFunds)
	}

	need, err := s.ledger.StudentNeed(ctx, cmsID)
	if err != nil {
		return "", err
	}
	if amount > need {
		return "", fmt.Errorf("student %s: requested %s, need %s: %w",
			cmsID, money.Format(amount), money.Format(need), pkgerrors.ErrExceedsNeed)
	}

	artifacts, err := s.gatherReceiptArtifacts(ctx, p)
	if err != nil {
		return "", err
	}

	now := s.clk.Now()
	allocID := s.gen.Allocation(now)

	hostelID, err := s.sendHostelIntimation(ctx, p, cmsID, amount, allocID, artifacts)
	if err != nil {
		s.audit.Log(ctx, audit.Entry{
			Actor: actor, Kind: audit.KindAlert, TargetID: pledgeID,
			Action: "hostel intimation send failed", After: err.Error(),
		})
		return "", fmt.Errorf("hostel intimation for %s: %w", pledgeID, pkgerrors.ErrMailSendFailed)
	}

	// Non-fatal: the donor learns about the allocation, but the ledger
	// does not depend on this mail.
	donorID := s.sendDonorIntermediate(ctx, p, amount)

	alloc := &allocation.Allocation{
		ID:                        allocID,
		CMSID:                     cmsID,
		PledgeID:                  pledgeID,
		VerifiedTotalAtCommit:     p.VerifiedTotal,
		Amount:                    amount,
		CreatedAt:                 now,
		Status:                    allocation.StatePendingHostel,
		HostelIntimationMessageID: string(hostelID),
		HostelIntimationDate:      now,
		DonorAllocMessageID:       string(donorID),
		DonorAllocDate:            now,
	}
	if _, err := s.tables.AppendAllocation(ctx, alloc); err != nil {
		s.audit.Log(ctx, audit.Entry{
			Actor: actor, Kind: audit.KindAlert, TargetID: allocID,
			Action: "orphan email: allocation append failed after send",
			After:  err.Error(),
		})
		return "", fmt.Errorf("allocation %s append: %v: %w", allocID, err, pkgerrors.ErrOrphanEmail)
	}

	target := pledge.StatePartiallyAllocated
	if amount == balance {
		target = pledge.StateFullyAllocated
	}
	if err := s.setPledgeStatusVia(ctx, actor, pledgeRow, p, target); err != nil {
		return "", err
	}

	s.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindAllocation, TargetID: allocID,
		Action: "allocate", After: string(allocation.StatePendingHostel),
		Metadata: map[string]string{
			"pledgeId": pledgeID,
			"cmsId":    cmsID,
			"amount":   money.Format(amount),
		},
	})
	if err := s.tables.Flush(ctx); err != nil {
		return "", err
	}
	if err := s.ledger.ResyncStudentTotals(ctx, cmsID); err != nil {
		s.log.Warn("student totals resync failed", zap.String("cmsId", cmsID), zap.Error(err))
	}
	if err := s.tables.Flush(ctx); err != nil {
		return "", err
	}
	return allocID, nil
}

// ProcessBatchAllocation distributes the pledges' available funds over the
// targets, sends one consolidated hostel intimation and per-pledge donor
// mails, and appends all allocation rows under a shared batch id.
func (s *Service) ProcessBatchAllocation(ctx context.Context, pledgeIDs []string, targets []Target, opts BatchOptions) (*BatchResult, error) {
	var result *BatchResult
	err := s.locks.WithLock(ctx, locker.LockAlloc, locker.DefaultWait, func(ctx context.Context) error {
		var err error
		result, err = s.batchLocked(ctx, pledgeIDs, targets, opts)
		return err
	})
	return result, err
}

// plannedTransfer is one (pledge, student) pair of the distribution plan.
type plannedTransfer struct {
	p         *pledge.Pledge
	pledgeRow int
	cmsID     string
	amount    money.Amount
}

func (s *Service) batchLocked(ctx context.Context, pledgeIDs []string, targets []Target, opts BatchOptions) (*BatchResult, error) {
	if err := s.tables.Flush(ctx); err != nil {
		return nil, err
	}

	// Load pledges in input order. A missing pledge aborts; a pledge
	// without proof or balance is skipped, it simply cannot contribute.
	type source struct {
		p         *pledge.Pledge
		row       int
		remaining money.Amount
	}
	var sources []*source
	var totalAvailable money.Amount
	for _, id := range pledgeIDs {
		p, row, err := s.tables.FindPledge(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("pledge %s: %w", id, err)
		}
		if !p.HasProof() {
			s.log.Warn("batch: pledge skipped, no proof", zap.String("pledgeId", id))
			continue
		}
		balance, err := s.ledger.PledgeBalance(ctx, p)
		if err != nil {
			return nil, err
		}
		if balance <= 0 {
			s.log.Warn("batch: pledge skipped, no balance", zap.String("pledgeId", id))
			continue
		}
		sources = append(sources, &source{p: p, row: row, remaining: balance})
		totalAvailable += balance
	}

	// Normalize targets: dedupe by student, resolve needs, drop satisfied
	// students. A repeated cmsId merges into a single goal, so one student
	// can never be funded past their need.
	type goal struct {
		cmsID     string
		remaining money.Amount
	}
	var order []string
	seen := make(map[string]bool, len(targets))
	explicitAmounts := make(map[string]money.Amount)
	explicit := false
	for _, t := range targets {
		if !seen[t.CMSID] {
			seen[t.CMSID] = true
			order = append(order, t.CMSID)
		}
		if t.Amount > 0 {
			explicit = true
			explicitAmounts[t.CMSID] += t.Amount
		}
	}
	var goals []*goal
	for _, cmsID := range order {
		need, err := s.ledger.StudentNeed(ctx, cmsID)
		if err != nil {
			return nil, err
		}
		if need <= 0 {
			s.log.Info("batch: student skipped, no need", zap.String("cmsId", cmsID))
			continue
		}
		g := &goal{cmsID: cmsID, remaining: need}
		if limit := explicitAmounts[cmsID]; limit > 0 && limit < g.remaining {
			g.remaining = limit
		}
		goals = append(goals, g)
	}
	if !explicit && len(goals) > 0 {
		share := totalAvailable / int64(len(goals))
		for _, g := range goals {
			if share < g.remaining {
				g.remaining = share
			}
		}
	}

	// Greedy distribution, deterministic in input order.
	var plan []plannedTransfer
	for _, g := range goals {
		for _, src := range sources {
			if g.remaining == 0 {
				break
			}
			if src.remaining == 0 {
				continue
			}
			take := src.remaining
			if g.remaining < take {
				take = g.remaining
			}
			src.remaining -= take
			g.remaining -= take
			plan = append(plan, plannedTransfer{p: src.p, pledgeRow: src.row, cmsID: g.cmsID, amount: take})
		}
	}
	if len(plan) == 0 {
		s.log.Warn("batch: nothing to allocate",
			zap.Int("pledges", len(sources)), zap.Int("students", len(goals)))
		return &BatchResult{}, nil
	}

	now := s.clk.Now()
	batchID := ids.Batch(now)

	// One consolidated hostel mail; its failure aborts the whole batch
	// before any row exists.
	hostelID, err := s.sendBatchIntimation(ctx, batchID, plan)
	if err != nil {
		s.audit.Log(ctx, audit.Entry{
			Actor: opts.Actor, Kind: audit.KindAlert, TargetID: batchID,
			Action: "batch hostel intimation send failed", After: err.Error(),
		})
		return nil, fmt.Errorf("batch %s hostel intimation: %w", batchID, pkgerrors.ErrMailSendFailed)
	}

	// Per-pledge donor mails, non-fatal.
	perPledge := make(map[string]money.Amount)
	for _, tr := range plan {
		perPledge[tr.p.ID] += tr.amount
	}
	donorIDs := make(map[string]mailmsg.MessageID)
	seenPledge := make(map[string]bool)
	for _, tr := range plan {
		if seenPledge[tr.p.ID] {
			continue
		}
		seenPledge[tr.p.ID] = true
		donorIDs[tr.p.ID] = s.sendDonorIntermediate(ctx, tr.p, perPledge[tr.p.ID])
	}

	result := &BatchResult{BatchID: batchID}
	for _, tr := range plan {
		alloc := &allocation.Allocation{
			ID:                        s.gen.Allocation(now),
			CMSID:                     tr.cmsID,
			PledgeID:                  tr.p.ID,
			VerifiedTotalAtCommit:     tr.p.VerifiedTotal,
			Amount:                    tr.amount,
			CreatedAt:                 now,
			Status:                    allocation.StatePendingHostel,
			HostelIntimationMessageID: string(hostelID),
			HostelIntimationDate:      now,
			DonorAllocMessageID:       string(donorIDs[tr.p.ID]),
			DonorAllocDate:            now,
			BatchID:                   batchID,
			InstallmentID:             opts.InstallmentID,
		}
		if _, err := s.tables.AppendAllocation(ctx, alloc); err != nil {
			s.audit.Log(ctx, audit.Entry{
				Actor: opts.Actor, Kind: audit.KindAlert, TargetID: batchID,
				Action: "orphan email: batch append failed after send",
				After:  err.Error(),
			})
			return nil, fmt.Errorf("batch %s append: %v: %w", batchID, err, pkgerrors.ErrOrphanEmail)
		}
		result.Allocations = append(result.Allocations, alloc)
		s.audit.Log(ctx, audit.Entry{
			Actor: opts.Actor, Kind: audit.KindAllocation, TargetID: alloc.ID,
			Action: "batch allocate", After: string(allocation.StatePendingHostel),
			Metadata: map[string]string{
				"pledgeId": tr.p.ID,
				"cmsId":    tr.cmsID,
				"amount":   money.Format(tr.amount),
				"batchId":  batchID,
			},
		})
	}

	// Pledge statuses per remaining balance.
	for _, src := range sources {
		if perPledge[src.p.ID] == 0 {
			continue
		}
		target := pledge.StatePartiallyAllocated
		if src.remaining == 0 {
			target = pledge.StateFullyAllocated
		}
		if err := s.setPledgeStatusVia(ctx, opts.Actor, src.row, src.p, target); err != nil {
			return nil, err
		}
	}

	if err := s.tables.Flush(ctx); err != nil {
		return nil, err
	}
	resynced := make(map[string]bool)
	for _, tr := range plan {
		if resynced[tr.cmsID] {
			continue
		}
		resynced[tr.cmsID] = true
		if err := s.ledger.ResyncStudentTotals(ctx, tr.cmsID); err != nil {
			s.log.Warn("student totals resync failed", zap.String("cmsId", tr.cmsID), zap.Error(err))
		}
	}
	if err := s.tables.Flush(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// setPledgeStatusVia commits the status change, stepping through
// PARTIALLY_ALLOCATED when the ladder has no direct edge (a pledge whose
// whole balance is allocated straight from PROOF_SUBMITTED).
func (s *Service) setPledgeStatusVia(ctx context.Context, actor string, rowIndex int, p *pledge.Pledge, target pledge.State) error {
	if p.Status == target {
		return nil
	}
	if pledge.CanTransition(p.Status, target) {
		return s.ledger.SetPledgeStatus(ctx, actor, rowIndex, p, target)
	}
	if pledge.CanTransition(p.Status, pledge.StatePartiallyAllocated) &&
		pledge.CanTransition(pledge.StatePartiallyAllocated, target) {
		if err := s.ledger.SetPledgeStatus(ctx, actor, rowIndex, p, pledge.StatePartiallyAllocated); err != nil {
			return err
		}
		return s.ledger.SetPledgeStatus(ctx, actor, rowIndex, p, target)
	}
	return s.ledger.SetPledgeStatus(ctx, actor, rowIndex, p, target)
}

// receiptArtifacts aggregates the verified-receipt evidence attached to a
// hostel intimation.
type receiptArtifacts struct {
	transferDates string
	attachments   []mailmsg.Attachment
}

func (s *Service) gatherReceiptArtifacts(ctx context.Context, p *pledge.Pledge) (receiptArtifacts, error) {
	receipts, err := s.tables.ListReceiptsByPledge(ctx, p.ID)
	if err != nil {
		return receiptArtifacts{}, err
	}
	var arts receiptArtifacts
	var dates []string
	seenDate := make(map[string]bool)
	for _, r := range receipts {
		if r.Status != receipt.StatusValid {
			continue
		}
		if r.TransferDate != "" && !seenDate[r.TransferDate] {
			seenDate[r.TransferDate] = true
			dates = append(dates, r.TransferDate)
		}
		if r.FileHandle == "" {
			continue
		}
		data, err := s.blobs.Get(ctx, blob.Handle(r.FileHandle))
		if err != nil {
			s.log.Warn("receipt blob missing",
				zap.String("receiptId", r.ID), zap.String("handle", r.FileHandle))
			continue
		}
		arts.attachments = append(arts.attachments, mailmsg.Attachment{
			Filename: r.Filename,
			MIMEType: mimeForFilename(r.Filename),
			Data:     data,
		})
	}
	arts.transferDates = strings.Join(dates, ", ")
	return arts, nil
}

func (s *Service) sendHostelIntimation(ctx context.Context, p *pledge.Pledge, cmsID string, amount money.Amount, allocID string, arts receiptArtifacts) (mailmsg.MessageID, error) {
	t, err := s.tmpl.Get(template.NameHostelIntimation)
	if err != nil {
		return "", err
	}
	rendered := template.Render(t, map[string]string{
		"studentId":     cmsID,
		"amount":        money.Format(amount),
		"transferDates": arts.transferDates,
		"verifiedTotal": money.Format(p.VerifiedTotal),
		"allocId":       allocID,
		"refId":         p.ID,
	})
	msg := mailgw.ApplyAttachmentCap(mailgw.Outbound{
		To:           []string{s.cfg.HostelEmail},
		CC:           s.cfg.AlwaysCC,
		Subject:      rendered.Subject,
		HTMLBody:     rendered.HTMLBody,
		Attachments:  arts.attachments,
		OverflowLink: s.blobs.FolderLink(),
	})
	return s.mail.Send(ctx, msg)
}

func (s *Service) sendBatchIntimation(ctx context.Context, batchID string, plan []plannedTransfer) (mailmsg.MessageID, error) {
	t, err := s.tmpl.Get(template.NameHostelBatch)
	if err != nil {
		return "", err
	}
	rendered := template.Render(t, map[string]string{
		"refId":        batchID,
		"donorTable":   donorTable(plan),
		"studentTable": studentTable(plan),
	})
	msg := mailgw.Outbound{
		To:       []string{s.cfg.HostelEmail},
		CC:       s.cfg.AlwaysCC,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	}
	return s.mail.Send(ctx, msg)
}

// sendDonorIntermediate tells the donor their money moved. Threaded to the
// receipt thread when possible, then the confirmation thread, else fresh.
// Failures never abort the allocation.
func (s *Service) sendDonorIntermediate(ctx context.Context, p *pledge.Pledge, amount money.Amount) mailmsg.MessageID {
	t, err := s.tmpl.Get(template.NameDonorIntermediate)
	if err != nil {
		s.log.Warn("donor intermediate template missing", zap.Error(err))
		return ""
	}
	rendered := template.Render(t, map[string]string{
		"donorName": p.DonorName,
		"amount":    money.Format(amount),
		"pledgeId":  p.ID,
	})
	var priors []mailmsg.MessageID
	if p.ReceiptMessageID != "" {
		priors = append(priors, mailmsg.MessageID(p.ReceiptMessageID))
	}
	if p.ConfirmationMessageID != "" {
		priors = append(priors, mailmsg.MessageID(p.ConfirmationMessageID))
	}
	id, err := s.mail.SendOrReply(ctx, mailgw.Outbound{
		To:       []string{p.DonorEmail},
		CC:       s.cfg.CCFor(p.Chapter),
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	}, priors)
	if err != nil {
		s.log.Warn("donor intermediate send failed",
			zap.String("pledgeId", p.ID), zap.Error(err))
		return ""
	}
	return id
}

func donorTable(plan []plannedTransfer) string {
	totals := make(map[string]money.Amount)
	var order []string
	names := make(map[string]string)
	for _, tr := range plan {
		if _, ok := totals[tr.p.ID]; !ok {
			order = append(order, tr.p.ID)
			names[tr.p.ID] = tr.p.DonorName
		}
		totals[tr.p.ID] += tr.amount
	}
	var b strings.Builder
	b.WriteString(`<table border="1" cellpadding="4"><tr><th>Donor</th><th>Pledge</th><th>Amount</th></tr>`)
	for _, id := range order {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>",
			names[id], id, money.Format(totals[id]))
	}
	b.WriteString("</table>")
	return b.String()
}

func studentTable(plan []plannedTransfer) string {
	totals := make(map[string]money.Amount)
	var order []string
	for _, tr := range plan {
		if _, ok := totals[tr.cmsID]; !ok {
			order = append(order, tr.cmsID)
		}
		totals[tr.cmsID] += tr.amount
	}
	var b strings.Builder
	b.WriteString(`<table border="1" cellpadding="4"><tr><th>Student</th><th>Amount</th></tr>`)
	for _, id := range order {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>", id, money.Format(totals[id]))
	}
	b.WriteString("</table>")
	return b.String()
}

func mimeForFilename(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".heic"):
		return "image/heic"
	case strings.HasSuffix(lower, ".heif"):
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
