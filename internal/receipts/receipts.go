// Package receipts implements the scheduled Receipt Processor.
//
// The agent drains threads labeled Receipts/To-Process, extracts transfer
// proofs through the oracle, records receipts and advances the pledge
// status ladder. It is idempotent with respect to labels: a processed
// thread loses the To-Process label and is never picked up again, and a
// thread left unlabeled (oracle null) is retried on the next cycle.
//
// The processor does NOT take the allocation lock: its writes only ever
// increase verified totals, which cannot break the allocation invariant.
package receipts

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pledgeledger/internal/audit"
	"pledgeledger/internal/blob"
	"pledgeledger/internal/config"
	"pledgeledger/internal/ledger"
	"pledgeledger/internal/mailgw"
	"pledgeledger/internal/oracle"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/mailmsg"
	"pledgeledger/pkg/domain/pledge"
	"pledgeledger/pkg/domain/receipt"
	pkgerrors "pledgeledger/pkg/errors"
	"pledgeledger/pkg/ids"
	"pledgeledger/pkg/money"
)

// Thread labels owned by the processor.
const (
	LabelToProcess    = "Receipts/To-Process"
	LabelProcessed    = "Receipts/Processed"
	LabelDonorQuery   = "Donor-Query"
	LabelManualReview = "Manual-Review"
)

const actor = "receipt-processor"

// PaymentRecorder is the subscription engine's payment entry point, seen
// from this agent's side.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, subscriptionID string, proof blob.Handle, amount money.Amount, receivedAt time.Time) error
}

// Processor is the receipt agent.
type Processor struct {
	tables *sheetstore.Tables
	ledger *ledger.Engine
	mail   mailgw.Gateway
	oracle oracle.Oracle
	blobs  blob.Store
	audit  audit.Logger
	clk    clock.Clock
	gen    *ids.Generator
	cfg    config.Config
	subs   PaymentRecorder
	log    *zap.Logger
}

// New wires the processor. subs may be nil when no subscriptions exist.
func New(tables *sheetstore.Tables, ldg *ledger.Engine, mail mailgw.Gateway,
	orc oracle.Oracle, blobs blob.Store, auditLog audit.Logger,
	clk clock.Clock, gen *ids.Generator, cfg config.Config,
	subs PaymentRecorder, log *zap.Logger) *Processor {
	return &Processor{
		tables: tables, ledger: ldg, mail: mail, oracle: orc, blobs: blobs,
		audit: auditLog, clk: clk, gen: gen, cfg: cfg, subs: subs, log: log,
	}
}

// Run executes one sweep. Per-thread failures are logged and do not stop
// the sweep.
func (p *Processor) Run(ctx context.Context) error {
	threads, err := p.mail.SearchThreads(ctx, mailgw.Query{Label: LabelToProcess})
	if err != nil {
		return err
	}
	for _, t := range threads {
		if err := p.processThread(ctx, t); err != nil {
			p.log.Error("receipt thread failed",
				zap.String("threadId", t.ID), zap.Error(err))
		}
	}
	return nil
}

func (p *Processor) processThread(ctx context.Context, t *mailmsg.Thread) error {
	newest := t.Newest()
	if newest == nil {
		return p.markProcessed(ctx, t.ID)
	}

	pledgeID := mailmsg.LastPledgeID(newest.Subject)
	if pledgeID == "" {
		p.log.Info("no pledge reference in subject", zap.String("threadId", t.ID))
		return p.markProcessed(ctx, t.ID)
	}

	// Institutional senders belong to the watchdog; drop only our label.
	if p.isInternalSender(newest.From) {
		return p.mail.RemoveLabel(ctx, t.ID, LabelToProcess)
	}

	pl, pledgeRow, err := p.tables.FindPledge(ctx, pledgeID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			p.log.Warn("referenced pledge missing", zap.String("pledgeId", pledgeID))
			return p.markProcessed(ctx, t.ID)
		}
		return err
	}

	// Recurring pledges route to the subscription engine.
	if sub, _, err := p.tables.FindSubscription(ctx, pledgeID); err == nil {
		if err := p.routeSubscriptionPayment(ctx, sub.ID, sub.MonthlyAmount, newest); err != nil {
			return err
		}
		return p.markProcessed(ctx, t.ID)
	} else if !errors.Is(err, pkgerrors.ErrNotFound) {
		return err
	}

	tc := mailgw.BuildThreadContext(t, 0)
	analysis := p.oracle.ExtractReceipts(ctx, oracle.ExtractRequest{
		EmailText:      tc.Combined,
		Attachments:    newest.Attachments,
		PledgeDate:     pl.SubmittedAt,
		EmailDate:      newest.Date,
		ExpectedAmount: pl.CommittedAmount,
	})
	p.journalAICall(ctx, pledgeID, analysis)
	if analysis == nil {
		// Retry next cycle; the thread keeps its To-Process label.
		p.log.Warn("oracle null, thread deferred",
			zap.String("pledgeId", pledgeID), zap.String("threadId", t.ID))
		return nil
	}

	if analysis.Category == oracle.CategoryQuestion {
		return p.routeQuestion(ctx, t, pl, pledgeRow, analysis)
	}
	if len(analysis.ValidReceipts) == 0 {
		if err := p.mail.AddLabel(ctx, t.ID, LabelManualReview); err != nil {
			return err
		}
		return p.mail.RemoveLabel(ctx, t.ID, LabelToProcess)
	}

	return p.recordReceipts(ctx, t, newest, pl, pledgeRow, analysis)
}

// routeQuestion stores a draft answer for a human, parks the thread under
// Donor-Query and notes the summary on the pledge row.
func (p *Processor) routeQuestion(ctx context.Context, t *mailmsg.Thread, pl *pledge.Pledge, pledgeRow int, analysis *oracle.ReceiptAnalysis) error {
	if analysis.SuggestedReply != "" {
		if err := p.mail.Draft(ctx, t.ID, mailgw.Outbound{
			To:       []string{pl.DonorEmail},
			Subject:  mailmsg.RefSubject("Re: your question", pl.ID),
			HTMLBody: "<p>" + analysis.SuggestedReply + "</p>",
		}); err != nil {
			p.log.Warn("draft reply failed", zap.String("pledgeId", pl.ID), zap.Error(err))
		}
	}
	pl.AINote = analysis.Summary
	if err := p.tables.SavePledge(ctx, pledgeRow, pl); err != nil {
		return err
	}
	if err := p.tables.Flush(ctx); err != nil {
		return err
	}
	if err := p.mail.AddLabel(ctx, t.ID, LabelDonorQuery); err != nil {
		return err
	}
	return p.mail.RemoveLabel(ctx, t.ID, LabelToProcess)
}

func (p *Processor) recordReceipts(ctx context.Context, t *mailmsg.Thread, newest *mailmsg.Message, pl *pledge.Pledge, pledgeRow int, analysis *oracle.ReceiptAnalysis) error {
	now := p.clk.Now()

	// Known fingerprints guard against resubmissions of the same proof.
	existing, err := p.tables.ListReceiptsByPledge(ctx, pl.ID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.Fingerprint()] = true
	}

	attachments := make(map[string]*mailmsg.Attachment, len(newest.Attachments))
	for i := range newest.Attachments {
		attachments[newest.Attachments[i].Filename] = &newest.Attachments[i]
	}

	var sessionTotal money.Amount
	var lastDate string
	var lastHandle blob.Handle
	recorded := 0
	for _, vr := range analysis.ValidReceipts {
		att, ok := attachments[vr.Filename]
		if !ok {
			p.log.Warn("extracted receipt has no matching attachment",
				zap.String("pledgeId", pl.ID), zap.String("filename", vr.Filename))
			continue
		}
		rec := &receipt.Receipt{
			ID:             p.gen.Receipt(pl.ID, now),
			PledgeID:       pl.ID,
			ProcessedAt:    now,
			EmailDate:      newest.Date,
			TransferDate:   vr.Date,
			AmountDeclared: vr.AmountDeclared,
			AmountVerified: vr.Amount,
			Confidence:     vr.ConfidenceScore,
			Filename:       vr.Filename,
			Status:         receipt.StatusValid,
		}
		if seen[rec.Fingerprint()] {
			p.log.Info("duplicate receipt skipped",
				zap.String("pledgeId", pl.ID), zap.String("fingerprint", rec.Fingerprint()))
			continue
		}
		handle, err := p.blobs.Save(ctx, blob.PledgeFilename(pl.ID, vr.Filename), att.Data)
		if err != nil {
			return err
		}
		rec.FileHandle = string(handle)
		if _, err := p.tables.AppendReceipt(ctx, rec); err != nil {
			return err
		}
		seen[rec.Fingerprint()] = true
		sessionTotal += vr.Amount
		lastDate = vr.Date
		lastHandle = handle
		recorded++
	}

	if recorded == 0 {
		// Everything was a duplicate or unmatched; nothing changed.
		return p.markProcessed(ctx, t.ID)
	}

	newTotal := pl.VerifiedTotal + sessionTotal
	pl.VerifiedTotal = newTotal
	pl.Outstanding = pl.CommittedAmount - newTotal
	if pl.Outstanding < 0 {
		pl.Outstanding = 0
	}
	pl.ProofLink = string(lastHandle)
	pl.ActualTransferDate = lastDate
	pl.DateProofReceived = now
	pl.ReceiptMessageID = string(newest.ID)
	if pl.AINote == "" {
		pl.AINote = analysis.Summary
	}
	if err := p.tables.SavePledge(ctx, pledgeRow, pl); err != nil {
		return err
	}
	if err := p.tables.Flush(ctx); err != nil {
		return err
	}

	balance, err := p.ledger.PledgeBalance(ctx, pl)
	if err != nil {
		return err
	}
	pl.CashBalance = balance
	if err := p.tables.SavePledge(ctx, pledgeRow, pl); err != nil {
		return err
	}

	target := pledge.StatePartialReceipt
	if newTotal >= pl.CommittedAmount {
		target = pledge.StateProofSubmitted
	}
	if err := p.ledger.SetPledgeStatus(ctx, actor, pledgeRow, pl, target); err != nil {
		// A pledge already past the receipt ladder keeps its status; the
		// money still counts.
		if errors.Is(err, pkgerrors.ErrInvalidTransition) {
			p.log.Warn("status not advanced", zap.String("pledgeId", pl.ID), zap.Error(err))
		} else {
			return err
		}
	}

	if err := p.markProcessed(ctx, t.ID); err != nil {
		return err
	}
	p.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindReceiptProcessed, TargetID: pl.ID,
		Action: "receipts recorded",
		After:  money.Format(newTotal),
		Metadata: map[string]string{
			"sessionTotal": money.Format(sessionTotal),
			"receipts":     strconv.Itoa(recorded),
		},
	})
	return p.tables.Flush(ctx)
}

// routeSubscriptionPayment stores the first admissible attachment and
// hands the payment to the subscription engine.
func (p *Processor) routeSubscriptionPayment(ctx context.Context, subID string, monthlyAmount money.Amount, newest *mailmsg.Message) error {
	if p.subs == nil {
		p.log.Warn("subscription payment arrived with no recorder wired",
			zap.String("subscriptionId", subID))
		return nil
	}
	var handle blob.Handle
	for _, att := range newest.Attachments {
		h, err := p.blobs.Save(ctx, blob.PledgeFilename(subID, att.Filename), att.Data)
		if err != nil {
			return err
		}
		handle = h
		break
	}
	return p.subs.RecordPayment(ctx, subID, handle, monthlyAmount, newest.Date)
}

func (p *Processor) journalAICall(ctx context.Context, pledgeID string, analysis *oracle.ReceiptAnalysis) {
	outcome := "ok"
	summary := ""
	if analysis == nil {
		outcome = "null"
	} else {
		summary = analysis.Summary
	}
	row := sheetstore.Row{
		p.clk.Now().UTC().Format(time.RFC3339),
		actor,
		"ExtractReceipts",
		pledgeID,
		p.cfg.GeminiModel,
		outcome,
		summary,
	}
	if err := p.tables.AppendAILogRow(ctx, row); err != nil {
		p.log.Error("ai journal write failed", zap.Error(err))
	}
}

func (p *Processor) markProcessed(ctx context.Context, threadID string) error {
	if err := p.mail.AddLabel(ctx, threadID, LabelProcessed); err != nil {
		return err
	}
	return p.mail.RemoveLabel(ctx, threadID, LabelToProcess)
}

func (p *Processor) isInternalSender(from string) bool {
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.Trim(from[at+1:], "> "))
	for _, d := range p.cfg.InternalDomains {
		if domain == strings.ToLower(d) {
			return true
		}
	}
	return false
}
