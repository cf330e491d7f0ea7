// Package watchdog implements the scheduled Verification Watchdog.
//
// The watchdog matches institutional replies back to their allocations,
// primarily by stored intimation message-id (both raw and prefixed forms
// are loaded into the match map), with a subject/body reference scan as
// fallback. Confirmed allocations advance to HOSTEL_VERIFIED and the
// donor is notified in-thread; anything ambiguous escalates to a human.
//
// Like the receipt processor, a thread the oracle could not classify is
// left unlabeled and retried on the next cycle.
package watchdog

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"pledgeledger/internal/audit"
	"pledgeledger/internal/config"
	"pledgeledger/internal/ledger"
	"pledgeledger/internal/mailgw"
	"pledgeledger/internal/oracle"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/internal/template"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/allocation"
	"pledgeledger/pkg/domain/mailmsg"
	"pledgeledger/pkg/domain/pledge"
	pkgerrors "pledgeledger/pkg/errors"
	"pledgeledger/pkg/money"
)

// Thread labels owned by the watchdog.
const (
	LabelProcessed    = "Watchdog/Processed"
	LabelManualReview = "Watchdog/Manual-Review"
)

const actor = "verification-watchdog"

// Watchdog is the reply-verification agent.
type Watchdog struct {
	tables *sheetstore.Tables
	ledger *ledger.Engine
	mail   mailgw.Gateway
	oracle oracle.Oracle
	tmpl   template.Registry
	audit  audit.Logger
	clk    clock.Clock
	cfg    config.Config
	log    *zap.Logger
}

// New wires the watchdog.
func New(tables *sheetstore.Tables, ldg *ledger.Engine, mail mailgw.Gateway,
	orc oracle.Oracle, tmpl template.Registry, auditLog audit.Logger,
	clk clock.Clock, cfg config.Config, log *zap.Logger) *Watchdog {
	return &Watchdog{
		tables: tables, ledger: ldg, mail: mail, oracle: orc, tmpl: tmpl,
		audit: auditLog, clk: clk, cfg: cfg, log: log,
	}
}

// Run executes one sweep.
func (w *Watchdog) Run(ctx context.Context) error {
	threads, err := w.mail.SearchThreads(ctx, mailgw.Query{
		FromDomains:     w.cfg.InternalDomains,
		SubjectContains: []string{"Ref: PLEDGE-", "Ref: BATCH-"},
		ExcludeLabels:   []string{LabelProcessed, LabelManualReview},
	})
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		return nil
	}

	refByMsgID, err := w.loadIntimationMap(ctx)
	if err != nil {
		return err
	}
	for _, t := range threads {
		if err := w.processThread(ctx, t, refByMsgID); err != nil {
			w.log.Error("watchdog thread failed",
				zap.String("threadId", t.ID), zap.Error(err))
		}
	}
	return nil
}

// loadIntimationMap builds {stored intimation id → reference id}, keying
// both the stored form and the raw form so either resolves.
func (w *Watchdog) loadIntimationMap(ctx context.Context) (map[string]string, error) {
	allocs, err := w.tables.ListAllocations(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, a := range allocs {
		if a.HostelIntimationMessageID == "" {
			continue
		}
		ref := a.PledgeID
		if a.BatchID != "" {
			ref = a.BatchID
		}
		id := mailmsg.MessageID(a.HostelIntimationMessageID)
		out[string(id)] = ref
		out[id.Raw()] = ref
	}
	return out, nil
}

func (w *Watchdog) processThread(ctx context.Context, t *mailmsg.Thread, refByMsgID map[string]string) error {
	refID := w.matchReference(t, refByMsgID)
	if refID == "" {
		// A hostel reply we cannot attribute is exactly the orphan case
		// the audit trail exists for.
		w.escalateUnmatched(ctx, t)
		return nil
	}

	open, err := w.openAllocations(ctx, refID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return w.mail.AddLabel(ctx, t.ID, LabelProcessed)
	}

	oracleOpen := make([]oracle.OpenAllocation, 0, len(open))
	donorNames := make(map[string]string)
	for _, a := range open {
		name := donorNames[a.PledgeID]
		if name == "" {
			if p, _, err := w.tables.FindPledge(ctx, a.PledgeID); err == nil {
				name = p.DonorName
			}
			donorNames[a.PledgeID] = name
		}
		oracleOpen = append(oracleOpen, oracle.OpenAllocation{
			AllocID:   a.ID,
			CMSID:     a.CMSID,
			Amount:    a.Amount,
			DonorName: name,
		})
	}

	tc := mailgw.BuildThreadContext(t, 0)
	analysis := w.oracle.ClassifyReply(ctx, tc.Combined, oracleOpen)
	w.journalAICall(ctx, refID, analysis)
	if analysis == nil {
		w.log.Warn("oracle null, thread deferred",
			zap.String("refId", refID), zap.String("threadId", t.ID))
		return nil
	}

	switch analysis.Status {
	case oracle.ReplyConfirmedAll, oracle.ReplyPartial:
		confirmed := analysis.ConfirmedAllocIDs
		if analysis.Status == oracle.ReplyConfirmedAll && len(confirmed) == 0 {
			for _, a := range open {
				confirmed = append(confirmed, a.ID)
			}
		}
		if err := w.confirmAllocations(ctx, t, refID, confirmed); err != nil {
			return err
		}
	case oracle.ReplyAmbiguous, oracle.ReplyQuery:
		if err := w.escalate(ctx, t, refID, open, analysis); err != nil {
			return err
		}
	}
	return w.mail.AddLabel(ctx, t.ID, LabelProcessed)
}

// matchReference resolves the thread to a pledge or batch id: message-id
// map first, then reference scan over subject and bodies (last match
// wins).
func (w *Watchdog) matchReference(t *mailmsg.Thread, refByMsgID map[string]string) string {
	for _, msg := range t.Messages {
		if ref, ok := refByMsgID[string(msg.ID)]; ok {
			return ref
		}
		if ref, ok := refByMsgID[msg.ID.Raw()]; ok {
			return ref
		}
	}
	var text string
	for _, msg := range t.Messages {
		text += msg.Subject + "\n" + msg.Body + "\n"
	}
	if ref := mailmsg.LastPledgeID(text); ref != "" {
		return ref
	}
	return mailmsg.LastBatchID(text)
}

func (w *Watchdog) openAllocations(ctx context.Context, refID string) ([]*allocation.Allocation, error) {
	var all []*allocation.Allocation
	var err error
	if strings.HasPrefix(refID, "BATCH-") {
		all, err = w.tables.ListAllocationsByBatch(ctx, refID)
	} else {
		all, err = w.tables.ListAllocationsByPledge(ctx, refID)
	}
	if err != nil {
		return nil, err
	}
	var open []*allocation.Allocation
	for _, a := range all {
		if a.Status == allocation.StatePendingHostel {
			open = append(open, a)
		}
	}
	return open, nil
}

func (w *Watchdog) confirmAllocations(ctx context.Context, t *mailmsg.Thread, refID string, confirmed []string) error {
	newest := t.Newest()
	touchedPledges := make(map[string]bool)
	for _, allocID := range confirmed {
		a, row, err := w.tables.FindAllocation(ctx, allocID)
		if err != nil {
			w.log.Warn("confirmed allocation missing", zap.String("allocId", allocID))
			continue
		}
		a.HostelReplyMessageID = string(newest.ID)
		a.HostelReplyDate = newest.Date
		if err := w.ledger.SetAllocationStatus(ctx, actor, row, a, allocation.StateHostelVerified); err != nil {
			if errors.Is(err, pkgerrors.ErrInvalidTransition) {
				w.log.Warn("allocation not advanced", zap.String("allocId", allocID), zap.Error(err))
				continue
			}
			return err
		}
		w.audit.Log(ctx, audit.Entry{
			Actor: actor, Kind: audit.KindHostelVerification, TargetID: allocID,
			Action: "hostel confirmed", After: string(allocation.StateHostelVerified),
			Metadata: map[string]string{"refId": refID},
		})
		w.notifyDonor(ctx, a, row)
		touchedPledges[a.PledgeID] = true
	}

	if err := w.tables.Flush(ctx); err != nil {
		return err
	}

	// Closure: a fully allocated pledge whose every allocation is verified
	// is done.
	for pledgeID := range touchedPledges {
		p, pledgeRow, err := w.tables.FindPledge(ctx, pledgeID)
		if err != nil {
			continue
		}
		if p.Status != pledge.StateFullyAllocated {
			continue
		}
		done, err := w.ledger.PledgeFullyVerified(ctx, pledgeID)
		if err != nil || !done {
			continue
		}
		if err := w.ledger.SetPledgeStatus(ctx, actor, pledgeRow, p, pledge.StateClosed); err != nil {
			w.log.Warn("pledge close failed", zap.String("pledgeId", pledgeID), zap.Error(err))
		}
	}
	return w.tables.Flush(ctx)
}

// notifyDonor sends the final in-thread confirmation to the donor.
// Failure is logged; the verification itself stands.
func (w *Watchdog) notifyDonor(ctx context.Context, a *allocation.Allocation, row int) {
	p, _, err := w.tables.FindPledge(ctx, a.PledgeID)
	if err != nil {
		w.log.Warn("donor notify: pledge missing", zap.String("pledgeId", a.PledgeID))
		return
	}
	t, err := w.tmpl.Get(template.NameDonorNotify)
	if err != nil {
		w.log.Warn("donor notify template missing", zap.Error(err))
		return
	}
	rendered := template.Render(t, map[string]string{
		"donorName": p.DonorName,
		"amount":    money.Format(a.Amount),
		"pledgeId":  p.ID,
	})
	var priors []mailmsg.MessageID
	for _, id := range []string{a.DonorAllocMessageID, p.ReceiptMessageID, p.ConfirmationMessageID} {
		if id != "" {
			priors = append(priors, mailmsg.MessageID(id))
		}
	}
	id, err := w.mail.SendOrReply(ctx, mailgw.Outbound{
		To:       []string{p.DonorEmail},
		CC:       w.cfg.CCFor(p.Chapter),
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	}, priors)
	if err != nil {
		w.log.Warn("donor notify send failed", zap.String("allocId", a.ID), zap.Error(err))
		return
	}
	a.DonorNotifyMessageID = string(id)
	a.DonorNotifyDate = w.clk.Now()
	if err := w.tables.SaveAllocation(ctx, row, a); err != nil {
		w.log.Warn("donor notify id not stored", zap.String("allocId", a.ID), zap.Error(err))
	}
}

// escalate parks an ambiguous thread for a human, flags the open
// allocations and alerts the admin.
func (w *Watchdog) escalate(ctx context.Context, t *mailmsg.Thread, refID string, open []*allocation.Allocation, analysis *oracle.ReplyAnalysis) error {
	if err := w.mail.AddLabel(ctx, t.ID, LabelManualReview); err != nil {
		return err
	}
	for _, a := range open {
		_, row, err := w.tables.FindAllocation(ctx, a.ID)
		if err != nil {
			continue
		}
		if err := w.ledger.SetAllocationStatus(ctx, actor, row, a, allocation.StateHostelQuery); err != nil {
			w.log.Warn("allocation not flagged", zap.String("allocId", a.ID), zap.Error(err))
			continue
		}
		w.audit.Log(ctx, audit.Entry{
			Actor: actor, Kind: audit.KindHostelQuery, TargetID: a.ID,
			Action: "hostel reply needs review",
			Metadata: map[string]string{
				"refId":     refID,
				"reasoning": analysis.Reasoning,
			},
		})
	}
	w.alertAdmin(ctx, "HOSTEL_REPLY_"+analysis.Status, refID,
		"A hostel reply could not be resolved automatically: "+analysis.Reasoning)
	w.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindAlert, TargetID: refID,
		Action: "hostel reply escalated", After: analysis.Status,
	})
	return w.tables.Flush(ctx)
}

func (w *Watchdog) escalateUnmatched(ctx context.Context, t *mailmsg.Thread) {
	if err := w.mail.AddLabel(ctx, t.ID, LabelManualReview); err != nil {
		w.log.Warn("unmatched thread not labeled", zap.String("threadId", t.ID), zap.Error(err))
	}
	w.alertAdmin(ctx, "UNMATCHED_REPLY", t.ID,
		"An institutional reply matched no allocation reference.")
	w.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindAlert, TargetID: t.ID,
		Action: "unmatched institutional reply",
	})
}

// alertAdmin sends the admin alert mail. Failures degrade to diagnostics.
func (w *Watchdog) alertAdmin(ctx context.Context, kind, refID, message string) {
	if w.cfg.AdminEmail == "" {
		return
	}
	t, err := w.tmpl.Get(template.NameAdminAlert)
	if err != nil {
		w.log.Warn("admin alert template missing", zap.Error(err))
		return
	}
	rendered := template.Render(t, map[string]string{
		"alertKind": kind,
		"refId":     refID,
		"message":   message,
	})
	if _, err := w.mail.Send(ctx, mailgw.Outbound{
		To:       []string{w.cfg.AdminEmail},
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	}); err != nil {
		w.log.Warn("admin alert send failed", zap.Error(err))
	}
}

func (w *Watchdog) journalAICall(ctx context.Context, refID string, analysis *oracle.ReplyAnalysis) {
	outcome := "ok"
	summary := ""
	if analysis == nil {
		outcome = "null"
	} else {
		summary = analysis.Status + ": " + analysis.Reasoning
	}
	row := sheetstore.Row{
		w.clk.Now().UTC().Format(time.RFC3339),
		actor,
		"ClassifyReply",
		refID,
		w.cfg.GeminiModel,
		outcome,
		summary,
	}
	if err := w.tables.AppendAILogRow(ctx, row); err != nil {
		w.log.Error("ai journal write failed", zap.Error(err))
	}
}
