// Package intake turns inbound pledge-form submissions into ledger rows.
//
// The form event is a loose map of question titles to answers; only the
// named keys below are consumed, everything else is ignored. The pledge
// id is minted from the ledger row number, so ids are dense and
// append-ordered.
package intake

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"pledgeledger/internal/audit"
	"pledgeledger/internal/config"
	"pledgeledger/internal/mailgw"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/internal/subscription"
	"pledgeledger/internal/template"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/mailmsg"
	"pledgeledger/pkg/domain/pledge"
	pkgerrors "pledgeledger/pkg/errors"
	"pledgeledger/pkg/ids"
	"pledgeledger/pkg/money"
)

// Form field names the handler consumes.
const (
	FieldDonorName       = "donorName"
	FieldDonorEmail      = "donorEmail"
	FieldCountry         = "country"
	FieldChapter         = "chapter"
	FieldAffiliation     = "affiliation"
	FieldZakat           = "zakat"
	FieldDuration        = "duration"
	FieldPledgeType      = "pledgeType"
	FieldMonthlyAmount   = "monthlyAmount"
	FieldMonthlyDuration = "monthlyDuration"
)

// PledgeTypeRecurring triggers the subscription branch.
const PledgeTypeRecurring = "Monthly Recurring"

const actor = "pledge-intake"

const defaultRecurringMonths = 12

// Handler processes form submissions.
type Handler struct {
	tables *sheetstore.Tables
	mail   mailgw.Gateway
	tmpl   template.Registry
	subs   *subscription.Engine
	audit  audit.Logger
	clk    clock.Clock
	cfg    config.Config
	log    *zap.Logger
}

// New wires the handler. subs may be nil to disable the recurring branch.
func New(tables *sheetstore.Tables, mail mailgw.Gateway, tmpl template.Registry,
	subs *subscription.Engine, auditLog audit.Logger, clk clock.Clock,
	cfg config.Config, log *zap.Logger) *Handler {
	return &Handler{
		tables: tables, mail: mail, tmpl: tmpl, subs: subs,
		audit: auditLog, clk: clk, cfg: cfg, log: log,
	}
}

// HandleSubmission records one form event: pledge row, confirmation mail,
// audit entry, and the subscription setup for recurring pledges.
func (h *Handler) HandleSubmission(ctx context.Context, event map[string]string) (*pledge.Pledge, error) {
	donorEmail := strings.TrimSpace(event[FieldDonorEmail])
	if donorEmail == "" {
		return nil, fmt.Errorf("form event without donor email: %w", pkgerrors.ErrInvalidAmount)
	}
	donorName := strings.TrimSpace(event[FieldDonorName])
	if donorName == "" {
		donorName = donorEmail
	}

	now := h.clk.Now()
	recurring := strings.EqualFold(strings.TrimSpace(event[FieldPledgeType]), PledgeTypeRecurring)

	monthly := money.Amount(0)
	months := 0
	duration := strings.TrimSpace(event[FieldDuration])
	var committed money.Amount
	if recurring {
		monthly = money.DecodeDuration(event[FieldMonthlyAmount], h.cfg.PledgeAmounts)
		if monthly == 0 {
			monthly = h.cfg.PledgeAmounts["Month"]
		}
		months, _ = strconv.Atoi(strings.TrimSpace(event[FieldMonthlyDuration]))
		if months <= 0 {
			months = defaultRecurringMonths
		}
		committed = monthly * money.Amount(months)
		duration = fmt.Sprintf("Monthly x%d", months)
	} else {
		committed = money.DecodeDuration(duration, h.cfg.PledgeAmounts)
	}

	chapter := strings.TrimSpace(event[FieldChapter])
	if chapter == "" {
		chapter = strings.TrimSpace(event[FieldCountry])
	}

	rowCount, err := h.tables.PledgeRowCount(ctx)
	if err != nil {
		return nil, err
	}
	p := &pledge.Pledge{
		ID:              ids.Pledge(now.Year(), rowCount+1),
		DonorEmail:      donorEmail,
		DonorName:       donorName,
		Chapter:         chapter,
		Affiliation:     strings.TrimSpace(event[FieldAffiliation]),
		Zakat:           strings.EqualFold(strings.TrimSpace(event[FieldZakat]), "yes"),
		DurationCode:    duration,
		CommittedAmount: committed,
		Status:          pledge.StatePledged,
		SubmittedAt:     now,
		Outstanding:     committed,
	}

	// Confirmation first: a pledge row without its confirmation thread
	// anchor is worse than a resubmitted form.
	confirmationID, err := h.sendConfirmation(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("pledge confirmation for %s: %w", p.ID, pkgerrors.ErrMailSendFailed)
	}
	p.ConfirmationMessageID = string(confirmationID)

	pledgeRow, err := h.tables.AppendPledge(ctx, p)
	if err != nil {
		h.audit.Log(ctx, audit.Entry{
			Actor: actor, Kind: audit.KindAlert, TargetID: p.ID,
			Action: "orphan email: pledge append failed after confirmation",
			After:  err.Error(),
		})
		return nil, fmt.Errorf("pledge %s append: %v: %w", p.ID, err, pkgerrors.ErrOrphanEmail)
	}

	h.audit.Log(ctx, audit.Entry{
		Actor: actor, Kind: audit.KindNewPledge, TargetID: p.ID,
		Action: "pledge created", After: string(pledge.StatePledged),
		Metadata: map[string]string{
			"committedAmount": money.Format(committed),
			"duration":        duration,
			"chapter":         chapter,
		},
	})
	if err := h.tables.Flush(ctx); err != nil {
		return nil, err
	}

	if recurring && h.subs != nil {
		if _, err := h.subs.Create(ctx, p, pledgeRow, monthly, months, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (h *Handler) sendConfirmation(ctx context.Context, p *pledge.Pledge) (mailmsg.MessageID, error) {
	t, err := h.tmpl.Get(template.NamePledgeConfirmation)
	if err != nil {
		return "", err
	}
	rendered := template.Render(t, map[string]string{
		"donorName":        p.DonorName,
		"committedAmount":  money.Format(p.CommittedAmount),
		"duration":         p.DurationCode,
		"pledgeId":         p.ID,
		template.MailtoKey: h.receiptMailto(p.ID),
	})
	return h.mail.Send(ctx, mailgw.Outbound{
		To:       []string{p.DonorEmail},
		CC:       h.cfg.CCFor(p.Chapter),
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	})
}

// receiptMailto builds the one-click reply anchor donors use to submit
// their bank receipt.
func (h *Handler) receiptMailto(pledgeID string) string {
	subject := mailmsg.RefSubject("Transfer receipt", pledgeID)
	return "mailto:" + h.cfg.AdminEmail + "?subject=" + url.QueryEscape(subject)
}
