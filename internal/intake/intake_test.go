package intake

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
	"pledgeledger/internal/subscription"
	"pledgeledger/internal/template"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/pledge"
	domsub "pledgeledger/pkg/domain/subscription"
	pkgerrors "pledgeledger/pkg/errors"
	"pledgeledger/pkg/ids"
)

var testNow = time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	handler *Handler
	tables  *sheetstore.Tables
	mail    *impl_inmem.Mailbox
	audit   *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tables, err := sheetstore.NewTables(context.Background(), inmem.NewOperations(), inmem.NewConfidential())
	require.NoError(t, err)

	clk := clock.NewFixed(testNow)
	zone := clock.MustZone("")
	mail := impl_inmem.New(clk, "pledges@foundation.example")
	rec := &audit.Recorder{}
	tmpl := template.Defaults()
	log := zap.NewNop()

	cfg := config.Default()
	cfg.AdminEmail = "admin@foundation.example"
	cfg.ChapterLeads = map[string][]string{
		"Lahore":            {"lead.lhr@foundation.example"},
		config.ChapterOther: {"lead@foundation.example"},
	}

	ldg := ledger.New(tables, rec)
	gen := ids.NewDeterministic(func() string { return "abcd1234" })
	locks := locker.NewNamed()
	alloc := allocate.New(tables, ldg, locks, mail, tmpl, blob.NewMemStore(),
		rec, clk, zone, gen, cfg, log)
	subs := subscription.New(tables, ldg, alloc, locks, mail, tmpl, rec, clk,
		zone, gen, cfg, log)

	h := New(tables, mail, tmpl, subs, rec, clk, cfg, log)
	return &fixture{handler: h, tables: tables, mail: mail, audit: rec}
}

func event(overrides map[string]string) map[string]string {
	e := map[string]string{
		FieldDonorName:   "A. Donor",
		FieldDonorEmail:  "donor@example.org",
		FieldCountry:     "Pakistan",
		FieldChapter:     "Lahore",
		FieldAffiliation: "Alumni",
		FieldZakat:       "Yes",
		FieldDuration:    "Year",
	}
	for k, v := range overrides {
		e[k] = v
	}
	return e
}

func TestOneTimePledgeCreated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.handler.HandleSubmission(ctx, event(nil))
	require.NoError(t, err)
	require.Equal(t, "PLEDGE-2026-1", p.ID)

	stored, _, err := f.tables.FindPledge(ctx, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Equal(t, pledge.StatePledged, stored.Status)
	require.Equal(t, int64(300000), int64(stored.CommittedAmount))
	require.Equal(t, int64(300000), int64(stored.Outstanding))
	require.Equal(t, "Lahore", stored.Chapter)
	require.True(t, stored.Zakat)
	require.NotEmpty(t, stored.ConfirmationMessageID)

	// Confirmation mail with the clickable receipt-reply anchor.
	require.Len(t, f.mail.Sent, 1)
	sent := f.mail.Sent[0]
	require.Equal(t, []string{"donor@example.org"}, sent.To)
	require.Contains(t, sent.CC, "lead.lhr@foundation.example")
	require.Contains(t, sent.Subject, "PLEDGE-2026-1")
	require.Contains(t, sent.HTMLBody, "mailto:admin@foundation.example")
	require.NotContains(t, sent.HTMLBody, "SEND_CONFIRMATION_EMAIL")

	require.Len(t, f.audit.ByKind(audit.KindNewPledge), 1)
}

func TestPledgeIDsFollowRowNumbers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p1, err := f.handler.HandleSubmission(ctx, event(nil))
	require.NoError(t, err)
	p2, err := f.handler.HandleSubmission(ctx, event(map[string]string{
		FieldDonorEmail: "second@example.org",
	}))
	require.NoError(t, err)
	require.Equal(t, "PLEDGE-2026-1", p1.ID)
	require.Equal(t, "PLEDGE-2026-2", p2.ID)
}

func TestMissingDonorEmailRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.handler.HandleSubmission(ctx, event(map[string]string{
		FieldDonorEmail: "  ",
	}))
	require.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	require.Empty(t, f.mail.Sent)
}

func TestChapterFallsBackToCountry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.handler.HandleSubmission(ctx, event(map[string]string{
		FieldChapter: "",
		FieldCountry: "United Kingdom",
	}))
	require.NoError(t, err)
	require.Equal(t, "United Kingdom", p.Chapter)
	// Unknown chapters route CC through the Other fallback.
	require.Contains(t, f.mail.Sent[0].CC, "lead@foundation.example")
}

func TestDonorNameDefaultsToEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.handler.HandleSubmission(ctx, event(map[string]string{
		FieldDonorName: "",
	}))
	require.NoError(t, err)
	require.Equal(t, "donor@example.org", p.DonorName)
}

func TestFreeTextDurationParsesAsAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.handler.HandleSubmission(ctx, event(map[string]string{
		FieldDuration: "50k",
	}))
	require.NoError(t, err)
	require.Equal(t, int64(50000), int64(p.CommittedAmount))
}

func TestMailFailureWritesNoRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.mail.FailNextSend(errors.New("smtp down"))
	_, err := f.handler.HandleSubmission(ctx, event(nil))
	require.ErrorIs(t, err, pkgerrors.ErrMailSendFailed)

	pledges, err := f.tables.ListPledges(ctx)
	require.NoError(t, err)
	require.Empty(t, pledges)
	require.Empty(t, f.audit.Entries)
}

func TestRecurringPledgeCreatesSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.handler.HandleSubmission(ctx, event(map[string]string{
		FieldPledgeType:      PledgeTypeRecurring,
		FieldMonthlyAmount:   "Month",
		FieldMonthlyDuration: "6",
	}))
	require.NoError(t, err)
	require.Equal(t, int64(150000), int64(p.CommittedAmount))
	require.Equal(t, "Monthly x6", p.DurationCode)

	sub, _, err := f.tables.FindSubscription(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domsub.StateActive, sub.Status)
	require.Equal(t, int64(25000), int64(sub.MonthlyAmount))
	require.Equal(t, 6, sub.DurationMonths)
	installments, err := f.tables.ListInstallmentsBySubscription(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, installments, 6)

	// Pledge confirmation plus the subscription welcome.
	require.Len(t, f.mail.Sent, 2)

	// The confirmation id is already set; the welcome must not displace it.
	stored, _, err := f.tables.FindPledge(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ConfirmationMessageID, stored.ConfirmationMessageID)
	require.NotEqual(t, sub.WelcomeMessageID, stored.ConfirmationMessageID)
}

func TestRecurringDefaultsDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.handler.HandleSubmission(ctx, event(map[string]string{
		FieldPledgeType:      PledgeTypeRecurring,
		FieldMonthlyAmount:   "",
		FieldMonthlyDuration: "",
	}))
	require.NoError(t, err)
	require.Equal(t, int64(25000*12), int64(p.CommittedAmount))

	sub, _, err := f.tables.FindSubscription(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 12, sub.DurationMonths)
}
