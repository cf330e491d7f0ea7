// Package audit provides the append-only audit trail.
//
// Every state-changing business action emits exactly one entry. Audit
// writes MUST NOT fail the enclosing business operation: on error they
// degrade to the secondary diagnostic sink (the structured logger) and
// the operation proceeds.
//
// CRITICAL: The audit trail is evidence, not operational memory. No
// business decision reads it back.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"pledgeledger/internal/sheetstore"
	"pledgeledger/pkg/clock"
)

// Kind is an audit event type.
type Kind string

const (
	KindNewPledge          Kind = "NEW_PLEDGE"
	KindReceiptProcessed   Kind = "RECEIPT_PROCESSED"
	KindAllocation         Kind = "ALLOCATION"
	KindHostelVerification Kind = "HOSTEL_VERIFICATION"
	KindHostelQuery        Kind = "HOSTEL_QUERY"
	KindStatusChange       Kind = "STATUS_CHANGE"
	KindAlert              Kind = "ALERT"

	KindSubscriptionCreated   Kind = "SUBSCRIPTION_CREATED"
	KindSubscriptionPayment   Kind = "SUBSCRIPTION_PAYMENT"
	KindSubscriptionReminder  Kind = "SUBSCRIPTION_REMINDER"
	KindSubscriptionOverdue   Kind = "SUBSCRIPTION_OVERDUE"
	KindSubscriptionLapsed    Kind = "SUBSCRIPTION_LAPSED"
	KindSubscriptionCompleted Kind = "SUBSCRIPTION_COMPLETED"
	KindSubscriptionBatch     Kind = "SUBSCRIPTION_BATCH"
)

// Entry is one audit event.
type Entry struct {
	Timestamp time.Time
	Actor     string
	Kind      Kind
	TargetID  string
	Action    string
	Before    string
	After     string
	Metadata  map[string]string
}

// Logger records audit entries.
type Logger interface {
	// Log appends an entry. Never returns an error to the caller's
	// control flow — failures degrade to diagnostics.
	Log(ctx context.Context, entry Entry)
}

// SheetLogger writes entries to the AuditTrail sheet.
type SheetLogger struct {
	tables *sheetstore.Tables
	clk    clock.Clock
	diag   *zap.Logger
}

// NewSheetLogger returns the production audit logger.
func NewSheetLogger(tables *sheetstore.Tables, clk clock.Clock, diag *zap.Logger) *SheetLogger {
	return &SheetLogger{tables: tables, clk: clk, diag: diag}
}

// Log implements Logger. The row is flushed immediately: an audit entry
// that sits in a write buffer during a crash never existed.
func (l *SheetLogger) Log(ctx context.Context, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clk.Now()
	}
	meta := "{}"
	if len(entry.Metadata) > 0 {
		if enc, err := json.Marshal(entry.Metadata); err == nil {
			meta = string(enc)
		}
	}
	row := sheetstore.Row{
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.Actor,
		string(entry.Kind),
		entry.TargetID,
		entry.Action,
		entry.Before,
		entry.After,
		meta,
	}
	if err := l.tables.AppendAuditRow(ctx, row); err != nil {
		l.diag.Error("audit write failed",
			zap.String("kind", string(entry.Kind)),
			zap.String("targetId", entry.TargetID),
			zap.Error(err))
		return
	}
	if err := l.tables.Ops.Flush(ctx); err != nil {
		l.diag.Error("audit flush failed",
			zap.String("kind", string(entry.Kind)),
			zap.String("targetId", entry.TargetID),
			zap.Error(err))
	}
}

// Recorder is an in-memory Logger for tests.
type Recorder struct {
	Entries []Entry
}

// Log appends to the in-memory slice.
func (r *Recorder) Log(_ context.Context, entry Entry) {
	r.Entries = append(r.Entries, entry)
}

// ByKind returns the recorded entries of one kind.
func (r *Recorder) ByKind(kind Kind) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Logger = (*SheetLogger)(nil)
	_ Logger = (*Recorder)(nil)
)
