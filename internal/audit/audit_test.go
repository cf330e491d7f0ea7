package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pledgeledger/internal/sheetstore"
	"pledgeledger/internal/sheetstore/inmem"
	"pledgeledger/pkg/clock"
)

func TestSheetLoggerWritesEightColumns(t *testing.T) {
	ctx := context.Background()
	tables, err := sheetstore.NewTables(ctx, inmem.NewOperations(), inmem.NewConfidential())
	require.NoError(t, err)

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	l := NewSheetLogger(tables, clock.NewFixed(now), zap.NewNop())

	l.Log(ctx, Entry{
		Actor:    "receipts",
		Kind:     KindReceiptProcessed,
		TargetID: "PLEDGE-2026-1",
		Action:   "receipt recorded",
		Before:   "PLEDGED",
		After:    "PROOF_SUBMITTED",
		Metadata: map[string]string{"receiptId": "RCPT-1"},
	})

	// Log flushes immediately; the row is readable without a second Flush.
	rows, err := tables.ListAuditRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, sheetstore.Row{
		"2026-02-01T09:00:00Z",
		"receipts",
		"RECEIPT_PROCESSED",
		"PLEDGE-2026-1",
		"receipt recorded",
		"PLEDGED",
		"PROOF_SUBMITTED",
		`{"receiptId":"RCPT-1"}`,
	}, rows[0])
}

func TestSheetLoggerDefaultsTimestampAndMetadata(t *testing.T) {
	ctx := context.Background()
	tables, err := sheetstore.NewTables(ctx, inmem.NewOperations(), inmem.NewConfidential())
	require.NoError(t, err)

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	l := NewSheetLogger(tables, clock.NewFixed(now), zap.NewNop())
	l.Log(ctx, Entry{Actor: "system", Kind: KindAlert, TargetID: "PLEDGE-2026-1", Action: "orphan email"})

	rows, err := tables.ListAuditRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "2026-02-01T09:00:00Z", rows[0][0])
	require.Equal(t, "{}", rows[0][7])
}

func TestRecorderByKind(t *testing.T) {
	r := &Recorder{}
	r.Log(context.Background(), Entry{Kind: KindAllocation, TargetID: "ALLOC-1"})
	r.Log(context.Background(), Entry{Kind: KindAlert, TargetID: "PLEDGE-2026-1"})
	r.Log(context.Background(), Entry{Kind: KindAllocation, TargetID: "ALLOC-2"})

	allocs := r.ByKind(KindAllocation)
	require.Len(t, allocs, 2)
	require.Equal(t, "ALLOC-1", allocs[0].TargetID)
	require.Equal(t, "ALLOC-2", allocs[1].TargetID)
	require.Empty(t, r.ByKind(KindHostelQuery))
}
