package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pledgeledger/internal/sheetstore"
	pkgerrors "pledgeledger/pkg/errors"
)

func TestAppendVisibleOnlyAfterFlush(t *testing.T) {
	ctx := context.Background()
	w := NewOperations()

	row := make(sheetstore.Row, 19)
	row[0] = "PLEDGE-2026-1"
	idx, err := w.Append(ctx, sheetstore.SheetPledges, row)
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	// Uncommitted rows are invisible to readers.
	_, err = w.FindRowByValue(ctx, sheetstore.SheetPledges, 0, "PLEDGE-2026-1")
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)

	require.NoError(t, w.Flush(ctx))

	res, err := w.FindRowByValue(ctx, sheetstore.SheetPledges, 0, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Index)
	require.Equal(t, "PLEDGE-2026-1", res.Row[0])
}

func TestSequentialAppendsGetDistinctIndexes(t *testing.T) {
	ctx := context.Background()
	w := NewOperations()

	i1, err := w.Append(ctx, sheetstore.SheetReceipts, sheetstore.Row{"r1"})
	require.NoError(t, err)
	i2, err := w.Append(ctx, sheetstore.SheetReceipts, sheetstore.Row{"r2"})
	require.NoError(t, err)
	require.Equal(t, 1, i1)
	require.Equal(t, 2, i2)

	// RowCount includes pending appends so id minting stays dense.
	n, err := w.RowCount(ctx, sheetstore.SheetReceipts)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, w.Flush(ctx))
	n, err = w.RowCount(ctx, sheetstore.SheetReceipts)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestBatchSetOverwritesCommittedRow(t *testing.T) {
	ctx := context.Background()
	w := NewOperations()

	_, err := w.Append(ctx, sheetstore.SheetPledges, sheetstore.Row{"PLEDGE-2026-1", "a@example.org"})
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	require.NoError(t, w.BatchSet(ctx, sheetstore.SheetPledges, 1, 0,
		[]sheetstore.Row{{"PLEDGE-2026-1", "b@example.org"}}))
	require.NoError(t, w.Flush(ctx))

	res, err := w.FindRowByValue(ctx, sheetstore.SheetPledges, 0, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Equal(t, "b@example.org", res.Row[1])
}

func TestSetValueSingleCell(t *testing.T) {
	ctx := context.Background()
	w := NewOperations()

	_, err := w.Append(ctx, sheetstore.SheetPledges, sheetstore.Row{"PLEDGE-2026-1", "", "Donor"})
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	require.NoError(t, w.SetValue(ctx, sheetstore.SheetPledges, 1, 1, "x@example.org"))
	require.NoError(t, w.Flush(ctx))

	rows, err := w.GetRange(ctx, sheetstore.SheetPledges, 1, 0, 1, 3)
	require.NoError(t, err)
	require.Equal(t, sheetstore.Row{"PLEDGE-2026-1", "x@example.org", "Donor"}, rows[0])
}

func TestGetRangePadsShortRows(t *testing.T) {
	ctx := context.Background()
	w := NewOperations()

	_, err := w.Append(ctx, sheetstore.SheetPledges, sheetstore.Row{"PLEDGE-2026-1"})
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	rows, err := w.GetRange(ctx, sheetstore.SheetPledges, 1, 0, 5, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, sheetstore.Row{"PLEDGE-2026-1", "", ""}, rows[0])
}

func TestUnknownSheet(t *testing.T) {
	ctx := context.Background()
	w := NewOperations()
	_, err := w.Append(ctx, "NoSuchSheet", sheetstore.Row{"x"})
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)
	_, err = w.Header(ctx, "NoSuchSheet")
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)
}
