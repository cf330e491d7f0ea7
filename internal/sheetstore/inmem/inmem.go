// Package inmem provides the in-memory Workbook implementation.
//
// Used by every test and as the default backend for local runs. Write
// semantics match the durable backend: Append/SetValue/BatchSet buffer
// into a pending journal and become visible to readers only after Flush.
// This keeps the "flush before dependent read" discipline honest even in
// tests.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"pledgeledger/internal/sheetstore"
	pkgerrors "pledgeledger/pkg/errors"
)

type opKind int

const (
	opAppend opKind = iota
	opSet
	opBatchSet
)

type pendingOp struct {
	kind   opKind
	sheet  string
	row    int
	col    int
	cells  sheetstore.Row
	block  []sheetstore.Row
}

// Workbook is an in-memory sheet store.
type Workbook struct {
	mu      sync.RWMutex
	headers map[string]sheetstore.Row
	sheets  map[string][]sheetstore.Row // committed rows, index 0 == row 1
	pending []pendingOp
	// appended tracks per-sheet pending append counts so Append can hand
	// out stable future row indexes before Flush.
	appended map[string]int
}

// New creates a workbook with the given sheet headers.
func New(headers map[string]sheetstore.Row) *Workbook {
	w := &Workbook{
		headers:  make(map[string]sheetstore.Row, len(headers)),
		sheets:   make(map[string][]sheetstore.Row, len(headers)),
		appended: make(map[string]int),
	}
	for name, header := range headers {
		w.headers[name] = append(sheetstore.Row(nil), header...)
		w.sheets[name] = nil
	}
	return w
}

// NewOperations returns a workbook seeded with the Operations schema.
func NewOperations() *Workbook {
	return New(sheetstore.OperationsHeaders)
}

// NewConfidential returns a workbook seeded with the Confidential schema.
func NewConfidential() *Workbook {
	return New(sheetstore.ConfidentialHeaders)
}

// Header returns the sheet's header row.
func (w *Workbook) Header(_ context.Context, sheet string) (sheetstore.Row, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	header, ok := w.headers[sheet]
	if !ok {
		return nil, fmt.Errorf("sheet %q: %w", sheet, pkgerrors.ErrNotFound)
	}
	return append(sheetstore.Row(nil), header...), nil
}

// Append buffers a new row and returns the 1-based index it will occupy
// after Flush.
func (w *Workbook) Append(_ context.Context, sheet string, row sheetstore.Row) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.headers[sheet]; !ok {
		return 0, fmt.Errorf("sheet %q: %w", sheet, pkgerrors.ErrNotFound)
	}
	w.pending = append(w.pending, pendingOp{
		kind:  opAppend,
		sheet: sheet,
		cells: append(sheetstore.Row(nil), row...),
	})
	w.appended[sheet]++
	return len(w.sheets[sheet]) + w.appended[sheet], nil
}

// FindRowByValue scans committed rows for an exact cell match.
func (w *Workbook) FindRowByValue(_ context.Context, sheet string, col int, value string) (sheetstore.FindResult, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rows, ok := w.sheets[sheet]
	if !ok {
		return sheetstore.FindResult{}, fmt.Errorf("sheet %q: %w", sheet, pkgerrors.ErrNotFound)
	}
	for i, row := range rows {
		if col < len(row) && row[col] == value {
			return sheetstore.FindResult{
				Index: i + 1,
				Row:   append(sheetstore.Row(nil), row...),
			}, nil
		}
	}
	return sheetstore.FindResult{}, pkgerrors.ErrNotFound
}

// GetRange reads committed cells. Short sheets yield short results.
func (w *Workbook) GetRange(_ context.Context, sheet string, row, col, numRows, numCols int) ([]sheetstore.Row, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rows, ok := w.sheets[sheet]
	if !ok {
		return nil, fmt.Errorf("sheet %q: %w", sheet, pkgerrors.ErrNotFound)
	}
	var out []sheetstore.Row
	for i := row - 1; i < row-1+numRows && i < len(rows); i++ {
		src := rows[i]
		cells := make(sheetstore.Row, 0, numCols)
		for c := col; c < col+numCols; c++ {
			if c < len(src) {
				cells = append(cells, src[c])
			} else {
				cells = append(cells, "")
			}
		}
		out = append(out, cells)
	}
	return out, nil
}

// SetValue buffers a single-cell write.
func (w *Workbook) SetValue(_ context.Context, sheet string, row, col int, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.headers[sheet]; !ok {
		return fmt.Errorf("sheet %q: %w", sheet, pkgerrors.ErrNotFound)
	}
	w.pending = append(w.pending, pendingOp{
		kind:  opSet,
		sheet: sheet,
		row:   row,
		col:   col,
		cells: sheetstore.Row{value},
	})
	return nil
}

// BatchSet buffers a rectangular block write.
func (w *Workbook) BatchSet(_ context.Context, sheet string, startRow, startCol int, values []sheetstore.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.headers[sheet]; !ok {
		return fmt.Errorf("sheet %q: %w", sheet, pkgerrors.ErrNotFound)
	}
	block := make([]sheetstore.Row, len(values))
	for i, r := range values {
		block[i] = append(sheetstore.Row(nil), r...)
	}
	w.pending = append(w.pending, pendingOp{
		kind:  opBatchSet,
		sheet: sheet,
		row:   startRow,
		col:   startCol,
		block: block,
	})
	return nil
}

// RowCount returns committed rows plus pending appends, so sequential
// appends before a Flush still receive distinct row numbers.
func (w *Workbook) RowCount(_ context.Context, sheet string) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rows, ok := w.sheets[sheet]
	if !ok {
		return 0, fmt.Errorf("sheet %q: %w", sheet, pkgerrors.ErrNotFound)
	}
	return len(rows) + w.appended[sheet], nil
}

// Flush applies the pending journal in order. Appends create their rows
// first if later ops target them.
func (w *Workbook) Flush(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range w.pending {
		switch op.kind {
		case opAppend:
			w.sheets[op.sheet] = append(w.sheets[op.sheet], op.cells)
		case opSet:
			w.applySet(op.sheet, op.row, op.col, op.cells[0])
		case opBatchSet:
			for i, blockRow := range op.block {
				for c, cell := range blockRow {
					w.applySet(op.sheet, op.row+i, op.col+c, cell)
				}
			}
		}
	}
	w.pending = nil
	w.appended = make(map[string]int)
	return nil
}

func (w *Workbook) applySet(sheet string, row, col int, value string) {
	rows := w.sheets[sheet]
	for len(rows) < row {
		rows = append(rows, sheetstore.Row{})
	}
	target := rows[row-1]
	for len(target) <= col {
		target = append(target, "")
	}
	target[col] = value
	rows[row-1] = target
	w.sheets[sheet] = rows
}

var _ sheetstore.Workbook = (*Workbook)(nil)
