// Package sheetstore provides the typed accessor over the two row-indexed
// data stores (Operations and Confidential).
//
// The contract mirrors a spreadsheet backend: sheets addressed by name,
// rows by 1-based index, cells as strings. Writes may buffer; Flush
// commits them. Reads that back a decision MUST be preceded by a Flush of
// any writes they depend on — implementations are allowed to serve reads
// from committed state only.
//
// CRITICAL: Append-only sheets (Receipts, Allocations, AuditTrail) are
// never updated in place by any caller.
package sheetstore

import "context"

// Row is one sheet row. Cells are strings; typed mappers in this package
// own all conversion.
type Row []string

// FindResult pairs a located row with its 1-based index.
type FindResult struct {
	Index int
	Row   Row
}

// Workbook is a single data store (Operations or Confidential).
type Workbook interface {
	// Append adds a row at the end of the sheet and returns its 1-based
	// index. The append itself is atomic: no reader observes a partial
	// row.
	Append(ctx context.Context, sheet string, row Row) (int, error)

	// FindRowByValue scans column col (0-based) for an exact cell match.
	// Returns pkgerrors.ErrNotFound if absent.
	FindRowByValue(ctx context.Context, sheet string, col int, value string) (FindResult, error)

	// GetRange reads numRows × numCols cells starting at (row, col),
	// row 1-based, col 0-based. Short sheets yield short results, not
	// errors.
	GetRange(ctx context.Context, sheet string, row, col, numRows, numCols int) ([]Row, error)

	// SetValue writes one cell.
	SetValue(ctx context.Context, sheet string, row, col int, value string) error

	// BatchSet writes a rectangular block starting at (startRow, startCol).
	BatchSet(ctx context.Context, sheet string, startRow, startCol int, values []Row) error

	// RowCount returns the number of data rows (excluding the header).
	RowCount(ctx context.Context, sheet string) (int, error)

	// Header returns the sheet's header row.
	Header(ctx context.Context, sheet string) (Row, error)

	// Flush commits pending writes. After Flush returns, every prior
	// write is visible to every reader.
	Flush(ctx context.Context) error
}
