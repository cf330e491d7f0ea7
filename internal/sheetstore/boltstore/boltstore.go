// Package boltstore provides the durable Workbook implementation on top
// of bbolt.
//
// Layout: one bucket per sheet holding rows keyed by big-endian 1-based
// index, plus a meta bucket holding each sheet's header row. Writes
// buffer in memory and commit in a single bbolt transaction on Flush, so
// readers never observe a partially applied business write.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"pledgeledger/internal/sheetstore"
	pkgerrors "pledgeledger/pkg/errors"
)

const metaBucket = "_meta"

type opKind int

const (
	opAppend opKind = iota
	opSet
	opBatchSet
)

type pendingOp struct {
	kind  opKind
	sheet string
	row   int
	col   int
	cells sheetstore.Row
	block []sheetstore.Row
}

// Workbook is a bbolt-backed sheet store.
type Workbook struct {
	db *bolt.DB

	mu       sync.Mutex
	pending  []pendingOp
	appended map[string]int
	sheets   map[string]bool
}

// Open opens (or creates) the workbook file and ensures every sheet
// bucket and header exists. An existing header is never overwritten;
// drift surfaces through VerifySchemas at startup.
func Open(path string, headers map[string]sheetstore.Row) (*Workbook, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	w := &Workbook{
		db:       db,
		appended: make(map[string]int),
		sheets:   make(map[string]bool, len(headers)),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		for name, header := range headers {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
			if meta.Get([]byte(name)) == nil {
				enc, err := json.Marshal(header)
				if err != nil {
					return err
				}
				if err := meta.Put([]byte(name), enc); err != nil {
					return err
				}
			}
			w.sheets[name] = true
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init workbook %s: %w", path, err)
	}
	return w, nil
}

// Close closes the underlying database.
func (w *Workbook) Close() error {
	return w.db.Close()
}

func rowKey(index int) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(index))
	return key[:]
}

func (w *Workbook) checkSheet(sheet string) error {
	if !w.sheets[sheet] {
		return fmt.Errorf("sheet %q: %w", sheet, pkgerrors.ErrNotFound)
	}
	return nil
}

// Header returns the sheet's stored header row.
func (w *Workbook) Header(_ context.Context, sheet string) (sheetstore.Row, error) {
	if err := w.checkSheet(sheet); err != nil {
		return nil, err
	}
	var header sheetstore.Row
	err := w.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(metaBucket)).Get([]byte(sheet))
		if raw == nil {
			return pkgerrors.ErrNotFound
		}
		return json.Unmarshal(raw, &header)
	})
	if err != nil {
		return nil, err
	}
	return header, nil
}

// Append buffers a new row and returns its future 1-based index.
func (w *Workbook) Append(ctx context.Context, sheet string, row sheetstore.Row) (int, error) {
	if err := w.checkSheet(sheet); err != nil {
		return 0, err
	}
	committed, err := w.committedCount(sheet)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, pendingOp{
		kind:  opAppend,
		sheet: sheet,
		cells: append(sheetstore.Row(nil), row...),
	})
	w.appended[sheet]++
	return committed + w.appended[sheet], nil
}

// FindRowByValue scans committed rows for an exact cell match.
func (w *Workbook) FindRowByValue(_ context.Context, sheet string, col int, value string) (sheetstore.FindResult, error) {
	if err := w.checkSheet(sheet); err != nil {
		return sheetstore.FindResult{}, err
	}
	result := sheetstore.FindResult{}
	found := false
	err := w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(sheet)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row sheetstore.Row
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if col < len(row) && row[col] == value {
				result = sheetstore.FindResult{
					Index: int(binary.BigEndian.Uint64(k)),
					Row:   row,
				}
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return sheetstore.FindResult{}, err
	}
	if !found {
		return sheetstore.FindResult{}, pkgerrors.ErrNotFound
	}
	return result, nil
}

// GetRange reads committed cells.
func (w *Workbook) GetRange(_ context.Context, sheet string, row, col, numRows, numCols int) ([]sheetstore.Row, error) {
	if err := w.checkSheet(sheet); err != nil {
		return nil, err
	}
	var out []sheetstore.Row
	err := w.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sheet))
		for i := row; i < row+numRows; i++ {
			raw := bucket.Get(rowKey(i))
			if raw == nil {
				return nil // past the end
			}
			var src sheetstore.Row
			if err := json.Unmarshal(raw, &src); err != nil {
				return err
			}
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
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetValue buffers a single-cell write.
func (w *Workbook) SetValue(_ context.Context, sheet string, row, col int, value string) error {
	if err := w.checkSheet(sheet); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
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
	if err := w.checkSheet(sheet); err != nil {
		return err
	}
	block := make([]sheetstore.Row, len(values))
	for i, r := range values {
		block[i] = append(sheetstore.Row(nil), r...)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, pendingOp{
		kind:  opBatchSet,
		sheet: sheet,
		row:   startRow,
		col:   startCol,
		block: block,
	})
	return nil
}

// RowCount returns committed rows plus pending appends.
func (w *Workbook) RowCount(_ context.Context, sheet string) (int, error) {
	if err := w.checkSheet(sheet); err != nil {
		return 0, err
	}
	committed, err := w.committedCount(sheet)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return committed + w.appended[sheet], nil
}

func (w *Workbook) committedCount(sheet string) (int, error) {
	count := 0
	err := w.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(sheet)).Stats().KeyN
		return nil
	})
	return count, err
}

// Flush applies the pending journal in one transaction.
func (w *Workbook) Flush(_ context.Context) error {
	w.mu.Lock()
	ops := w.pending
	w.pending = nil
	w.appended = make(map[string]int)
	w.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	return w.db.Update(func(tx *bolt.Tx) error {
		// Bucket stats lag puts made inside the same transaction, so track
		// the tail index per sheet locally.
		tails := make(map[string]int)
		for _, op := range ops {
			bucket := tx.Bucket([]byte(op.sheet))
			switch op.kind {
			case opAppend:
				tail, ok := tails[op.sheet]
				if !ok {
					if k, _ := bucket.Cursor().Last(); k != nil {
						tail = int(binary.BigEndian.Uint64(k))
					}
				}
				tail++
				tails[op.sheet] = tail
				enc, err := json.Marshal(op.cells)
				if err != nil {
					return err
				}
				if err := bucket.Put(rowKey(tail), enc); err != nil {
					return err
				}
			case opSet:
				if err := applySet(bucket, op.row, op.col, op.cells[0]); err != nil {
					return err
				}
			case opBatchSet:
				for i, blockRow := range op.block {
					for c, cell := range blockRow {
						if err := applySet(bucket, op.row+i, op.col+c, cell); err != nil {
							return err
						}
					}
				}
			}
		}
		return nil
	})
}

func applySet(bucket *bolt.Bucket, row, col int, value string) error {
	var cells sheetstore.Row
	if raw := bucket.Get(rowKey(row)); raw != nil {
		if err := json.Unmarshal(raw, &cells); err != nil {
			return err
		}
	}
	for len(cells) <= col {
		cells = append(cells, "")
	}
	cells[col] = value
	enc, err := json.Marshal(cells)
	if err != nil {
		return err
	}
	return bucket.Put(rowKey(row), enc)
}

var _ sheetstore.Workbook = (*Workbook)(nil)
