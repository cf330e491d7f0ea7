// Package engine is the composition root: it wires storage, mail, oracle
// and the business engines into one Engine the binaries and end-to-end
// tests share.
package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"pledgeledger/internal/allocate"
	"pledgeledger/internal/audit"
	"pledgeledger/internal/blob"
	"pledgeledger/internal/config"
	"pledgeledger/internal/intake"
	"pledgeledger/internal/ledger"
	"pledgeledger/internal/locker"
	"pledgeledger/internal/mailgw"
	"pledgeledger/internal/mailgw/impl_inmem"
	"pledgeledger/internal/oracle"
	"pledgeledger/internal/oracle/gemini"
	"pledgeledger/internal/readapi"
	"pledgeledger/internal/receipts"
	"pledgeledger/internal/sheetstore"
	"pledgeledger/internal/sheetstore/boltstore"
	"pledgeledger/internal/sheetstore/inmem"
	"pledgeledger/internal/subscription"
	"pledgeledger/internal/template"
	"pledgeledger/internal/watchdog"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/ids"
)

// Options selects the backing implementations.
type Options struct {
	Config  config.Config
	Secrets config.Secrets
	Log     *zap.Logger

	// InMemory backs everything with in-process fakes: in-memory sheets,
	// mailbox, blob store, and no oracle calls. For dry runs and tests.
	InMemory bool

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Mail/Oracle override the defaults when non-nil (tests inject the
	// scripted oracle and a shared mailbox here).
	Mail   mailgw.Gateway
	Oracle oracle.Oracle
}

// Engine is the assembled system.
type Engine struct {
	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
	Zone   clock.Zone

	Tables *sheetstore.Tables
	Blobs  blob.Store
	Mail   mailgw.Gateway
	Oracle oracle.Oracle
	Audit  audit.Logger

	Ledger    *ledger.Engine
	Allocator *allocate.Service
	Receipts  *receipts.Processor
	Watchdog  *watchdog.Watchdog
	Subs      *subscription.Engine
	Intake    *intake.Handler
	ReadAPI   *readapi.Server

	closers []func() error
}

// New assembles an Engine. The caller owns Close.
func New(ctx context.Context, opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	zone, err := clock.LoadZone(opts.Config.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("display timezone: %w", err)
	}

	e := &Engine{Config: opts.Config, Log: log, Clock: clk, Zone: zone}

	if opts.InMemory {
		e.Tables, err = sheetstore.NewTables(ctx, inmem.NewOperations(), inmem.NewConfidential())
		if err != nil {
			return nil, err
		}
		e.Blobs = blob.NewMemStore()
	} else {
		ops, err := boltstore.Open(filepath.Join(opts.Config.DataDir, "operations.db"), sheetstore.OperationsHeaders)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, ops.Close)
		confidential, err := boltstore.Open(filepath.Join(opts.Config.DataDir, "confidential.db"), sheetstore.ConfidentialHeaders)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, confidential.Close)
		e.Tables, err = sheetstore.NewTables(ctx, ops, confidential)
		if err != nil {
			return nil, err
		}
		dirStore, err := blob.NewDirStore(opts.Config.ReceiptsDir)
		if err != nil {
			return nil, err
		}
		e.Blobs = dirStore
	}

	e.Mail = opts.Mail
	if e.Mail == nil {
		// No external mail provider is wired in this build; the in-memory
		// mailbox doubles as the dry-run transport.
		e.Mail = impl_inmem.New(clk, opts.Config.AdminEmail)
	}
	e.Oracle = opts.Oracle
	if e.Oracle == nil {
		e.Oracle = gemini.New(gemini.Config{
			APIKey: opts.Secrets.GeminiAPIKey,
			Model:  opts.Config.GeminiModel,
		}, log)
	}

	e.Audit = audit.NewSheetLogger(e.Tables, clk, log)
	locks := locker.NewNamed()
	gen := ids.New()
	tmpl := template.Defaults()

	e.Ledger = ledger.New(e.Tables, e.Audit)
	e.Allocator = allocate.New(e.Tables, e.Ledger, locks, e.Mail, tmpl,
		e.Blobs, e.Audit, clk, zone, gen, opts.Config, log)
	e.Subs = subscription.New(e.Tables, e.Ledger, e.Allocator, locks, e.Mail,
		tmpl, e.Audit, clk, zone, gen, opts.Config, log)
	e.Receipts = receipts.New(e.Tables, e.Ledger, e.Mail, e.Oracle, e.Blobs,
		e.Audit, clk, gen, opts.Config, e.Subs, log)
	e.Watchdog = watchdog.New(e.Tables, e.Ledger, e.Mail, e.Oracle, tmpl,
		e.Audit, clk, opts.Config, log)
	e.Intake = intake.New(e.Tables, e.Mail, tmpl, e.Subs, e.Audit, clk,
		opts.Config, log)
	e.ReadAPI = readapi.New(e.Tables, opts.Config, opts.Secrets.ReportingSalt, log)

	for _, label := range []string{
		receipts.LabelToProcess, receipts.LabelProcessed,
		receipts.LabelDonorQuery, receipts.LabelManualReview,
		watchdog.LabelProcessed, watchdog.LabelManualReview,
	} {
		if err := e.Mail.EnsureLabel(ctx, label); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Close releases the storage backends.
func (e *Engine) Close() error {
	var first error
	for _, c := range e.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
