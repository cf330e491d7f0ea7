// Package scripted provides the deterministic oracle for tests: queued
// responses played back in order, nil when the queue is empty.
package scripted

import (
	"context"
	"sync"

	"pledgeledger/internal/oracle"
)

// Oracle replays scripted responses.
type Oracle struct {
	mu       sync.Mutex
	extracts []*oracle.ReceiptAnalysis
	replies  []*oracle.ReplyAnalysis

	// Calls counts invocations per method, for assertions.
	ExtractCalls  int
	ClassifyCalls int
}

// New returns an empty scripted oracle (every call answers nil).
func New() *Oracle {
	return &Oracle{}
}

// QueueExtract schedules the next ExtractReceipts results in order.
// A queued nil models an oracle failure.
func (o *Oracle) QueueExtract(results ...*oracle.ReceiptAnalysis) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extracts = append(o.extracts, results...)
}

// QueueReply schedules the next ClassifyReply results in order.
func (o *Oracle) QueueReply(results ...*oracle.ReplyAnalysis) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replies = append(o.replies, results...)
}

// ExtractReceipts implements oracle.Oracle.
func (o *Oracle) ExtractReceipts(context.Context, oracle.ExtractRequest) *oracle.ReceiptAnalysis {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ExtractCalls++
	if len(o.extracts) == 0 {
		return nil
	}
	next := o.extracts[0]
	o.extracts = o.extracts[1:]
	return next
}

// ClassifyReply implements oracle.Oracle.
func (o *Oracle) ClassifyReply(context.Context, string, []oracle.OpenAllocation) *oracle.ReplyAnalysis {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ClassifyCalls++
	if len(o.replies) == 0 {
		return nil
	}
	next := o.replies[0]
	o.replies = o.replies[1:]
	return next
}

var _ oracle.Oracle = (*Oracle)(nil)
