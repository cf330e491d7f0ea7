// Package ids mints the identifier families used by the ledger.
//
// Id shapes are part of the external contract: they appear in email
// subjects (Ref: PLEDGE-2026-41) and are parsed back out of replies, so
// the formats here must stay in lockstep with the matchers in
// pkg/domain/mailmsg.
//
// GUARDRAIL: No time.Now() — generators take the timestamp from the
// injected clock so id minting is reproducible in tests.
package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator mints ledger identifiers. The zero value is not usable; use
// New. Random suffixes come from crypto-strength UUIDs, which keeps the
// collision probability across a 30-day window far below 1e-9.
type Generator struct {
	random func() string
}

// New returns a Generator backed by UUIDv4 randomness.
func New() *Generator {
	return &Generator{random: func() string {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}}
}

// NewDeterministic returns a Generator whose random component is produced
// by fn. For tests.
func NewDeterministic(fn func() string) *Generator {
	return &Generator{random: fn}
}

// Pledge returns PLEDGE-<year>-<n> where n is the ledger row number of the
// new pledge. Uniqueness follows from row numbers being append-only.
func Pledge(year int, rowNumber int) string {
	return fmt.Sprintf("PLEDGE-%d-%d", year, rowNumber)
}

// Allocation returns ALLOC-<epoch-ms>-<rand8>.
func (g *Generator) Allocation(now time.Time) string {
	return fmt.Sprintf("ALLOC-%d-%s", now.UnixMilli(), g.random())
}

// Receipt returns {pledgeId}-R<epoch-ms><rand4>.
func (g *Generator) Receipt(pledgeID string, now time.Time) string {
	return fmt.Sprintf("%s-R%d%s", pledgeID, now.UnixMilli(), g.random()[:4])
}

// Batch returns BATCH-<epoch-ms>.
func Batch(now time.Time) string {
	return fmt.Sprintf("BATCH-%d", now.UnixMilli())
}

// Installment returns {subscriptionId}-M<NN> with NN zero-padded.
// monthNumber is 1-based.
func Installment(subscriptionID string, monthNumber int) string {
	return fmt.Sprintf("%s-M%02d", subscriptionID, monthNumber)
}
