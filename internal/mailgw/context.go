// Thread context assembly for the AI oracle. The newest message is the
// one under analysis (CURRENT); up to maxHistory prior messages provide
// HISTORY. Signatures and quoted reply lines are stripped and blank runs
// collapsed so the oracle sees content, not boilerplate.

package mailgw

import (
	"strings"

	"pledgeledger/pkg/domain/mailmsg"
)

// DefaultMaxHistory is the prior-message budget for thread context.
const DefaultMaxHistory = 3

// ThreadContext is the oracle-facing view of a thread.
type ThreadContext struct {
	Current  string
	History  []string
	Combined string
}

// BuildThreadContext assembles the context for a thread. maxHistory <= 0
// means DefaultMaxHistory.
func BuildThreadContext(t *mailmsg.Thread, maxHistory int) ThreadContext {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	tc := ThreadContext{}
	newest := t.Newest()
	if newest == nil {
		return tc
	}
	tc.Current = CleanBody(newest.Body)

	start := len(t.Messages) - 1 - maxHistory
	if start < 0 {
		start = 0
	}
	for i := start; i < len(t.Messages)-1; i++ {
		tc.History = append(tc.History, CleanBody(t.Messages[i].Body))
	}

	var b strings.Builder
	if len(tc.History) > 0 {
		b.WriteString("=== HISTORY (oldest first) ===\n")
		for _, h := range tc.History {
			b.WriteString(h)
			b.WriteString("\n---\n")
		}
	}
	b.WriteString("=== CURRENT (analyze this) ===\n")
	b.WriteString(tc.Current)
	tc.Combined = b.String()
	return tc
}

var signatureMarkers = []string{
	"-- ", "--\t", "best regards", "kind regards", "warm regards",
	"sent from my iphone", "sent from my mobile", "jazakallah",
}

// CleanBody strips quoted reply lines and trailing signatures and
// collapses runs of blank lines.
func CleanBody(body string) string {
	lines := strings.Split(body, "\n")
	var kept []string
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Quoted reply content.
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			continue
		}

		// Signature start ends the useful content.
		lower := strings.ToLower(trimmed)
		stop := false
		for _, marker := range signatureMarkers {
			if lower == strings.TrimSpace(marker) || strings.HasPrefix(lower, marker) {
				stop = true
				break
			}
		}
		if stop {
			break
		}

		if trimmed == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
