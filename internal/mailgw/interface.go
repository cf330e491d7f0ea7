// Package mailgw defines the mail gateway contract.
//
// The mailbox itself is an external collaborator; this seam captures the
// one interesting non-determinism — whether a stored prior id still
// resolves to a thread — so agents and tests stub it uniformly.
//
// Every captured MessageID is persistable and re-findable: Send prefers
// the RFC-822 header value and falls back to the mailbox-internal id.
package mailgw

import (
	"context"

	"pledgeledger/pkg/domain/mailmsg"
)

// MaxAttachmentBytes is the aggregate attachment cap per send. Overflow
// is not a failure: excess attachments are dropped and the body gets a
// note pointing at the blob folder.
const MaxAttachmentBytes = 24 << 20 // 24 MiB

// Outbound is one message to send.
type Outbound struct {
	To          []string
	CC          []string
	Subject     string
	HTMLBody    string
	Attachments []mailmsg.Attachment

	// OverflowLink is the blob-folder link referenced by the body note
	// when attachments exceed MaxAttachmentBytes.
	OverflowLink string
}

// Query selects inbound threads for the agents.
type Query struct {
	// Label restricts to threads carrying this label.
	Label string
	// FromDomains restricts to threads whose newest message sender is in
	// one of these domains (matched on the address's domain part).
	FromDomains []string
	// SubjectContains keeps threads whose newest subject contains ANY of
	// these substrings.
	SubjectContains []string
	// ExcludeLabels drops threads carrying any of these labels.
	ExcludeLabels []string
}

// Gateway is the mail transport contract.
type Gateway interface {
	// Send posts a new message and returns its captured id.
	Send(ctx context.Context, msg Outbound) (mailmsg.MessageID, error)

	// SendOrReply tries each prior id in order; on the first that still
	// resolves to a thread it posts a reply-to-all preserving CCs,
	// otherwise it sends msg as a new message. Prior ids may be RFC-822
	// or internal form.
	SendOrReply(ctx context.Context, msg Outbound, priorIDs []mailmsg.MessageID) (mailmsg.MessageID, error)

	// Search resolves a stored id back to its thread.
	// Returns pkgerrors.ErrNotFound if the id no longer resolves.
	Search(ctx context.Context, id mailmsg.MessageID) (*mailmsg.Thread, error)

	// SearchThreads returns threads matching the query.
	SearchThreads(ctx context.Context, q Query) ([]*mailmsg.Thread, error)

	// Draft stores a reply draft on a thread for a human to review and
	// send. Drafts are never sent automatically.
	Draft(ctx context.Context, threadID string, msg Outbound) error

	// EnsureLabel creates the label if missing.
	EnsureLabel(ctx context.Context, name string) error

	// AddLabel applies a label to a thread.
	AddLabel(ctx context.Context, threadID, name string) error

	// RemoveLabel removes a label from a thread.
	RemoveLabel(ctx context.Context, threadID, name string) error
}
