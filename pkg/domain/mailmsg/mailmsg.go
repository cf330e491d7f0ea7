// Package mailmsg defines mail value types and the identifier matchers
// shared by the gateway and both agents.
//
// Outbound messages carry a subject containing "Ref: <pledgeId>" or
// "Ref: <batchId>"; stored message ids may be in RFC-822 form
// ("rfc822msgid:<...>") or internal form ("id:<...>"). Both are parseable
// and searchable, and both forms of every stored id are loaded into the
// watchdog's thread map.
package mailmsg

import (
	"regexp"
	"strings"
	"time"
)

// MessageID is a stored outbound message identifier in either form.
type MessageID string

const (
	rfc822Prefix   = "rfc822msgid:"
	internalPrefix = "id:"
)

// NewRFC822ID wraps a raw RFC-822 Message-ID header value.
func NewRFC822ID(raw string) MessageID {
	return MessageID(rfc822Prefix + strings.TrimSpace(raw))
}

// NewInternalID wraps a mailbox-internal message id.
func NewInternalID(raw string) MessageID {
	return MessageID(internalPrefix + strings.TrimSpace(raw))
}

// Raw strips the form prefix, returning the bare identifier.
func (m MessageID) Raw() string {
	s := string(m)
	s = strings.TrimPrefix(s, rfc822Prefix)
	s = strings.TrimPrefix(s, internalPrefix)
	return strings.Trim(strings.TrimSpace(s), "<>")
}

// IsRFC822 reports whether the id is in RFC-822 header form.
func (m MessageID) IsRFC822() bool {
	return strings.HasPrefix(string(m), rfc822Prefix)
}

// IsZero reports whether no id is stored.
func (m MessageID) IsZero() bool {
	return strings.TrimSpace(string(m)) == ""
}

// Attachment is an opaque mail attachment.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Message is a single mail message as seen by the gateway.
type Message struct {
	ID          MessageID
	From        string
	To          []string
	CC          []string
	Subject     string
	Body        string
	Date        time.Time
	Attachments []Attachment
}

// Thread is an ordered set of messages, oldest first.
type Thread struct {
	ID       string
	Messages []Message
	Labels   []string
}

// Newest returns the most recent message, or nil for an empty thread.
func (t *Thread) Newest() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// HasLabel reports whether the thread carries the named label.
func (t *Thread) HasLabel(name string) bool {
	for _, l := range t.Labels {
		if l == name {
			return true
		}
	}
	return false
}

var (
	pledgeIDPattern = regexp.MustCompile(`PLEDGE-\d{4}-\d+`)
	batchIDPattern  = regexp.MustCompile(`BATCH-\d+`)
)

// LastPledgeID returns the last pledge id occurring in text, or "".
// The last match wins because forwarded threads accumulate quoted
// subjects; the newest reference is the operative one.
func LastPledgeID(text string) string {
	matches := pledgeIDPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// LastBatchID returns the last batch id occurring in text, or "".
func LastBatchID(text string) string {
	matches := batchIDPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// RefSubject builds the threaded subject line for a reference id.
func RefSubject(prefix, refID string) string {
	return prefix + " | Ref: " + refID
}
