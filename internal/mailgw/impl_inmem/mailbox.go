// Package impl_inmem provides the in-memory mailbox.
//
// It is both the test double and the default backend for dry runs: it
// models threads, labels, reply threading and id resolution faithfully
// enough that the agents cannot tell the difference, and exposes
// injection hooks (inbound delivery, forced send failure) for tests.
package impl_inmem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"pledgeledger/internal/mailgw"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/mailmsg"
	pkgerrors "pledgeledger/pkg/errors"
)

// Mailbox is the in-memory Gateway.
type Mailbox struct {
	mu sync.Mutex

	clk     clock.Clock
	from    string
	seq     int
	threads map[string]*mailmsg.Thread // threadID -> thread
	byMsgID map[string]string          // raw message id -> threadID
	labels  map[string]bool

	// failNextSend, when non-nil, fails the next Send/SendOrReply once.
	failNextSend error

	// Sent records every outbound message in order, for assertions.
	Sent []mailgw.Outbound

	// Drafts records every stored draft in order, for assertions.
	Drafts []ThreadDraft
}

// ThreadDraft is a draft pinned to a thread.
type ThreadDraft struct {
	ThreadID string
	Msg      mailgw.Outbound
}

// New returns an empty mailbox sending as from.
func New(clk clock.Clock, from string) *Mailbox {
	return &Mailbox{
		clk:     clk,
		from:    from,
		threads: make(map[string]*mailmsg.Thread),
		byMsgID: make(map[string]string),
		labels:  make(map[string]bool),
	}
}

// FailNextSend makes the next outbound send fail with err, once.
func (m *Mailbox) FailNextSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextSend = err
}

func (m *Mailbox) nextID() mailmsg.MessageID {
	m.seq++
	return mailmsg.NewRFC822ID(fmt.Sprintf("<msg-%06d@pledgeledger.local>", m.seq))
}

func (m *Mailbox) nextThreadID() string {
	m.seq++
	return fmt.Sprintf("thread-%06d", m.seq)
}

func (m *Mailbox) takeFailure() error {
	if err := m.failNextSend; err != nil {
		m.failNextSend = nil
		return err
	}
	return nil
}

// Send implements mailgw.Gateway.
func (m *Mailbox) Send(_ context.Context, msg mailgw.Outbound) (mailmsg.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", fmt.Errorf("%w: %v", pkgerrors.ErrMailSendFailed, err)
	}
	msg = mailgw.ApplyAttachmentCap(msg)
	id := m.nextID()
	threadID := m.nextThreadID()
	thread := &mailmsg.Thread{
		ID: threadID,
		Messages: []mailmsg.Message{{
			ID:          id,
			From:        m.from,
			To:          msg.To,
			CC:          msg.CC,
			Subject:     msg.Subject,
			Body:        msg.HTMLBody,
			Date:        m.clk.Now(),
			Attachments: msg.Attachments,
		}},
	}
	m.threads[threadID] = thread
	m.byMsgID[id.Raw()] = threadID
	m.Sent = append(m.Sent, msg)
	return id, nil
}

// SendOrReply implements mailgw.Gateway.
func (m *Mailbox) SendOrReply(ctx context.Context, msg mailgw.Outbound, priorIDs []mailmsg.MessageID) (mailmsg.MessageID, error) {
	m.mu.Lock()
	for _, prior := range priorIDs {
		if prior.IsZero() {
			continue
		}
		threadID, ok := m.byMsgID[prior.Raw()]
		if !ok {
			continue
		}
		if err := m.takeFailure(); err != nil {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %v", pkgerrors.ErrMailSendFailed, err)
		}
		msg = mailgw.ApplyAttachmentCap(msg)
		thread := m.threads[threadID]
		// Reply-to-all: union the thread's prior recipients with the
		// requested ones, preserving CCs.
		first := thread.Messages[0]
		id := m.nextID()
		thread.Messages = append(thread.Messages, mailmsg.Message{
			ID:          id,
			From:        m.from,
			To:          union(msg.To, first.To),
			CC:          union(msg.CC, first.CC),
			Subject:     "Re: " + first.Subject,
			Body:        msg.HTMLBody,
			Date:        m.clk.Now(),
			Attachments: msg.Attachments,
		})
		m.byMsgID[id.Raw()] = threadID
		m.Sent = append(m.Sent, msg)
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()
	return m.Send(ctx, msg)
}

func union(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Search implements mailgw.Gateway.
func (m *Mailbox) Search(_ context.Context, id mailmsg.MessageID) (*mailmsg.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threadID, ok := m.byMsgID[id.Raw()]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id.Raw(), pkgerrors.ErrNotFound)
	}
	return m.threads[threadID], nil
}

// SearchThreads implements mailgw.Gateway.
func (m *Mailbox) SearchThreads(_ context.Context, q mailgw.Query) ([]*mailmsg.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mailmsg.Thread
	for _, thread := range m.threads {
		if matches(thread, q) {
			out = append(out, thread)
		}
	}
	return out, nil
}

func matches(t *mailmsg.Thread, q mailgw.Query) bool {
	if q.Label != "" && !t.HasLabel(q.Label) {
		return false
	}
	for _, ex := range q.ExcludeLabels {
		if t.HasLabel(ex) {
			return false
		}
	}
	newest := t.Newest()
	if newest == nil {
		return false
	}
	if len(q.FromDomains) > 0 {
		ok := false
		for _, domain := range q.FromDomains {
			if strings.HasSuffix(strings.ToLower(newest.From), "@"+strings.ToLower(domain)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(q.SubjectContains) > 0 {
		ok := false
		for _, sub := range q.SubjectContains {
			if strings.Contains(newest.Subject, sub) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Draft implements mailgw.Gateway.
func (m *Mailbox) Draft(_ context.Context, threadID string, msg mailgw.Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return fmt.Errorf("thread %s: %w", threadID, pkgerrors.ErrNotFound)
	}
	m.Drafts = append(m.Drafts, ThreadDraft{ThreadID: threadID, Msg: msg})
	return nil
}

// EnsureLabel implements mailgw.Gateway.
func (m *Mailbox) EnsureLabel(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[name] = true
	return nil
}

// AddLabel implements mailgw.Gateway.
func (m *Mailbox) AddLabel(_ context.Context, threadID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, pkgerrors.ErrNotFound)
	}
	m.labels[name] = true
	if !thread.HasLabel(name) {
		thread.Labels = append(thread.Labels, name)
	}
	return nil
}

// RemoveLabel implements mailgw.Gateway.
func (m *Mailbox) RemoveLabel(_ context.Context, threadID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, pkgerrors.ErrNotFound)
	}
	var kept []string
	for _, l := range thread.Labels {
		if l != name {
			kept = append(kept, l)
		}
	}
	thread.Labels = kept
	return nil
}

// DeliverNew injects an inbound message as a new thread carrying labels.
// Test/ingress hook.
func (m *Mailbox) DeliverNew(msg mailmsg.Message, labels ...string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID.IsZero() {
		msg.ID = m.nextID()
	}
	threadID := m.nextThreadID()
	m.threads[threadID] = &mailmsg.Thread{ID: threadID, Messages: []mailmsg.Message{msg}, Labels: labels}
	m.byMsgID[msg.ID.Raw()] = threadID
	return threadID
}

// DeliverReply injects an inbound reply onto an existing thread.
// Test/ingress hook.
func (m *Mailbox) DeliverReply(threadID string, msg mailmsg.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, pkgerrors.ErrNotFound)
	}
	if msg.ID.IsZero() {
		msg.ID = m.nextID()
	}
	thread.Messages = append(thread.Messages, msg)
	m.byMsgID[msg.ID.Raw()] = threadID
	return nil
}

// Thread returns a thread by id. Test hook.
func (m *Mailbox) Thread(threadID string) *mailmsg.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[threadID]
}

var _ mailgw.Gateway = (*Mailbox)(nil)
