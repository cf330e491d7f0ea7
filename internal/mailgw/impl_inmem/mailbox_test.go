package impl_inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pledgeledger/internal/mailgw"
	"pledgeledger/pkg/clock"
	"pledgeledger/pkg/domain/mailmsg"
	pkgerrors "pledgeledger/pkg/errors"
)

var testNow = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newMailbox() *Mailbox {
	return New(clock.NewFixed(testNow), "pledges@foundation.example")
}

func TestSendCapturesResolvableID(t *testing.T) {
	ctx := context.Background()
	m := newMailbox()

	id, err := m.Send(ctx, mailgw.Outbound{
		To:       []string{"donor@example.org"},
		Subject:  "Thank you | Ref: PLEDGE-2026-1",
		HTMLBody: "<p>confirmed</p>",
	})
	require.NoError(t, err)
	require.True(t, id.IsRFC822())
	require.Len(t, m.Sent, 1)

	thr, err := m.Search(ctx, id)
	require.NoError(t, err)
	require.Len(t, thr.Messages, 1)
	require.Equal(t, "pledges@foundation.example", thr.Messages[0].From)
	require.Equal(t, testNow, thr.Messages[0].Date)
}

func TestSendOrReplyThreadsOnPriorID(t *testing.T) {
	ctx := context.Background()
	m := newMailbox()

	first, err := m.Send(ctx, mailgw.Outbound{
		To:      []string{"hostel@campus.example"},
		CC:      []string{"lead@foundation.example"},
		Subject: "Allocation ALLOC-1",
	})
	require.NoError(t, err)

	replyID, err := m.SendOrReply(ctx, mailgw.Outbound{
		To:       []string{"hostel@campus.example"},
		HTMLBody: "<p>reminder</p>",
	}, []mailmsg.MessageID{"", first})
	require.NoError(t, err)
	require.NotEqual(t, first, replyID)

	thr, err := m.Search(ctx, replyID)
	require.NoError(t, err)
	require.Len(t, thr.Messages, 2)
	reply := thr.Messages[1]
	require.Equal(t, "Re: Allocation ALLOC-1", reply.Subject)
	// Reply-to-all keeps the original CC.
	require.Contains(t, reply.CC, "lead@foundation.example")

	// Both ids resolve to the same thread.
	thr2, err := m.Search(ctx, first)
	require.NoError(t, err)
	require.Equal(t, thr.ID, thr2.ID)
}

func TestSendOrReplyFallsBackToNewMessage(t *testing.T) {
	ctx := context.Background()
	m := newMailbox()

	id, err := m.SendOrReply(ctx, mailgw.Outbound{
		To:      []string{"donor@example.org"},
		Subject: "Update",
	}, []mailmsg.MessageID{mailmsg.NewRFC822ID("<gone@nowhere>")})
	require.NoError(t, err)

	thr, err := m.Search(ctx, id)
	require.NoError(t, err)
	require.Len(t, thr.Messages, 1)
	require.Equal(t, "Update", thr.Messages[0].Subject)
}

func TestFailNextSendIsOneShot(t *testing.T) {
	ctx := context.Background()
	m := newMailbox()
	m.FailNextSend(errors.New("smtp down"))

	_, err := m.Send(ctx, mailgw.Outbound{To: []string{"donor@example.org"}})
	require.ErrorIs(t, err, pkgerrors.ErrMailSendFailed)
	require.Empty(t, m.Sent)

	_, err = m.Send(ctx, mailgw.Outbound{To: []string{"donor@example.org"}})
	require.NoError(t, err)
	require.Len(t, m.Sent, 1)
}

func TestSearchUnknownID(t *testing.T) {
	m := newMailbox()
	_, err := m.Search(context.Background(), mailmsg.NewInternalID("nope"))
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestSearchThreads(t *testing.T) {
	ctx := context.Background()
	m := newMailbox()

	m.DeliverNew(mailmsg.Message{
		From:    "donor@example.org",
		Subject: "Transfer receipt | Ref: PLEDGE-2026-1",
		Date:    testNow,
	}, "Receipts/To-Process")
	processed := m.DeliverNew(mailmsg.Message{
		From:    "donor@example.org",
		Subject: "Transfer receipt | Ref: PLEDGE-2026-2",
		Date:    testNow,
	}, "Receipts/To-Process", "Receipts/Processed")
	m.DeliverNew(mailmsg.Message{
		From:    "warden@campus.example",
		Subject: "Re: Allocation",
		Date:    testNow,
	}, "Watchdog/Inbox")

	got, err := m.SearchThreads(ctx, mailgw.Query{
		Label:         "Receipts/To-Process",
		ExcludeLabels: []string{"Receipts/Processed"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Transfer receipt | Ref: PLEDGE-2026-1", got[0].Newest().Subject)
	_ = processed

	byDomain, err := m.SearchThreads(ctx, mailgw.Query{FromDomains: []string{"campus.example"}})
	require.NoError(t, err)
	require.Len(t, byDomain, 1)

	bySubject, err := m.SearchThreads(ctx, mailgw.Query{SubjectContains: []string{"Allocation"}})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
}

func TestLabelLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newMailbox()

	threadID := m.DeliverNew(mailmsg.Message{From: "donor@example.org", Subject: "hi", Date: testNow})
	require.NoError(t, m.AddLabel(ctx, threadID, "Manual-Review"))
	require.NoError(t, m.AddLabel(ctx, threadID, "Manual-Review")) // idempotent
	require.Equal(t, []string{"Manual-Review"}, m.Thread(threadID).Labels)

	require.NoError(t, m.RemoveLabel(ctx, threadID, "Manual-Review"))
	require.False(t, m.Thread(threadID).HasLabel("Manual-Review"))

	require.ErrorIs(t, m.AddLabel(ctx, "thread-999999", "x"), pkgerrors.ErrNotFound)
}

func TestDraftStoredNotSent(t *testing.T) {
	ctx := context.Background()
	m := newMailbox()

	threadID := m.DeliverNew(mailmsg.Message{From: "donor@example.org", Subject: "question", Date: testNow})
	require.NoError(t, m.Draft(ctx, threadID, mailgw.Outbound{HTMLBody: "<p>suggested answer</p>"}))

	require.Len(t, m.Drafts, 1)
	require.Equal(t, threadID, m.Drafts[0].ThreadID)
	require.Empty(t, m.Sent)

	require.ErrorIs(t, m.Draft(ctx, "thread-999999", mailgw.Outbound{}), pkgerrors.ErrNotFound)
}

func TestDeliverReplyExtendsThread(t *testing.T) {
	m := newMailbox()
	threadID := m.DeliverNew(mailmsg.Message{From: "donor@example.org", Subject: "receipt", Date: testNow})

	require.NoError(t, m.DeliverReply(threadID, mailmsg.Message{
		From: "donor@example.org",
		Body: "second slip attached",
		Date: testNow.Add(time.Hour),
	}))
	thr := m.Thread(threadID)
	require.Len(t, thr.Messages, 2)
	require.Equal(t, "second slip attached", thr.Newest().Body)

	// The injected reply's minted id resolves back to the thread.
	got, err := m.Search(context.Background(), thr.Newest().ID)
	require.NoError(t, err)
	require.Equal(t, threadID, got.ID)
}

func TestSendAppliesAttachmentCap(t *testing.T) {
	ctx := context.Background()
	m := newMailbox()

	_, err := m.Send(ctx, mailgw.Outbound{
		To: []string{"hostel@campus.example"},
		Attachments: []mailmsg.Attachment{
			{Filename: "huge.pdf", Data: make([]byte, mailgw.MaxAttachmentBytes+1)},
		},
		OverflowLink: "mem://receipts",
	})
	require.NoError(t, err)
	require.Empty(t, m.Sent[0].Attachments)
	require.Contains(t, m.Sent[0].HTMLBody, "mem://receipts")
}
