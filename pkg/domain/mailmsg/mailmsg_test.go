package mailmsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageIDForms(t *testing.T) {
	rfc := NewRFC822ID("<abc@mail.example>")
	require.True(t, rfc.IsRFC822())
	require.Equal(t, "abc@mail.example", rfc.Raw())

	internal := NewInternalID("18c9aa0f")
	require.False(t, internal.IsRFC822())
	require.Equal(t, "18c9aa0f", internal.Raw())

	require.True(t, MessageID("").IsZero())
	require.True(t, MessageID("  ").IsZero())
	require.False(t, rfc.IsZero())
}

func TestLastPledgeID(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Transfer receipt | Ref: PLEDGE-2026-41", "PLEDGE-2026-41"},
		{"no reference here", ""},
		// Forwarded threads accumulate quoted subjects; the last wins.
		{"Re: Ref: PLEDGE-2026-3\n> Ref: PLEDGE-2026-3\nnow about PLEDGE-2026-9", "PLEDGE-2026-9"},
		{"PLEDGE-26-1 is malformed", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, LastPledgeID(tc.text), "text %q", tc.text)
	}
}

func TestLastBatchID(t *testing.T) {
	require.Equal(t, "BATCH-1773144000000", LastBatchID("see BATCH-1773144000000 above"))
	require.Equal(t, "", LastBatchID("no batches"))
}

func TestThreadHelpers(t *testing.T) {
	empty := &Thread{}
	require.Nil(t, empty.Newest())

	thr := &Thread{
		Messages: []Message{{Subject: "first"}, {Subject: "second"}},
		Labels:   []string{"Receipts/To-Process"},
	}
	require.Equal(t, "second", thr.Newest().Subject)
	require.True(t, thr.HasLabel("Receipts/To-Process"))
	require.False(t, thr.HasLabel("Watchdog/Processed"))
}

func TestRefSubject(t *testing.T) {
	require.Equal(t, "Transfer receipt | Ref: PLEDGE-2026-41",
		RefSubject("Transfer receipt", "PLEDGE-2026-41"))
}
