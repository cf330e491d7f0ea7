package ids

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pledgeledger/pkg/domain/mailmsg"
)

var testTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func deterministic() *Generator {
	return NewDeterministic(func() string { return "abcd1234" })
}

func TestPledgeID(t *testing.T) {
	require.Equal(t, "PLEDGE-2026-41", Pledge(2026, 41))

	// Ids in subjects must survive the reply matchers.
	subject := mailmsg.RefSubject("Transfer receipt", Pledge(2026, 41))
	require.Equal(t, "PLEDGE-2026-41", mailmsg.LastPledgeID(subject))
}

func TestAllocationID(t *testing.T) {
	g := deterministic()
	id := g.Allocation(testTime)
	require.Equal(t, fmt.Sprintf("ALLOC-%d-abcd1234", testTime.UnixMilli()), id)
}

func TestReceiptID(t *testing.T) {
	g := deterministic()
	id := g.Receipt("PLEDGE-2026-7", testTime)
	require.Equal(t, fmt.Sprintf("PLEDGE-2026-7-R%dabcd", testTime.UnixMilli()), id)
}

func TestBatchID(t *testing.T) {
	id := Batch(testTime)
	require.Equal(t, fmt.Sprintf("BATCH-%d", testTime.UnixMilli()), id)
	require.Equal(t, id, mailmsg.LastBatchID(mailmsg.RefSubject("Consolidated allocation", id)))
}

func TestInstallmentID(t *testing.T) {
	require.Equal(t, "PLEDGE-2026-7-M01", Installment("PLEDGE-2026-7", 1))
	require.Equal(t, "PLEDGE-2026-7-M12", Installment("PLEDGE-2026-7", 12))
}
