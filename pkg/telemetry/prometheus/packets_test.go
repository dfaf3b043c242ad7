package prometheus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTotalsWithoutInit(t *testing.T) {
	before := Totals()

	IncrementPackets(Incoming, 2)
	IncrementBytes(Outgoing, 100)
	IncrementRTCP(Outgoing, 3, 1)
	IncrementRetransmits(1, 50)
	IncrementLost(1)
	IncrementStreamResets("TIMEOUT")
	SetBandwidthEstimate(1_000_000)

	after := Totals()
	require.Equal(t, before.PacketsIn+2, after.PacketsIn)
	require.Equal(t, before.BytesOut+100, after.BytesOut)
	require.Equal(t, before.NackTotal+3, after.NackTotal)
	require.Equal(t, before.Retransmits+1, after.Retransmits)
}
