package spreadbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapQoSTotalTable(t *testing.T) {
	cases := []struct {
		qos     QoS
		service DaemonService
	}{
		{QoS{OrderingUnordered, ReliabilityUnreliable}, ServiceUnreliable},
		{QoS{OrderingUnordered, ReliabilityReliable}, ServiceReliable},
		{QoS{OrderingOrdered, ReliabilityUnreliable}, ServiceFIFO},
		{QoS{OrderingOrdered, ReliabilityReliable}, ServiceFIFO},
	}
	for _, c := range cases {
		service, err := MapQoS(c.qos)
		require.NoError(t, err)
		require.Equal(t, c.service, service)
	}
}

func TestMapQoSRejectsUnknownCombination(t *testing.T) {
	_, err := MapQoS(QoS{Ordering: "bogus", Reliability: ReliabilityReliable})
	require.ErrorIs(t, err, ErrUnsupportedQoS)

	_, err = MapQoS(QoS{Ordering: OrderingOrdered, Reliability: "bogus"})
	require.ErrorIs(t, err, ErrUnsupportedQoS)
}

func TestIsFullyReliable(t *testing.T) {
	require.True(t, QoS{Reliability: ReliabilityReliable}.IsFullyReliable())
	require.False(t, QoS{Reliability: ReliabilityUnreliable}.IsFullyReliable())
}
