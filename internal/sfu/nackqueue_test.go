package sfu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNackQueueWaitsMinInterval(t *testing.T) {
	now := int64(1000)
	q := newNackQueue(func() int64 { return now })
	q.Push(5)

	require.Empty(t, q.DueSequenceNumbers())

	now += nackMinIntervalMs
	due := q.DueSequenceNumbers()
	require.Equal(t, []uint16{5}, due)
}

func TestNackQueueRemoveDropsEntry(t *testing.T) {
	now := int64(0)
	q := newNackQueue(func() int64 { return now })
	q.Push(5)
	q.Remove(5)

	now += nackMinIntervalMs
	require.Empty(t, q.DueSequenceNumbers())
}

func TestNackQueuePurgesAfterMaxTries(t *testing.T) {
	now := int64(0)
	q := newNackQueue(func() int64 { return now })
	q.SetRtt(100)
	q.Push(5)

	for i := 0; i < nackMaxTries; i++ {
		now += nackMaxIntervalMs
		due := q.DueSequenceNumbers()
		require.Equal(t, []uint16{5}, due)
	}

	now += nackMaxIntervalMs
	require.Empty(t, q.DueSequenceNumbers())
}

func TestNackQueueCapEvictsOldest(t *testing.T) {
	now := int64(0)
	q := newNackQueue(func() int64 { return now })
	for seq := 0; seq < nackCacheSize+5; seq++ {
		q.Push(uint16(seq))
	}
	require.Len(t, q.entries, nackCacheSize)
	require.Equal(t, uint16(5), q.entries[0].seq)
}
