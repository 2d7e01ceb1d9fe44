package sfu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeqRemapperPreservesDeltaBeforeSync(t *testing.T) {
	r := NewSeqRemapper()
	first := r.Input(100)
	require.Equal(t, first+1, r.Input(101))
	require.Equal(t, first+2, r.Input(102))
}

func TestSeqRemapperSyncContinuesFromLastOutput(t *testing.T) {
	r := NewSeqRemapper()
	_ = r.Input(100)
	last := r.Input(101)

	// producer resumes with a discontinuous sequence number; output must
	// continue right after the last value this consumer emitted.
	r.Sync(5000)
	require.Equal(t, last+1, r.Input(5000))
	require.Equal(t, last+2, r.Input(5001))
}

func TestSeqRemapperDropShiftsSubsequentOutputsDown(t *testing.T) {
	r := NewSeqRemapper()
	r.Sync(100)
	first := r.Input(100)
	r.Drop(101)
	require.Equal(t, first+1, r.Input(102))
}

func TestSeqRemapperWraparound(t *testing.T) {
	r := NewSeqRemapper()
	r.Sync(65534)
	first := r.Input(65534)
	require.Equal(t, first+1, r.Input(65535))
	require.Equal(t, first+2, r.Input(0))
	require.Equal(t, first+3, r.Input(1))
}

func TestTimestampRemapperOffsetAfterSync(t *testing.T) {
	r := NewTimestampRemapper()
	_ = r.Input(9000)

	r.Sync(500000)
	base := r.Input(500000)
	r.Offset(2700) // e.g. 30ms at 90kHz clock rate, applied to the next continuation
	require.Equal(t, base+2700+1, r.Input(500001))
}
