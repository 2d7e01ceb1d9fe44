package sfu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStream() *RtpStream {
	return NewRtpStream(RtpStreamParams{Ssrc: 1111, PayloadType: 96, ClockRate: 90000, Kind: MediaKindVideo}, nil)
}

func TestRtpStreamFirstPacketSeeds(t *testing.T) {
	s := newTestStream()
	require.True(t, s.UpdateSeq(1000))
	require.Equal(t, uint16(1000), s.MaxSeq())
	require.EqualValues(t, 1, s.ExpectedPackets())
}

func TestRtpStreamInOrderSequence(t *testing.T) {
	s := newTestStream()
	require.True(t, s.UpdateSeq(1000))
	for seq := uint16(1001); seq <= 1005; seq++ {
		require.True(t, s.UpdateSeq(seq))
	}
	require.Equal(t, uint16(1005), s.MaxSeq())
	require.EqualValues(t, 6, s.ExpectedPackets())
}

func TestRtpStreamProbationRejectsDiscontinuity(t *testing.T) {
	s := newTestStream()
	require.True(t, s.UpdateSeq(1000)) // seeds, probation = MinSequential-1 = 1
	require.False(t, s.UpdateSeq(2000))
	// probation reset; a contiguous run from the new point is required.
	require.True(t, s.UpdateSeq(2001))
}

func TestRtpStreamHugeJumpEntersBadSeqThenResyncs(t *testing.T) {
	s := newTestStream()
	require.True(t, s.UpdateSeq(1000))
	require.True(t, s.UpdateSeq(1001)) // clears probation

	require.False(t, s.UpdateSeq(40000)) // beyond MaxDropout, not yet confirmed
	require.True(t, s.UpdateSeq(40001))  // two in a row at the new point: InitSeq fires
	require.Equal(t, uint16(40001), s.MaxSeq())
}

func TestRtpStreamSequenceWraparoundIncrementsCycles(t *testing.T) {
	s := newTestStream()
	require.True(t, s.UpdateSeq(65534))
	require.True(t, s.UpdateSeq(65535))
	require.True(t, s.UpdateSeq(0))
	require.EqualValues(t, RtpSeqMod, s.cycles)
	require.Equal(t, uint32(RtpSeqMod), s.ExtendedMaxSeq())
}

func TestRtpStreamReorderedWithinMisorderWindowAccepted(t *testing.T) {
	s := newTestStream()
	require.True(t, s.UpdateSeq(1000))
	require.True(t, s.UpdateSeq(1001))
	// a packet slightly behind maxSeq, inside MaxMisorder, is accepted
	// as reordered without advancing maxSeq.
	require.True(t, s.UpdateSeq(999))
	require.Equal(t, uint16(1001), s.MaxSeq())
}

func TestRtpStreamPacketsLost(t *testing.T) {
	s := newTestStream()
	require.True(t, s.UpdateSeq(1000))
	s.OnPacketReceived(1000, 1)
	require.True(t, s.UpdateSeq(1001)) // clears probation
	s.OnPacketReceived(1033, 2)
	require.True(t, s.UpdateSeq(1003)) // 1002 missing
	s.OnPacketReceived(1099, 3)
	require.EqualValues(t, 1, s.PacketsLost())
}

func TestRtpStreamScoreListenerNotifiedOnCross(t *testing.T) {
	events := 0
	listener := &fakeStreamListener{onScore: func(*RtpStream, uint8, uint8) { events++ }}
	s := NewRtpStream(RtpStreamParams{Kind: MediaKindVideo}, listener)
	for i := 0; i < rtpMonitorWindowSize; i++ {
		s.Monitor.AddSample(50)
	}
	require.Greater(t, events, 0)
	require.Less(t, s.Monitor.Score(), maxScore)
}

type fakeStreamListener struct {
	onScore func(stream *RtpStream, score, previousScore uint8)
}

func (f *fakeStreamListener) OnRtpStreamScore(stream *RtpStream, score, previousScore uint8) {
	if f.onScore != nil {
		f.onScore(stream, score, previousScore)
	}
}
