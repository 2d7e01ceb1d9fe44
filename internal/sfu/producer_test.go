package sfu

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/sfu-core/internal/clock"
)

type fakeProducerListener struct {
	received  []*RtpPacket
	healthy   []uint32
	unhealthy []uint32
	nacked    map[uint32][]uint16
	paused    int
	resumed   int
	closed    bool
}

func newFakeProducerListener() *fakeProducerListener {
	return &fakeProducerListener{nacked: make(map[uint32][]uint16)}
}

func (f *fakeProducerListener) OnProducerRtpPacketReceived(producer *Producer, packet *RtpPacket) {
	f.received = append(f.received, packet)
}
func (f *fakeProducerListener) OnProducerStreamHealthy(producer *Producer, mappedSsrc uint32) {
	f.healthy = append(f.healthy, mappedSsrc)
}
func (f *fakeProducerListener) OnProducerStreamUnhealthy(producer *Producer, mappedSsrc uint32) {
	f.unhealthy = append(f.unhealthy, mappedSsrc)
}
func (f *fakeProducerListener) OnProducerSendNack(producer *Producer, mappedSsrc uint32, seqNumbers []uint16) {
	f.nacked[mappedSsrc] = append(f.nacked[mappedSsrc], seqNumbers...)
}
func (f *fakeProducerListener) OnProducerPaused(producer *Producer) {
	f.paused++
}
func (f *fakeProducerListener) OnProducerResumed(producer *Producer) {
	f.resumed++
}
func (f *fakeProducerListener) OnProducerClosed(producer *Producer) {
	f.closed = true
}

func testParameters() RtpParameters {
	return RtpParameters{
		Codecs: []RtpCodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000, RtcpFeedback: []RtcpFeedback{{Type: "nack"}}},
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000},
		},
		Encodings: []RtpEncodingParameters{
			{Ssrc: 1000, Rtx: &RtpRtxParameters{Ssrc: 1001}},
		},
	}
}

func newTestPacket(ssrc uint32, seq uint16, ts uint32, pt uint8) *RtpPacket {
	return &RtpPacket{Packet: &rtp.Packet{
		Header: rtp.Header{SSRC: ssrc, SequenceNumber: seq, Timestamp: ts, PayloadType: pt},
	}}
}

func TestProducerResolvesDeclaredSsrcAndForwards(t *testing.T) {
	listener := newFakeProducerListener()
	p := NewProducer("p1", MediaKindVideo, testParameters(), listener, clock.NewFixed(0), true)

	p.ReceiveRtpPacket(newTestPacket(1000, 10, 1000, 96))
	require.Len(t, listener.received, 1)
	require.Len(t, p.streamsBySsrc, 1)
}

func TestProducerUnknownSsrcDiscarded(t *testing.T) {
	listener := newFakeProducerListener()
	p := NewProducer("p1", MediaKindVideo, testParameters(), listener, clock.NewFixed(0), true)

	p.ReceiveRtpPacket(newTestPacket(9999, 10, 1000, 96))
	require.Empty(t, listener.received)
}

func TestProducerPausedDropsPackets(t *testing.T) {
	listener := newFakeProducerListener()
	p := NewProducer("p1", MediaKindVideo, testParameters(), listener, clock.NewFixed(0), true)
	p.Pause()

	p.ReceiveRtpPacket(newTestPacket(1000, 10, 1000, 96))
	require.Empty(t, listener.received)
	require.True(t, p.Paused())
}

func TestProducerPauseResumeNotifiesListenerOnce(t *testing.T) {
	listener := newFakeProducerListener()
	p := NewProducer("p1", MediaKindVideo, testParameters(), listener, clock.NewFixed(0), true)

	p.Pause()
	p.Pause() // redundant: must not double-notify
	require.Equal(t, 1, listener.paused)

	p.Resume()
	p.Resume() // redundant: must not double-notify
	require.Equal(t, 1, listener.resumed)
}

func TestProducerGapTriggersNack(t *testing.T) {
	listener := newFakeProducerListener()
	clk := clock.NewFixed(0)
	p := NewProducer("p1", MediaKindVideo, testParameters(), listener, clk, true)

	p.ReceiveRtpPacket(newTestPacket(1000, 10, 1000, 96))
	p.ReceiveRtpPacket(newTestPacket(1000, 11, 1033, 96)) // contiguous: clears probation
	clk.AdvanceMs(50)
	// jump from seq 11 to 14: 12 and 13 are missing.
	p.ReceiveRtpPacket(newTestPacket(1000, 14, 1500, 96))
	clk.AdvanceMs(50) // past the nack grace period
	p.ReceiveRtpPacket(newTestPacket(1000, 15, 1533, 96))

	require.Contains(t, listener.nacked, uint32(1000))
	require.ElementsMatch(t, []uint16{12, 13}, listener.nacked[1000])
}

func TestProducerRtxPacketRemovesPendingNack(t *testing.T) {
	listener := newFakeProducerListener()
	clk := clock.NewFixed(0)
	p := NewProducer("p1", MediaKindVideo, testParameters(), listener, clk, true)

	p.ReceiveRtpPacket(newTestPacket(1000, 10, 1000, 96))
	p.ReceiveRtpPacket(newTestPacket(1000, 11, 1033, 96)) // contiguous: clears probation
	clk.AdvanceMs(50)
	p.ReceiveRtpPacket(newTestPacket(1000, 14, 1500, 96)) // nacks 12, 13 pending

	stream := p.streamsBySsrc[1000]
	q := p.nackQueues[1000]
	require.NotNil(t, q)

	// retransmission for original seq 12 arrives on the RTX ssrc, with
	// its own transport-level seq (50) and an RFC 4588 OSN payload
	// header (original seq 12, network byte order) ahead of the
	// repaired media payload.
	rtxPacket := newTestPacket(1001, 50, 1000, 97)
	rtxPacket.Payload = []byte{0x00, 0x0c, 0xaa, 0xbb}
	p.ReceiveRtpPacket(rtxPacket)

	require.EqualValues(t, 1, stream.packetsRetransmitted)
	require.Len(t, listener.received, 3)
	repaired := listener.received[2]
	require.EqualValues(t, 12, repaired.SequenceNumber)
	require.EqualValues(t, 1000, repaired.SSRC)
	require.EqualValues(t, 96, repaired.PayloadType)
	require.Equal(t, []byte{0xaa, 0xbb}, repaired.Payload)

	var remaining []uint16
	for _, e := range q.entries {
		remaining = append(remaining, e.seq)
	}
	require.NotContains(t, remaining, uint16(12))
	require.Contains(t, remaining, uint16(13))
}

func TestProducerCloseNotifiesListener(t *testing.T) {
	listener := newFakeProducerListener()
	p := NewProducer("p1", MediaKindVideo, testParameters(), listener, clock.NewFixed(0), true)
	p.Close()
	require.True(t, listener.closed)
	// closing twice must not double-notify.
	listener.closed = false
	p.Close()
	require.False(t, listener.closed)
}

func TestProducerRequestKeyFrameUnknownSsrc(t *testing.T) {
	listener := newFakeProducerListener()
	p := NewProducer("p1", MediaKindVideo, testParameters(), listener, clock.NewFixed(0), true)
	err := p.RequestKeyFrame(9999)
	require.Error(t, err)
}
