package sfu

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/sfu-core/internal/clock"
)

type fakeConsumerListener struct {
	sent        []*RtpPacket
	keyFrameReq []uint32
}

func (f *fakeConsumerListener) OnConsumerSendRtpPacket(consumer *Consumer, packet *RtpPacket) {
	cp := *packet.Packet
	f.sent = append(f.sent, &RtpPacket{Packet: &cp})
}
func (f *fakeConsumerListener) OnConsumerKeyFrameRequested(consumer *Consumer, mappedSsrc uint32) {
	f.keyFrameReq = append(f.keyFrameReq, mappedSsrc)
}

func consumerTestParameters() RtpParameters {
	return RtpParameters{
		Codecs: []RtpCodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
		},
		Encodings: []RtpEncodingParameters{{Ssrc: 2000}},
	}
}

func newTestConsumer(listener ConsumerListener, clk clock.Clock) *Consumer {
	c := NewConsumer("c1", MediaKindVideo, consumerTestParameters(), "test-cname", listener, clk)
	producerStream := NewRtpStream(RtpStreamParams{Ssrc: 1000, PayloadType: 96, ClockRate: 90000, Kind: MediaKindVideo}, nil)
	c.BindProducerStream(producerStream)
	return c
}

func TestConsumerInactiveUntilConnectedAndBound(t *testing.T) {
	listener := &fakeConsumerListener{}
	c := NewConsumer("c1", MediaKindVideo, consumerTestParameters(), "test-cname", listener, clock.NewFixed(0))
	c.SendRtpPacket(newTestPacket(1000, 1, 1000, 96))
	require.Empty(t, listener.sent)
}

func TestConsumerForwardsAndRewritesSsrc(t *testing.T) {
	listener := &fakeConsumerListener{}
	c := newTestConsumer(listener, clock.NewFixed(0))

	original := newTestPacket(1000, 500, 90000, 96)
	c.SendRtpPacket(original)

	require.Len(t, listener.sent, 1)
	require.Equal(t, c.Ssrc, listener.sent[0].SSRC)
	// fan-out purity: the caller's packet must be restored afterward.
	require.EqualValues(t, 1000, original.SSRC)
	require.EqualValues(t, 500, original.SequenceNumber)
}

func TestConsumerDropsUnsupportedPayloadType(t *testing.T) {
	listener := &fakeConsumerListener{}
	c := newTestConsumer(listener, clock.NewFixed(0))

	c.SendRtpPacket(newTestPacket(1000, 1, 1000, 111))
	require.Empty(t, listener.sent)
}

func TestConsumerOutputSequenceIsContinuousAcrossResync(t *testing.T) {
	listener := &fakeConsumerListener{}
	clk := clock.NewFixed(0)
	c := newTestConsumer(listener, clk)

	c.SendRtpPacket(newTestPacket(1000, 100, 9000, 96))
	first := listener.sent[0].SequenceNumber

	c.SendRtpPacket(newTestPacket(1000, 101, 9003, 96))
	require.Equal(t, first+1, listener.sent[1].SequenceNumber)

	// producer resync: new bound stream, discontinuous seq space.
	c.BindProducerStream(NewRtpStream(RtpStreamParams{Ssrc: 3000, ClockRate: 90000}, nil))
	c.SendRtpPacket(newTestPacket(3000, 50, 1000000, 96))
	require.Equal(t, first+2, listener.sent[2].SequenceNumber)
}

func TestConsumerPausedDropsPackets(t *testing.T) {
	listener := &fakeConsumerListener{}
	c := newTestConsumer(listener, clock.NewFixed(0))
	c.Paused()

	c.SendRtpPacket(newTestPacket(1000, 1, 1000, 96))
	require.Empty(t, listener.sent)
}

func TestConsumerResumeRequestsKeyFrameUnlessProducerResume(t *testing.T) {
	listener := &fakeConsumerListener{}
	c := newTestConsumer(listener, clock.NewFixed(0))
	c.Paused()

	c.Resumed(false)
	require.Len(t, listener.keyFrameReq, 1)

	c.Paused()
	c.Resumed(true)
	require.Len(t, listener.keyFrameReq, 1)
}

func TestConsumerReceiveNackRetransmitsBufferedPackets(t *testing.T) {
	listener := &fakeConsumerListener{}
	c := newTestConsumer(listener, clock.NewFixed(0))
	rtxSsrc := uint32(2001)
	c.RtxSsrc = &rtxSsrc

	c.SendRtpPacket(newTestPacket(1000, 100, 9000, 96))
	sentSeq := listener.sent[0].SequenceNumber

	nack := &rtcp.TransportLayerNack{
		Nacks: rtcp.NackPairsFromSequenceNumbers([]uint16{sentSeq}),
	}
	out := c.ReceiveNack(nack)
	require.Len(t, out, 1)
	require.Equal(t, rtxSsrc, out[0].SSRC)
}

func consumerTestParametersWithRtx() RtpParameters {
	return RtpParameters{
		Codecs: []RtpCodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000},
		},
		Encodings: []RtpEncodingParameters{{Ssrc: 2000, Rtx: &RtpRtxParameters{Ssrc: 2001}}},
	}
}

func TestNewConsumerDerivesCnameAndRtxPayloadType(t *testing.T) {
	listener := &fakeConsumerListener{}
	c := NewConsumer("c1", MediaKindVideo, consumerTestParametersWithRtx(), "carol", listener, clock.NewFixed(0))

	require.Equal(t, "carol", c.Cname)
	require.NotNil(t, c.RtxSsrc)
	require.EqualValues(t, 2001, *c.RtxSsrc)
	require.NotNil(t, c.RtxPayloadType)
	require.EqualValues(t, 97, *c.RtxPayloadType)

	producerStream := NewRtpStream(RtpStreamParams{Ssrc: 1000, PayloadType: 96, ClockRate: 90000, Kind: MediaKindVideo}, nil)
	c.BindProducerStream(producerStream)
	c.SendRtpPacket(newTestPacket(1000, 100, 9000, 96))
	sentSeq := listener.sent[0].SequenceNumber

	nack := &rtcp.TransportLayerNack{Nacks: rtcp.NackPairsFromSequenceNumbers([]uint16{sentSeq})}
	out := c.ReceiveNack(nack)
	require.Len(t, out, 1)
	require.EqualValues(t, 97, out[0].PayloadType)

	rtcpPkts := c.GetRtcp(0)
	sdes, ok := rtcpPkts[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	require.Equal(t, "carol", sdes.Chunks[0].Items[0].Text)
}
