package sfu

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/relaywire/sfu-core/internal/clock"
)

// ConsumerListener is the upward, non-owning capability a Consumer
// calls into — implemented by the owning Transport.
type ConsumerListener interface {
	OnConsumerSendRtpPacket(consumer *Consumer, packet *RtpPacket)
	OnConsumerKeyFrameRequested(consumer *Consumer, mappedSsrc uint32)
}

const retransmitBufferSize = 256

// retransmitEntry is one buffered outgoing packet, copied (not
// shared) so it can be resent independently of the fan-out buffer
// reuse invariant.
type retransmitEntry struct {
	seq     uint16
	header  rtp.Header
	payload []byte
}

// Consumer is the Simple-variant egress rewriter of spec.md §4.3: it
// remaps sequence numbers and timestamps onto a single continuous
// egress stream, tracks RTCP feedback, and handles pause/resume and
// producer-resync without ever jumping the output sequence backward.
type Consumer struct {
	Id                         string
	Kind                       MediaKind
	Parameters                 RtpParameters
	SupportedCodecPayloadTypes map[uint8]struct{}
	Cname                      string
	Ssrc                       uint32
	RtxSsrc                    *uint32
	RtxPayloadType             *uint8
	KeyFrameSupported          bool
	MaxRtcpIntervalMs          int64

	Listener ConsumerListener
	Clock    clock.Clock

	EncodingContext EncodingContext

	egressStream *RtpStream
	seqMgr       *SeqRemapper
	tsMgr        *TimestampRemapper
	syncRequired bool

	connected      bool
	paused         bool
	producerPaused bool
	closed         bool
	producerStream *RtpStream

	nackQueue     *nackQueue
	retransmitBuf []*retransmitEntry
	lastRtcpSentMs int64
}

// NewConsumer builds a Consumer bound to no Producer stream yet
// (BindProducerStream/Router.AddConsumer does that). cname is the CNAME
// advertised in this Consumer's SDES chunks (spec.md §6); the RTX
// payload type is derived from params' negotiated ".../rtx" codec
// rather than taken as a parameter, since it is fully determined by
// the negotiated RtpParameters.
func NewConsumer(id string, kind MediaKind, params RtpParameters, cname string, listener ConsumerListener, clk clock.Clock) *Consumer {
	egressParams := RtpStreamParams{Kind: kind}
	if len(params.Encodings) > 0 {
		egressParams.Ssrc = params.Encodings[0].Ssrc
	}
	if codec := firstCodec(params); codec != nil {
		egressParams.PayloadType = codec.PayloadType
		egressParams.ClockRate = codec.ClockRate
	}

	c := &Consumer{
		Id:                         id,
		Kind:                       kind,
		Parameters:                 params,
		SupportedCodecPayloadTypes: params.SupportedPayloadTypes(),
		Cname:                      cname,
		Ssrc:                       egressParams.Ssrc,
		Listener:                   listener,
		Clock:                      clk,
		EncodingContext:            PassthroughEncodingContext{},
		seqMgr:                     NewSeqRemapper(),
		tsMgr:                      NewTimestampRemapper(),
		connected:                  true,
	}
	c.egressStream = NewRtpStream(egressParams, nil)
	if len(params.Encodings) > 0 && params.Encodings[0].Rtx != nil {
		ssrc := params.Encodings[0].Rtx.Ssrc
		c.RtxSsrc = &ssrc
	}
	if pt, ok := params.RtxPayloadType(); ok {
		c.RtxPayloadType = &pt
	}
	return c
}

func firstCodec(p RtpParameters) *RtpCodecParameters {
	for i := range p.Codecs {
		if !isRtxMime(p.Codecs[i].MimeType) {
			return &p.Codecs[i]
		}
	}
	if len(p.Codecs) > 0 {
		return &p.Codecs[0]
	}
	return nil
}

func isRtxMime(mime string) bool {
	return len(mime) >= 4 && mime[len(mime)-4:] == "/rtx"
}

// BindProducerStream attaches the specific producer layer this
// Consumer forwards, per spec.md §3 "bound producerRtpStream".
func (c *Consumer) BindProducerStream(stream *RtpStream) {
	c.producerStream = stream
	c.syncRequired = true
}

func (c *Consumer) SetConnected(connected bool) { c.connected = connected }

// active implements the fast-exit condition of spec.md §4.3 step 1.
func (c *Consumer) active() bool {
	return c.connected && !c.paused && !c.producerPaused && c.producerStream != nil
}

// SendRtpPacket implements the per-packet egress algorithm of
// spec.md §4.3. It mutates packet in place and restores it before
// returning, preserving the fan-out buffer-reuse invariant.
func (c *Consumer) SendRtpPacket(packet *RtpPacket) {
	if !c.active() {
		return
	}

	if _, ok := c.SupportedCodecPayloadTypes[packet.PayloadType]; !ok {
		return
	}

	if c.syncRequired {
		if c.KeyFrameSupported && !packet.KeyFrame {
			return
		}
		c.resync(packet)
	}

	if !EncodePayload(c.EncodingContext, packet) {
		c.seqMgr.Drop(packet.SequenceNumber)
		c.tsMgr.Drop(packet.Timestamp)
		return
	}

	seqOut := c.seqMgr.Input(packet.SequenceNumber)
	tsOut := c.tsMgr.Input(packet.Timestamp)

	origSsrc, origSeq, origTs := packet.SSRC, packet.SequenceNumber, packet.Timestamp

	packet.SSRC = c.Ssrc
	packet.SequenceNumber = seqOut
	packet.Timestamp = tsOut

	accepted := c.egressStream.UpdateSeq(seqOut)
	if accepted {
		c.egressStream.OnPacketReceived(tsOut, c.Clock.NowMs())
		c.bufferForRetransmit(packet)
		c.Listener.OnConsumerSendRtpPacket(c, packet)
	}

	packet.SSRC, packet.SequenceNumber, packet.Timestamp = origSsrc, origSeq, origTs
}

// resync implements spec.md §4.3 step 3.
func (c *Consumer) resync(packet *RtpPacket) {
	c.seqMgr.Sync(packet.SequenceNumber)
	c.tsMgr.Sync(packet.Timestamp)

	if c.egressStream.Params.ClockRate > 0 && c.egressStream.maxPacketMs != 0 {
		diffMs := c.Clock.NowMs() - c.egressStream.maxPacketMs
		if diffMs > 0 {
			offset := uint32(diffMs) * c.egressStream.Params.ClockRate / 1000
			c.tsMgr.Offset(offset)
		}
	}

	c.EncodingContext.SyncRequired()
	c.syncRequired = false
}

func (c *Consumer) bufferForRetransmit(packet *RtpPacket) {
	payload := make([]byte, len(packet.Payload))
	copy(payload, packet.Payload)
	entry := &retransmitEntry{seq: packet.SequenceNumber, header: packet.Header, payload: payload}

	if len(c.retransmitBuf) >= retransmitBufferSize {
		c.retransmitBuf = c.retransmitBuf[1:]
	}
	c.retransmitBuf = append(c.retransmitBuf, entry)
}

// ReceiveNack implements spec.md §4.3 "ReceiveNack": look up buffered
// packets and retransmit via RTX if configured, else drop.
func (c *Consumer) ReceiveNack(nack *rtcp.TransportLayerNack) []*RtpPacket {
	if c.RtxSsrc == nil {
		return nil
	}
	var out []*RtpPacket
	requested := 0
	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			requested++
			if e := c.findBuffered(seq); e != nil {
				p := &RtpPacket{Packet: &rtp.Packet{Header: e.header, Payload: e.payload}}
				p.SSRC = *c.RtxSsrc
				if c.RtxPayloadType != nil {
					p.PayloadType = *c.RtxPayloadType
				}
				out = append(out, p)
			}
		}
	}
	if requested > 0 {
		c.egressStream.RecordNack(requested)
	}
	return out
}

func (c *Consumer) findBuffered(seq uint16) *retransmitEntry {
	for i := len(c.retransmitBuf) - 1; i >= 0; i-- {
		if c.retransmitBuf[i].seq == seq {
			return c.retransmitBuf[i]
		}
	}
	return nil
}

// ReceiveKeyFrameRequest implements spec.md §4.3 "ReceiveKeyFrameRequest".
func (c *Consumer) ReceiveKeyFrameRequest(isFir bool) {
	if isFir {
		c.egressStream.RecordFir()
	} else {
		c.egressStream.RecordPli()
	}
	c.Listener.OnConsumerKeyFrameRequested(c, c.Ssrc)
}

// Paused implements spec.md §4.3 "Pause/Resume": Paused stops RTCP
// generation and silently drops incoming packets.
func (c *Consumer) Paused() {
	c.paused = true
}

// Resumed implements spec.md §4.3 "Resumed(wasProducer)".
func (c *Consumer) Resumed(wasProducerResume bool) {
	c.paused = false
	c.syncRequired = true
	if !wasProducerResume {
		c.Listener.OnConsumerKeyFrameRequested(c, c.Ssrc)
	}
}

func (c *Consumer) SetProducerPaused(paused bool) {
	c.producerPaused = paused
	if !paused {
		c.syncRequired = true
	}
}

// Close implements spec.md:51's producer-close cascade: a closed
// Producer destroys its bound Consumers outright rather than merely
// pausing them. Idempotent.
func (c *Consumer) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.connected = false
	c.paused = true
}

func (c *Consumer) Closed() bool {
	return c.closed
}

// GetRtcp implements spec.md §4.3 "RTCP generation", rate-limited by
// MaxRtcpIntervalMs with 15% jitter slack.
func (c *Consumer) GetRtcp(nowMs int64) []rtcp.Packet {
	if c.paused {
		return nil
	}
	if c.lastRtcpSentMs != 0 && c.MaxRtcpIntervalMs > 0 {
		elapsed := nowMs - c.lastRtcpSentMs
		if float64(elapsed)*1.15 < float64(c.MaxRtcpIntervalMs) {
			return nil
		}
	}
	c.lastRtcpSentMs = nowMs

	sr := &rtcp.SenderReport{
		SSRC:        c.Ssrc,
		NTPTime:     uint64(nowMs),
		RTPTime:     c.egressStream.maxPacketTs,
		PacketCount: uint32(c.egressStream.packetsReceived),
	}
	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: c.Ssrc,
			Items: []rtcp.SourceDescriptionItem{{
				Type: rtcp.SDESCNAME,
				Text: c.Cname,
			}},
		}},
	}
	return []rtcp.Packet{sr, sdes}
}

// ReceiveRtcpReceiverReport feeds the report's fraction-lost figure to
// the monitor, spec.md §4.3 "ReceiveRtcpReceiverReport"; jitter is not
// used.
func (c *Consumer) ReceiveRtcpReceiverReport(rr rtcp.ReceptionReport) {
	lossPct := float64(rr.FractionLost) / 256.0 * 100
	c.egressStream.Monitor.AddSample(lossPct)
}
