package sfu

import (
	"github.com/relaywire/sfu-core/internal/clock"
	"github.com/relaywire/sfu-core/internal/errs"
)

// ProducerListener is the upward, non-owning capability a Producer
// calls into — implemented by the owning Transport and, transitively,
// the Router. See design note "Listener back-pointers".
type ProducerListener interface {
	OnProducerRtpPacketReceived(producer *Producer, packet *RtpPacket)
	OnProducerStreamHealthy(producer *Producer, mappedSsrc uint32)
	OnProducerStreamUnhealthy(producer *Producer, mappedSsrc uint32)
	OnProducerSendNack(producer *Producer, mappedSsrc uint32, sequenceNumbers []uint16)
	OnProducerPaused(producer *Producer)
	OnProducerResumed(producer *Producer)
	OnProducerClosed(producer *Producer)
}

// Producer is the ingress RTP stream tracker described in spec.md
// §4.2: it resolves incoming SSRCs to RtpStream layers, runs them
// through the sequence/loss state machine, and emits accepted packets
// upward for Router fan-out.
type Producer struct {
	Id         string
	Kind       MediaKind
	Parameters RtpParameters
	Listener   ProducerListener
	Clock      clock.Clock
	UseNack    bool

	paused bool
	closed bool

	// streamsBySsrc resolves both an encoding's primary SSRC and its
	// RTX SSRC to the same RtpStream, satisfying the bijection
	// invariant in spec.md §3 ("union of encoding SSRCs plus RTX SSRCs
	// maps bijectively to RtpStream instances").
	streamsBySsrc map[uint32]*RtpStream
	rtxSsrcs      map[uint32]struct{}
	streamsByRid  map[string]*RtpStream

	nackQueues map[uint32]*nackQueue // keyed by mapped (primary) ssrc
}

func NewProducer(id string, kind MediaKind, params RtpParameters, listener ProducerListener, clk clock.Clock, useNack bool) *Producer {
	return &Producer{
		Id:            id,
		Kind:          kind,
		Parameters:    params,
		Listener:      listener,
		Clock:         clk,
		UseNack:       useNack,
		streamsBySsrc: make(map[uint32]*RtpStream),
		rtxSsrcs:      make(map[uint32]struct{}),
		streamsByRid:  make(map[string]*RtpStream),
		nackQueues:    make(map[uint32]*nackQueue),
	}
}

// OnRtpStreamScore implements RtpStreamListener, translating score
// crossing the healthy/unhealthy boundary into the upward notification
// spec.md §4.2 item 3 describes.
func (p *Producer) OnRtpStreamScore(stream *RtpStream, score, previousScore uint8) {
	healthyNow := stream.Monitor.IsHealthy(p.Kind)
	wasHealthy := scoreIsHealthy(previousScore, p.Kind)
	if healthyNow == wasHealthy {
		return
	}
	if healthyNow {
		p.Listener.OnProducerStreamHealthy(p, stream.Params.Ssrc)
	} else {
		p.Listener.OnProducerStreamUnhealthy(p, stream.Params.Ssrc)
	}
}

func scoreIsHealthy(score uint8, kind MediaKind) bool {
	if kind == MediaKindAudio {
		return score >= 4
	}
	return score > 0
}

// resolveStream implements spec.md §4.2 item 1: resolve an incoming
// SSRC to its RtpStream, creating one the first time a declared
// encoding (matched by SSRC, RTX SSRC, or rid) is seen.
func (p *Producer) resolveStream(packet *RtpPacket) (stream *RtpStream, isRtx bool, ok bool) {
	ssrc := packet.SSRC
	if s, found := p.streamsBySsrc[ssrc]; found {
		_, rtx := p.rtxSsrcs[ssrc]
		return s, rtx, true
	}

	for _, enc := range p.Parameters.Encodings {
		if enc.Ssrc == ssrc {
			return p.createStream(enc, packet), false, true
		}
		if enc.Rtx != nil && enc.Rtx.Ssrc == ssrc {
			primary, exists := p.streamsBySsrc[enc.Ssrc]
			if !exists {
				primary = p.createStream(enc, packet)
			}
			p.streamsBySsrc[ssrc] = primary
			p.rtxSsrcs[ssrc] = struct{}{}
			return primary, true, true
		}
		if enc.Rid != "" && enc.Rid == packet.Rid {
			return p.createStream(enc, packet), false, true
		}
	}

	return nil, false, false
}

// FirstSsrc returns the primary ssrc of this Producer's first declared
// encoding, the stream a Consumer binds to before simulcast layer
// switching is requested.
func (p *Producer) FirstSsrc() (uint32, bool) {
	if len(p.Parameters.Encodings) == 0 {
		return 0, false
	}
	return p.Parameters.Encodings[0].Ssrc, true
}

// HasSsrc reports whether ssrc is either already resolved to a stream
// on this Producer or declared (primary or RTX) in its negotiated
// parameters, used by the Transport to route a decrypted packet to
// the right Producer before ReceiveRtpPacket has run.
func (p *Producer) HasSsrc(ssrc uint32) bool {
	if _, ok := p.streamsBySsrc[ssrc]; ok {
		return true
	}
	for _, enc := range p.Parameters.Encodings {
		if enc.Ssrc == ssrc {
			return true
		}
		if enc.Rtx != nil && enc.Rtx.Ssrc == ssrc {
			return true
		}
	}
	return false
}

func (p *Producer) createStream(enc RtpEncodingParameters, packet *RtpPacket) *RtpStream {
	codec, _ := p.Parameters.CodecByPayloadType(packet.PayloadType)
	stream := NewRtpStream(RtpStreamParams{
		Ssrc:        enc.Ssrc,
		PayloadType: codec.PayloadType,
		ClockRate:   codec.ClockRate,
		Kind:        p.Kind,
		Rid:         enc.Rid,
	}, p)
	p.streamsBySsrc[enc.Ssrc] = stream
	if enc.Rid != "" {
		p.streamsByRid[enc.Rid] = stream
	}
	if p.UseNack && codec.SupportsNack() {
		p.nackQueues[enc.Ssrc] = newNackQueue(p.Clock.NowMs)
	}
	return stream
}

// ReceiveRtpPacket implements the per-packet ingress algorithm of
// spec.md §4.2.
func (p *Producer) ReceiveRtpPacket(packet *RtpPacket) {
	if p.closed {
		return
	}

	stream, isRtx, ok := p.resolveStream(packet)
	if !ok {
		// unknown SSRC with no matching declared encoding: discard.
		return
	}

	if p.paused {
		stream.RecordDiscarded()
		return
	}

	if isRtx {
		// RFC 4588: the RTX packet's own header SequenceNumber/SSRC are
		// on the RTX stream's numbering, not the primary's. Unwrap the
		// OSN and rewrite the packet in place to the original
		// seq/ssrc/payload type before it touches the primary stream's
		// sequence state or reaches the Router.
		osn, payload, unwrapped := unwrapRtxPayload(packet.Payload)
		if !unwrapped {
			stream.RecordDiscarded()
			return
		}
		packet.SequenceNumber = osn
		packet.Payload = payload
		packet.SSRC = stream.Params.Ssrc
		packet.PayloadType = stream.Params.PayloadType

		stream.RecordRetransmitted()
		if q, hasQueue := p.nackQueues[stream.Params.Ssrc]; hasQueue {
			q.Remove(packet.SequenceNumber)
		}
	}

	beforeMaxSeq := stream.MaxSeq()
	wasInitialized := stream.initialized
	accepted := stream.UpdateSeq(packet.SequenceNumber)
	if !accepted {
		stream.RecordDiscarded()
		return
	}

	now := p.Clock.NowMs()
	stream.OnPacketReceived(packet.Timestamp, now)

	if isRtx {
		stream.RecordRepaired()
	} else if q, hasQueue := p.nackQueues[stream.Params.Ssrc]; hasQueue {
		if wasInitialized {
			p.detectGapAndNack(stream, q, beforeMaxSeq, packet.SequenceNumber)
		}
	}

	stream.UpdateFractionLost()
	stream.Monitor.AddSample(stream.LossPercentage())

	p.Listener.OnProducerRtpPacketReceived(p, packet)

	if q, hasQueue := p.nackQueues[stream.Params.Ssrc]; hasQueue {
		if due := q.DueSequenceNumbers(); len(due) > 0 {
			p.Listener.OnProducerSendNack(p, stream.Params.Ssrc, due)
			stream.RecordNack(len(due))
		}
	}
}

// detectGapAndNack implements spec.md §4.2 item 5: a per-stream
// seq-gap detector feeding NACK generation.
func (p *Producer) detectGapAndNack(stream *RtpStream, q *nackQueue, beforeMaxSeq, newSeq uint16) {
	if int16(newSeq-beforeMaxSeq) <= 1 {
		return // not a forward jump, nothing missing
	}
	for seq := beforeMaxSeq + 1; seq != newSeq; seq++ {
		q.Push(seq)
	}
}

// Pause implements spec.md §4.2 "paused Producers drop incoming
// packets at the earliest point" and spec.md:83's requirement to
// notify bound Consumers so their own send path shifts to paused.
func (p *Producer) Pause() {
	if p.paused {
		return
	}
	p.paused = true
	p.Listener.OnProducerPaused(p)
}

func (p *Producer) Resume() {
	if !p.paused {
		return
	}
	p.paused = false
	p.Listener.OnProducerResumed(p)
}

func (p *Producer) Paused() bool {
	return p.paused
}

// RequestKeyFrame counts a Consumer's key-frame request as a PLI on the
// target stream. It sends nothing itself; the Router has the producing
// Transport emit the PLI upstream once this succeeds.
func (p *Producer) RequestKeyFrame(mappedSsrc uint32) error {
	stream, ok := p.streamsBySsrc[mappedSsrc]
	if !ok {
		return errs.NewNotFound("no stream for ssrc %d on producer %s", mappedSsrc, p.Id)
	}
	stream.RecordPli()
	return nil
}

// Close cascades to all bound Consumers via the Router (spec.md §3
// lifecycle cascade): it calls its Listener's OnProducerClosed, which
// the owning Transport forwards to the Router.
func (p *Producer) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.Listener.OnProducerClosed(p)
}

func (p *Producer) Closed() bool {
	return p.closed
}
