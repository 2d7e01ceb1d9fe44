package transport

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"go.uber.org/zap"

	"github.com/relaywire/sfu-core/internal/clock"
	"github.com/relaywire/sfu-core/internal/errs"
	"github.com/relaywire/sfu-core/internal/sfu"
)

// classify implements spec.md §4.4's "Demultiplexer" byte-0 table.
func classify(firstByte byte) string {
	switch {
	case firstByte <= 3:
		return "stun"
	case firstByte >= 20 && firstByte <= 63:
		return "dtls"
	case firstByte >= 128 && firstByte <= 191:
		return "srtp"
	default:
		return "unknown"
	}
}

func isRtcpPayloadType(secondByte byte) bool {
	pt := secondByte & 0x7F
	return pt >= 64 && pt <= 95
}

// RouterFacade is the subset of sfu.Router a Transport calls upward
// into, keeping this package's only dependency on sfu narrow and
// one-directional.
type RouterFacade interface {
	OnTransportProducerRtpPacketReceived(producer *sfu.Producer, packet *sfu.RtpPacket)
	OnTransportProducerClosed(producer *sfu.Producer)
	OnTransportProducerPaused(producer *sfu.Producer)
	OnTransportProducerResumed(producer *sfu.Producer)
	GetProducer(producerId string) (*sfu.Producer, bool)
}

// Transport implements spec.md §4.4: it owns the UDP/TCP sockets for
// one peer connection, demultiplexes incoming datagrams, drives the
// ICE-lite responder and DTLS handshake, and performs SRTP
// encrypt/decrypt for the Producers and Consumers it owns.
type Transport struct {
	mu sync.Mutex

	id     string
	logger *zap.Logger
	clock  clock.Clock
	router RouterFacade
	sender Sender

	ice    *IceServer
	dtls   *DtlsTransport
	bridge *bridgeConn

	recvSrtp *SrtpSession
	sendSrtp *SrtpSession

	producers map[string]*sfu.Producer
	consumers map[string]*sfu.Consumer

	decryptFailures int

	remb *rembEstimator
}

func NewTransport(id string, logger *zap.Logger, clk clock.Clock, router RouterFacade, sender Sender, dtlsTransport *DtlsTransport, ufrag, pwd string) *Transport {
	t := &Transport{
		id:        id,
		logger:    logger.With(zap.String("transportId", id)),
		clock:     clk,
		router:    router,
		sender:    sender,
		dtls:      dtlsTransport,
		producers: make(map[string]*sfu.Producer),
		consumers: make(map[string]*sfu.Consumer),
	}
	t.ice = NewIceServer(ufrag, pwd, t, clk)
	t.remb = newRembEstimator(clk)
	t.remb.OnValue = t.onRembValue
	return t
}

func (t *Transport) Id() string { return t.id }

// IsConnected implements spec.md §4.4 "IsConnected() is true iff ICE
// is CONNECTED or COMPLETED AND DTLS is connected AND both SRTP
// sessions exist".
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	iceOk := t.ice.State() == IceStateConnected || t.ice.State() == IceStateCompleted
	dtlsOk := t.dtls != nil && t.dtls.State() == DtlsStateConnected
	return iceOk && dtlsOk && t.recvSrtp != nil && t.sendSrtp != nil
}

// ProcessDatagram implements spec.md §4.4's demultiplexer: classify
// byte 0, then dispatch to STUN, DTLS, or SRTP/SRTCP handling.
func (t *Transport) ProcessDatagram(tuple Tuple, data []byte) {
	if len(data) == 0 {
		return
	}
	switch classify(data[0]) {
	case "stun":
		if err := t.ice.ProcessStunMessage(data, tuple, t.sender); err != nil {
			t.logger.Debug("stun processing failed", zap.Error(err))
		}
	case "dtls":
		t.processDtlsData(data)
	case "srtp":
		t.processSrtpData(data)
	default:
		t.logger.Debug("dropping unclassified datagram", zap.Uint8("firstByte", data[0]))
	}
}

func (t *Transport) processDtlsData(data []byte) {
	t.mu.Lock()
	conn := t.bridge
	t.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Push(data); err != nil {
		t.logger.Warn("failed to push dtls datagram", zap.Error(err))
	}
}

func (t *Transport) processSrtpData(data []byte) {
	if len(data) < 2 {
		return
	}
	t.mu.Lock()
	recv := t.recvSrtp
	t.mu.Unlock()
	if recv == nil {
		return
	}

	if isRtcpPayloadType(data[1]) {
		t.processSrtcp(recv, data)
		return
	}

	dst := make([]byte, len(data))
	plain, header, err := recv.DecryptRTP(dst, data)
	if err != nil {
		t.onDecryptFailure(err)
		return
	}

	payload := plain[header.MarshalSize():]
	packet := &sfu.RtpPacket{Packet: &rtp.Packet{Header: *header, Payload: payload}}

	producer := t.producerForSsrc(header.SSRC)
	if producer == nil {
		return
	}
	t.remb.AddPacket(len(payload))
	producer.ReceiveRtpPacket(packet)
}

// onRembValue implements the REMB "plumbing" half of spec.md §4.4: it
// packages an estimated receive bitrate into a
// ReceiverEstimatedMaximumBitrate packet and sends it back toward the
// producing peer, the same direction NACK/PLI travel. No congestion
// algorithm decides this value; it is a plain windowed average.
func (t *Transport) onRembValue(bitrateBps uint64) {
	t.mu.Lock()
	send := t.sendSrtp
	var ssrcs []uint32
	for _, p := range t.producers {
		if ssrc, ok := p.FirstSsrc(); ok {
			ssrcs = append(ssrcs, ssrc)
		}
	}
	t.mu.Unlock()
	if send == nil || len(ssrcs) == 0 {
		return
	}
	tuple, ok := t.ice.SelectedTuple()
	if !ok {
		return
	}

	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: ssrcs[0],
		Bitrate:    float32(bitrateBps),
		SSRCs:      ssrcs,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}
	dst := make([]byte, len(raw)+16)
	enc, err := send.EncryptRTCP(dst, raw)
	if err != nil {
		return
	}
	_ = t.sender.SendTo(tuple, enc)
}

func (t *Transport) processSrtcp(recv *SrtpSession, data []byte) {
	dst := make([]byte, len(data))
	plain, err := recv.DecryptRTCP(dst, data)
	if err != nil {
		t.onDecryptFailure(err)
		return
	}
	packets, err := rtcp.Unmarshal(plain)
	if err != nil {
		return
	}
	for _, pkt := range packets {
		t.dispatchRtcp(pkt)
	}
}

func (t *Transport) dispatchRtcp(pkt rtcp.Packet) {
	switch p := pkt.(type) {
	case *rtcp.TransportLayerNack:
		if c := t.consumerForSsrc(p.MediaSSRC); c != nil {
			for _, rtx := range c.ReceiveNack(p) {
				t.SendRtpPacket(c, rtx)
			}
		}
	case *rtcp.PictureLossIndication:
		if c := t.consumerForSsrc(p.MediaSSRC); c != nil {
			c.ReceiveKeyFrameRequest(false)
		}
	case *rtcp.FullIntraRequest:
		for _, entry := range p.FIR {
			if c := t.consumerForSsrc(entry.SSRC); c != nil {
				c.ReceiveKeyFrameRequest(true)
			}
		}
	case *rtcp.ReceiverReport:
		for _, rr := range p.Reports {
			if c := t.consumerForSsrc(rr.SSRC); c != nil {
				c.ReceiveRtcpReceiverReport(rr)
			}
		}
	}
}

func (t *Transport) onDecryptFailure(err error) {
	t.mu.Lock()
	t.decryptFailures++
	n := t.decryptFailures
	t.mu.Unlock()
	if n%50 == 1 {
		t.logger.Warn("srtp decrypt failure", zap.Error(err), zap.Int("count", n))
	}
}

func (t *Transport) producerForSsrc(ssrc uint32) *sfu.Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.producers {
		if p.HasSsrc(ssrc) {
			return p
		}
	}
	return nil
}

func (t *Transport) consumerForSsrc(ssrc uint32) *sfu.Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.consumers {
		if c.Ssrc == ssrc || (c.RtxSsrc != nil && *c.RtxSsrc == ssrc) {
			return c
		}
	}
	return nil
}

// SendRtpPacket implements the egress half of spec.md §4.3 step 7/8
// and §4.4 "Send path": encrypt into a fresh buffer (the packet itself
// is left unchanged) then write to the ICE-selected tuple.
func (t *Transport) SendRtpPacket(consumer *sfu.Consumer, packet *sfu.RtpPacket) {
	t.mu.Lock()
	send := t.sendSrtp
	t.mu.Unlock()
	if send == nil {
		return
	}

	tuple, ok := t.ice.SelectedTuple()
	if !ok {
		return
	}

	dst := make([]byte, 1500)
	out, err := send.EncryptRTP(dst, &packet.Header, packet.Payload)
	if err != nil {
		t.logger.Debug("srtp encrypt failed", zap.Error(err))
		return
	}
	if err := t.sender.SendTo(tuple, out); err != nil {
		t.logger.Debug("socket write failed", zap.Error(err))
	}
}

// OnConsumerSendRtpPacket implements sfu.ConsumerListener.
func (t *Transport) OnConsumerSendRtpPacket(consumer *sfu.Consumer, packet *sfu.RtpPacket) {
	t.SendRtpPacket(consumer, packet)
}

// OnConsumerKeyFrameRequested implements sfu.ConsumerListener. It only
// logs the request: nothing here calls the Router, so a PLI/FIR from a
// consuming peer (or a Consumer resume) is counted on the Consumer but
// not forwarded to the Producer. The Router's
// OnTransportConsumerKeyFrameRequested is reached only from the
// control channel's CONSUMER_REQUEST_KEY_FRAME handler.
func (t *Transport) OnConsumerKeyFrameRequested(consumer *sfu.Consumer, mappedSsrc uint32) {
	t.logger.Debug("key frame requested", zap.Uint32("ssrc", mappedSsrc))
}

// ForwardKeyFrameRequest implements sfu.TransportHandle, used by the
// Router to ask the producing Transport to emit PLI/FIR upstream.
func (t *Transport) ForwardKeyFrameRequest(mappedSsrc uint32, fir bool) error {
	t.mu.Lock()
	send := t.sendSrtp
	t.mu.Unlock()
	tuple, ok := t.ice.SelectedTuple()
	if send == nil || !ok {
		return errs.NewInvalidState("transport %s not connected", t.id)
	}

	var pkt rtcp.Packet
	if fir {
		pkt = &rtcp.FullIntraRequest{FIR: []rtcp.FIREntry{{SSRC: mappedSsrc}}}
	} else {
		pkt = &rtcp.PictureLossIndication{MediaSSRC: mappedSsrc}
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	dst := make([]byte, len(raw)+16)
	enc, err := send.EncryptRTCP(dst, raw)
	if err != nil {
		return err
	}
	return t.sender.SendTo(tuple, enc)
}

// OnProducerRtpPacketReceived implements sfu.ProducerListener, handing
// the accepted packet to the Router for fan-out (spec.md §4.5).
func (t *Transport) OnProducerRtpPacketReceived(producer *sfu.Producer, packet *sfu.RtpPacket) {
	t.router.OnTransportProducerRtpPacketReceived(producer, packet)
}

func (t *Transport) OnProducerStreamHealthy(producer *sfu.Producer, mappedSsrc uint32) {
	t.logger.Debug("producer stream healthy", zap.String("producerId", producer.Id), zap.Uint32("ssrc", mappedSsrc))
}

func (t *Transport) OnProducerStreamUnhealthy(producer *sfu.Producer, mappedSsrc uint32) {
	t.logger.Warn("producer stream unhealthy", zap.String("producerId", producer.Id), zap.Uint32("ssrc", mappedSsrc))
}

// OnProducerSendNack implements sfu.ProducerListener: build a
// TransportLayerNack and send it to the producing peer.
func (t *Transport) OnProducerSendNack(producer *sfu.Producer, mappedSsrc uint32, seqNumbers []uint16) {
	t.mu.Lock()
	send := t.sendSrtp
	t.mu.Unlock()
	tuple, ok := t.ice.SelectedTuple()
	if send == nil || !ok {
		return
	}

	pkt := &rtcp.TransportLayerNack{
		MediaSSRC: mappedSsrc,
		Nacks:     rtcp.NackPairsFromSequenceNumbers(seqNumbers),
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}
	dst := make([]byte, len(raw)+16)
	enc, err := send.EncryptRTCP(dst, raw)
	if err != nil {
		return
	}
	_ = t.sender.SendTo(tuple, enc)
}

// OnProducerClosed implements sfu.ProducerListener, cascading closure
// to the Router and dropping this Transport's own bookkeeping.
func (t *Transport) OnProducerClosed(producer *sfu.Producer) {
	t.router.OnTransportProducerClosed(producer)
	t.RemoveProducer(producer.Id)
}

// OnProducerPaused and OnProducerResumed implement sfu.ProducerListener,
// forwarding to the Router so every Consumer bound to this Producer
// shifts its own send path in or out of paused (spec.md:83).
func (t *Transport) OnProducerPaused(producer *sfu.Producer) {
	t.router.OnTransportProducerPaused(producer)
}

func (t *Transport) OnProducerResumed(producer *sfu.Producer) {
	t.router.OnTransportProducerResumed(producer)
}

// OnIceStateChange implements IceServerListener.
func (t *Transport) OnIceStateChange(state IceState) {
	t.logger.Debug("ice state change", zap.Stringer("state", state))
	if state == IceStateConnected {
		t.mayRunDtls()
	}
}

// OnIceSelectedTupleChange implements IceServerListener.
func (t *Transport) OnIceSelectedTupleChange(tuple Tuple) {
	t.logger.Debug("ice selected tuple changed", zap.String("remote", tuple.RemoteAddr.String()))
}

// mayRunDtls lazily creates the bridgeConn and starts DTLS the first
// time ICE becomes connected, per spec.md §4.4.
func (t *Transport) mayRunDtls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bridge != nil || t.dtls == nil {
		return
	}
	tuple, ok := t.ice.SelectedTuple()
	if !ok {
		return
	}
	t.bridge = newBridgeConn(tuple.LocalAddr, tuple.RemoteAddr, func(p []byte) (int, error) {
		if err := t.sender.SendTo(tuple, p); err != nil {
			return 0, err
		}
		return len(p), nil
	})
	t.dtls.MayRun(t.bridge, true, true)
}

// OnDtlsStateChange implements DtlsListener.
func (t *Transport) OnDtlsStateChange(state DtlsState) {
	t.logger.Debug("dtls state change", zap.Int("state", int(state)))
}

// OnDtlsConnected implements DtlsListener: splits the exported keying
// material by DTLS role and builds the recv/send SRTP sessions, per
// spec.md §4.4.
func (t *Transport) OnDtlsConnected(profile srtp.ProtectionProfile, km SrtpKeyingMaterial) {
	var recvKey, recvSalt, sendKey, sendSalt []byte
	if t.dtls.role == DtlsRoleServer {
		recvKey, recvSalt = km.ClientKey, km.ClientSalt
		sendKey, sendSalt = km.ServerKey, km.ServerSalt
	} else {
		recvKey, recvSalt = km.ServerKey, km.ServerSalt
		sendKey, sendSalt = km.ClientKey, km.ClientSalt
	}

	recv, err := NewSrtpSession(profile, recvKey, recvSalt)
	if err != nil {
		t.logger.Error("failed to create recv srtp session", zap.Error(err))
		return
	}
	send, err := NewSrtpSession(profile, sendKey, sendSalt)
	if err != nil {
		t.logger.Error("failed to create send srtp session", zap.Error(err))
		return
	}

	t.mu.Lock()
	t.recvSrtp = recv
	t.sendSrtp = send
	t.mu.Unlock()

	t.ice.MarkCompleted()
}

// CheckTimeouts runs the periodic checks spec.md §4.1/§4.4 describe
// as driven by the owning event loop's timer rather than a goroutine
// per Transport: currently just ICE disconnect detection.
func (t *Transport) CheckTimeouts() {
	t.ice.CheckDisconnected()
}

// AddProducer registers a Producer this Transport owns.
func (t *Transport) AddProducer(p *sfu.Producer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.producers[p.Id]; exists {
		return errs.NewAlreadyExists("producer %s already exists on transport %s", p.Id, t.id)
	}
	t.producers[p.Id] = p
	return nil
}

// AddConsumer registers a Consumer this Transport owns.
func (t *Transport) AddConsumer(c *sfu.Consumer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.consumers[c.Id]; exists {
		return errs.NewAlreadyExists("consumer %s already exists on transport %s", c.Id, t.id)
	}
	t.consumers[c.Id] = c
	return nil
}

// RemoveConsumer implements sfu.TransportHandle, dropping this
// Transport's own bookkeeping for a Consumer closed elsewhere (e.g. by
// its Producer closing, per the Router's OnTransportProducerClosed
// cascade).
func (t *Transport) RemoveConsumer(consumerId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, consumerId)
}

// RemoveProducer drops this Transport's own bookkeeping for a Producer,
// used both from OnProducerClosed and available directly for symmetry
// with RemoveConsumer.
func (t *Transport) RemoveProducer(producerId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, producerId)
}
