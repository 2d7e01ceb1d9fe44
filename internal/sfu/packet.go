package sfu

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

// RtpPacket is the unit of work flowing through Router fan-out. It
// wraps a pion/rtp packet with the metadata the forwarding pipeline
// needs (which layer it arrived on, whether it's a key frame) without
// copying the underlying payload bytes.
//
// Consumer.SendRtpPacket mutates SSRC/SequenceNumber/Timestamp in
// place and must restore them before returning (§4.3 step 8, §8 fan-out
// purity invariant) so the same *RtpPacket can be handed to the next
// Consumer in the fan-out unchanged.
type RtpPacket struct {
	*rtp.Packet

	KeyFrame bool
	Rid      string

	// MappedSsrc is the Producer-assigned stable identifier for the
	// RtpStream this packet belongs to, stable across the RTX/non-RTX
	// SSRC pair for a layer.
	MappedSsrc uint32
}

// EncodingContext is the codec-specific picture-ID / temporal-ID
// rewriter a Consumer attaches for VP8/H264 so simulcast/SVC layer
// switches produce a decodable bitstream. Concrete rewriters are out
// of scope for this module (spec.md §1); PassthroughEncodingContext is
// the only implementation, used whenever the negotiated codec needs no
// payload rewriting.
type EncodingContext interface {
	// SyncRequired is called when the Consumer has just resynchronized
	// (§4.3 step 3), so the context can reset any picture-ID base it
	// tracks internally.
	SyncRequired()
}

// PassthroughEncodingContext performs no payload rewriting and never
// fails to encode.
type PassthroughEncodingContext struct{}

func (PassthroughEncodingContext) SyncRequired() {}

// unwrapRtxPayload extracts the RFC 4588 OSN (original sequence
// number) carried in the first two bytes of an RTX packet's payload,
// returning the remaining bytes as the repaired packet's payload. ok
// is false if the payload is too short to carry an OSN.
func unwrapRtxPayload(payload []byte) (originalSeq uint16, rest []byte, ok bool) {
	if len(payload) < 2 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint16(payload[:2]), payload[2:], true
}

// EncodePayload is the payload-rewrite step a Consumer runs before
// remapping, returning false when a packet must be dropped. The
// EncodingContext interface carries no rewrite method, so this leaves
// p untouched and always returns true, whatever the context.
func EncodePayload(ctx EncodingContext, p *RtpPacket) bool {
	return true
}
