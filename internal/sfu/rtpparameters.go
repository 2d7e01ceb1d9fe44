package sfu

// MediaKind is the media kind of a Producer or Consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// RtcpFeedback is a single transport-layer or codec-specific feedback
// capability negotiated for a codec (e.g. {Type: "nack"}, {Type: "nack",
// Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}, {Type: "goog-remb"}).
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecParameters describes one negotiated codec.
type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint8          `json:"channels,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

// SupportsNack reports whether this codec negotiated RTP retransmission
// feedback (generic NACK, i.e. "nack" with no parameter; "nack pli" is
// Picture Loss Indication and is reported by SupportsPLI instead).
func (c RtpCodecParameters) SupportsNack() bool {
	for _, fb := range c.RtcpFeedback {
		if fb.Type == "nack" && fb.Parameter == "" {
			return true
		}
	}
	return false
}

// SupportsPLI reports whether this codec negotiated Picture Loss
// Indication feedback.
func (c RtpCodecParameters) SupportsPLI() bool {
	for _, fb := range c.RtcpFeedback {
		if fb.Type == "nack" && fb.Parameter == "pli" {
			return true
		}
	}
	return false
}

// SupportsFIR reports whether this codec negotiated Full Intra Request
// feedback.
func (c RtpCodecParameters) SupportsFIR() bool {
	for _, fb := range c.RtcpFeedback {
		if fb.Type == "ccm" && fb.Parameter == "fir" {
			return true
		}
	}
	return false
}

// RtpHeaderExtensionParameters describes one negotiated RTP header
// extension (RFC 5285).
type RtpHeaderExtensionParameters struct {
	Uri     string `json:"uri"`
	Id      uint8  `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

// RtpRtxParameters carries the SSRC of the RTX stream associated with an
// encoding, when retransmission uses a separate SSRC rather than
// apt (RFC 4588) inline with the primary payload type.
type RtpRtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

// RtpEncodingParameters describes one simulcast layer (or the single
// layer of a non-simulcast producer / Simple consumer).
type RtpEncodingParameters struct {
	Ssrc            uint32            `json:"ssrc,omitempty"`
	Rid             string            `json:"rid,omitempty"`
	Rtx             *RtpRtxParameters `json:"rtx,omitempty"`
	MaxBitrate      uint32            `json:"maxBitrate,omitempty"`
	ScalabilityMode string            `json:"scalabilityMode,omitempty"`
}

// RtpParameters is the negotiated parameter set of a Producer (what it
// sends) or a Consumer (what it is configured to emit).
type RtpParameters struct {
	MidExt           uint8                          `json:"-"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters         `json:"encodings"`
}

// CodecByPayloadType looks up a negotiated codec by RTP payload type.
func (p RtpParameters) CodecByPayloadType(pt uint8) (RtpCodecParameters, bool) {
	for _, c := range p.Codecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return RtpCodecParameters{}, false
}

// SupportedPayloadTypes returns the set of payload types negotiated
// across all codecs, used by Consumer.SendRtpPacket step 2.
func (p RtpParameters) SupportedPayloadTypes() map[uint8]struct{} {
	out := make(map[uint8]struct{}, len(p.Codecs))
	for _, c := range p.Codecs {
		out[c.PayloadType] = struct{}{}
	}
	return out
}

// RtxPayloadType returns the payload type negotiated for this
// parameter set's RTX codec (mimeType ".../rtx"), used to stamp
// retransmitted packets with the right payload type instead of the
// primary codec's (spec.md §4.3 scenario 5).
func (p RtpParameters) RtxPayloadType() (uint8, bool) {
	for _, c := range p.Codecs {
		if isRtxMime(c.MimeType) {
			return c.PayloadType, true
		}
	}
	return 0, false
}
