package transport

import (
	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
)

// SrtpSession wraps one direction's pion/srtp/v2 Context, grounded on
// spec.md §4.4 "On OnDtlsConnected the SRTP profile and both key
// materials are handed to two SrtpSession objects (recv/send)".
//
// The lower-level Context API is used directly (EncryptRTP/DecryptRTP
// operating on byte slices) rather than wrapping the whole socket in
// srtp.SessionSRTP, because the Transport already owns its own
// per-tuple read/write loop and demultiplexer (§4.4, §5) — a second
// session abstraction on top would just duplicate that loop.
type SrtpSession struct {
	ctx *srtp.Context
}

func NewSrtpSession(profile srtp.ProtectionProfile, key, salt []byte) (*SrtpSession, error) {
	ctx, err := srtp.CreateContext(key, salt, profile)
	if err != nil {
		return nil, err
	}
	return &SrtpSession{ctx: ctx}, nil
}

// DecryptRTP decrypts an in-place SRTP packet into dst, returning the
// plaintext slice and the parsed header.
func (s *SrtpSession) DecryptRTP(dst []byte, encrypted []byte) ([]byte, *rtp.Header, error) {
	header := &rtp.Header{}
	if _, err := header.Unmarshal(encrypted); err != nil {
		return nil, nil, err
	}
	plain, err := s.ctx.DecryptRTP(dst, encrypted, header)
	if err != nil {
		return nil, nil, err
	}
	return plain, header, nil
}

// EncryptRTP encrypts header+payload into dst for transmission.
func (s *SrtpSession) EncryptRTP(dst []byte, header *rtp.Header, payload []byte) ([]byte, error) {
	return s.ctx.EncryptRTP(dst, payload, header)
}

// DecryptRTCP decrypts an SRTCP compound packet into dst.
func (s *SrtpSession) DecryptRTCP(dst, encrypted []byte) ([]byte, error) {
	return s.ctx.DecryptRTCP(dst, encrypted, nil)
}

// EncryptRTCP encrypts an RTCP compound packet into dst.
func (s *SrtpSession) EncryptRTCP(dst, plain []byte) ([]byte, error) {
	return s.ctx.EncryptRTCP(dst, plain, nil)
}
