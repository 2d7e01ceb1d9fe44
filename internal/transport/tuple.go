package transport

import (
	"net"
)

// Protocol distinguishes the two socket kinds a TransportTuple can be
// carried over, per spec.md §4.4 "opens a UDP socket and optionally a
// TCP server".
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// Tuple is a local/remote address pair plus the protocol it was
// learned on, the unit the demultiplexer keys all per-peer state by.
type Tuple struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	Protocol   Protocol
}

func (t Tuple) key() string {
	return string(t.Protocol) + "|" + t.LocalAddr.String() + "|" + t.RemoteAddr.String()
}

// Equal reports whether two tuples refer to the same peer association.
func (t Tuple) Equal(other Tuple) bool {
	return t.key() == other.key()
}

// Sender is the minimal capability the demultiplexer and ICE/DTLS/SRTP
// stages need to write a datagram back to a tuple's remote address,
// implemented by the owning UDP/TCP socket wrapper.
type Sender interface {
	SendTo(tuple Tuple, data []byte) error
}
