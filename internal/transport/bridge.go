package transport

import (
	"net"
	"time"

	"github.com/pion/transport/v2/packetio"
)

// bridgeConn adapts a tuple's demultiplexed byte stream into a
// net.Conn, the shape github.com/pion/dtls/v2 requires. Inbound bytes
// the Transport's demultiplexer classifies as DTLS are pushed into
// inbound via Push; outbound bytes DTLS writes are handed to writeFn,
// which the Transport wires to the real UDP/TCP socket for the
// selected tuple. Grounded on the same packetio.Buffer primitive
// pion's own SCTP/DTLS association code uses to bridge a demuxed
// stream into a net.Conn-shaped consumer.
type bridgeConn struct {
	inbound *packetio.Buffer

	localAddr  net.Addr
	remoteAddr net.Addr
	writeFn    func([]byte) (int, error)
}

func newBridgeConn(local, remote net.Addr, writeFn func([]byte) (int, error)) *bridgeConn {
	return &bridgeConn{
		inbound:    packetio.NewBuffer(),
		localAddr:  local,
		remoteAddr: remote,
		writeFn:    writeFn,
	}
}

// Push feeds one demultiplexed datagram to a blocked or future Read.
func (c *bridgeConn) Push(data []byte) error {
	_, err := c.inbound.Write(data)
	return err
}

func (c *bridgeConn) Read(p []byte) (int, error)  { return c.inbound.Read(p) }
func (c *bridgeConn) Write(p []byte) (int, error) { return c.writeFn(p) }
func (c *bridgeConn) Close() error                { return c.inbound.Close() }
func (c *bridgeConn) LocalAddr() net.Addr         { return c.localAddr }
func (c *bridgeConn) RemoteAddr() net.Addr        { return c.remoteAddr }

func (c *bridgeConn) SetDeadline(t time.Time) error {
	return c.inbound.SetReadDeadline(t)
}

func (c *bridgeConn) SetReadDeadline(t time.Time) error {
	return c.inbound.SetReadDeadline(t)
}

func (c *bridgeConn) SetWriteDeadline(time.Time) error {
	return nil
}
