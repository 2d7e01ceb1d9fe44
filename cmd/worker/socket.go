package main

import (
	"net"

	"go.uber.org/zap"

	txp "github.com/relaywire/sfu-core/internal/transport"
)

// udpSocket implements transport.Sender over a single bound UDP
// socket, per spec.md §4.4 "for each configured ListenIp, opens a UDP
// socket". Its read loop hands every datagram to the owning Loop's
// command queue so demultiplexing still runs on the single owning
// goroutine.
type udpSocket struct {
	conn   *net.UDPConn
	logger *zap.Logger
}

func listenUDP(listenIp string, logger *zap.Logger) (*udpSocket, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(listenIp), Port: 0}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn, logger: logger}, nil
}

func (s *udpSocket) SendTo(tuple txp.Tuple, data []byte) error {
	remote, ok := tuple.RemoteAddr.(*net.UDPAddr)
	if !ok {
		return nil
	}
	_, err := s.conn.WriteToUDP(data, remote)
	return err
}

// readLoop reads datagrams and calls onPacket(tuple, data) for each.
// Intended to be run on its own goroutine; onPacket is expected to
// hand off to the owning Loop's command queue rather than touching
// loop-owned state directly.
func (s *udpSocket) readLoop(onPacket func(tuple txp.Tuple, data []byte)) {
	buf := make([]byte, 1500)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		tuple := txp.Tuple{
			LocalAddr:  s.conn.LocalAddr(),
			RemoteAddr: remote,
			Protocol:   txp.ProtocolUDP,
		}
		onPacket(tuple, data)
	}
}

func (s *udpSocket) Close() error { return s.conn.Close() }
