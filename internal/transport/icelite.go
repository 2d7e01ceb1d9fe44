package transport

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/pion/stun"

	"github.com/relaywire/sfu-core/internal/clock"
)

// IceState mirrors the lite-server state machine of spec.md §4.4.
type IceState int

const (
	IceStateNew IceState = iota
	IceStateConnected
	IceStateCompleted
	IceStateDisconnected
)

func (s IceState) String() string {
	switch s {
	case IceStateConnected:
		return "connected"
	case IceStateCompleted:
		return "completed"
	case IceStateDisconnected:
		return "disconnected"
	default:
		return "new"
	}
}

const iceDisconnectedTimeoutMs = 30_000

// ICE attributes (RFC 8445) are not modeled by pion/stun itself — they
// live in a full ICE agent package this module deliberately does not
// depend on — so they're read here as raw STUN attributes.
var (
	attrPriority     = stun.AttrType(0x0024)
	attrUseCandidate = stun.AttrType(0x0025)
)

// IceServerListener is the upward capability the ICE-lite responder
// calls into, implemented by the owning Transport.
type IceServerListener interface {
	OnIceStateChange(state IceState)
	OnIceSelectedTupleChange(tuple Tuple)
}

// IceServer is a hand-written ICE-lite STUN responder: it never
// originates connectivity checks, only answers them, and selects the
// tuple whose last valid binding request carried the highest remote
// priority with USE-CANDIDATE set, per spec.md §4.4.
//
// This is deliberately not built on a general-purpose ICE agent
// because the tuple-selection and demultiplexing state machine is
// exactly the "core" logic this module exists to implement directly.
type IceServer struct {
	mu sync.Mutex

	UsernameFragment string
	Password         string

	Listener IceServerListener
	Clock    clock.Clock

	state            IceState
	selectedTuple    *Tuple
	selectedPriority uint32
	lastValidRequest int64
}

func NewIceServer(ufrag, pwd string, listener IceServerListener, clk clock.Clock) *IceServer {
	return &IceServer{
		UsernameFragment: ufrag,
		Password:         pwd,
		Listener:         listener,
		Clock:            clk,
		state:            IceStateNew,
	}
}

func (s *IceServer) State() IceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *IceServer) SelectedTuple() (Tuple, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedTuple == nil {
		return Tuple{}, false
	}
	return *s.selectedTuple, true
}

// ProcessStunMessage implements spec.md §4.4's demultiplexer STUN
// branch: validate, answer binding requests, and run the tuple
// nomination transitions.
func (s *IceServer) ProcessStunMessage(data []byte, tuple Tuple, sender Sender) error {
	msg := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := msg.Decode(); err != nil {
		return err
	}
	if msg.Type != stun.BindingRequest {
		return nil
	}
	integrity := stun.NewShortTermIntegrity(s.Password)
	if err := integrity.Check(msg); err != nil {
		return err
	}

	_, useCandidate := msg.Attributes.Get(attrUseCandidate)

	var priority uint32
	if raw, ok := msg.Attributes.Get(attrPriority); ok && len(raw.Value) == 4 {
		priority = binary.BigEndian.Uint32(raw.Value)
	}

	if err := s.respond(msg, tuple, sender); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastValidRequest = s.Clock.NowMs()
	becameConnected := s.state == IceStateNew
	tupleChanged := false
	if useCandidate && (s.selectedTuple == nil || priority >= s.selectedPriority) {
		if s.selectedTuple == nil || !s.selectedTuple.Equal(tuple) {
			tupleChanged = true
		}
		t := tuple
		s.selectedTuple = &t
		s.selectedPriority = priority
	}
	if becameConnected {
		s.state = IceStateConnected
	}
	selected := s.selectedTuple
	state := s.state
	s.mu.Unlock()

	if becameConnected {
		s.Listener.OnIceStateChange(state)
	}
	if tupleChanged {
		s.Listener.OnIceSelectedTupleChange(*selected)
	}
	return nil
}

func (s *IceServer) respond(req *stun.Message, tuple Tuple, sender Sender) error {
	resp, err := stun.Build(req, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: addrIP(tuple.RemoteAddr), Port: addrPort(tuple.RemoteAddr)},
		stun.NewShortTermIntegrity(s.Password),
		stun.Fingerprint,
	)
	if err != nil {
		return err
	}
	return sender.SendTo(tuple, resp.Raw)
}

// CheckDisconnected marks the server DISCONNECTED if no valid binding
// request has arrived within the timeout, per spec.md §4.4. Intended
// to be invoked periodically from the owning event loop's timer.
func (s *IceServer) CheckDisconnected() {
	s.mu.Lock()
	if s.state != IceStateConnected && s.state != IceStateCompleted {
		s.mu.Unlock()
		return
	}
	elapsed := s.Clock.NowMs() - s.lastValidRequest
	becameDisconnected := elapsed > iceDisconnectedTimeoutMs
	if becameDisconnected {
		s.state = IceStateDisconnected
	}
	s.mu.Unlock()

	if becameDisconnected {
		s.Listener.OnIceStateChange(IceStateDisconnected)
	}
}

// MarkCompleted transitions CONNECTED -> COMPLETED once the nominated
// pair handshake has stabilized (called by Transport once DTLS has
// connected on the selected tuple and both SRTP sessions exist).
func (s *IceServer) MarkCompleted() {
	s.mu.Lock()
	if s.state != IceStateConnected {
		s.mu.Unlock()
		return
	}
	s.state = IceStateCompleted
	s.mu.Unlock()
	s.Listener.OnIceStateChange(IceStateCompleted)
}

func addrIP(a net.Addr) net.IP {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.IP
	}
	if t, ok := a.(*net.TCPAddr); ok {
		return t.IP
	}
	return nil
}

func addrPort(a net.Addr) int {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.Port
	}
	if t, ok := a.(*net.TCPAddr); ok {
		return t.Port
	}
	return 0
}
