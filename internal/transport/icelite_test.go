package transport

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/pion/stun"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/sfu-core/internal/clock"
)

// rawAttr adds a raw STUN attribute while building a Message, for the
// ICE PRIORITY/USE-CANDIDATE attributes pion/stun has no dedicated
// setter for (see icelite.go's attrPriority/attrUseCandidate comment).
type rawAttr struct {
	t     stun.AttrType
	value []byte
}

func (r rawAttr) AddTo(m *stun.Message) error {
	m.Add(r.t, r.value)
	return nil
}

// buildBindingRequest constructs a real, integrity-protected ICE
// binding request, mirroring what a peer's ICE agent would send.
func buildBindingRequest(t *testing.T, password string, priority uint32, useCandidate bool) []byte {
	t.Helper()
	priorityBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(priorityBytes, priority)

	setters := []stun.Setter{stun.TransactionID, stun.BindingRequest, rawAttr{attrPriority, priorityBytes}}
	if useCandidate {
		setters = append(setters, rawAttr{attrUseCandidate, nil})
	}
	setters = append(setters, stun.NewShortTermIntegrity(password), stun.Fingerprint)

	m, err := stun.Build(setters...)
	require.NoError(t, err)
	return m.Raw
}

type fakeIceListener struct {
	states  []IceState
	tuples  []Tuple
}

func (f *fakeIceListener) OnIceStateChange(state IceState) { f.states = append(f.states, state) }
func (f *fakeIceListener) OnIceSelectedTupleChange(tuple Tuple) {
	f.tuples = append(f.tuples, tuple)
}

func TestIceServerStartsNewWithNoSelectedTuple(t *testing.T) {
	s := NewIceServer("ufrag", "pwd", &fakeIceListener{}, clock.NewFixed(0))
	require.Equal(t, IceStateNew, s.State())
	_, ok := s.SelectedTuple()
	require.False(t, ok)
}

func TestIceServerCheckDisconnectedNoopBeforeConnected(t *testing.T) {
	clk := clock.NewFixed(0)
	listener := &fakeIceListener{}
	s := NewIceServer("ufrag", "pwd", listener, clk)
	clk.AdvanceMs(iceDisconnectedTimeoutMs * 2)
	s.CheckDisconnected()
	require.Empty(t, listener.states)
	require.Equal(t, IceStateNew, s.State())
}

func TestIceServerMarkCompletedRequiresConnectedState(t *testing.T) {
	listener := &fakeIceListener{}
	s := NewIceServer("ufrag", "pwd", listener, clock.NewFixed(0))

	// MarkCompleted is a no-op from the New state.
	s.MarkCompleted()
	require.Empty(t, listener.states)
	require.Equal(t, IceStateNew, s.State())

	s.state = IceStateConnected
	s.MarkCompleted()
	require.Equal(t, IceStateCompleted, s.State())
	require.Equal(t, []IceState{IceStateCompleted}, listener.states)
}

func TestIceServerCheckDisconnectedAfterTimeout(t *testing.T) {
	clk := clock.NewFixed(0)
	listener := &fakeIceListener{}
	s := NewIceServer("ufrag", "pwd", listener, clk)
	s.state = IceStateConnected
	s.lastValidRequest = 0

	clk.AdvanceMs(iceDisconnectedTimeoutMs + 1)
	s.CheckDisconnected()

	require.Equal(t, IceStateDisconnected, s.State())
	require.Equal(t, []IceState{IceStateDisconnected}, listener.states)
}

// TestIceServerProcessStunMessageNominatesHigherPriorityTuple covers
// the ICE tuple-switch scenario: tuple A is nominated first, a second
// tuple B then nominates with higher priority and becomes selected,
// and OnIceSelectedTupleChange fires exactly once per actual change —
// not once per valid request.
func TestIceServerProcessStunMessageNominatesHigherPriorityTuple(t *testing.T) {
	listener := &fakeIceListener{}
	clk := clock.NewFixed(0)
	s := NewIceServer("ufrag", "pwd", listener, clk)
	sender := &fakeSender{}

	local := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	tupleA := Tuple{LocalAddr: local, RemoteAddr: &net.UDPAddr{IP: net.ParseIP("192.168.0.1"), Port: 2000}, Protocol: ProtocolUDP}
	tupleB := Tuple{LocalAddr: local, RemoteAddr: &net.UDPAddr{IP: net.ParseIP("192.168.0.2"), Port: 2000}, Protocol: ProtocolUDP}

	require.NoError(t, s.ProcessStunMessage(buildBindingRequest(t, "pwd", 100, true), tupleA, sender))
	require.Equal(t, []IceState{IceStateConnected}, listener.states)
	require.Len(t, listener.tuples, 1)
	require.True(t, listener.tuples[0].Equal(tupleA))

	selected, ok := s.SelectedTuple()
	require.True(t, ok)
	require.True(t, selected.Equal(tupleA))

	// A repeats its nomination at the same priority: already selected,
	// so the callback must not refire.
	require.NoError(t, s.ProcessStunMessage(buildBindingRequest(t, "pwd", 100, true), tupleA, sender))
	require.Len(t, listener.tuples, 1)

	// B nominates with a higher priority: selection switches to B.
	require.NoError(t, s.ProcessStunMessage(buildBindingRequest(t, "pwd", 200, true), tupleB, sender))
	require.Len(t, listener.tuples, 2)
	require.True(t, listener.tuples[1].Equal(tupleB))

	selected, ok = s.SelectedTuple()
	require.True(t, ok)
	require.True(t, selected.Equal(tupleB))

	// A further non-nominating request on A must not move selection or
	// refire the callback.
	require.NoError(t, s.ProcessStunMessage(buildBindingRequest(t, "pwd", 50, false), tupleA, sender))
	require.Len(t, listener.tuples, 2)

	require.Equal(t, []IceState{IceStateConnected}, listener.states)
}

func TestTupleEqual(t *testing.T) {
	local := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1000}
	remoteA := &net.UDPAddr{IP: net.ParseIP("192.168.0.1"), Port: 2000}
	remoteB := &net.UDPAddr{IP: net.ParseIP("192.168.0.2"), Port: 2000}

	a := Tuple{LocalAddr: local, RemoteAddr: remoteA, Protocol: ProtocolUDP}
	b := Tuple{LocalAddr: local, RemoteAddr: remoteA, Protocol: ProtocolUDP}
	c := Tuple{LocalAddr: local, RemoteAddr: remoteB, Protocol: ProtocolUDP}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}
