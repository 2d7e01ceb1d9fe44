package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v2"
)

// DtlsRole mirrors spec.md §4.4's AUTO/CLIENT/SERVER role negotiation.
type DtlsRole int

const (
	DtlsRoleAuto DtlsRole = iota
	DtlsRoleClient
	DtlsRoleServer
)

// DtlsState is the coarse connection state the Transport's
// IsConnected() check reads.
type DtlsState int

const (
	DtlsStateNew DtlsState = iota
	DtlsStateConnecting
	DtlsStateConnected
	DtlsStateFailed
	DtlsStateClosed
)

// SrtpKeyingMaterial is the client/server key and salt pair exported
// from the completed DTLS handshake, split per RFC 5764 so the
// Transport can assign recv/send sessions based on its resolved role.
type SrtpKeyingMaterial struct {
	ClientKey, ClientSalt []byte
	ServerKey, ServerSalt []byte
}

// DtlsListener is the upward capability the DTLS handshake reports
// into, implemented by the owning Transport.
type DtlsListener interface {
	OnDtlsStateChange(state DtlsState)
	OnDtlsConnected(profile srtp.ProtectionProfile, km SrtpKeyingMaterial)
}

// DtlsTransport owns the handshake over a bridgeConn fed by the
// Transport's demultiplexer, per spec.md §4.4 "MayRunDtlsTransport
// starts DTLS once (a) ICE is CONNECTED and (b) role is resolved".
type DtlsTransport struct {
	Listener DtlsListener

	role               DtlsRole
	expectedFingerprint string // "algo hex:hex:..." form, lowercase

	certificate tls.Certificate
	conn        *dtls.Conn
	state       DtlsState
	started     bool
}

func NewDtlsTransport(cert tls.Certificate, listener DtlsListener) *DtlsTransport {
	return &DtlsTransport{
		Listener:    listener,
		certificate: cert,
		state:       DtlsStateNew,
	}
}

// SetRemoteFingerprint resolves AUTO role: if the remote's SDP setup
// attribute was "actpass"/"active" we become SERVER, "passive" makes
// us CLIENT. The resolution itself happens in the control layer that
// parses the offer; here we just record the outcome.
func (t *DtlsTransport) SetRemoteFingerprint(algo, fingerprint string, role DtlsRole) {
	t.expectedFingerprint = algo + " " + fingerprint
	t.role = role
}

// MayRun starts the handshake exactly once, given the bridgeConn for
// the ICE-selected tuple. The handshake itself runs on its own
// goroutine since it blocks on round trips; raw DTLS datagrams are fed
// to it via bridgeConn.Push from the transport's main loop, preserving
// the no-suspension-points-in-packet-processing guarantee for the
// core ingress/egress path.
func (t *DtlsTransport) MayRun(conn *bridgeConn, iceConnected, roleResolved bool) {
	if t.started || !iceConnected || !roleResolved {
		return
	}
	t.started = true
	t.state = DtlsStateConnecting
	t.Listener.OnDtlsStateChange(t.state)

	cfg := &dtls.Config{
		Certificates:           []tls.Certificate{t.certificate},
		InsecureSkipVerify:     true,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AEAD_AES_256_GCM, dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		VerifyPeerCertificate:  t.verifyPeerCertificate,
	}

	go t.handshake(conn, cfg)
}

func (t *DtlsTransport) handshake(conn *bridgeConn, cfg *dtls.Config) {
	var (
		dtlsConn *dtls.Conn
		err      error
	)
	if t.role == DtlsRoleServer {
		dtlsConn, err = dtls.Server(conn, cfg)
	} else {
		dtlsConn, err = dtls.Client(conn, cfg)
	}
	if err != nil {
		t.state = DtlsStateFailed
		t.Listener.OnDtlsStateChange(t.state)
		return
	}

	t.conn = dtlsConn
	t.state = DtlsStateConnected

	state := dtlsConn.ConnectionState()
	selectedProfile, _ := dtlsConn.SelectedSRTPProtectionProfile()
	profile := srtpProfileFor(selectedProfile)

	km, err := exportKeyingMaterial(&state, profile)
	if err != nil {
		t.state = DtlsStateFailed
		t.Listener.OnDtlsStateChange(t.state)
		return
	}

	t.Listener.OnDtlsStateChange(t.state)
	t.Listener.OnDtlsConnected(profile, km)
}

// exportKeyingMaterial implements RFC 5764 DTLS-SRTP key derivation:
// export enough keying material for two (key, salt) pairs and split
// it client-first, server-second.
func exportKeyingMaterial(state *dtls.State, profile srtp.ProtectionProfile) (SrtpKeyingMaterial, error) {
	keyLen, saltLen := srtpKeySaltLen(profile)
	material, err := state.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*(keyLen+saltLen))
	if err != nil {
		return SrtpKeyingMaterial{}, err
	}

	offset := 0
	clientKey := material[offset : offset+keyLen]
	offset += keyLen
	serverKey := material[offset : offset+keyLen]
	offset += keyLen
	clientSalt := material[offset : offset+saltLen]
	offset += saltLen
	serverSalt := material[offset : offset+saltLen]

	return SrtpKeyingMaterial{
		ClientKey: clientKey, ClientSalt: clientSalt,
		ServerKey: serverKey, ServerSalt: serverSalt,
	}, nil
}

func srtpKeySaltLen(profile srtp.ProtectionProfile) (keyLen, saltLen int) {
	if profile == srtp.ProtectionProfileAeadAes256Gcm {
		return 32, 12
	}
	return 16, 14
}

func (t *DtlsTransport) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if t.expectedFingerprint == "" || len(rawCerts) == 0 {
		return nil
	}
	sum := sha256.Sum256(rawCerts[0])
	got := fmt.Sprintf("sha-256 %x", sum)
	if got != t.expectedFingerprint {
		return fmt.Errorf("remote certificate fingerprint mismatch")
	}
	return nil
}

func (t *DtlsTransport) State() DtlsState { return t.state }

func srtpProfileFor(p dtls.SRTPProtectionProfile) srtp.ProtectionProfile {
	switch p {
	case dtls.SRTP_AEAD_AES_256_GCM:
		return srtp.ProtectionProfileAeadAes256Gcm
	default:
		return srtp.ProtectionProfileAes128CmHmacSha1_80
	}
}

func (t *DtlsTransport) Close() error {
	t.state = DtlsStateClosed
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
