package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/opd-ai/peercore/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator is the side that opened the connection.
	Initiator HandshakeRole = iota
	// Responder is the side that accepted the connection.
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// StaticKey is a long-term Curve25519 key pair.
type StaticKey struct {
	Private []byte
	Public  []byte
}

// GenerateStaticKey creates a fresh static key pair.
func GenerateStaticKey() (StaticKey, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return StaticKey{}, fmt.Errorf("generate static key: %w", err)
	}
	return StaticKey{Private: kp.Private, Public: kp.Public}, nil
}

// StaticKeyFromPrivate derives the public half of a 32 byte private key.
func StaticKeyFromPrivate(private []byte) (StaticKey, error) {
	if len(private) != 32 {
		return StaticKey{}, fmt.Errorf("static private key must be 32 bytes, got %d", len(private))
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return StaticKey{}, fmt.Errorf("derive public key: %w", err)
	}
	return StaticKey{Private: append([]byte(nil), private...), Public: public}, nil
}

// Wipe erases the private key.
func (k StaticKey) Wipe() {
	crypto.ZeroBytes(k.Private)
}

// XXHandshake implements the Noise XX pattern for mutual authentication
// without prior key knowledge.
type XXHandshake struct {
	role        HandshakeRole
	state       *noise.HandshakeState
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	complete    bool
	localPubKey []byte
}

// NewXXHandshake creates a new XX pattern handshake.
func NewXXHandshake(static StaticKey, role HandshakeRole) (*XXHandshake, error) {
	if len(static.Private) != 32 || len(static.Public) != 32 {
		return nil, fmt.Errorf("static key must be 32 bytes, got %d/%d", len(static.Private), len(static.Public))
	}

	staticKey := noise.DHKey{
		Private: append([]byte(nil), static.Private...),
		Public:  append([]byte(nil), static.Public...),
	}

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	hs, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &XXHandshake{
		role:        role,
		state:       hs,
		localPubKey: staticKey.Public,
	}, nil
}

// WriteMessage produces the next handshake message.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake write failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return message, xx.complete, nil
}

// ReadMessage consumes a handshake message from the peer.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("XX handshake read failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return payload, xx.complete, nil
}

// finish stores the split cipher states. The first one always protects
// initiator to responder traffic.
func (xx *XXHandshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if xx.role == Initiator {
		xx.sendCipher, xx.recvCipher = cs1, cs2
	} else {
		xx.sendCipher, xx.recvCipher = cs2, cs1
	}
	xx.complete = true
}

// IsComplete returns whether the XX handshake is complete.
func (xx *XXHandshake) IsComplete() bool {
	return xx.complete
}

// GetCipherStates returns the send and receive cipher states.
func (xx *XXHandshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher, xx.recvCipher, nil
}

// GetRemoteStaticKey returns the peer's static key after XX handshake completion.
func (xx *XXHandshake) GetRemoteStaticKey() ([]byte, error) {
	if !xx.complete {
		return nil, ErrHandshakeNotComplete
	}
	return append([]byte(nil), xx.state.PeerStatic()...), nil
}

// GetLocalStaticKey returns our static public key.
func (xx *XXHandshake) GetLocalStaticKey() []byte {
	return append([]byte(nil), xx.localPubKey...)
}
