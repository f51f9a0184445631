package noise

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/limits"
)

// maxPlaintext is the largest chunk that fits one transport message.
const maxPlaintext = limits.MaxNoiseMessage - limits.NoiseOverhead

// ErrMessageTooLarge is returned for a handshake or transport message that
// does not fit the two byte length prefix.
var ErrMessageTooLarge = errors.New("noise message too large")

// Conn is a net.Conn whose traffic is protected by the cipher states of a
// completed handshake. Every message travels with a two byte length prefix.
type Conn struct {
	net.Conn

	rmu     sync.Mutex
	recv    *noise.CipherState
	pending []byte

	wmu  sync.Mutex
	send *noise.CipherState

	remoteStatic []byte
}

// Client runs the initiator side of the handshake on conn.
func Client(conn net.Conn, static StaticKey, timeout time.Duration) (*Conn, error) {
	return handshake(conn, static, Initiator, timeout)
}

// Server runs the responder side of the handshake on conn.
func Server(conn net.Conn, static StaticKey, timeout time.Duration) (*Conn, error) {
	return handshake(conn, static, Responder, timeout)
}

func handshake(conn net.Conn, static StaticKey, role HandshakeRole, timeout time.Duration) (*Conn, error) {
	xx, err := NewXXHandshake(static, role)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	// XX is three messages: initiator writes first and last.
	writing := role == Initiator
	for !xx.IsComplete() {
		if writing {
			msg, _, err := xx.WriteMessage(nil)
			if err != nil {
				return nil, err
			}
			if err := writeFrame(conn, msg); err != nil {
				return nil, fmt.Errorf("write handshake message: %w", err)
			}
		} else {
			msg, err := readFrame(conn)
			if err != nil {
				return nil, fmt.Errorf("read handshake message: %w", err)
			}
			if _, _, err := xx.ReadMessage(msg); err != nil {
				return nil, err
			}
		}
		writing = !writing
	}

	send, recv, err := xx.GetCipherStates()
	if err != nil {
		return nil, err
	}
	remote, err := xx.GetRemoteStaticKey()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "handshake",
		"remote":   conn.RemoteAddr().String(),
		"role":     role,
	}).Debug("Noise handshake complete")

	return &Conn{Conn: conn, send: send, recv: recv, remoteStatic: remote}, nil
}

// RemoteStatic returns the static public key the peer authenticated with.
func (c *Conn) RemoteStatic() []byte {
	return append([]byte(nil), c.remoteStatic...)
}

// Read decrypts the next transport message as needed.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		frame, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		plaintext, err := c.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, fmt.Errorf("decrypt transport message: %w", err)
		}
		c.pending = plaintext
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write encrypts p, split into as many transport messages as needed.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for written < len(p) {
		end := written + maxPlaintext
		if end > len(p) {
			end = len(p)
		}
		ciphertext, err := c.send.Encrypt(nil, nil, p[written:end])
		if err != nil {
			return written, fmt.Errorf("encrypt transport message: %w", err)
		}
		if err := writeFrame(c.Conn, ciphertext); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > limits.MaxNoiseMessage {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	frame := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(frame, uint16(len(msg)))
	copy(frame[2:], msg)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
