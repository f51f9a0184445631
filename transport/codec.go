package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/peercore/crypto"
	"github.com/opd-ai/peercore/limits"
	"github.com/opd-ai/peercore/message"
)

var (
	// ErrNoEncoder is returned when writing on a channel without an
	// encoder stage.
	ErrNoEncoder = errors.New("channel has no encoder stage")
	// ErrNoDecoder is returned when a channel without a decoder stage
	// receives data.
	ErrNoDecoder = errors.New("channel has no decoder stage")
)

// FrameDecoder reads one message from a stream.
type FrameDecoder interface {
	ReadMessage(r io.Reader) (*message.Message, error)
}

// DatagramDecoder decodes one message from a datagram.
type DatagramDecoder interface {
	DecodeDatagram(data []byte) (*message.Message, error)
}

// Encoder turns a message into the bytes written on the socket.
type Encoder interface {
	Encode(msg *message.Message) ([]byte, error)
}

// TCPDecoder reads length-prefixed frames: a 4 byte big endian length
// followed by the encoded message.
type TCPDecoder struct {
	codec message.Codec
}

// NewTCPDecoder creates the decoder stage of a TCP chain.
func NewTCPDecoder() *TCPDecoder {
	return &TCPDecoder{}
}

// ReadMessage blocks until a complete frame was read.
func (d *TCPDecoder) ReadMessage(r io.Reader) (*message.Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if err := limits.ValidateFrameLength(length); err != nil {
		return nil, err
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return d.codec.Decode(frame)
}

// TCPEncoder writes length-prefixed frames.
type TCPEncoder struct {
	codec message.Codec
}

// NewTCPEncoder creates the encoder stage of a TCP chain. signer may be nil.
func NewTCPEncoder(signer *crypto.Signer) *TCPEncoder {
	return &TCPEncoder{codec: message.Codec{Signer: signer}}
}

// Encode returns the length prefix followed by the encoded message.
func (e *TCPEncoder) Encode(msg *message.Message) ([]byte, error) {
	body, err := e.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidateFrame(body); err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// UDPDecoder decodes a whole datagram as one message.
type UDPDecoder struct {
	codec message.Codec
}

// NewUDPDecoder creates the decoder stage of a UDP chain.
func NewUDPDecoder() *UDPDecoder {
	return &UDPDecoder{}
}

// DecodeDatagram decodes data.
func (d *UDPDecoder) DecodeDatagram(data []byte) (*message.Message, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}
	msg, err := d.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	msg.UDP = true
	return msg, nil
}

// UDPEncoder encodes a message into a single datagram.
type UDPEncoder struct {
	codec message.Codec
}

// NewUDPEncoder creates the encoder stage of a UDP chain. signer may be nil.
func NewUDPEncoder(signer *crypto.Signer) *UDPEncoder {
	return &UDPEncoder{codec: message.Codec{Signer: signer}}
}

// Encode returns the datagram payload.
func (e *UDPEncoder) Encode(msg *message.Message) ([]byte, error) {
	data, err := e.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}
	return data, nil
}
