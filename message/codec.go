package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/opd-ai/peercore/crypto"
	"github.com/opd-ai/peercore/limits"
	"github.com/opd-ai/peercore/peer"
)

const (
	flagKeepAlive = 1 << iota
	flagStreaming
	flagSigned
)

// headerSize is version(4) id(4) command(1) type(1) flags(1).
const headerSize = 11

var (
	// ErrTruncated indicates a frame that ends before all fields were read.
	ErrTruncated = errors.New("truncated message")
	// ErrMalformed indicates a frame whose fields are inconsistent.
	ErrMalformed = errors.New("malformed message")
)

// Codec converts messages to and from their binary form. With a Signer
// set, encoded messages carry the public key and a detached signature
// over everything that precedes it. Signed frames are always verified on
// decode, with or without a Signer.
type Codec struct {
	Signer *crypto.Signer
}

// Encode serializes m.
func (c Codec) Encode(m *Message) ([]byte, error) {
	var flags byte
	if m.KeepAlive {
		flags |= flagKeepAlive
	}
	if m.Streaming {
		flags |= flagStreaming
	}
	if c.Signer != nil {
		flags |= flagSigned
	}

	buf := make([]byte, 0, headerSize+128+len(m.Payload))
	buf = binary.BigEndian.AppendUint32(buf, m.Version)
	buf = binary.BigEndian.AppendUint32(buf, m.ID)
	buf = append(buf, byte(m.Command), byte(m.Type), flags)

	var err error
	if buf, err = appendAddress(buf, m.Sender); err != nil {
		return nil, fmt.Errorf("encode sender: %w", err)
	}
	if buf, err = appendAddress(buf, m.Recipient); err != nil {
		return nil, fmt.Errorf("encode recipient: %w", err)
	}
	if buf, err = appendSockets(buf, m.PeerSocketAddresses); err != nil {
		return nil, fmt.Errorf("encode socket addresses: %w", err)
	}

	if len(m.IntValues) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d int values", ErrMalformed, len(m.IntValues))
	}
	buf = append(buf, byte(len(m.IntValues)))
	for _, v := range m.IntValues {
		buf = binary.BigEndian.AppendUint32(buf, uint32(v))
	}

	if len(m.Payload) > limits.MaxFrameSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds limit %d", limits.ErrMessageTooLarge, len(m.Payload), limits.MaxFrameSize)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)

	if c.Signer != nil {
		buf = append(buf, c.Signer.PublicKey()...)
		buf = append(buf, c.Signer.Sign(buf)...)
	}
	return buf, nil
}

// Decode parses a frame produced by Encode.
func (c Codec) Decode(data []byte) (*Message, error) {
	r := &reader{data: data}
	m := &Message{}

	m.Version = r.uint32()
	m.ID = r.uint32()
	m.Command = Command(r.byte())
	m.Type = Type(r.byte())
	flags := r.byte()
	if r.err != nil {
		return nil, r.err
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, m.Type)
	}
	m.KeepAlive = flags&flagKeepAlive != 0
	m.Streaming = flags&flagStreaming != 0

	m.Sender = r.address()
	m.Recipient = r.address()
	m.PeerSocketAddresses = r.sockets()

	if n := int(r.byte()); n > 0 {
		m.IntValues = make([]int32, 0, n)
		for i := 0; i < n; i++ {
			m.IntValues = append(m.IntValues, int32(r.uint32()))
		}
	}

	size := r.uint32()
	if r.err == nil && size > limits.MaxFrameSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds limit %d", limits.ErrMessageTooLarge, size, limits.MaxFrameSize)
	}
	if payload := r.bytes(int(size)); len(payload) > 0 {
		m.Payload = append([]byte(nil), payload...)
	}

	if flags&flagSigned != 0 {
		signedLen := r.off
		pub := r.bytes(crypto.PublicKeySize)
		signedLen += crypto.PublicKeySize
		sig := r.bytes(crypto.DetachedSignatureSize)
		if r.err != nil {
			return nil, r.err
		}
		if err := crypto.VerifyDetached(pub, data[:signedLen], sig); err != nil {
			return nil, err
		}
		m.PublicKey = append([]byte(nil), pub...)
		m.Signed = true
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-r.off)
	}
	return m, nil
}

func appendAddress(buf []byte, a peer.Address) ([]byte, error) {
	buf = append(buf, a.ID[:]...)
	var relayed byte
	if a.Relayed {
		relayed = 1
	}
	buf = append(buf, relayed)
	buf, err := appendSocket(buf, a.Socket)
	if err != nil {
		return nil, err
	}
	return appendSockets(buf, a.Relays)
}

func appendSockets(buf []byte, sockets []peer.SocketAddress) ([]byte, error) {
	if len(sockets) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d socket addresses", ErrMalformed, len(sockets))
	}
	buf = append(buf, byte(len(sockets)))
	for _, s := range sockets {
		var err error
		if buf, err = appendSocket(buf, s); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendSocket(buf []byte, s peer.SocketAddress) ([]byte, error) {
	ip := s.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	switch len(ip) {
	case 0, net.IPv4len, net.IPv6len:
	default:
		return nil, fmt.Errorf("%w: ip length %d", ErrMalformed, len(ip))
	}
	if s.TCPPort < 0 || s.TCPPort > math.MaxUint16 || s.UDPPort < 0 || s.UDPPort > math.MaxUint16 {
		return nil, fmt.Errorf("%w: port out of range in %s", ErrMalformed, s)
	}
	buf = append(buf, byte(len(ip)))
	buf = append(buf, ip...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(s.TCPPort))
	buf = binary.BigEndian.AppendUint16(buf, uint16(s.UDPPort))
	return buf, nil
}

// reader consumes a frame front to back. The first error sticks and all
// later reads return zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) socket() peer.SocketAddress {
	var s peer.SocketAddress
	n := int(r.byte())
	if r.err == nil && n != 0 && n != net.IPv4len && n != net.IPv6len {
		r.err = fmt.Errorf("%w: ip length %d", ErrMalformed, n)
		return s
	}
	if ip := r.bytes(n); len(ip) > 0 {
		s.IP = append(net.IP(nil), ip...)
	}
	s.TCPPort = int(r.uint16())
	s.UDPPort = int(r.uint16())
	return s
}

func (r *reader) sockets() []peer.SocketAddress {
	n := int(r.byte())
	if n == 0 || r.err != nil {
		return nil
	}
	out := make([]peer.SocketAddress, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.socket())
	}
	return out
}

func (r *reader) address() peer.Address {
	var a peer.Address
	copy(a.ID[:], r.bytes(peer.IDSize))
	a.Relayed = r.byte() == 1
	a.Socket = r.socket()
	a.Relays = r.sockets()
	return a
}
