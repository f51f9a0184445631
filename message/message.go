// Package message defines the envelope exchanged between peers and its
// binary encoding.
package message

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opd-ai/peercore/peer"
)

// ProtocolVersion is stamped on every new message.
const ProtocolVersion uint32 = 1

// ID correlates a response with the request that caused it. It is
// independent of the transport the exchange runs on.
type ID struct {
	Value   uint32
	Command Command
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%s", id.Value, id.Command)
}

// Message is the envelope sent between peers. It may be modified until it
// is handed to a sender; afterwards it must be treated as read-only.
type Message struct {
	ID      uint32
	Version uint32
	Command Command
	Type    Type

	Sender    peer.Address
	Recipient peer.Address

	// RecipientRelay is the relay socket a UDP message is routed through
	// when the recipient is not directly reachable. Not encoded.
	RecipientRelay *peer.SocketAddress

	KeepAlive bool
	// Streaming marks a partial response; more frames follow.
	Streaming bool
	// UDP is set on messages that travel as datagrams. Not encoded.
	UDP bool

	PeerSocketAddresses []peer.SocketAddress
	IntValues           []int32
	Payload             []byte

	// PublicKey is the sender's signing key, present on signed messages.
	PublicKey []byte
	// Signed is set by the decoder after a signature was verified.
	Signed bool

	// Remote is the socket address the message was received from.
	Remote net.Addr
	// ReplyTo overrides the destination of a datagram reply.
	ReplyTo net.Addr
}

// New creates a request with a fresh random message ID.
func New(cmd Command, typ Type, sender, recipient peer.Address) *Message {
	return &Message{
		ID:        randomID(),
		Version:   ProtocolVersion,
		Command:   cmd,
		Type:      typ,
		Sender:    sender,
		Recipient: recipient,
	}
}

// Response builds the answer to m. The answer carries the same message ID
// and command, goes back to m's sender, and is written to the address m
// was received from.
func (m *Message) Response(typ Type, self peer.Address) *Message {
	return &Message{
		ID:        m.ID,
		Version:   m.Version,
		Command:   m.Command,
		Type:      typ,
		Sender:    self,
		Recipient: m.Sender,
		KeepAlive: m.KeepAlive,
		UDP:       m.UDP,
		ReplyTo:   m.Remote,
	}
}

// MessageID returns the correlation key of the message.
func (m *Message) MessageID() ID {
	return ID{Value: m.ID, Command: m.Command}
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m.Type.IsRequest()
}

// IsFireAndForget reports whether the message expects no answer.
func (m *Message) IsFireAndForget() bool {
	return m.Type.IsFireAndForget()
}

// IsOk reports whether the message is a positive answer.
func (m *Message) IsOk() bool {
	return m.Type.IsOk()
}

// IsNotOk reports whether the message is a negative answer.
func (m *Message) IsNotOk() bool {
	return m.Type.IsNotOk()
}

// Done reports whether this is the last frame of a response.
func (m *Message) Done() bool {
	return !m.Streaming
}

// IntValue returns the i-th integer value, if present.
func (m *Message) IntValue(i int) (int32, bool) {
	if i < 0 || i >= len(m.IntValues) {
		return 0, false
	}
	return m.IntValues[i], true
}

func (m *Message) String() string {
	return fmt.Sprintf("msg[id=%d,cmd=%s,type=%s,from=%s,to=%s]",
		m.ID, m.Command, m.Type, m.Sender, m.Recipient)
}

func randomID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
