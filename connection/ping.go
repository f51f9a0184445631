package connection

import (
	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/transport"
)

// PingRPC sends pings. It is the Pinger the sender races relays with.
type PingRPC struct {
	self    func() peer.Address
	sender  *Sender
	creator *transport.ChannelCreator
	cfg     Config
}

// NewPingRPC creates a pinger sending from the address self returns.
func NewPingRPC(self func() peer.Address, sender *Sender, creator *transport.ChannelCreator, cfg Config) *PingRPC {
	return &PingRPC{self: self, sender: sender, creator: creator, cfg: cfg}
}

// Ping sends a UDP ping to socket. The peer behind it is unknown, so a
// failure is left to the caller and not reported to status listeners.
func (p *PingRPC) Ping(socket peer.SocketAddress) *pending.Call {
	msg := message.New(message.Ping, message.Request1, p.self(), peer.Address{Socket: socket})
	h := NewRequestHandler(pending.New(msg), p.sender, p.cfg)
	h.quiet = true
	return h.SendUDP(p.creator)
}

// PingTCP sends a ping to remote over TCP.
func (p *PingRPC) PingTCP(remote peer.Address) *pending.Call {
	msg := message.New(message.Ping, message.Request1, p.self(), remote)
	return NewRequestHandler(pending.New(msg), p.sender, p.cfg).SendTCP(p.creator)
}

// HeartbeatMessage builds the fire-and-forget ping that keeps a persistent
// connection to remote alive.
func (p *PingRPC) HeartbeatMessage(remote peer.Address) *message.Message {
	msg := message.New(message.Ping, message.RequestFF1, p.self(), remote)
	msg.KeepAlive = true
	return msg
}
