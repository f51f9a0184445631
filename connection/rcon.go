package connection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/pipeline"
	"github.com/opd-ai/peercore/transport"
)

var (
	// ErrMissingRconID is returned for reverse connection messages without
	// the ID of the request they belong to.
	ErrMissingRconID = errors.New("reverse connection message carries no request id")
	// ErrNotTCP is returned when a message that needs a TCP socket arrived
	// over UDP.
	ErrNotTCP = errors.New("message must arrive over TCP")
)

// RconRPC serves reverse connection requests in all three roles:
//
//   - Request1 asks a relay to have an unreachable peer connect back to the
//     requester, forwarded as Request2 over the peer's relay connection.
//     A peer that receives Request1 for itself connects back directly.
//   - Request2 tells the unreachable peer to connect back.
//   - Request3 arrives on the new connection and releases the request the
//     requester cached for it.
//
// Relay requests register unreachable peers on the relay.
type RconRPC struct {
	self    func() peer.Address
	sender  *Sender
	creator *transport.ChannelCreator
	cfg     Config

	mu          sync.Mutex
	unreachable map[peer.ID]*PeerConnection
	reverse     map[peer.ID]*PeerConnection
}

// NewRconRPC creates the reverse connection handler.
func NewRconRPC(self func() peer.Address, sender *Sender, creator *transport.ChannelCreator, cfg Config) *RconRPC {
	return &RconRPC{
		self:        self,
		sender:      sender,
		creator:     creator,
		cfg:         cfg,
		unreachable: make(map[peer.ID]*PeerConnection),
		reverse:     make(map[peer.ID]*PeerConnection),
	}
}

// AddUnreachable registers the persistent connection over which the
// unreachable peer id is reached.
func (r *RconRPC) AddUnreachable(id peer.ID, pc *PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable[id] = pc
}

// RemoveUnreachable drops the connection registered for id if it is pc.
func (r *RconRPC) RemoveUnreachable(id peer.ID, pc *PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unreachable[id] == pc {
		delete(r.unreachable, id)
	}
}

func (r *RconRPC) lookup(id peer.ID) *PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unreachable[id]
}

// Handle serves the RCON command.
func (r *RconRPC) Handle(ctx *pipeline.Context, req *message.Message) (*message.Message, error) {
	switch req.Type {
	case message.Request1:
		return r.handleSetup(ctx, req)
	case message.Request2:
		id, ok := req.IntValue(0)
		if !ok {
			return nil, ErrMissingRconID
		}
		go r.connectBack(req.Sender, uint32(id))
		return req.Response(message.OK, r.self()), nil
	case message.Request3:
		return r.handleConnected(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported reverse connection message %s", req.Type)
	}
}

func (r *RconRPC) handleSetup(ctx *pipeline.Context, req *message.Message) (*message.Message, error) {
	id, ok := req.IntValue(0)
	if !ok {
		return nil, ErrMissingRconID
	}
	self := r.self()
	if req.Recipient.ID == self.ID {
		go r.connectBack(req.Sender, uint32(id))
		return req.Response(message.OK, self), nil
	}

	pc := r.lookup(req.Recipient.ID)
	if pc == nil || !pc.IsActive() {
		logrus.WithFields(logrus.Fields{
			"function":  "RconRPC.handleSetup",
			"recipient": req.Recipient.String(),
		}).Debug("No relay connection to the unreachable peer")
		return req.Response(message.NotFound, self), nil
	}

	fwd := message.New(message.Rcon, message.Request2, req.Sender, pc.Remote())
	fwd.IntValues = []int32{id}
	fwd.KeepAlive = true
	call := pending.New(fwd)
	call.OnDone(func(c *pending.Call) {
		typ := message.NotFound
		if c.IsSuccess() && c.Response() != nil && c.Response().IsOk() {
			typ = message.OK
		}
		if err := ctx.Write(req.Response(typ, r.self())); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RconRPC.handleSetup",
				"error":    err.Error(),
			}).Debug("Failed to answer reverse connection request")
		}
	})
	NewRequestHandler(call, r.sender, r.cfg).SendTCPPeerConnection(pc)
	return nil, nil
}

// connectBack opens a persistent connection to requester and announces
// it with Request3.
func (r *RconRPC) connectBack(requester peer.Address, id uint32) {
	pc := NewPeerConnection(requester, r.cfg.HeartbeatMillis)

	msg := message.New(message.Rcon, message.Request3, r.self(), requester)
	msg.IntValues = []int32{int32(id)}
	msg.KeepAlive = true
	call := pending.New(msg)

	r.mu.Lock()
	if old := r.reverse[requester.ID]; old != nil {
		defer old.Close()
	}
	r.reverse[requester.ID] = pc
	r.mu.Unlock()

	call.OnDone(func(c *pending.Call) {
		if c.IsSuccess() {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":  "RconRPC.connectBack",
			"requester": requester.String(),
			"error":     fmt.Sprint(c.Err()),
		}).Debug("Reverse connection failed")
		pc.Close()
		r.mu.Lock()
		if r.reverse[requester.ID] == pc {
			delete(r.reverse, requester.ID)
		}
		r.mu.Unlock()
	})
	NewRequestHandler(call, r.sender, r.cfg).SendTCPWith(r.creator, pc)
}

func (r *RconRPC) handleConnected(ctx *pipeline.Context, req *message.Message) (*message.Message, error) {
	id, ok := req.IntValue(0)
	if !ok {
		return nil, ErrMissingRconID
	}
	ch, ok := ctx.Channel().(*transport.Channel)
	if !ok || ch.IsUDP() {
		return nil, ErrNotTCP
	}
	if _, found := r.sender.DeliverCached(uint32(id), ch); !found {
		return req.Response(message.NotFound, r.self()), nil
	}
	return req.Response(message.OK, r.self()), nil
}

// HandleRelay serves relay registrations: a peer that cannot be reached
// directly keeps the connection it sent the request on open, and this
// node forwards reverse connection requests for it over that connection.
func (r *RconRPC) HandleRelay(ctx *pipeline.Context, req *message.Message) (*message.Message, error) {
	if req.Type != message.Request1 {
		return nil, fmt.Errorf("unsupported relay message %s", req.Type)
	}
	ch, ok := ctx.Channel().(*transport.Channel)
	if !ok || ch.IsUDP() {
		return nil, ErrNotTCP
	}

	pc := NewPeerConnectionFrom(req.Sender, ch)
	r.AddUnreachable(req.Sender.ID, pc)
	ch.OnClose(func() { r.RemoveUnreachable(req.Sender.ID, pc) })

	logrus.WithFields(logrus.Fields{
		"function": "RconRPC.HandleRelay",
		"peer":     req.Sender.String(),
	}).Info("Registered unreachable peer")
	return req.Response(message.OK, r.self()), nil
}

// RegisterRelay opens a persistent connection to relay and registers this
// node as reachable through it. The connection carries requests the relay
// forwards to us.
func (r *RconRPC) RegisterRelay(relay peer.Address) (*PeerConnection, *pending.Call) {
	pc := NewPeerConnection(relay, r.cfg.HeartbeatMillis)
	msg := message.New(message.Relay, message.Request1, r.self(), relay)
	msg.KeepAlive = true
	call := NewRequestHandler(pending.New(msg), r.sender, r.cfg).SendTCPWith(r.creator, pc)
	return pc, call
}

// Close closes the reverse connections this node opened.
func (r *RconRPC) Close() {
	r.mu.Lock()
	conns := make([]*PeerConnection, 0, len(r.reverse))
	for _, pc := range r.reverse {
		conns = append(conns, pc)
	}
	r.reverse = make(map[peer.ID]*PeerConnection)
	r.mu.Unlock()

	for _, pc := range conns {
		pc.Close()
	}
}
