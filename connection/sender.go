package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/crypto"
	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/pipeline"
	"github.com/opd-ai/peercore/transport"
)

var (
	// ErrNoChannel fails a call when no socket could be created, either
	// because the creator shut down or its budget is exhausted.
	ErrNoChannel = errors.New("could not create a TCP/UDP channel (due to shutdown)")
	// ErrRelayedUDPNotAllowed fails UDP requests to relayed peers whose
	// command may not travel through a relay.
	ErrRelayedUDPNotAllowed = errors.New("command not allowed over relayed UDP")
	// ErrNoRelay fails requests to relayed peers without known relays.
	ErrNoRelay = errors.New("recipient is relayed but has no relays")
	// ErrNoPinger fails relay races when no pinger was configured.
	ErrNoPinger = errors.New("no pinger configured")
	// ErrNoCreator fails sends without a channel creator.
	ErrNoCreator = errors.New("no channel creator")
	// ErrConnectionClosed fails sends over a closed PeerConnection.
	ErrConnectionClosed = errors.New("peer connection closed")
)

// Pinger probes peers. The sender races pings to pick a relay and builds
// heartbeats for persistent connections with it.
type Pinger interface {
	Ping(socket peer.SocketAddress) *pending.Call
	HeartbeatMessage(remote peer.Address) *message.Message
}

type cachedRequest struct {
	call    *pending.Call
	handler pipeline.InboundHandler
}

// Sender transmits messages over TCP or UDP and binds every send to its
// pending call. It picks the route: a persistent connection, a direct
// connect, a relay, or a reverse connection through a relay.
type Sender struct {
	notifier   peer.StatusNotifier
	dispatcher any
	signer     *crypto.Signer

	mu     sync.RWMutex
	pinger Pinger

	// cache holds requests waiting for an unreachable peer to connect
	// back, keyed by message ID.
	cache sync.Map
}

// NewSender creates a sender reporting peer liveness to notifier.
// dispatcher is installed on persistent connections so the remote side can
// send requests back over them. signer may be nil.
func NewSender(notifier peer.StatusNotifier, dispatcher any, signer *crypto.Signer) *Sender {
	if notifier == nil {
		notifier = peer.NopNotifier{}
	}
	return &Sender{
		notifier:   notifier,
		dispatcher: dispatcher,
		signer:     signer,
	}
}

// SetPinger sets the prober used for relay races and heartbeats.
func (s *Sender) SetPinger(p Pinger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinger = p
}

func (s *Sender) getPinger() Pinger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinger
}

// CachedRequests returns the number of requests waiting for a reverse
// connection.
func (s *Sender) CachedRequests() int {
	n := 0
	s.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// SendTCP sends msg over TCP. A nil handler sends fire-and-forget: the call
// succeeds once the message was written. pc, if not nil, is used when open
// and opened otherwise. The call is returned through its own callbacks;
// SendTCP never blocks on the network.
func (s *Sender) SendTCP(handler pipeline.InboundHandler, call *pending.Call, msg *message.Message,
	cc *transport.ChannelCreator, idleTCPSeconds, connectTimeoutMillis int, pc *PeerConnection) {
	s.sendTCP(handler, call, msg, cc, idleTCPSeconds, connectTimeoutMillis, pc, true)
}

func (s *Sender) sendTCP(handler pipeline.InboundHandler, call *pending.Call, msg *message.Message,
	cc *transport.ChannelCreator, idleTCPSeconds, connectTimeoutMillis int, pc *PeerConnection, report bool) {
	if call.IsCompleted() {
		return
	}
	if report {
		s.reportFailed(call, msg.Recipient)
	}
	carrySenderRelays(msg)

	fireAndForget := handler == nil
	if pc != nil {
		if pc.IsClosed() {
			call.Fail(ErrConnectionClosed)
			return
		}
		if f := pc.inFlight(); f != nil {
			s.sendShared(handler, call, msg, f, fireAndForget)
			return
		}
	}
	if cc == nil {
		call.Fail(ErrNoCreator)
		return
	}

	switch {
	case msg.Recipient.Relayed && !msg.Sender.Relayed:
		s.handleRcon(handler, call, msg, cc, idleTCPSeconds, connectTimeoutMillis)
	case msg.Recipient.Relayed:
		s.handleRelay(handler, call, msg, cc, idleTCPSeconds, connectTimeoutMillis, msg.Recipient.Relays)
	case pc != nil:
		f, err := pc.connect(func() *transport.ConnectFuture {
			return s.createTCP(nil, call, msg.Recipient.TCPAddr(), cc, idleTCPSeconds, connectTimeoutMillis, pc)
		})
		if err != nil {
			call.Fail(err)
			return
		}
		s.sendShared(handler, call, msg, f, fireAndForget)
	default:
		f := s.createTCP(handler, call, msg.Recipient.TCPAddr(), cc, idleTCPSeconds, connectTimeoutMillis, nil)
		s.afterConnect(call, msg, f, fireAndForget)
	}
}

// carrySenderRelays tells the recipient where a relayed sender can be
// reached.
func carrySenderRelays(msg *message.Message) {
	if msg.Sender.Relayed && len(msg.Sender.Relays) > 0 {
		msg.PeerSocketAddresses = append([]peer.SocketAddress(nil), msg.Sender.Relays...)
	}
}

// reportFailed notifies the status listeners once the call failed, unless
// the user cancelled it. Recipients known only by socket are not reported.
func (s *Sender) reportFailed(call *pending.Call, recipient peer.Address) {
	if recipient.ID.IsZero() {
		return
	}
	call.OnDone(func(c *pending.Call) {
		if !c.IsFailed() || peer.IsUserAbort(c.Err()) {
			return
		}
		if !c.MarkFailureReported() {
			return
		}
		perr := peer.WrapError(c.Err())
		if perr == nil {
			perr = peer.NewError(peer.PeerError, "request failed")
		}
		s.notifier.NotifyFailed(recipient, perr)
	})
}

func (s *Sender) createTCP(handler pipeline.InboundHandler, call *pending.Call, addr *net.TCPAddr,
	cc *transport.ChannelCreator, idleTCPSeconds, connectTimeoutMillis int, pc *PeerConnection) *transport.ConnectFuture {
	h := pipeline.NewHandlers()
	if handler != nil || pc != nil {
		timeouts := transport.NewTimeoutFactory(call, idleTCPSeconds, "client")
		h.Put(pipeline.Timeout0, timeouts.IdleStateHandler()).
			Put(pipeline.Timeout1, timeouts.TimeHandler())
	}
	h.Put(pipeline.Decoder, transport.NewTCPDecoder()).
		Put(pipeline.Encoder, transport.NewTCPEncoder(s.signer))
	if pc != nil && s.dispatcher != nil {
		h.Put(pipeline.Dispatcher, s.dispatcher)
	}
	if handler != nil {
		h.Put(pipeline.Handler, handler)
	}
	if pc != nil && pc.HeartbeatInterval() > 0 {
		if p := s.getPinger(); p != nil {
			remote := pc.Remote()
			h.Put(pipeline.Heartbeat, transport.NewHeartBeat(pc.HeartbeatInterval(), func() *message.Message {
				return p.HeartbeatMessage(remote)
			}))
		}
	}

	return cc.CreateTCP(addr, connectTimeoutMillis, h, call)
}

// sendShared sends msg over the persistent channel f connects, once it
// did. Cancelling call leaves the channel open for the other calls.
func (s *Sender) sendShared(handler pipeline.InboundHandler, call *pending.Call, msg *message.Message,
	f *transport.ConnectFuture, fireAndForget bool) {
	go func() {
		select {
		case <-f.Done():
		case <-call.Done():
			return
		}
		if err := f.Err(); err != nil {
			call.Fail(fmt.Errorf("channel creation failed: %w", err))
			return
		}
		ch := f.Channel()
		s.bindChannel(handler, call, msg, ch)
		s.afterSend(call, msg, ch, fireAndForget, true)
	}()
}

// bindChannel attaches call to a channel other calls may share. Its handler
// goes in front of the dispatcher so responses reach it first, under a
// name of its own; handler stage and close listener are removed once the
// call resolves.
func (s *Sender) bindChannel(handler pipeline.InboundHandler, call *pending.Call, msg *message.Message, ch *transport.Channel) {
	removeClose := ch.OnClose(func() { call.Commit() })
	var stage string
	if handler != nil {
		if rh, ok := handler.(*RequestHandler); ok {
			handler = rh.sharing()
		}
		stage = fmt.Sprintf("%s-%s", pipeline.Handler, msg.MessageID())
		ch.Pipeline().AddOrReplace(pipeline.Dispatcher, stage, handler)
	}
	call.OnDone(func(*pending.Call) {
		removeClose()
		if stage != "" {
			_, _ = ch.Pipeline().Remove(stage)
		}
	})
}

// afterConnect sends msg once f connected a channel of its own.
func (s *Sender) afterConnect(call *pending.Call, msg *message.Message, f *transport.ConnectFuture, fireAndForget bool) {
	if f == nil {
		call.Fail(ErrNoChannel)
		return
	}

	removeCancel := call.AddCancel(f.Cancel)
	go func() {
		<-f.Done()
		removeCancel()

		if err := f.Err(); err != nil {
			call.Fail(fmt.Errorf("channel creation failed: %w", err))
			fields := logrus.Fields{
				"function":  "afterConnect",
				"recipient": msg.Recipient.String(),
				"error":     err.Error(),
			}
			if benignConnectError(err) {
				logrus.WithFields(fields).Debug("Connect aborted")
			} else {
				logrus.WithFields(fields).Warn("Failed to create channel")
			}
			return
		}
		s.afterSend(call, msg, f.Channel(), fireAndForget, false)
	}()
}

// benignConnectError reports causes expected during normal operation:
// cancellation, a socket closed by shutdown, or a refused connect.
func benignConnectError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, transport.ErrCreatorShutdown) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// afterSend writes msg. A failed write fails the call; a fire-and-forget
// message completes it. Otherwise the bound handler resolves it.
func (s *Sender) afterSend(call *pending.Call, msg *message.Message, ch *transport.Channel, fireAndForget, persistent bool) {
	if !persistent {
		remove := call.AddCancel(func() { ch.Close() })
		call.OnDone(func(*pending.Call) { remove() })
		if call.IsCompleted() {
			ch.Close()
			return
		}
	}

	if err := ch.Write(msg); err != nil {
		call.FailLater(nil, fmt.Errorf("write failed: %w", err))
		logrus.WithFields(logrus.Fields{
			"function":  "afterSend",
			"recipient": msg.Recipient.String(),
			"error":     err.Error(),
		}).Warn("Failed to write message")
		ch.Close()
		call.Commit()
		return
	}

	if fireAndForget {
		call.SucceedLater(nil)
		if !persistent {
			ch.Close()
		}
		call.Commit()
	}
}

// handleRelay races pings to the relays and sends through the first one
// that answers. A relay that answers with an error is dropped and the
// race runs once more over the rest.
func (s *Sender) handleRelay(handler pipeline.InboundHandler, call *pending.Call, msg *message.Message,
	cc *transport.ChannelCreator, idleTCPSeconds, connectTimeoutMillis int, relays []peer.SocketAddress) {
	go func() {
		relay, err := s.pingFirst(call, relays)
		if err != nil {
			call.Fail(fmt.Errorf("no relay could be contacted: %w", err))
			return
		}

		attempt := pending.New(msg)
		removeCancel := call.AddCancel(func() { attempt.Cancel() })
		attempt.OnProgress(call.Progress)

		h := handler
		if rh, ok := handler.(*RequestHandler); ok {
			h = rh.withCall(attempt)
		}

		attempt.OnDone(func(a *pending.Call) {
			removeCancel()
			if a.IsSuccess() {
				call.Succeed(a.Response())
				return
			}
			rest := without(relays, relay)
			if resp := a.Response(); resp != nil && resp.Type != message.User1 && len(rest) > 0 {
				logrus.WithFields(logrus.Fields{
					"function":  "handleRelay",
					"relay":     relay.String(),
					"response":  resp.Type.String(),
					"remaining": len(rest),
				}).Debug("Relay failed, retrying with the remaining relays")
				s.handleRelay(handler, call, msg, cc, idleTCPSeconds, connectTimeoutMillis, rest)
				return
			}
			call.FailWith(a.Response(), a.Err())
		})

		f := s.createTCP(h, attempt, relay.TCPAddr(), cc, idleTCPSeconds, connectTimeoutMillis, nil)
		s.afterConnect(attempt, msg, f, handler == nil)
	}()
}

// pingFirst returns the first relay answering a ping. Cancelling call
// aborts the race.
func (s *Sender) pingFirst(call *pending.Call, relays []peer.SocketAddress) (peer.SocketAddress, error) {
	p := s.getPinger()
	if p == nil {
		return peer.SocketAddress{}, ErrNoPinger
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remove := call.AddCancel(cancel)
	defer remove()
	if call.IsCompleted() {
		return peer.SocketAddress{}, context.Canceled
	}

	calls := make([]*pending.Call, 0, len(relays))
	sockets := make(map[*pending.Call]peer.SocketAddress, len(relays))
	for _, r := range relays {
		c := p.Ping(r)
		if c == nil {
			continue
		}
		calls = append(calls, c)
		sockets[c] = r
	}

	winner, err := pending.First(ctx, calls...)
	if err != nil {
		return peer.SocketAddress{}, err
	}
	return sockets[winner], nil
}

func without(relays []peer.SocketAddress, drop peer.SocketAddress) []peer.SocketAddress {
	rest := make([]peer.SocketAddress, 0, len(relays))
	for _, r := range relays {
		if !r.Equal(drop) {
			rest = append(rest, r)
		}
	}
	return rest
}

// handleRcon asks a relay of the unreachable recipient to make it connect
// back to us. The request is cached until that connection arrives and is
// then sent over it.
func (s *Sender) handleRcon(handler pipeline.InboundHandler, call *pending.Call, msg *message.Message,
	cc *transport.ChannelCreator, idleTCPSeconds, connectTimeoutMillis int) {
	if len(msg.Recipient.Relays) == 0 {
		call.Fail(ErrNoRelay)
		return
	}

	msg.KeepAlive = true
	rconMsg := createRconMessage(msg)

	entry := &cachedRequest{call: call, handler: handler}
	s.cache.Store(msg.ID, entry)
	call.OnDone(func(*pending.Call) {
		s.cache.CompareAndDelete(msg.ID, entry)
	})

	rconCall := pending.New(rconMsg)
	removeCancel := call.AddCancel(func() { rconCall.Cancel() })
	rconCall.OnDone(func(rc *pending.Call) {
		removeCancel()
		if rc.IsFailed() {
			call.FailWith(rc.Response(), rc.Err())
			return
		}
		s.expireCached(msg.ID, entry, idleTCPSeconds)
	})

	logrus.WithFields(logrus.Fields{
		"function":  "handleRcon",
		"recipient": msg.Recipient.String(),
		"relay":     rconMsg.Recipient.Socket.String(),
		"id":        msg.ID,
	}).Debug("Requesting reverse connection")

	rh := &rconHandler{call: call, rcon: rconCall}
	s.sendTCP(rh, rconCall, rconMsg, cc, idleTCPSeconds, connectTimeoutMillis, nil, false)
}

// expireCached fails a cached request whose reverse connection did not
// arrive within the idle timeout.
func (s *Sender) expireCached(id uint32, entry *cachedRequest, idleSeconds int) {
	if idleSeconds <= 0 {
		return
	}
	time.AfterFunc(time.Duration(idleSeconds)*time.Second, func() {
		if s.cache.CompareAndDelete(id, entry) {
			entry.call.Fail(peer.NewError(peer.Timeout, "reverse connection did not arrive"))
		}
	})
}

func createRconMessage(msg *message.Message) *message.Message {
	relays := msg.Recipient.Relays
	relay := relays[rand.IntN(len(relays))]

	recipient := msg.Recipient.WithSocket(relay).WithRelayed(false)
	rcon := message.New(message.Rcon, message.Request1, msg.Sender, recipient)
	rcon.Version = msg.Version
	rcon.IntValues = []int32{int32(msg.ID)}
	return rcon
}

// DeliverCached sends the request cached under id over ch, the channel
// the unreachable peer opened to us. It reports whether a request was
// waiting.
func (s *Sender) DeliverCached(id uint32, ch *transport.Channel) (*pending.Call, bool) {
	v, ok := s.cache.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedRequest)
	call := entry.call

	s.bindChannel(entry.handler, call, call.Request(), ch)
	s.afterSend(call, call.Request(), ch, entry.handler == nil, true)
	return call, true
}

// rconHandler resolves the reverse connection request sent to a relay.
type rconHandler struct {
	call *pending.Call
	rcon *pending.Call
}

func (h *rconHandler) Read(ctx *pipeline.Context, resp *message.Message) {
	if resp.IsRequest() {
		ctx.FireRead(resp)
		return
	}
	if resp.Command == message.Rcon && resp.Type == message.OK {
		h.rcon.SucceedLater(resp)
		ctx.Close()
		h.rcon.Commit()
		return
	}

	err := peer.NewError(peer.PeerAbort, fmt.Sprintf("could not acquire a reverse connection, got: %s", resp))
	logrus.WithFields(logrus.Fields{
		"function": "rconHandler.Read",
		"response": resp.String(),
	}).Debug("Reverse connection refused")
	h.rcon.FailLater(resp, err)
	ctx.Close()
	h.rcon.Commit()
}

func (h *rconHandler) Caught(ctx *pipeline.Context, err error) {
	h.rcon.FailLater(nil, err)
	ctx.Close()
	h.rcon.Commit()
}

// SendUDP sends msg in a datagram from a fresh socket. A nil handler sends
// fire-and-forget. Relayed recipients are reached through one of their
// relays, and only for commands a relay forwards over UDP.
func (s *Sender) SendUDP(handler pipeline.InboundHandler, call *pending.Call, msg *message.Message,
	cc *transport.ChannelCreator, idleUDPSeconds int, broadcast bool) {
	if call.IsCompleted() {
		return
	}

	if msg.Recipient.Relayed {
		if !msg.Command.AllowedOverRelayUDP() {
			logrus.WithFields(logrus.Fields{
				"function":  "SendUDP",
				"command":   msg.Command.String(),
				"recipient": msg.Recipient.String(),
			}).Warn("Command cannot be sent to a relayed peer over UDP")
			call.Fail(fmt.Errorf("%w: %s", ErrRelayedUDPNotAllowed, msg.Command))
			return
		}
		relays := msg.Recipient.Relays
		if len(relays) == 0 {
			call.Fail(ErrNoRelay)
			return
		}
		relay := relays[rand.IntN(len(relays))]
		msg.RecipientRelay = &relay
	}

	s.reportFailed(call, msg.Recipient)
	carrySenderRelays(msg)
	msg.UDP = true

	if cc == nil {
		call.Fail(ErrNoCreator)
		return
	}

	fireAndForget := handler == nil
	h := pipeline.NewHandlers()
	if !fireAndForget {
		timeouts := transport.NewTimeoutFactory(call, idleUDPSeconds, "client")
		h.Put(pipeline.Timeout0, timeouts.IdleStateHandler()).
			Put(pipeline.Timeout1, timeouts.TimeHandler())
	}
	h.Put(pipeline.Decoder, transport.NewUDPDecoder()).
		Put(pipeline.Encoder, transport.NewUDPEncoder(s.signer))
	if !fireAndForget {
		h.Put(pipeline.Handler, handler)
	}

	f := cc.CreateUDP(broadcast, h, call)
	s.afterConnect(call, msg, f, fireAndForget)
}
