package connection

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercore/dispatch"
	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/pipeline"
	"github.com/opd-ai/peercore/transport"
)

var loopback = net.IPv4(127, 0, 0, 1)

func testConfig() Config {
	return Config{
		IdleTCPSeconds:       2,
		IdleUDPSeconds:       2,
		ConnectTimeoutMillis: 1000,
	}
}

// recorder collects liveness notifications.
type recorder struct {
	mu     sync.Mutex
	found  []peer.Address
	failed []*peer.Error
}

func (r *recorder) NotifyFound(addr peer.Address, _ *peer.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, addr)
}

func (r *recorder) NotifyFailed(_ peer.Address, err *peer.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recorder) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failed)
}

func (r *recorder) founds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.found)
}

// testNode is a listening node with its own sender and RPC handlers.
type testNode struct {
	mu   sync.Mutex
	self peer.Address

	cfg        Config
	status     *recorder
	dispatcher *dispatch.Dispatcher
	server     *transport.ChannelServer
	creator    *transport.ChannelCreator
	sender     *Sender
	ping       *PingRPC
	rcon       *RconRPC
}

func newTestNode(t *testing.T, relayed bool) *testNode {
	t.Helper()
	n := &testNode{cfg: testConfig(), status: &recorder{}}
	n.dispatcher = dispatch.New(n.Self)

	scfg := transport.NewServerConfig()
	scfg.Bindings = transport.NewBindings().AddAddress(loopback)
	srv, err := transport.NewChannelServer(scfg, n.dispatcher)
	require.NoError(t, err)
	require.True(t, srv.Startup())
	n.server = srv

	self := peer.NewAddress(peer.RandomID(), peer.SocketAddress{
		IP:      loopback,
		TCPPort: srv.TCPAddr().Port,
		UDPPort: srv.UDPAddr().Port,
	})
	if relayed {
		self = self.WithRelayed(true).WithRelays([]peer.SocketAddress{self.Socket})
	}
	n.setSelf(self)

	creator, err := transport.NewChannelCreator(nil)
	require.NoError(t, err)
	n.creator = creator

	n.sender = NewSender(n.status, n.dispatcher, nil)
	n.ping = NewPingRPC(n.Self, n.sender, creator, n.cfg)
	n.sender.SetPinger(n.ping)
	n.rcon = NewRconRPC(n.Self, n.sender, creator, n.cfg)
	n.dispatcher.Register(message.Rcon, n.rcon.Handle)
	n.dispatcher.Register(message.Relay, n.rcon.HandleRelay)

	t.Cleanup(func() {
		n.rcon.Close()
		<-creator.Shutdown()
		<-srv.Shutdown()
	})
	return n
}

func (n *testNode) Self() peer.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

func (n *testNode) setSelf(a peer.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.self = a
}

// request builds a request from n to recipient and binds a handler to it.
func (n *testNode) request(cmd message.Command, typ message.Type, recipient peer.Address) *RequestHandler {
	msg := message.New(cmd, typ, n.Self(), recipient)
	return NewRequestHandler(pending.New(msg), n.sender, n.cfg)
}

// answerAsRecipient makes n answer cmd on behalf of the addressed peer, the
// way a relay passes on the answer of the peer behind it.
func (n *testNode) answerAsRecipient(cmd message.Command) {
	n.dispatcher.Register(cmd, func(_ *pipeline.Context, req *message.Message) (*message.Message, error) {
		return req.Response(message.OK, req.Recipient), nil
	})
}

func awaitCall(t *testing.T, call *pending.Call) {
	t.Helper()
	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete")
	}
}

// silentUDP returns a socket address whose UDP port never answers.
func silentUDP(t *testing.T) peer.SocketAddress {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	port := pc.LocalAddr().(*net.UDPAddr).Port
	return peer.NewSocketAddress(loopback, port)
}

// closedTCP returns a socket address where connects are refused.
func closedTCP(t *testing.T) peer.SocketAddress {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return peer.NewSocketAddress(loopback, port)
}

// fakePinger answers pings after a fixed delay per socket. Sockets without
// a delay fail.
type fakePinger struct {
	delays map[string]time.Duration
}

func (f *fakePinger) Ping(socket peer.SocketAddress) *pending.Call {
	call := pending.New(message.New(message.Ping, message.Request1, peer.Address{}, peer.Address{Socket: socket}))
	d, ok := f.delays[socket.String()]
	if !ok {
		call.Fail(peer.NewError(peer.Timeout, "no answer"))
		return call
	}
	time.AfterFunc(d, func() { call.Succeed(nil) })
	return call
}

func (f *fakePinger) HeartbeatMessage(peer.Address) *message.Message {
	return nil
}
