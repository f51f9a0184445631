package peercore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/connection"
	"github.com/opd-ai/peercore/crypto"
	"github.com/opd-ai/peercore/dispatch"
	"github.com/opd-ai/peercore/factory"
	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/noise"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/transport"
)

// ErrListen is returned when the listener could not bind its sockets.
var ErrListen = errors.New("could not bind listener sockets")

// Options configures a Node.
type Options struct {
	// ID identifies the node. A random ID is used when zero.
	ID peer.ID

	// Ports are the local listen ports. Zero picks free ports.
	Ports transport.Ports
	// Bindings restricts the interfaces the listener binds. Nil binds all.
	Bindings *transport.Bindings
	// ExternalIP is the IP advertised to peers. When nil, the first bound
	// address is used, or loopback when binding all interfaces.
	ExternalIP net.IP

	// Relays marks the node as reachable only through these sockets.
	Relays []peer.SocketAddress

	// Settings override the defaults and the environment when set.
	Settings *factory.Settings

	// Proxy routes outbound TCP through a SOCKS5 proxy.
	Proxy *transport.ProxyConfig
	// Sign signs every outbound message.
	Sign bool
	// Noise secures TCP connections with a Noise XX handshake. Both ends
	// must enable it.
	Noise bool
}

// NewOptions returns options for a node on free ports.
func NewOptions() *Options {
	return &Options{
		Bindings: transport.NewBindings(),
	}
}

// Node wires the listener, the outbound creator, the sender and the
// built-in RPC handlers of one peer.
type Node struct {
	opts     *Options
	settings *factory.SettingsFactory
	cfg      connection.Config

	registry   *peer.Registry
	dispatcher *dispatch.Dispatcher
	server     *transport.ChannelServer
	creator    *transport.ChannelCreator
	sender     *connection.Sender
	ping       *connection.PingRPC
	rcon       *connection.RconRPC
	signer     *crypto.Signer

	mu   sync.RWMutex
	self peer.Address

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a node. Call Listen to bind its sockets.
func New(opts *Options) (*Node, error) {
	if opts == nil {
		opts = NewOptions()
	}

	settings := factory.NewSettingsFactory()
	if opts.Settings != nil {
		if err := settings.Update(opts.Settings); err != nil {
			return nil, fmt.Errorf("invalid settings: %w", err)
		}
	}
	s := settings.Current()

	id := opts.ID
	if id.IsZero() {
		id = peer.RandomID()
	}

	n := &Node{
		opts:     opts,
		settings: settings,
		cfg: connection.Config{
			IdleTCPSeconds:       s.IdleTCPSeconds,
			IdleUDPSeconds:       s.IdleUDPSeconds,
			ConnectTimeoutMillis: s.ConnectTimeoutMillis,
			HeartbeatMillis:      s.HeartbeatMillis,
		},
		registry: peer.NewRegistry(),
		self:     peer.Address{ID: id},
		done:     make(chan struct{}),
	}

	if opts.Sign {
		signer, err := crypto.NewSigner()
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		n.signer = signer
	}

	var staticKey *noise.StaticKey
	if opts.Noise {
		key, err := noise.GenerateStaticKey()
		if err != nil {
			return nil, fmt.Errorf("generate noise key: %w", err)
		}
		staticKey = &key
	}

	n.dispatcher = dispatch.New(n.Address)

	scfg := settings.ServerConfig()
	scfg.Ports = opts.Ports
	if opts.Bindings != nil {
		scfg.Bindings = opts.Bindings
	}
	scfg.Signer = n.signer
	scfg.Noise = staticKey
	server, err := transport.NewChannelServer(scfg, n.dispatcher)
	if err != nil {
		return nil, err
	}
	n.server = server

	ccfg := settings.ClientConfig()
	ccfg.Proxy = opts.Proxy
	ccfg.Signer = n.signer
	ccfg.Noise = staticKey
	creator, err := transport.NewChannelCreator(ccfg)
	if err != nil {
		return nil, err
	}
	n.creator = creator

	n.sender = connection.NewSender(n.registry, n.dispatcher, n.signer)
	n.ping = connection.NewPingRPC(n.Address, n.sender, creator, n.cfg)
	n.sender.SetPinger(n.ping)
	n.rcon = connection.NewRconRPC(n.Address, n.sender, creator, n.cfg)
	n.dispatcher.Register(message.Rcon, n.rcon.Handle)
	n.dispatcher.Register(message.Relay, n.rcon.HandleRelay)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  id.String(),
		"signed":   opts.Sign,
		"noise":    opts.Noise,
		"relayed":  len(opts.Relays) > 0,
	}).Info("Created node")
	return n, nil
}

// Listen binds the sockets and fixes the advertised address.
func (n *Node) Listen() error {
	if !n.server.Startup() {
		<-n.server.Shutdown()
		return ErrListen
	}

	socket := peer.SocketAddress{IP: n.advertisedIP()}
	if addr := n.server.TCPAddr(); addr != nil {
		socket.TCPPort = addr.Port
	}
	if addr := n.server.UDPAddr(); addr != nil {
		socket.UDPPort = addr.Port
	}

	n.mu.Lock()
	n.self = n.self.WithSocket(socket)
	n.mu.Unlock()
	n.SetRelays(n.opts.Relays)

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  n.Address().String(),
	}).Info("Node listening")
	return nil
}

func (n *Node) advertisedIP() net.IP {
	if n.opts.ExternalIP != nil {
		return n.opts.ExternalIP
	}
	if n.opts.Bindings != nil {
		if found := n.opts.Bindings.Found(); len(found) > 0 {
			return found[0]
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "advertisedIP",
	}).Warn("No external IP configured, advertising loopback")
	return net.IPv4(127, 0, 0, 1)
}

// SetRelays changes the relays the node is reachable through. An empty
// list makes the node directly reachable.
func (n *Node) SetRelays(relays []peer.SocketAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.self = n.self.WithRelays(relays).WithRelayed(len(relays) > 0)
}

// Address returns the address the node advertises.
func (n *Node) Address() peer.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self
}

// Registry returns the peer status listeners.
func (n *Node) Registry() *peer.Registry {
	return n.registry
}

// Dispatcher returns the handler table for inbound requests.
func (n *Node) Dispatcher() *dispatch.Dispatcher {
	return n.dispatcher
}

// Sender returns the outbound sender.
func (n *Node) Sender() *connection.Sender {
	return n.sender
}

// Channels returns the creator of outbound sockets.
func (n *Node) Channels() *transport.ChannelCreator {
	return n.creator
}

// Config returns the timing values used by requests.
func (n *Node) Config() connection.Config {
	return n.cfg
}

// NewRequest builds a request from this node to recipient and returns the
// handler that sends it.
func (n *Node) NewRequest(cmd message.Command, typ message.Type, recipient peer.Address) *connection.RequestHandler {
	msg := message.New(cmd, typ, n.Address(), recipient)
	return connection.NewRequestHandler(pending.New(msg), n.sender, n.cfg)
}

// SendDirect sends payload to recipient over TCP and waits for the answer.
func (n *Node) SendDirect(ctx context.Context, recipient peer.Address, payload []byte) (*message.Message, error) {
	h := n.NewRequest(message.DirectData, message.Request1, recipient)
	h.Call().Request().Payload = payload
	call := h.SendTCP(n.creator)
	if err := call.Await(ctx); err != nil {
		if ctx.Err() != nil {
			call.Cancel()
		}
		return call.Response(), err
	}
	return call.Response(), nil
}

// Ping sends a UDP ping to recipient and waits for the answer.
func (n *Node) Ping(ctx context.Context, recipient peer.Address) error {
	call := n.NewRequest(message.Ping, message.Request1, recipient).SendUDP(n.creator)
	if err := call.Await(ctx); err != nil {
		if ctx.Err() != nil {
			call.Cancel()
		}
		return err
	}
	return nil
}

// RegisterRelay keeps a connection to relay open and asks it to forward
// reverse connection requests for this node.
func (n *Node) RegisterRelay(relay peer.Address) (*connection.PeerConnection, *pending.Call) {
	return n.rcon.RegisterRelay(relay)
}

// Shutdown closes every socket. The returned channel is closed once all of
// them are closed. It is safe to call more than once.
func (n *Node) Shutdown() <-chan struct{} {
	n.shutdownOnce.Do(func() {
		go func() {
			n.rcon.Close()
			<-n.creator.Shutdown()
			<-n.server.Shutdown()
			if n.signer != nil {
				n.signer.Wipe()
			}
			logrus.WithFields(logrus.Fields{
				"function": "Shutdown",
				"peer_id":  n.Address().ID.String(),
			}).Info("Node shut down")
			close(n.done)
		}()
	})
	return n.done
}
