// Package peercore is the transport and messaging core of a peer-to-peer
// overlay.
//
// A Node binds a TCP and a UDP listener, dispatches inbound requests to
// registered handlers and sends requests to other peers. Each request is
// tracked by a pending call that resolves with the peer's answer, a
// failure or a user cancel.
//
// # Getting Started
//
//	opts := peercore.NewOptions()
//	opts.Bindings = transport.NewBindings().AddAddress(net.IPv4(127, 0, 0, 1))
//
//	node, err := peercore.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Listen(); err != nil {
//	    log.Fatal(err)
//	}
//	defer func() { <-node.Shutdown() }()
//
//	node.Dispatcher().Register(message.DirectData, func(_ *pipeline.Context, req *message.Message) (*message.Message, error) {
//	    return req.Response(message.OK, node.Address()), nil
//	})
//
// # Reaching Peers
//
// Peers behind a NAT advertise themselves as relayed together with the
// sockets of their relays. Requests to such peers are routed by the
// Sender in package connection:
//
//   - a relayed sender and a relayed recipient talk through the first
//     relay that answers a ping
//   - a reachable sender asks a relay to make the recipient connect back
//   - UDP is only relayed for commands that allow it
//
// Status changes of remote peers are reported to the listeners added to
// Registry.
//
// # Security
//
// Options.Sign signs every outbound message with Ed25519 and Options.Noise
// wraps TCP connections in a Noise XX session. Signed inbound messages are
// always verified.
package peercore
