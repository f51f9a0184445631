// Package transport owns the sockets of a node: the listener accepting
// inbound TCP connections and datagrams, and the creator opening outbound
// channels within fixed budgets.
//
// # Channels
//
// A Channel wraps a TCP connection or a UDP socket and runs a
// pipeline.Pipeline over it. The stages with well-known names are looked
// up by the channel itself:
//
//   - "handshake" secures a TCP connection before the first frame (Noise XX)
//   - "decoder" turns bytes into messages
//   - "encoder" turns messages into bytes
//   - "dropconnection" bounds concurrent inbound work
//
// TCP frames carry a 4 byte big endian length prefix. Datagrams carry
// exactly one encoded message.
//
// # Listener
//
//	cfg := transport.NewServerConfig()
//	cfg.Ports = transport.Ports{TCP: 4000, UDP: 4000}
//	srv, err := transport.NewChannelServer(cfg, dispatcher)
//	if err != nil {
//	    return err
//	}
//	if !srv.Startup() {
//	    <-srv.Shutdown()
//	}
//
// Inbound TCP chains are dropconnection, timeout0, timeout1, decoder,
// encoder, dispatcher; UDP chains are dropconnection, decoder, encoder,
// dispatcher. The configured filter sees each chain before it is used.
//
// # Creator
//
// ChannelCreator.CreateTCP and CreateUDP return nil when the budget is
// exhausted. Otherwise they return a ConnectFuture. Permits are returned
// when the channel closes, and SetupCloseListener commits a pending call at
// that moment, so a caller always observes a closed socket before the
// outcome. Outbound TCP can be routed through a SOCKS5 proxy.
package transport
