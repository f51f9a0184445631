// Package factory holds the tunable settings of a node and builds
// transport configurations from them.
//
// Defaults can be overridden through the environment:
//   - PEERCORE_IDLE_TCP_SECONDS: idle timeout of TCP channels
//   - PEERCORE_IDLE_UDP_SECONDS: idle timeout of UDP exchanges
//   - PEERCORE_CONNECT_TIMEOUT_MILLIS: outbound TCP connect timeout
//   - PEERCORE_MAX_TCP_INCOMING: concurrent inbound TCP connections
//   - PEERCORE_MAX_UDP_INCOMING: concurrently processed inbound datagrams
//   - PEERCORE_HEARTBEAT_MILLIS: heartbeat interval of peer connections
//   - PEERCORE_DISABLE_BIND: "true" to skip binding listening sockets
//
// Values that do not parse or fall outside their bounds are ignored with a
// warning.
//
//	f := factory.NewSettingsFactory()
//	cfg := f.ServerConfig()
//	cfg.Ports = transport.Ports{TCP: 4000, UDP: 4000}
package factory
