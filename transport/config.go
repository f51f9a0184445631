package transport

import (
	"net"
	"time"

	"github.com/opd-ai/peercore/crypto"
	"github.com/opd-ai/peercore/noise"
	"github.com/opd-ai/peercore/pipeline"
)

// Ports are the local ports the listener binds. Zero picks a free port.
type Ports struct {
	TCP int
	UDP int
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Ports    Ports
	Bindings *Bindings

	// IdleTCPSeconds closes inbound TCP connections without traffic.
	// Zero disables the timeout.
	IdleTCPSeconds int

	// MaxTCPIncoming caps concurrent inbound TCP connections.
	MaxTCPIncoming int
	// MaxUDPIncoming caps concurrently processed inbound datagrams.
	MaxUDPIncoming int

	// DisableBind skips socket creation, e.g. for relay-only nodes.
	DisableBind bool

	// Filter may change the stages of every inbound chain.
	Filter pipeline.Filter

	// Signer signs replies. Signed inbound frames are verified either way.
	Signer *crypto.Signer
	// Noise, when set, secures inbound TCP connections.
	Noise *noise.StaticKey
	// HandshakeTimeout bounds the Noise handshake.
	HandshakeTimeout time.Duration
}

// NewServerConfig returns a server configuration with default limits.
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		Bindings:         NewBindings(),
		IdleTCPSeconds:   DefaultIdleTCPSeconds,
		MaxTCPIncoming:   DefaultMaxIncoming,
		MaxUDPIncoming:   DefaultMaxIncoming,
		Filter:           pipeline.NopFilter,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// ClientConfig configures outbound sockets.
type ClientConfig struct {
	// MaxPermitsTCP caps concurrently open outbound TCP sockets.
	MaxPermitsTCP int
	// MaxPermitsUDP caps concurrently open outbound UDP sockets.
	MaxPermitsUDP int

	// LocalIP binds outbound sockets to a local address when set.
	LocalIP net.IP

	// Filter may change the stages of every outbound chain.
	Filter pipeline.Filter

	Signer           *crypto.Signer
	Noise            *noise.StaticKey
	HandshakeTimeout time.Duration

	// Proxy routes outbound TCP connections through a SOCKS5 proxy.
	Proxy *ProxyConfig
}

// NewClientConfig returns a client configuration with default budgets.
func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxPermitsTCP:    DefaultMaxPermitsTCP,
		MaxPermitsUDP:    DefaultMaxPermitsUDP,
		Filter:           pipeline.NopFilter,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Defaults shared by the configurations above.
const (
	DefaultIdleTCPSeconds   = 5
	DefaultIdleUDPSeconds   = 5
	DefaultMaxIncoming      = 1000
	DefaultMaxPermitsTCP    = 250
	DefaultMaxPermitsUDP    = 250
	DefaultHandshakeTimeout = 5 * time.Second
)
