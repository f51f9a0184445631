// Package peer describes remote peers: their identity and reachability,
// the listeners interested in their liveness, and the typed failures the
// transport core reports about them.
package peer

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
)

// IDSize is the size of a peer identifier in bytes (160 bits).
const IDSize = 20

// ID identifies a peer in the overlay.
type ID [IDSize]byte

// RandomID returns a new random peer identifier.
func RandomID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// IDFromHex parses a hex encoded identifier.
func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid peer id: %w", err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid peer id: expected %d bytes, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String returns the hex form of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// SocketAddress is an IP with the TCP and UDP ports a peer listens on.
type SocketAddress struct {
	IP      net.IP
	TCPPort int
	UDPPort int
}

// NewSocketAddress creates a socket address using the same port for TCP and UDP.
func NewSocketAddress(ip net.IP, port int) SocketAddress {
	return SocketAddress{IP: ip, TCPPort: port, UDPPort: port}
}

// TCPAddr returns the TCP endpoint of the socket address.
func (s SocketAddress) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: s.IP, Port: s.TCPPort}
}

// UDPAddr returns the UDP endpoint of the socket address.
func (s SocketAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: s.IP, Port: s.UDPPort}
}

// Equal reports whether both socket addresses point to the same endpoints.
func (s SocketAddress) Equal(other SocketAddress) bool {
	return s.IP.Equal(other.IP) && s.TCPPort == other.TCPPort && s.UDPPort == other.UDPPort
}

func (s SocketAddress) String() string {
	return fmt.Sprintf("%s[tcp:%d,udp:%d]", s.IP, s.TCPPort, s.UDPPort)
}

// Address is the identity and reachability record of a peer. Values are
// never mutated in place; the With* methods return modified copies.
type Address struct {
	ID      ID
	Socket  SocketAddress
	Relayed bool
	Relays  []SocketAddress
}

// NewAddress creates a directly reachable peer address.
func NewAddress(id ID, socket SocketAddress) Address {
	return Address{ID: id, Socket: socket}
}

// WithRelayed returns a copy of the address with the relayed flag set to relayed.
func (a Address) WithRelayed(relayed bool) Address {
	c := a.clone()
	c.Relayed = relayed
	return c
}

// WithSocket returns a copy of the address pointing to a different socket.
func (a Address) WithSocket(socket SocketAddress) Address {
	c := a.clone()
	c.Socket = socket
	return c
}

// WithRelays returns a copy of the address with a new relay list.
func (a Address) WithRelays(relays []SocketAddress) Address {
	c := a.clone()
	c.Relays = append([]SocketAddress(nil), relays...)
	return c
}

// TCPAddr returns the primary TCP endpoint of the peer.
func (a Address) TCPAddr() *net.TCPAddr {
	return a.Socket.TCPAddr()
}

// UDPAddr returns the primary UDP endpoint of the peer.
func (a Address) UDPAddr() *net.UDPAddr {
	return a.Socket.UDPAddr()
}

// Equal compares identity, primary socket, relayed flag and relay list.
func (a Address) Equal(other Address) bool {
	if a.ID != other.ID || a.Relayed != other.Relayed || !a.Socket.Equal(other.Socket) {
		return false
	}
	if len(a.Relays) != len(other.Relays) {
		return false
	}
	for i := range a.Relays {
		if !a.Relays[i].Equal(other.Relays[i]) {
			return false
		}
	}
	return true
}

// SameID reports whether both addresses belong to the same peer.
func (a Address) SameID(other Address) bool {
	return bytes.Equal(a.ID[:], other.ID[:])
}

func (a Address) String() string {
	if a.Relayed {
		return fmt.Sprintf("peer(%s@%s relayed via %d)", a.ID.String()[:8], a.Socket, len(a.Relays))
	}
	return fmt.Sprintf("peer(%s@%s)", a.ID.String()[:8], a.Socket)
}

func (a Address) clone() Address {
	c := a
	if a.Socket.IP != nil {
		c.Socket.IP = append(net.IP(nil), a.Socket.IP...)
	}
	if a.Relays != nil {
		c.Relays = append([]SocketAddress(nil), a.Relays...)
	}
	return c
}
