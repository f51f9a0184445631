package transport

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Bindings selects the local addresses the listener binds to. With
// neither interface names nor explicit addresses configured, the listener
// binds the wildcard address.
type Bindings struct {
	Interfaces []string
	Addresses  []net.IP
	// IPv6 also binds IPv6 addresses found on interfaces.
	IPv6 bool

	found []net.IP
}

// NewBindings returns bindings that listen on all interfaces.
func NewBindings() *Bindings {
	return &Bindings{}
}

// AddInterface restricts binding to the named interface.
func (b *Bindings) AddInterface(name string) *Bindings {
	b.Interfaces = append(b.Interfaces, name)
	return b
}

// AddAddress restricts binding to ip.
func (b *Bindings) AddAddress(ip net.IP) *Bindings {
	b.Addresses = append(b.Addresses, ip)
	return b
}

// ListenAll reports whether the wildcard address should be bound.
func (b *Bindings) ListenAll() bool {
	return len(b.found) == 0
}

// Found returns the discovered bind addresses.
func (b *Bindings) Found() []net.IP {
	return append([]net.IP(nil), b.found...)
}

// Discover resolves interface names into addresses. It returns a short
// status describing what was found.
func (b *Bindings) Discover() (string, error) {
	b.found = append([]net.IP(nil), b.Addresses...)
	if len(b.Interfaces) == 0 {
		return b.status(), nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}

	wanted := make(map[string]bool, len(b.Interfaces))
	for _, name := range b.Interfaces {
		wanted[name] = true
	}
	for _, iface := range interfaces {
		if !wanted[iface.Name] || !isInterfaceUp(iface) {
			continue
		}
		b.found = append(b.found, b.interfaceAddresses(iface)...)
	}

	if len(b.found) == 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "Discover",
			"interfaces": b.Interfaces,
		}).Warn("No usable address on the configured interfaces, listening on all")
	}
	return b.status(), nil
}

func (b *Bindings) interfaceAddresses(iface net.Interface) []net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "interfaceAddresses",
			"interface": iface.Name,
			"error":     err.Error(),
		}).Debug("Failed to read interface addresses")
		return nil
	}

	var ips []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.To4() == nil && !b.IPv6 {
			continue
		}
		ips = append(ips, ipNet.IP)
	}
	return ips
}

func (b *Bindings) status() string {
	if b.ListenAll() {
		return "listening on all interfaces"
	}
	return fmt.Sprintf("listening on %v", b.found)
}

func isInterfaceUp(iface net.Interface) bool {
	return iface.Flags&net.FlagUp != 0
}
