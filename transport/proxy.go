package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ProxyConfig contains configuration for proxy connections.
type ProxyConfig struct {
	Host     string
	Port     uint16
	Username string
	Password string
}

// Dialer opens outbound TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// newDialer returns a direct dialer, or a SOCKS5 dialer when cfg is set.
// UDP traffic is never proxied.
func newDialer(cfg *ProxyConfig, localIP net.IP) (Dialer, error) {
	direct := &net.Dialer{}
	if localIP != nil {
		direct.LocalAddr = &net.TCPAddr{IP: localIP}
	}
	if cfg == nil {
		return direct, nil
	}

	proxyAddr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	var auth *proxy.Auth
	if cfg.Username != "" || cfg.Password != "" {
		auth = &proxy.Auth{
			User:     cfg.Username,
			Password: cfg.Password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, direct)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "newDialer",
			"proxy_addr": proxyAddr,
			"error":      err.Error(),
		}).Error("Failed to create SOCKS5 dialer")
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", proxyAddr)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "newDialer",
		"proxy_addr": proxyAddr,
	}).Info("Outbound TCP connections go through SOCKS5 proxy")

	return ctxDialer, nil
}
