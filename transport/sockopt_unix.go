//go:build unix

package transport

import (
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// socketControl returns a ListenConfig/Dialer control hook that sets
// SO_REUSEADDR and, when broadcast is true, SO_BROADCAST. Options the
// platform refuses are skipped.
func socketControl(broadcast bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			setSocketOption(int(fd), unix.SO_REUSEADDR, "SO_REUSEADDR", address)
			if broadcast {
				setSocketOption(int(fd), unix.SO_BROADCAST, "SO_BROADCAST", address)
			}
		})
	}
}

func setSocketOption(fd, opt int, name, address string) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, 1); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "setSocketOption",
			"option":   name,
			"address":  address,
			"error":    err.Error(),
		}).Debug("Socket option refused, skipping")
	}
}
