//go:build !unix

package transport

import "syscall"

// socketControl is a no-op where the socket options are not available.
func socketControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
