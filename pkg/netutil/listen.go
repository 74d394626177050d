// Package netutil holds the socket setup shared by the directory server and
// the relay's peer listener.
package netutil

import (
	"context"
	"net"
	"syscall"
)

// Listen opens a TCP listener with SO_REUSEADDR set, so an address can be
// bound again right after the previous listener on it was closed.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

// SetNoDelay disables Nagle's algorithm on TCP connections so small
// messages go out immediately
func SetNoDelay(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
}
