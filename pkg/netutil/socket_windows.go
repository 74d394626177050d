//go:build windows

package netutil

import (
	"syscall"
)

// setSocketOptions sets SO_REUSEADDR on the listening socket.
// On Windows, fd needs to be cast to syscall.Handle
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
