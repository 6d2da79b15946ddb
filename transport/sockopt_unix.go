//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSocketOptions(c syscall.RawConn, bufferSize int) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if bufferSize > 0 {
			sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufferSize)
			if sysErr != nil {
				return
			}
			sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufferSize)
			if sysErr != nil {
				return
			}
		}
		// small probe frames must not wait for Nagle
		sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return sysErr
}
