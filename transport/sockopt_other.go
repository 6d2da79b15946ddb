//go:build !unix

package transport

import "syscall"

func setSocketOptions(c syscall.RawConn, bufferSize int) error {
	return nil
}
