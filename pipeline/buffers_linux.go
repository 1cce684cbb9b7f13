//go:build linux

package pipeline

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	pipeWriteBufferSize = 5 * 1024 * 1024
	pipeReadBufferSize  = 15 * 1024 * 1024

	sendLimitPath = "/proc/sys/net/core/wmem_max"
	recvLimitPath = "/proc/sys/net/core/rmem_max"
)

// Control returns a dial hook applying the buffer sizes, or nil when there is
// nothing to apply. The receive size also clamps the advertised TCP window.
func (b BufferConfig) Control() func(network, address string, c syscall.RawConn) error {
	if b.Send == 0 && b.Recv == 0 {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if b.Send > 0 {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, b.Send); serr != nil {
					return
				}
			}
			if b.Recv > 0 {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, b.Recv); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_WINDOW_CLAMP, b.Recv)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
