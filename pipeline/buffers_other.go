//go:build !linux

package pipeline

import "syscall"

const (
	pipeWriteBufferSize = 2 * 1024 * 1024
	pipeReadBufferSize  = 4 * 1024 * 1024

	sendLimitPath = ""
	recvLimitPath = ""
)

// Control returns nil; buffer sizes are only applied on linux.
func (b BufferConfig) Control() func(network, address string, c syscall.RawConn) error {
	return nil
}
