//go:build linux || darwin

package upstream

import "syscall"

// tcpFastOpenConnect is TCP_FASTOPEN_CONNECT. Not exported by the
// syscall package on every platform/version, so it's named here
// directly rather than imported.
const tcpFastOpenConnect = 30

func setSocketOptions(_, _ string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, tcpRecvBufferBytes)
		_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, tcpFastOpenConnect, 1)
	})
}
