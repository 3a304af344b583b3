//go:build !linux && !darwin

package upstream

import "syscall"

func setSocketOptions(_, _ string, _ syscall.RawConn) error {
	return nil
}
