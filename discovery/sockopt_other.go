//go:build !unix && !windows

package discovery

import "syscall"

func socketControl(_, _ bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
