//go:build windows

package discovery

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func socketControl(broadcast, reuseAddr bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if broadcast {
				if opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1); opErr != nil {
					return
				}
			}
			if reuseAddr {
				opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
			}
		})
		if err != nil {
			return err
		}

		return opErr
	}
}
