//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package discovery

import "syscall"

func controlReuse(network, address string, c syscall.RawConn) error {
	return nil
}
