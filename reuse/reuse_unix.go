//go:build !plan9 && !windows && !wasm
// +build !plan9,!windows,!wasm

package reuse

import "syscall"

func Control(network, address string, conn syscall.RawConn) error {
	var serr error
	err := conn.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
