//go:build linux || darwin

package ipc

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
)

func currentUser() (string, error) {
	return strconv.Itoa(os.Getuid()), nil
}

// socketControl runs fn on the descriptor of a Unix socket connection.
func socketControl(nc net.Conn, fn func(fd int) error) error {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return fmt.Errorf("connection %T is not a socket", nc)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var fnErr error
	if err := raw.Control(func(fd uintptr) { fnErr = fn(int(fd)) }); err != nil {
		return err
	}
	return fnErr
}
