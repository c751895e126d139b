package ipc

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

var defaultTrustedDirectories = []string{"/usr/bin", "/usr/local/bin", "/opt/omnirec/bin"}

// peerCredentials reads SO_PEERCRED, which is the same on both ends of the socket.
func peerCredentials(nc net.Conn, _ bool) (int32, string, error) {
	var cred *unix.Ucred
	err := socketControl(nc, func(fd int) error {
		var err error
		cred, err = unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
		return err
	})
	if err != nil {
		return 0, "", err
	}
	return cred.Pid, strconv.FormatUint(uint64(cred.Uid), 10), nil
}
