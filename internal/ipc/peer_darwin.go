package ipc

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

var defaultTrustedDirectories = []string{
	"/Applications/OmniRec.app/Contents/MacOS",
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// peerCredentials combines LOCAL_PEERCRED for the uid with LOCAL_PEERPID for the process.
func peerCredentials(nc net.Conn, _ bool) (int32, string, error) {
	var uid uint32
	var pid int
	err := socketControl(nc, func(fd int) error {
		cred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if err != nil {
			return err
		}
		uid = cred.Uid
		pid, err = unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID)
		return err
	})
	if err != nil {
		return 0, "", err
	}
	return int32(pid), strconv.FormatUint(uint64(uid), 10), nil
}
