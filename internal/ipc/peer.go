package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrUntrustedPeer rejects a connection from a process that is not an omnirec binary of the same user.
var ErrUntrustedPeer = errors.New("untrusted peer")

// DefaultTrustedExecutables are the binary names allowed to talk to the service.
var DefaultTrustedExecutables = []string{"omnirec", "omnirec-service", "omnirec-picker"}

// PeerInfo identifies the process on the other end of a connection.
type PeerInfo struct {
	PID        int32
	User       string
	Executable string
}

// Verifier decides whether a connecting client may use the service.
type Verifier struct {
	TrustedExecutables []string
	TrustedDirectories []string
}

// DefaultVerifier trusts the omnirec binaries in the platform install directories
// or next to the running service.
func DefaultVerifier() *Verifier {
	return &Verifier{
		TrustedExecutables: DefaultTrustedExecutables,
		TrustedDirectories: defaultTrustedDirectories,
	}
}

// VerifyClient checks the peer of an accepted connection: same user, trusted executable.
func (v *Verifier) VerifyClient(nc net.Conn) (PeerInfo, error) {
	pid, user, err := peerCredentials(nc, true)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("%w: failed to read peer credentials: %v", ErrUntrustedPeer, err)
	}
	peer := PeerInfo{PID: pid, User: user}

	self, err := currentUser()
	if err != nil {
		return peer, fmt.Errorf("%w: failed to determine current user: %v", ErrUntrustedPeer, err)
	}
	if user != self {
		return peer, fmt.Errorf("%w: peer user %s differs from %s", ErrUntrustedPeer, user, self)
	}

	proc, err := process.NewProcess(pid)
	if err != nil {
		return peer, fmt.Errorf("%w: peer process %d: %v", ErrUntrustedPeer, pid, err)
	}
	peer.Executable, err = proc.Exe()
	if err != nil {
		return peer, fmt.Errorf("%w: peer executable of %d: %v", ErrUntrustedPeer, pid, err)
	}
	return peer, v.CheckExecutable(peer.Executable)
}

// CheckExecutable requires a trusted file name inside a trusted directory or the
// directory of the running binary.
func (v *Verifier) CheckExecutable(path string) error {
	name := filepath.Base(path)
	if runtime.GOOS == "windows" {
		name = strings.TrimSuffix(strings.ToLower(name), ".exe")
	}
	if !slices.ContainsFunc(v.TrustedExecutables, func(t string) bool { return samePath(t, name) }) {
		return fmt.Errorf("%w: untrusted executable %s", ErrUntrustedPeer, path)
	}

	dir := filepath.Dir(filepath.Clean(path))
	if slices.ContainsFunc(v.TrustedDirectories, func(d string) bool { return samePath(filepath.Clean(d), dir) }) {
		return nil
	}
	if own, err := executableDir(); err == nil && samePath(own, dir) {
		return nil
	}
	return fmt.Errorf("%w: executable not in a trusted directory: %s", ErrUntrustedPeer, path)
}

// VerifyServer checks that the service end of a client connection runs as the current user.
func VerifyServer(nc net.Conn) error {
	_, user, err := peerCredentials(nc, false)
	if err != nil {
		return fmt.Errorf("%w: failed to read server credentials: %v", ErrUntrustedPeer, err)
	}
	self, err := currentUser()
	if err != nil {
		return fmt.Errorf("%w: failed to determine current user: %v", ErrUntrustedPeer, err)
	}
	if user != self {
		return fmt.Errorf("%w: service runs as %s, not %s", ErrUntrustedPeer, user, self)
	}
	return nil
}

func executableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

func samePath(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
