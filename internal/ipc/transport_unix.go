//go:build !windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	socketDirName  = "omnirec"
	socketFileName = "service.sock"
)

// DefaultAddress returns the per-user socket path.
func DefaultAddress() (string, error) {
	var base string
	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("TMPDIR")
		if base == "" {
			return "", fmt.Errorf("TMPDIR is not set")
		}
	default:
		base = os.Getenv("XDG_RUNTIME_DIR")
		if base == "" {
			base = filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
		}
	}
	return filepath.Join(base, socketDirName, socketFileName), nil
}

// Listen binds the socket at addr. The directory is restricted to the owner and
// the socket to 0600; any failure to establish that is returned, never worked around.
func Listen(addr string) (net.Listener, error) {
	dir := filepath.Dir(addr)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to restrict socket directory: %w", err)
	}
	if err := removeStale(addr); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := os.Chmod(addr, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return ln, nil
}

// removeStale deletes a socket left behind by a dead service. A live one is an error.
func removeStale(addr string) error {
	st, err := os.Lstat(addr)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", addr, err)
	}
	if st.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", addr)
	}
	if c, err := net.DialTimeout("unix", addr, 500*time.Millisecond); err == nil {
		c.Close()
		return fmt.Errorf("service already listening on %s", addr)
	}
	if err := os.Remove(addr); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}
