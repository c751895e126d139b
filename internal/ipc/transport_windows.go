package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"time"

	"golang.org/x/sys/windows"
	"gopkg.in/natefinch/npipe.v2"
)

const pipeName = `\\.\pipe\omnirec-service`

// DefaultAddress returns the service pipe name.
func DefaultAddress() (string, error) {
	return pipeName, nil
}

// Listen creates the named pipe with a DACL that admits only the current user.
// The listener is closed when the DACL cannot be applied.
func Listen(addr string) (net.Listener, error) {
	ln, err := npipe.Listen(addr)
	if err != nil {
		return nil, err
	}
	if err := restrictToCurrentUser(ln); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to restrict access to %s: %w", addr, err)
	}
	return ln, nil
}

// listenerHandle returns the first pipe instance, which npipe keeps unexported until
// the first Accept.
func listenerHandle(ln *npipe.PipeListener) (windows.Handle, error) {
	field := reflect.ValueOf(ln).Elem().FieldByName("handle")
	if !field.IsValid() {
		return 0, errors.New("named pipe handle unavailable")
	}
	h := windows.Handle(field.Uint())
	if h == 0 {
		return 0, errors.New("named pipe has no pending instance")
	}
	return h, nil
}

// currentUserDACL grants the process owner full access and nobody else.
func currentUserDACL() (*windows.ACL, error) {
	user, err := windows.GetCurrentProcessToken().GetTokenUser()
	if err != nil {
		return nil, err
	}
	sd, err := windows.SecurityDescriptorFromString(fmt.Sprintf("D:P(A;;GA;;;%s)", user.User.Sid.String()))
	if err != nil {
		return nil, err
	}
	dacl, _, err := sd.DACL()
	return dacl, err
}

// restrictToCurrentUser replaces the default pipe DACL, which lets Everyone read.
// The descriptor belongs to the pipe, so later instances share it.
func restrictToCurrentUser(ln *npipe.PipeListener) error {
	h, err := listenerHandle(ln)
	if err != nil {
		return err
	}
	dacl, err := currentUserDACL()
	if err != nil {
		return err
	}
	return windows.SetSecurityInfo(h, windows.SE_KERNEL_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.PROTECTED_DACL_SECURITY_INFORMATION, nil, nil, dacl, nil)
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}
	return npipe.DialTimeout(addr, timeout)
}
