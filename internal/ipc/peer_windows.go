package ipc

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"unsafe"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/windows"
	"gopkg.in/natefinch/npipe.v2"
)

var defaultTrustedDirectories = []string{
	`C:\Program Files\OmniRec`,
	`C:\Program Files (x86)\OmniRec`,
}

var (
	kernel32                        = windows.NewLazySystemDLL("kernel32.dll")
	procGetNamedPipeClientProcessId = kernel32.NewProc("GetNamedPipeClientProcessId")
	procGetNamedPipeServerProcessId = kernel32.NewProc("GetNamedPipeServerProcessId")
)

// pipeHandle extracts the Win32 handle that npipe keeps unexported.
func pipeHandle(nc net.Conn) (windows.Handle, error) {
	pc, ok := nc.(*npipe.PipeConn)
	if !ok {
		return 0, fmt.Errorf("connection %T is not a named pipe", nc)
	}
	field := reflect.ValueOf(pc).Elem().FieldByName("handle")
	if !field.IsValid() {
		return 0, fmt.Errorf("named pipe handle unavailable")
	}
	return windows.Handle(field.Uint()), nil
}

// peerCredentials resolves the process on the other end of the pipe and its owner.
func peerCredentials(nc net.Conn, isServer bool) (int32, string, error) {
	h, err := pipeHandle(nc)
	if err != nil {
		return 0, "", err
	}
	proc := procGetNamedPipeServerProcessId
	if isServer {
		proc = procGetNamedPipeClientProcessId
	}
	var pid uint32
	if r, _, callErr := proc.Call(uintptr(h), uintptr(unsafe.Pointer(&pid))); r == 0 {
		return 0, "", fmt.Errorf("%s: %w", proc.Name, callErr)
	}
	user, err := processUser(int32(pid))
	if err != nil {
		return 0, "", err
	}
	return int32(pid), user, nil
}

func currentUser() (string, error) {
	return processUser(int32(os.Getpid()))
}

func processUser(pid int32) (string, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return "", err
	}
	return p.Username()
}
