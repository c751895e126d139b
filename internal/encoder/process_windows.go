//go:build windows

package encoder

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/natefinch/npipe.v2"
)

var errAudioInputClosed = errors.New("ffmpeg exited before opening the audio input")

// namedPipeInput serves the audio on a per-session named pipe, since ffmpeg on Windows
// cannot read inherited descriptors as pipe:N.
type namedPipeInput struct {
	path string
	ln   *npipe.PipeListener

	ready chan struct{}
	exit  <-chan struct{}
	conn  net.Conn
	err   error

	closeOnce sync.Once
}

func newAudioInput(*exec.Cmd) (audioInput, error) {
	path := `\\.\pipe\omnirec-audio-` + uuid.NewString()
	ln, err := npipe.Listen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio pipe: %w", err)
	}
	return &namedPipeInput{path: path, ln: ln, ready: make(chan struct{})}, nil
}

func (in *namedPipeInput) URL() string { return in.path }

// started accepts ffmpeg's connection in the background. exit is closed when ffmpeg is gone.
func (in *namedPipeInput) started(exit <-chan struct{}) {
	in.exit = exit
	go func() {
		defer close(in.ready)
		in.conn, in.err = in.ln.Accept()
		in.ln.Close()
	}()
	go func() {
		select {
		case <-in.ready:
		case <-exit:
			// Unblocks Accept when ffmpeg never opened the pipe.
			in.ln.Close()
		}
	}()
}

func (in *namedPipeInput) Write(b []byte) (int, error) {
	select {
	case <-in.ready:
	case <-in.exit:
		return 0, errAudioInputClosed
	}
	if in.err != nil {
		return 0, in.err
	}
	return in.conn.Write(b)
}

func (in *namedPipeInput) Close() error {
	var err error
	in.closeOnce.Do(func() {
		in.ln.Close()
		if in.exit == nil {
			return
		}
		select {
		case <-in.ready:
			if in.conn != nil {
				err = in.conn.Close()
			}
		case <-in.exit:
		}
	})
	return err
}

// gracefulSignal is a no-op; closing stdin is the only graceful stop on Windows.
func gracefulSignal(p *os.Process) error {
	return nil
}
