//go:build !windows

package encoder

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// pipeInput hands ffmpeg the read end of a pipe as AudioPipeFD.
type pipeInput struct {
	r, w *os.File
}

func newAudioInput(cmd *exec.Cmd) (audioInput, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	cmd.ExtraFiles = []*os.File{r}
	return &pipeInput{r: r, w: w}, nil
}

func (in *pipeInput) URL() string { return fmt.Sprintf("pipe:%d", AudioPipeFD) }

// started drops the parent's copy of the read end so ffmpeg sees EOF when w closes.
func (in *pipeInput) started(<-chan struct{}) {
	in.r.Close()
}

func (in *pipeInput) Write(b []byte) (int, error) { return in.w.Write(b) }

func (in *pipeInput) Close() error {
	in.r.Close()
	return in.w.Close()
}

func gracefulSignal(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
