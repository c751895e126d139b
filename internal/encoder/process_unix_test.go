//go:build !windows

package encoder

import (
	"io"
	"os"
)

func dialAudioInput(path string) (io.ReadCloser, error) {
	return os.Open(path)
}
