// Package encoder drives one ffmpeg process per recording session.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/omnirec/omnirec/internal/audio"
	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/metrics"
)

// ErrEncoderFault reports a failure of the external encoder process.
var ErrEncoderFault = errors.New("encoder fault")

// DefaultConfig returns libx264/aac into MP4.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:      "ffmpeg",
		Format:          FormatMP4,
		VideoCodec:      "libx264",
		Preset:          "ultrafast",
		CRF:             23,
		AudioCodec:      "aac",
		AudioBitrate:    "192k",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Result describes the file left behind by a session.
type Result struct {
	Path    string `json:"path"`
	Partial bool   `json:"partial"`
	Size    int64  `json:"size"`
}

// audioInput carries the mixed audio to ffmpeg. The transport is platform specific.
type audioInput interface {
	io.WriteCloser
	// URL is the ffmpeg input the audio is read from.
	URL() string
	// started is called once ffmpeg runs; exit is closed when it has exited.
	started(exit <-chan struct{})
}

// Encoder owns a running ffmpeg process.
type Encoder struct {
	cfg    Config
	params Params

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	audio  audioInput
	stderr *BoundedBuffer

	videoMu  sync.Mutex
	frameBuf []byte
	audioMu  sync.Mutex

	interruptGrace time.Duration

	mu        sync.Mutex
	finishing bool
	fault     error
	waitErr   error
	done      chan struct{}
}

// Start spawns ffmpeg for p. Width and height are rounded down to even values.
// Any spawn failure is reported as ErrEncoderFault.
func Start(cfg Config, p Params) (*Encoder, error) {
	p.Width, p.Height = EvenDimensions(p.Width, p.Height)
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid output size %dx%d", ErrEncoderFault, p.Width, p.Height)
	}
	if p.FrameRate <= 0 {
		p.FrameRate = 30
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	p.Format = p.format(cfg)
	if p.Audio && !p.Format.SupportsAudio() {
		slog.Info("Output format has no audio track, recording video only", "format", p.Format)
		p.Audio = false
	}
	if err := os.MkdirAll(filepath.Dir(p.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create output directory: %v", ErrEncoderFault, err)
	}

	cmd := exec.Command(cfg.FFmpegPath)
	e := &Encoder{
		cfg:            cfg,
		cmd:            cmd,
		stderr:         NewBoundedBuffer(MaxStderrSize),
		interruptGrace: 5 * time.Second,
		done:           make(chan struct{}),
	}

	if p.Audio {
		in, err := newAudioInput(cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create audio input: %v", ErrEncoderFault, err)
		}
		e.audio = in
		p.AudioInput = in.URL()
	}
	e.params = p
	cmd.Args = append([]string{cfg.FFmpegPath}, BuildArgs(cfg, p)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.closeAudio()
		return nil, fmt.Errorf("%w: failed to create stdin pipe: %v", ErrEncoderFault, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.closeAudio()
		return nil, fmt.Errorf("%w: failed to create stderr pipe: %v", ErrEncoderFault, err)
	}

	slog.Debug("Starting FFmpeg", "command", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		e.closeAudio()
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrEncoderFault, cfg.FFmpegPath, err)
	}
	if e.audio != nil {
		e.audio.started(e.done)
	}
	e.stdin = stdin

	stderrDone := make(chan struct{})
	go e.readOutput(stderr, stderrDone)
	go e.wait(stderrDone)

	slog.Info("Encoder started", "output", p.OutputPath, "format", p.Format, "size", fmt.Sprintf("%dx%d", p.Width, p.Height), "fps", p.FrameRate, "audio", p.Audio)
	return e, nil
}

func (e *Encoder) closeAudio() {
	if e.audio != nil {
		e.audio.Close()
	}
}

// readOutput keeps ffmpeg diagnostics for error messages and mirrors them to the debug log.
func (e *Encoder) readOutput(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		e.stderr.Write([]byte(line + "\n"))
		slog.Debug("FFmpeg", "output", line)
	}
}

func (e *Encoder) wait(stderrDone <-chan struct{}) {
	<-stderrDone
	err := e.cmd.Wait()

	e.mu.Lock()
	e.waitErr = err
	if !e.finishing {
		e.fault = fmt.Errorf("%w: ffmpeg exited unexpectedly: %s", ErrEncoderFault, e.describe(err))
		slog.Error("Encoder exited during recording", "error", e.fault)
	}
	e.mu.Unlock()
	close(e.done)
}

func (e *Encoder) describe(err error) string {
	if msg := ExtractLastError(e.stderr.String()); msg != "" {
		return msg
	}
	if err != nil {
		return err.Error()
	}
	return "exit status 0"
}

// Format returns the session's output format.
func (e *Encoder) Format() OutputFormat {
	return e.params.Format
}

// Size returns the output dimensions after even rounding.
func (e *Encoder) Size() (int, int) {
	return e.params.Width, e.params.Height
}

// HasAudio reports whether the process was started with an audio input.
func (e *Encoder) HasAudio() bool {
	return e.params.Audio
}

// Done is closed when the ffmpeg process has exited.
func (e *Encoder) Done() <-chan struct{} {
	return e.done
}

// Err returns the fault that ended the process early, or nil.
func (e *Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fault
}

// WriteVideo writes one frame. Frames larger than the output are cropped to the top-left
// corner and smaller frames are skipped.
func (e *Encoder) WriteVideo(f capture.Frame) error {
	if err := e.Err(); err != nil {
		return err
	}
	w, h := e.params.Width, e.params.Height
	if f.Width < w || f.Height < h {
		metrics.EncoderFrames.WithLabelValues("video", "skipped").Inc()
		slog.Debug("Skipping undersized frame", "frame", fmt.Sprintf("%dx%d", f.Width, f.Height), "output", fmt.Sprintf("%dx%d", w, h))
		return nil
	}

	e.videoMu.Lock()
	defer e.videoMu.Unlock()

	rowBytes := w * 4
	data := f.Pixels
	if f.Stride != rowBytes || len(f.Pixels) != rowBytes*h {
		if len(e.frameBuf) != rowBytes*h {
			e.frameBuf = make([]byte, rowBytes*h)
		}
		for y := 0; y < h; y++ {
			copy(e.frameBuf[y*rowBytes:(y+1)*rowBytes], f.Pixels[y*f.Stride:y*f.Stride+rowBytes])
		}
		data = e.frameBuf
	}
	if _, err := e.stdin.Write(data); err != nil {
		return e.writeError("video", err)
	}
	metrics.EncoderFrames.WithLabelValues("video", "written").Inc()
	return nil
}

// WriteAudio writes one normalized audio frame. It is a no-op when audio is disabled.
func (e *Encoder) WriteAudio(f audio.Frame) error {
	if !e.params.Audio {
		return nil
	}
	if err := e.Err(); err != nil {
		return err
	}
	if !f.IsNormalized() {
		return fmt.Errorf("audio frame must be %d Hz stereo, got %d Hz %d ch", audio.SampleRate, f.SampleRate, f.Channels)
	}

	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	if _, err := e.audio.Write(f.Bytes()); err != nil {
		return e.writeError("audio", err)
	}
	metrics.EncoderFrames.WithLabelValues("audio", "written").Inc()
	return nil
}

func (e *Encoder) writeError(stream string, err error) error {
	metrics.EncoderFrames.WithLabelValues(stream, "failed").Inc()
	if fault := e.Err(); fault != nil {
		return fault
	}
	return fmt.Errorf("%w: %s write failed: %v", ErrEncoderFault, stream, err)
}

// Finish closes the inputs and waits for ffmpeg to finalize the file. After the
// shutdown timeout, or when ctx is done, ffmpeg is interrupted and then killed.
// A non-clean exit that left a non-empty file yields a partial Result together with the error.
func (e *Encoder) Finish(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.finishing {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("encoder already finishing")
	}
	e.finishing = true
	e.mu.Unlock()

	e.closeInputs()

	killed := false
	timeout := time.NewTimer(e.cfg.ShutdownTimeout)
	defer timeout.Stop()
	select {
	case <-e.done:
	case <-timeout.C:
		killed = e.stopProcess("shutdown timeout")
	case <-ctx.Done():
		killed = e.stopProcess("finish cancelled")
	}
	return e.result(killed)
}

// Abort kills ffmpeg without waiting for it to finalize.
func (e *Encoder) Abort() {
	e.mu.Lock()
	e.finishing = true
	e.mu.Unlock()
	e.closeInputs()
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
	<-e.done
}

func (e *Encoder) closeInputs() {
	if err := e.stdin.Close(); err != nil {
		slog.Debug("Closing encoder video input", "error", err)
	}
	if e.audio != nil {
		if err := e.audio.Close(); err != nil {
			slog.Debug("Closing encoder audio input", "error", err)
		}
	}
}

// stopProcess interrupts ffmpeg, waits interruptGrace, then kills it. It reports whether a kill was needed.
func (e *Encoder) stopProcess(reason string) bool {
	slog.Warn("Encoder did not finish, interrupting", "reason", reason)
	if err := gracefulSignal(e.cmd.Process); err != nil {
		slog.Debug("Interrupt failed", "error", err)
	}
	select {
	case <-e.done:
		return false
	case <-time.After(e.interruptGrace):
	}
	slog.Warn("Encoder did not exit after interrupt, killing")
	e.cmd.Process.Kill()
	<-e.done
	return true
}

func (e *Encoder) result(killed bool) (Result, error) {
	e.mu.Lock()
	waitErr, fault := e.waitErr, e.fault
	e.mu.Unlock()

	res := Result{Path: e.params.OutputPath}
	if st, err := os.Stat(res.Path); err == nil {
		res.Size = st.Size()
	}

	var failure error
	switch {
	case fault != nil:
		failure = fault
	case killed:
		failure = fmt.Errorf("%w: ffmpeg killed after shutdown timeout", ErrEncoderFault)
	case waitErr != nil:
		failure = fmt.Errorf("%w: ffmpeg exited with error: %s", ErrEncoderFault, e.describe(waitErr))
	}

	if failure == nil {
		slog.Info("Recording saved", "file", res.Path, "size", res.Size)
		return res, nil
	}
	if res.Size > 0 {
		res.Partial = true
		slog.Warn("Encoder failed, partial recording kept", "file", res.Path, "size", res.Size, "error", failure)
		return res, failure
	}
	return Result{}, failure
}
