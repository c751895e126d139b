package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omnirec/omnirec/internal/audio"
)

var (
	// ErrInvalidTarget means the target can no longer be resolved (window closed, monitor gone).
	ErrInvalidTarget = errors.New("invalid capture target")
	// ErrCaptureFailed is a transient backend fault; the dispatcher may retry it.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrNotSupported means the backend lacks the capability on this platform.
	ErrNotSupported = errors.New("not supported on this platform")
	// ErrNotImplemented marks a stubbed platform path.
	ErrNotImplemented = errors.New("not implemented")
)

// PixelFormatBGRA is the only pixel layout backends produce.
const PixelFormatBGRA = "bgra"

// Frame is one acquired video frame.
type Frame struct {
	Width     int
	Height    int
	Stride    int
	Pixels    []byte
	Timestamp time.Duration
}

// AudioStream is an open audio device. Next blocks until device data is available and
// returns io.EOF once the device disappears.
type AudioStream interface {
	Next(ctx context.Context) (audio.Frame, error)
	Close() error
}

// StartedStream is implemented by streams that know when their first sample was captured.
// Frame timestamps count from that instant.
type StartedStream interface {
	StartedAt() time.Time
}

// StreamStart returns when st started capturing, or fallback if it cannot tell.
func StreamStart(st AudioStream, fallback time.Time) time.Time {
	if s, ok := st.(StartedStream); ok {
		if t := s.StartedAt(); !t.IsZero() {
			return t
		}
	}
	return fallback
}

// Backend is the capability set a platform must provide. Implementations are external
// to the recording core; the dispatcher and service only talk to this interface.
type Backend interface {
	// ListTargets enumerates windows, monitors and audio devices.
	ListTargets(ctx context.Context) (Targets, error)
	// CaptureFrame grabs one frame of a window or of a full monitor.
	CaptureFrame(ctx context.Context, target Target) (Frame, error)
	// OpenAudioStream opens the audio device with the given id.
	OpenAudioStream(ctx context.Context, sourceID string) (AudioStream, error)
	// Name identifies the backend in logs.
	Name() string
}

// BackendType names the built-in backends.
type BackendType string

const (
	BackendTypeSynthetic BackendType = "synthetic"
	BackendTypeNone      BackendType = "none"
)

// NewBackend returns the built-in backend with the given name.
func NewBackend(name string) (Backend, error) {
	switch BackendType(strings.ToLower(name)) {
	case BackendTypeSynthetic:
		return NewSyntheticBackend(DefaultSyntheticConfig()), nil
	case BackendTypeNone, "":
		return NoneBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q (valid: synthetic, none)", name)
	}
}

// GetAvailableBackends returns the built-in backend names.
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeSynthetic, BackendTypeNone}
}

// NoneBackend is used when no platform backend is linked in. Every call fails with ErrNotImplemented.
type NoneBackend struct{}

func (NoneBackend) ListTargets(context.Context) (Targets, error) {
	return Targets{}, fmt.Errorf("list targets: %w", ErrNotImplemented)
}

func (NoneBackend) CaptureFrame(context.Context, Target) (Frame, error) {
	return Frame{}, fmt.Errorf("capture frame: %w", ErrNotImplemented)
}

func (NoneBackend) OpenAudioStream(context.Context, string) (AudioStream, error) {
	return nil, fmt.Errorf("open audio stream: %w", ErrNotImplemented)
}

func (NoneBackend) Name() string { return string(BackendTypeNone) }
