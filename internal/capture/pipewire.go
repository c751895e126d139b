package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/omnirec/omnirec/internal/audio"
)

// AudioProvider supplies audio devices independently of the video backend.
type AudioProvider interface {
	ListAudioSources(ctx context.Context) ([]AudioSourceInfo, error)
	OpenAudioStream(ctx context.Context, sourceID string) (AudioStream, error)
	Name() string
}

// AudioBackendType names the built-in audio providers.
type AudioBackendType string

const (
	// AudioBackendDefault uses whatever the video backend provides.
	AudioBackendDefault  AudioBackendType = ""
	AudioBackendPipeWire AudioBackendType = "pipewire"
)

// GetAvailableAudioBackends returns the accepted capture.audio_backend values.
func GetAvailableAudioBackends() []AudioBackendType {
	return []AudioBackendType{AudioBackendDefault, AudioBackendPipeWire}
}

// NewAudioProvider returns the provider with the given name, or nil for the default.
func NewAudioProvider(name string) (AudioProvider, error) {
	switch AudioBackendType(strings.ToLower(name)) {
	case AudioBackendDefault:
		return nil, nil
	case AudioBackendPipeWire:
		return NewPipeWire(), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q (valid: pipewire)", name)
	}
}

// WithAudio replaces the audio side of b with p. A nil provider returns b unchanged.
func WithAudio(b Backend, p AudioProvider) Backend {
	if p == nil {
		return b
	}
	return &audioBackend{Backend: b, audio: p}
}

type audioBackend struct {
	Backend
	audio AudioProvider
}

func (b *audioBackend) ListTargets(ctx context.Context) (Targets, error) {
	t, err := b.Backend.ListTargets(ctx)
	if err != nil && !errors.Is(err, ErrNotImplemented) {
		return Targets{}, err
	}
	sources, err := b.audio.ListAudioSources(ctx)
	if err != nil {
		return Targets{}, err
	}
	t.AudioSources = sources
	return t, nil
}

func (b *audioBackend) OpenAudioStream(ctx context.Context, sourceID string) (AudioStream, error) {
	return b.audio.OpenAudioStream(ctx, sourceID)
}

func (b *audioBackend) Name() string {
	return b.Backend.Name() + "+" + b.audio.Name()
}

// PipeWire lists nodes with pw-link and records them with pw-record.
type PipeWire struct {
	LinkPath   string
	RecordPath string
	// Wait bounds how long OpenAudioStream waits for a source to show up.
	// Application streams get EphemeralWait instead.
	Wait          time.Duration
	EphemeralWait time.Duration
}

// NewPipeWire uses pw-link and pw-record from PATH.
func NewPipeWire() *PipeWire {
	return &PipeWire{
		LinkPath:      "pw-link",
		RecordPath:    "pw-record",
		Wait:          500 * time.Millisecond,
		EphemeralWait: 3 * time.Second,
	}
}

func (pw *PipeWire) Name() string { return string(AudioBackendPipeWire) }

// ListPorts returns the output ports of the PipeWire graph.
func (pw *PipeWire) ListPorts(ctx context.Context) ([]string, error) {
	output, err := exec.CommandContext(ctx, pw.LinkPath, "-o").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list PipeWire ports: %v", ErrCaptureFailed, err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, "ports:") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

// sourcesFromPorts groups ports by node. capture_* ports belong to microphones, everything
// else (sink monitors, application streams) is system output.
func sourcesFromPorts(ports []string) []AudioSourceInfo {
	seen := make(map[string]bool)
	var sources []AudioSourceInfo
	for _, port := range ports {
		node, channel, ok := strings.Cut(port, ":")
		if !ok || node == "" || seen[node] {
			continue
		}
		// Video and MIDI nodes share the graph.
		if strings.Contains(strings.ToLower(channel), "midi") || strings.HasPrefix(channel, "video") {
			continue
		}
		seen[node] = true
		kind := AudioOutput
		if strings.HasPrefix(channel, "capture") {
			kind = AudioInput
		}
		sources = append(sources, AudioSourceInfo{ID: node, Name: node, Kind: kind})
	}
	return sources
}

// ListAudioSources enumerates the recordable nodes.
func (pw *PipeWire) ListAudioSources(ctx context.Context) ([]AudioSourceInfo, error) {
	ports, err := pw.ListPorts(ctx)
	if err != nil {
		return nil, err
	}
	return sourcesFromPorts(ports), nil
}

var errDuplicateSource = errors.New("duplicate audio sources")

// validateSource fails when the node is missing or when two nodes share its name, in which
// case pw-record would pick one of them arbitrarily.
func validateSource(id string, ports []string) error {
	counts := make(map[string]int)
	var first string
	for _, port := range ports {
		node, _, _ := strings.Cut(port, ":")
		if node != id {
			continue
		}
		if first == "" {
			first = port
		}
		counts[port]++
	}
	if first == "" {
		return fmt.Errorf("%w: audio source not found: %s", ErrInvalidTarget, id)
	}
	if counts[first] > 1 {
		return fmt.Errorf("%w: %w named %q, close the conflicting application", ErrInvalidTarget, errDuplicateSource, id)
	}
	return nil
}

func isEphemeralSource(id string) bool {
	lower := strings.ToLower(id)
	for _, app := range []string{"chrome", "chromium", "firefox", "spotify", "discord", "steam", "vlc", "mpv", "zoom", "teams", "slack"} {
		if strings.Contains(lower, app) {
			return true
		}
	}
	return false
}

// waitForSource polls until the node is present. Application streams come and go, so they get a longer wait.
func (pw *PipeWire) waitForSource(ctx context.Context, id string) (AudioSourceKind, error) {
	wait := pw.Wait
	if isEphemeralSource(id) {
		wait = pw.EphemeralWait
	}
	deadline := time.Now().Add(wait)
	const interval = 100 * time.Millisecond

	for attempt := 1; ; attempt++ {
		ports, err := pw.ListPorts(ctx)
		if err != nil {
			return "", err
		}
		err = validateSource(id, ports)
		if err == nil {
			for _, s := range sourcesFromPorts(ports) {
				if s.ID == id {
					return s.Kind, nil
				}
			}
			err = fmt.Errorf("%w: %s is not an audio node", ErrInvalidTarget, id)
		}
		if errors.Is(err, errDuplicateSource) || time.Now().After(deadline) {
			return "", err
		}
		slog.Debug("Audio source not yet available", "source", id, "attempt", attempt)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// OpenAudioStream starts pw-record on the node, converting to 48 kHz stereo s16 on the PipeWire side.
func (pw *PipeWire) OpenAudioStream(ctx context.Context, sourceID string) (AudioStream, error) {
	if err := ValidateID("audio source", sourceID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	kind, err := pw.waitForSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	args := recordArgs(sourceID, kind)
	cmd := exec.Command(pw.RecordPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create pw-record pipe: %v", ErrCaptureFailed, err)
	}
	stderr := &strings.Builder{}
	cmd.Stderr = stderr

	slog.Debug("Starting pw-record", "command", pw.RecordPath+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrCaptureFailed, pw.RecordPath, err)
	}
	slog.Info("Audio stream opened", "source", sourceID, "kind", kind)
	return &pipeWireStream{
		id:      sourceID,
		cmd:     cmd,
		started: time.Now(),
		r:       bufio.NewReaderSize(stdout, 4*audio.BlockSamples*audio.Channels*2),
		buf:     make([]byte, audio.BlockSamples*audio.Channels*2),
		stderr:  stderr,
	}, nil
}

func recordArgs(node string, kind AudioSourceKind) []string {
	args := []string{
		"--target", node,
		"--rate", fmt.Sprint(audio.SampleRate),
		"--channels", fmt.Sprint(audio.Channels),
		"--format", "s16",
	}
	if kind == AudioOutput {
		// Record what the sink plays rather than opening it as an input.
		args = append(args, "-P", "{ stream.capture.sink = true }")
	}
	return append(args, "-")
}

type pipeWireStream struct {
	id      string
	cmd     *exec.Cmd
	started time.Time
	r       *bufio.Reader
	buf     []byte
	stderr  *strings.Builder
	pos     int64

	closeOnce sync.Once
}

// Next returns one 10ms block. A closed pipe means the node went away.
func (s *pipeWireStream) Next(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return audio.Frame{}, ctxErr
		}
		slog.Warn("Audio stream ended", "source", s.id, "error", err)
		return audio.Frame{}, io.EOF
	}

	samples := make([]int16, len(s.buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(s.buf[2*i:]))
	}
	ts := time.Duration(s.pos) * time.Second / audio.SampleRate
	s.pos += int64(len(samples) / audio.Channels)
	return audio.Frame{Samples: samples, SampleRate: audio.SampleRate, Channels: audio.Channels, Timestamp: ts}, nil
}

// StartedAt is when pw-record was spawned; its first block follows within one quantum.
func (s *pipeWireStream) StartedAt() time.Time { return s.started }

func (s *pipeWireStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		err := s.cmd.Wait()
		slog.Debug("pw-record exited", "source", s.id, "error", err, "stderr", strings.TrimSpace(s.stderr.String()))
	})
	return nil
}
