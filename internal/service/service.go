// Package service holds the recording state machine, the single owner of session state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/omnirec/omnirec/internal/audio"
	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/encoder"
	"github.com/omnirec/omnirec/internal/metrics"
	"github.com/omnirec/omnirec/internal/mix"
)

// ErrStateConflict rejects a command that is not legal in the current state.
var ErrStateConflict = errors.New("state conflict")

// Service is the recording lifecycle as seen by the IPC server
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context, target capture.Target, audio AudioConfig) (SessionInfo, error)
	StopRecording() error
	State() (State, *SessionInfo)

	// Information operations
	ListTargets(ctx context.Context) (capture.Targets, error)
	GetLastError() string
	GetElapsedTime() time.Duration

	// Settings for the next session, changeable only while idle
	GetOutputFormat() encoder.OutputFormat
	SetOutputFormat(f encoder.OutputFormat) error
	GetAudioConfig() AudioConfig
	SetAudioConfig(a AudioConfig) error

	// Events
	Subscribe() (<-chan Event, func())

	// Shutdown stops any active session and waits for it to be saved
	Shutdown(ctx context.Context) error
}

// State is the recording lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateSaving    State = "saving"
)

// AudioConfig selects the audio sources of a session
type AudioConfig struct {
	Enabled          bool   `json:"enabled"`
	SystemSourceID   string `json:"system_source_id,omitempty"`
	MicrophoneID     string `json:"microphone_id,omitempty"`
	EchoCancellation bool   `json:"echo_cancellation"`
}

// Validate checks the source identifiers
func (a AudioConfig) Validate() error {
	if a.SystemSourceID != "" {
		if err := capture.ValidateID("system_source_id", a.SystemSourceID); err != nil {
			return err
		}
	}
	if a.MicrophoneID != "" {
		if err := capture.ValidateID("microphone_id", a.MicrophoneID); err != nil {
			return err
		}
	}
	return nil
}

// SessionInfo describes the active recording. Callers always get a copy.
type SessionInfo struct {
	ID         string               `json:"id"`
	Target     capture.Target       `json:"target"`
	Audio      AudioConfig          `json:"audio"`
	StartTime  time.Time            `json:"start_time"`
	OutputFile string               `json:"output_file"`
	Format     encoder.OutputFormat `json:"format"`
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
	State      State                `json:"state"`
}

// Sink is the encoder side of a session. *encoder.Encoder implements it.
type Sink interface {
	WriteVideo(f capture.Frame) error
	WriteAudio(f audio.Frame) error
	Done() <-chan struct{}
	Err() error
	Finish(ctx context.Context) (encoder.Result, error)
	Size() (int, int)
}

// SinkFactory starts the encoder for one session.
type SinkFactory func(p encoder.Params) (Sink, error)

// EncoderSink returns a SinkFactory spawning ffmpeg with cfg.
func EncoderSink(cfg encoder.Config) SinkFactory {
	return func(p encoder.Params) (Sink, error) {
		return encoder.Start(cfg, p)
	}
}

// Options configures a RecordingService
type Options struct {
	Dispatcher  *capture.Dispatcher
	NewSink     SinkFactory
	OutputDir   string
	Format      encoder.OutputFormat
	Audio       AudioConfig
	Mixer       mix.Options
	StopTimeout time.Duration
}

// RecordingService is the Service implementation
type RecordingService struct {
	opts Options

	// Recording state
	mutex         sync.Mutex
	state         State
	session       *SessionInfo
	transitioning bool
	stop          context.CancelFunc
	idle          chan struct{}

	// Next-session settings, guarded by mutex
	format        encoder.OutputFormat
	audioDefaults AudioConfig

	events eventHub

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a recording service in the idle state
func New(opts Options) *RecordingService {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Format == "" {
		opts.Format = encoder.FormatMP4
	}
	idle := make(chan struct{})
	close(idle)
	return &RecordingService{
		opts:          opts,
		state:         StateIdle,
		idle:          idle,
		format:        opts.Format,
		audioDefaults: opts.Audio,
		events:        eventHub{subs: make(map[int]chan Event)},
	}
}

// StartRecording moves Idle -> Recording. Concurrent callers never queue: while one
// start is in flight every other command gets ErrStateConflict.
func (s *RecordingService) StartRecording(ctx context.Context, target capture.Target, audioCfg AudioConfig) (SessionInfo, error) {
	s.mutex.Lock()
	if s.state != StateIdle || s.transitioning {
		current := s.state
		s.mutex.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: can only start recording from idle state, current: %s", ErrStateConflict, current)
	}
	s.transitioning = true
	format := s.format
	s.mutex.Unlock()

	slog.Debug("Service.StartRecording called", "target", target.String(), "audio", audioCfg.Enabled, "format", format)
	s.clearLastError()

	info, err := s.start(ctx, target, audioCfg, format)
	if err != nil {
		s.mutex.Lock()
		s.transitioning = false
		s.mutex.Unlock()

		slog.Error("Service.StartRecording failed", "error", err)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		s.events.publish(Event{Kind: EventError, Err: err})
		if errors.Is(err, capture.ErrInvalidTarget) {
			s.refreshTargets()
		}
		return SessionInfo{}, err
	}
	return info, nil
}

func (s *RecordingService) start(ctx context.Context, target capture.Target, audioCfg AudioConfig, format encoder.OutputFormat) (SessionInfo, error) {
	if err := audioCfg.Validate(); err != nil {
		return SessionInfo{}, fmt.Errorf("%w: %v", capture.ErrInvalidTarget, err)
	}
	plan, err := s.opts.Dispatcher.Resolve(ctx, target)
	if err != nil {
		return SessionInfo{}, err
	}

	if audioCfg.Enabled && !format.SupportsAudio() {
		slog.Info("Output format has no audio track, not opening audio sources", "format", format)
		audioCfg.Enabled = false
	}
	sources, streams, err := s.openAudio(ctx, audioCfg)
	if err != nil {
		return SessionInfo{}, err
	}

	outputFile, err := s.outputPath(time.Now(), format)
	if err != nil {
		closeStreams(streams)
		return SessionInfo{}, err
	}
	sink, err := s.opts.NewSink(encoder.Params{
		OutputPath: outputFile,
		Width:      plan.Width,
		Height:     plan.Height,
		FrameRate:  s.opts.Dispatcher.FrameRate(),
		Format:     format,
		Audio:      len(sources) > 0,
	})
	if err != nil {
		closeStreams(streams)
		if !errors.Is(err, encoder.ErrEncoderFault) {
			err = fmt.Errorf("%w: %v", encoder.ErrEncoderFault, err)
		}
		return SessionInfo{}, err
	}

	w, h := sink.Size()
	session := &SessionInfo{
		ID:         uuid.NewString(),
		Target:     plan.Target,
		Audio:      audioCfg,
		StartTime:  time.Now(),
		OutputFile: outputFile,
		Format:     format,
		Width:      w,
		Height:     h,
		State:      StateRecording,
	}

	pctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})

	s.mutex.Lock()
	s.state = StateRecording
	s.session = session
	s.stop = cancel
	s.idle = idle
	s.transitioning = false
	info := *session
	s.transitioned(StateRecording, &info)
	s.mutex.Unlock()

	slog.Info("Recording started", "session", session.ID, "target", target.String(), "output", outputFile, "audio_sources", len(sources))

	mixOpts := s.opts.Mixer
	mixOpts.EchoCancellation = audioCfg.EchoCancellation
	go s.runSession(pctx, cancel, idle, session.ID, plan, mix.New(mixOpts), sources, streams, sink)
	return info, nil
}

// openAudio opens the configured devices. Both ids absent means no audio at all.
func (s *RecordingService) openAudio(ctx context.Context, cfg AudioConfig) ([]mix.Source, []capture.AudioStream, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	backend := s.opts.Dispatcher.Backend()
	var sources []mix.Source
	var streams []capture.AudioStream
	// Every stream counts from its own start; offsets put them on one session clock.
	epoch := time.Now()
	for _, dev := range []struct {
		id   string
		role mix.Role
	}{
		{cfg.SystemSourceID, mix.RoleSystem},
		{cfg.MicrophoneID, mix.RoleMic},
	} {
		if dev.id == "" {
			continue
		}
		st, err := backend.OpenAudioStream(ctx, dev.id)
		if err != nil {
			closeStreams(streams)
			return nil, nil, fmt.Errorf("failed to open %s audio source %q: %w", dev.role, dev.id, err)
		}
		offset := sessionOffset(epoch, capture.StreamStart(st, time.Now()))
		slog.Debug("Audio source opened", "role", dev.role, "source", dev.id, "offset", offset)
		streams = append(streams, st)
		sources = append(sources, mix.Source{Role: dev.role, Producer: st, Offset: offset})
	}
	return sources, streams, nil
}

// sessionOffset places a stream that started at started on the clock that began at epoch.
func sessionOffset(epoch, started time.Time) time.Duration {
	if d := started.Sub(epoch); d > 0 {
		return d
	}
	return 0
}

// runSession owns the capture, mixer and feeder goroutines until the session is back to Idle.
func (s *RecordingService) runSession(ctx context.Context, cancel context.CancelFunc, idle chan struct{}, id string,
	plan capture.Plan, mixer *mix.Mixer, sources []mix.Source, streams []capture.AudioStream, sink Sink) {
	defer close(idle)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan capture.Frame, 4)
	mixed := make(chan audio.Frame, 64)

	g.Go(func() error {
		return s.opts.Dispatcher.Run(gctx, plan, frames)
	})
	g.Go(func() error {
		for f := range frames {
			if err := sink.WriteVideo(f); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		return mixer.Run(gctx, sources, mixed)
	})
	g.Go(func() error {
		for f := range mixed {
			if err := sink.WriteAudio(f); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-sink.Done():
			if err := sink.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: encoder exited during recording", encoder.ErrEncoderFault)
		case <-gctx.Done():
			return nil
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-errc:
	case <-ctx.Done():
		select {
		case runErr = <-errc:
		case <-time.After(s.opts.StopTimeout):
			slog.Warn("Session goroutines did not stop in time, finalizing anyway", "session", id)
		}
	}

	if runErr != nil {
		slog.Error("Recording fault", "session", id, "error", runErr)
		s.faultToSaving()
	}
	cancel()
	closeStreams(streams)

	res, finishErr := sink.Finish(context.Background())
	s.finish(id, res, runErr, finishErr, mixer.Stats())

	// A window closed or a device unplugged mid-session.
	if errors.Is(runErr, capture.ErrInvalidTarget) {
		s.refreshTargets()
	}
}

// faultToSaving performs the automatic Recording -> Saving transition.
func (s *RecordingService) faultToSaving() {
	s.mutex.Lock()
	if s.state != StateRecording {
		s.mutex.Unlock()
		return
	}
	s.state = StateSaving
	s.session.State = StateSaving
	info := *s.session
	s.transitioned(StateSaving, &info)
	s.mutex.Unlock()
}

// finish performs Saving -> Idle and reports the outcome.
func (s *RecordingService) finish(id string, res encoder.Result, runErr, finishErr error, stats mix.Stats) {
	failure := runErr
	if failure == nil {
		failure = finishErr
	} else if finishErr != nil && !errors.Is(finishErr, encoder.ErrEncoderFault) {
		failure = errors.Join(runErr, finishErr)
	}

	switch {
	case failure == nil:
		slog.Info("Recording saved", "session", id, "file", res.Path, "audio_mixed", stats.Mixed, "audio_passthrough", stats.PassThrough, "late_dropped", stats.LateDropped)
		s.events.publish(Event{Kind: EventRecordingSaved, Result: &res})
	default:
		s.setLastError(fmt.Sprintf("Recording failed: %v", failure))
		s.events.publish(Event{Kind: EventError, Err: failure})
		if res.Partial {
			s.events.publish(Event{Kind: EventRecordingSaved, Result: &res})
		}
	}

	s.mutex.Lock()
	s.state = StateIdle
	s.session = nil
	s.stop = nil
	s.transitioned(StateIdle, nil)
	s.mutex.Unlock()
}

// StopRecording moves Recording -> Saving and returns; finalization runs in the background.
func (s *RecordingService) StopRecording() error {
	s.mutex.Lock()
	if s.state != StateRecording || s.transitioning {
		current := s.state
		s.mutex.Unlock()
		return fmt.Errorf("%w: can only stop recording from recording state, current: %s", ErrStateConflict, current)
	}
	s.state = StateSaving
	s.session.State = StateSaving
	info := *s.session
	stop := s.stop
	s.transitioned(StateSaving, &info)
	s.mutex.Unlock()

	stop()
	return nil
}

// State returns the current state and a copy of the session, if any
func (s *RecordingService) State() (State, *SessionInfo) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.session == nil {
		return s.state, nil
	}
	info := *s.session
	return s.state, &info
}

// ListTargets asks the backend for the current targets
func (s *RecordingService) ListTargets(ctx context.Context) (capture.Targets, error) {
	return s.opts.Dispatcher.Backend().ListTargets(ctx)
}

// Subscribe returns a channel of events and a function that cancels the subscription
func (s *RecordingService) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// WaitIdle blocks until no session is active or ctx is done
func (s *RecordingService) WaitIdle(ctx context.Context) error {
	s.mutex.Lock()
	idle := s.idle
	s.mutex.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops an active recording and waits until it has been saved
func (s *RecordingService) Shutdown(ctx context.Context) error {
	if err := s.StopRecording(); err != nil && !errors.Is(err, ErrStateConflict) {
		return err
	}
	return s.WaitIdle(ctx)
}

// GetElapsedTime returns how long the active session has been running, or 0 when idle.
func (s *RecordingService) GetElapsedTime() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.session == nil {
		return 0
	}
	return time.Since(s.session.StartTime)
}

// GetOutputFormat returns the format the next session is written in
func (s *RecordingService) GetOutputFormat() encoder.OutputFormat {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.format
}

// SetOutputFormat changes the format of the next session. Only legal while idle.
func (s *RecordingService) SetOutputFormat(f encoder.OutputFormat) error {
	parsed, err := encoder.ParseOutputFormat(string(f))
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.idleLocked("change output format"); err != nil {
		return err
	}
	s.format = parsed
	slog.Info("Output format changed", "format", parsed)
	return nil
}

// GetAudioConfig returns the audio sources used when a start request names none
func (s *RecordingService) GetAudioConfig() AudioConfig {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.audioDefaults
}

// SetAudioConfig replaces the default audio sources. Only legal while idle.
func (s *RecordingService) SetAudioConfig(a AudioConfig) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", capture.ErrInvalidTarget, err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.idleLocked("change audio configuration"); err != nil {
		return err
	}
	s.audioDefaults = a
	slog.Info("Audio configuration changed", "enabled", a.Enabled, "system_source", a.SystemSourceID, "microphone", a.MicrophoneID, "echo_cancellation", a.EchoCancellation)
	return nil
}

func (s *RecordingService) idleLocked(action string) error {
	if s.state != StateIdle || s.transitioning {
		return fmt.Errorf("%w: can only %s in idle state, current: %s", ErrStateConflict, action, s.state)
	}
	return nil
}

// GetLastError returns the last error message for display
func (s *RecordingService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *RecordingService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

func (s *RecordingService) clearLastError() {
	s.setLastError("")
}

// transitioned publishes a state change. Callers hold s.mutex so that subscribers see
// transitions in the order they happened; publish never blocks.
func (s *RecordingService) transitioned(state State, info *SessionInfo) {
	metrics.StateTransitions.WithLabelValues(string(state)).Inc()
	if state == StateIdle {
		metrics.Recording.Set(0)
	} else {
		metrics.Recording.Set(1)
	}
	slog.Debug("State changed", "state", state)
	s.events.publish(Event{Kind: EventStateChanged, State: state, Session: info})
}

// refreshTargets advertises the current target list after a target vanished.
func (s *RecordingService) refreshTargets() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	targets, err := s.ListTargets(ctx)
	if err != nil {
		slog.Warn("Failed to refresh capture targets", "error", err)
		return
	}
	s.events.publish(Event{Kind: EventTargetsChanged, Targets: &targets})
}

// outputPath returns <dir>/recording_YYYY-MM-DD_HHMMSS.<ext>, adding _1, _2 ... on collision.
func (s *RecordingService) outputPath(now time.Time, format encoder.OutputFormat) (string, error) {
	if err := os.MkdirAll(s.opts.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	ext := format.Extension()
	base := "recording_" + now.Format("2006-01-02_150405")
	path := filepath.Join(s.opts.OutputDir, base+"."+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
		path = filepath.Join(s.opts.OutputDir, fmt.Sprintf("%s_%d.%s", base, i, ext))
	}
}

func closeStreams(streams []capture.AudioStream) {
	for _, st := range streams {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close audio stream", "error", err)
		}
	}
}
