package capture

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/omnirec/omnirec/internal/audio"
)

// SyntheticConfig describes the fake desktop served by SyntheticBackend.
type SyntheticConfig struct {
	Windows      []WindowInfo
	Monitors     []MonitorInfo
	AudioSources []AudioSourceInfo
	// ToneHz is the sine frequency of every audio source; sources get increasing multiples.
	ToneHz float64
	// ChunkSamples is the per-channel size of each audio frame.
	ChunkSamples int
	// Realtime paces audio frames to the wall clock.
	Realtime bool
}

// DefaultSyntheticConfig returns one 1920x1080 monitor, one window and two audio sources.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Windows: []WindowInfo{
			{Handle: 42, Title: "Test Pattern", ProcessName: "omnirec-synthetic", Bounds: Rect{X: 100, Y: 100, Width: 1280, Height: 720}},
		},
		Monitors: []MonitorInfo{
			{ID: "synthetic-0", Name: "Synthetic Display", Bounds: Rect{Width: 1920, Height: 1080}, Primary: true, ScaleFactor: 1},
		},
		AudioSources: []AudioSourceInfo{
			{ID: "synthetic-output", Name: "Synthetic Output", Kind: AudioOutput},
			{ID: "synthetic-mic", Name: "Synthetic Microphone", Kind: AudioInput},
		},
		ToneHz:       440,
		ChunkSamples: audio.BlockSamples,
		Realtime:     true,
	}
}

// SyntheticBackend renders moving test patterns and sine tones. It backs demos and tests.
type SyntheticBackend struct {
	mu       sync.Mutex
	cfg      SyntheticConfig
	frame    int
	failures []error
	streams  map[string][]*syntheticStream
}

// NewSyntheticBackend creates a synthetic backend.
func NewSyntheticBackend(cfg SyntheticConfig) *SyntheticBackend {
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = audio.BlockSamples
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = 440
	}
	return &SyntheticBackend{cfg: cfg, streams: make(map[string][]*syntheticStream)}
}

func (b *SyntheticBackend) Name() string { return string(BackendTypeSynthetic) }

func (b *SyntheticBackend) ListTargets(ctx context.Context) (Targets, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Targets{
		Windows:      append([]WindowInfo(nil), b.cfg.Windows...),
		Monitors:     append([]MonitorInfo(nil), b.cfg.Monitors...),
		AudioSources: append([]AudioSourceInfo(nil), b.cfg.AudioSources...),
	}, nil
}

func (b *SyntheticBackend) CaptureFrame(ctx context.Context, target Target) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return Frame{}, err
	}

	var bounds Rect
	switch target.Kind {
	case KindWindow:
		found := false
		for _, w := range b.cfg.Windows {
			if w.Handle == target.Handle {
				bounds, found = w.Bounds, true
				break
			}
		}
		if !found {
			return Frame{}, fmt.Errorf("window %d: %w", target.Handle, ErrInvalidTarget)
		}
	case KindDisplay:
		found := false
		for _, m := range b.cfg.Monitors {
			if m.ID == target.MonitorID {
				bounds, found = m.Bounds, true
				break
			}
		}
		if !found {
			return Frame{}, fmt.Errorf("monitor %s: %w", target.MonitorID, ErrInvalidTarget)
		}
	default:
		return Frame{}, fmt.Errorf("backend capture of %s targets: %w", target.Kind, ErrNotSupported)
	}

	b.frame++
	return testPattern(bounds.Width, bounds.Height, b.frame), nil
}

// testPattern draws a vertical bar that moves one column per frame over a gradient.
func testPattern(w, h, n int) Frame {
	stride := w * 4
	pix := make([]byte, stride*h)
	bar := n % max(w, 1)
	for y := 0; y < h; y++ {
		row := pix[y*stride : (y+1)*stride]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			if x == bar {
				p[0], p[1], p[2] = 255, 255, 255
			} else {
				p[0] = byte(x * 255 / max(w, 1))
				p[1] = byte(y * 255 / max(h, 1))
				p[2] = byte(n)
			}
			p[3] = 255
		}
	}
	return Frame{Width: w, Height: h, Stride: stride, Pixels: pix}
}

func (b *SyntheticBackend) OpenAudioStream(ctx context.Context, sourceID string) (AudioStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, src := range b.cfg.AudioSources {
		if src.ID != sourceID {
			continue
		}
		s := &syntheticStream{
			freq:     b.cfg.ToneHz * float64(i+1),
			chunk:    b.cfg.ChunkSamples,
			realtime: b.cfg.Realtime,
			start:    time.Now(),
			gone:     make(chan struct{}),
		}
		b.streams[sourceID] = append(b.streams[sourceID], s)
		return s, nil
	}
	return nil, fmt.Errorf("audio source %q: %w", sourceID, ErrInvalidTarget)
}

// CloseWindow removes a window, as if the user closed it.
func (b *SyntheticBackend) CloseWindow(handle int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	windows := b.cfg.Windows[:0]
	for _, w := range b.cfg.Windows {
		if w.Handle != handle {
			windows = append(windows, w)
		}
	}
	b.cfg.Windows = windows
}

// FailNextCaptures queues errors returned by the following CaptureFrame calls.
func (b *SyntheticBackend) FailNextCaptures(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// DisconnectAudio makes every open stream of sourceID report io.EOF.
func (b *SyntheticBackend) DisconnectAudio(sourceID string) {
	b.mu.Lock()
	streams := b.streams[sourceID]
	delete(b.streams, sourceID)
	b.mu.Unlock()
	for _, s := range streams {
		s.disconnect()
	}
}

type syntheticStream struct {
	freq     float64
	chunk    int
	realtime bool
	start    time.Time
	pos      int

	once sync.Once
	gone chan struct{}
}

func (s *syntheticStream) Next(ctx context.Context) (audio.Frame, error) {
	select {
	case <-s.gone:
		return audio.Frame{}, io.EOF
	default:
	}

	ts := time.Duration(s.pos) * time.Second / audio.SampleRate
	if s.realtime {
		if wait := time.Until(s.start.Add(ts)); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.gone:
				return audio.Frame{}, io.EOF
			case <-ctx.Done():
				return audio.Frame{}, ctx.Err()
			}
		}
	} else if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}

	samples := make([]int16, s.chunk*audio.Channels)
	for i := 0; i < s.chunk; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*s.freq*float64(s.pos+i)/audio.SampleRate))
		samples[2*i], samples[2*i+1] = v, v
	}
	s.pos += s.chunk
	return audio.Frame{Samples: samples, SampleRate: audio.SampleRate, Channels: audio.Channels, Timestamp: ts}, nil
}

func (s *syntheticStream) StartedAt() time.Time { return s.start }

func (s *syntheticStream) Close() error {
	s.disconnect()
	return nil
}

func (s *syntheticStream) disconnect() {
	s.once.Do(func() { close(s.gone) })
}
