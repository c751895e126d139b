// Package mix merges the system and microphone streams of a session into one
// timestamp-ordered stream for the encoder.
package mix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/omnirec/omnirec/internal/audio"
	"github.com/omnirec/omnirec/internal/metrics"
)

// Role identifies what a source carries.
type Role string

const (
	RoleSystem Role = "system"
	RoleMic    Role = "mic"
)

// Producer yields raw device frames. capture.AudioStream satisfies it.
type Producer interface {
	Next(ctx context.Context) (audio.Frame, error)
}

// Source is one producer feeding the mixer.
type Source struct {
	Role     Role
	Producer Producer
	// Offset is where the producer's clock starts on the session clock. It is added to
	// every frame timestamp so that blocks captured at the same time share a slot.
	Offset time.Duration
}

// Options configures a Mixer.
type Options struct {
	EchoCancellation bool
	// NewEchoCanceller builds the canceller for one session. Defaults to NLMS.
	NewEchoCanceller func() EchoCanceller
	// MaxLagBlocks is how far one source may run ahead of a silent one before
	// the silent source's slots are treated as missing.
	MaxLagBlocks int64
	// DrainTimeout bounds the wait for producers and the consumer after ctx is done.
	DrainTimeout time.Duration
}

// DefaultOptions returns the mixer defaults.
func DefaultOptions() Options {
	return Options{
		NewEchoCanceller: func() EchoCanceller { return NewNLMS(DefaultAECTaps, DefaultAECStep) },
		MaxLagBlocks:     20,
		DrainTimeout:     2 * time.Second,
	}
}

// Stats counts what the mixer emitted.
type Stats struct {
	Mixed        uint64
	PassThrough  uint64
	AEC          uint64
	LateDropped  uint64
	DrainDropped uint64
}

// Mixer runs one session's audio pipeline. It is not reusable across concurrent Runs.
type Mixer struct {
	opts Options

	mixed        atomic.Uint64
	passed       atomic.Uint64
	aec          atomic.Uint64
	late         atomic.Uint64
	drainDropped atomic.Uint64
}

// New creates a mixer. Zero-valued options fall back to DefaultOptions.
func New(opts Options) *Mixer {
	def := DefaultOptions()
	if opts.NewEchoCanceller == nil {
		opts.NewEchoCanceller = def.NewEchoCanceller
	}
	if opts.MaxLagBlocks <= 0 {
		opts.MaxLagBlocks = def.MaxLagBlocks
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = def.DrainTimeout
	}
	return &Mixer{opts: opts}
}

// Stats returns a snapshot of the counters.
func (m *Mixer) Stats() Stats {
	return Stats{
		Mixed:        m.mixed.Load(),
		PassThrough:  m.passed.Load(),
		AEC:          m.aec.Load(),
		LateDropped:  m.late.Load(),
		DrainDropped: m.drainDropped.Load(),
	}
}

// Run consumes the sources until they end or ctx is done, writing normalized frames
// to out in timestamp order. Run closes out before returning. Losing a source is not
// an error; the remaining source keeps flowing.
func (m *Mixer) Run(ctx context.Context, sources []Source, out chan<- audio.Frame) error {
	defer close(out)

	switch len(sources) {
	case 0:
		slog.Debug("Mixer has no sources, audio disabled")
		return nil
	case 1:
		return m.passThrough(ctx, sources[0], out)
	case 2:
		if sources[0].Role == sources[1].Role {
			return fmt.Errorf("mixer needs one system and one mic source, got two %s sources", sources[0].Role)
		}
		return m.mixDual(ctx, sources, out)
	default:
		return fmt.Errorf("mixer accepts at most 2 sources, got %d", len(sources))
	}
}

// passThrough forwards a single source's frames as they arrive.
func (m *Mixer) passThrough(ctx context.Context, src Source, out chan<- audio.Frame) error {
	slog.Info("Mixer in pass-through mode", "role", src.Role)
	sink := m.newSink(ctx, out)
	norm := audio.NewNormalizer()
	for {
		f, err := src.Producer.Next(ctx)
		if err != nil {
			logSourceEnd(ctx, src.Role, err)
			return nil
		}
		f.Timestamp += src.Offset
		nf, err := norm.Normalize(f)
		if err != nil {
			slog.Warn("Dropping malformed audio frame", "role", src.Role, "error", err)
			continue
		}
		if len(nf.Samples) == 0 {
			continue
		}
		if !sink.emit(nf) {
			return nil
		}
		m.passed.Add(1)
		metrics.AudioBlocks.WithLabelValues("passthrough").Inc()
	}
}

type event struct {
	role   Role
	block  audio.Frame
	closed bool
}

type lane struct {
	blocks map[int64]audio.Frame
	last   int64
	closed bool
}

func newLane() *lane {
	return &lane{blocks: make(map[int64]audio.Frame), last: -1}
}

// decided reports whether the lane's content for slot is final.
func (l *lane) decided(slot, otherLast, maxLag int64) bool {
	return l.closed || l.last >= slot || otherLast-slot >= maxLag
}

func (l *lane) take(slot int64) (audio.Frame, bool) {
	b, ok := l.blocks[slot]
	if ok {
		delete(l.blocks, slot)
	}
	return b, ok
}

func (m *Mixer) mixDual(ctx context.Context, sources []Source, out chan<- audio.Frame) error {
	var ec EchoCanceller
	if m.opts.EchoCancellation {
		ec = m.opts.NewEchoCanceller()
	}
	slog.Info("Mixer in dual-source mode", "echo_cancellation", ec != nil)

	events := make(chan event, 64)
	done := make(chan struct{})
	defer close(done)
	for _, src := range sources {
		go m.produce(ctx, src, events, done)
	}

	lanes := map[Role]*lane{RoleSystem: newLane(), RoleMic: newLane()}
	sink := m.newSink(ctx, out)
	next := int64(-1)
	open := len(sources)
	ctxDone := ctx.Done()
	var deadline <-chan time.Time

	for open > 0 {
		select {
		case ev := <-events:
			l := lanes[ev.role]
			if ev.closed {
				l.closed = true
				open--
				break
			}
			slot := slotOf(ev.block.Timestamp)
			if next >= 0 && slot < next {
				m.late.Add(1)
				metrics.AudioBlocks.WithLabelValues("late_dropped").Inc()
				break
			}
			l.blocks[slot] = ev.block
			if slot > l.last {
				l.last = slot
			}
		case <-ctxDone:
			ctxDone = nil
			t := time.NewTimer(m.opts.DrainTimeout)
			defer t.Stop()
			deadline = t.C
		case <-deadline:
			slog.Warn("Audio producers did not stop in time, flushing mixer")
			for _, l := range lanes {
				l.closed = true
			}
			open = 0
		}
		next = m.flush(lanes, next, ec, sink)
	}
	m.flush(lanes, next, ec, sink)
	return nil
}

// flush emits every slot whose content is final on both lanes and returns the next slot.
func (m *Mixer) flush(lanes map[Role]*lane, next int64, ec EchoCanceller, sink *sink) int64 {
	sys, mic := lanes[RoleSystem], lanes[RoleMic]
	for {
		if next < 0 {
			s, ok := minSlot(sys, mic)
			if !ok {
				return next
			}
			next = s
		}
		if !sys.decided(next, mic.last, m.opts.MaxLagBlocks) || !mic.decided(next, sys.last, m.opts.MaxLagBlocks) {
			return next
		}

		sb, hasSys := sys.take(next)
		mb, hasMic := mic.take(next)
		ts := time.Duration(next) * audio.BlockDuration
		switch {
		case hasSys && hasMic:
			if ec != nil {
				mb.Samples = ec.Process(mb.Samples, sb.Samples)
				m.aec.Add(1)
				metrics.AudioBlocks.WithLabelValues("aec").Inc()
			}
			sink.emit(audio.Frame{Samples: Mix(mb.Samples, sb.Samples), SampleRate: audio.SampleRate, Channels: audio.Channels, Timestamp: ts})
			m.mixed.Add(1)
			metrics.AudioBlocks.WithLabelValues("mixed").Inc()
		case hasSys || hasMic:
			b := sb
			if hasMic {
				b = mb
			}
			b.Timestamp = ts
			sink.emit(b)
			m.passed.Add(1)
			metrics.AudioBlocks.WithLabelValues("passthrough").Inc()
		default:
			s, ok := minSlot(sys, mic)
			if !ok {
				return next
			}
			next = s
			continue
		}
		next++
	}
}

// Mix combines two equal-length blocks as clamp(0.5*mic + 0.5*sys).
func Mix(mic, sys []int16) []int16 {
	n := len(mic)
	if len(sys) < n {
		n = len(sys)
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = audio.Clamp((int32(mic[i]) + int32(sys[i])) / 2)
	}
	return out
}

func (m *Mixer) produce(ctx context.Context, src Source, events chan<- event, done <-chan struct{}) {
	send := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}
	norm := audio.NewNormalizer()
	blk := audio.NewBlocker()
	for {
		f, err := src.Producer.Next(ctx)
		if err != nil {
			logSourceEnd(ctx, src.Role, err)
			for _, b := range blk.Flush() {
				if !send(event{role: src.Role, block: b}) {
					return
				}
			}
			send(event{role: src.Role, closed: true})
			return
		}
		f.Timestamp += src.Offset
		nf, err := norm.Normalize(f)
		if err != nil {
			slog.Warn("Dropping malformed audio frame", "role", src.Role, "error", err)
			continue
		}
		for _, b := range blk.Push(nf) {
			if !send(event{role: src.Role, block: b}) {
				return
			}
		}
	}
}

// sink writes to the consumer, switching to a bounded wait once ctx is done.
type sink struct {
	m    *Mixer
	ctx  context.Context
	out  chan<- audio.Frame
	gone bool
}

func (m *Mixer) newSink(ctx context.Context, out chan<- audio.Frame) *sink {
	return &sink{m: m, ctx: ctx, out: out}
}

func (s *sink) emit(f audio.Frame) bool {
	if s.gone {
		s.dropped()
		return false
	}
	select {
	case s.out <- f:
		return true
	case <-s.ctx.Done():
	}
	t := time.NewTimer(s.m.opts.DrainTimeout)
	defer t.Stop()
	select {
	case s.out <- f:
		return true
	case <-t.C:
		slog.Warn("Audio consumer stopped reading, dropping remaining blocks")
		s.gone = true
		s.dropped()
		return false
	}
}

func (s *sink) dropped() {
	s.m.drainDropped.Add(1)
	metrics.AudioBlocks.WithLabelValues("drain_dropped").Inc()
}

func slotOf(ts time.Duration) int64 {
	return int64((ts + audio.BlockDuration/2) / audio.BlockDuration)
}

func minSlot(lanes ...*lane) (int64, bool) {
	found := false
	var lowest int64
	for _, l := range lanes {
		for s := range l.blocks {
			if !found || s < lowest {
				lowest = s
				found = true
			}
		}
	}
	return lowest, found
}

func logSourceEnd(ctx context.Context, role Role, err error) {
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		slog.Info("Audio source ended", "role", role)
		return
	}
	slog.Warn("Audio source lost", "role", role, "error", err)
}
