package audio

import "time"

// Blocker re-buffers normalized frames of arbitrary size into BlockDuration blocks.
type Blocker struct {
	buf      []int16
	bufStart time.Duration
}

// NewBlocker returns an empty Blocker.
func NewBlocker() *Blocker {
	return &Blocker{buf: make([]int16, 0, BlockSamples*Channels*4)}
}

// Push appends a normalized frame and returns every complete block now available.
// A gap of more than one block between buffered audio and f closes the partial
// block with silence before f is buffered.
func (b *Blocker) Push(f Frame) []Frame {
	var blocks []Frame
	if len(b.buf) == 0 {
		b.bufStart = f.Timestamp
	} else {
		expected := b.bufStart + samplesDuration(len(b.buf)/Channels)
		if diff := f.Timestamp - expected; diff > BlockDuration || diff < -BlockDuration {
			blocks = append(blocks, b.Flush()...)
			b.bufStart = f.Timestamp
		}
	}
	b.buf = append(b.buf, f.Samples...)

	size := BlockSamples * Channels
	for len(b.buf) >= size {
		block := make([]int16, size)
		copy(block, b.buf[:size])
		blocks = append(blocks, Frame{Samples: block, SampleRate: SampleRate, Channels: Channels, Timestamp: b.bufStart})
		b.buf = b.buf[:copy(b.buf, b.buf[size:])]
		b.bufStart += BlockDuration
	}
	return blocks
}

// Flush zero-pads and returns the buffered partial block, if any.
func (b *Blocker) Flush() []Frame {
	if len(b.buf) == 0 {
		return nil
	}
	block := make([]int16, BlockSamples*Channels)
	copy(block, b.buf)
	out := Frame{Samples: block, SampleRate: SampleRate, Channels: Channels, Timestamp: b.bufStart}
	b.buf = b.buf[:0]
	b.bufStart += BlockDuration
	return []Frame{out}
}

// Buffered returns the number of per-channel samples waiting for a full block.
func (b *Blocker) Buffered() int {
	return len(b.buf) / Channels
}

func samplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
