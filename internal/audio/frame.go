package audio

import (
	"fmt"
	"time"
)

const (
	// SampleRate is the rate every stream is normalized to before mixing and encoding.
	SampleRate = 48000
	// Channels is the channel count every stream is normalized to.
	Channels = 2
	// BlockDuration is the granularity of the mixing and echo cancellation stages.
	BlockDuration = 10 * time.Millisecond
	// BlockSamples is the per-channel sample count of one block at SampleRate.
	BlockSamples = SampleRate / 100
)

// Frame is a block of interleaved signed 16-bit PCM samples.
// Timestamp is monotonic and relative to the start of the recording session.
type Frame struct {
	Samples    []int16       `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Timestamp  time.Duration `json:"timestamp"`
}

// SamplesPerChannel returns the number of sample frames in f.
func (f Frame) SamplesPerChannel() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of f.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks that the frame describes a well-formed interleaved buffer.
func (f Frame) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	if len(f.Samples)%f.Channels != 0 {
		return fmt.Errorf("sample count %d is not a multiple of channel count %d", len(f.Samples), f.Channels)
	}
	return nil
}

// IsNormalized reports whether f already has the mixer's target format.
func (f Frame) IsNormalized() bool {
	return f.SampleRate == SampleRate && f.Channels == Channels
}

// Clone returns a deep copy of f.
func (f Frame) Clone() Frame {
	out := f
	out.Samples = make([]int16, len(f.Samples))
	copy(out.Samples, f.Samples)
	return out
}

// Bytes encodes the samples as little-endian s16le, the layout ffmpeg expects on its audio pipe.
func (f Frame) Bytes() []byte {
	buf := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		buf[2*i] = byte(uint16(s))
		buf[2*i+1] = byte(uint16(s) >> 8)
	}
	return buf
}

// Clamp saturates v to the int16 range.
func Clamp(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
