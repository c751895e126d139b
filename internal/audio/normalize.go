package audio

import "math"

// Normalizer converts one producer's frames to SampleRate/Channels.
// It keeps interpolation state between calls, so each stream needs its own instance.
type Normalizer struct {
	srcRate int
	pos     float64
	prev    []int16
}

// NewNormalizer returns a Normalizer for a single stream.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize returns f in the target format. Frames that already match are returned as-is,
// sharing the sample slice, so pass-through paths keep full fidelity.
func (n *Normalizer) Normalize(f Frame) (Frame, error) {
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	if f.IsNormalized() {
		return f, nil
	}

	stereo := toStereo(f.Samples, f.Channels)
	if f.SampleRate == SampleRate {
		return Frame{Samples: stereo, SampleRate: SampleRate, Channels: Channels, Timestamp: f.Timestamp}, nil
	}

	if n.srcRate != f.SampleRate {
		n.srcRate = f.SampleRate
		n.pos = 0
		n.prev = nil
	}
	return Frame{
		Samples:    n.resample(stereo, f.SampleRate),
		SampleRate: SampleRate,
		Channels:   Channels,
		Timestamp:  f.Timestamp,
	}, nil
}

// resample does linear interpolation on interleaved stereo samples.
func (n *Normalizer) resample(in []int16, srcRate int) []int16 {
	ext := in
	if n.prev != nil {
		ext = make([]int16, 0, len(in)+Channels)
		ext = append(ext, n.prev...)
		ext = append(ext, in...)
	}
	frames := len(ext) / Channels
	if frames < 2 {
		if frames == 1 {
			n.prev = append(n.prev[:0], ext[len(ext)-Channels:]...)
		}
		return nil
	}

	step := float64(srcRate) / float64(SampleRate)
	out := make([]int16, 0, int(float64(frames)/step+1)*Channels)
	t := n.pos
	for {
		i := int(math.Floor(t))
		if i+1 >= frames {
			break
		}
		frac := t - float64(i)
		for c := 0; c < Channels; c++ {
			a := float64(ext[i*Channels+c])
			b := float64(ext[(i+1)*Channels+c])
			out = append(out, Clamp(int32(math.Round(a+(b-a)*frac))))
		}
		t += step
	}

	n.pos = t - float64(frames-1)
	n.prev = append(n.prev[:0], ext[len(ext)-Channels:]...)
	return out
}

// toStereo duplicates mono input and keeps the first two channels of wider layouts.
func toStereo(in []int16, channels int) []int16 {
	switch channels {
	case Channels:
		out := make([]int16, len(in))
		copy(out, in)
		return out
	case 1:
		out := make([]int16, len(in)*2)
		for i, s := range in {
			out[2*i] = s
			out[2*i+1] = s
		}
		return out
	default:
		frames := len(in) / channels
		out := make([]int16, frames*2)
		for i := 0; i < frames; i++ {
			out[2*i] = in[i*channels]
			out[2*i+1] = in[i*channels+1]
		}
		return out
	}
}
