package mix

import "github.com/omnirec/omnirec/internal/audio"

// EchoCanceller removes the reference signal from a microphone block.
// Both blocks are interleaved stereo of equal length; the returned slice
// may alias mic.
type EchoCanceller interface {
	Process(mic, ref []int16) []int16
}

const (
	DefaultAECTaps = 256
	DefaultAECStep = 0.05
	nlmsEpsilon    = 1e-6
)

// NLMS is a per-channel normalized least mean squares adaptive filter.
type NLMS struct {
	taps    int
	step    float64
	weights [audio.Channels][]float64
	history [audio.Channels][]float64
	pos     [audio.Channels]int
	energy  [audio.Channels]float64
}

// NewNLMS returns an NLMS canceller. Non-positive arguments select the defaults.
func NewNLMS(taps int, step float64) *NLMS {
	if taps <= 0 {
		taps = DefaultAECTaps
	}
	if step <= 0 || step >= 2 {
		step = DefaultAECStep
	}
	n := &NLMS{taps: taps, step: step}
	for c := 0; c < audio.Channels; c++ {
		n.weights[c] = make([]float64, taps)
		n.history[c] = make([]float64, taps)
	}
	return n
}

// Process filters mic in place against ref and returns it.
func (n *NLMS) Process(mic, ref []int16) []int16 {
	frames := len(mic) / audio.Channels
	if len(ref) < len(mic) {
		frames = len(ref) / audio.Channels
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < audio.Channels; c++ {
			idx := i*audio.Channels + c
			mic[idx] = n.step1(c, float64(ref[idx])/32768, float64(mic[idx])/32768)
		}
	}
	return mic
}

// step1 pushes one reference sample into the channel's ring and returns the error sample.
func (n *NLMS) step1(c int, x, d float64) int16 {
	hist := n.history[c]
	p := n.pos[c]
	n.energy[c] += x*x - hist[p]*hist[p]
	if n.energy[c] < 0 {
		n.energy[c] = 0
	}
	hist[p] = x

	w := n.weights[c]
	var y float64
	for k := 0; k < n.taps; k++ {
		y += w[k] * hist[(p-k+n.taps)%n.taps]
	}
	e := d - y

	g := n.step * e / (n.energy[c] + nlmsEpsilon)
	for k := 0; k < n.taps; k++ {
		w[k] += g * hist[(p-k+n.taps)%n.taps]
	}
	n.pos[c] = (p + 1) % n.taps
	return audio.Clamp(int32(e * 32768))
}
