package encoder

import (
	"fmt"
	"strconv"
	"time"

	"github.com/omnirec/omnirec/internal/audio"
)

// AudioPipeFD is the child descriptor the mixed audio is written to where ffmpeg can
// read inherited descriptors.
const AudioPipeFD = 3

const threadQueueSize = "512"

// Config holds the encoder settings that do not change per session.
type Config struct {
	FFmpegPath string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	// Format is the default output format; the service can change it between sessions.
	Format          OutputFormat  `mapstructure:"format" yaml:"format"`
	VideoCodec      string        `mapstructure:"video_codec" yaml:"video_codec"`
	Preset          string        `mapstructure:"preset" yaml:"preset"`
	CRF             int           `mapstructure:"crf" yaml:"crf"`
	AudioCodec      string        `mapstructure:"audio_codec" yaml:"audio_codec"`
	AudioBitrate    string        `mapstructure:"audio_bitrate" yaml:"audio_bitrate"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Params describes one session's output.
type Params struct {
	OutputPath string
	Width      int
	Height     int
	FrameRate  int
	// Format overrides Config.Format for this session.
	Format OutputFormat
	Audio  bool
	// AudioInput is the ffmpeg input the audio is read from. Defaults to pipe:AudioPipeFD.
	AudioInput string
}

// format resolves the session's output format.
func (p Params) format(cfg Config) OutputFormat {
	switch {
	case p.Format != "":
		return p.Format
	case cfg.Format != "":
		return cfg.Format
	}
	return FormatMP4
}

// EvenDimensions rounds w and h down to even values, as yuv420p requires.
func EvenDimensions(w, h int) (int, int) {
	return w &^ 1, h &^ 1
}

// BuildArgs returns the ffmpeg arguments for raw BGRA video on stdin and, when p.Audio
// is set and the format carries sound, s16le PCM on p.AudioInput.
func BuildArgs(cfg Config, p Params) []string {
	format := p.format(cfg)
	withAudio := p.Audio && format.SupportsAudio()
	audioInput := p.AudioInput
	if audioInput == "" {
		audioInput = fmt.Sprintf("pipe:%d", AudioPipeFD)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-s", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"-r", strconv.Itoa(p.FrameRate),
		"-thread_queue_size", threadQueueSize,
		"-i", "pipe:0",
	}
	if withAudio {
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(audio.SampleRate),
			"-ac", strconv.Itoa(audio.Channels),
			"-thread_queue_size", threadQueueSize,
			"-i", audioInput,
		)
	}

	args = append(args, "-map", "0:v")
	if withAudio {
		args = append(args, "-map", "1:a")
	}
	args = append(args, format.videoArgs(cfg)...)
	if withAudio {
		args = append(args, format.audioArgs(cfg)...)
	}
	return append(args, p.OutputPath)
}
