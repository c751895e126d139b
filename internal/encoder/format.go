package encoder

import (
	"fmt"
	"strconv"
	"strings"
)

// OutputFormat is the container a session is written to.
type OutputFormat string

const (
	FormatMP4  OutputFormat = "mp4"
	FormatWebM OutputFormat = "webm"
	FormatMKV  OutputFormat = "mkv"
	FormatMOV  OutputFormat = "mov"
	FormatGIF  OutputFormat = "gif"
	FormatAPNG OutputFormat = "apng"
	FormatWebP OutputFormat = "webp"
)

// OutputFormats lists every supported format, MP4 first.
func OutputFormats() []OutputFormat {
	return []OutputFormat{FormatMP4, FormatWebM, FormatMKV, FormatMOV, FormatGIF, FormatAPNG, FormatWebP}
}

var formatAliases = map[string]OutputFormat{
	"quicktime":    FormatMOV,
	"animatedpng":  FormatAPNG,
	"animatedwebp": FormatWebP,
}

// ParseOutputFormat accepts a format name or alias, ignoring case.
func ParseOutputFormat(s string) (OutputFormat, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if f, ok := formatAliases[name]; ok {
		return f, nil
	}
	for _, f := range OutputFormats() {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Extension is the file extension without the dot.
func (f OutputFormat) Extension() string {
	if f == "" {
		return string(FormatMP4)
	}
	return string(f)
}

// IsAnimated reports whether f is an image format without an audio track.
func (f OutputFormat) IsAnimated() bool {
	switch f {
	case FormatGIF, FormatAPNG, FormatWebP:
		return true
	}
	return false
}

// SupportsAudio reports whether f can carry the mixed audio.
func (f OutputFormat) SupportsAudio() bool {
	return !f.IsAnimated()
}

// videoArgs returns the codec and muxer arguments for the video stream.
func (f OutputFormat) videoArgs(cfg Config) []string {
	switch f {
	case FormatWebM:
		return []string{"-c:v", "libvpx-vp9", "-crf", "30", "-b:v", "0", "-pix_fmt", "yuv420p"}
	case FormatGIF:
		return []string{"-vf", "fps=15,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse", "-f", "gif"}
	case FormatAPNG:
		return []string{"-plays", "0", "-f", "apng"}
	case FormatWebP:
		return []string{"-c:v", "libwebp", "-lossless", "0", "-q:v", "75", "-loop", "0", "-f", "webp"}
	}

	args := []string{"-c:v", cfg.VideoCodec}
	if cfg.Preset != "" {
		args = append(args, "-preset", cfg.Preset)
	}
	if cfg.CRF > 0 {
		args = append(args, "-crf", strconv.Itoa(cfg.CRF))
	}
	args = append(args, "-pix_fmt", "yuv420p")
	switch f {
	case FormatMP4:
		// Fragmented MP4 stays playable when ffmpeg dies before writing the index.
		args = append(args, "-movflags", "+frag_keyframe+empty_moov")
	case FormatMOV:
		args = append(args, "-f", "mov")
	}
	return args
}

// audioArgs returns the codec arguments for the audio stream.
func (f OutputFormat) audioArgs(cfg Config) []string {
	codec := cfg.AudioCodec
	if f == FormatWebM {
		codec = "libopus"
	}
	args := []string{"-c:a", codec}
	if cfg.AudioBitrate != "" {
		args = append(args, "-b:a", cfg.AudioBitrate)
	}
	return args
}
