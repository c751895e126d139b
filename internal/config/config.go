// Package config loads omnirec settings from ~/.config/omnirec.yaml and OMNIREC_* variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/encoder"
)

// EnvPrefix prefixes environment overrides, e.g. OMNIREC_CAPTURE_FRAME_RATE.
const EnvPrefix = "OMNIREC"

type Config struct {
	IPC      IPCConfig      `mapstructure:"ipc" yaml:"ipc"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Encoder  encoder.Config `mapstructure:"encoder" yaml:"encoder"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Service  ServiceConfig  `mapstructure:"service" yaml:"service"`
	Approval ApprovalConfig `mapstructure:"approval" yaml:"approval"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type IPCConfig struct {
	Address            string        `mapstructure:"address" yaml:"address"` // empty: platform default
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	TrustedDirectories []string      `mapstructure:"trusted_directories" yaml:"trusted_directories"` // added to the platform defaults
}

type CaptureConfig struct {
	Backend      string              `mapstructure:"backend" yaml:"backend"`
	AudioBackend string              `mapstructure:"audio_backend" yaml:"audio_backend"` // empty: the backend's own devices
	FrameRate    int                 `mapstructure:"frame_rate" yaml:"frame_rate"`
	Retry        capture.RetryPolicy `mapstructure:"retry" yaml:"retry"`
}

// AudioConfig holds the default sources for `omnirec record` and the mixer tuning.
type AudioConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	SystemSource     string        `mapstructure:"system_source" yaml:"system_source"`
	Microphone       string        `mapstructure:"microphone" yaml:"microphone"`
	EchoCancellation bool          `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	AECTaps          int           `mapstructure:"aec_taps" yaml:"aec_taps"`
	AECStep          float64       `mapstructure:"aec_step" yaml:"aec_step"`
	MaxLag           time.Duration `mapstructure:"max_lag" yaml:"max_lag"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type ServiceConfig struct {
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

type ApprovalConfig struct {
	Required  bool     `mapstructure:"required" yaml:"required"`
	TokenFile string   `mapstructure:"token_file" yaml:"token_file"` // empty: $XDG_STATE_HOME/omnirec/approval-token
	Dialog    []string `mapstructure:"dialog" yaml:"dialog"`         // empty: `omnirec dialog`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"` // empty: stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address" yaml:"address"` // empty: disabled
}

// DefaultPath returns ~/.config/omnirec.yaml.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/omnirec.yaml")
}

func setDefaults(v *viper.Viper) {
	enc := encoder.DefaultConfig()
	retry := capture.DefaultRetryPolicy()

	v.SetDefault("ipc.address", "")
	v.SetDefault("ipc.dial_timeout", 10*time.Second)
	v.SetDefault("ipc.trusted_directories", []string{})

	v.SetDefault("capture.backend", string(capture.BackendTypeSynthetic))
	v.SetDefault("capture.audio_backend", "")
	v.SetDefault("capture.frame_rate", 30)
	v.SetDefault("capture.retry.max_retries", retry.MaxRetries)
	v.SetDefault("capture.retry.backoff", retry.Backoff)
	v.SetDefault("capture.retry.max_backoff", retry.MaxBackoff)

	v.SetDefault("audio.enabled", true)
	v.SetDefault("audio.system_source", "")
	v.SetDefault("audio.microphone", "")
	v.SetDefault("audio.echo_cancellation", true)
	v.SetDefault("audio.aec_taps", 256)
	v.SetDefault("audio.aec_step", 0.05)
	v.SetDefault("audio.max_lag", 200*time.Millisecond)

	v.SetDefault("encoder.ffmpeg_path", enc.FFmpegPath)
	v.SetDefault("encoder.format", string(enc.Format))
	v.SetDefault("encoder.video_codec", enc.VideoCodec)
	v.SetDefault("encoder.preset", enc.Preset)
	v.SetDefault("encoder.crf", enc.CRF)
	v.SetDefault("encoder.audio_codec", enc.AudioCodec)
	v.SetDefault("encoder.audio_bitrate", enc.AudioBitrate)
	v.SetDefault("encoder.shutdown_timeout", enc.ShutdownTimeout)

	v.SetDefault("output.directory", "~/Videos")
	v.SetDefault("service.stop_timeout", 5*time.Second)

	v.SetDefault("approval.required", false)
	v.SetDefault("approval.token_file", "")
	v.SetDefault("approval.dialog", []string{})

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.address", "")
}

// Load reads configFile on top of the defaults and applies OMNIREC_* overrides.
// An empty configFile uses DefaultPath, which may be absent; an explicit file must exist.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := configFile != ""
	if !explicit {
		configFile = DefaultPath()
	}
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Log.File = expandPath(cfg.Log.File)
	cfg.Approval.TokenFile = expandPath(cfg.Approval.TokenFile)
	cfg.Encoder.FFmpegPath = expandPath(cfg.Encoder.FFmpegPath)
	if f, err := encoder.ParseOutputFormat(string(cfg.Encoder.Format)); err == nil {
		cfg.Encoder.Format = f
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", configFile, err)
	}
	return &cfg, nil
}

// Validate checks ranges and names
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.IPC.DialTimeout > 0, "ipc.dial_timeout must be positive")

	backends := capture.GetAvailableBackends()
	check(slices.Contains(backends, capture.BackendType(strings.ToLower(c.Capture.Backend))),
		"capture.backend %q is not one of %v", c.Capture.Backend, backends)
	check(slices.Contains(capture.GetAvailableAudioBackends(), capture.AudioBackendType(strings.ToLower(c.Capture.AudioBackend))),
		"capture.audio_backend %q is not one of %v", c.Capture.AudioBackend, capture.GetAvailableAudioBackends())
	check(c.Capture.FrameRate >= 1 && c.Capture.FrameRate <= 120, "capture.frame_rate %d out of range (1-120)", c.Capture.FrameRate)
	check(c.Capture.Retry.MaxRetries >= 0 && c.Capture.Retry.MaxRetries <= 5, "capture.retry.max_retries %d out of range (0-5)", c.Capture.Retry.MaxRetries)
	check(c.Capture.Retry.Backoff >= 0, "capture.retry.backoff must not be negative")

	if c.Audio.SystemSource != "" {
		check(capture.ValidateID("audio.system_source", c.Audio.SystemSource) == nil, "audio.system_source is not a valid source id")
	}
	if c.Audio.Microphone != "" {
		check(capture.ValidateID("audio.microphone", c.Audio.Microphone) == nil, "audio.microphone is not a valid source id")
	}
	check(c.Audio.AECTaps >= 1 && c.Audio.AECTaps <= 4096, "audio.aec_taps %d out of range (1-4096)", c.Audio.AECTaps)
	check(c.Audio.AECStep > 0 && c.Audio.AECStep < 2, "audio.aec_step %g out of range (0-2, exclusive)", c.Audio.AECStep)
	check(c.Audio.MaxLag >= 10*time.Millisecond, "audio.max_lag must be at least one 10ms block")

	check(c.Encoder.FFmpegPath != "", "encoder.ffmpeg_path is required")
	_, formatErr := encoder.ParseOutputFormat(string(c.Encoder.Format))
	check(formatErr == nil, "encoder.format %q is not one of %v", c.Encoder.Format, encoder.OutputFormats())
	check(c.Encoder.CRF >= 0 && c.Encoder.CRF <= 51, "encoder.crf %d out of range (0-51)", c.Encoder.CRF)
	check(c.Encoder.ShutdownTimeout > 0, "encoder.shutdown_timeout must be positive")

	check(c.Output.Directory != "", "output.directory is required")
	check(c.Service.StopTimeout > 0, "service.stop_timeout must be positive")

	return errors.Join(errs...)
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
