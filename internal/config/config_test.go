package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omnirec/omnirec/internal/encoder"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "omnirec.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected defaults when ~/.config/omnirec.yaml is absent, got %v", err)
	}
	if cfg.Capture.FrameRate != 30 || cfg.Capture.Retry.MaxRetries != 1 || cfg.Capture.Retry.Backoff != 100*time.Millisecond {
		t.Errorf("Unexpected capture defaults: %+v", cfg.Capture)
	}
	if cfg.Encoder.Format != encoder.FormatMP4 || cfg.Encoder.VideoCodec != "libx264" {
		t.Errorf("Unexpected encoder defaults: %+v", cfg.Encoder)
	}
	home, _ := os.UserHomeDir()
	if cfg.Output.Directory != filepath.Join(home, "Videos") {
		t.Errorf("Expected ~/Videos to be expanded, got %s", cfg.Output.Directory)
	}
	if cfg.Service.StopTimeout != 5*time.Second {
		t.Errorf("Expected 5s stop timeout, got %v", cfg.Service.StopTimeout)
	}
	if !cfg.Audio.Enabled || !cfg.Audio.EchoCancellation {
		t.Errorf("Expected audio and echo cancellation on by default, got %+v", cfg.Audio)
	}
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
capture:
  backend: none
  frame_rate: 60
  retry:
    max_retries: 2
    backoff: 250ms
audio:
  enabled: true
  microphone: alsa_input.usb-mic
  echo_cancellation: false
encoder:
  format: QuickTime
  crf: 18
output:
  directory: ~/Screencasts
approval:
  required: true
  dialog: [zenity-wrapper, --modal]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.Backend != "none" || cfg.Capture.FrameRate != 60 {
		t.Errorf("Capture section not applied: %+v", cfg.Capture)
	}
	if cfg.Capture.Retry.MaxRetries != 2 || cfg.Capture.Retry.Backoff != 250*time.Millisecond {
		t.Errorf("Retry section not applied: %+v", cfg.Capture.Retry)
	}
	if cfg.Capture.Retry.MaxBackoff != time.Second {
		t.Errorf("Expected default max_backoff to survive, got %v", cfg.Capture.Retry.MaxBackoff)
	}
	if !cfg.Audio.Enabled || cfg.Audio.Microphone != "alsa_input.usb-mic" || cfg.Audio.EchoCancellation {
		t.Errorf("Audio section not applied: %+v", cfg.Audio)
	}
	if cfg.Encoder.Format != encoder.FormatMOV || cfg.Encoder.CRF != 18 || cfg.Encoder.Preset != "ultrafast" {
		t.Errorf("Encoder section not merged: %+v", cfg.Encoder)
	}
	if !strings.HasSuffix(cfg.Output.Directory, "Screencasts") || strings.HasPrefix(cfg.Output.Directory, "~") {
		t.Errorf("Expected expanded output directory, got %s", cfg.Output.Directory)
	}
	if !cfg.Approval.Required || len(cfg.Approval.Dialog) != 2 {
		t.Errorf("Approval section not applied: %+v", cfg.Approval)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "capture:\n  frame_rate: 24\n")
	t.Setenv("OMNIREC_CAPTURE_FRAME_RATE", "15")
	t.Setenv("OMNIREC_ENCODER_FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.FrameRate != 15 {
		t.Errorf("Expected env to override file, got frame rate %d", cfg.Capture.FrameRate)
	}
	if cfg.Encoder.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("Expected ffmpeg path from env, got %s", cfg.Encoder.FFmpegPath)
	}
}

func TestLoad_RoundTripsThroughYAML(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Capture.FrameRate = 25
	cfg.Audio.SystemSource = "out.monitor"

	// Durations marshal as nanoseconds, which viper decodes back.
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	reloaded, err := Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Reloading dumped config failed: %v\n%s", err, data)
	}
	if reloaded.Capture.FrameRate != 25 || reloaded.Audio.SystemSource != "out.monitor" {
		t.Errorf("Dumped config did not round trip: %+v", reloaded)
	}
	if reloaded.Service.StopTimeout != cfg.Service.StopTimeout {
		t.Errorf("Expected stop timeout %v, got %v", cfg.Service.StopTimeout, reloaded.Service.StopTimeout)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	base, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Capture.Backend = "x11grab" }, "capture.backend"},
		{"unknown audio backend", func(c *Config) { c.Capture.AudioBackend = "pulse" }, "capture.audio_backend"},
		{"zero frame rate", func(c *Config) { c.Capture.FrameRate = 0 }, "capture.frame_rate"},
		{"unbounded retries", func(c *Config) { c.Capture.Retry.MaxRetries = 100 }, "max_retries"},
		{"bad microphone id", func(c *Config) { c.Audio.Microphone = "mic\n" }, "audio.microphone"},
		{"aec step", func(c *Config) { c.Audio.AECStep = 0 }, "audio.aec_step"},
		{"crf", func(c *Config) { c.Encoder.CRF = 70 }, "encoder.crf"},
		{"unknown format", func(c *Config) { c.Encoder.Format = "avi" }, "encoder.format"},
		{"stop timeout", func(c *Config) { c.Service.StopTimeout = 0 }, "service.stop_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}
