package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omnirec/omnirec/internal/audio"
	"github.com/omnirec/omnirec/internal/capture"
)

const fakeModeEnv = "OMNIREC_FAKE_FFMPEG"

// TestMain lets the test binary stand in for ffmpeg when re-executed with fakeModeEnv set.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeModeEnv); mode != "" {
		os.Exit(fakeFFmpeg(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeFFmpeg(mode string, args []string) int {
	out := args[len(args)-1]

	var wg sync.WaitGroup
	var audioBytes int64
	if inputs := inputArgs(args); len(inputs) > 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := openAudioInput(inputs[1])
			if err != nil {
				fmt.Fprintln(os.Stderr, "audio input:", err)
				return
			}
			defer r.Close()
			audioBytes, _ = io.Copy(io.Discard, r)
		}()
	}

	switch mode {
	case "crash":
		buf := make([]byte, 1)
		io.ReadFull(os.Stdin, buf)
		os.WriteFile(out, []byte("partial"), 0644)
		fmt.Fprintln(os.Stderr, "Conversion failed!")
		return 1
	case "hang":
		signal.Ignore(os.Interrupt)
		io.Copy(io.Discard, os.Stdin)
		os.WriteFile(out, []byte("partial"), 0644)
		time.Sleep(time.Minute)
		return 0
	}

	videoBytes, _ := io.Copy(io.Discard, os.Stdin)
	wg.Wait()
	os.WriteFile(out, []byte(fmt.Sprintf("video=%d audio=%d", videoBytes, audioBytes)), 0644)
	if mode == "fail-on-stop" {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "[mp4 @ 0x1] muxer trailer write failed")
		return 1
	}
	return 0
}

// inputArgs returns the values of every -i flag.
func inputArgs(args []string) []string {
	var inputs []string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-i" {
			inputs = append(inputs, args[i+1])
		}
	}
	return inputs
}

func openAudioInput(url string) (io.ReadCloser, error) {
	if url == fmt.Sprintf("pipe:%d", AudioPipeFD) {
		return os.NewFile(AudioPipeFD, "audio"), nil
	}
	return dialAudioInput(url)
}

func startFake(t *testing.T, mode string, p Params) *Encoder {
	t.Helper()
	t.Setenv(fakeModeEnv, mode)
	cfg := DefaultConfig()
	cfg.FFmpegPath = os.Args[0]
	cfg.ShutdownTimeout = 2 * time.Second
	if p.OutputPath == "" {
		p.OutputPath = filepath.Join(t.TempDir(), "out", "recording.mp4")
	}
	if p.FrameRate == 0 {
		p.FrameRate = 30
	}
	e, err := Start(cfg, p)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return e
}

func frame(w, h int) capture.Frame {
	return capture.Frame{Width: w, Height: h, Stride: w * 4, Pixels: make([]byte, w*h*4)}
}

func TestBuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	args := BuildArgs(cfg, Params{OutputPath: "/tmp/x.mp4", Width: 1920, Height: 1080, FrameRate: 30, Audio: true})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-f rawvideo -pix_fmt bgra -s 1920x1080 -r 30",
		"-f s16le -ar 48000 -ac 2",
		"-i pipe:0",
		"-i pipe:3",
		"-map 0:v -map 1:a",
		"-c:v libx264 -preset ultrafast -crf 23",
		"-c:a aac",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected args to contain %q, got: %s", want, joined)
		}
	}
	if strings.Count(joined, "-thread_queue_size") != 2 {
		t.Errorf("Expected -thread_queue_size on both inputs: %s", joined)
	}
	if args[len(args)-1] != "/tmp/x.mp4" {
		t.Errorf("Expected output path last, got %s", args[len(args)-1])
	}

	noAudio := strings.Join(BuildArgs(cfg, Params{OutputPath: "/tmp/x.mp4", Width: 2, Height: 2, FrameRate: 30}), " ")
	if strings.Contains(noAudio, "pipe:3") || strings.Contains(noAudio, "-c:a") {
		t.Errorf("Expected no audio input: %s", noAudio)
	}

	named := BuildArgs(cfg, Params{OutputPath: "x.mp4", Width: 2, Height: 2, FrameRate: 30, Audio: true, AudioInput: `\\.\pipe\omnirec-audio-1`})
	if inputs := inputArgs(named); len(inputs) != 2 || inputs[1] != `\\.\pipe\omnirec-audio-1` {
		t.Errorf("Expected the named pipe as audio input, got %v", inputs)
	}
}

func TestBuildArgs_Formats(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		format    OutputFormat
		want      []string
		wantAudio bool
	}{
		{FormatMP4, []string{"-c:v libx264", "-movflags +frag_keyframe+empty_moov", "-c:a aac"}, true},
		{FormatMKV, []string{"-c:v libx264", "-c:a aac"}, true},
		{FormatMOV, []string{"-c:v libx264", "-f mov"}, true},
		{FormatWebM, []string{"-c:v libvpx-vp9 -crf 30 -b:v 0", "-c:a libopus"}, true},
		{FormatGIF, []string{"-vf fps=15,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse"}, false},
		{FormatAPNG, []string{"-plays 0 -f apng"}, false},
		{FormatWebP, []string{"-c:v libwebp -lossless 0 -q:v 75 -loop 0"}, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			args := BuildArgs(cfg, Params{OutputPath: "out." + tt.format.Extension(), Width: 4, Height: 4, FrameRate: 30, Format: tt.format, Audio: true})
			joined := strings.Join(args, " ")
			for _, want := range tt.want {
				if !strings.Contains(joined, want) {
					t.Errorf("Expected %q in: %s", want, joined)
				}
			}
			if hasAudio := len(inputArgs(args)) == 2; hasAudio != tt.wantAudio {
				t.Errorf("Expected audio input %v, got: %s", tt.wantAudio, joined)
			}
			if tt.format != FormatMP4 && strings.Contains(joined, "-movflags") {
				t.Errorf("Fragmented MP4 flags leaked into %s: %s", tt.format, joined)
			}
		})
	}
}

func TestParseOutputFormat(t *testing.T) {
	for in, want := range map[string]OutputFormat{
		"mp4":          FormatMP4,
		"WebM":         FormatWebM,
		"quicktime":    FormatMOV,
		"AnimatedPNG":  FormatAPNG,
		"animatedwebp": FormatWebP,
		" gif ":        FormatGIF,
	} {
		got, err := ParseOutputFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseOutputFormat("avi"); err == nil {
		t.Error("Expected error for unknown format")
	}
	if FormatAPNG.Extension() != "apng" || OutputFormat("").Extension() != "mp4" {
		t.Error("Unexpected extensions")
	}
}

func TestEvenDimensions(t *testing.T) {
	w, h := EvenDimensions(1921, 1081)
	if w != 1920 || h != 1080 {
		t.Errorf("EvenDimensions(1921, 1081) = %d, %d", w, h)
	}
}

func TestExtractLastError(t *testing.T) {
	if got := ExtractLastError("first\nsecond error\n\n  \n"); got != "second error" {
		t.Errorf("Unexpected last error %q", got)
	}
	if got := ExtractLastError(strings.Repeat("x", 300)); len(got) != 203 {
		t.Errorf("Expected truncated line, got %d bytes", len(got))
	}
}

func TestBoundedBuffer_KeepsTail(t *testing.T) {
	b := NewBoundedBuffer(8)
	b.Write([]byte("abcdef"))
	b.Write([]byte("ghij"))
	if got := b.String(); got != "cdefghij" {
		t.Errorf("Expected tail, got %q", got)
	}
	b.Write([]byte("0123456789"))
	if got := b.String(); got != "23456789" {
		t.Errorf("Expected tail of oversized write, got %q", got)
	}
}

func TestStart_SpawnFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FFmpegPath = filepath.Join(t.TempDir(), "no-such-ffmpeg")
	_, err := Start(cfg, Params{OutputPath: filepath.Join(t.TempDir(), "x.mp4"), Width: 64, Height: 48})
	if !errors.Is(err, ErrEncoderFault) {
		t.Errorf("Expected ErrEncoderFault, got %v", err)
	}
}

func TestFinish_CleanStop(t *testing.T) {
	e := startFake(t, "ok", Params{Width: 65, Height: 49})
	if w, h := e.Size(); w != 64 || h != 48 {
		t.Fatalf("Expected 64x48 after rounding, got %dx%d", w, h)
	}

	// Oversized frames are cropped, undersized ones skipped.
	for _, f := range []capture.Frame{frame(64, 48), frame(66, 50), frame(32, 32)} {
		if err := e.WriteVideo(f); err != nil {
			t.Fatalf("WriteVideo failed: %v", err)
		}
	}

	res, err := e.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if res.Partial {
		t.Error("Expected complete result")
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("Output not written: %v", err)
	}
	if want := fmt.Sprintf("video=%d audio=0", 2*64*48*4); string(data) != want {
		t.Errorf("Expected %q, got %q", want, data)
	}
}

func TestFinish_WithAudio(t *testing.T) {
	e := startFake(t, "ok", Params{Width: 16, Height: 16, Audio: true})
	if !e.HasAudio() {
		t.Fatal("Expected audio input")
	}
	block := audio.Frame{Samples: make([]int16, audio.BlockSamples*audio.Channels), SampleRate: audio.SampleRate, Channels: audio.Channels}
	for i := 0; i < 3; i++ {
		if err := e.WriteAudio(block); err != nil {
			t.Fatalf("WriteAudio failed: %v", err)
		}
	}
	if err := e.WriteAudio(audio.Frame{Samples: []int16{1}, SampleRate: 44100, Channels: 1}); err == nil {
		t.Error("Expected error for non-normalized audio")
	}

	res, err := e.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	data, _ := os.ReadFile(res.Path)
	if want := fmt.Sprintf("audio=%d", 3*audio.BlockSamples*audio.Channels*2); !strings.Contains(string(data), want) {
		t.Errorf("Expected %q in %q", want, data)
	}
}

func TestStart_AnimatedFormatDropsAudio(t *testing.T) {
	e := startFake(t, "ok", Params{Width: 16, Height: 16, Audio: true, Format: FormatGIF,
		OutputPath: filepath.Join(t.TempDir(), "recording.gif")})
	if e.HasAudio() || e.Format() != FormatGIF {
		t.Errorf("Expected video-only GIF session, got audio=%v format=%s", e.HasAudio(), e.Format())
	}
	block := audio.Frame{Samples: make([]int16, audio.BlockSamples*audio.Channels), SampleRate: audio.SampleRate, Channels: audio.Channels}
	if err := e.WriteAudio(block); err != nil {
		t.Errorf("Expected audio writes to be ignored, got %v", err)
	}
	if _, err := e.Finish(context.Background()); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
}

func TestUnexpectedExit(t *testing.T) {
	e := startFake(t, "crash", Params{Width: 64, Height: 48})
	e.WriteVideo(frame(64, 48))

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Encoder did not report exit")
	}
	if err := e.Err(); !errors.Is(err, ErrEncoderFault) || !strings.Contains(err.Error(), "Conversion failed!") {
		t.Errorf("Expected encoder fault with ffmpeg message, got %v", err)
	}
	if err := e.WriteVideo(frame(64, 48)); !errors.Is(err, ErrEncoderFault) {
		t.Errorf("Expected writes to fail after exit, got %v", err)
	}

	res, err := e.Finish(context.Background())
	if !errors.Is(err, ErrEncoderFault) {
		t.Errorf("Expected encoder fault from Finish, got %v", err)
	}
	if !res.Partial || res.Size == 0 {
		t.Errorf("Expected salvageable partial result, got %+v", res)
	}
}

func TestFinish_ErrorExitKeepsPartialFile(t *testing.T) {
	e := startFake(t, "fail-on-stop", Params{Width: 64, Height: 48})
	e.WriteVideo(frame(64, 48))

	res, err := e.Finish(context.Background())
	if !errors.Is(err, ErrEncoderFault) {
		t.Fatalf("Expected encoder fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "muxer trailer write failed") {
		t.Errorf("Expected last stderr line in error, got %v", err)
	}
	if !res.Partial || res.Path == "" {
		t.Errorf("Expected partial result, got %+v", res)
	}
}

func TestFinish_KillsHungEncoder(t *testing.T) {
	e := startFake(t, "hang", Params{Width: 64, Height: 48})
	e.cfg.ShutdownTimeout = 300 * time.Millisecond
	e.interruptGrace = 100 * time.Millisecond

	start := time.Now()
	res, err := e.Finish(context.Background())
	if !errors.Is(err, ErrEncoderFault) {
		t.Errorf("Expected encoder fault after kill, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Finish took %v", time.Since(start))
	}
	if !res.Partial {
		t.Errorf("Expected partial result, got %+v", res)
	}
}
