package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/approval"
	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/encoder"
	"github.com/omnirec/omnirec/internal/ipc"
	"github.com/omnirec/omnirec/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a window, display or region",
	Long: `Start recording one target through the service.

Exactly one of --window, --display or --region selects the target. Audio
sources default to the audio section of the configuration. Without --detach the
command waits; Ctrl+C stops the recording and waits until the file is saved.`,
	Example: `  omnirec record --display DP-1
  omnirec record --window 0x3a00007 --mic alsa_input.usb-mic
  omnirec record --region DP-1:1280x720+100+50 --detach
  omnirec record --display DP-1 --format gif`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := targetFromFlags(cmd)
		if err != nil {
			return err
		}
		audioCfg := audioFromFlags(cmd)
		format, err := formatFromFlags(cmd)
		if err != nil {
			return err
		}
		detach, _ := cmd.Flags().GetBool("detach")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := connect(ctx, true)
		if err != nil {
			return err
		}
		defer client.Close()

		if cfg.Approval.Required {
			if err := authorize(ctx, client, target); err != nil {
				return err
			}
		}

		if format != "" {
			if _, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeSetOutputFormat, Format: string(format)}); err != nil {
				return fmt.Errorf("failed to set output format: %w", err)
			}
		}

		reply, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeStartRecording, Target: &target, Audio: &audioCfg})
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		if reply.Session != nil {
			slog.Info("Recording started", "target", reply.Session.Target.String(), "output", reply.Session.OutputFile,
				"size", fmt.Sprintf("%dx%d", reply.Session.Width, reply.Session.Height))
		}
		if detach {
			return nil
		}

		slog.Info("Recording... Press Ctrl+C to stop")
		return followSession(ctx, client)
	},
}

// followSession prints session events until the service is idle again. When ctx is
// cancelled the recording is stopped first.
func followSession(ctx context.Context, client *ipc.Client) error {
	var failure error
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping recording...")
			callCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err := client.Call(callCtx, &ipc.Message{Type: ipc.TypeStopRecording})
			cancel()
			if err != nil && !errors.Is(err, service.ErrStateConflict) {
				return fmt.Errorf("failed to stop recording: %w", err)
			}
			// Keep following until the file is saved.
			ctx = context.Background()

		case ev, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("%w: service closed the connection", ipc.ErrDisconnected)
			}
			switch ev.Type {
			case ipc.TypeStateChanged:
				slog.Debug("State changed", "state", ev.State)
				if ev.State == service.StateIdle {
					return failure
				}
			case ipc.TypeRecordingSaved:
				if ev.Partial {
					fmt.Printf("Partial recording saved: %s\n", ev.Path)
				} else {
					fmt.Printf("Recording saved: %s\n", ev.Path)
				}
			case ipc.TypeError:
				if ev.Error != nil {
					failure = ev.Error
					slog.Error("Recording failed", "error", ev.Error)
				}
			}
		}
	}
}

func authorize(ctx context.Context, client *ipc.Client, target capture.Target) error {
	localPath, err := approval.ClientPath()
	if err != nil {
		return err
	}
	dialog := cfg.Approval.Dialog
	if len(dialog) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		dialog = []string{exe, "dialog"}
	}
	a := &approval.Authorizer{
		Checker: tokenClient{client: client},
		Dialog:  approval.CommandDialog{Command: dialog},
		Local:   approval.NewStore(localPath),
	}
	return a.Authorize(ctx, describeTarget(target))
}

func describeTarget(t capture.Target) string {
	switch t.Kind {
	case capture.KindWindow:
		if t.Title != "" {
			return "Window: " + t.Title
		}
		return fmt.Sprintf("Window: %d", t.Handle)
	case capture.KindRegion:
		return "Region on: " + t.MonitorID
	default:
		return "Display: " + t.MonitorID
	}
}

func targetFromFlags(cmd *cobra.Command) (capture.Target, error) {
	window, _ := cmd.Flags().GetInt64("window")
	display, _ := cmd.Flags().GetString("display")
	region, _ := cmd.Flags().GetString("region")

	set := 0
	for _, changed := range []bool{cmd.Flags().Changed("window"), display != "", region != ""} {
		if changed {
			set++
		}
	}
	if set != 1 {
		return capture.Target{}, fmt.Errorf("exactly one of --window, --display or --region is required")
	}

	var t capture.Target
	switch {
	case cmd.Flags().Changed("window"):
		t = capture.WindowTarget(window, "")
	case display != "":
		t = capture.DisplayTarget(display, capture.Rect{}, 0)
	default:
		var err error
		if t, err = parseRegion(region); err != nil {
			return capture.Target{}, err
		}
	}
	if err := t.Validate(); err != nil {
		return capture.Target{}, fmt.Errorf("invalid target: %w", err)
	}
	return t, nil
}

// parseRegion parses MONITOR:WxH+X+Y.
func parseRegion(s string) (capture.Target, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return capture.Target{}, fmt.Errorf("region %q must look like MONITOR:WxH+X+Y", s)
	}
	var w, h, x, y int
	if _, err := fmt.Sscanf(s[i+1:], "%dx%d+%d+%d", &w, &h, &x, &y); err != nil {
		return capture.Target{}, fmt.Errorf("region %q must look like MONITOR:WxH+X+Y: %v", s, err)
	}
	return capture.RegionTarget(s[:i], x, y, w, h), nil
}

// configAudio returns the audio section of the configuration as session sources.
func configAudio() service.AudioConfig {
	return service.AudioConfig{
		Enabled:          cfg.Audio.Enabled,
		SystemSourceID:   cfg.Audio.SystemSource,
		MicrophoneID:     cfg.Audio.Microphone,
		EchoCancellation: cfg.Audio.EchoCancellation,
	}
}

func audioFromFlags(cmd *cobra.Command) service.AudioConfig {
	a := configAudio()
	if v, _ := cmd.Flags().GetString("system-audio"); v != "" {
		a.SystemSourceID = v
		a.Enabled = true
	}
	if v, _ := cmd.Flags().GetString("mic"); v != "" {
		a.MicrophoneID = v
		a.Enabled = true
	}
	if v, _ := cmd.Flags().GetBool("no-aec"); v {
		a.EchoCancellation = false
	}
	if v, _ := cmd.Flags().GetBool("no-audio"); v {
		a = service.AudioConfig{}
	}
	return a
}

// formatFromFlags returns the --format value, or "" to keep the service's format.
func formatFromFlags(cmd *cobra.Command) (encoder.OutputFormat, error) {
	v, _ := cmd.Flags().GetString("format")
	if v == "" {
		return "", nil
	}
	return encoder.ParseOutputFormat(v)
}

func addRecordFlags(c *cobra.Command) {
	c.Flags().Int64("window", 0, "window handle to record")
	c.Flags().String("display", "", "monitor id to record")
	c.Flags().String("region", "", "region to record, as MONITOR:WxH+X+Y")
	c.Flags().String("system-audio", "", "system audio source id (overrides config)")
	c.Flags().String("mic", "", "microphone source id (overrides config)")
	c.Flags().Bool("no-aec", false, "disable echo cancellation")
	c.Flags().Bool("no-audio", false, "record video only")
	c.Flags().String("format", "", "output format: mp4, webm, mkv, mov, gif, apng or webp")
	c.Flags().Bool("detach", false, "return once the recording has started")
}

func init() {
	addRecordFlags(recordCmd)
}
