package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/encoder"
	"github.com/omnirec/omnirec/internal/ipc"
)

var formatCmd = &cobra.Command{
	Use:   "format [NAME]",
	Short: "Show or change the output format of the next recording",
	Long: `Without an argument, print the output format the service will use for the next
recording. With an argument, change it. The format can only be changed while idle.

Formats: ` + formatNames() + `
GIF, APNG and WebP recordings carry no audio.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := connect(ctx, false)
		if err != nil {
			return err
		}
		defer client.Close()

		if len(args) == 0 {
			reply, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeGetOutputFormat})
			if err != nil {
				return err
			}
			fmt.Println(reply.Format)
			return nil
		}

		f, err := encoder.ParseOutputFormat(args[0])
		if err != nil {
			return err
		}
		if _, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeSetOutputFormat, Format: string(f)}); err != nil {
			return fmt.Errorf("failed to set output format: %w", err)
		}
		fmt.Printf("Output format: %s\n", f)
		return nil
	},
}

var audioCmd = &cobra.Command{
	Use:   "audio",
	Short: "Show or change the default audio sources of the service",
	Long: `Without flags, print the audio sources the service uses when a recording is
started without explicit sources. With flags, change them; this is only possible while idle.`,
	Example: `  omnirec audio
  omnirec audio --system-audio alsa_output.pci.analog-stereo --mic alsa_input.usb-mic
  omnirec audio --no-audio`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := connect(ctx, false)
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeGetAudioConfig})
		if err != nil {
			return err
		}
		if reply.Audio == nil {
			return fmt.Errorf("%w: audio_config reply without audio", ipc.ErrInvalidMessage)
		}
		a := *reply.Audio

		changed := false
		if v, _ := cmd.Flags().GetString("system-audio"); cmd.Flags().Changed("system-audio") {
			a.SystemSourceID, a.Enabled, changed = v, true, true
		}
		if v, _ := cmd.Flags().GetString("mic"); cmd.Flags().Changed("mic") {
			a.MicrophoneID, a.Enabled, changed = v, true, true
		}
		if v, _ := cmd.Flags().GetBool("aec"); cmd.Flags().Changed("aec") {
			a.EchoCancellation, changed = v, true
		}
		if v, _ := cmd.Flags().GetBool("no-audio"); v {
			a.Enabled, changed = false, true
		}
		if changed {
			if _, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeSetAudioConfig, Audio: &a}); err != nil {
				return fmt.Errorf("failed to set audio configuration: %w", err)
			}
		}

		fmt.Printf("enabled: %t\n", a.Enabled)
		fmt.Printf("system_audio: %s\n", orNone(a.SystemSourceID))
		fmt.Printf("microphone: %s\n", orNone(a.MicrophoneID))
		fmt.Printf("echo_cancellation: %t\n", a.EchoCancellation)
		return nil
	},
}

func formatNames() string {
	var names []string
	for _, f := range encoder.OutputFormats() {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

func init() {
	audioCmd.Flags().String("system-audio", "", "system audio source id; empty to clear")
	audioCmd.Flags().String("mic", "", "microphone source id; empty to clear")
	audioCmd.Flags().Bool("aec", true, "enable echo cancellation")
	audioCmd.Flags().Bool("no-audio", false, "record video only by default")
}
