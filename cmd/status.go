package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/ipc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the service state and the active session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := connect(ctx, false)
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeGetState})
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reply)
		}

		fmt.Printf("=== SERVICE ===\n")
		fmt.Printf("state: %s\n", reply.State)
		if reply.LastError != "" {
			fmt.Printf("last_error: %s\n", reply.LastError)
		}
		if s := reply.Session; s != nil {
			fmt.Printf("\n=== SESSION ===\n")
			fmt.Printf("id: %s\n", s.ID)
			fmt.Printf("target: %s\n", s.Target.String())
			fmt.Printf("size: %dx%d\n", s.Width, s.Height)
			fmt.Printf("output: %s\n", s.OutputFile)
			fmt.Printf("format: %s\n", s.Format)
			elapsed := time.Since(s.StartTime).Round(time.Second)
			if r, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeGetElapsedTime}); err == nil && r.Seconds != nil {
				elapsed = time.Duration(*r.Seconds) * time.Second
			}
			fmt.Printf("elapsed: %s\n", elapsed)
			if s.Audio.Enabled {
				fmt.Printf("system_audio: %s\n", orNone(s.Audio.SystemSourceID))
				fmt.Printf("microphone: %s\n", orNone(s.Audio.MicrophoneID))
				fmt.Printf("echo_cancellation: %t\n", s.Audio.EchoCancellation)
			}
		}
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the raw state message as JSON")
}
