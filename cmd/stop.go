package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/ipc"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active recording",
	Long:  `Stop the active recording and wait until the service has saved the file.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noWait, _ := cmd.Flags().GetBool("no-wait")

		ctx := context.Background()
		client, err := connect(ctx, false)
		if err != nil {
			return err
		}
		defer client.Close()

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := client.Call(callCtx, &ipc.Message{Type: ipc.TypeStopRecording}); err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		if noWait {
			fmt.Println("Stopping recording")
			return nil
		}

		waitCtx, cancelWait := context.WithTimeout(ctx, cfg.Service.StopTimeout+cfg.Encoder.ShutdownTimeout+10*time.Second)
		defer cancelWait()
		return followUntilIdle(waitCtx, client)
	},
}

// followUntilIdle is followSession without the stop-on-cancel behaviour.
func followUntilIdle(ctx context.Context, client *ipc.Client) error {
	done := make(chan error, 1)
	followCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- followSession(followCtx, client) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: recording was not saved in time", ipc.ErrTimeout)
	}
}

func init() {
	stopCmd.Flags().Bool("no-wait", false, "return without waiting for the file to be saved")
}
