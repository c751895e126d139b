package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/ipc"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List windows, displays and audio sources",
	Long:  `List everything the service's capture backend can record, with the ids to pass to 'omnirec record'.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		client, err := connect(ctx, true)
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.Call(ctx, &ipc.Message{Type: ipc.TypeListCaptureTargets})
		if err != nil {
			return fmt.Errorf("failed to list capture targets: %w", err)
		}
		if reply.Targets == nil {
			return fmt.Errorf("%w: targets reply without targets", ipc.ErrInvalidMessage)
		}
		printTargets(*reply.Targets)
		return nil
	},
}

func printTargets(t capture.Targets) {
	fmt.Printf("🖥  DISPLAYS (%d found):\n", len(t.Monitors))
	for _, m := range t.Monitors {
		primary := ""
		if m.Primary {
			primary = " [primary]"
		}
		fmt.Printf("  • %s  %s  %s  scale %.2g%s\n", m.ID, m.Name, m.Bounds, m.ScaleFactor, primary)
	}

	fmt.Printf("\n🪟 WINDOWS (%d found):\n", len(t.Windows))
	for _, w := range t.Windows {
		fmt.Printf("  • %d  %q  (%s)  %s\n", w.Handle, w.Title, w.ProcessName, w.Bounds)
	}

	fmt.Printf("\n🎵 AUDIO SOURCES (%d found):\n", len(t.AudioSources))
	for _, a := range t.AudioSources {
		fmt.Printf("  • [%s] %s  %s\n", a.Kind, a.ID, a.Name)
	}

	fmt.Printf("\n💡 Usage:\n")
	fmt.Printf("  • omnirec record --display <id>\n")
	fmt.Printf("  • omnirec record --window <handle>\n")
	fmt.Printf("  • omnirec record --region <id>:WxH+X+Y --system-audio <output id> --mic <input id>\n")
}
