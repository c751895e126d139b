package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/encoder"
	"github.com/omnirec/omnirec/internal/play"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play a recording",
	Long: `Open a recording in the first available player (mpv, vlc, ffplay).
Without an argument the newest recording in the output directory is played.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file := ""
		if len(args) == 1 {
			file = args[0]
		} else {
			var exts []string
			for _, f := range encoder.OutputFormats() {
				exts = append(exts, f.Extension())
			}
			latest, err := play.Latest(cfg.Output.Directory, exts...)
			if err != nil {
				return err
			}
			file = latest
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		fmt.Printf("▶️  Playing: %s\n", file)
		return play.New().Play(ctx, file)
	},
}
