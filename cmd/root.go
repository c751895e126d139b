package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omnirec/omnirec/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "omnirec",
	Short: "Screen and audio recorder",
	Long: `OmniRec records a window, a display or a region of a display together with
system audio and an optional microphone.

Recording runs in a background service ('omnirec serve') owned by the current user.
The other commands talk to it over a local socket and start it when needed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The dialog runs as a child of the client and must not depend on a valid config.
		if cmd.Name() == "dialog" {
			setupLogging(verboseLevel, config.LogConfig{})
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			setupLogging(verboseLevel, config.LogConfig{})
			return fmt.Errorf("failed to load config: %w", err)
		}
		setupLogging(verboseLevel, cfg.Log)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/omnirec.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug (includes ffmpeg output)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(dialogCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(audioCmd)
}

// setupLogging configures slog based on the verbose level. When a log file is
// configured, output is also written there with size based rotation.
func setupLogging(level int, logCfg config.LogConfig) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if logCfg.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
			Compress:   logCfg.Compress,
		})
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(w, opts)
	slog.SetDefault(slog.New(handler))
}
