package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnirec/omnirec/internal/approval"
	"github.com/omnirec/omnirec/internal/audio"
	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/ipc"
	"github.com/omnirec/omnirec/internal/metrics"
	"github.com/omnirec/omnirec/internal/mix"
	"github.com/omnirec/omnirec/internal/server"
	"github.com/omnirec/omnirec/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recording service",
	Long: `Run the OmniRec recording service in the foreground.

The service listens on a socket only the current user can reach and accepts
commands from trusted OmniRec binaries. Other commands start it automatically.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr == "" {
			metricsAddr = cfg.Metrics.Address
		}

		backend, err := capture.NewBackend(cfg.Capture.Backend)
		if err != nil {
			return err
		}
		audioProvider, err := capture.NewAudioProvider(cfg.Capture.AudioBackend)
		if err != nil {
			return err
		}
		backend = capture.WithAudio(backend, audioProvider)
		dispatcher := capture.NewDispatcher(backend, cfg.Capture.FrameRate, cfg.Capture.Retry)
		svc := service.New(service.Options{
			Dispatcher:  dispatcher,
			NewSink:     service.EncoderSink(cfg.Encoder),
			OutputDir:   cfg.Output.Directory,
			Format:      cfg.Encoder.Format,
			Audio:       configAudio(),
			Mixer:       mixerOptions(),
			StopTimeout: cfg.Service.StopTimeout,
		})

		tokenPath := cfg.Approval.TokenFile
		if tokenPath == "" {
			if tokenPath, err = approval.DefaultPath(); err != nil {
				return err
			}
		}
		verifier := ipc.DefaultVerifier()
		verifier.TrustedDirectories = append(verifier.TrustedDirectories, cfg.IPC.TrustedDirectories...)
		srv := server.New(svc, approval.NewStore(tokenPath), verifier)

		addr, err := serviceAddress()
		if err != nil {
			return err
		}
		ln, err := ipc.Listen(addr)
		if err != nil {
			return fmt.Errorf("failed to start IPC endpoint: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if metricsAddr != "" {
			metricsSrv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				slog.Info("Serving metrics", "address", metricsAddr)
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("Metrics server failed", "error", err)
				}
			}()
			defer metricsSrv.Close()
		}

		slog.Info("OmniRec service starting", "backend", backend.Name(), "address", addr, "output", cfg.Output.Directory)
		serveErr := srv.Serve(ctx, ln)

		// Give an active session time to stop and the encoder time to finalize.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.StopTimeout+cfg.Encoder.ShutdownTimeout+5*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			slog.Error("Recording was not finalized before exit", "error", err)
		}
		slog.Info("OmniRec service stopped")
		return serveErr
	},
}

func mixerOptions() mix.Options {
	opts := mix.DefaultOptions()
	taps, step := cfg.Audio.AECTaps, cfg.Audio.AECStep
	opts.NewEchoCanceller = func() mix.EchoCanceller { return mix.NewNLMS(taps, step) }
	opts.MaxLagBlocks = int64(cfg.Audio.MaxLag / audio.BlockDuration)
	return opts
}

func serviceAddress() (string, error) {
	if cfg.IPC.Address != "" {
		return cfg.IPC.Address, nil
	}
	return ipc.DefaultAddress()
}

func init() {
	serveCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
}
