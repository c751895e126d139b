// Package metrics holds the Prometheus collectors of the recording service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AudioBlocks counts mixer output, partitioned by how the block was produced
	// (mixed, passthrough, aec, late_dropped, drain_dropped).
	AudioBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnirec_audio_blocks_total",
		Help: "Audio blocks handled by the mixer, partitioned by outcome",
	}, []string{"outcome"})

	// VideoFrames counts frames delivered by the capture dispatcher.
	VideoFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnirec_video_frames_total",
		Help: "Video frames acquired and forwarded to the encoder",
	})

	// CaptureRetries counts transient capture failures that were retried.
	CaptureRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnirec_capture_retries_total",
		Help: "Transient capture failures retried by the dispatcher",
	})

	// EncoderFrames counts encoder input, partitioned by stream and outcome.
	EncoderFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnirec_encoder_frames_total",
		Help: "Frames written to or skipped by the encoder, partitioned by stream and outcome",
	}, []string{"stream", "outcome"})

	// StateTransitions counts recording state transitions by target state.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnirec_state_transitions_total",
		Help: "Recording state machine transitions, partitioned by new state",
	}, []string{"state"})

	// IPCConnections counts accepted and rejected client connections.
	IPCConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnirec_ipc_connections_total",
		Help: "IPC connections, partitioned by verification result",
	}, []string{"result"})

	// IPCMessages counts decoded client commands by type.
	IPCMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnirec_ipc_messages_total",
		Help: "IPC commands received, partitioned by message type",
	}, []string{"type"})

	// Recording is 1 while a session is recording or saving.
	Recording = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omnirec_recording_active",
		Help: "Whether a recording session is active",
	})
)

// Handler returns the HTTP handler that exposes the default registry.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
