package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_jobs_active",
		Help: "Jobs currently assigned to this worker",
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_jobs_total",
		Help: "Jobs finished, by outcome",
	}, []string{"outcome"})

	JobsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_jobs_rejected_total",
		Help: "Room joins rejected at admission",
	})

	SessionState = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_session_transitions_total",
		Help: "Lifecycle state transitions, by target state",
	}, []string{"state"})

	TeardownSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_teardown_steps_total",
		Help: "Teardown steps executed, by step and result",
	}, []string{"step", "result"})

	CapabilityLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_capability_loads_total",
		Help: "Optional capability probes, by capability and result",
	}, []string{"capability", "result"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_e2e_duration_seconds",
		Help:    "End-to-end latency from end of turn to last TTS audio",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_audio_frames_total",
		Help: "Audio frames received from rooms",
	})

	Turns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_turns_total",
		Help: "User turns detected",
	})

	NoiseFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_noise_transcripts_total",
		Help: "Transcripts dropped as background noise",
	})

	Usage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_usage_total",
		Help: "Accumulated usage by category (tokens, characters, audio seconds)",
	}, []string{"category"})
)
