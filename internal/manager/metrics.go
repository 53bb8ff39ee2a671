package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"llmnode/internal/generate"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmnode",
			Subsystem: "generation",
			Name:      "total",
			Help:      "Generations by outcome (completed, cancelled, error, rejected)",
		},
		[]string{"outcome"},
	)

	generatedTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llmnode",
			Subsystem: "generation",
			Name:      "tokens_total",
			Help:      "Total sampled tokens",
		},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "llmnode",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Wall time of a generation from prompt feeding to End",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stop_reason"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llmnode",
			Subsystem: "generation",
			Name:      "active_jobs",
			Help:      "Jobs queued or running",
		},
	)

	modelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmnode",
			Subsystem: "models",
			Name:      "loads_total",
			Help:      "Model loads by result",
		},
		[]string{"result"},
	)

	modelEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llmnode",
			Subsystem: "models",
			Name:      "evictions_total",
			Help:      "Instances evicted to fit the VRAM budget",
		},
	)

	sessionSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmnode",
			Subsystem: "sessions",
			Name:      "saves_total",
			Help:      "Session snapshot writes by result",
		},
		[]string{"result"},
	)

	sessionLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmnode",
			Subsystem: "sessions",
			Name:      "loads_total",
			Help:      "Session snapshot loads by result (ok, created, error)",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, generatedTokensTotal, generationDuration, activeJobs,
		modelLoadsTotal, modelEvictionsTotal, sessionSavesTotal, sessionLoadsTotal)
}

func observeGeneration(req generate.Request, res generate.Result, dur time.Duration) {
	generationsTotal.WithLabelValues(res.State.String()).Inc()
	generatedTokensTotal.Add(float64(res.GeneratedTokens))
	generationDuration.WithLabelValues(string(res.StopReason)).Observe(dur.Seconds())

	if req.LoadSession != "" {
		switch {
		case res.SessionCreated:
			sessionLoadsTotal.WithLabelValues("created").Inc()
		case res.State == generate.StateError && res.PromptTokens == 0 && res.GeneratedTokens == 0:
			sessionLoadsTotal.WithLabelValues("error").Inc()
		default:
			sessionLoadsTotal.WithLabelValues("ok").Inc()
		}
	}
	switch {
	case res.SessionSaved:
		sessionSavesTotal.WithLabelValues("ok").Inc()
	case req.SaveSession != "" && res.State != generate.StateError && res.Err != nil:
		sessionSavesTotal.WithLabelValues("error").Inc()
	}
}
