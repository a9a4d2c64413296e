package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpitch_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quickpitch_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// Presence metrics
	PresencePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpitch_presence_publishes_total",
			Help: "Presence documents published",
		},
		[]string{"medium"},
	)

	PresenceSnapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpitch_presence_snapshots_total",
			Help: "Presence snapshots delivered to channels",
		},
		[]string{"medium"},
	)

	PresenceReverts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quickpitch_presentation_reverts_total",
			Help: "Local presenting intents reverted after losing the tie-break",
		},
	)

	// Timer metrics
	TimerElections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpitch_timer_elections_total",
			Help: "Room timer start elections by outcome",
		},
		[]string{"outcome"}, // "won" or "lost"
	)

	TimersExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quickpitch_timers_expired_total",
			Help: "Room timers that reached zero",
		},
	)

	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quickpitch_active_sessions",
			Help: "Room sessions currently joined",
		},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpitch_sync_errors_total",
			Help: "Transient presence and store failures",
		},
		[]string{"op"},
	)

	// Analysis metrics
	AnalysisRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpitch_analysis_runs_total",
			Help: "Slide analysis runs by final status",
		},
		[]string{"status"},
	)

	// Cache metrics
	DeckCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quickpitch_deck_cache_lookups_total",
			Help: "Deck cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss" or "error"
	)
)
