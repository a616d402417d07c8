package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Iterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datastory",
		Name:      "iterations_total",
		Help:      "Completed search iterations.",
	})
	Expansions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datastory",
		Name:      "expansions_total",
		Help:      "Action expansions by action and outcome.",
	}, []string{"action", "outcome"})
	Rewards = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "datastory",
		Name:      "rollout_reward",
		Help:      "Reward returned by each rollout.",
		Buckets:   prometheus.LinearBuckets(0, 1, 11),
	})
	TreeNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "datastory",
		Name:      "tree_nodes",
		Help:      "Nodes in the current search tree.",
	})
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datastory",
		Name:      "llm_requests_total",
		Help:      "Model requests by task and status.",
	}, []string{"task", "status"})
	RenderSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "datastory",
		Name:      "render_seconds",
		Help:      "Wall time of one chart render.",
		Buckets:   prometheus.DefBuckets,
	})
)

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
