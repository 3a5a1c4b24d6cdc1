package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutor_ask_duration_seconds",
			Help:    "Question answering duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"answer_type"},
	)

	AskTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_ask_total",
			Help: "Total number of questions processed",
		},
		[]string{"status"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutor_retrieval_results_count",
			Help:    "Number of passages retrieved per question",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	RetrievalAugmented = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_retrieval_augmented_total",
			Help: "Augmented follow-up searches, by whether the augmented results were adopted",
		},
		[]string{"adopted"},
	)

	RelevanceDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_relevance_decisions_total",
			Help: "Relevance gate decisions",
		},
		[]string{"path", "relevant"},
	)

	GenerationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_generation_failures_total",
			Help: "Text, vision or classifier generation failures",
		},
		[]string{"kind"},
	)

	Illustrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_illustrations_total",
			Help: "Educational illustration attempts",
		},
		[]string{"status"},
	)

	EmbeddingCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_embedding_cache_total",
			Help: "Embedding cache lookups",
		},
		[]string{"result"},
	)

	DocumentsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutor_documents_ingested_total",
			Help: "Total documents ingested",
		},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tutor_ws_connections",
			Help: "Open realtime chat connections",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AskDuration,
			AskTotal,
			RetrievalResultsCount,
			RetrievalAugmented,
			RelevanceDecisions,
			GenerationFailures,
			Illustrations,
			EmbeddingCache,
			DocumentsIngested,
			WSConnections,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
