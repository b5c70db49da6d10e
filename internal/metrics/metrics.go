package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the spreadwatch collectors.
	Registry = prometheus.NewRegistry()

	feedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spreadwatch",
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Venue messages received, by outcome.",
		},
		[]string{"venue", "outcome"},
	)

	feedPrices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spreadwatch",
			Subsystem: "feed",
			Name:      "prices_total",
			Help:      "Normalized price readings emitted by feed clients.",
		},
		[]string{"venue"},
	)

	feedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spreadwatch",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts.",
		},
		[]string{"venue"},
	)

	feedState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spreadwatch",
			Subsystem: "feed",
			Name:      "connection_state",
			Help:      "Connection state per venue (0=disconnected, 1=connecting, 2=connected).",
		},
		[]string{"venue"},
	)

	queueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spreadwatch",
			Subsystem: "engine",
			Name:      "queue_dropped_total",
			Help:      "Price events discarded by drop-oldest backpressure.",
		},
	)

	observations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spreadwatch",
			Subsystem: "engine",
			Name:      "observations_total",
			Help:      "Spread observations produced by pairing.",
		},
	)

	summaries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spreadwatch",
			Subsystem: "engine",
			Name:      "bucket_summaries_total",
			Help:      "Bucket summaries emitted on rollover.",
		},
	)

	lateObservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spreadwatch",
			Subsystem: "engine",
			Name:      "late_observations_total",
			Help:      "Observations dropped because their bucket was already flushed.",
		},
	)

	sinkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spreadwatch",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Persistence appends, by record kind and result.",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	Registry.MustRegister(
		feedMessages,
		feedPrices,
		feedReconnects,
		feedState,
		queueDropped,
		observations,
		summaries,
		lateObservations,
		sinkWrites,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func FeedMessage(venue, outcome string) {
	feedMessages.WithLabelValues(venue, outcome).Inc()
}

func FeedPrice(venue string) {
	feedPrices.WithLabelValues(venue).Inc()
}

func FeedReconnect(venue string) {
	feedReconnects.WithLabelValues(venue).Inc()
}

func FeedState(venue string, state int) {
	feedState.WithLabelValues(venue).Set(float64(state))
}

func QueueDropped() {
	queueDropped.Inc()
}

func Observation() {
	observations.Inc()
}

func Summaries(n int) {
	summaries.Add(float64(n))
}

func LateObservation() {
	lateObservations.Inc()
}

func SinkWrite(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sinkWrites.WithLabelValues(kind, result).Inc()
}

func SinkDropped(kind string) {
	sinkWrites.WithLabelValues(kind, "dropped").Inc()
}
