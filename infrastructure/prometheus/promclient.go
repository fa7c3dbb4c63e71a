package promclient

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var StaleMessagesDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "booksync_stale_messages_dropped_total",
		Help: "feed messages dropped because their sequence was not newer than the book",
	},
)

var MalformedMessagesDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "booksync_malformed_messages_dropped_total",
		Help: "feed messages dropped whole because a price or size failed to parse",
	},
)

var NoBaseSnapshotDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "booksync_no_base_snapshot_dropped_total",
		Help: "deltas dropped because no base snapshot had been applied",
	},
)

var SupersededMessagesDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "booksync_superseded_messages_dropped_total",
		Help: "late messages dropped because their transport generation was superseded",
	},
)

var StreamFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "booksync_stream_failures_total",
		Help: "push transport connect failures and runtime drops",
	},
)

var PollFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "booksync_poll_failures_total",
		Help: "failed REST snapshot attempts while in fallback mode",
	},
)

var FallbacksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "booksync_fallbacks_total",
		Help: "one-way transitions from push streaming to REST polling",
	},
)

var ActiveSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "booksync_active_sessions",
		Help: "book sync sessions currently running",
	},
)

func StartPromClientServer(addr string) error {
	reg := prometheus.NewRegistry()
	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	reg.MustRegister(StaleMessagesDropped)
	reg.MustRegister(MalformedMessagesDropped)
	reg.MustRegister(NoBaseSnapshotDropped)
	reg.MustRegister(SupersededMessagesDropped)
	reg.MustRegister(StreamFailures)
	reg.MustRegister(PollFailures)
	reg.MustRegister(FallbacksTotal)
	reg.MustRegister(ActiveSessions)
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)

	return http.ListenAndServe(addr, mux)
}
