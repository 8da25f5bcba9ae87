package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"yuim/services/im-presence/internal/registry"
)

var (
	Sessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "im_presence_sessions",
		Help: "Live sessions by transport.",
	}, []string{"transport"})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_presence_online_users",
		Help: "Distinct identities with at least one live session.",
	})

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_auth_failures_total",
		Help: "Rejected auth and register attempts by reason.",
	}, []string{"transport", "reason"})

	StreamClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_stream_closed_total",
		Help: "Stream sessions closed by reason.",
	}, []string{"reason"})
	SlowConsumerDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_presence_slow_consumer_drops_total",
		Help: "Stream connections dropped because their send buffer was full.",
	})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_rate_limited_total",
		Help: "Inbound messages rejected by the per-connection rate limit.",
	}, []string{"transport"})

	ProgressReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_progress_reports_total",
		Help: "Progress reports by result.",
	}, []string{"result"})
	PersistRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_presence_persist_retries_total",
		Help: "Progress store writes retried after a transient error.",
	})

	FanoutEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_fanout_events_total",
		Help: "Events dispatched by kind.",
	}, []string{"kind"})
	FanoutDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_fanout_deliveries_total",
		Help: "Per-recipient deliveries by transport and result.",
	}, []string{"transport", "result"})
	FanoutQueueFull = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_presence_fanout_queue_full_total",
		Help: "Events rejected because their partition queue was full.",
	})

	DatagramPacketsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_presence_datagram_packets_dropped_total",
		Help: "Inbound datagrams dropped because the worker queue was full.",
	})
	DatagramExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_presence_datagram_expired_total",
		Help: "Datagram registrations removed by the TTL sweep.",
	})
	DatagramRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_presence_datagram_retries_total",
		Help: "Notification retransmissions.",
	})
	DatagramExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_presence_datagram_exhausted_total",
		Help: "Notifications dropped after all retries.",
	})
	DatagramPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_presence_datagram_pending",
		Help: "Notifications awaiting ack.",
	})

	IngestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_ingest_events_total",
		Help: "Chapter release events consumed by result.",
	}, []string{"result"})

	ChatMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_chat_messages_total",
		Help: "Chat messages by result.",
	}, []string{"result"})

	BreakerOpen = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_presence_breaker_open_total",
		Help: "Times the breaker opened, per key.",
	}, []string{"key"})
)

func Register() {
	prometheus.MustRegister(
		Sessions, OnlineUsers,
		AuthFailures,
		StreamClosed, SlowConsumerDrops, RateLimited,
		ProgressReports, PersistRetries,
		FanoutEvents, FanoutDeliveries, FanoutQueueFull,
		DatagramPacketsDropped, DatagramExpired, DatagramRetries, DatagramExhausted, DatagramPending,
		IngestEvents,
		ChatMessages,
		BreakerOpen,
	)
}

// ObserveRegistry refreshes the session gauges from a registry snapshot.
func ObserveRegistry(st registry.Stats) {
	Sessions.WithLabelValues(string(registry.KindStream)).Set(float64(st.Streams))
	Sessions.WithLabelValues(string(registry.KindDatagram)).Set(float64(st.Datagrams))
	OnlineUsers.Set(float64(st.Users))
}
