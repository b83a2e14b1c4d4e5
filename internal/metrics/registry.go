package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine exports. One instance is created
// at startup and threaded through the services that record into it.
type Metrics struct {
	registry *prometheus.Registry

	BidsSubmitted          *prometheus.CounterVec
	BidsAccepted           prometheus.Counter
	BidsRejected           *prometheus.CounterVec
	BidLatency             prometheus.Histogram
	RateLimited            prometheus.Counter
	RoomSubscribers        *prometheus.GaugeVec
	ConnectionsOpen        prometheus.Gauge
	SlowConsumers          prometheus.Counter
	AuctionsEnded          prometheus.Counter
	EventsPublished        *prometheus.CounterVec
	EventsConsumed         *prometheus.CounterVec
	EventsDeadLetter       prometheus.Counter
	NotificationsDelivered *prometheus.CounterVec
	NotificationsDeduped   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		BidsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_submitted_total",
			Help: "Bid submissions received, before validation.",
		}, []string{"result"}),
		BidsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_bids_accepted_total",
			Help: "Bids durably recorded in the store.",
		}),
		BidsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_rejected_total",
			Help: "Bids rejected, by rejection code.",
		}, []string{"code"}),
		BidLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_bid_latency_seconds",
			Help:    "Submit-to-acceptance latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_bids_rate_limited_total",
			Help: "Bids rejected by the per-user rate gate.",
		}),
		RoomSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "auction_room_subscribers",
			Help: "Connections subscribed per auction room.",
		}, []string{"auction_id"}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auction_connections_open",
			Help: "Live WebSocket connections on this replica.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_slow_consumers_disconnected_total",
			Help: "Connections dropped for not draining their send buffer.",
		}),
		AuctionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_auctions_ended_total",
			Help: "Auctions transitioned to ENDED by this replica.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_events_published_total",
			Help: "Events appended to the bus, by stream.",
		}, []string{"stream"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_events_consumed_total",
			Help: "Events acknowledged by consumers, by stream.",
		}, []string{"stream"}),
		EventsDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_events_dead_lettered_total",
			Help: "Events moved to the dead-letter stream.",
		}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_notifications_delivered_total",
			Help: "Outcome notifications delivered, by kind.",
		}, []string{"kind"}),
		NotificationsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_notifications_deduped_total",
			Help: "Notifications skipped because a delivery was already recorded.",
		}),
	}

	reg.MustRegister(
		m.BidsSubmitted, m.BidsAccepted, m.BidsRejected, m.BidLatency,
		m.RateLimited, m.RoomSubscribers, m.ConnectionsOpen, m.SlowConsumers,
		m.AuctionsEnded, m.EventsPublished, m.EventsConsumed, m.EventsDeadLetter,
		m.NotificationsDelivered, m.NotificationsDeduped,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
