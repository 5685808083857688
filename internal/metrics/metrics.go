package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "giveaway"

var (
	// ChatEventsReceived counts normalized chat events reaching the tracker.
	ChatEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "events_received_total",
		Help:      "Total number of chat events delivered to the entrant tracker.",
	})

	// ChatMessagesDropped counts raw chat payloads that could not be normalized.
	ChatMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "messages_dropped_total",
		Help:      "Total number of malformed chat payloads dropped by the ingestion adapter.",
	})

	ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "reconnects_total",
		Help:      "Total number of chat reconnect attempts.",
	})

	EntrantsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "entrants",
		Help:      "Number of entrants in the current giveaway session.",
	})

	DrawsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "draws_total",
		Help:      "Total number of draws performed.",
	})

	WinnersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "winners_total",
		Help:      "Total number of winners selected.",
	})

	RelaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "subscribers",
		Help:      "Number of active overlay subscriptions.",
	})

	RelayEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "events_published_total",
		Help:      "Total number of events published, by event type.",
	}, []string{"type"})

	RelayFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "frames_dropped_total",
		Help:      "Total number of frames dropped because a subscriber buffer was full.",
	})
)
