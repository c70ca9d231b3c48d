package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ActiveSubscribers counts subscribers currently holding at least one key.
var ActiveSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "busd_active_subscribers",
		Help: "Number of subscribers currently holding at least one subscription key",
	},
)

// DistinctKeys tracks the size of the global union of held keys.
var DistinctKeys = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "busd_distinct_keys",
		Help: "Number of distinct subscription keys currently held by any subscriber",
	},
)

// KeyRefcount exposes the refcount of each held key, labeled by kind.
var KeyRefcount = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "busd_key_refcount",
		Help: "Current refcount for a subscription key",
	},
	[]string{"data_kind", "exchange", "base", "counter"},
)

// UpstreamNotifyTotal counts calls into the subscription manager's
// update_subscriptions, labeled by outcome.
var UpstreamNotifyTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "busd_upstream_notify_total",
		Help: "Total update_subscriptions calls issued to the upstream subscription manager",
	},
	[]string{"outcome"},
)

// EventsDroppedTotal counts events dropped by the latest-wins backpressure
// policy in the stream projector, labeled by data kind.
var EventsDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "busd_events_dropped_total",
		Help: "Events dropped under backpressure by the stream projector",
	},
	[]string{"data_kind"},
)

// ConsumerErrorsTotal counts callback panics/errors isolated by the binder.
var ConsumerErrorsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "busd_consumer_errors_total",
		Help: "Callbacks registered via register_callback that errored or panicked",
	},
)

// SubscriberInconsistenciesTotal counts recovered refcount/holdings
// inconsistencies logged by the demand registry.
var SubscriberInconsistenciesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "busd_subscriber_inconsistencies_total",
		Help: "Recovered inconsistencies between holdings and refcounts",
	},
)

func init() {
	prometheus.MustRegister(
		ActiveSubscribers,
		DistinctKeys,
		KeyRefcount,
		UpstreamNotifyTotal,
		EventsDroppedTotal,
		ConsumerErrorsTotal,
		SubscriberInconsistenciesTotal,
	)
}
