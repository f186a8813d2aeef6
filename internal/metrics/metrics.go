package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EventsTotal      prometheus.Counter
	BlockedEvents    prometheus.Counter
	DispatchedTurns  prometheus.Counter
	FailedTurns      prometheus.Counter
	CatalogRefreshes prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamads",
				Name:      "events_total",
				Help:      "Total inbound chat events received",
			}),
			BlockedEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamads",
				Name:      "events_blocked_total",
				Help:      "Total events dropped by the policy engine",
			}),
			DispatchedTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamads",
				Name:      "turns_dispatched_total",
				Help:      "Total conversational turns completed successfully",
			}),
			FailedTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamads",
				Name:      "turns_failed_total",
				Help:      "Total turns aborted by backend or store failure",
			}),
			CatalogRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ollamads",
				Name:      "catalog_refreshes_total",
				Help:      "Total model catalog refreshes against the backend",
			}),
		}
		prometheus.MustRegister(
			global.EventsTotal,
			global.BlockedEvents,
			global.DispatchedTurns,
			global.FailedTurns,
			global.CatalogRefreshes,
		)
	})
	return global
}
