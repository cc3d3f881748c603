package hookz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zoobzio/hookz/hooks"
)

type metrics struct {
	buffered prometheus.Counter
	dropped  prometheus.Counter
	exported prometheus.Counter
	late     prometheus.Counter
	patches  *prometheus.CounterVec
}

// newMetrics registers the tracer's counters on reg. A nil reg keeps them
// unregistered but usable.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		buffered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hookz",
			Name:      "traces_buffered_total",
			Help:      "Completed traces added to the buffer.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hookz",
			Name:      "traces_dropped_total",
			Help:      "Traces evicted from a full buffer or lost by a failing transport.",
		}),
		exported: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hookz",
			Name:      "traces_exported_total",
			Help:      "Traces delivered to a transport.",
		}),
		late: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hookz",
			Name:      "spans_late_total",
			Help:      "Child spans that closed after their trace completed.",
		}),
		patches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookz",
			Name:      "patches_total",
			Help:      "Module load decisions by outcome.",
		}, []string{"module", "outcome"}),
	}
}

func (m *metrics) observePatch(ev hooks.Event) {
	m.patches.WithLabelValues(ev.Module, string(ev.Outcome)).Inc()
}
