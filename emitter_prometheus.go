package tracemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusEmitter exposes the most recent value of every event field as a
// labelled gauge. Event names from the working-set sampler include the PID,
// so the gauge cardinality follows the number of reported processes.
type PrometheusEmitter struct {
	values  *prometheus.GaugeVec
	emitted prometheus.Counter
}

// NewPrometheusEmitter registers the emitter's collectors with reg and
// returns the emitter. It panics if a collector with the same name is
// already registered.
func NewPrometheusEmitter(reg prometheus.Registerer) *PrometheusEmitter {
	e := &PrometheusEmitter{
		values: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracemon_event_value",
				Help: "Most recent value of a measurement event field.",
			},
			[]string{"event", "field"},
		),
		emitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tracemon_events_emitted_total",
				Help: "Number of measurement events emitted.",
			},
		),
	}
	reg.MustRegister(e.values, e.emitted)
	return e
}

func (e *PrometheusEmitter) Emit(name string, fields ...Field) {
	for _, f := range fields {
		e.values.WithLabelValues(name, f.Name).Set(f.Value)
	}
	e.emitted.Inc()
}
