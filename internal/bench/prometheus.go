package bench

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// PromRecorder exports acquisition counts and wait times as Prometheus metrics, labeled by mode.
type PromRecorder struct {
	waits        *prometheus.SummaryVec
	acquisitions *prometheus.CounterVec
}

// NewPromRecorder creates the collectors and registers them with reg.
func NewPromRecorder(reg prometheus.Registerer, namespace string) (*PromRecorder, error) {
	p := &PromRecorder{
		waits: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting to acquire the lock.",
			Objectives: map[float64]float64{
				0.5:   0.01,
				0.9:   0.01,
				0.99:  0.001,
				0.999: 0.0001,
			},
		}, []string{"mode"}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Number of lock acquisitions.",
		}, []string{"mode"}),
	}

	for _, c := range []prometheus.Collector{p.waits, p.acquisitions} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "registering lock metrics")
		}
	}
	return p, nil
}

// Observe implements Recorder.
func (p *PromRecorder) Observe(mode Mode, wait time.Duration) {
	p.waits.WithLabelValues(string(mode)).Observe(wait.Seconds())
	p.acquisitions.WithLabelValues(string(mode)).Inc()
}
