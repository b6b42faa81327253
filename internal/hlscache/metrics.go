package hlscache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

type metrics struct {
	requests      *prometheus.CounterVec
	responseBytes *prometheus.CounterVec
	upstream      *prometheus.CounterVec
	coalesced     prometheus.Counter
	pending       prometheus.Gauge
}

type usageReporter interface {
	Usage() (ramBytes, diskBytes int64, keys int)
}

func newMetrics(reg prometheus.Registerer, store Store) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlscache",
			Name:      "requests_total",
			Help:      "Proxied requests by kind and cache outcome.",
		}, []string{"kind", "outcome"}),
		responseBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlscache",
			Name:      "response_bytes_total",
			Help:      "Body bytes served to players.",
		}, []string{"kind"}),
		upstream: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlscache",
			Name:      "upstream_fetches_total",
			Help:      "Upstream fetches by result.",
		}, []string{"result"}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hlscache",
			Name:      "coalesced_requests_total",
			Help:      "Cache misses that joined an in-flight fetch.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hlscache",
			Name:      "pending_fetches",
			Help:      "Cache misses currently waiting on an upstream fetch.",
		}),
	}

	if u, ok := store.(usageReporter); ok {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hlscache", Name: "ram_bytes", Help: "Bytes held by the memory tier.",
		}, func() float64 { r, _, _ := u.Usage(); return float64(r) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hlscache", Name: "disk_bytes", Help: "Bytes held by the disk tier.",
		}, func() float64 { _, d, _ := u.Usage(); return float64(d) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hlscache", Name: "entries", Help: "Distinct cached URLs.",
		}, func() float64 { _, _, k := u.Usage(); return float64(k) })
	}
	return m
}

func (s *Service) statsLoop(every time.Duration) {
	u, ok := s.store.(usageReporter)
	if !ok {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ram, disk, keys := u.Usage()
			s.log.Info("cache usage",
				zap.Int("entries", keys),
				zap.String("ram", formatBytes(ram)),
				zap.String("disk", formatBytes(disk)))
		}
	}
}
