package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/taskgate/pkg/store"
)

const namespace = "taskgate"

// Metrics holds the coordinator's Prometheus instruments. Each instance
// owns its registry so tests never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	SuspensionsRegistered prometheus.Counter
	SuspensionConflicts   prometheus.Counter
	Callbacks             *prometheus.CounterVec
	CallbacksNotFound     prometheus.Counter
	ResumeFailures        prometheus.Counter
	StaleRecords          prometheus.Counter
	Reclaimed             prometheus.Counter
	ServiceRequests       *prometheus.CounterVec
	ResolveDuration       prometheus.Histogram
}

// New creates the instruments and registers the Go and process collectors
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SuspensionsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspensions_registered_total",
			Help:      "Suspensions successfully registered",
		}),
		SuspensionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspension_conflicts_total",
			Help:      "Registrations rejected because a live suspension held the key",
		}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Callbacks that resumed an execution, by outcome",
		}, []string{"outcome"}),
		CallbacksNotFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_not_found_total",
			Help:      "Callbacks with no live suspension",
		}),
		ResumeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_failures_total",
			Help:      "Engine resume calls that failed; the suspension was kept",
		}),
		StaleRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_records_total",
			Help:      "Suspensions left behind after a resume because the delete failed",
		}),
		Reclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaimed_total",
			Help:      "Expired suspensions physically removed by the reclaimer",
		}),
		ServiceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_requests_total",
			Help:      "Downstream service invocations, by service and status",
		}, []string{"service", "status"}),
		ResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Time from callback receipt to engine resume and delete",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the registry for additional collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchStore registers gauges that read store occupancy at scrape time
func (m *Metrics) WatchStore(s store.Store) {
	m.registry.MustRegister(&storeCollector{store: s})
}

var (
	liveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "suspensions_live"),
		"Suspensions currently resolvable", nil, nil)
	expiredDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "suspensions_expired"),
		"Expired suspensions not yet reclaimed", nil, nil)
	claimedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "suspensions_claimed"),
		"Suspensions held by an in-flight callback", nil, nil)
)

// storeCollector queries the store on every scrape, like the store-backed
// exporters before it, rather than mirroring counts in memory
type storeCollector struct {
	store store.Store
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- liveDesc
	ch <- expiredDesc
	ch <- claimedDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(liveDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(liveDesc, prometheus.GaugeValue, float64(stats.Live))
	ch <- prometheus.MustNewConstMetric(expiredDesc, prometheus.GaugeValue, float64(stats.Expired))
	ch <- prometheus.MustNewConstMetric(claimedDesc, prometheus.GaugeValue, float64(stats.Claimed))
}
