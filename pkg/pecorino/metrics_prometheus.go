package pecorino

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder implements MetricsRecorder on top of a
// Prometheus registry. Counter-style Add calls and histogram-style Observe
// calls are both routed through ad-hoc CounterVec/HistogramVec instances
// keyed by metric name, created lazily on first use.
//
// A custom registry (rather than prometheus.DefaultRegisterer) is used so
// that multiple throttles/tests can run with isolated metrics.
type PrometheusMetricsRecorder struct {
	registry   *prometheus.Registry
	namespace  string
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
	mu         chan struct{} // 1-buffered channel used as a cheap mutex
}

// NewPrometheusMetricsRecorder creates a recorder backed by a fresh
// registry. namespace is prefixed to every metric name (pass "" for none).
func NewPrometheusMetricsRecorder(namespace string) *PrometheusMetricsRecorder {
	r := &PrometheusMetricsRecorder{
		registry:   prometheus.NewRegistry(),
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
		mu:         make(chan struct{}, 1),
	}
	r.mu <- struct{}{}
	return r
}

// Registry returns the underlying Prometheus registry, suitable for
// promhttp.HandlerFor.
func (r *PrometheusMetricsRecorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusMetricsRecorder) lock() {
	<-r.mu
}

func (r *PrometheusMetricsRecorder) unlock() {
	r.mu <- struct{}{}
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func (r *PrometheusMetricsRecorder) metricName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// Add increments a Prometheus counter named name, creating it (and its
// label set, derived from tags' keys) on first use.
func (r *PrometheusMetricsRecorder) Add(name string, value float64, tags map[string]string) {
	r.lock()
	defer r.unlock()

	labelNames := sortedKeys(tags)
	counter, ok := r.counters[name]
	if !ok {
		counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: r.metricName(name),
			Help: "pecorino counter " + name,
		}, labelNames)
		r.registry.MustRegister(counter)
		r.counters[name] = counter
		r.labelNames[name] = labelNames
	}

	values := make([]string, len(labelNames))
	for i, k := range labelNames {
		values[i] = tags[k]
	}
	counter.WithLabelValues(values...).Add(value)
}

// Observe records a sample in a Prometheus histogram named name, creating
// it (and its label set) on first use.
func (r *PrometheusMetricsRecorder) Observe(name string, value float64, tags map[string]string) {
	r.lock()
	defer r.unlock()

	labelNames := sortedKeys(tags)
	hist, ok := r.histograms[name]
	if !ok {
		hist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    r.metricName(name),
			Help:    "pecorino histogram " + name,
			Buckets: prometheus.DefBuckets,
		}, labelNames)
		r.registry.MustRegister(hist)
		r.histograms[name] = hist
		r.labelNames[name] = labelNames
	}

	values := make([]string, len(labelNames))
	for i, k := range labelNames {
		values[i] = tags[k]
	}
	hist.WithLabelValues(values...).Observe(value)
}

var _ MetricsRecorder = (*PrometheusMetricsRecorder)(nil)
