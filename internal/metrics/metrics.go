package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
)

const DefaultNamespace = "burstscan"

// Collector exposes scan events as Prometheus metrics. It registers on its own
// registry so several scanners can run in one process.
type Collector struct {
	registry *prometheus.Registry

	captures         *prometheus.CounterVec // closed captures (by reason)
	capturedSamples  prometheus.Counter     // complex samples written
	capturedBytes    prometheus.Counter     // bytes written before compression
	dwells           prometheus.Counter     // finished dwells
	emptyReads       prometheus.Counter     // reads returning no samples
	faults           *prometheus.CounterVec // faults (by kind)
	triggers         prometheus.Counter     // chunks over the trigger threshold
	noiseFloor       *prometheus.GaugeVec   // last floor estimate (by frequency)
	captureDuration  prometheus.Histogram   // capture length in seconds
	currentFrequency prometheus.Gauge       // frequency of the running dwell
}

var _ scanner.Observer = (*Collector)(nil)

// New creates the collectors under the given namespace
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		captures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_total",
				Help:      "Captures closed, by close reason",
			},
			[]string{"reason"},
		),
		capturedSamples: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_samples_total",
			Help:      "Complex samples written to capture files",
		}),
		capturedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_bytes_total",
			Help:      "Raw sample bytes written to capture files",
		}),
		dwells: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dwells_total",
			Help:      "Dwells completed or aborted",
		}),
		emptyReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_reads_total",
			Help:      "Reads that timed out without samples",
		}),
		faults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Faults, by kind",
			},
			[]string{"kind"},
		),
		triggers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Chunks with energy over the trigger threshold",
		}),
		noiseFloor: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "noise_floor_rms",
				Help:      "Noise floor estimate at the end of the last dwell, by frequency",
			},
			[]string{"frequency"},
		),
		captureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Length of closed captures",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		currentFrequency: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_frequency_hz",
			Help:      "Center frequency of the running dwell, 0 between dwells",
		}),
	}
}

// Gatherer returns the registry holding the collectors
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) DwellStarted(info scanner.DwellInfo) {
	c.currentFrequency.Set(float64(info.FrequencyHz))
}

func (c *Collector) DwellFinished(stats scanner.DwellStats) {
	c.currentFrequency.Set(0)
	c.dwells.Inc()
	c.triggers.Add(float64(stats.Triggers))
	c.emptyReads.Add(float64(stats.EmptyReads))

	if stats.Warm {
		c.noiseFloor.WithLabelValues(strconv.FormatInt(stats.FrequencyHz, 10)).Set(stats.Floor)
	}
}

func (c *Collector) CaptureClosed(summary capture.Summary) {
	c.captures.WithLabelValues(summary.Reason.String()).Inc()
	c.capturedSamples.Add(float64(summary.SamplesCaptured))
	c.capturedBytes.Add(float64(summary.Bytes))
	c.captureDuration.Observe(summary.DurationEst)
}

func (c *Collector) Fault(fault scanner.Fault) {
	c.faults.WithLabelValues(string(fault.Kind)).Inc()
}
