// Package metrics exposes pipeline progress to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethereum-optimism/optimism/op-service/httputil"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
	"github.com/asterisc-zk/chunkprover/rvgo/pipeline"
)

const Namespace = "chunkprover"

type Metrics struct {
	registry *prometheus.Registry
	factory  opmetrics.Factory

	chunksExecuted  prometheus.Counter
	chunksQueued    prometheus.Counter
	receiptsStored  prometheus.Counter
	cyclesProven    prometheus.Counter
	pagesFetched    prometheus.Counter
	pagesDirty      prometheus.Counter
	pageIns         prometheus.Gauge
	mcycle          prometheus.Gauge
	queueDepth      prometheus.Gauge
	executeDuration prometheus.Histogram
	proveDuration   prometheus.Histogram
}

var _ pipeline.Metricer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := opmetrics.NewRegistry()
	factory := opmetrics.With(registry)
	return &Metrics{
		registry: registry,
		factory:  factory,
		chunksExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "chunks_executed_total",
			Help:      "Number of chunks executed and verified against the machine",
		}),
		chunksQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "chunks_queued_total",
			Help:      "Number of chunks handed to the prover",
		}),
		receiptsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "receipts_stored_total",
			Help:      "Number of receipts written to storage",
		}),
		cyclesProven: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cycles_proven_total",
			Help:      "Number of machine cycles covered by stored receipts",
		}),
		pagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pages_fetched_total",
			Help:      "Number of pages committed to by executed chunks",
		}),
		pagesDirty: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pages_dirty_total",
			Help:      "Number of pages written by executed chunks",
		}),
		pageIns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "oracle_requests",
			Help:      "Number of page oracle requests served",
		}),
		mcycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "mcycle",
			Help:      "Cycle the driver and the machine last agreed on",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_depth",
			Help:      "Number of executed chunks waiting for a receipt",
		}),
		executeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "execute_duration_seconds",
			Help:      "Time to execute and verify a chunk",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		proveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "prove_duration_seconds",
			Help:      "Time to prove and store a chunk",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordChunkExecuted(r enclave.CycleRange, pageIns int, dirty int, elapsed time.Duration) {
	m.chunksExecuted.Inc()
	m.pagesFetched.Add(float64(pageIns))
	m.pagesDirty.Add(float64(dirty))
	m.executeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordChunkQueued(r enclave.CycleRange) {
	m.chunksQueued.Inc()
	m.queueDepth.Inc()
}

func (m *Metrics) RecordReceiptStored(r enclave.CycleRange, elapsed time.Duration) {
	m.receiptsStored.Inc()
	m.queueDepth.Dec()
	m.cyclesProven.Add(float64(r.End - r.Begin))
	m.proveDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordPageIns(total uint64) {
	m.pageIns.Set(float64(total))
}

func (m *Metrics) RecordCycle(mcycle uint64) {
	m.mcycle.Set(float64(mcycle))
}

func (m *Metrics) Document() []opmetrics.DocumentedMetric {
	return m.factory.Document()
}

// StartServer exposes the registry at /metrics on addr. The caller stops it.
func (m *Metrics) StartServer(logger log.Logger, addr string) (*httputil.HTTPServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}),
	))
	srv, err := httputil.StartHTTPServer(addr, mux)
	if err != nil {
		return nil, err
	}
	logger.Info("Serving metrics", "addr", srv.Addr())
	return srv, nil
}
