package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/YechenGu/curve/internal/copyset"
)

// CopysetCollector exposes copyset registry events as Prometheus metrics.
type CopysetCollector struct {
	copysets     prometheus.Gauge
	loadFinished prometheus.Gauge
	loadDuration prometheus.Histogram
	catchUp      *prometheus.CounterVec
	created      prometheus.Counter
	deleted      prometheus.Counter
	purged       *prometheus.CounterVec
}

var _ copyset.Observer = (*CopysetCollector)(nil)

// NewCopysetCollector creates a collector registered on the provided registry (default if nil).
func NewCopysetCollector(reg prometheus.Registerer, namespace string) *CopysetCollector {
	if namespace == "" {
		namespace = "curve"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &CopysetCollector{
		copysets: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "copyset_count",
			Help:      "Number of copysets registered on this chunkserver.",
		}),
		loadFinished: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "copyset_load_finished",
			Help:      "Whether startup loading of copysets has finished (1=yes, 0=no).",
		}),
		loadDuration: builder.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "copyset_load_seconds",
			Help:      "Time spent loading one copyset, catch-up wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		catchUp: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "copyset_catchup_total",
			Help:      "Catch-up check outcomes during loading.",
		}, []string{"result"}),
		created: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "copyset_created_total",
			Help:      "Copysets created through the copyset service.",
		}),
		deleted: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "copyset_deleted_total",
			Help:      "Copysets removed from the registry without touching data.",
		}),
		purged: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "copyset_purged_total",
			Help:      "Copyset purge attempts by outcome.",
		}, []string{"ok"}),
	}
}

func (c *CopysetCollector) CopysetCount(n int) { c.copysets.Set(float64(n)) }

func (c *CopysetCollector) LoadFinished(done bool) {
	if done {
		c.loadFinished.Set(1)
	} else {
		c.loadFinished.Set(0)
	}
}

func (c *CopysetCollector) CopysetLoaded(d time.Duration) { c.loadDuration.Observe(d.Seconds()) }

func (c *CopysetCollector) CatchUp(result copyset.CheckResult) {
	c.catchUp.WithLabelValues(result.String()).Inc()
}

func (c *CopysetCollector) CopysetCreated() { c.created.Inc() }

func (c *CopysetCollector) CopysetDeleted() { c.deleted.Inc() }

func (c *CopysetCollector) CopysetPurged(ok bool) {
	if ok {
		c.purged.WithLabelValues("true").Inc()
	} else {
		c.purged.WithLabelValues("false").Inc()
	}
}

// StartServer serves Prometheus metrics from g on addr until the context
// is canceled. A nil gatherer serves the default registry.
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer, log *zap.Logger) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}
