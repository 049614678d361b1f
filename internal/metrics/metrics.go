// Package metrics defines Prometheus metrics for a migration run.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one run. All methods are safe on a nil
// receiver, so components can be built without metrics in tests.
type Metrics struct {
	Registry *prometheus.Registry

	RecordsStored       *prometheus.CounterVec
	Collisions          *prometheus.CounterVec
	PromisesDelivered   *prometheus.CounterVec
	PromiseRedeliveries *prometheus.CounterVec
	FailedPromises      *prometheus.CounterVec
	PrunedElements      prometheus.Counter
	StoreCommits        *prometheus.GaugeVec
	StoreCacheMisses    *prometheus.GaugeVec
	TreeNodesResolved   prometheus.Counter
	RecordsEmitted      prometheus.Counter
	RecordsRejected     prometheus.Counter
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		RecordsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidermigrate_records_stored_total",
				Help: "Records accepted into a category store",
			},
			[]string{"category"},
		),
		Collisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidermigrate_id_collisions_total",
				Help: "Records rejected because their id already existed in the category",
			},
			[]string{"category"},
		),
		PromisesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidermigrate_promises_delivered_total",
				Help: "Promises delivered for the first time",
			},
			[]string{"kind"},
		),
		PromiseRedeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidermigrate_promise_redeliveries_total",
				Help: "Deliveries ignored because the promise was already delivered",
			},
			[]string{"kind"},
		),
		FailedPromises: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidermigrate_failed_promises_total",
				Help: "Placeholders left unresolved at emission",
			},
			[]string{"kind"},
		),
		PrunedElements: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cidermigrate_pruned_elements_total",
				Help: "Array elements dropped because they carried a failed promise",
			},
		),
		StoreCommits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cidermigrate_store_commits",
				Help: "Commits performed by each category store",
			},
			[]string{"category"},
		),
		StoreCacheMisses: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cidermigrate_store_cache_misses",
				Help: "Reads served from disk by each category store",
			},
			[]string{"category"},
		),
		TreeNodesResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cidermigrate_tree_nodes_resolved_total",
				Help: "Tree nodes assigned an owning collection",
			},
		),
		RecordsEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cidermigrate_records_emitted_total",
				Help: "Records written to the export stream",
			},
		),
		RecordsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cidermigrate_records_rejected_total",
				Help: "Records rejected by validation",
			},
		),
	}

	m.Registry.MustRegister(
		m.RecordsStored, m.Collisions,
		m.PromisesDelivered, m.PromiseRedeliveries, m.FailedPromises,
		m.PrunedElements, m.StoreCommits, m.StoreCacheMisses,
		m.TreeNodesResolved, m.RecordsEmitted, m.RecordsRejected,
	)
	return m
}

func (m *Metrics) RecordStored(category string) {
	if m == nil {
		return
	}
	m.RecordsStored.WithLabelValues(category).Inc()
}

func (m *Metrics) Collision(category string) {
	if m == nil {
		return
	}
	m.Collisions.WithLabelValues(category).Inc()
}

// PromiseDelivery counts a delivery attempt by outcome.
func (m *Metrics) PromiseDelivery(kind string, delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.PromisesDelivered.WithLabelValues(kind).Inc()
	} else {
		m.PromiseRedeliveries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FailedPromise(kind string) {
	if m == nil {
		return
	}
	m.FailedPromises.WithLabelValues(kind).Inc()
}

func (m *Metrics) Pruned() {
	if m == nil {
		return
	}
	m.PrunedElements.Inc()
}

// StoreStats publishes a category store's counters.
func (m *Metrics) StoreStats(category string, commits, misses int) {
	if m == nil {
		return
	}
	m.StoreCommits.WithLabelValues(category).Set(float64(commits))
	m.StoreCacheMisses.WithLabelValues(category).Set(float64(misses))
}

func (m *Metrics) NodesResolved(n int) {
	if m == nil {
		return
	}
	m.TreeNodesResolved.Add(float64(n))
}

func (m *Metrics) Emitted() {
	if m == nil {
		return
	}
	m.RecordsEmitted.Inc()
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.RecordsRejected.Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
