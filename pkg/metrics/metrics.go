// Package metrics holds the toolbar's prometheus instruments. A Recorder owns
// its registry so several engines can live in one process (and in tests).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flagd_toolbar"

type Recorder struct {
	registry         *prometheus.Registry
	syncPasses       prometheus.Counter
	catalogFetches   prometheus.Counter
	syncErrors       *prometheus.CounterVec
	mutations        *prometheus.CounterVec
	reconcilePatches prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		syncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Dev server sync passes that completed.",
		}),
		catalogFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_fetches_total",
			Help:      "Flag catalog fetches from the remote API.",
		}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Failed dev server operations by kind.",
		}, []string{"kind"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "override_mutations_total",
			Help:      "Override writes and deletes by operation and result.",
		}, []string{"op", "result"}),
		reconcilePatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_patches_total",
			Help:      "Incremental patches applied to the SDK-mode flag view.",
		}),
	}
	r.registry.MustRegister(r.syncPasses, r.catalogFetches, r.syncErrors, r.mutations, r.reconcilePatches)
	return r
}

// The methods below accept a nil receiver so callers never need to check
// whether metrics are configured.

func (r *Recorder) SyncPass() {
	if r != nil {
		r.syncPasses.Inc()
	}
}

func (r *Recorder) CatalogFetch() {
	if r != nil {
		r.catalogFetches.Inc()
	}
}

func (r *Recorder) SyncError(kind string) {
	if r != nil {
		r.syncErrors.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) Mutation(op string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.mutations.WithLabelValues(op, result).Inc()
}

func (r *Recorder) LocalPatch() {
	if r != nil {
		r.reconcilePatches.Inc()
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
