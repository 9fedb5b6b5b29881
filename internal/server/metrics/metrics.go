// Package metrics exposes Prometheus counters for the review pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "texcouncil"

type Metrics struct {
	contributionsCreated prometheus.Counter
	duplicateUploads     prometheus.Counter
	votesCast            *prometheus.CounterVec
	pollsFinalized       *prometheus.CounterVec
	reconcileRuns        *prometheus.CounterVec
	reconcileChanges     *prometheus.CounterVec
	modTextures          *prometheus.CounterVec
	forkOpsInFlight      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		contributionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contributions_created_total",
			Help:      "Contributions created from uploads or fork reconciliation.",
		}),
		duplicateUploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_uploads_total",
			Help:      "Uploads rejected because identical content is already active.",
		}),
		votesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_cast_total",
			Help:      "Council votes recorded, by choice.",
		}, []string{"choice"}),
		pollsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_finalized_total",
			Help:      "Polls that reached a decision, by resulting status.",
		}, []string{"status"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Fork reconciliation runs, by result.",
		}, []string{"result"}),
		reconcileChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_changes_total",
			Help:      "Contribution changes applied by reconciliation, by operation.",
		}, []string{"op"}),
		modTextures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mod_textures_ingested_total",
			Help:      "Images processed from mod archives, by outcome.",
		}, []string{"outcome"}),
		forkOpsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fork_operations_in_flight",
			Help:      "Fork creations currently running.",
		}),
	}

	reg.MustRegister(
		m.contributionsCreated,
		m.duplicateUploads,
		m.votesCast,
		m.pollsFinalized,
		m.reconcileRuns,
		m.reconcileChanges,
		m.modTextures,
		m.forkOpsInFlight,
	)
	return m
}

func (m *Metrics) ContributionCreated() {
	if m == nil {
		return
	}
	m.contributionsCreated.Inc()
}

func (m *Metrics) DuplicateUpload() {
	if m == nil {
		return
	}
	m.duplicateUploads.Inc()
}

func (m *Metrics) VoteCast(choice string) {
	if m == nil {
		return
	}
	m.votesCast.WithLabelValues(choice).Inc()
}

func (m *Metrics) PollFinalized(status string) {
	if m == nil {
		return
	}
	m.pollsFinalized.WithLabelValues(status).Inc()
}

func (m *Metrics) ReconcileRun(result string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ReconcileChanges(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconcileChanges.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) ModTextureIngested(outcome string) {
	if m == nil {
		return
	}
	m.modTextures.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ForkOperationStarted() {
	if m == nil {
		return
	}
	m.forkOpsInFlight.Inc()
}

func (m *Metrics) ForkOperationDone() {
	if m == nil {
		return
	}
	m.forkOpsInFlight.Dec()
}
