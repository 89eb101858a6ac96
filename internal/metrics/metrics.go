// Package metrics exposes run progress as Prometheus gauges, written to a
// node-exporter textfile so scheduled runs can be scraped after they exit.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reloquent/carryover/internal/migration"
)

const namespace = "carryover"

var allStates = []migration.State{
	migration.StatePending,
	migration.StateMirroringContent,
	migration.StateReconcilingContent,
	migration.StateRebuildingRepositories,
	migration.StateRebuildingDistributions,
	migration.StateComplete,
	migration.StateFailed,
}

// Recorder mirrors run status snapshots into a private registry.
type Recorder struct {
	registry *prometheus.Registry

	content    *prometheus.GaugeVec
	total      *prometheus.GaugeVec
	structure  *prometheus.GaugeVec
	state      *prometheus.GaugeVec
	failures   prometheus.Gauge
	retries    prometheus.Gauge
	elapsed    prometheus.Gauge
	lastFinish *prometheus.GaugeVec
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		content: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_units",
			Help:      "Content units handled in the current run by type and outcome.",
		}, []string{"type", "outcome"}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_units_legacy",
			Help:      "Content units present in the legacy store by type.",
		}, []string{"type"}),
		structure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "structure_objects",
			Help:      "Repositories, remotes and distributions handled in the current run.",
		}, []string{"kind", "action"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "1 for the state the current run is in.",
		}, []string{"plan", "state"}),
		failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_failures",
			Help:      "Items that failed in the current run.",
		}),
		retries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_retries",
			Help:      "Transient errors retried in the current run.",
		}),
		elapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the current run.",
		}),
		lastFinish: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_finished_timestamp_seconds",
			Help:      "Unix time the last run of a plan finished, by outcome.",
		}, []string{"plan", "outcome"}),
	}
	r.registry.MustRegister(r.content, r.total, r.structure, r.state,
		r.failures, r.retries, r.elapsed, r.lastFinish)
	return r
}

// Registry returns the registry the gauges live in.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe updates every gauge from a status snapshot. It has the shape of
// a migration.StatusCallback.
func (r *Recorder) Observe(s *migration.Status) {
	for _, ts := range s.Types {
		r.total.WithLabelValues(ts.TypeID).Set(float64(ts.Total))
		r.content.WithLabelValues(ts.TypeID, "created").Set(float64(ts.Created))
		r.content.WithLabelValues(ts.TypeID, "linked").Set(float64(ts.Linked))
		r.content.WithLabelValues(ts.TypeID, "skipped").Set(float64(ts.Skipped))
		r.content.WithLabelValues(ts.TypeID, "failed").Set(float64(ts.Failed))
	}
	setStructure(r.structure, "repository", s.Repositories)
	setStructure(r.structure, "remote", s.Remotes)
	setStructure(r.structure, "distribution", s.Distributions)

	for _, st := range allStates {
		v := 0.0
		if st == s.State {
			v = 1
		}
		r.state.WithLabelValues(s.Plan, string(st)).Set(v)
	}
	r.failures.Set(float64(s.FailureCount))
	r.retries.Set(float64(s.Retries))
	r.elapsed.Set(s.ElapsedTime.Seconds())
	if s.FinishedAt != nil {
		r.lastFinish.WithLabelValues(s.Plan, s.Outcome).Set(float64(s.FinishedAt.Unix()))
	}
}

func setStructure(g *prometheus.GaugeVec, kind string, c migration.StructureCounts) {
	g.WithLabelValues(kind, "created").Set(float64(c.Created))
	g.WithLabelValues(kind, "updated").Set(float64(c.Updated))
	g.WithLabelValues(kind, "unchanged").Set(float64(c.Unchanged))
	g.WithLabelValues(kind, "skipped").Set(float64(c.Skipped))
	g.WithLabelValues(kind, "failed").Set(float64(c.Failed))
}

// WriteTextfile writes the current values in the text exposition format.
// The file is replaced atomically; missing parent directories are created.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory for %s: %w", path, err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
