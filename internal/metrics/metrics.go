// Package metrics declares the Prometheus instruments this connector
// exposes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CommitRoundsTotal counts completed commit rounds by outcome:
	// success, timeout, or error.
	CommitRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesink_commit_rounds_total",
			Help: "Commit rounds by outcome (success, timeout, error).",
		},
		[]string{"outcome"},
	)

	// CommitRoundDuration measures wall-clock time of a successful round's
	// completion: from the start of the per-table catalog commits through
	// the CommitTable/CommitComplete send and the control cursor advance.
	CommitRoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablesink_commit_round_duration_seconds",
			Help:    "Time to commit all tables in a completed commit round.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// SnapshotsCommittedTotal counts catalog snapshots committed per
	// table, including duplicate-commit skips (the catalog call still
	// happens and still returns a result even when it is a no-op).
	SnapshotsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesink_snapshots_committed_total",
			Help: "Catalog snapshots committed, by table.",
		},
		[]string{"table"},
	)

	// DynamicRouteMisses counts records dropped by dynamic routing
	// because their route value named a table the catalog does not know
	// about. The drop is silent by design; this counter is the only
	// place it surfaces.
	DynamicRouteMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesink_dynamic_route_miss_total",
			Help: "Records dropped by dynamic routing because the attempted table does not exist.",
		},
		[]string{"table"},
	)

	// StagedFilesTotal counts data/delete files staged by per-table
	// writers, by table and file kind.
	StagedFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesink_staged_files_total",
			Help: "Files staged by per-table writers, by table and kind (data, delete).",
		},
		[]string{"table", "kind"},
	)

	// StagedBytesTotal sums the byte size of staged files, by table.
	StagedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesink_staged_bytes_total",
			Help: "Bytes staged by per-table writers, by table.",
		},
		[]string{"table"},
	)

	// CatalogMigrationsAppliedTotal counts catalog schema migrations
	// applied at startup, by version.
	CatalogMigrationsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesink_catalog_migrations_applied_total",
			Help: "Catalog schema migrations applied, by version.",
		},
		[]string{"version"},
	)

	// ControlChannelErrorsTotal counts transient control-channel errors
	// (produce/consume/admin failures) that were retried rather than
	// surfaced as a task failure.
	ControlChannelErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesink_control_channel_errors_total",
			Help: "Transient control-channel errors, by operation.",
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

// Register registers every metric above with the default registry.
// Called once from main; safe to call more than once (e.g. from multiple
// test packages in the same binary).
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CommitRoundsTotal,
			CommitRoundDuration,
			SnapshotsCommittedTotal,
			DynamicRouteMisses,
			StagedFilesTotal,
			StagedBytesTotal,
			CatalogMigrationsAppliedTotal,
			ControlChannelErrorsTotal,
		)
	})
}
