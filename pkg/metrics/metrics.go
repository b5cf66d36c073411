// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the scheduler's resource tallies and job-state
// counters as Prometheus gauges and counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps a prometheus.Registry with the gauges and counters the
// scheduler, store, and executor update directly.
type Registry struct {
	reg *prometheus.Registry

	ActiveWorkers prometheus.Gauge
	MaxWorkers    prometheus.Gauge
	ActiveTenants prometheus.Gauge
	BranchesBusy  prometheus.Gauge
	PendingJobs   prometheus.Gauge
	JobsTotal     *prometheus.CounterVec
	TilesDone     prometheus.Counter
}

// NewRegistry builds a Registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsi_scheduler",
			Name:      "active_workers",
			Help:      "Number of worker slots currently occupied by RUNNING jobs.",
		}),
		MaxWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsi_scheduler",
			Name:      "max_workers",
			Help:      "Configured worker slot budget.",
		}),
		ActiveTenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsi_scheduler",
			Name:      "active_tenants",
			Help:      "Number of tenants with at least one RUNNING job.",
		}),
		BranchesBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsi_scheduler",
			Name:      "branches_busy",
			Help:      "Number of (workflow, branch) pairs currently RUNNING.",
		}),
		PendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsi_scheduler",
			Name:      "pending_jobs",
			Help:      "Number of jobs currently in the admission queue.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsi_scheduler",
			Name:      "jobs_total",
			Help:      "Count of jobs that have reached each terminal state.",
		}, []string{"state"}),
		TilesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsi_scheduler",
			Name:      "tiles_done_total",
			Help:      "Count of tiles processed across all jobs.",
		}),
	}

	reg.MustRegister(r.ActiveWorkers, r.MaxWorkers, r.ActiveTenants, r.BranchesBusy, r.PendingJobs, r.JobsTotal, r.TilesDone)
	return r
}

// Gatherer exposes the underlying registry for a metrics-scrape endpoint, kept
// outside this module's scope (the HTTP transport surface is external).
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
