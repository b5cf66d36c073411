// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

/*
Package wsischeduler provides the admission scheduler, job lifecycle store, event
bus, and tiled-execution driver for running long-lived, tile-based image-inference
jobs over whole-slide images (WSI) on behalf of multiple tenants.

# Overview

A Workflow belongs to a tenant and holds a growing set of Jobs. Each Job targets a
branch (an ordered pair of workflow id and branch label) and a job type (one of
SEGMENT_CELLS, TISSUE_MASK). Starting a job enqueues it with the Scheduler, which
admits PENDING jobs onto a fixed worker pool under three simultaneous constraints:
a global worker cap, a per-branch serial lock, and a cap on the number of distinct
tenants with concurrently RUNNING jobs. Admitted jobs are handed to the Executor,
which tiles the input image, invokes a pluggable per-tile inference function,
publishes progress through the Store into the EventBus, and writes artifacts
atomically on completion.

# Architecture

	store       — owns Workflow/Job state and the atomic transition primitive
	eventbus    — fans out per-entity update events to bounded subscriber buffers
	scheduler   — admission policy: worker slots, branch locks, active-tenant cap
	executor    — drives one admitted job: tiling, inference, artifacts
	inference   — pluggable per-tile inference function variants
	config      — immutable configuration loaded once at startup
	errors      — typed error kinds shared across the whole module
	logging     — structured logging built on log/slog
	metrics     — Prometheus gauges/counters for scheduler and store state

# Basic usage

	cfg := config.NewDefault()
	log := logging.NewLogger(logging.DefaultConfig())
	reg := metrics.NewRegistry()

	bus := eventbus.New()
	st := store.New(cfg.MaxJobsPerWorkflow, bus, reg, log)
	infer := inference.NewRegistry(cfg.EnableInstantSeg)
	exec := executor.New(cfg, st, infer, reg, log, "results")
	sch := scheduler.New(cfg, st, exec, reg, log)

	wf, _ := st.CreateWorkflow(ctx, tenantID, "slide-batch-1")
	job, _ := st.CreateJob(ctx, tenantID, wf.ID, store.CreateJobInput{
	    FileRef: "uploads/abc123.svs",
	    Type:    store.TypeSegmentCells,
	    Branch:  "A",
	})
	_ = sch.Start(ctx, tenantID, job.ID)

See SPEC_FULL.md in the repository root for the full requirements this package
implements, and DESIGN.md for the grounding of each component in prior art.
*/
package wsischeduler
