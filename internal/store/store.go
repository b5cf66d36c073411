// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jontk/wsi-scheduler/internal/eventbus"
	serrors "github.com/jontk/wsi-scheduler/pkg/errors"
	"github.com/jontk/wsi-scheduler/pkg/logging"
	"github.com/jontk/wsi-scheduler/pkg/metrics"
)

// Store is the sole owner and writer of Workflow and Job state. Every
// mutation is serialized by a single coarse lock, released before any event
// is published so a slow subscriber can never stall a writer.
type Store struct {
	mu sync.Mutex

	workflows map[string]*Workflow
	jobs      map[string]*Job
	jobsByWF  map[string][]string // workflow id -> job ids, insertion order

	maxJobsPerWorkflow int

	bus *eventbus.Bus
	reg *metrics.Registry
	log logging.Logger
}

// New builds an empty Store.
func New(maxJobsPerWorkflow int, bus *eventbus.Bus, reg *metrics.Registry, log logging.Logger) *Store {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Store{
		workflows:          make(map[string]*Workflow),
		jobs:               make(map[string]*Job),
		jobsByWF:           make(map[string][]string),
		maxJobsPerWorkflow: maxJobsPerWorkflow,
		bus:                bus,
		reg:                reg,
		log:                log,
	}
}

// CreateWorkflow creates and records a new workflow owned by tenantID.
func (s *Store) CreateWorkflow(_ context.Context, tenantID, name string) (Workflow, error) {
	s.mu.Lock()
	wf := &Workflow{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	s.workflows[wf.ID] = wf
	s.mu.Unlock()

	s.log.Debug("workflow created", "workflow_id", wf.ID, "tenant_id", tenantID)
	return *wf, nil
}

// CreateJobInput carries the caller-supplied fields of a new job.
type CreateJobInput struct {
	FileRef string
	Type    JobType
	Branch  string
}

// CreateJob creates a new PENDING job under workflowID, owned by tenantID.
func (s *Store) CreateJob(_ context.Context, tenantID, workflowID string, in CreateJobInput) (Job, error) {
	if !ValidJobType(in.Type) {
		return Job{}, serrors.NewInvalid("unknown job type").WithDetails(string(in.Type))
	}

	s.mu.Lock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		s.mu.Unlock()
		return Job{}, serrors.NewNotFound("workflow not found")
	}
	if wf.TenantID != tenantID {
		s.mu.Unlock()
		return Job{}, serrors.NewForbidden("workflow belongs to a different tenant")
	}
	if len(s.jobsByWF[workflowID]) >= s.maxJobsPerWorkflow {
		s.mu.Unlock()
		return Job{}, serrors.NewLimitExceeded("workflow has reached its job cap")
	}

	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		FileRef:    in.FileRef,
		Type:       in.Type,
		Branch:     in.Branch,
		State:      JobPending,
		CreatedAt:  now,
		PendingAt:  now,
	}
	s.jobs[job.ID] = job
	s.jobsByWF[workflowID] = append(s.jobsByWF[workflowID], job.ID)
	s.mu.Unlock()

	s.log.Debug("job created", "job_id", job.ID, "workflow_id", workflowID, "branch", in.Branch, "type", string(in.Type))
	return job.snapshot(), nil
}

// GetJob returns a tenant-scoped snapshot of a job.
func (s *Store) GetJob(_ context.Context, tenantID, jobID string) (Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Job{}, serrors.NewNotFound("job not found")
	}
	if job.TenantID != tenantID {
		return Job{}, serrors.NewForbidden("job belongs to a different tenant")
	}
	return job.snapshot(), nil
}

// GetJobInternal returns a job snapshot without tenant enforcement. It is
// for use by the Scheduler's own admission loop, which already reasons
// about jobs by id across tenants and enforces tenant scoping at its own
// public entry points (Start/Cancel/Retry/QueueStatus).
func (s *Store) GetJobInternal(jobID string) (Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Job{}, serrors.NewNotFound("job not found")
	}
	return job.snapshot(), nil
}

// GetWorkflow returns a tenant-scoped workflow aggregate.
func (s *Store) GetWorkflow(_ context.Context, tenantID, workflowID string) (WorkflowAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return WorkflowAggregate{}, serrors.NewNotFound("workflow not found")
	}
	if wf.TenantID != tenantID {
		return WorkflowAggregate{}, serrors.NewForbidden("workflow belongs to a different tenant")
	}
	return s.aggregateLocked(*wf), nil
}

// ListWorkflowJobs returns every job belonging to workflowID, in creation order.
func (s *Store) ListWorkflowJobs(_ context.Context, tenantID, workflowID string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, serrors.NewNotFound("workflow not found")
	}
	if wf.TenantID != tenantID {
		return nil, serrors.NewForbidden("workflow belongs to a different tenant")
	}

	ids := s.jobsByWF[workflowID]
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, s.jobs[id].snapshot())
	}
	return jobs, nil
}

// aggregateLocked computes a workflow's derived state. Caller must hold s.mu.
func (s *Store) aggregateLocked(wf Workflow) WorkflowAggregate {
	ids := s.jobsByWF[wf.ID]
	jobs := make([]Job, 0, len(ids))
	counts := make(map[JobState]int)

	var sum float64
	var counted int
	anyRunning, anyFailed, allSucceededOrCanceled := false, false, true

	for _, id := range ids {
		j := s.jobs[id].snapshot()
		jobs = append(jobs, j)
		counts[j.State]++

		switch j.State {
		case JobRunning:
			anyRunning = true
			allSucceededOrCanceled = false
		case JobFailed:
			anyFailed = true
			allSucceededOrCanceled = false
		case JobPending:
			allSucceededOrCanceled = false
		}

		switch j.State {
		case JobCanceled:
			// excluded from the progress mean
		case JobSucceeded:
			sum += 1.0
			counted++
		default:
			sum += j.Progress
			counted++
		}
	}

	var pct float64
	if counted > 0 {
		pct = sum / float64(counted)
	}

	state := WorkflowPending
	switch {
	case anyRunning:
		state = WorkflowRunning
	case allSucceededOrCanceled && len(ids) > 0:
		state = WorkflowSucceeded
	case anyFailed:
		state = WorkflowFailed
	}

	return WorkflowAggregate{
		Workflow:        wf,
		State:           state,
		PercentComplete: pct,
		JobCounts:       counts,
		Jobs:            jobs,
	}
}

// legalFrom is the job state machine's transition table: for each target
// state, the set of states a transition into it may originate from.
var legalFrom = map[JobState][]JobState{
	JobRunning:   {JobPending},
	JobSucceeded: {JobRunning},
	JobFailed:    {JobRunning},
	JobCanceled:  {JobPending},
	JobPending:   {JobSucceeded, JobFailed, JobCanceled}, // retry, from any terminal
}

// Transition atomically moves jobID from one of fromStates into toState,
// running mutator under the Store's lock before the state field itself is
// written. It fails with CONFLICT, leaving the job untouched, if the job's
// current state is not in fromStates. On success it publishes exactly one
// event to the job's subscribers and one to its workflow's subscribers, and
// returns the resulting snapshot.
func (s *Store) Transition(jobID string, fromStates []JobState, toState JobState, mutator func(*Job)) (Job, error) {
	if fromStates == nil {
		fromStates = legalFrom[toState]
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return Job{}, serrors.NewNotFound("job not found")
	}

	if !stateIn(job.State, fromStates) {
		s.mu.Unlock()
		s.log.Debug("rejected illegal transition", "job_id", jobID, "from", string(job.State), "to", string(toState))
		return Job{}, serrors.NewConflict("illegal transition").
			WithDetails(string(job.State) + " -> " + string(toState))
	}

	now := time.Now()
	if mutator != nil {
		mutator(job)
	}
	job.State = toState
	switch toState {
	case JobPending:
		job.PendingAt = now
	case JobRunning:
		job.RunningAt = now
	case JobSucceeded, JobFailed, JobCanceled:
		job.TerminalAt = now
	}

	snap := job.snapshot()
	if s.reg != nil && toState.terminal() {
		s.reg.JobsTotal.WithLabelValues(string(toState)).Inc()
	}
	s.mu.Unlock()

	s.log.Debug("job transitioned", "job_id", jobID, "to", string(toState))
	s.publish(snap)
	return snap, nil
}

// UpdateProgress records tile progress for a RUNNING job and publishes an
// event. Progress must be monotonic non-decreasing within a RUNNING episode;
// callers (the Executor) are the only writers of a job's own progress.
func (s *Store) UpdateProgress(jobID string, done, total int) (Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return Job{}, serrors.NewNotFound("job not found")
	}
	job.TilesDone = done
	job.TilesTotal = total
	if total > 0 {
		job.Progress = float64(done) / float64(total)
	}
	snap := job.snapshot()
	s.mu.Unlock()

	s.log.Debug("job progress updated", "job_id", jobID, "tiles_done", done, "tiles_total", total)
	s.publish(snap)
	return snap, nil
}

func (s *Store) publish(j Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(j.ID, eventbus.Event{
		EntityKind: eventbus.EntityJob,
		EntityID:   j.ID,
		State:      string(j.State),
		Progress:   j.Progress,
		TilesDone:  j.TilesDone,
		TilesTotal: j.TilesTotal,
		Reason:     j.Error,
		At:         time.Now(),
	})
	s.bus.Publish(j.WorkflowID, eventbus.Event{
		EntityKind: eventbus.EntityWorkflow,
		EntityID:   j.WorkflowID,
		State:      string(j.State),
		Progress:   j.Progress,
		At:         time.Now(),
	})
}

// Subscribe returns a bounded-buffer subscriber for an entity's events.
func (s *Store) Subscribe(entityID string) *eventbus.Subscriber {
	return s.bus.Subscribe(entityID)
}

func stateIn(state JobState, set []JobState) bool {
	for _, s := range set {
		if s == state {
			return true
		}
	}
	return false
}
