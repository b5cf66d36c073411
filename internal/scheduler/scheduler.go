// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package scheduler decides which PENDING jobs may become RUNNING under
// three simultaneous constraints: a global worker-slot budget, a per-branch
// serial lock, and a cap on the number of tenants with concurrently RUNNING
// jobs.
//
// Admission runs as a "wake up, scan, act" pass over the pending queue
// rather than a diff against last-seen state, and the tally-guarded
// double-checked-locking shape below admits queued jobs under the same lock
// that holds the resource counters, instead of lazily creating connections.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jontk/wsi-scheduler/internal/store"
	"github.com/jontk/wsi-scheduler/pkg/config"
	serrors "github.com/jontk/wsi-scheduler/pkg/errors"
	"github.com/jontk/wsi-scheduler/pkg/logging"
	"github.com/jontk/wsi-scheduler/pkg/metrics"
)

// ReasonCode is one of the non-admissibility reasons reported by QueueStatus.
type ReasonCode string

const (
	ReasonWorker   ReasonCode = "WORKER"
	ReasonBranch   ReasonCode = "BRANCH"
	ReasonUserSlot ReasonCode = "USER_SLOT"
)

// QueueStatus is the response shape for the queue_status operation.
type QueueStatus struct {
	Queued         bool
	WaitingFor     []ReasonCode
	ActiveUsers    int
	MaxActiveUsers int
	ActiveWorkers  int
	MaxWorkers     int
}

// Executor drives one admitted job to a terminal state. Run must not return
// until the job has reached SUCCEEDED or FAILED.
type Executor interface {
	Run(ctx context.Context, job store.Job)
}

// Scheduler owns the admission queue and the three resource tallies. Its
// selection pass and tally mutations are serialized by a single mutex; no
// I/O is ever performed while that mutex is held.
type Scheduler struct {
	cfg *config.Config
	st  *store.Store
	exec Executor
	reg *metrics.Registry
	log logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	queue         *list.List // FIFO of string job ids
	queued        map[string]*list.Element
	workerSlots   int
	activeTenants map[string]int // tenant id -> count of RUNNING jobs
	branchBusy    map[store.BranchKey]bool
}

// New builds a Scheduler. cfg.MaxWorkers seeds the worker-slot budget.
func New(cfg *config.Config, st *store.Store, exec Executor, reg *metrics.Registry, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:           cfg,
		st:            st,
		exec:          exec,
		reg:           reg,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
		queue:         list.New(),
		queued:        make(map[string]*list.Element),
		workerSlots:   cfg.MaxWorkers,
		activeTenants: make(map[string]int),
		branchBusy:    make(map[store.BranchKey]bool),
	}
	if reg != nil {
		reg.MaxWorkers.Set(float64(cfg.MaxWorkers))
	}
	return s
}

// Shutdown cancels the context passed to in-flight Executor.Run calls. Per
// the executor contract this is cooperative only: a tile already in flight
// is not interrupted.
func (s *Scheduler) Shutdown() {
	s.cancel()
}

// Start enqueues jobID at the admission queue's FIFO tail and runs a
// selection pass. The job remains PENDING until admitted.
func (s *Scheduler) Start(_ context.Context, tenantID, jobID string) error {
	job, err := s.st.GetJob(s.ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job.State != store.JobPending {
		return serrors.NewConflict("job is not PENDING").WithDetails(string(job.State))
	}

	s.enqueue(jobID)
	s.evaluate()
	return nil
}

// Cancel transitions a PENDING job to CANCELED and removes it from the
// admission queue. Fails with CONFLICT for any non-PENDING job.
func (s *Scheduler) Cancel(_ context.Context, tenantID, jobID string) error {
	job, err := s.st.GetJob(s.ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job.State != store.JobPending {
		return serrors.NewConflict("cancel is only legal from PENDING").WithDetails(string(job.State))
	}

	_, err = s.st.Transition(jobID, []store.JobState{store.JobPending}, store.JobCanceled, nil)
	if err != nil {
		return err
	}
	s.dequeue(jobID)
	return nil
}

// Retry resets a terminal job to PENDING and re-enqueues it at the FIFO
// tail. Fails with CONFLICT if the job is currently RUNNING.
func (s *Scheduler) Retry(_ context.Context, tenantID, jobID string) error {
	job, err := s.st.GetJob(s.ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job.State == store.JobRunning {
		return serrors.NewConflict("retry is not legal while RUNNING")
	}

	_, err = s.st.Transition(jobID, nil, store.JobPending, func(j *store.Job) {
		j.Progress = 0
		j.Error = ""
		j.TilesDone = 0
		j.TilesTotal = 0
		j.Artifacts = nil
	})
	if err != nil {
		return err
	}

	s.enqueue(jobID)
	s.evaluate()
	return nil
}

// QueueStatus reports a PENDING job's non-admissibility reasons, or
// {queued: false} for a job that isn't PENDING.
func (s *Scheduler) QueueStatus(_ context.Context, tenantID, jobID string) (QueueStatus, error) {
	job, err := s.st.GetJob(s.ctx, tenantID, jobID)
	if err != nil {
		return QueueStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	qs := QueueStatus{
		ActiveUsers:    len(s.activeTenants),
		MaxActiveUsers: s.cfg.MaxActiveUsers,
		ActiveWorkers:  s.cfg.MaxWorkers - s.workerSlots,
		MaxWorkers:     s.cfg.MaxWorkers,
	}

	if job.State != store.JobPending {
		qs.Queued = false
		return qs, nil
	}

	qs.Queued = true
	qs.WaitingFor = s.blockingReasonsLocked(job)
	return qs, nil
}

func (s *Scheduler) blockingReasonsLocked(job store.Job) []ReasonCode {
	var reasons []ReasonCode
	if s.workerSlots <= 0 {
		reasons = append(reasons, ReasonWorker)
	}
	key := store.BranchKey{WorkflowID: job.WorkflowID, Branch: job.Branch}
	if s.branchBusy[key] {
		reasons = append(reasons, ReasonBranch)
	}
	if _, active := s.activeTenants[job.TenantID]; !active && len(s.activeTenants) >= s.cfg.MaxActiveUsers {
		reasons = append(reasons, ReasonUserSlot)
	}
	return reasons
}

func (s *Scheduler) enqueue(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.queued[jobID]; already {
		return
	}
	s.queued[jobID] = s.queue.PushBack(jobID)
	s.updatePendingGaugeLocked()
}

func (s *Scheduler) dequeue(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeueLocked(jobID)
}

func (s *Scheduler) dequeueLocked(jobID string) {
	if elem, ok := s.queued[jobID]; ok {
		s.queue.Remove(elem)
		delete(s.queued, jobID)
		s.updatePendingGaugeLocked()
	}
}

func (s *Scheduler) updatePendingGaugeLocked() {
	if s.reg != nil {
		s.reg.PendingJobs.Set(float64(s.queue.Len()))
	}
}

// evaluate scans the admission queue in FIFO order, admitting every job that
// is currently admissible without stopping at the first one that is not.
// Dispatch to the Executor happens outside the lock.
func (s *Scheduler) evaluate() {
	var admitted []store.Job

	s.mu.Lock()
	for elem := s.queue.Front(); elem != nil && s.workerSlots > 0; {
		jobID := elem.Value.(string)
		next := elem.Next()

		job, err := s.st.GetJobInternal(jobID)
		if err != nil {
			// Job vanished from under us (should not happen in this
			// single-process core); drop it from the queue defensively.
			s.queue.Remove(elem)
			delete(s.queued, jobID)
			elem = next
			continue
		}

		key := store.BranchKey{WorkflowID: job.WorkflowID, Branch: job.Branch}
		_, tenantActive := s.activeTenants[job.TenantID]
		admissible := s.workerSlots > 0 &&
			!s.branchBusy[key] &&
			(tenantActive || len(s.activeTenants) < s.cfg.MaxActiveUsers)

		if admissible {
			s.queue.Remove(elem)
			delete(s.queued, jobID)
			s.workerSlots--
			s.branchBusy[key] = true
			s.activeTenants[job.TenantID]++

			admitted = append(admitted, job)
		}
		elem = next
	}
	queueLen := s.queue.Len()
	s.updatePendingGaugeLocked()
	s.updateResourceGaugesLocked()
	s.mu.Unlock()

	s.log.Debug("admission pass complete", "admitted", len(admitted), "queue_len", queueLen)

	for _, job := range admitted {
		s.dispatch(job)
	}
}

func (s *Scheduler) dispatch(job store.Job) {
	running, err := s.st.Transition(job.ID, []store.JobState{store.JobPending}, store.JobRunning, nil)
	if err != nil {
		// Lost a race to another admission path; release what we reserved.
		s.log.Warn("lost admission race, releasing reserved resources", "job_id", job.ID, "error", err)
		s.release(job.WorkflowID, job.Branch, job.TenantID)
		return
	}

	logging.LogAdmission(s.log, job.ID, job.Branch, "workflow_id", job.WorkflowID, "tenant_id", job.TenantID).Info("job admitted")

	go func() {
		start := time.Now()
		s.exec.Run(s.ctx, running)
		logging.LogDuration(s.log, start, "job run")
		s.release(job.WorkflowID, job.Branch, job.TenantID)
		s.evaluate()
	}()
}

// release returns a terminated job's reserved resources to the tallies.
func (s *Scheduler) release(workflowID, branch, tenantID string) {
	s.mu.Lock()
	s.workerSlots++
	delete(s.branchBusy, store.BranchKey{WorkflowID: workflowID, Branch: branch})
	if s.activeTenants[tenantID] <= 1 {
		delete(s.activeTenants, tenantID)
	} else {
		s.activeTenants[tenantID]--
	}
	s.updateResourceGaugesLocked()
	s.mu.Unlock()

	s.log.Debug("released job resources", "workflow_id", workflowID, "branch", branch, "tenant_id", tenantID)
}

func (s *Scheduler) updateResourceGaugesLocked() {
	if s.reg == nil {
		return
	}
	s.reg.ActiveWorkers.Set(float64(s.cfg.MaxWorkers - s.workerSlots))
	s.reg.ActiveTenants.Set(float64(len(s.activeTenants)))
	s.reg.BranchesBusy.Set(float64(len(s.branchBusy)))
}
