// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/wsi-scheduler/internal/eventbus"
	"github.com/jontk/wsi-scheduler/internal/store"
	serrors "github.com/jontk/wsi-scheduler/pkg/errors"
	"github.com/jontk/wsi-scheduler/pkg/metrics"
)

func newTestStore(t *testing.T) (*store.Store, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	return store.New(10, bus, metrics.NewRegistry(), nil), bus
}

func TestCreateJobRejectsUnknownWorkflow(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateJob(context.Background(), "t1", "missing", store.CreateJobInput{Type: store.TypeTissueMask})
	require.Error(t, err)
	assert.True(t, serrors.Is(err, serrors.NotFound))
}

func TestCreateJobRejectsTenantMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	wf, err := s.CreateWorkflow(context.Background(), "t1", "wf")
	require.NoError(t, err)

	_, err = s.CreateJob(context.Background(), "t2", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})
	require.Error(t, err)
	assert.True(t, serrors.Is(err, serrors.Forbidden))
}

func TestCreateJobRejectsUnknownType(t *testing.T) {
	s, _ := newTestStore(t)
	wf, err := s.CreateWorkflow(context.Background(), "t1", "wf")
	require.NoError(t, err)

	_, err = s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: "BOGUS"})
	require.Error(t, err)
	assert.True(t, serrors.Is(err, serrors.Invalid))
}

func TestCreateJobEnforcesWorkflowCap(t *testing.T) {
	bus := eventbus.New()
	s := store.New(2, bus, metrics.NewRegistry(), nil)
	wf, err := s.CreateWorkflow(context.Background(), "t1", "wf")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})
		require.NoError(t, err)
	}

	_, err = s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})
	require.Error(t, err)
	assert.True(t, serrors.Is(err, serrors.LimitExceeded))
}

func TestGetJobEnforcesTenantIsolation(t *testing.T) {
	s, _ := newTestStore(t)
	wf, _ := s.CreateWorkflow(context.Background(), "t1", "wf")
	job, _ := s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})

	_, err := s.GetJob(context.Background(), "t2", job.ID)
	require.Error(t, err)
	assert.True(t, serrors.Is(err, serrors.Forbidden))

	got, err := s.GetJob(context.Background(), "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestTransitionRejectsIllegalSource(t *testing.T) {
	s, _ := newTestStore(t)
	wf, _ := s.CreateWorkflow(context.Background(), "t1", "wf")
	job, _ := s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})

	// Cannot go straight to SUCCEEDED from PENDING.
	_, err := s.Transition(job.ID, nil, store.JobSucceeded, nil)
	require.Error(t, err)
	assert.True(t, serrors.Is(err, serrors.Conflict))

	got, _ := s.GetJob(context.Background(), "t1", job.ID)
	assert.Equal(t, store.JobPending, got.State, "job must be untouched after a failed transition")
}

func TestRetryResetsProgressAndErrorFromAnyTerminal(t *testing.T) {
	s, _ := newTestStore(t)
	wf, _ := s.CreateWorkflow(context.Background(), "t1", "wf")
	job, _ := s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})

	_, err := s.Transition(job.ID, nil, store.JobRunning, nil)
	require.NoError(t, err)
	_, err = s.UpdateProgress(job.ID, 3, 10)
	require.NoError(t, err)

	_, err = s.Transition(job.ID, nil, store.JobFailed, func(j *store.Job) { j.Error = "boom" })
	require.NoError(t, err)

	retried, err := s.Transition(job.ID, nil, store.JobPending, func(j *store.Job) {
		j.Progress = 0
		j.Error = ""
		j.TilesDone = 0
		j.TilesTotal = 0
	})
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, retried.State)
	assert.Equal(t, 0.0, retried.Progress)
	assert.Equal(t, "", retried.Error)
}

func TestRetryRejectedWhileRunning(t *testing.T) {
	s, _ := newTestStore(t)
	wf, _ := s.CreateWorkflow(context.Background(), "t1", "wf")
	job, _ := s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})
	_, err := s.Transition(job.ID, nil, store.JobRunning, nil)
	require.NoError(t, err)

	_, err = s.Transition(job.ID, nil, store.JobPending, nil)
	require.Error(t, err)
	assert.True(t, serrors.Is(err, serrors.Conflict))
}

func TestWorkflowAggregateExcludesCanceledFromProgress(t *testing.T) {
	s, _ := newTestStore(t)
	wf, _ := s.CreateWorkflow(context.Background(), "t1", "wf")

	succeeded, _ := s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})
	canceled, _ := s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})

	_, err := s.Transition(succeeded.ID, nil, store.JobRunning, nil)
	require.NoError(t, err)
	_, err = s.Transition(succeeded.ID, nil, store.JobSucceeded, nil)
	require.NoError(t, err)

	_, err = s.Transition(canceled.ID, nil, store.JobCanceled, nil)
	require.NoError(t, err)

	agg, err := s.GetWorkflow(context.Background(), "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, agg.PercentComplete, "canceled job must not drag down the mean")
	assert.Equal(t, store.WorkflowSucceeded, agg.State)
}

func TestTransitionQueuesEventBeforeReturning(t *testing.T) {
	s, bus := newTestStore(t)
	wf, _ := s.CreateWorkflow(context.Background(), "t1", "wf")
	job, _ := s.CreateJob(context.Background(), "t1", wf.ID, store.CreateJobInput{Type: store.TypeTissueMask})

	sub := bus.Subscribe(job.ID)
	defer sub.Close()

	_, err := s.Transition(job.ID, nil, store.JobRunning, nil)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "RUNNING", ev.State)
	default:
		t.Fatal("expected an event to already be queued once Transition returned")
	}
}
