// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersAllMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r)

	r.ActiveWorkers.Set(2)
	r.MaxWorkers.Set(4)
	r.ActiveTenants.Set(1)
	r.BranchesBusy.Set(3)
	r.PendingJobs.Set(5)
	r.JobsTotal.WithLabelValues("SUCCEEDED").Inc()
	r.TilesDone.Add(7)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.ActiveWorkers))
	assert.Equal(t, float64(4), testutil.ToFloat64(r.MaxWorkers))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.ActiveTenants))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.BranchesBusy))
	assert.Equal(t, float64(5), testutil.ToFloat64(r.PendingJobs))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.JobsTotal.WithLabelValues("SUCCEEDED")))
	assert.Equal(t, float64(7), testutil.ToFloat64(r.TilesDone))
}

func TestGathererReturnsRegisteredMetrics(t *testing.T) {
	r := NewRegistry()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
