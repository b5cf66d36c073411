// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	c := NewDefault()
	require.NotNil(t, c)

	assert.Equal(t, 4, c.MaxWorkers)
	assert.Equal(t, 3, c.MaxActiveUsers)
	assert.Equal(t, 1024, c.TileSize)
	assert.Equal(t, 64, c.TileOverlap)
	assert.Equal(t, 10, c.MaxJobsPerWorkflow)
	assert.False(t, c.EnableInstantSeg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_WORKERS", "8")
	t.Setenv("MAX_ACTIVE_USERS", "5")
	t.Setenv("TILE_SIZE", "512")
	t.Setenv("TILE_OVERLAP", "32")
	t.Setenv("MAX_JOBS_PER_WORKFLOW", "20")
	t.Setenv("ENABLE_INSTANTSEG", "true")

	c := NewDefault()

	assert.Equal(t, 8, c.MaxWorkers)
	assert.Equal(t, 5, c.MaxActiveUsers)
	assert.Equal(t, 512, c.TileSize)
	assert.Equal(t, 32, c.TileOverlap)
	assert.Equal(t, 20, c.MaxJobsPerWorkflow)
	assert.True(t, c.EnableInstantSeg)
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_workers: 16\ntile_size: 2048\n"), 0o644))

	c := &Config{MaxWorkers: 4, TileSize: 1024, MaxActiveUsers: 3, MaxJobsPerWorkflow: 10}
	require.NoError(t, c.LoadYAML(path))

	assert.Equal(t, 16, c.MaxWorkers)
	assert.Equal(t, 2048, c.TileSize)
	assert.Equal(t, 3, c.MaxActiveUsers, "fields absent from the file are untouched")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: nil},
		{name: "bad workers", mutate: func(c *Config) { c.MaxWorkers = 0 }, wantErr: ErrInvalidMaxWorkers},
		{name: "bad active users", mutate: func(c *Config) { c.MaxActiveUsers = 0 }, wantErr: ErrInvalidMaxActiveUsers},
		{name: "bad tile size", mutate: func(c *Config) { c.TileSize = 0 }, wantErr: ErrInvalidTileSize},
		{name: "bad tile overlap", mutate: func(c *Config) { c.TileOverlap = -1 }, wantErr: ErrInvalidTileOverlap},
		{name: "bad jobs cap", mutate: func(c *Config) { c.MaxJobsPerWorkflow = 0 }, wantErr: ErrInvalidMaxJobsPerWorkflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefault()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantErr, err)
			}
		})
	}
}
