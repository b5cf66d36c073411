// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config provides the immutable configuration record loaded once at
// startup and passed by reference to the scheduler, store, and executor.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the scheduler core's configuration. It is loaded once and
// passed by reference; nothing in this module mutates it at runtime.
type Config struct {
	// MaxWorkers is the size of the global worker-slot budget.
	MaxWorkers int `yaml:"max_workers"`

	// MaxActiveUsers caps the number of distinct tenants with a concurrently
	// RUNNING job.
	MaxActiveUsers int `yaml:"max_active_users"`

	// TileSize is the edge length, in pixels, of a non-overlapping tile.
	TileSize int `yaml:"tile_size"`

	// TileOverlap is the per-side context margin, in pixels, added to
	// interior tiles before inference and cropped from the result.
	TileOverlap int `yaml:"tile_overlap"`

	// MaxJobsPerWorkflow caps the number of jobs a single workflow may hold.
	MaxJobsPerWorkflow int `yaml:"max_jobs_per_workflow"`

	// EnableInstantSeg toggles the real SEGMENT_CELLS inference path; when
	// false, SEGMENT_CELLS uses a deterministic fallback.
	EnableInstantSeg bool `yaml:"enable_instantseg"`
}

// NewDefault returns a Config seeded from defaults, then overridden by
// environment variables.
func NewDefault() *Config {
	c := &Config{
		MaxWorkers:         4,
		MaxActiveUsers:     3,
		TileSize:           1024,
		TileOverlap:        64,
		MaxJobsPerWorkflow: 10,
		EnableInstantSeg:   false,
	}
	c.Load()
	return c
}

// Load overrides the receiver's fields from environment variables, leaving
// unset fields untouched.
func (c *Config) Load() {
	if v := os.Getenv("MAX_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxWorkers = i
		}
	}
	if v := os.Getenv("MAX_ACTIVE_USERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxActiveUsers = i
		}
	}
	if v := os.Getenv("TILE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.TileSize = i
		}
	}
	if v := os.Getenv("TILE_OVERLAP"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.TileOverlap = i
		}
	}
	if v := os.Getenv("MAX_JOBS_PER_WORKFLOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxJobsPerWorkflow = i
		}
	}
	if v := os.Getenv("ENABLE_INSTANTSEG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EnableInstantSeg = b
		}
	}
}

// LoadYAML overlays settings from a YAML file onto the receiver. Fields
// absent from the file are left untouched. Environment variables are not
// read here: call Load() after LoadYAML if env should win, or before if the
// file should win.
func (c *Config) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return ErrInvalidMaxWorkers
	}
	if c.MaxActiveUsers < 1 {
		return ErrInvalidMaxActiveUsers
	}
	if c.TileSize < 1 {
		return ErrInvalidTileSize
	}
	if c.TileOverlap < 0 {
		return ErrInvalidTileOverlap
	}
	if c.MaxJobsPerWorkflow < 1 {
		return ErrInvalidMaxJobsPerWorkflow
	}
	return nil
}
