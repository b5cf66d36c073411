// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrInvalidMaxWorkers is returned when MaxWorkers is less than 1.
	ErrInvalidMaxWorkers = errors.New("max_workers must be at least 1")

	// ErrInvalidMaxActiveUsers is returned when MaxActiveUsers is less than 1.
	ErrInvalidMaxActiveUsers = errors.New("max_active_users must be at least 1")

	// ErrInvalidTileSize is returned when TileSize is less than 1.
	ErrInvalidTileSize = errors.New("tile_size must be at least 1")

	// ErrInvalidTileOverlap is returned when TileOverlap is negative.
	ErrInvalidTileOverlap = errors.New("tile_overlap must not be negative")

	// ErrInvalidMaxJobsPerWorkflow is returned when MaxJobsPerWorkflow is less than 1.
	ErrInvalidMaxJobsPerWorkflow = errors.New("max_jobs_per_workflow must be at least 1")
)
