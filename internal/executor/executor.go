// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package executor drives one admitted job from RUNNING to a terminal
// state: it tiles the input, invokes the job's inference function one tile
// at a time, publishes progress through the Store, composes a preview and a
// manifest, and bundles everything into a zip archive.
//
// One goroutine owns one job start to finish, tiling then publishing
// progress as it goes, with manifest.json written only once every other
// artifact it references has been fsynced.
package executor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jontk/wsi-scheduler/internal/inference"
	"github.com/jontk/wsi-scheduler/internal/store"
	"github.com/jontk/wsi-scheduler/pkg/config"
	pkgcontext "github.com/jontk/wsi-scheduler/pkg/context"
	"github.com/jontk/wsi-scheduler/pkg/logging"
	"github.com/jontk/wsi-scheduler/pkg/metrics"
)

const previewMaxDim = 1024

// Executor implements scheduler.Executor.
type Executor struct {
	cfg        *config.Config
	st         *store.Store
	infer      *inference.Registry
	reg        *metrics.Registry
	log        logging.Logger
	resultsDir string
	timeouts   *pkgcontext.TimeoutConfig
}

// New builds an Executor. resultsDir is the root directory under which
// each job gets its own subdirectory, resultsDir/<job_id>/.
func New(cfg *config.Config, st *store.Store, infer *inference.Registry, reg *metrics.Registry, log logging.Logger, resultsDir string) *Executor {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Executor{cfg: cfg, st: st, infer: infer, reg: reg, log: log, resultsDir: resultsDir, timeouts: pkgcontext.DefaultTimeoutConfig()}
}

// boundedIO runs fn under a context bounded by op's entry in e.timeouts,
// translating a timed-out or canceled context into a descriptive error once
// fn returns.
func (e *Executor) boundedIO(ctx context.Context, op pkgcontext.OperationType, label string, fn func() error) error {
	opCtx, cancel := pkgcontext.WithTimeout(ctx, op, e.timeouts)
	defer cancel()

	if err := fn(); err != nil {
		return err
	}
	if err := opCtx.Err(); err != nil {
		return pkgcontext.WrapContextError(err, label, 0)
	}
	return nil
}

// Run drives job to SUCCEEDED or FAILED. It never returns until the job has
// reached one of those states in the Store.
func (e *Executor) Run(ctx context.Context, job store.Job) {
	start := time.Now()
	err := e.run(ctx, job)
	logging.LogDuration(e.log, start, fmt.Sprintf("run job %s", job.ID))
	if err != nil {
		e.fail(job, err)
	}
}

func (e *Executor) run(ctx context.Context, job store.Job) error {
	runCtx, cancel := pkgcontext.EnsureTimeout(ctx, pkgcontext.DefaultLongTimeout)
	defer cancel()

	jobDir := filepath.Join(e.resultsDir, job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	src, err := openFileSource(job.FileRef)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}

	fn, ok := e.infer.Lookup(job.Type)
	if !ok {
		return fmt.Errorf("no inference function registered for job type %q", job.Type)
	}

	width, height := src.Dimensions()
	tiles := computeTileGrid(width, height, e.cfg.TileSize, e.cfg.TileOverlap)
	total := len(tiles)

	results := make([]tileResult, 0, total)

	for i, t := range tiles {
		select {
		case <-runCtx.Done():
			return pkgcontext.WrapContextError(runCtx.Err(), fmt.Sprintf("tile %d/%d", i, total), pkgcontext.DefaultLongTimeout)
		default:
		}

		var region image.Image
		readErr := e.boundedIO(runCtx, pkgcontext.OpRead, fmt.Sprintf("read tile %d_%d", t.row, t.col), func() error {
			var err error
			region, err = src.ReadRegion(t.fetch)
			return err
		})
		if readErr != nil {
			return fmt.Errorf("read region for tile %d_%d: %w", t.row, t.col, readErr)
		}
		mask, err := fn(region)
		if err != nil {
			return fmt.Errorf("inference failed for tile %d_%d: %w", t.row, t.col, err)
		}
		cropped := cropToInner(mask, t)

		name := fmt.Sprintf("mask_%d_%d.png", t.row, t.col)
		if err := e.boundedIO(runCtx, pkgcontext.OpWrite, fmt.Sprintf("write %s", name), func() error {
			return writePNGFsync(filepath.Join(jobDir, name), cropped)
		}); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		results = append(results, tileResult{spec: t, path: name})

		if e.reg != nil {
			e.reg.TilesDone.Inc()
		}
		if _, err := e.st.UpdateProgress(job.ID, i+1, total); err != nil {
			return fmt.Errorf("publish progress: %w", err)
		}
	}

	preview := composePreview(src, jobDir, results, job.Type, previewMaxDim)
	if err := e.boundedIO(runCtx, pkgcontext.OpWrite, "write preview.png", func() error {
		return writePNGFsync(filepath.Join(jobDir, "preview.png"), preview)
	}); err != nil {
		return fmt.Errorf("write preview.png: %w", err)
	}

	artifacts := make([]store.Artifact, 0, total+1)
	manifestArtifacts := make([]manifestArtifact, 0, total+1)
	for _, r := range results {
		size, err := fileSize(filepath.Join(jobDir, r.path))
		if err != nil {
			return fmt.Errorf("stat %s: %w", r.path, err)
		}
		artifacts = append(artifacts, store.Artifact{Path: r.path, Size: size})
		manifestArtifacts = append(manifestArtifacts, manifestArtifact{Path: r.path, Size: size})
	}
	previewSize, err := fileSize(filepath.Join(jobDir, "preview.png"))
	if err != nil {
		return fmt.Errorf("stat preview.png: %w", err)
	}
	artifacts = append(artifacts, store.Artifact{Path: "preview.png", Size: previewSize})
	manifestArtifacts = append(manifestArtifacts, manifestArtifact{Path: "preview.png", Size: previewSize})

	// manifest.json is written only now, after every artifact it references
	// has been fsynced above.
	doc := manifestDoc{
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		TenantID:   job.TenantID,
		Type:       string(job.Type),
		Branch:     job.Branch,
		TileCount:  total,
		CreatedAt:  job.CreatedAt,
		RunningAt:  job.RunningAt,
		Artifacts:  manifestArtifacts,
	}
	manifestBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	manifestPath := filepath.Join(jobDir, "manifest.json")
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(manifestPath)
		}
	}()
	if err := e.boundedIO(runCtx, pkgcontext.OpWrite, "write manifest.json", func() error {
		return writeFileFsync(manifestPath, manifestBytes)
	}); err != nil {
		return fmt.Errorf("write manifest.json: %w", err)
	}
	manifestSize, err := fileSize(filepath.Join(jobDir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("stat manifest.json: %w", err)
	}
	artifacts = append(artifacts, store.Artifact{Path: "manifest.json", Size: manifestSize})

	zipPaths := make([]string, 0, total+1)
	for _, r := range results {
		zipPaths = append(zipPaths, r.path)
	}
	zipPaths = append(zipPaths, "preview.png")
	if err := e.boundedIO(runCtx, pkgcontext.OpWrite, "write artifacts.zip", func() error {
		return bundleZip(jobDir, "artifacts.zip", zipPaths)
	}); err != nil {
		return fmt.Errorf("write artifacts.zip: %w", err)
	}
	zipSize, err := fileSize(filepath.Join(jobDir, "artifacts.zip"))
	if err != nil {
		return fmt.Errorf("stat artifacts.zip: %w", err)
	}
	artifacts = append(artifacts, store.Artifact{Path: "artifacts.zip", Size: zipSize})

	_, err = e.st.Transition(job.ID, []store.JobState{store.JobRunning}, store.JobSucceeded, func(j *store.Job) {
		j.ArtifactDir = jobDir
		j.Artifacts = artifacts
	})
	committed = err == nil
	return err
}

// fail records err as the job's terminal error description. Partial
// artifacts already on disk are left in place, unreferenced by any
// manifest.
func (e *Executor) fail(job store.Job, runErr error) {
	logging.LogError(e.log, runErr, fmt.Sprintf("run job %s", job.ID), "job_id", job.ID)
	_, err := e.st.Transition(job.ID, []store.JobState{store.JobRunning}, store.JobFailed, func(j *store.Job) {
		j.Error = runErr.Error()
	})
	if err != nil {
		logging.LogError(e.log, err, "record job failure", "job_id", job.ID)
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func writePNGFsync(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return writeFileFsync(path, buf.Bytes())
}

func writeFileFsync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func bundleZip(jobDir, zipName string, memberPaths []string) error {
	tmpPath := filepath.Join(jobDir, zipName+".tmp")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(tmp)
	for _, name := range memberPaths {
		src, err := os.Open(filepath.Join(jobDir, name))
		if err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
		w, err := zw.Create(name)
		if err != nil {
			src.Close()
			zw.Close()
			tmp.Close()
			return err
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			zw.Close()
			tmp.Close()
			return err
		}
		src.Close()
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, filepath.Join(jobDir, zipName))
}
