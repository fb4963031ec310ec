// Package pipeline drives bulk transfers through registry transfer pipelines.
// An export run batches the registry inventory into pipeline runs writing tar
// blobs to a storage container, an import run replays those blobs on the far
// side. Runs are named {prefix}{NNN} so a retried invocation skips work that
// already finished and only recreates runs that failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/acrsync/acrsync/regapi"
	"github.com/acrsync/acrsync/types"
	"github.com/sirupsen/logrus"
)

// maxArtifacts is the pipeline run artifact limit enforced by the service.
const maxArtifacts = 50

// API is the management plane surface used to drive pipeline runs.
type API interface {
	PipelineRunList(ctx context.Context, registry string) ([]regapi.PipelineRun, error)
	PipelineRunGet(ctx context.Context, registry, name string) (*regapi.PipelineRun, error)
	PipelineRunCreate(ctx context.Context, registry, name string, req regapi.PipelineRunRequest, force bool) (*regapi.PipelineRun, error)
}

// Inventory reads repositories and tag digests from a registry.
type Inventory interface {
	RepoList(ctx context.Context, registry string) ([]string, error)
	TagDigests(ctx context.Context, registry, repository string) ([]types.TagDigest, error)
}

// BlobLister lists the blobs of a storage container.
type BlobLister interface {
	BlobList(ctx context.Context, container string) ([]string, error)
}

// Runner holds the configuration for bulk pipeline runs.
type Runner struct {
	api          API
	inv          Inventory
	blobs        BlobLister
	log          *logrus.Logger
	prefix       string
	batchSize    int
	maxConc      int
	pollInterval time.Duration
	dryRun       bool
	ignore       *IgnoreTags
}

// Opt adds configuration to New.
type Opt func(*Runner)

// New returns a runner with the requested options.
func New(opts ...Opt) *Runner {
	r := Runner{
		batchSize:    maxArtifacts,
		maxConc:      1,
		pollInterval: 30 * time.Second,
	}
	r.log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.WarnLevel,
	}
	for _, opt := range opts {
		opt(&r)
	}
	if r.batchSize < 1 || r.batchSize > maxArtifacts {
		r.batchSize = maxArtifacts
	}
	if r.maxConc < 1 {
		r.maxConc = 1
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 30 * time.Second
	}
	return &r
}

// WithAPI sets the pipeline run client.
func WithAPI(api API) Opt {
	return func(r *Runner) {
		r.api = api
	}
}

// WithInventory sets the registry inventory reader used by exports.
func WithInventory(inv Inventory) Opt {
	return func(r *Runner) {
		r.inv = inv
	}
}

// WithBlobs sets the container lister used by imports.
func WithBlobs(bl BlobLister) Opt {
	return func(r *Runner) {
		r.blobs = bl
	}
}

// WithLog injects a logrus Logger.
func WithLog(log *logrus.Logger) Opt {
	return func(r *Runner) {
		r.log = log
	}
}

// WithPrefix overrides the run name prefix (defaults to "export-batch" or
// "import-batch" per command).
func WithPrefix(prefix string) Opt {
	return func(r *Runner) {
		r.prefix = prefix
	}
}

// WithBatchSize sets the artifacts per export run, capped at the service
// limit of 50.
func WithBatchSize(size int) Opt {
	return func(r *Runner) {
		r.batchSize = size
	}
}

// WithMaxConcurrent limits the pipeline runs in flight (defaults to 1).
func WithMaxConcurrent(limit int) Opt {
	return func(r *Runner) {
		r.maxConc = limit
	}
}

// WithPollInterval sets how often in flight runs are polled.
func WithPollInterval(interval time.Duration) Opt {
	return func(r *Runner) {
		r.pollInterval = interval
	}
}

// WithDryRun plans the runs without creating any.
func WithDryRun() Opt {
	return func(r *Runner) {
		r.dryRun = true
	}
}

// WithIgnoreTags excludes repositories and tags from exports.
func WithIgnoreTags(ig *IgnoreTags) Opt {
	return func(r *Runner) {
		r.ignore = ig
	}
}

// runSpec is one pipeline run the runner intends to submit.
type runSpec struct {
	name      string
	req       regapi.PipelineRunRequest
	artifacts int
	blob      string
}

// Export inventories the registry, batches every repo:tag artifact into
// pipeline runs against the export pipeline, and waits for the runs to reach
// a terminal state. Each run writes the blob {name}.tar.
func (r *Runner) Export(ctx context.Context, registry, pipelineID string) (Report, error) {
	start := time.Now()
	rep := Report{DryRun: r.dryRun}
	if r.api == nil {
		return rep, fmt.Errorf("no pipeline API configured: %w", types.ErrMissingInput)
	}
	if r.inv == nil {
		return rep, fmt.Errorf("no inventory configured: %w", types.ErrMissingInput)
	}
	prefix := r.prefix
	if prefix == "" {
		prefix = "export-batch"
	}
	artifacts, err := r.exportArtifacts(ctx, registry)
	if err != nil {
		return rep, err
	}
	specs := []runSpec{}
	for i, batch := range batchArtifacts(artifacts, r.batchSize) {
		name := runName(prefix, i+1)
		specs = append(specs, runSpec{
			name:      name,
			artifacts: len(batch),
			req: regapi.PipelineRunRequest{
				PipelineResourceID: pipelineID,
				Artifacts:          batch,
				Target: &regapi.PipelineRunTarget{
					Type: regapi.PipelineTargetBlob,
					Name: name + ".tar",
				},
			},
		})
	}
	r.log.WithFields(logrus.Fields{
		"registry":  registry,
		"artifacts": len(artifacts),
		"batches":   len(specs),
		"dryRun":    r.dryRun,
	}).Info("Starting export")
	rep, err = r.submitAll(ctx, registry, specs, rep)
	rep.Elapsed = time.Since(start)
	return rep, err
}

// Import lists the blobs of the staging container and creates one pipeline
// run per blob against the import pipeline.
func (r *Runner) Import(ctx context.Context, registry, pipelineID, container string) (Report, error) {
	start := time.Now()
	rep := Report{DryRun: r.dryRun}
	if r.api == nil {
		return rep, fmt.Errorf("no pipeline API configured: %w", types.ErrMissingInput)
	}
	if r.blobs == nil {
		return rep, fmt.Errorf("no blob lister configured: %w", types.ErrMissingInput)
	}
	prefix := r.prefix
	if prefix == "" {
		prefix = "import-batch"
	}
	blobs, err := r.blobs.BlobList(ctx, container)
	if err != nil {
		return rep, fmt.Errorf("failed to list blobs: %w", err)
	}
	specs := []runSpec{}
	for i, blob := range blobs {
		specs = append(specs, runSpec{
			name: runName(prefix, i+1),
			blob: blob,
			req: regapi.PipelineRunRequest{
				PipelineResourceID: pipelineID,
				Source: &regapi.PipelineRunTarget{
					Type: regapi.PipelineTargetBlob,
					Name: blob,
				},
			},
		})
	}
	r.log.WithFields(logrus.Fields{
		"registry": registry,
		"blobs":    len(blobs),
		"dryRun":   r.dryRun,
	}).Info("Starting import")
	rep, err = r.submitAll(ctx, registry, specs, rep)
	rep.Elapsed = time.Since(start)
	return rep, err
}

// exportArtifacts flattens the registry inventory into sorted repo:tag
// references. Sorting keeps the batch to run name mapping stable across
// retries so the skip discipline holds. A repository deleted between the
// catalog read and the tag read is skipped.
func (r *Runner) exportArtifacts(ctx context.Context, registry string) ([]string, error) {
	repos, err := r.inv.RepoList(ctx, registry)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories on %s: %w", registry, err)
	}
	artifacts := []string{}
	for _, repo := range repos {
		if r.ignore.Ignored(repo, "") {
			r.log.WithFields(logrus.Fields{
				"repo": repo,
			}).Debug("Repository ignored")
			continue
		}
		tags, err := r.inv.TagDigests(ctx, registry, repo)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to list tags for %s: %w", repo, err)
		}
		for _, td := range tags {
			if r.ignore.Ignored(repo, td.Tag) {
				r.log.WithFields(logrus.Fields{
					"repo": repo,
					"tag":  td.Tag,
				}).Debug("Tag ignored")
				continue
			}
			artifacts = append(artifacts, repo+":"+td.Tag)
		}
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

// submitAll runs the skip, slot, and poll discipline over the specs. Existing
// runs are skipped unless they failed or were canceled, those are recreated
// with a forced update. Cancellation stops new submissions, runs already
// created keep executing on the service.
func (r *Runner) submitAll(ctx context.Context, registry string, specs []runSpec, rep Report) (Report, error) {
	if len(specs) == 0 {
		r.log.Info("Nothing to submit")
		return rep, nil
	}
	existing := map[string]regapi.PipelineRun{}
	runs, err := r.api.PipelineRunList(ctx, registry)
	if err != nil {
		return rep, err
	}
	for _, run := range runs {
		existing[run.Name] = run
	}
	pending := []runSpec{}
	for i, spec := range specs {
		force := false
		if prev, ok := existing[spec.name]; ok {
			state := prev.Properties.ProvisioningState
			if state != regapi.ProvisioningFailed && state != regapi.ProvisioningCanceled {
				rep.Skipped++
				rep.Runs = append(rep.Runs, RunResult{
					Name:      spec.name,
					State:     state,
					Outcome:   outcomeSkipped,
					Artifacts: spec.artifacts,
					Blob:      spec.blob,
				})
				r.log.WithFields(logrus.Fields{
					"name":  spec.name,
					"state": state,
				}).Info("Skipping existing pipeline run")
				continue
			}
			force = true
			r.log.WithFields(logrus.Fields{
				"name":  spec.name,
				"state": state,
			}).Warn("Recreating failed pipeline run")
		}
		if r.dryRun {
			rep.Planned++
			rep.Runs = append(rep.Runs, RunResult{
				Name:      spec.name,
				Outcome:   outcomePlanned,
				Artifacts: spec.artifacts,
				Blob:      spec.blob,
			})
			r.log.WithFields(logrus.Fields{
				"name":      spec.name,
				"artifacts": spec.artifacts,
				"blob":      spec.blob,
			}).Info("Pipeline run needed")
			continue
		}
		if ctx.Err() != nil {
			return r.abort(specs[i:], pending, rep)
		}
		for len(pending) >= r.maxConc {
			pending, rep, err = r.awaitAny(ctx, registry, pending, rep)
			if err != nil {
				return r.abort(specs[i:], pending, rep)
			}
		}
		run, err := r.api.PipelineRunCreate(ctx, registry, spec.name, spec.req, force)
		if err != nil {
			rep.Failed++
			rep.Runs = append(rep.Runs, RunResult{
				Name:      spec.name,
				Outcome:   outcomeFailed,
				Artifacts: spec.artifacts,
				Blob:      spec.blob,
				Err:       err,
			})
			r.log.WithFields(logrus.Fields{
				"name": spec.name,
				"err":  err,
			}).Error("Failed to create pipeline run")
			continue
		}
		rep.Created++
		r.log.WithFields(logrus.Fields{
			"name":      spec.name,
			"artifacts": spec.artifacts,
			"blob":      spec.blob,
		}).Info("Created pipeline run")
		if run.Terminal() {
			rep = r.finish(spec, run.Properties.ProvisioningState, rep)
			continue
		}
		pending = append(pending, spec)
	}
	for len(pending) > 0 {
		pending, rep, err = r.awaitAny(ctx, registry, pending, rep)
		if err != nil {
			return r.abort(nil, pending, rep)
		}
	}
	if rep.Failed > 0 {
		return rep, fmt.Errorf("%d pipeline runs failed: %w", rep.Failed, types.ErrRunFailed)
	}
	return rep, nil
}

// awaitAny sleeps one poll interval and re-reads every pending run, recording
// those that reached a terminal state.
func (r *Runner) awaitAny(ctx context.Context, registry string, pending []runSpec, rep Report) ([]runSpec, Report, error) {
	select {
	case <-ctx.Done():
		return pending, rep, fmt.Errorf("canceled while waiting for %d pipeline runs: %w", len(pending), types.ErrCanceled)
	case <-time.After(r.pollInterval):
	}
	still := []runSpec{}
	for _, spec := range pending {
		run, err := r.api.PipelineRunGet(ctx, registry, spec.name)
		if err != nil {
			rep.Failed++
			rep.Runs = append(rep.Runs, RunResult{
				Name:      spec.name,
				Outcome:   outcomeFailed,
				Artifacts: spec.artifacts,
				Blob:      spec.blob,
				Err:       err,
			})
			r.log.WithFields(logrus.Fields{
				"name": spec.name,
				"err":  err,
			}).Error("Failed to poll pipeline run")
			continue
		}
		if !run.Terminal() {
			still = append(still, spec)
			continue
		}
		rep = r.finish(spec, run.Properties.ProvisioningState, rep)
	}
	return still, rep, nil
}

// finish records the terminal state of one run.
func (r *Runner) finish(spec runSpec, state string, rep Report) Report {
	res := RunResult{
		Name:      spec.name,
		State:     state,
		Artifacts: spec.artifacts,
		Blob:      spec.blob,
	}
	if state == regapi.ProvisioningSucceeded {
		rep.Succeeded++
		res.Outcome = outcomeSucceeded
		r.log.WithFields(logrus.Fields{
			"name": spec.name,
		}).Info("Pipeline run succeeded")
	} else {
		rep.Failed++
		res.Outcome = outcomeFailed
		res.Err = fmt.Errorf("pipeline run %s finished %s: %w", spec.name, state, types.ErrRunFailed)
		r.log.WithFields(logrus.Fields{
			"name":  spec.name,
			"state": state,
		}).Error("Pipeline run failed")
	}
	rep.Runs = append(rep.Runs, res)
	return rep
}

// abort records the runs that never ran after a cancellation. Runs already
// submitted keep executing on the service and are reported as pending.
func (r *Runner) abort(remaining, pending []runSpec, rep Report) (Report, error) {
	for _, spec := range pending {
		rep.Runs = append(rep.Runs, RunResult{
			Name:      spec.name,
			Outcome:   outcomePending,
			Artifacts: spec.artifacts,
			Blob:      spec.blob,
		})
	}
	for _, spec := range remaining {
		rep.Canceled++
		rep.Runs = append(rep.Runs, RunResult{
			Name:      spec.name,
			Outcome:   outcomeCanceled,
			Artifacts: spec.artifacts,
			Blob:      spec.blob,
		})
	}
	r.log.WithFields(logrus.Fields{
		"pending":  len(pending),
		"canceled": len(remaining),
	}).Warn("Canceled before all pipeline runs finished")
	return rep, fmt.Errorf("pipeline run submission canceled: %w", types.ErrCanceled)
}

// runName builds the zero padded run name for one batch.
func runName(prefix string, n int) string {
	return fmt.Sprintf("%s%03d", prefix, n)
}

// batchArtifacts splits the artifact list into chunks of at most size.
func batchArtifacts(artifacts []string, size int) [][]string {
	batches := [][]string{}
	for len(artifacts) > size {
		batches = append(batches, artifacts[:size])
		artifacts = artifacts[size:]
	}
	if len(artifacts) > 0 {
		batches = append(batches, artifacts)
	}
	return batches
}
