// Package transfer implements the differential sync engine. A run selects
// repositories on the source registry, plans per tag actions against the
// target inventory, and submits server side imports under the configured
// concurrency and pacing limits. Failures are isolated per repository and per
// action, the run always completes and reports.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/acrsync/acrsync/internal/filter"
	"github.com/acrsync/acrsync/internal/plan"
	"github.com/acrsync/acrsync/internal/throttle"
	"github.com/acrsync/acrsync/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Inventory reads repositories and tag digests from a registry.
type Inventory interface {
	RepoList(ctx context.Context, registry string) ([]string, error)
	TagDigests(ctx context.Context, registry, repository string) ([]types.TagDigest, error)
}

// Importer resolves registry identities and runs server side imports.
type Importer interface {
	Resolve(ctx context.Context, registry string) (string, error)
	ImportTag(ctx context.Context, target, sourceID, repository, tag string) error
}

// Engine holds the configuration for runs.
type Engine struct {
	inv        Inventory
	imp        Importer
	log        *logrus.Logger
	throttle   *throttle.Throttle
	parallel   int
	delay      time.Duration
	dryRun     bool
	force      bool
	policy     *filter.Policy
	letters    *filter.Letters
	repository string
	maxRepos   int
}

// Opt adds configuration to New.
type Opt func(*Engine)

// New returns an engine with the requested options.
func New(opts ...Opt) *Engine {
	e := Engine{
		parallel: 1,
	}
	e.log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.WarnLevel,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.parallel < 1 {
		e.parallel = 1
	}
	return &e
}

// WithInventory sets the registry inventory reader.
func WithInventory(inv Inventory) Opt {
	return func(e *Engine) {
		e.inv = inv
	}
}

// WithImporter sets the import client.
func WithImporter(imp Importer) Opt {
	return func(e *Engine) {
		e.imp = imp
	}
}

// WithLog injects a logrus Logger.
func WithLog(log *logrus.Logger) Opt {
	return func(e *Engine) {
		e.log = log
	}
}

// WithThrottle shares a throttle between engines so the import budget holds
// across transfer steps.
func WithThrottle(t *throttle.Throttle) Opt {
	return func(e *Engine) {
		e.throttle = t
	}
}

// WithConcurrency limits the imports in flight. Zero or below is unlimited.
func WithConcurrency(limit int) Opt {
	return func(e *Engine) {
		e.throttle = throttle.New(limit)
	}
}

// WithParallel sets the number of repository workers (defaults to 1).
func WithParallel(workers int) Opt {
	return func(e *Engine) {
		e.parallel = workers
	}
}

// WithDelay spaces consecutive import submissions within one repository.
func WithDelay(delay time.Duration) Opt {
	return func(e *Engine) {
		e.delay = delay
	}
}

// WithDryRun plans without making any mutating call.
func WithDryRun() Opt {
	return func(e *Engine) {
		e.dryRun = true
	}
}

// WithForce imports every source tag regardless of the target state.
func WithForce() Opt {
	return func(e *Engine) {
		e.force = true
	}
}

// WithIgnorePolicy excludes repositories matching the ignore rules.
func WithIgnorePolicy(p *filter.Policy) Opt {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithLetters restricts repositories by their first letter.
func WithLetters(l *filter.Letters) Opt {
	return func(e *Engine) {
		e.letters = l
	}
}

// WithRepository syncs a single repository, bypassing the catalog and the
// repository filters.
func WithRepository(repository string) Opt {
	return func(e *Engine) {
		e.repository = repository
	}
}

// WithMaxRepositories caps how many repositories are processed after
// filtering, keeping catalog order.
func WithMaxRepositories(limit int) Opt {
	return func(e *Engine) {
		e.maxRepos = limit
	}
}

// Run syncs one source/target pair and reports the outcome. The returned
// error wraps types.ErrRunFailed when the report carries failures, the report
// is complete either way.
func (e *Engine) Run(ctx context.Context, source, target string) (Report, error) {
	start := time.Now()
	if e.inv == nil {
		return Report{}, fmt.Errorf("no inventory configured: %w", types.ErrMissingInput)
	}
	if e.imp == nil && !e.dryRun {
		return Report{}, fmt.Errorf("no importer configured: %w", types.ErrMissingInput)
	}
	repos, err := e.selectRepos(ctx, source)
	if err != nil {
		return Report{}, err
	}
	e.log.WithFields(logrus.Fields{
		"source": source,
		"target": target,
		"repos":  len(repos),
		"dryRun": e.dryRun,
	}).Info("Starting run")

	r := run{e: e, source: source, target: target}
	results := make([]RepoResult, len(repos))
	eg := errgroup.Group{}
	eg.SetLimit(e.parallel)
	for i := range repos {
		i := i
		eg.Go(func() error {
			results[i] = r.processRepo(ctx, repos[i])
			return nil
		})
	}
	_ = eg.Wait()

	rep := Summarize(results, e.dryRun, time.Since(start))
	e.log.WithFields(logrus.Fields{
		"migrated": rep.Migrated,
		"retagged": rep.Retagged,
		"skipped":  rep.Skipped,
		"failed":   rep.Failed,
	}).Info("Run complete")
	if rep.Failed > 0 {
		return rep, fmt.Errorf("run completed with %d failures: %w", rep.Failed, types.ErrRunFailed)
	}
	return rep, nil
}

// selectRepos builds the ordered repository list for a run. An explicit
// repository bypasses the catalog and the filters. A catalog failure is fatal,
// there is nothing to process.
func (e *Engine) selectRepos(ctx context.Context, source string) ([]string, error) {
	if e.repository != "" {
		return []string{e.repository}, nil
	}
	repos, err := e.inv.RepoList(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories on %s: %w", source, err)
	}
	selected := make([]string, 0, len(repos))
	for _, repo := range repos {
		if !e.letters.Match(repo) {
			continue
		}
		if e.policy.Ignored(repo) {
			e.log.WithFields(logrus.Fields{
				"repo": repo,
			}).Debug("Repository ignored")
			continue
		}
		selected = append(selected, repo)
	}
	if e.maxRepos > 0 && len(selected) > e.maxRepos {
		e.log.WithFields(logrus.Fields{
			"selected": len(selected),
			"limit":    e.maxRepos,
		}).Warn("Truncating repository list")
		selected = selected[:e.maxRepos]
	}
	return selected, nil
}

// run carries the state shared by the repository workers of a single run.
type run struct {
	e      *Engine
	source string
	target string
	mu     sync.Mutex
	srcID  string
	srcOK  bool
}

// sourceID resolves the source registry identity once per run. Successful
// values are shared, failures are not cached so a later repository retries.
func (r *run) sourceID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.srcOK {
		return r.srcID, nil
	}
	id, err := r.e.imp.Resolve(ctx, r.source)
	if err != nil {
		return "", err
	}
	r.srcID = id
	r.srcOK = true
	return id, nil
}

// processRepo plans and executes one repository. The plan is computed from a
// single consistent read of both inventories.
func (r *run) processRepo(ctx context.Context, repo string) RepoResult {
	e := r.e
	res := RepoResult{Repo: repo}
	srcTags, err := e.inv.TagDigests(ctx, r.source, repo)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"source": r.source,
			"repo":   repo,
			"err":    err,
		}).Error("Failed to list source tags")
		res.Err = fmt.Errorf("failed to list source tags for %s: %w", repo, err)
		return res
	}
	tgtTags, err := e.inv.TagDigests(ctx, r.target, repo)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			e.log.WithFields(logrus.Fields{
				"target": r.target,
				"repo":   repo,
				"err":    err,
			}).Error("Failed to list target tags")
			res.Err = fmt.Errorf("failed to list target tags for %s: %w", repo, err)
			return res
		}
		// repository missing on the target, every tag is new
		tgtTags = nil
	}
	p := plan.Diff(repo, srcTags, tgtTags, e.force)
	e.log.WithFields(logrus.Fields{
		"repo":   repo,
		"create": p.Count(plan.ActionCreate),
		"retag":  p.Count(plan.ActionRetag),
		"skip":   p.Count(plan.ActionSkip),
	}).Debug("Planned repository")
	res.Actions, res.Err = r.execPlan(ctx, p)
	return res
}

// execPlan records skip actions, then submits the remaining actions in plan
// order. Submissions within the repository are spaced by the configured delay
// and bounded by the shared throttle. Cancellation stops new submissions,
// imports already in flight run to completion.
func (r *run) execPlan(ctx context.Context, p plan.Plan) ([]ActionResult, error) {
	e := r.e
	results := make([]ActionResult, len(p.Actions))
	var wg sync.WaitGroup
	var srcID string
	var resolveErr error
	resolved := false
	submitted := false
	canceled := false
	for i := range p.Actions {
		a := p.Actions[i]
		results[i] = ActionResult{Action: a}
		if a.Type == plan.ActionSkip {
			results[i].Outcome = OutcomeSkipped
			e.log.WithFields(logrus.Fields{
				"repo": a.Repo,
				"tag":  a.Tag,
			}).Debug("Tag matches")
			continue
		}
		if e.dryRun {
			results[i].Outcome = OutcomePlanned
			e.log.WithFields(logrus.Fields{
				"repo":   a.Repo,
				"tag":    a.Tag,
				"action": a.Type.String(),
			}).Info("Import needed")
			continue
		}
		if canceled {
			results[i].Outcome = OutcomeCanceled
			results[i].Err = types.ErrCanceled
			continue
		}
		if resolveErr != nil {
			results[i].Outcome = OutcomeFailed
			results[i].Err = resolveErr
			continue
		}
		if !resolved {
			id, err := r.sourceID(ctx)
			if err != nil {
				resolveErr = fmt.Errorf("failed to resolve source registry %s: %w", r.source, err)
				e.log.WithFields(logrus.Fields{
					"source": r.source,
					"err":    err,
				}).Error("Failed to resolve source registry")
				results[i].Outcome = OutcomeFailed
				results[i].Err = resolveErr
				continue
			}
			srcID = id
			resolved = true
		}
		if submitted && e.delay > 0 {
			select {
			case <-ctx.Done():
				canceled = true
				results[i].Outcome = OutcomeCanceled
				results[i].Err = types.ErrCanceled
				continue
			case <-time.After(e.delay):
			}
		}
		if err := e.throttle.Acquire(ctx); err != nil {
			canceled = true
			results[i].Outcome = OutcomeCanceled
			results[i].Err = types.ErrCanceled
			continue
		}
		// verify the context was not canceled while waiting for the throttle
		select {
		case <-ctx.Done():
			_ = e.throttle.Release(ctx)
			canceled = true
			results[i].Outcome = OutcomeCanceled
			results[i].Err = types.ErrCanceled
			continue
		default:
		}
		submitted = true
		wg.Add(1)
		go func(i int, a plan.Action) {
			defer wg.Done()
			// a server side import is not safely interruptible, let it finish
			ictx := context.WithoutCancel(ctx)
			defer e.throttle.Release(ictx)
			if err := e.imp.ImportTag(ictx, r.target, srcID, a.Repo, a.Tag); err != nil {
				results[i].Outcome = OutcomeFailed
				results[i].Err = err
				e.log.WithFields(logrus.Fields{
					"repo": a.Repo,
					"tag":  a.Tag,
					"err":  err,
				}).Error("Failed to import tag")
				return
			}
			results[i].Outcome = OutcomeCompleted
			e.log.WithFields(logrus.Fields{
				"repo":   a.Repo,
				"tag":    a.Tag,
				"action": a.Type.String(),
			}).Info("Imported tag")
		}(i, a)
	}
	wg.Wait()
	return results, resolveErr
}
