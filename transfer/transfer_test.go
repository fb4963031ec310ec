package transfer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/acrsync/acrsync/internal/filter"
	"github.com/acrsync/acrsync/internal/plan"
	"github.com/acrsync/acrsync/types"
	digest "github.com/opencontainers/go-digest"
)

// fakeInventory serves fixed inventories, keyed by registry then repository.
// A repository absent from a registry map reports ErrNotFound, matching the
// regapi contract.
type fakeInventory struct {
	repos   map[string][]string
	tags    map[string]map[string][]types.TagDigest
	listErr map[string]error
	tagErr  map[string]error
}

func (f *fakeInventory) RepoList(ctx context.Context, registry string) ([]string, error) {
	if err := f.listErr[registry]; err != nil {
		return nil, err
	}
	return f.repos[registry], nil
}

func (f *fakeInventory) TagDigests(ctx context.Context, registry, repository string) ([]types.TagDigest, error) {
	if err := f.tagErr[registry+"/"+repository]; err != nil {
		return nil, err
	}
	tags, ok := f.tags[registry][repository]
	if !ok {
		return nil, fmt.Errorf("repository %s/%s: %w", registry, repository, types.ErrNotFound)
	}
	return tags, nil
}

// fakeImporter records imports and counts resolves.
type fakeImporter struct {
	mu         sync.Mutex
	id         string
	resolves   int
	resolveErr error
	imports    []string
	importErr  map[string]error
}

func (f *fakeImporter) Resolve(ctx context.Context, registry string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.id, nil
}

func (f *fakeImporter) ImportTag(ctx context.Context, target, sourceID, repository, tag string) error {
	f.mu.Lock()
	f.imports = append(f.imports, repository+":"+tag)
	f.mu.Unlock()
	if err := f.importErr[repository+":"+tag]; err != nil {
		return err
	}
	return nil
}

func (f *fakeImporter) sorted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string{}, f.imports...)
	sort.Strings(out)
	return out
}

var (
	digA = digest.Canonical.FromString("content a")
	digB = digest.Canonical.FromString("content b")
	digC = digest.Canonical.FromString("content c")
)

// newFixture builds the standard two registry fixture: app/api needs one
// retag and one create, app/web is absent from the target, base/alpine fully
// matches.
func newFixture() *fakeInventory {
	return &fakeInventory{
		repos: map[string][]string{
			"teamsrc": {"app/api", "app/web", "base/alpine"},
		},
		tags: map[string]map[string][]types.TagDigest{
			"teamsrc": {
				"app/api": {
					{Tag: "1.0", Digest: digA},
					{Tag: "2.0", Digest: digB},
					{Tag: "3.0", Digest: digC},
				},
				"app/web":     {{Tag: "latest", Digest: digA}},
				"base/alpine": {{Tag: "3.19", Digest: digC}},
			},
			"teamtgt": {
				"app/api": {
					{Tag: "1.0", Digest: digA},
					{Tag: "2.0", Digest: digC},
				},
				"base/alpine": {{Tag: "3.19", Digest: digC}},
			},
		},
		listErr: map[string]error{},
		tagErr:  map[string]error{},
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("basic sync", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		imp := &fakeImporter{id: "/subscriptions/sub-1/registries/teamsrc"}
		e := New(
			WithInventory(inv),
			WithImporter(imp),
			WithParallel(2),
			WithConcurrency(2),
		)
		rep, err := e.Run(ctx, "teamsrc", "teamtgt")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		// app/api 3.0 and app/web latest are new, app/api 2.0 differs
		if rep.Migrated != 2 || rep.Retagged != 1 || rep.Skipped != 2 || rep.Failed != 0 {
			t.Errorf("unexpected report: %+v", rep)
		}
		expect := []string{"app/api:2.0", "app/api:3.0", "app/web:latest"}
		if !reflect.DeepEqual(expect, imp.sorted()) {
			t.Errorf("imports do not match: expected %v, received %v", expect, imp.sorted())
		}
		if imp.resolves != 1 {
			t.Errorf("source registry resolved %d times, expected once", imp.resolves)
		}
	})

	t.Run("dry run", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		imp := &fakeImporter{id: "src-id"}
		plans := func(rep Report) []plan.Action {
			actions := []plan.Action{}
			for _, rr := range rep.Results {
				for _, ar := range rr.Actions {
					actions = append(actions, ar.Action)
				}
			}
			return actions
		}
		eDry := New(WithInventory(inv), WithImporter(imp), WithDryRun())
		repDry, err := eDry.Run(ctx, "teamsrc", "teamtgt")
		if err != nil {
			t.Fatalf("dry run failed: %v", err)
		}
		if len(imp.imports) != 0 || imp.resolves != 0 {
			t.Errorf("dry run made %d imports and %d resolves, expected none", len(imp.imports), imp.resolves)
		}
		if repDry.Migrated != 2 || repDry.Retagged != 1 || repDry.Skipped != 2 {
			t.Errorf("unexpected dry run report: %+v", repDry)
		}
		for _, rr := range repDry.Results {
			for _, ar := range rr.Actions {
				if ar.Action.Type == plan.ActionSkip && ar.Outcome != OutcomeSkipped {
					t.Errorf("skip action %s:%s recorded %s", ar.Action.Repo, ar.Action.Tag, ar.Outcome)
				}
				if ar.Action.Type != plan.ActionSkip && ar.Outcome != OutcomePlanned {
					t.Errorf("action %s:%s recorded %s, expected planned", ar.Action.Repo, ar.Action.Tag, ar.Outcome)
				}
			}
		}
		// the dry run plan matches what a real run executes
		eReal := New(WithInventory(inv), WithImporter(imp))
		repReal, err := eReal.Run(ctx, "teamsrc", "teamtgt")
		if err != nil {
			t.Fatalf("real run failed: %v", err)
		}
		if !reflect.DeepEqual(plans(repDry), plans(repReal)) {
			t.Errorf("dry run plan differs from real run plan")
		}
	})

	t.Run("inventory failure isolated", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		inv.tagErr["teamsrc/app/api"] = fmt.Errorf("listing denied: %w", types.ErrUnauthorized)
		imp := &fakeImporter{id: "src-id"}
		e := New(WithInventory(inv), WithImporter(imp))
		rep, err := e.Run(ctx, "teamsrc", "teamtgt")
		if err == nil {
			t.Errorf("run with a failed repository did not error")
		} else if !errors.Is(err, types.ErrRunFailed) {
			t.Errorf("unexpected error: expected %v, received %v", types.ErrRunFailed, err)
		}
		if rep.Failed != 1 {
			t.Errorf("expected 1 failure, received %d", rep.Failed)
		}
		if len(rep.FailedRepos) != 1 || rep.FailedRepos[0].Repo != "app/api" {
			t.Errorf("failed repositories do not match: %+v", rep.FailedRepos)
		}
		// the other repositories still synced
		expect := []string{"app/web:latest"}
		if !reflect.DeepEqual(expect, imp.sorted()) {
			t.Errorf("imports do not match: expected %v, received %v", expect, imp.sorted())
		}
	})

	t.Run("catalog failure fatal", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		inv.listErr["teamsrc"] = fmt.Errorf("catalog denied: %w", types.ErrUnauthorized)
		e := New(WithInventory(inv), WithImporter(&fakeImporter{}))
		_, err := e.Run(ctx, "teamsrc", "teamtgt")
		if err == nil {
			t.Errorf("run with a failed catalog did not error")
		} else if !errors.Is(err, types.ErrUnauthorized) {
			t.Errorf("unexpected error: expected %v, received %v", types.ErrUnauthorized, err)
		}
	})

	t.Run("repository override bypasses catalog and filters", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		inv.listErr["teamsrc"] = fmt.Errorf("catalog denied: %w", types.ErrUnauthorized)
		policy, err := filter.ParseRules([]string{"app/*"})
		if err != nil {
			t.Fatalf("failed to parse rules: %v", err)
		}
		imp := &fakeImporter{id: "src-id"}
		e := New(
			WithInventory(inv),
			WithImporter(imp),
			WithIgnorePolicy(policy),
			WithRepository("app/web"),
		)
		rep, err := e.Run(ctx, "teamsrc", "teamtgt")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if rep.Migrated != 1 {
			t.Errorf("unexpected report: %+v", rep)
		}
		expect := []string{"app/web:latest"}
		if !reflect.DeepEqual(expect, imp.sorted()) {
			t.Errorf("imports do not match: expected %v, received %v", expect, imp.sorted())
		}
	})

	t.Run("filters and cap", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		inv.repos["teamsrc"] = []string{"app/api", "aux/tool", "base/alpine", "core/data"}
		inv.tags["teamsrc"]["aux/tool"] = []types.TagDigest{{Tag: "0.1", Digest: digA}}
		inv.tags["teamsrc"]["core/data"] = []types.TagDigest{{Tag: "0.1", Digest: digA}}
		letters, err := filter.ParseLetters("a-b")
		if err != nil {
			t.Fatalf("failed to parse letters: %v", err)
		}
		policy, err := filter.ParseRules([]string{"app/*"})
		if err != nil {
			t.Fatalf("failed to parse rules: %v", err)
		}
		imp := &fakeImporter{id: "src-id"}
		e := New(
			WithInventory(inv),
			WithImporter(imp),
			WithLetters(letters),
			WithIgnorePolicy(policy),
			WithMaxRepositories(1),
		)
		// app/api is ignored, core/data fails the letter filter, the cap
		// keeps only aux/tool of the remainder
		_, err = e.Run(ctx, "teamsrc", "teamtgt")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		expect := []string{"aux/tool:0.1"}
		if !reflect.DeepEqual(expect, imp.sorted()) {
			t.Errorf("imports do not match: expected %v, received %v", expect, imp.sorted())
		}
	})

	t.Run("force imports everything", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		imp := &fakeImporter{id: "src-id"}
		e := New(WithInventory(inv), WithImporter(imp), WithForce())
		rep, err := e.Run(ctx, "teamsrc", "teamtgt")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if rep.Skipped != 0 || rep.Retagged != 0 || rep.Migrated != 5 {
			t.Errorf("unexpected report: %+v", rep)
		}
		if len(imp.sorted()) != 5 {
			t.Errorf("expected 5 imports, received %d", len(imp.imports))
		}
	})

	t.Run("import failure continues", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		imp := &fakeImporter{
			id: "src-id",
			importErr: map[string]error{
				"app/api:2.0": fmt.Errorf("import denied: %w", types.ErrUnauthorized),
			},
		}
		e := New(WithInventory(inv), WithImporter(imp))
		rep, err := e.Run(ctx, "teamsrc", "teamtgt")
		if err == nil {
			t.Errorf("run with a failed import did not error")
		} else if !errors.Is(err, types.ErrRunFailed) {
			t.Errorf("unexpected error: expected %v, received %v", types.ErrRunFailed, err)
		}
		if rep.Failed != 1 || rep.Migrated != 2 {
			t.Errorf("unexpected report: %+v", rep)
		}
		// the failed action was submitted once, never retried
		count := 0
		for _, im := range imp.sorted() {
			if im == "app/api:2.0" {
				count++
			}
		}
		if count != 1 {
			t.Errorf("failed import submitted %d times, expected once", count)
		}
	})

	t.Run("resolve failure fails repository", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		imp := &fakeImporter{
			resolveErr: fmt.Errorf("resolve denied: %w", types.ErrUnauthorized),
		}
		e := New(WithInventory(inv), WithImporter(imp))
		rep, err := e.Run(ctx, "teamsrc", "teamtgt")
		if err == nil {
			t.Errorf("run with a failed resolve did not error")
		} else if !errors.Is(err, types.ErrRunFailed) {
			t.Errorf("unexpected error: expected %v, received %v", types.ErrRunFailed, err)
		}
		if len(imp.imports) != 0 {
			t.Errorf("imports submitted after resolve failure: %v", imp.imports)
		}
		// both repositories with pending actions failed, base/alpine skips
		if len(rep.FailedRepos) != 2 {
			t.Errorf("failed repositories do not match: %+v", rep.FailedRepos)
		}
	})

	t.Run("cancellation stops submissions", func(t *testing.T) {
		t.Parallel()
		inv := newFixture()
		imp := &fakeImporter{id: "src-id"}
		e := New(WithInventory(inv), WithImporter(imp))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		rep, err := e.Run(cctx, "teamsrc", "teamtgt")
		if err == nil {
			t.Errorf("canceled run did not error")
		} else if !errors.Is(err, types.ErrRunFailed) {
			t.Errorf("unexpected error: expected %v, received %v", types.ErrRunFailed, err)
		}
		if len(imp.imports) != 0 {
			t.Errorf("imports submitted after cancellation: %v", imp.imports)
		}
		if rep.Failed != 3 || rep.Skipped != 2 {
			t.Errorf("unexpected report: %+v", rep)
		}
	})

	t.Run("delay spaces submissions", func(t *testing.T) {
		t.Parallel()
		inv := &fakeInventory{
			repos: map[string][]string{"teamsrc": {"app/api"}},
			tags: map[string]map[string][]types.TagDigest{
				"teamsrc": {
					"app/api": {
						{Tag: "1.0", Digest: digA},
						{Tag: "2.0", Digest: digB},
						{Tag: "3.0", Digest: digC},
					},
				},
				"teamtgt": {},
			},
		}
		imp := &fakeImporter{id: "src-id"}
		delay := 20 * time.Millisecond
		e := New(WithInventory(inv), WithImporter(imp), WithDelay(delay))
		start := time.Now()
		_, err := e.Run(ctx, "teamsrc", "teamtgt")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		// three submissions are spaced by two delays
		if elapsed := time.Since(start); elapsed < 2*delay {
			t.Errorf("run finished in %s, expected at least %s", elapsed, 2*delay)
		}
		if len(imp.sorted()) != 3 {
			t.Errorf("expected 3 imports, received %d", len(imp.imports))
		}
	})
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	results := []RepoResult{
		{
			Repo: "app/api",
			Actions: []ActionResult{
				{Action: plan.Action{Type: plan.ActionSkip, Repo: "app/api", Tag: "1.0"}, Outcome: OutcomeSkipped},
				{Action: plan.Action{Type: plan.ActionRetag, Repo: "app/api", Tag: "2.0", AlgorithmMismatch: true}, Outcome: OutcomeCompleted},
				{Action: plan.Action{Type: plan.ActionCreate, Repo: "app/api", Tag: "3.0"}, Outcome: OutcomeFailed, Err: types.ErrUnauthorized},
			},
		},
		{
			Repo: "app/web",
			Err:  types.ErrNotFound,
		},
	}
	rep := Summarize(results, false, time.Second)
	if rep.Migrated != 0 || rep.Retagged != 1 || rep.Skipped != 1 || rep.Failed != 2 {
		t.Errorf("unexpected report: %+v", rep)
	}
	if rep.Mismatches != 1 {
		t.Errorf("expected 1 mismatch, received %d", rep.Mismatches)
	}
	if len(rep.FailedRepos) != 2 {
		t.Fatalf("failed repositories do not match: %+v", rep.FailedRepos)
	}
	out, err := rep.MarshalPretty()
	if err != nil {
		t.Fatalf("failed to marshal report: %v", err)
	}
	if len(out) == 0 {
		t.Errorf("empty pretty report")
	}
}
