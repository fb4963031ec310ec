package transfer

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/acrsync/acrsync/internal/plan"
)

// Outcome records what happened to one planned action.
type Outcome int

const (
	// OutcomeSkipped is recorded for skip actions, no call is made.
	OutcomeSkipped Outcome = iota
	// OutcomePlanned is recorded for create and retag actions in a dry run.
	OutcomePlanned
	// OutcomeCompleted indicates the import succeeded.
	OutcomeCompleted
	// OutcomeFailed indicates the import failed, the action is not retried.
	OutcomeFailed
	// OutcomeCanceled is recorded for actions not submitted before cancellation.
	OutcomeCanceled
)

// String returns the outcome name used in reports.
func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomePlanned:
		return "planned"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	}
	return "unknown"
}

// MarshalText supports json and templated report output.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ActionResult pairs a planned action with its outcome.
type ActionResult struct {
	Action  plan.Action `json:"action"`
	Outcome Outcome     `json:"outcome"`
	Err     error       `json:"-"`
}

// RepoResult collects the outcome of one repository. Err is set when the
// repository failed before or during execution (tag listing, identity
// resolution), the run continues with the other repositories.
type RepoResult struct {
	Repo    string         `json:"repo"`
	Actions []ActionResult `json:"actions,omitempty"`
	Err     error          `json:"-"`
}

// RepoFailure names a failed repository in the report.
type RepoFailure struct {
	Repo   string `json:"repo"`
	Reason string `json:"reason"`
}

// Report is the aggregated result of one run.
type Report struct {
	DryRun      bool          `json:"dryRun,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Migrated    int           `json:"migrated"`
	Retagged    int           `json:"retagged"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Mismatches  int           `json:"mismatches,omitempty"`
	FailedRepos []RepoFailure `json:"failedRepos,omitempty"`
	Results     []RepoResult  `json:"results,omitempty"`
}

// Summarize aggregates per repository results into a report. Aggregation is
// pure so a report can be rebuilt from recorded results in tests.
func Summarize(results []RepoResult, dryRun bool, elapsed time.Duration) Report {
	rep := Report{
		DryRun:  dryRun,
		Elapsed: elapsed,
		Results: results,
	}
	for _, rr := range results {
		if rr.Err != nil {
			// the repository failed as a unit, per action outcomes are not tallied
			rep.Failed++
			rep.FailedRepos = append(rep.FailedRepos, RepoFailure{Repo: rr.Repo, Reason: rr.Err.Error()})
			continue
		}
		failed := 0
		var firstErr error
		for _, ar := range rr.Actions {
			switch ar.Outcome {
			case OutcomeSkipped:
				rep.Skipped++
			case OutcomePlanned, OutcomeCompleted:
				if ar.Action.Type == plan.ActionRetag {
					rep.Retagged++
				} else {
					rep.Migrated++
				}
			case OutcomeFailed, OutcomeCanceled:
				rep.Failed++
				failed++
				if firstErr == nil && ar.Err != nil {
					firstErr = ar.Err
				}
			}
			if ar.Action.AlgorithmMismatch {
				rep.Mismatches++
			}
		}
		if failed > 0 {
			reason := fmt.Sprintf("%d of %d actions failed", failed, len(rr.Actions))
			if firstErr != nil {
				reason = firstErr.Error()
			}
			rep.FailedRepos = append(rep.FailedRepos, RepoFailure{Repo: rr.Repo, Reason: reason})
		}
	}
	return rep
}

// MarshalPretty renders the report for the printPretty template function.
func (r Report) MarshalPretty() ([]byte, error) {
	buf := &bytes.Buffer{}
	tw := tabwriter.NewWriter(buf, 0, 0, 1, ' ', 0)
	if r.DryRun {
		fmt.Fprintf(tw, "Mode:\tdry-run\n")
	}
	fmt.Fprintf(tw, "Migrated:\t%d\n", r.Migrated)
	fmt.Fprintf(tw, "Retagged:\t%d\n", r.Retagged)
	fmt.Fprintf(tw, "Skipped:\t%d\n", r.Skipped)
	fmt.Fprintf(tw, "Failed:\t%d\n", r.Failed)
	if r.Mismatches > 0 {
		fmt.Fprintf(tw, "Digest algorithm mismatches:\t%d\n", r.Mismatches)
	}
	fmt.Fprintf(tw, "Elapsed:\t%s\n", r.Elapsed.Round(time.Millisecond))
	if len(r.FailedRepos) > 0 {
		fmt.Fprintf(tw, "Failed repositories:\n")
		for _, f := range r.FailedRepos {
			fmt.Fprintf(tw, "  %s:\t%s\n", f.Repo, f.Reason)
		}
	}
	_ = tw.Flush()
	return buf.Bytes(), nil
}
