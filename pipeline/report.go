package pipeline

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"
)

// Run outcomes recorded in the report.
const (
	outcomeSkipped   = "skipped"
	outcomePlanned   = "planned"
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeCanceled  = "canceled"
	outcomePending   = "pending"
)

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	Name      string `json:"name"`
	State     string `json:"state,omitempty"`
	Outcome   string `json:"outcome"`
	Artifacts int    `json:"artifacts,omitempty"`
	Blob      string `json:"blob,omitempty"`
	Err       error  `json:"-"`
}

// Report summarizes a bulk export or import invocation.
type Report struct {
	DryRun    bool          `json:"dryRun,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Created   int           `json:"created"`
	Skipped   int           `json:"skipped"`
	Planned   int           `json:"planned,omitempty"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Canceled  int           `json:"canceled,omitempty"`
	Runs      []RunResult   `json:"runs,omitempty"`
}

// MarshalPretty renders the report for terminal output.
func (r Report) MarshalPretty() ([]byte, error) {
	buf := &bytes.Buffer{}
	tw := tabwriter.NewWriter(buf, 0, 2, 2, ' ', 0)
	if r.DryRun {
		fmt.Fprintf(tw, "Mode:\tdry-run\n")
		fmt.Fprintf(tw, "Planned:\t%d\n", r.Planned)
	} else {
		fmt.Fprintf(tw, "Created:\t%d\n", r.Created)
		fmt.Fprintf(tw, "Succeeded:\t%d\n", r.Succeeded)
	}
	fmt.Fprintf(tw, "Skipped:\t%d\n", r.Skipped)
	fmt.Fprintf(tw, "Failed:\t%d\n", r.Failed)
	if r.Canceled > 0 {
		fmt.Fprintf(tw, "Canceled:\t%d\n", r.Canceled)
	}
	fmt.Fprintf(tw, "Elapsed:\t%s\n", r.Elapsed.Round(time.Millisecond))
	failed := false
	for _, run := range r.Runs {
		if run.Outcome != outcomeFailed {
			continue
		}
		if !failed {
			fmt.Fprintf(tw, "Failed runs:\n")
			failed = true
		}
		reason := run.State
		if run.Err != nil {
			reason = run.Err.Error()
		}
		fmt.Fprintf(tw, "  %s:\t%s\n", run.Name, reason)
	}
	err := tw.Flush()
	if err != nil {
		return []byte{}, err
	}
	return buf.Bytes(), nil
}
