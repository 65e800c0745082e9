// Package report merges probe results, throughput metrics, and consistency
// results into a single pass/fail report with exit status.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/replicheck/prober"
	"github.com/replicheck/replicheck/internal/replicheck/reader"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
	"github.com/replicheck/replicheck/internal/replicheck/verifier"
	"github.com/replicheck/replicheck/internal/replicheck/writer"
)

// Failure names the stage and node an error occurred in, for the textual
// report.
type Failure struct {
	Stage   string
	Node    string
	Message string
}

// RunReport is the terminal artifact of a run; immutable once produced.
type RunReport struct {
	Primary     registry.Node
	Statuses    []prober.ReplicationStatus
	Write       writer.Result
	ReadResults []reader.ReadResult
	Consistency []verifier.ConsistencyReport
	Warnings    []string
	Failures    []Failure
	Cancelled   bool
	Elapsed     time.Duration
	Passed      bool
}

// Aggregate produces the run report. Pure: no side effects beyond the value
// returned. The run passes iff every probed replica is in recovery, every
// consistency check matched, and no stage recorded a failure; a cancelled
// run never passes, it reports as cancelled rather than partial success.
func Aggregate(
	primary registry.Node,
	statuses []prober.ReplicationStatus,
	write writer.Result,
	reads []reader.ReadResult,
	consistency []verifier.ConsistencyReport,
	warnings []string,
	failures []Failure,
	cancelled bool,
	elapsed time.Duration,
) *RunReport {
	r := &RunReport{
		Primary:     primary,
		Statuses:    statuses,
		Write:       write,
		ReadResults: reads,
		Consistency: consistency,
		Warnings:    warnings,
		Failures:    failures,
		Cancelled:   cancelled,
		Elapsed:     elapsed,
	}

	passed := !cancelled && len(failures) == 0
	for _, status := range statuses {
		if !status.InRecovery {
			passed = false
		}
	}
	for _, c := range consistency {
		if !c.Matched {
			passed = false
		}
	}
	r.Passed = passed
	return r
}

// FailuresFromError flattens err (possibly a multierror) into report
// failures, each naming the stage and node it occurred in.
func FailuresFromError(err error) []Failure {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		var failures []Failure
		for _, e := range merr.Errors {
			failures = append(failures, FailuresFromError(e)...)
		}
		return failures
	}
	return []Failure{{
		Stage:   checkerrors.Stage(err),
		Node:    nodeOf(err),
		Message: err.Error(),
	}}
}

func nodeOf(err error) string {
	{
		var e *checkerrors.ErrConnection
		if errors.As(err, &e) {
			return e.Node
		}
	}
	{
		var e *checkerrors.ErrTopology
		if errors.As(err, &e) {
			return e.Node
		}
	}
	{
		var e *checkerrors.ErrConsistency
		if errors.As(err, &e) {
			return e.Node
		}
	}
	return ""
}

// ExitCode is the process exit status for this report: 0 iff every check
// passed.
func (r *RunReport) ExitCode() int {
	if r.Passed {
		return 0
	}
	return 1
}

const rule = "======================================================================"

// Print renders the human-readable run report.
func (r *RunReport) Print(out io.Writer) {
	fmt.Fprintf(out, "\n%s\n", rule)
	fmt.Fprintf(out, "REPLICATION VERIFICATION REPORT\n")
	fmt.Fprintf(out, "%s\n", rule)

	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	fmt.Fprintf(w, "Primary:\t%s\n", r.Primary.Addr())
	fmt.Fprintf(w, "Records written:\t%d in %s\n", len(r.Write.Records), r.Write.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Runtime:\t%s\n", r.Elapsed.Round(time.Millisecond))
	w.Flush()

	if len(r.Statuses) > 0 {
		fmt.Fprintf(out, "\nReplica status:\n")
		w = tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
		for _, status := range r.Statuses {
			fmt.Fprintf(w, "  %s\t%s\trecovery=%t\tlag=%s\n",
				status.Node.Name, status.Node.Addr(), status.InRecovery, formatLag(status))
		}
		w.Flush()
	}

	if len(r.ReadResults) > 0 {
		fmt.Fprintf(out, "\nRead performance:\n")
		w = tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
		for _, read := range r.ReadResults {
			fmt.Fprintf(w, "  %s\t%d reads\t%d misses\t%s\t%.2f records/s\n",
				read.Node.Name, read.RecordsReturned, read.Misses,
				read.Elapsed.Round(time.Millisecond), read.Throughput)
		}
		w.Flush()
	}

	if len(r.Consistency) > 0 {
		fmt.Fprintf(out, "\nConsistency:\n")
		w = tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
		for _, c := range r.Consistency {
			verdict := "MATCHED"
			if !c.Matched {
				verdict = fmt.Sprintf("DIVERGED (%d mismatched)", len(c.MismatchedIds))
			}
			scope := "full"
			if c.Sampled {
				scope = "sampled"
			}
			fmt.Fprintf(w, "  %s\t%s\texpected=%d\tobserved=%d\t%s\n",
				c.Node.Name, verdict, c.ExpectedCount, c.ObservedCount, scope)
		}
		w.Flush()
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(out, "\nWARNING: %s\n", warning)
	}
	for _, failure := range r.Failures {
		if failure.Node != "" {
			fmt.Fprintf(out, "\nFAILED [%s] on %s: %s\n", failure.Stage, failure.Node, failure.Message)
		} else {
			fmt.Fprintf(out, "\nFAILED [%s]: %s\n", failure.Stage, failure.Message)
		}
	}

	fmt.Fprintf(out, "\n%s\n", rule)
	switch {
	case r.Cancelled:
		fmt.Fprintf(out, "RESULT: CANCELLED\n")
	case r.Passed:
		fmt.Fprintf(out, "RESULT: PASS\n")
	default:
		fmt.Fprintf(out, "RESULT: FAIL\n")
	}
	fmt.Fprintf(out, "%s\n", rule)
}

func formatLag(status prober.ReplicationStatus) string {
	if !status.LagKnown() {
		return "unavailable"
	}
	return fmt.Sprintf("%.2fs", status.Lag.Seconds())
}
