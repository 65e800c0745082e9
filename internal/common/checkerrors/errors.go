// Package checkerrors contains the typed errors produced by the verification
// stages. The run loop and the report aggregator look for the error types
// defined in this file (using errors.As, so wrapped errors are handled) to
// decide whether a failure aborts the run or is collected into the report.
//
// If multiple errors occur in some stage (e.g., if several replicas fail the
// recovery-mode check), that stage should return an error of type
// multierror.Error from package github.com/hashicorp/go-multierror that
// encapsulates those individual errors.
package checkerrors

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ErrInvalidConfiguration indicates the harness configuration is missing or
// malformed. Always fatal; no partial run is attempted.
type ErrInvalidConfiguration struct {
	Name    string      // Name of the field referred to, e.g., "nodes"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidConfiguration) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrConnection indicates a node was unreachable or rejected authentication.
// Fatal for the run: a topology we cannot connect to is a provisioning
// problem, not something the harness can retry its way out of.
type ErrConnection struct {
	Node    string
	Message string
	Inner   error
}

func (err *ErrConnection) Error() (s string) {
	s = fmt.Sprintf("failed to connect to node %q", err.Node)
	if err.Message != "" {
		s += "; " + err.Message
	}
	if err.Inner != nil {
		s += ": " + err.Inner.Error()
	}
	return
}

func (err *ErrConnection) Unwrap() error { return err.Inner }

// ErrSchema indicates that creating the test table or index failed for a
// reason other than the object already existing. Fatal.
type ErrSchema struct {
	Statement string // The failing DDL statement, abbreviated
	Inner     error
}

func (err *ErrSchema) Error() string {
	return fmt.Sprintf("schema bootstrap failed on %q: %v", err.Statement, err.Inner)
}

func (err *ErrSchema) Unwrap() error { return err.Inner }

// ErrTopology indicates a node's observed role does not match its configured
// role, e.g., a configured replica that is not in recovery mode. Non-fatal to
// probing the remaining nodes, fatal to the overall verdict.
type ErrTopology struct {
	Node    string
	Message string
}

func (err *ErrTopology) Error() string {
	return fmt.Sprintf("topology violation on node %q: %s", err.Node, err.Message)
}

// ErrWrite indicates an insert against the primary failed. Committed records
// the number of records durably committed before the failure, so there is no
// silent partial success. Fatal; the run aborts before reads.
type ErrWrite struct {
	Committed int
	Inner     error
}

func (err *ErrWrite) Error() string {
	return fmt.Sprintf("write load aborted after %d committed records: %v", err.Committed, err.Inner)
}

func (err *ErrWrite) Unwrap() error { return err.Inner }

// ErrSettleTimeout indicates the polling settle strategy exhausted its budget
// before replication lag dropped below the threshold. Non-fatal: the run
// proceeds to reads, but the report carries a lag warning.
type ErrSettleTimeout struct {
	Timeout time.Duration
	LastLag time.Duration // Most recent lag observation; negative if unavailable
}

func (err *ErrSettleTimeout) Error() string {
	if err.LastLag < 0 {
		return fmt.Sprintf("replication lag still unavailable after %s", err.Timeout)
	}
	return fmt.Sprintf("replication lag still %s after %s", err.LastLag, err.Timeout)
}

// ErrConsistency indicates a replica's row set diverged from the primary's.
// Non-fatal to checking the remaining replicas, fatal to the overall verdict.
type ErrConsistency struct {
	Node          string
	Expected      int
	Observed      int
	MismatchedIds []int64
}

func (err *ErrConsistency) Error() string {
	return fmt.Sprintf(
		"node %q diverged from primary: expected %d records, observed %d, %d mismatched",
		err.Node, err.Expected, err.Observed, len(err.MismatchedIds),
	)
}

// IsFatal reports whether err must abort the run. Configuration, connection,
// schema, and write errors are fatal; topology, settle-timeout, and
// consistency errors are collected into the report instead.
// Uses errors.As to look through the chain of errors, as opposed to just
// considering the topmost error in the chain.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	// For a multierror, the whole group is fatal if any member is.
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			if IsFatal(e) {
				return true
			}
		}
		return false
	}

	{
		var e *ErrTopology
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrSettleTimeout
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrConsistency
		if errors.As(err, &e) {
			return false
		}
	}
	return true
}

// Stage maps an error to the name of the pipeline stage that produced it, for
// inclusion in the run report. Returns "run" if the error carries no stage
// information.
func Stage(err error) string {
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		return Stage(merr.Errors[0])
	}

	{
		var e *ErrInvalidConfiguration
		if errors.As(err, &e) {
			return "configuration"
		}
	}
	{
		var e *ErrConnection
		if errors.As(err, &e) {
			return "connect"
		}
	}
	{
		var e *ErrSchema
		if errors.As(err, &e) {
			return "bootstrap"
		}
	}
	{
		var e *ErrTopology
		if errors.As(err, &e) {
			return "probe"
		}
	}
	{
		var e *ErrWrite
		if errors.As(err, &e) {
			return "write"
		}
	}
	{
		var e *ErrSettleTimeout
		if errors.As(err, &e) {
			return "settle"
		}
	}
	{
		var e *ErrConsistency
		if errors.As(err, &e) {
			return "verify"
		}
	}
	return "run"
}
