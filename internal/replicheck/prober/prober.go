// Package prober confirms each replica is in read-only recovery and measures
// its replication lag.
package prober

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/replicheck/pool"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
)

// statusQuery returns recovery state and lag in one round trip. The lag
// expression is NULL until the replica has replayed at least one transaction;
// that must be reported as unavailable rather than zero.
const statusQuery = `
	SELECT pg_is_in_recovery(),
	       EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp()))::float8`

// ReplicationStatus is the probe result for one node. Recomputed fresh at
// probe time, never cached across stages.
type ReplicationStatus struct {
	Node       registry.Node
	InRecovery bool
	// Lag is nil when the replica has not replayed any transaction yet.
	Lag *time.Duration
}

// LagKnown reports whether a lag measurement is available.
func (s ReplicationStatus) LagKnown() bool {
	return s.Lag != nil
}

// Target pairs a node with the pool it is probed through.
type Target struct {
	Node registry.Node
	Db   pool.Querier
}

type Prober struct{}

// Probe issues the recovery-mode check against one node.
func (Prober) Probe(ctx context.Context, target Target) (ReplicationStatus, error) {
	status := ReplicationStatus{Node: target.Node}
	var lagSeconds *float64
	err := target.Db.QueryRow(ctx, statusQuery).Scan(&status.InRecovery, &lagSeconds)
	if err != nil {
		return status, errors.WithStack(&checkerrors.ErrConnection{
			Node:    target.Node.Name,
			Message: "probing replication status",
			Inner:   err,
		})
	}
	if lagSeconds != nil {
		lag := time.Duration(*lagSeconds * float64(time.Second))
		status.Lag = &lag
	}
	return status, nil
}

// ProbeReplicas probes every target even if one fails, so a single bad
// replica does not hide visibility into the others. Statuses are returned
// for every successfully probed node; failures are collected into a
// multierror. A replica that is not in recovery mode yields an ErrTopology
// (non-fatal to probing, fatal to the overall verdict); a probe that cannot
// be executed yields an ErrConnection (fatal).
func (p Prober) ProbeReplicas(ctx context.Context, targets []Target) ([]ReplicationStatus, error) {
	var result *multierror.Error
	statuses := make([]ReplicationStatus, 0, len(targets))
	for _, target := range targets {
		status, err := p.Probe(ctx, target)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		statuses = append(statuses, status)

		nodeLog := log.WithField("node", target.Node.Name)
		if !status.InRecovery {
			result = multierror.Append(result, errors.WithStack(&checkerrors.ErrTopology{
				Node:    target.Node.Name,
				Message: "configured as replica but not in recovery mode",
			}))
			nodeLog.Error("not in recovery mode")
			continue
		}
		if status.LagKnown() {
			nodeLog.Infof("in recovery, replication lag %.2fs", status.Lag.Seconds())
		} else {
			nodeLog.Info("in recovery, replication lag unavailable")
		}
	}
	return statuses, result.ErrorOrNil()
}

// CheckPrimary verifies the primary is not in recovery mode, distinguishing
// a correctly wired topology from one where the roles are crossed.
func (p Prober) CheckPrimary(ctx context.Context, target Target) error {
	status, err := p.Probe(ctx, target)
	if err != nil {
		return err
	}
	if status.InRecovery {
		return errors.WithStack(&checkerrors.ErrTopology{
			Node:    target.Node.Name,
			Message: "configured as primary but in recovery mode",
		})
	}
	return nil
}

// MaxLag probes all targets and returns the largest known lag. The second
// return value is false if any replica's lag is unavailable, in which case
// callers should treat replication as not yet caught up.
func (p Prober) MaxLag(ctx context.Context, targets []Target) (time.Duration, bool, error) {
	var max time.Duration
	known := true
	for _, target := range targets {
		status, err := p.Probe(ctx, target)
		if err != nil {
			return 0, false, err
		}
		if !status.LagKnown() {
			known = false
			continue
		}
		if *status.Lag > max {
			max = *status.Lag
		}
	}
	return max, known, nil
}
