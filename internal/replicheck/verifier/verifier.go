// Package verifier compares the row set written to the primary against what
// each replica reports and flags any divergence.
package verifier

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/replicheck/pool"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
	"github.com/replicheck/replicheck/internal/replicheck/schema"
	"github.com/replicheck/replicheck/internal/replicheck/writer"
)

var fetchSql = fmt.Sprintf(
	"SELECT id, payload, random_value FROM %s WHERE id = ANY($1) ORDER BY id",
	schema.TableName,
)

// ConsistencyReport is the per-replica verification outcome. MismatchedIds
// lists exact identifiers (present on the primary, absent or different on
// the replica) so operators can distinguish "fully behind" from "partially
// corrupted".
type ConsistencyReport struct {
	Node          registry.Node
	Matched       bool
	ExpectedCount int
	ObservedCount int
	MismatchedIds []int64
	// Sampled is true when only a subset of written records was compared,
	// trading precision for runtime on large datasets.
	Sampled bool
}

// Target pairs a replica with the pool it is verified through.
type Target struct {
	Node registry.Node
	Db   pool.Querier
}

// Verifier checks each replica's rows against the primary's for the run's
// written id set. Full comparison by default; a positive Sample caps the
// number of records compared per run (an explicit precision trade-off).
type Verifier struct {
	Primary pool.Querier
	Targets []Target
	Sample  int
	Random  *rand.Rand
}

type row struct {
	payload     string
	randomValue int64
}

// Run verifies every replica even if one fails or diverges; per-replica
// failures are collected, never short-circuiting the remaining checks.
// Returns one report per successfully queried replica plus a multierror
// holding an ErrConsistency per diverged replica and an ErrConnection per
// replica that could not be queried.
func (v *Verifier) Run(ctx context.Context, records []writer.TestRecord) ([]ConsistencyReport, error) {
	ids, sampled := v.selectIds(records)

	var primaryRows map[int64]row
	if len(ids) > 0 {
		var err error
		primaryRows, err = fetch(ctx, v.Primary, ids)
		if err != nil {
			return nil, errors.WithStack(&checkerrors.ErrConnection{
				Node:    "primary",
				Message: "fetching verification set",
				Inner:   err,
			})
		}
	}

	var result *multierror.Error
	reports := make([]ConsistencyReport, 0, len(v.Targets))
	for _, target := range v.Targets {
		report, err := v.verifyReplica(ctx, target, ids, primaryRows, sampled)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		reports = append(reports, report)
		if !report.Matched {
			result = multierror.Append(result, errors.WithStack(&checkerrors.ErrConsistency{
				Node:          target.Node.Name,
				Expected:      report.ExpectedCount,
				Observed:      report.ObservedCount,
				MismatchedIds: report.MismatchedIds,
			}))
		}
	}
	return reports, result.ErrorOrNil()
}

func (v *Verifier) verifyReplica(
	ctx context.Context,
	target Target,
	ids []int64,
	primaryRows map[int64]row,
	sampled bool,
) (ConsistencyReport, error) {
	report := ConsistencyReport{
		Node:          target.Node,
		ExpectedCount: len(ids),
		Sampled:       sampled,
	}
	if len(ids) == 0 {
		// Nothing was written; an empty comparison trivially matches.
		report.Matched = true
		return report, nil
	}

	replicaRows, err := fetch(ctx, target.Db, ids)
	if err != nil {
		return report, errors.WithStack(&checkerrors.ErrConnection{
			Node:    target.Node.Name,
			Message: "fetching verification set",
			Inner:   err,
		})
	}
	report.ObservedCount = len(replicaRows)

	for _, id := range ids {
		primary, onPrimary := primaryRows[id]
		replica, onReplica := replicaRows[id]
		if !onPrimary || !onReplica || primary != replica {
			report.MismatchedIds = append(report.MismatchedIds, id)
		}
	}
	sort.Slice(report.MismatchedIds, func(i, j int) bool {
		return report.MismatchedIds[i] < report.MismatchedIds[j]
	})
	report.Matched = report.ObservedCount == report.ExpectedCount && len(report.MismatchedIds) == 0

	nodeLog := log.WithField("node", target.Node.Name)
	if report.Matched {
		nodeLog.Infof("consistent (%d records compared)", report.ExpectedCount)
	} else {
		nodeLog.Errorf(
			"diverged: expected %d records, observed %d, %d mismatched",
			report.ExpectedCount, report.ObservedCount, len(report.MismatchedIds),
		)
	}
	return report, nil
}

// selectIds returns the ids to verify: every written id, or a uniform sample
// without replacement when a positive Sample is smaller than the run.
func (v *Verifier) selectIds(records []writer.TestRecord) ([]int64, bool) {
	if v.Sample > 0 && v.Sample < len(records) && v.Random != nil {
		ids := make([]int64, 0, v.Sample)
		for _, i := range v.Random.Perm(len(records))[:v.Sample] {
			ids = append(ids, records[i].Id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids, true
	}
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.Id)
	}
	return ids, false
}

func fetch(ctx context.Context, db pool.Querier, ids []int64) (map[int64]row, error) {
	rows, err := db.Query(ctx, fetchSql, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int64]row, len(ids))
	for rows.Next() {
		var id int64
		var r row
		if err := rows.Scan(&id, &r.payload, &r.randomValue); err != nil {
			return nil, err
		}
		result[id] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
