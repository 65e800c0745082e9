// Package reader issues the configured read load concurrently across all
// replica pools and measures per-node throughput.
package reader

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/replicheck/pool"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
	"github.com/replicheck/replicheck/internal/replicheck/schema"
	"github.com/replicheck/replicheck/internal/replicheck/writer"
)

var selectSql = fmt.Sprintf(
	"SELECT id, payload, random_value, created_at FROM %s WHERE id = $1",
	schema.TableName,
)

// ReadResult is the per-replica outcome of the read stage.
type ReadResult struct {
	Node            registry.Node
	RecordsReturned int
	// Misses counts reads that returned zero rows for an id known to have
	// been committed on the primary. Misses are an expected symptom of
	// replication lag and feed the consistency verifier; they never abort
	// the batch.
	Misses  int
	Elapsed time.Duration
	// Throughput in records per second; zero when nothing was returned.
	Throughput float64
}

// Target pairs a replica with the pool its share of reads runs against.
type Target struct {
	Node registry.Node
	Db   pool.Querier
}

// Dispatcher splits a total read count across replicas and issues each
// share through a bounded worker pool. Workers per replica equals that
// replica's connection pool capacity, so pool capacity is the sole
// backpressure mechanism; no unbounded spawning.
type Dispatcher struct {
	Targets []Target
	Workers int
	Random  *rand.Rand
}

// SplitReads distributes total reads across n replicas: evenly, with the
// remainder assigned to the first replicas.
func SplitReads(total, n int) []int {
	if n <= 0 {
		return nil
	}
	shares := make([]int, n)
	for i := range shares {
		shares[i] = total / n
		if i < total%n {
			shares[i]++
		}
	}
	return shares
}

// Run issues totalReads point reads of previously written records, spread
// across the replicas. Replicas are read concurrently and workers within one
// replica interleave arbitrarily; there is no required ordering. Returns one
// ReadResult per replica in target order.
func (d *Dispatcher) Run(ctx context.Context, records []writer.TestRecord, totalReads int) ([]ReadResult, error) {
	if d.Workers <= 0 {
		return nil, errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "Workers",
			Value:   d.Workers,
			Message: "must be positive",
		})
	}
	results := make([]ReadResult, len(d.Targets))
	for i, target := range d.Targets {
		results[i] = ReadResult{Node: target.Node}
	}
	shares := SplitReads(totalReads, len(d.Targets))
	if totalReads == 0 || len(records) == 0 || len(d.Targets) == 0 {
		return results, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range d.Targets {
		i := i
		g.Go(func() error {
			result, err := d.readShare(ctx, d.Targets[i], records, shares[i])
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// readShare performs one replica's share of reads through a worker pool
// bounded by the replica's connection pool capacity. Elapsed time runs from
// first dispatch to last completion.
func (d *Dispatcher) readShare(ctx context.Context, target Target, records []writer.TestRecord, share int) (ReadResult, error) {
	result := ReadResult{Node: target.Node}
	if share == 0 {
		return result, nil
	}

	var returned, misses int64
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Workers)
	for i := 0; i < share; i++ {
		id := records[d.Random.Intn(len(records))].Id
		g.Go(func() error {
			var record writer.TestRecord
			err := target.Db.QueryRow(ctx, selectSql, id).
				Scan(&record.Id, &record.Payload, &record.RandomValue, &record.CreatedAt)
			if err == pgx.ErrNoRows {
				atomic.AddInt64(&misses, 1)
				return nil
			}
			if err != nil {
				return errors.WithStack(&checkerrors.ErrConnection{
					Node:    target.Node.Name,
					Message: "reading record",
					Inner:   err,
				})
			}
			atomic.AddInt64(&returned, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	result.RecordsReturned = int(returned)
	result.Misses = int(misses)
	result.Elapsed = time.Since(start)
	result.Throughput = Throughput(result.RecordsReturned, result.Elapsed)
	log.WithField("node", target.Node.Name).Infof(
		"%d reads in %s (%.2f records/s, %d misses)",
		result.RecordsReturned, result.Elapsed.Round(time.Millisecond), result.Throughput, result.Misses,
	)
	return result, nil
}

// Throughput computes records per second, guarding the zero cases so a
// --reads 0 run reports zero throughput rather than dividing by zero.
func Throughput(returned int, elapsed time.Duration) float64 {
	if returned == 0 || elapsed <= 0 {
		return 0
	}
	return float64(returned) / elapsed.Seconds()
}
