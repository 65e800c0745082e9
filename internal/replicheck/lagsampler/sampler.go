// Package lagsampler measures end-to-end replication lag empirically: it
// commits a sentinel record on the primary and polls each replica until the
// record becomes visible, repeating for a number of samples.
package lagsampler

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/replicheck/pool"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
	"github.com/replicheck/replicheck/internal/replicheck/schema"
)

var (
	sentinelInsertSql = fmt.Sprintf(
		"INSERT INTO %s (payload, random_value) VALUES ($1, 0)", schema.TableName)
	sentinelProbeSql = fmt.Sprintf(
		"SELECT 1 FROM %s WHERE payload = $1", schema.TableName)
)

// Target pairs a replica with the pool it is polled through.
type Target struct {
	Node registry.Node
	Db   pool.Querier
}

// Sampler measures the time from a committed insert on the primary to its
// visibility on each replica.
type Sampler struct {
	Primary  pool.Querier
	Replicas []Target
	// Samples is the number of sentinel records to measure.
	Samples int
	// Interval is the pause between samples.
	Interval time.Duration
	// PollInterval is the pause between visibility probes on a replica.
	PollInterval time.Duration
	// Timeout bounds how long one sample waits for one replica.
	Timeout time.Duration
}

// Stats summarises the successful lag observations for one replica.
type Stats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P95   time.Duration
}

// ReplicaLag is the per-replica outcome over all samples.
type ReplicaLag struct {
	Node registry.Node
	// Timeouts counts samples where the sentinel never became visible
	// within the per-sample budget.
	Timeouts int
	Stats    Stats
}

// LagReport is the terminal artifact of a lag measurement run.
type LagReport struct {
	Samples  int
	Replicas []ReplicaLag
}

// Run measures Samples sentinel inserts. Replicas are polled concurrently
// per sample; a replica timing out on one sample does not abort the others.
func (s *Sampler) Run(ctx context.Context) (*LagReport, error) {
	if s.Samples <= 0 {
		return nil, errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "Samples",
			Value:   s.Samples,
			Message: "must be positive",
		})
	}

	observed := make(map[string][]time.Duration, len(s.Replicas))
	timeouts := make(map[string]int, len(s.Replicas))
	var mu sync.Mutex

	for i := 0; i < s.Samples; i++ {
		sentinel := uuid.NewString()
		if _, err := s.Primary.Exec(ctx, sentinelInsertSql, sentinel); err != nil {
			return nil, errors.WithStack(&checkerrors.ErrWrite{Committed: i, Inner: err})
		}
		committed := time.Now()

		g, gctx := errgroup.WithContext(ctx)
		for _, target := range s.Replicas {
			target := target
			g.Go(func() error {
				lag, err := s.awaitVisible(gctx, target, sentinel, committed)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if lag < 0 {
					timeouts[target.Node.Name]++
				} else {
					observed[target.Node.Name] = append(observed[target.Node.Name], lag)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		log.Infof("sample %d/%d done", i+1, s.Samples)

		if s.Interval > 0 && i+1 < s.Samples {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.Interval):
			}
		}
	}

	result := &LagReport{Samples: s.Samples}
	for _, target := range s.Replicas {
		result.Replicas = append(result.Replicas, ReplicaLag{
			Node:     target.Node,
			Timeouts: timeouts[target.Node.Name],
			Stats:    ComputeStats(observed[target.Node.Name]),
		})
	}
	return result, nil
}

// awaitVisible polls target until the sentinel payload is readable or the
// per-sample budget elapses. Returns -1 on timeout.
func (s *Sampler) awaitVisible(ctx context.Context, target Target, sentinel string, committed time.Time) (time.Duration, error) {
	deadline := committed.Add(s.Timeout)
	for {
		var one int
		err := target.Db.QueryRow(ctx, sentinelProbeSql, sentinel).Scan(&one)
		if err == nil {
			return time.Since(committed), nil
		}
		if err != pgx.ErrNoRows {
			return 0, errors.WithStack(&checkerrors.ErrConnection{
				Node:    target.Node.Name,
				Message: "polling for sentinel",
				Inner:   err,
			})
		}
		if time.Now().After(deadline) {
			return -1, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.PollInterval):
		}
	}
}

// ComputeStats summarises lag observations. The p95 follows the original
// harness convention: the value at index floor(0.95*n) of the sorted
// samples, or the maximum when there is a single sample.
func ComputeStats(lags []time.Duration) Stats {
	if len(lags) == 0 {
		return Stats{}
	}
	sorted := make([]time.Duration, len(lags))
	copy(sorted, lags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, lag := range sorted {
		sum += lag
	}
	p95 := sorted[len(sorted)-1]
	if len(sorted) > 1 {
		p95 = sorted[int(float64(len(sorted))*0.95)]
	}
	return Stats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / time.Duration(len(sorted)),
		P95:   p95,
	}
}

// Print renders the per-replica lag statistics.
func (r *LagReport) Print(out io.Writer) {
	fmt.Fprintf(out, "\nReplication lag over %d samples:\n", r.Samples)
	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	fmt.Fprintf(w, "  node\tsamples\ttimeouts\tmin\tavg\tmax\tp95\n")
	for _, replica := range r.Replicas {
		if replica.Stats.Count == 0 {
			fmt.Fprintf(w, "  %s\t0/%d\t%d\t-\t-\t-\t-\n",
				replica.Node.Name, r.Samples, replica.Timeouts)
			continue
		}
		fmt.Fprintf(w, "  %s\t%d/%d\t%d\t%s\t%s\t%s\t%s\n",
			replica.Node.Name, replica.Stats.Count, r.Samples, replica.Timeouts,
			formatMs(replica.Stats.Min), formatMs(replica.Stats.Avg),
			formatMs(replica.Stats.Max), formatMs(replica.Stats.P95))
	}
	w.Flush()
}

// Failed reports whether any replica produced no successful sample at all.
func (r *LagReport) Failed() bool {
	for _, replica := range r.Replicas {
		if replica.Stats.Count == 0 {
			return true
		}
	}
	return false
}

func formatMs(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
}
