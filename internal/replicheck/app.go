// Package replicheck runs the replication-verification pipeline end to end:
// registry, pools, schema bootstrap, replica probe, write load, settle, read
// load, consistency check, and the final report.
package replicheck

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/common/util"
	"github.com/replicheck/replicheck/internal/replicheck/build"
	"github.com/replicheck/replicheck/internal/replicheck/configuration"
	"github.com/replicheck/replicheck/internal/replicheck/lagsampler"
	"github.com/replicheck/replicheck/internal/replicheck/pool"
	"github.com/replicheck/replicheck/internal/replicheck/prober"
	"github.com/replicheck/replicheck/internal/replicheck/reader"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
	"github.com/replicheck/replicheck/internal/replicheck/report"
	"github.com/replicheck/replicheck/internal/replicheck/schema"
	"github.com/replicheck/replicheck/internal/replicheck/settle"
	"github.com/replicheck/replicheck/internal/replicheck/verifier"
	"github.com/replicheck/replicheck/internal/replicheck/writer"
)

// progressCadence is how often the write stage logs progress.
const progressCadence = 100

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the application's output.
	Out io.Writer
	// Source of randomness. Tests can use a seeded source in order to
	// provide deterministic behaviour.
	Random *rand.Rand
}

// Params holds all user-customisable parameters, whether provided on the
// command line or in a config file.
type Params struct {
	Config configuration.HarnessConfig
	// Samples for the lag subcommand.
	LagSamples int
}

// New instantiates an App with default parameters.
func New() *App {
	return &App{
		Params: &Params{},
		Out:    os.Stdout,
		Random: util.NewThreadsafeRand(time.Now().UnixNano()),
	}
}

// Version prints build information (e.g., current git commit) to the app output.
func (a *App) Version() error {
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Version:\t%s\n", build.ReleaseVersion)
	fmt.Fprintf(w, "Commit:\t%s\n", build.GitCommit)
	fmt.Fprintf(w, "Go version:\t%s\n", build.GoVersion)
	fmt.Fprintf(w, "Built:\t%s\n", build.BuildTime)
	return nil
}

// Check runs the full verification pipeline and returns the run report.
// A nil report with a non-nil error means the configuration was invalid and
// no run was attempted; otherwise failures are carried inside the report and
// its exit code reflects the verdict.
func (a *App) Check(ctx context.Context) (*report.RunReport, error) {
	cfg := a.Params.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		statuses    []prober.ReplicationStatus
		writeResult writer.Result
		readResults []reader.ReadResult
		consistency []verifier.ConsistencyReport
		warnings    []string
		failures    []report.Failure
	)
	finish := func() *report.RunReport {
		return report.Aggregate(
			reg.Primary(), statuses, writeResult, readResults, consistency,
			warnings, failures, ctx.Err() != nil, time.Since(start),
		)
	}
	fail := func(err error) *report.RunReport {
		failures = append(failures, report.FailuresFromError(err)...)
		return finish()
	}

	// Connect one bounded pool per node; closed on every exit path.
	pools := pool.NewManager(reg, cfg)
	if err := pools.Open(ctx); err != nil {
		return fail(err), nil
	}
	defer pools.Close()

	if err := (schema.Bootstrapper{}).Ensure(ctx, pools.Primary()); err != nil {
		return fail(err), nil
	}

	// Probe the whole topology before writing anything. Topology violations
	// are collected; only connection failures abort here.
	p := prober.Prober{}
	if err := p.CheckPrimary(ctx, prober.Target{Node: reg.Primary(), Db: pools.Primary()}); err != nil {
		failures = append(failures, report.FailuresFromError(err)...)
		if checkerrors.IsFatal(err) {
			return finish(), nil
		}
	}
	probeTargets := make([]prober.Target, 0, len(reg.Replicas()))
	for _, node := range reg.Replicas() {
		probeTargets = append(probeTargets, prober.Target{Node: node, Db: pools.Pool(node)})
	}
	statuses, err = p.ProbeReplicas(ctx, probeTargets)
	if err != nil {
		failures = append(failures, report.FailuresFromError(err)...)
		if checkerrors.IsFatal(err) {
			return finish(), nil
		}
	}

	w := &writer.Writer{
		Db:          pools.Primary(),
		Count:       cfg.Writes,
		BatchSize:   cfg.WriteBatchSize,
		ReportEvery: progressCadence,
		Random:      a.Random,
	}
	writeResult, err = w.Run(ctx)
	if err != nil {
		return fail(err), nil
	}

	// All writes are committed and acknowledged before settling starts.
	if cfg.Writes > 0 {
		if err := a.settleStrategy(cfg, p, probeTargets).Settle(ctx); err != nil {
			var settleErr *checkerrors.ErrSettleTimeout
			if errors.As(err, &settleErr) {
				warnings = append(warnings, settleErr.Error())
			} else {
				return fail(err), nil
			}
		}
	}

	readTargets := make([]reader.Target, 0, len(reg.Replicas()))
	for _, node := range reg.Replicas() {
		readTargets = append(readTargets, reader.Target{Node: node, Db: pools.Pool(node)})
	}
	d := &reader.Dispatcher{Targets: readTargets, Workers: pools.Capacity(), Random: a.Random}
	readResults, err = d.Run(ctx, writeResult.Records, cfg.Reads)
	if err != nil {
		return fail(err), nil
	}

	verifyTargets := make([]verifier.Target, 0, len(reg.Replicas()))
	for _, node := range reg.Replicas() {
		verifyTargets = append(verifyTargets, verifier.Target{Node: node, Db: pools.Pool(node)})
	}
	v := &verifier.Verifier{
		Primary: pools.Primary(),
		Targets: verifyTargets,
		Sample:  cfg.Verify.Sample,
		Random:  a.Random,
	}
	consistency, err = v.Run(ctx, writeResult.Records)
	if err != nil {
		failures = append(failures, report.FailuresFromError(err)...)
		if checkerrors.IsFatal(err) {
			return finish(), nil
		}
	}

	return finish(), nil
}

func (a *App) settleStrategy(cfg configuration.HarnessConfig, p prober.Prober, targets []prober.Target) settle.Strategy {
	if cfg.Settle.Strategy == configuration.SettleFixed {
		return settle.FixedDelay{Wait: cfg.Settle.Wait}
	}
	return settle.LagPoll{
		Lag: func(ctx context.Context) (time.Duration, bool, error) {
			return p.MaxLag(ctx, targets)
		},
		Threshold: cfg.Settle.Threshold,
		Interval:  cfg.Settle.Interval,
		Timeout:   cfg.Settle.Timeout,
	}
}

// MeasureLag runs the sampled replication-lag measurement and returns its
// report.
func (a *App) MeasureLag(ctx context.Context) (*lagsampler.LagReport, error) {
	cfg := a.Params.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	pools := pool.NewManager(reg, cfg)
	if err := pools.Open(ctx); err != nil {
		return nil, err
	}
	defer pools.Close()

	if err := (schema.Bootstrapper{}).Ensure(ctx, pools.Primary()); err != nil {
		return nil, err
	}

	targets := make([]lagsampler.Target, 0, len(reg.Replicas()))
	for _, node := range reg.Replicas() {
		targets = append(targets, lagsampler.Target{Node: node, Db: pools.Pool(node)})
	}
	s := &lagsampler.Sampler{
		Primary:      pools.Primary(),
		Replicas:     targets,
		Samples:      a.Params.LagSamples,
		Interval:     500 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		Timeout:      10 * time.Second,
	}
	return s.Run(ctx)
}
