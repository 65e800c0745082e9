package verifier

import (
	"context"
	"io"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/common/util"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
	"github.com/replicheck/replicheck/internal/replicheck/writer"
)

type storedRow struct {
	id          int64
	payload     string
	randomValue int64
}

// fakeNode serves the verification fetch from an in-memory row set.
type fakeNode struct {
	rows     map[int64]storedRow
	queryErr error
}

func (f *fakeNode) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	panic("not expected")
}

func (f *fakeNode) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	panic("not expected")
}

func (f *fakeNode) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	ids := args[0].([]int64)
	var selected []storedRow
	for _, id := range ids {
		if row, ok := f.rows[id]; ok {
			selected = append(selected, row)
		}
	}
	return &fakeRows{rows: selected}, nil
}

type fakeRows struct {
	pgx.Rows
	rows []storedRow
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.rows[r.idx-1]
	*(dest[0].(*int64)) = row.id
	*(dest[1].(*string)) = row.payload
	*(dest[2].(*int64)) = row.randomValue
	return nil
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

func nodeWith(records []writer.TestRecord, upTo int, corrupt map[int64]string) *fakeNode {
	rows := make(map[int64]storedRow)
	for i, record := range records {
		if i >= upTo {
			break
		}
		row := storedRow{id: record.Id, payload: record.Payload, randomValue: record.RandomValue}
		if p, ok := corrupt[record.Id]; ok {
			row.payload = p
		}
		rows[record.Id] = row
	}
	return &fakeNode{rows: rows}
}

func testRecords(n int) []writer.TestRecord {
	records := make([]writer.TestRecord, n)
	for i := range records {
		records[i] = writer.TestRecord{
			Id:          int64(i + 1),
			Payload:     util.RandomString(util.NewThreadsafeRand(int64(i)), 50),
			RandomValue: int64(i * 7),
		}
	}
	return records
}

func replica(n string) registry.Node {
	return registry.Node{Name: n}
}

func TestRunAllConsistent(t *testing.T) {
	records := testRecords(20)
	v := &Verifier{
		Primary: nodeWith(records, 20, nil),
		Targets: []Target{
			{Node: replica("replica-1"), Db: nodeWith(records, 20, nil)},
			{Node: replica("replica-2"), Db: nodeWith(records, 20, nil)},
		},
	}
	reports, err := v.Run(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, report := range reports {
		assert.True(t, report.Matched)
		assert.Equal(t, 20, report.ExpectedCount)
		assert.Equal(t, 20, report.ObservedCount)
		assert.Empty(t, report.MismatchedIds)
		assert.False(t, report.Sampled)
	}
}

func TestRunReplicaBehind(t *testing.T) {
	records := testRecords(10)
	v := &Verifier{
		Primary: nodeWith(records, 10, nil),
		Targets: []Target{
			{Node: replica("replica-1"), Db: nodeWith(records, 7, nil)},
		},
	}
	reports, err := v.Run(context.Background(), records)
	require.Error(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	assert.False(t, report.Matched)
	assert.Equal(t, 10, report.ExpectedCount)
	assert.Equal(t, 7, report.ObservedCount)
	assert.Equal(t, []int64{8, 9, 10}, report.MismatchedIds)

	var consErr *checkerrors.ErrConsistency
	require.True(t, errors.As(err, &consErr))
	assert.Equal(t, "replica-1", consErr.Node)
	// Divergence is fatal to the verdict but must not abort the run.
	assert.False(t, checkerrors.IsFatal(err))
}

func TestRunDetectsCorruptedPayload(t *testing.T) {
	records := testRecords(5)
	v := &Verifier{
		Primary: nodeWith(records, 5, nil),
		Targets: []Target{
			{Node: replica("replica-1"), Db: nodeWith(records, 5, map[int64]string{3: "tampered"})},
		},
	}
	reports, err := v.Run(context.Background(), records)
	require.Error(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Matched)
	// Row counts are equal, so only the per-row comparison can catch this.
	assert.Equal(t, reports[0].ExpectedCount, reports[0].ObservedCount)
	assert.Equal(t, []int64{3}, reports[0].MismatchedIds)
}

func TestRunChecksRemainingReplicasAfterFailure(t *testing.T) {
	records := testRecords(5)
	v := &Verifier{
		Primary: nodeWith(records, 5, nil),
		Targets: []Target{
			{Node: replica("replica-1"), Db: &fakeNode{queryErr: io.EOF}},
			{Node: replica("replica-2"), Db: nodeWith(records, 5, nil)},
		},
	}
	reports, err := v.Run(context.Background(), records)
	require.Error(t, err)

	// The healthy replica must still have been verified.
	require.Len(t, reports, 1)
	assert.Equal(t, "replica-2", reports[0].Node.Name)
	assert.True(t, reports[0].Matched)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	var connErr *checkerrors.ErrConnection
	require.True(t, errors.As(merr.Errors[0], &connErr))
	assert.Equal(t, "replica-1", connErr.Node)
}

func TestRunSampledVerification(t *testing.T) {
	records := testRecords(100)
	v := &Verifier{
		Primary: nodeWith(records, 100, nil),
		Targets: []Target{
			{Node: replica("replica-1"), Db: nodeWith(records, 100, nil)},
		},
		Sample: 10,
		Random: util.NewThreadsafeRand(1),
	}
	reports, err := v.Run(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Matched)
	assert.True(t, reports[0].Sampled)
	assert.Equal(t, 10, reports[0].ExpectedCount)
}

func TestRunNothingWrittenMatchesTrivially(t *testing.T) {
	v := &Verifier{
		Primary: &fakeNode{},
		Targets: []Target{
			{Node: replica("replica-1"), Db: &fakeNode{}},
		},
	}
	reports, err := v.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Matched)
	assert.Zero(t, reports[0].ExpectedCount)
}
