package writer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/common/util"
)

// fakeDb simulates the primary: it hands out sequential ids and can be told
// to fail the nth insert or to skip ids to simulate a concurrent writer.
type fakeDb struct {
	nextId  int64
	inserts int
	failAt  int    // fail the nth insert (1-based); 0 disables
	gapAt   int64  // skip an id when nextId reaches this value; 0 disables
	batches int
}

func (f *fakeDb) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	f.batches++
	return fn(fakeTx{db: f})
}

type fakeTx struct {
	pgx.Tx
	db *fakeDb
}

func (t fakeTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return insertRow{db: t.db}
}

type insertRow struct {
	db *fakeDb
}

func (r insertRow) Scan(dest ...interface{}) error {
	r.db.inserts++
	if r.db.failAt > 0 && r.db.inserts == r.db.failAt {
		return io.EOF
	}
	r.db.nextId++
	if r.db.gapAt > 0 && r.db.nextId == r.db.gapAt {
		r.db.nextId++
	}
	*(dest[0].(*int64)) = r.db.nextId
	*(dest[1].(*time.Time)) = time.Now()
	return nil
}

func newWriter(db *fakeDb, count, batchSize int) *Writer {
	return &Writer{
		Db:        db,
		Count:     count,
		BatchSize: batchSize,
		Random:    util.NewThreadsafeRand(1),
	}
}

func TestRunCommitsAllRecords(t *testing.T) {
	db := &fakeDb{}
	result, err := newWriter(db, 10, 3).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Records, 10)
	assert.Equal(t, 4, db.batches) // 3+3+3+1

	for i, record := range result.Records {
		assert.Equal(t, int64(i+1), record.Id)
		assert.Len(t, record.Payload, payloadLength)
		assert.GreaterOrEqual(t, record.RandomValue, int64(1))
		assert.LessOrEqual(t, record.RandomValue, int64(1_000_000))
	}
}

func TestRunZeroCountWritesNothing(t *testing.T) {
	db := &fakeDb{}
	result, err := newWriter(db, 0, 50).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Records)
	assert.Zero(t, db.batches)
}

func TestRunFailureCarriesCommittedCount(t *testing.T) {
	// Fail the 8th insert: the first two batches of 3 are committed, the
	// third batch rolls back, so exactly 6 records are durable.
	db := &fakeDb{failAt: 8}
	result, err := newWriter(db, 10, 3).Run(context.Background())
	require.Error(t, err)

	var writeErr *checkerrors.ErrWrite
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, 6, writeErr.Committed)
	assert.Len(t, result.Records, 6)
	assert.True(t, checkerrors.IsFatal(err))
}

func TestRunDetectsNonContiguousIds(t *testing.T) {
	db := &fakeDb{gapAt: 5}
	_, err := newWriter(db, 10, 10).Run(context.Background())
	require.Error(t, err)
	var writeErr *checkerrors.ErrWrite
	require.True(t, errors.As(err, &writeErr))
	assert.Contains(t, err.Error(), "non-contiguous")
}

func TestValidate(t *testing.T) {
	w := newWriter(&fakeDb{}, 10, 3)
	assert.NoError(t, w.Validate())

	w = newWriter(&fakeDb{}, -1, 3)
	assert.Error(t, w.Validate())

	w = newWriter(&fakeDb{}, 10, 0)
	assert.Error(t, w.Validate())

	w = newWriter(&fakeDb{}, 10, 3)
	w.Random = nil
	assert.Error(t, w.Validate())

	w = newWriter(nil, 10, 3)
	w.Db = nil
	assert.Error(t, w.Validate())
}

func TestPayloadsDifferBetweenRecords(t *testing.T) {
	db := &fakeDb{}
	result, err := newWriter(db, 5, 5).Run(context.Background())
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, record := range result.Records {
		assert.False(t, seen[record.Payload])
		seen[record.Payload] = true
	}
}
