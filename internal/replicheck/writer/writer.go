// Package writer issues the configured write load against the primary and
// records the committed identifiers.
package writer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/common/util"
	"github.com/replicheck/replicheck/internal/replicheck/pool"
	"github.com/replicheck/replicheck/internal/replicheck/schema"
)

const payloadLength = 50

// TestRecord is one synthetic record committed on the primary. Never mutated
// after creation; the read and verify stages treat it as the source of truth.
type TestRecord struct {
	Id          int64
	Payload     string
	CreatedAt   time.Time
	RandomValue int64
}

// Result carries the committed records and the wall-clock write duration.
type Result struct {
	Records []TestRecord
	Elapsed time.Duration
}

// Writer inserts Count synthetic records into the primary in batches,
// committing each batch before the next begins so that "time of write" is
// well defined for lag measurement. On failure the returned ErrWrite carries
// the number of records durably committed, never a silent partial success.
type Writer struct {
	Db pool.TxBeginner
	// Count is the number of records to insert. Zero is valid and writes nothing.
	Count int
	// BatchSize is the number of inserts per transaction.
	BatchSize int
	// ReportEvery controls progress logging cadence; zero disables it.
	ReportEvery int
	Random      *rand.Rand
}

func (w *Writer) Validate() error {
	if w.Db == nil {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "Db",
			Value:   nil,
			Message: "not provided",
		})
	}
	if w.Count < 0 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "Count",
			Value:   w.Count,
			Message: "must be non-negative",
		})
	}
	if w.BatchSize <= 0 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "BatchSize",
			Value:   w.BatchSize,
			Message: "batch size must be positive",
		})
	}
	if w.Random == nil {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "Random",
			Value:   nil,
			Message: "not provided",
		})
	}
	return nil
}

var insertSql = fmt.Sprintf(
	"INSERT INTO %s (payload, random_value) VALUES ($1, $2) RETURNING id, created_at",
	schema.TableName,
)

// Run performs the write load. Records are appended only after their batch
// has committed; when Run returns, no write is in flight.
func (w *Writer) Run(ctx context.Context) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	records := make([]TestRecord, 0, w.Count)
	for len(records) < w.Count {
		n := w.Count - len(records)
		if n > w.BatchSize {
			n = w.BatchSize
		}

		batch := make([]TestRecord, 0, n)
		err := w.Db.BeginFunc(ctx, func(tx pgx.Tx) error {
			for i := 0; i < n; i++ {
				record := TestRecord{
					Payload:     util.RandomString(w.Random, payloadLength),
					RandomValue: int64(w.Random.Intn(1_000_000)) + 1,
				}
				err := tx.QueryRow(ctx, insertSql, record.Payload, record.RandomValue).
					Scan(&record.Id, &record.CreatedAt)
				if err != nil {
					return err
				}
				batch = append(batch, record)
			}
			return nil
		})
		if err != nil {
			return Result{Records: records, Elapsed: time.Since(start)},
				errors.WithStack(&checkerrors.ErrWrite{Committed: len(records), Inner: err})
		}
		records = append(records, batch...)

		if w.ReportEvery > 0 && len(records)%w.ReportEvery == 0 && len(records) < w.Count {
			log.Infof("written %d/%d records", len(records), w.Count)
		}
	}

	if err := checkContiguous(records); err != nil {
		return Result{Records: records, Elapsed: time.Since(start)},
			errors.WithStack(&checkerrors.ErrWrite{Committed: len(records), Inner: err})
	}

	elapsed := time.Since(start)
	if w.Count > 0 {
		log.Infof("committed %d records in %s", len(records), elapsed.Round(time.Millisecond))
	}
	return Result{Records: records, Elapsed: elapsed}, nil
}

// checkContiguous asserts the id invariant for the run's write batch: ids
// unique and contiguous. A gap means something else wrote to the test table
// during the run, which invalidates lag and consistency conclusions.
func checkContiguous(records []TestRecord) error {
	for i := 1; i < len(records); i++ {
		if records[i].Id != records[i-1].Id+1 {
			return errors.Errorf(
				"non-contiguous record ids %d and %d; concurrent writer on test table?",
				records[i-1].Id, records[i].Id,
			)
		}
	}
	return nil
}
