package schema

import (
	"context"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
)

type fakeDb struct {
	execs   []string
	execErr error
}

func (f *fakeDb) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return nil, f.execErr
}

func (f *fakeDb) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	panic("not expected")
}

func (f *fakeDb) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	panic("not expected")
}

func TestEnsureExecutesTableAndIndex(t *testing.T) {
	db := &fakeDb{}
	require.NoError(t, Bootstrapper{}.Ensure(context.Background(), db))
	require.Len(t, db.execs, 2)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS "+TableName)
	assert.Contains(t, db.execs[1], "CREATE INDEX IF NOT EXISTS")
}

func TestEnsureIsIdempotent(t *testing.T) {
	// A second invocation issues the same create-if-absent statements and
	// must succeed without surfacing an error.
	db := &fakeDb{}
	require.NoError(t, Bootstrapper{}.Ensure(context.Background(), db))
	require.NoError(t, Bootstrapper{}.Ensure(context.Background(), db))
	assert.Len(t, db.execs, 4)
}

func TestEnsureToleratesDuplicateObjects(t *testing.T) {
	for _, code := range []string{pgerrcode.DuplicateTable, pgerrcode.DuplicateObject} {
		db := &fakeDb{execErr: &pgconn.PgError{Code: code}}
		assert.NoError(t, Bootstrapper{}.Ensure(context.Background(), db))
	}
}

func TestEnsureSurfacesOtherFailuresAsSchemaErrors(t *testing.T) {
	db := &fakeDb{execErr: &pgconn.PgError{Code: pgerrcode.InsufficientPrivilege}}
	err := Bootstrapper{}.Ensure(context.Background(), db)
	require.Error(t, err)
	var schemaErr *checkerrors.ErrSchema
	assert.True(t, errors.As(err, &schemaErr))
	assert.True(t, checkerrors.IsFatal(err))
}
