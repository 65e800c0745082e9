// Package schema idempotently ensures the test table exists on the primary.
package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/replicheck/pool"
)

// TableName is the table the harness writes to and verifies against.
// It mirrors the table used by the original shell-era harness so both can be
// pointed at the same cluster.
const TableName = "replication_test"

var statements = []struct {
	label string
	sql   string
}{
	{
		label: "create table " + TableName,
		sql: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				payload VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				random_value BIGINT NOT NULL
			);`, TableName),
	},
	{
		label: "create index idx_" + TableName + "_created_at",
		sql: fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at);`,
			TableName, TableName),
	},
}

// Bootstrapper creates the test schema on the primary. Runs exactly once per
// run, only against the primary; re-running against an already-initialised
// cluster is a no-op.
type Bootstrapper struct{}

// Ensure executes the create-if-absent statements. Failures other than
// "object already exists" surface as *checkerrors.ErrSchema and are fatal.
func (b Bootstrapper) Ensure(ctx context.Context, db pool.Querier) error {
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt.sql); err != nil {
			if isAlreadyExists(err) {
				// Two harness runs racing on IF NOT EXISTS can still surface a
				// duplicate error; the object exists, which is what we wanted.
				continue
			}
			return errors.WithStack(&checkerrors.ErrSchema{Statement: stmt.label, Inner: err})
		}
	}
	log.Infof("test table %q ready", TableName)
	return nil
}

// isAlreadyExists reports whether err is Postgres telling us the table or
// index is already present.
func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.DuplicateTable, pgerrcode.DuplicateObject, pgerrcode.UniqueViolation:
		return true
	}
	return false
}
