// Package pool owns one bounded connection pool per database node. All other
// components acquire connections exclusively through the Manager; pool
// capacity is the sole backpressure mechanism bounding concurrency.
package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/replicheck/configuration"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
)

// Querier is the subset of *pgxpool.Pool the verification stages execute
// queries through. Tests substitute fakes.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxBeginner runs a function inside a transaction, committing on nil return
// and rolling back otherwise. Satisfied by *pgxpool.Pool.
type TxBeginner interface {
	BeginFunc(ctx context.Context, f func(pgx.Tx) error) error
}

// Manager owns the per-node pools for one run. Pools are opened at startup
// and must be closed on every exit path.
type Manager struct {
	registry *registry.Registry
	cfg      configuration.HarnessConfig
	pools    map[string]*pgxpool.Pool
}

func NewManager(reg *registry.Registry, cfg configuration.HarnessConfig) *Manager {
	return &Manager{
		registry: reg,
		cfg:      cfg,
		pools:    make(map[string]*pgxpool.Pool),
	}
}

// Open connects a bounded pool to every node in the registry and pings it.
// Any failure is fatal for the run: an unreachable node indicates a
// provisioning error the harness cannot retry its way out of. On error all
// pools opened so far are closed.
func (m *Manager) Open(ctx context.Context) error {
	for _, node := range m.registry.All() {
		pool, err := m.open(ctx, node)
		if err != nil {
			m.Close()
			return err
		}
		m.pools[node.Name] = pool
		log.WithField("node", node.Name).Infof("connection pool ready for %s", node.Addr())
	}
	return nil
}

func (m *Manager) open(ctx context.Context, node registry.Node) (*pgxpool.Pool, error) {
	connString := ConnectionString(map[string]string{
		"host":            node.Host,
		"port":            fmt.Sprintf("%d", node.Port),
		"dbname":          m.cfg.Database,
		"user":            m.cfg.Credential.User,
		"password":        m.cfg.Credential.Password,
		"connect_timeout": fmt.Sprintf("%d", int(m.cfg.ConnectTimeout.Seconds())),
	})
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.WithStack(&checkerrors.ErrConnection{
			Node:    node.Name,
			Message: "invalid connection parameters",
			Inner:   err,
		})
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConns = m.cfg.PoolSize

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.WithStack(&checkerrors.ErrConnection{Node: node.Name, Inner: err})
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WithStack(&checkerrors.ErrConnection{Node: node.Name, Inner: err})
	}
	return pool, nil
}

// Pool returns the pool owned by node. Panics if the node is unknown or the
// manager has not been opened; both indicate a programming error in the run
// sequence, not a runtime condition.
func (m *Manager) Pool(node registry.Node) *pgxpool.Pool {
	pool, ok := m.pools[node.Name]
	if !ok {
		panic(fmt.Sprintf("no open pool for node %q", node.Name))
	}
	return pool
}

// Primary returns the primary node's pool.
func (m *Manager) Primary() *pgxpool.Pool {
	return m.Pool(m.registry.Primary())
}

// WithConn acquires a connection from node's pool, runs fn, and releases the
// connection on every exit path.
func (m *Manager) WithConn(ctx context.Context, node registry.Node, fn func(*pgxpool.Conn) error) error {
	conn, err := m.Pool(node).Acquire(ctx)
	if err != nil {
		return errors.WithStack(&checkerrors.ErrConnection{
			Node:    node.Name,
			Message: "acquiring connection",
			Inner:   err,
		})
	}
	defer conn.Release()
	return fn(conn)
}

// Capacity returns the per-node pool capacity, which also bounds read
// concurrency per replica.
func (m *Manager) Capacity() int {
	return int(m.cfg.PoolSize)
}

// Close closes every open pool. Safe to call multiple times and on partially
// opened managers.
func (m *Manager) Close() {
	for name, pool := range m.pools {
		pool.Close()
		delete(m.pools, name)
	}
}

// ConnectionString renders values as a libpq key/value connection string.
// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
func ConnectionString(values map[string]string) string {
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for _, k := range []string{"host", "port", "dbname", "user", "password", "connect_timeout", "sslmode"} {
		if v, ok := values[k]; ok && v != "" {
			result += k + "='" + replacer.Replace(v) + "' "
		}
	}
	return strings.TrimSpace(result)
}
