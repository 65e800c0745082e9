package configuration

import (
	"time"

	"github.com/pkg/errors"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
)

// Role of a database node, as assigned by the provisioning layer.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// SettleStrategy selects how the harness waits for replication to catch up
// between the write and read stages.
type SettleStrategy string

const (
	// SettleFixed blocks for a fixed duration. Compatible with the original
	// harness behaviour; correctness depends on environment-specific lag.
	SettleFixed SettleStrategy = "fixed"
	// SettlePoll polls replica lag until it drops below a threshold or a
	// timeout elapses. The correctness-preferred default.
	SettlePoll SettleStrategy = "poll"
)

// NodeConfig describes one reachable database endpoint handed to the harness
// by the provisioning layer.
type NodeConfig struct {
	Host string
	Port int
	Role Role
}

// CredentialConfig is the shared database credential, valid on all nodes.
type CredentialConfig struct {
	User     string
	Password string
}

type SettleConfig struct {
	Strategy SettleStrategy
	// Wait is the fixed delay for the fixed strategy.
	Wait time.Duration
	// Threshold is the lag below which the poll strategy considers
	// replication caught up.
	Threshold time.Duration
	// Interval between lag polls.
	Interval time.Duration
	// Timeout bounds the poll strategy; exceeding it is reported as a lag
	// warning, not a run failure.
	Timeout time.Duration
}

type VerifyConfig struct {
	// Sample caps the number of records compared per replica. Zero means a
	// full comparison of every written record.
	Sample int
}

// HarnessConfig is the single validated configuration value constructed at
// startup and passed explicitly into every component. No component performs
// its own environment lookups.
type HarnessConfig struct {
	Nodes      []NodeConfig
	Credential CredentialConfig
	// Database name; defaults to "postgres".
	Database string
	// PoolSize bounds each node's connection pool and, transitively, read
	// concurrency per replica.
	PoolSize int32
	// ConnectTimeout bounds connection establishment per node.
	ConnectTimeout time.Duration
	Writes         int
	Reads          int
	// WriteBatchSize is the number of inserts committed per transaction.
	WriteBatchSize int
	Settle         SettleConfig
	Verify         VerifyConfig
	// Timeout bounds the whole run; zero means no deadline.
	Timeout time.Duration
}

const (
	DefaultPoolSize       = 10
	DefaultWrites         = 1000
	DefaultReads          = 1000
	DefaultWriteBatchSize = 50
	DefaultPort           = 5432
	DefaultDatabase       = "postgres"
	DefaultWait           = 2 * time.Second
	DefaultThreshold      = 500 * time.Millisecond
	DefaultInterval       = 250 * time.Millisecond
	DefaultSettleTimeout  = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	maxPoolSize = 64
)

// ApplyDefaults fills zero-valued optional fields in place.
func (c *HarnessConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteBatchSize == 0 {
		c.WriteBatchSize = DefaultWriteBatchSize
	}
	if c.Settle.Strategy == "" {
		c.Settle.Strategy = SettlePoll
	}
	if c.Settle.Wait == 0 {
		c.Settle.Wait = DefaultWait
	}
	if c.Settle.Threshold == 0 {
		c.Settle.Threshold = DefaultThreshold
	}
	if c.Settle.Interval == 0 {
		c.Settle.Interval = DefaultInterval
	}
	if c.Settle.Timeout == 0 {
		c.Settle.Timeout = DefaultSettleTimeout
	}
	for i := range c.Nodes {
		if c.Nodes[i].Port == 0 {
			c.Nodes[i].Port = DefaultPort
		}
	}
}

// Validate checks the configuration before any connection is attempted.
// All violations surface as *checkerrors.ErrInvalidConfiguration.
func (c *HarnessConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "nodes",
			Value:   c.Nodes,
			Message: "no nodes provided",
		})
	}
	primaries := 0
	replicas := 0
	for i, n := range c.Nodes {
		if n.Host == "" {
			return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
				Name:    "nodes",
				Value:   i,
				Message: "node host must be non-empty",
			})
		}
		if n.Port <= 0 || n.Port > 65535 {
			return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
				Name:    "nodes",
				Value:   n.Port,
				Message: "node port out of range",
			})
		}
		switch n.Role {
		case RolePrimary:
			primaries++
		case RoleReplica:
			replicas++
		default:
			return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
				Name:    "nodes",
				Value:   string(n.Role),
				Message: `node role must be "primary" or "replica"`,
			})
		}
	}
	if primaries != 1 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "nodes",
			Value:   primaries,
			Message: "exactly one primary node is required",
		})
	}
	if replicas == 0 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "nodes",
			Value:   replicas,
			Message: "at least one replica node is required",
		})
	}
	if c.Credential.User == "" {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "credential.user",
			Value:   c.Credential.User,
			Message: "not provided",
		})
	}
	if c.PoolSize < 1 || c.PoolSize > maxPoolSize {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "poolSize",
			Value:   c.PoolSize,
			Message: "pool size must be between 1 and 64",
		})
	}
	if c.Writes < 0 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "writes",
			Value:   c.Writes,
			Message: "must be non-negative",
		})
	}
	if c.Reads < 0 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "reads",
			Value:   c.Reads,
			Message: "must be non-negative",
		})
	}
	if c.WriteBatchSize <= 0 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "writeBatchSize",
			Value:   c.WriteBatchSize,
			Message: "must be positive",
		})
	}
	if c.Verify.Sample < 0 {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "verify.sample",
			Value:   c.Verify.Sample,
			Message: "must be non-negative",
		})
	}
	switch c.Settle.Strategy {
	case SettleFixed, SettlePoll:
	default:
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "settle.strategy",
			Value:   string(c.Settle.Strategy),
			Message: `must be "fixed" or "poll"`,
		})
	}
	return nil
}
