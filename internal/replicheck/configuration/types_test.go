package configuration

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
)

func validConfig() HarnessConfig {
	c := HarnessConfig{
		Nodes: []NodeConfig{
			{Host: "10.0.0.1", Role: RolePrimary},
			{Host: "10.0.0.2", Role: RoleReplica},
			{Host: "10.0.0.3", Role: RoleReplica},
		},
		Credential: CredentialConfig{User: "postgres", Password: "secret"},
		Writes:     1000,
		Reads:      1000,
	}
	c.ApplyDefaults()
	return c
}

func TestApplyDefaults(t *testing.T) {
	c := validConfig()
	assert.Equal(t, int32(DefaultPoolSize), c.PoolSize)
	assert.Equal(t, DefaultDatabase, c.Database)
	assert.Equal(t, DefaultPort, c.Nodes[0].Port)
	assert.Equal(t, SettlePoll, c.Settle.Strategy)
	assert.Equal(t, 2*time.Second, c.Settle.Wait)
	assert.Equal(t, DefaultWriteBatchSize, c.WriteBatchSize)
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := map[string]func(*HarnessConfig){
		"no nodes":        func(c *HarnessConfig) { c.Nodes = nil },
		"empty host":      func(c *HarnessConfig) { c.Nodes[1].Host = "" },
		"bad port":        func(c *HarnessConfig) { c.Nodes[0].Port = 70000 },
		"bad role":        func(c *HarnessConfig) { c.Nodes[0].Role = "standby" },
		"two primaries":   func(c *HarnessConfig) { c.Nodes[1].Role = RolePrimary },
		"no primary":      func(c *HarnessConfig) { c.Nodes[0].Role = RoleReplica },
		"no replicas":     func(c *HarnessConfig) { c.Nodes = c.Nodes[:1] },
		"no user":         func(c *HarnessConfig) { c.Credential.User = "" },
		"pool too big":    func(c *HarnessConfig) { c.PoolSize = 128 },
		"pool zero":       func(c *HarnessConfig) { c.PoolSize = 0 },
		"negative writes": func(c *HarnessConfig) { c.Writes = -1 },
		"negative reads":  func(c *HarnessConfig) { c.Reads = -1 },
		"negative sample": func(c *HarnessConfig) { c.Verify.Sample = -1 },
		"bad strategy":    func(c *HarnessConfig) { c.Settle.Strategy = "guess" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			var invalid *checkerrors.ErrInvalidConfiguration
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestValidateZeroWritesAndReadsAreAllowed(t *testing.T) {
	c := validConfig()
	c.Writes = 0
	c.Reads = 0
	assert.NoError(t, c.Validate())
}
