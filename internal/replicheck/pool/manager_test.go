package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/replicheck/replicheck/internal/replicheck/configuration"
	"github.com/replicheck/replicheck/internal/replicheck/registry"
)

func TestConnectionString(t *testing.T) {
	s := ConnectionString(map[string]string{
		"host":   "10.0.0.1",
		"port":   "5432",
		"dbname": "postgres",
		"user":   "postgres",
	})
	assert.Equal(t, "host='10.0.0.1' port='5432' dbname='postgres' user='postgres'", s)
}

func TestConnectionStringEscapesQuotesAndBackslashes(t *testing.T) {
	s := ConnectionString(map[string]string{
		"host":     "localhost",
		"password": `it's\complicated`,
	})
	assert.Contains(t, s, `password='it\'s\\complicated'`)
}

func TestConnectionStringOmitsEmptyValues(t *testing.T) {
	s := ConnectionString(map[string]string{
		"host":     "localhost",
		"password": "",
		"sslmode":  "",
	})
	assert.Equal(t, "host='localhost'", s)
}

func TestManagerCapacity(t *testing.T) {
	cfg := configuration.HarnessConfig{
		Nodes: []configuration.NodeConfig{
			{Host: "a", Port: 5432, Role: configuration.RolePrimary},
			{Host: "b", Port: 5432, Role: configuration.RoleReplica},
		},
		PoolSize: 7,
	}
	reg, err := registry.FromConfig(cfg)
	assert.NoError(t, err)

	m := NewManager(reg, cfg)
	assert.Equal(t, 7, m.Capacity())
	// Close on a never-opened manager must be a no-op.
	m.Close()
}

func TestPoolPanicsOnUnknownNode(t *testing.T) {
	cfg := configuration.HarnessConfig{
		Nodes: []configuration.NodeConfig{
			{Host: "a", Port: 5432, Role: configuration.RolePrimary},
			{Host: "b", Port: 5432, Role: configuration.RoleReplica},
		},
	}
	reg, err := registry.FromConfig(cfg)
	assert.NoError(t, err)

	m := NewManager(reg, cfg)
	assert.Panics(t, func() {
		m.Pool(registry.Node{Name: "replica-9"})
	})
}
