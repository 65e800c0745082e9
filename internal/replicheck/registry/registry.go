// Package registry holds the validated set of database nodes for one run.
// The registry is constructed once from configuration and passed explicitly
// to every component that needs it; nodes are never mutated afterwards.
package registry

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
	"github.com/replicheck/replicheck/internal/replicheck/configuration"
)

// Node is one reachable database endpoint with its assigned role.
type Node struct {
	Name string
	Role configuration.Role
	Host string
	Port int
}

// Addr returns the host:port form used in logs and reports.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func (n Node) IsPrimary() bool {
	return n.Role == configuration.RolePrimary
}

// Registry is the immutable node set for one run: exactly one primary and
// one or more replicas.
type Registry struct {
	primary  Node
	replicas []Node
}

// FromConfig builds a Registry from validated configuration. The
// single-primary invariant is re-checked here so a Registry can never exist
// in a malformed state, regardless of how its config was produced.
func FromConfig(cfg configuration.HarnessConfig) (*Registry, error) {
	reg := &Registry{}
	havePrimary := false
	replicaIndex := 0
	for _, nc := range cfg.Nodes {
		switch nc.Role {
		case configuration.RolePrimary:
			if havePrimary {
				return nil, errors.WithStack(&checkerrors.ErrInvalidConfiguration{
					Name:    "nodes",
					Value:   nc.Host,
					Message: "more than one primary node",
				})
			}
			havePrimary = true
			reg.primary = Node{
				Name: "primary",
				Role: nc.Role,
				Host: nc.Host,
				Port: nc.Port,
			}
		case configuration.RoleReplica:
			replicaIndex++
			reg.replicas = append(reg.replicas, Node{
				Name: fmt.Sprintf("replica-%d", replicaIndex),
				Role: nc.Role,
				Host: nc.Host,
				Port: nc.Port,
			})
		default:
			return nil, errors.WithStack(&checkerrors.ErrInvalidConfiguration{
				Name:    "nodes",
				Value:   string(nc.Role),
				Message: "unknown node role",
			})
		}
	}
	if !havePrimary {
		return nil, errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "nodes",
			Value:   len(cfg.Nodes),
			Message: "no primary node",
		})
	}
	return reg, nil
}

func (r *Registry) Primary() Node {
	return r.primary
}

// Replicas returns the replica nodes in configuration order.
// The returned slice must not be modified.
func (r *Registry) Replicas() []Node {
	return r.replicas
}

// All returns the primary followed by the replicas in configuration order.
func (r *Registry) All() []Node {
	nodes := make([]Node, 0, 1+len(r.replicas))
	nodes = append(nodes, r.primary)
	nodes = append(nodes, r.replicas...)
	return nodes
}
