// Package eviction implements the policies a bounded container uses to choose
// which key leaves memory next.
package eviction

import (
	"maps"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Policy tracks key usage and nominates eviction victims. Implementations are safe
// for concurrent use.
type Policy interface {
	// Record notes that key was written.
	Record(key string)
	// Access notes that key was read.
	Access(key string)
	// Forget stops tracking key.
	Forget(key string)
	// Victim removes and returns the key that should be evicted next.
	Victim() (string, bool)
	// Len returns the number of tracked keys.
	Len() int
}

// PolicyRegistry manages eviction policy constructors.
type PolicyRegistry struct {
	policies map[string]func() Policy
}

// getDefaultPolicies returns the default set of eviction policies.
func getDefaultPolicies() map[string]func() Policy {
	return map[string]func() Policy{
		"lru":   func() Policy { return NewLRU() },
		"lfu":   func() Policy { return NewLFU() },
		"clock": func() Policy { return NewClock() },
	}
}

// NewPolicyRegistry creates a registry with the default policies registered.
func NewPolicyRegistry() *PolicyRegistry {
	registry := &PolicyRegistry{policies: make(map[string]func() Policy)}
	registry.RegisterMultiple(getDefaultPolicies())

	return registry
}

// Register registers a policy constructor under name.
func (r *PolicyRegistry) Register(name string, createFunc func() Policy) {
	r.policies[name] = createFunc
}

// RegisterMultiple registers a set of policy constructors.
func (r *PolicyRegistry) RegisterMultiple(policies map[string]func() Policy) {
	maps.Copy(r.policies, policies)
}

// New builds the policy registered under name.
func (r *PolicyRegistry) New(name string) (Policy, error) { //nolint:ireturn
	if name == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "policy name")
	}

	createFunc, ok := r.policies[name]
	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrAlgorithmNotFound, name)
	}

	return createFunc(), nil
}

// NewPolicy builds a default policy by name.
func NewPolicy(name string) (Policy, error) { //nolint:ireturn
	return NewPolicyRegistry().New(name)
}
