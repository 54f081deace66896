package rat

import (
	"fmt"
	"slices"
	"sync"
)

// Registration binds a scheme name to a driver factory and its opaque
// configuration.
type Registration struct {
	Scheme  string
	Factory Factory
	Config  any
}

// Registry holds the prover and verifier drivers available to connections.
// It is safe for concurrent use and is read-mostly after startup.
type Registry struct {
	mu        sync.RWMutex
	provers   map[string]Registration
	verifiers map[string]Registration

	// Registration order, used for advertised scheme lists.
	proverOrder   []string
	verifierOrder []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		provers:   make(map[string]Registration),
		verifiers: make(map[string]Registration),
	}
}

// RegisterProver registers or replaces the prover factory for scheme.
func (r *Registry) RegisterProver(scheme string, factory Factory, config any) error {
	return r.register(r.provers, &r.proverOrder, scheme, factory, config)
}

// RegisterVerifier registers or replaces the verifier factory for scheme.
func (r *Registry) RegisterVerifier(scheme string, factory Factory, config any) error {
	return r.register(r.verifiers, &r.verifierOrder, scheme, factory, config)
}

// UnregisterProver removes the prover for scheme.
func (r *Registry) UnregisterProver(scheme string) {
	r.unregister(r.provers, &r.proverOrder, scheme)
}

// UnregisterVerifier removes the verifier for scheme.
func (r *Registry) UnregisterVerifier(scheme string) {
	r.unregister(r.verifiers, &r.verifierOrder, scheme)
}

// Prover returns the prover registration for scheme.
func (r *Registry) Prover(scheme string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.provers[scheme]
	return reg, ok
}

// Verifier returns the verifier registration for scheme.
func (r *Registry) Verifier(scheme string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.verifiers[scheme]
	return reg, ok
}

// ProverSchemes returns the registered prover schemes in registration order.
func (r *Registry) ProverSchemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.proverOrder)
}

// VerifierSchemes returns the registered verifier schemes in registration order.
func (r *Registry) VerifierSchemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.verifierOrder)
}

// New instantiates the driver registered for p.Role and p.Scheme. The
// registration config is placed in p.Config and, for Configurable drivers,
// applied through SetConfig.
func (r *Registry) New(p Params) (Driver, error) {
	var (
		reg Registration
		ok  bool
	)
	switch p.Role {
	case RoleProver:
		reg, ok = r.Prover(p.Scheme)
	case RoleVerifier:
		reg, ok = r.Verifier(p.Scheme)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownScheme, p.Role, p.Scheme)
	}

	p.Config = reg.Config
	d, err := reg.Factory(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s %q: %w", p.Role, p.Scheme, err)
	}
	if c, ok := d.(Configurable); ok && reg.Config != nil {
		if err := c.SetConfig(reg.Config); err != nil {
			return nil, fmt.Errorf("failed to configure %s %q: %w", p.Role, p.Scheme, err)
		}
	}
	return d, nil
}

func (r *Registry) register(m map[string]Registration, order *[]string, scheme string, factory Factory, config any) error {
	if scheme == "" || factory == nil {
		return fmt.Errorf("%w: scheme %q", ErrInvalidScheme, scheme)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := m[scheme]; !exists {
		*order = append(*order, scheme)
	}
	m[scheme] = Registration{Scheme: scheme, Factory: factory, Config: config}
	return nil
}

func (r *Registry) unregister(m map[string]Registration, order *[]string, scheme string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(m, scheme)
	*order = slices.DeleteFunc(*order, func(s string) bool { return s == scheme })
}
