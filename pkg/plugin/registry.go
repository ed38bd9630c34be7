package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry keeps the function sets exposed to the shared model runtime. Sets
// are added once and never removed for the lifetime of the registry; all
// access is synchronised so concurrent first use yields a single entry.
type Registry struct {
	mu        sync.RWMutex
	sets      map[string]*entry
	defaults  Policy
	overrides map[string]Policy
	now       func() time.Time
}

type entry struct {
	set  FunctionSet
	info Info
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sets:      make(map[string]*entry),
		overrides: make(map[string]Policy),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// NewRegistryFromConfig constructs a registry using the policies of cfg.
func NewRegistryFromConfig(cfg RegistryConfig, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []Option{WithPolicy(cfg.Defaults)}
	for name, setCfg := range cfg.Sets {
		if setCfg.Policy != nil {
			base = append(base, WithSetPolicy(name, *setCfg.Policy))
		}
	}
	return NewRegistry(append(base, opts...)...), nil
}

// AddIfMissing registers set unless a set with the same name (ignoring case)
// already exists. It reports true only for the caller that inserted the set;
// a set that is already present is not an error.
func (r *Registry) AddIfMissing(set FunctionSet) (bool, error) {
	if err := set.Validate(); err != nil {
		return false, err
	}
	key := normalize(set.Name)

	r.mu.RLock()
	_, exists := r.sets[key]
	r.mu.RUnlock()
	if exists {
		return false, nil
	}

	filtered := MergePolicies(r.defaults, r.policyFor(key)).Apply(set.clone())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sets[key]; exists {
		return false, nil
	}
	r.sets[key] = &entry{set: filtered, info: filtered.info(r.now())}
	return true, nil
}

// Has reports whether a set with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sets[normalize(name)]
	return ok
}

// Functions resolves the functions of the named sets in argument order.
func (r *Registry) Functions(names ...string) ([]Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Function
	for _, name := range names {
		e, ok := r.sets[normalize(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
		out = append(out, e.set.Functions...)
	}
	return out, nil
}

// Info returns the registration snapshot of a set.
func (r *Registry) Info(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sets[normalize(name)]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	info := e.info
	info.Functions = append([]string(nil), e.info.Functions...)
	return info, nil
}

// Names lists the registered set names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sets))
	for _, e := range r.sets {
		names = append(names, e.set.Name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered sets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}

func (r *Registry) policyFor(key string) *Policy {
	policy, ok := r.overrides[key]
	if !ok {
		return nil
	}
	return &policy
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
