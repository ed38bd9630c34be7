package plugin

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotRegistered is returned when a lookup names an unknown function set.
	ErrNotRegistered = errors.New("function set not registered")
	// ErrInvalidSet is returned for malformed function sets.
	ErrInvalidSet = errors.New("invalid function set")
)

// Validate checks that the set can be exposed to a model runtime.
func (s FunctionSet) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidSet)
	}
	seen := make(map[string]struct{}, len(s.Functions))
	for _, fn := range s.Functions {
		name := strings.TrimSpace(fn.Name)
		if name == "" {
			return fmt.Errorf("%w: %s has a function without name", ErrInvalidSet, s.Name)
		}
		if fn.Handler == nil {
			return fmt.Errorf("%w: function %s has no handler", ErrInvalidSet, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: function %s declared twice in %s", ErrInvalidSet, name, s.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// FunctionNames lists the function names in declaration order.
func (s FunctionSet) FunctionNames() []string {
	names := make([]string, 0, len(s.Functions))
	for _, fn := range s.Functions {
		names = append(names, fn.Name)
	}
	return names
}

func (s FunctionSet) clone() FunctionSet {
	dup := s
	dup.Functions = append([]Function(nil), s.Functions...)
	return dup
}

func (s FunctionSet) info(at time.Time) Info {
	return Info{
		Name:         s.Name,
		Description:  s.Description,
		Functions:    s.FunctionNames(),
		RegisteredAt: at,
	}
}

// Option modifies the behaviour of a registry instance.
type Option func(*Registry)

// WithPolicy sets the default function policy applied to every set.
func WithPolicy(policy Policy) Option {
	return func(r *Registry) {
		r.defaults = policy
	}
}

// WithSetPolicy overrides the policy of a single set, matched case-insensitively.
func WithSetPolicy(name string, policy Policy) Option {
	return func(r *Registry) {
		if strings.TrimSpace(name) == "" {
			return
		}
		r.overrides[normalize(name)] = policy
	}
}

// WithClock overrides the time source used for registration timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}
