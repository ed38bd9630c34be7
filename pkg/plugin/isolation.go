package plugin

import (
	"slices"
	"strings"
)

// Policy restricts which functions of a set are exposed to the model. Denied
// functions are always removed; when AllowedFunctions is non-empty only the
// listed functions remain. Names are matched case-insensitively.
type Policy struct {
	AllowedFunctions []string `yaml:"allowedFunctions" json:"allowed_functions"`
	DeniedFunctions  []string `yaml:"deniedFunctions" json:"denied_functions"`
}

// Empty reports whether the policy imposes no restriction.
func (p Policy) Empty() bool {
	return len(p.AllowedFunctions) == 0 && len(p.DeniedFunctions) == 0
}

// Merge returns a new policy using values from other when not present.
func (p Policy) Merge(other Policy) Policy {
	if len(p.AllowedFunctions) == 0 {
		p.AllowedFunctions = other.AllowedFunctions
	}
	if len(p.DeniedFunctions) == 0 {
		p.DeniedFunctions = other.DeniedFunctions
	}
	return p
}

// Permits reports whether the named function may be exposed.
func (p Policy) Permits(function string) bool {
	name := normalize(function)
	if slices.ContainsFunc(p.DeniedFunctions, func(d string) bool { return normalize(d) == name }) {
		return false
	}
	if len(p.AllowedFunctions) == 0 {
		return true
	}
	return slices.ContainsFunc(p.AllowedFunctions, func(a string) bool { return normalize(a) == name })
}

// Apply returns set with the functions the policy does not permit removed.
func (p Policy) Apply(set FunctionSet) FunctionSet {
	if p.Empty() {
		return set
	}
	kept := set.Functions[:0:0]
	for _, fn := range set.Functions {
		if p.Permits(strings.TrimSpace(fn.Name)) {
			kept = append(kept, fn)
		}
	}
	set.Functions = kept
	return set
}

// MergePolicies combines the default and set specific policies.
func MergePolicies(defaults Policy, set *Policy) Policy {
	if set == nil {
		return defaults
	}
	merged := set.Merge(defaults)
	if merged.Empty() {
		return defaults
	}
	return merged
}
