package diode

import (
	"sort"

	"github.com/dotsetgreg/octomem/pkg/memory"
)

// Policy narrows what an arm sees through the read diode. An empty
// EntityTypes list allows every type the token grants read for. A type
// without a Properties entry exposes all of its properties.
type Policy struct {
	EntityTypes []string
	Properties  map[string][]string
}

// PolicySource resolves an arm's policy. ok=false selects the default policy.
type PolicySource func(arm string) (Policy, bool)

// StaticPolicies serves policies from a fixed map.
func StaticPolicies(policies map[string]Policy) PolicySource {
	return func(arm string) (Policy, bool) {
		p, ok := policies[arm]
		return p, ok
	}
}

// readScope is the effective visibility for one read call.
type readScope struct {
	only       string
	granted    map[string]struct{}
	restricted map[string]struct{}
	properties map[string][]string
}

func newReadScope(only string, grants []string, policy Policy) readScope {
	s := readScope{
		granted:    toSet(grants),
		properties: policy.Properties,
	}
	if only != AnyEntityType {
		s.only = only
	}
	if len(policy.EntityTypes) > 0 {
		s.restricted = toSet(policy.EntityTypes)
	}
	return s
}

func (s readScope) allows(entityType string) bool {
	if s.only != "" && entityType != s.only {
		return false
	}
	if _, ok := s.granted[entityType]; !ok {
		return false
	}
	if s.restricted != nil {
		if _, ok := s.restricted[entityType]; !ok {
			return false
		}
	}
	return true
}

func (s readScope) project(e memory.Entity) memory.Entity {
	keys, ok := s.properties[e.EntityType]
	if !ok {
		return e
	}
	e.Properties = e.Properties.Only(keys)
	return e
}

// visibleTypes lists the types a scope can return, for audit details.
func (s readScope) visibleTypes() []string {
	var out []string
	for t := range s.granted {
		if t != AnyEntityType && s.allows(t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
