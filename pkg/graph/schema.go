package graph

import (
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/value"
)

// Schema maps entity types to their required property names. Unknown types
// are rejected.
type Schema struct {
	mu       sync.RWMutex
	required map[string][]string
}

var defaultRequired = map[string][]string{
	"tool":          {"description", "capabilities"},
	"document":      {"content"},
	"concept":       {"description"},
	"code_pattern":  {"language", "pattern"},
	"vulnerability": {"severity", "description"},
	"person":        {"role"},
	"service":       {"endpoint"},
}

func DefaultSchema() *Schema {
	s := &Schema{required: make(map[string][]string, len(defaultRequired))}
	for typ, props := range defaultRequired {
		s.Register(typ, props...)
	}
	return s
}

// Register adds or replaces the required properties of an entity type.
func (s *Schema) Register(entityType string, required ...string) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return
	}
	props := append([]string(nil), required...)
	sort.Strings(props)
	s.mu.Lock()
	s.required[entityType] = props
	s.mu.Unlock()
}

// Types lists the registered entity types in sorted order.
func (s *Schema) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.required))
	for typ := range s.required {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func (s *Schema) Required(entityType string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	props, ok := s.required[entityType]
	return props, ok
}

// Validate rejects unknown types and missing or null required properties.
func (s *Schema) Validate(entityType string, props value.Map) error {
	required, ok := s.Required(entityType)
	if !ok {
		return memory.Validationf("unknown entity type %q", entityType)
	}
	var missing []string
	for _, name := range required {
		if !props.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return memory.Validationf("entity type %q missing required properties: %s", entityType, strings.Join(missing, ", "))
	}
	return nil
}
