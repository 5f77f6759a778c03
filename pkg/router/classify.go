package router

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/dotsetgreg/octomem/pkg/memory"
)

// QueryType is the routing decision for a query.
type QueryType string

const (
	TypeEntity     QueryType = "entity"
	TypeTraversal  QueryType = "traversal"
	TypeHistory    QueryType = "history"
	TypeSimilarity QueryType = "similarity"
	TypeHybrid     QueryType = "hybrid"
)

// ParseQueryType accepts the type names used in hints. Empty input is "".
func ParseQueryType(s string) (QueryType, error) {
	switch t := QueryType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", TypeEntity, TypeTraversal, TypeHistory, TypeSimilarity, TypeHybrid:
		return t, nil
	default:
		return "", memory.Validationf("unknown query type %q", s)
	}
}

// Hints steer routing. Zero fields are ignored.
type Hints struct {
	Type             QueryType         `json:"type,omitempty"`
	EntityID         string            `json:"entity_id,omitempty"`
	ResourceType     string            `json:"resource_type,omitempty"`
	RelationshipType string            `json:"relationship_type,omitempty"`
	Direction        memory.Direction  `json:"direction,omitempty"`
	MaxDepth         int               `json:"max_depth,omitempty"`
	Collection       string            `json:"collection,omitempty"`
	Probes           int               `json:"probes,omitempty"`
	Filters          map[string]string `json:"filters,omitempty"`
}

// fingerprint is the canonical hint encoding used in cache keys.
func (h Hints) fingerprint() string {
	raw, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(raw)
}

var (
	uuidRegex = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)

	relationshipCueRegex = regexp.MustCompile(`(?i)\b(related|relations?|relationships?|connected|connections?|linked|links?|neighbou?rs?|depends on|dependencies|dependents|uses|used by|path|traverse|reachable)\b`)
	historyCueRegex      = regexp.MustCompile(`(?i)\b(history|historical|previous(ly)?|past (tasks?|runs?|attempts?)|last time|earlier|how did (we|i)|have we|success rate|done this)\b`)
	similarityCueRegex   = regexp.MustCompile(`(?i)\b(similar|similarity|like|resembl\w*|related to|reminds?|close to|same as|examples? of|semantically)\b`)
)

// Classify picks the query type. Hints win, then an entity id in the text
// (with relationship wording it is a traversal), then history wording, then
// similarity wording. Everything else is hybrid. The returned id is the
// entity the query is anchored on, if any.
func Classify(text string, hints Hints) (QueryType, string) {
	id := hints.EntityID
	if id == "" {
		id = strings.ToLower(uuidRegex.FindString(text))
	}
	if hints.Type != "" {
		return hints.Type, id
	}
	if id != "" {
		if relationshipCueRegex.MatchString(text) || hints.RelationshipType != "" {
			return TypeTraversal, id
		}
		return TypeEntity, id
	}
	if historyCueRegex.MatchString(text) {
		return TypeHistory, ""
	}
	if similarityCueRegex.MatchString(text) {
		return TypeSimilarity, ""
	}
	return TypeHybrid, ""
}
