package memory

import (
	"time"

	"github.com/dotsetgreg/octomem/pkg/value"
)

// Entity is a typed node in the knowledge graph.
type Entity struct {
	ID         string
	EntityType string
	Name       string
	Properties value.Map
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewEntity is the input for creating an entity. The id is assigned by the store.
type NewEntity struct {
	EntityType string
	Name       string
	Properties value.Map
}

// Relationship is a directed, typed edge between two entities.
type Relationship struct {
	ID               string
	FromEntityID     string
	ToEntityID       string
	RelationshipType string
	Properties       value.Map
	CreatedAt        time.Time
}

// NewRelationship is the input for creating an edge.
type NewRelationship struct {
	FromEntityID     string
	ToEntityID       string
	RelationshipType string
	Properties       value.Map
}

// Direction selects which edges a traversal follows.
type Direction string

const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
	Both     Direction = "both"
)

// ParseDirection maps user input onto a Direction. Empty input means Outgoing.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Outgoing, "outgoing":
		return Outgoing, nil
	case Incoming, "incoming":
		return Incoming, nil
	case Both:
		return Both, nil
	default:
		return "", Validationf("unknown direction %q", s)
	}
}

// TraversalStep is one entity reached by a traversal.
type TraversalStep struct {
	Entity Entity
	Depth  int
	Via    Relationship
}

// ScoredEntity is an entity ranked by text relevance in [0,1].
type ScoredEntity struct {
	Entity Entity
	Score  float64
}

// TaskHistoryRecord is an append-only record of a finished task.
type TaskHistoryRecord struct {
	TaskID    string
	GoalText  string
	Plan      value.Value
	Result    value.Value
	Success   bool
	Duration  time.Duration
	CostUnits float64
	CreatedAt time.Time
}

// ScoredTask is a historical task ranked by goal similarity in [0,1].
type ScoredTask struct {
	Task       TaskHistoryRecord
	Similarity float64
}

// TaskStats aggregates task history over a window.
type TaskStats struct {
	Total       int
	Succeeded   int
	SuccessRate float64
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	TotalCost   float64
}

// ActionLogRecord is an append-only audit entry.
type ActionLogRecord struct {
	ID            string
	TaskID        string
	ArmID         string
	ActionType    string
	ResourceID    string
	ActionDetails value.Map
	Result        string
	Timestamp     time.Time
}

// ActionFilter narrows audit log reads. Zero fields are ignored.
type ActionFilter struct {
	ArmID      string
	TaskID     string
	ActionType string
	ResourceID string
	Since      time.Time
	Limit      int
}

// MemoryItem is a vector store entry owned by a single arm.
type MemoryItem struct {
	ID         string
	Collection string
	Text       string
	Embedding  []float32
	Payload    value.Map
}

// Action types recorded in the audit log.
const (
	ActionWrite  = "write"
	ActionRead   = "read"
	ActionLink   = "link"
	ActionDelete = "delete"
)
