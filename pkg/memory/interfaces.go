package memory

import (
	"context"
	"iter"
	"time"

	"github.com/dotsetgreg/octomem/pkg/value"
)

// TraverseOptions configures a graph traversal.
type TraverseOptions struct {
	StartID          string
	RelationshipType string
	Direction        Direction
	MaxDepth         int
}

// GraphReader is the read side of the knowledge graph.
type GraphReader interface {
	GetEntity(ctx context.Context, id string) (Entity, bool, error)
	SearchEntities(ctx context.Context, text string, limit int) ([]ScoredEntity, error)
	Traverse(ctx context.Context, opts TraverseOptions) iter.Seq2[TraversalStep, error]
	SimilarTasks(ctx context.Context, goalText string, limit int) ([]ScoredTask, error)
	TaskStats(ctx context.Context, since, until time.Time) (TaskStats, error)
}

// AuditLog appends and reads action records.
type AuditLog interface {
	LogAction(ctx context.Context, rec ActionLogRecord) (string, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]ActionLogRecord, error)
}

// GraphWriter is the mutation side used by the write diode. Each audited
// call commits the mutation and its audit record together.
type GraphWriter interface {
	CreateEntityAudited(ctx context.Context, in NewEntity, audit ActionLogRecord) (string, error)
	CreateRelationshipAudited(ctx context.Context, in NewRelationship, audit ActionLogRecord) (string, error)
	DeleteEntityAudited(ctx context.Context, id string, audit ActionLogRecord) (bool, error)
}

// SchemaValidator enforces required properties per entity type.
type SchemaValidator interface {
	Validate(entityType string, props value.Map) error
}
