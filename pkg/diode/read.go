package diode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/security"
	"github.com/dotsetgreg/octomem/pkg/utils"
	"github.com/dotsetgreg/octomem/pkg/value"
)

const readDiode = "read"

// Resource types understood by the read diode besides concrete entity types.
const (
	// AnyEntityType reads across every entity type the token grants.
	AnyEntityType = "graph"
	// TaskHistory covers the similar_tasks and task_stats kinds.
	TaskHistory = "task_history"
)

// QueryKind selects the graph operation behind a read.
type QueryKind string

const (
	KindGet          QueryKind = "get"
	KindSearch       QueryKind = "search"
	KindTraverse     QueryKind = "traverse"
	KindSimilarTasks QueryKind = "similar_tasks"
	KindTaskStats    QueryKind = "task_stats"
)

const (
	defaultReadLimit     = 10
	maxReadLimit         = 200
	defaultTraverseDepth = 2
	// searchOverfetch compensates for entities removed by the arm's policy.
	searchOverfetch = 4
)

// ReadQuery describes one read. ResourceType is the entity type checked
// against the token; AnyEntityType reads every granted type.
type ReadQuery struct {
	Kind             QueryKind
	ResourceType     string
	EntityID         string
	Text             string
	Limit            int
	RelationshipType string
	Direction        memory.Direction
	MaxDepth         int
	Since            time.Time
	Until            time.Time
}

// ReadResult holds whichever collection the query kind fills.
type ReadResult struct {
	Entities []memory.ScoredEntity
	Steps    []memory.TraversalStep
	Tasks    []memory.ScoredTask
	Stats    *memory.TaskStats
}

// Count is the number of records returned.
func (r ReadResult) Count() int {
	n := len(r.Entities) + len(r.Steps) + len(r.Tasks)
	if r.Stats != nil {
		n++
	}
	return n
}

// ReadDiode is the only read path from an arm into the graph.
type ReadDiode struct {
	guard    Guard
	graph    memory.GraphReader
	policies PolicySource
	now      func() time.Time
}

func NewReadDiode(guard Guard, graph memory.GraphReader, policies PolicySource) (*ReadDiode, error) {
	if guard == nil || graph == nil {
		return nil, errors.New("read diode requires a guard and a graph reader")
	}
	if policies == nil {
		policies = StaticPolicies(nil)
	}
	return &ReadDiode{guard: guard, graph: graph, policies: policies, now: time.Now}, nil
}

func (q ReadQuery) normalized() ReadQuery {
	q.Kind = QueryKind(strings.ToLower(strings.TrimSpace(string(q.Kind))))
	q.ResourceType = strings.TrimSpace(q.ResourceType)
	if q.ResourceType == "" {
		switch q.Kind {
		case KindSimilarTasks, KindTaskStats:
			q.ResourceType = TaskHistory
		default:
			q.ResourceType = AnyEntityType
		}
	}
	if q.Limit <= 0 {
		q.Limit = defaultReadLimit
	}
	if q.Limit > maxReadLimit {
		q.Limit = maxReadLimit
	}
	if q.Kind == KindTraverse && q.MaxDepth <= 0 {
		q.MaxDepth = defaultTraverseDepth
	}
	return q
}

func (q ReadQuery) validate() error {
	switch q.Kind {
	case KindGet, KindTraverse:
		if strings.TrimSpace(q.EntityID) == "" {
			return memory.Validationf("%s query needs an entity id", q.Kind)
		}
	case KindSearch, KindSimilarTasks:
		if strings.TrimSpace(q.Text) == "" {
			return memory.Validationf("%s query needs text", q.Kind)
		}
	case KindTaskStats:
	default:
		return memory.Validationf("unknown read kind %q", q.Kind)
	}
	switch q.Kind {
	case KindSimilarTasks, KindTaskStats:
		if q.ResourceType != TaskHistory {
			return memory.Validationf("%s reads require resource type %s", q.Kind, TaskHistory)
		}
	}
	return nil
}

// Read verifies, rate limits, runs the query restricted to the arm's policy
// and appends one audit record describing the read. The audit record holds
// the entity id or a hash of the query, never returned content.
func (r *ReadDiode) Read(ctx context.Context, arm, token string, q ReadQuery) (ReadResult, error) {
	q = q.normalized()
	if err := r.guard.Check(token, arm, security.OpRead, q.ResourceType); err != nil {
		r.guard.Denied(ctx, readDiode, arm, security.OpRead, q.ResourceType, err)
		return ReadResult{}, err
	}
	if err := r.guard.Limit(arm, security.OpRead); err != nil {
		r.guard.Denied(ctx, readDiode, arm, security.OpRead, q.ResourceType, err)
		return ReadResult{}, err
	}
	if err := q.validate(); err != nil {
		r.guard.Denied(ctx, readDiode, arm, security.OpRead, q.ResourceType, err)
		return ReadResult{}, err
	}

	policy, _ := r.policies(arm)
	scope := newReadScope(q.ResourceType, r.guard.Grants(token, arm, security.OpRead), policy)

	res, err := r.execute(ctx, q, scope)
	if err != nil {
		r.guard.Denied(ctx, readDiode, arm, security.OpRead, q.ResourceType, err)
		return ReadResult{}, err
	}

	audit := memory.ActionLogRecord{
		TaskID:     TaskIDFrom(ctx),
		ArmID:      arm,
		ActionType: memory.ActionRead,
		ResourceID: resourceID(q),
		ActionDetails: value.Map{
			"kind":          value.String(string(q.Kind)),
			"resource_type": value.String(q.ResourceType),
			"result_count":  value.Int(int64(res.Count())),
			"visible_types": value.Strings(scope.visibleTypes()...),
		},
		Result: "ok",
	}
	if _, err := r.guard.Audit(ctx, audit); err != nil {
		err = memory.Unavailable("audit read", err)
		r.guard.Denied(ctx, readDiode, arm, security.OpRead, q.ResourceType, err)
		return ReadResult{}, err
	}
	succeeded(readDiode)
	return res, nil
}

func (r *ReadDiode) execute(ctx context.Context, q ReadQuery, scope readScope) (ReadResult, error) {
	switch q.Kind {
	case KindGet:
		e, ok, err := r.graph.GetEntity(ctx, q.EntityID)
		if err != nil || !ok || !scope.allows(e.EntityType) {
			return ReadResult{}, err
		}
		return ReadResult{Entities: []memory.ScoredEntity{{Entity: scope.project(e), Score: 1}}}, nil

	case KindSearch:
		hits, err := r.graph.SearchEntities(ctx, q.Text, q.Limit*searchOverfetch)
		if err != nil {
			return ReadResult{}, err
		}
		out := make([]memory.ScoredEntity, 0, q.Limit)
		for _, h := range hits {
			if !scope.allows(h.Entity.EntityType) {
				continue
			}
			out = append(out, memory.ScoredEntity{Entity: scope.project(h.Entity), Score: h.Score})
			if len(out) == q.Limit {
				break
			}
		}
		return ReadResult{Entities: out}, nil

	case KindTraverse:
		return r.traverse(ctx, q, scope)

	case KindSimilarTasks:
		tasks, err := r.graph.SimilarTasks(ctx, q.Text, q.Limit)
		if err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Tasks: tasks}, nil

	case KindTaskStats:
		until := q.Until
		if until.IsZero() {
			until = r.now()
		}
		since := q.Since
		if since.IsZero() {
			since = until.Add(-24 * time.Hour)
		}
		stats, err := r.graph.TaskStats(ctx, since, until)
		if err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Stats: &stats}, nil
	}
	return ReadResult{}, memory.Validationf("unknown read kind %q", q.Kind)
}

// traverse walks from a visible start entity and keeps the visible steps.
// A missing or hidden start yields an empty result.
func (r *ReadDiode) traverse(ctx context.Context, q ReadQuery, scope readScope) (ReadResult, error) {
	start, ok, err := r.graph.GetEntity(ctx, q.EntityID)
	if err != nil || !ok || !scope.allows(start.EntityType) {
		return ReadResult{}, err
	}
	dir := q.Direction
	if dir == "" {
		dir = memory.Outgoing
	}
	var steps []memory.TraversalStep
	for step, err := range r.graph.Traverse(ctx, memory.TraverseOptions{
		StartID:          q.EntityID,
		RelationshipType: q.RelationshipType,
		Direction:        dir,
		MaxDepth:         q.MaxDepth,
	}) {
		if err != nil {
			return ReadResult{}, err
		}
		if !scope.allows(step.Entity.EntityType) {
			continue
		}
		step.Entity = scope.project(step.Entity)
		steps = append(steps, step)
		if len(steps) == q.Limit {
			break
		}
	}
	return ReadResult{Steps: steps}, nil
}

func resourceID(q ReadQuery) string {
	switch q.Kind {
	case KindGet, KindTraverse:
		return q.EntityID
	case KindTaskStats:
		return string(KindTaskStats)
	}
	sum := sha256.Sum256([]byte(string(q.Kind) + "\x1f" + utils.Normalize(q.Text)))
	return "query:" + hex.EncodeToString(sum[:8])
}
