package graph

import (
	"context"
	"iter"

	"github.com/dotsetgreg/octomem/pkg/memory"
)

// MaxTraversalDepth bounds traversal requests.
const MaxTraversalDepth = 8

type edgeHit struct {
	rel      memory.Relationship
	neighbor memory.Entity
}

// Traverse walks the graph breadth-first from opts.StartID, yielding every
// reachable entity once, nearest first. The start entity is not yielded.
// Neighbours are loaded one frontier node at a time as the consumer pulls,
// so stopping early avoids the remaining queries.
func (s *Store) Traverse(ctx context.Context, opts memory.TraverseOptions) iter.Seq2[memory.TraversalStep, error] {
	return func(yield func(memory.TraversalStep, error) bool) {
		if opts.StartID == "" {
			yield(memory.TraversalStep{}, memory.Validationf("traversal start id is required"))
			return
		}
		if opts.MaxDepth < 1 || opts.MaxDepth > MaxTraversalDepth {
			yield(memory.TraversalStep{}, memory.Validationf("max depth must be between 1 and %d", MaxTraversalDepth))
			return
		}
		if opts.Direction == "" {
			opts.Direction = memory.Outgoing
		}

		_, ok, err := s.GetEntity(ctx, opts.StartID)
		if err != nil {
			yield(memory.TraversalStep{}, err)
			return
		}
		if !ok {
			yield(memory.TraversalStep{}, memory.NotFoundf("entity %q", opts.StartID))
			return
		}

		type queued struct {
			id    string
			depth int
		}
		visited := map[string]bool{opts.StartID: true}
		queue := []queued{{id: opts.StartID}}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.depth >= opts.MaxDepth {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(memory.TraversalStep{}, err)
				return
			}
			hits, err := s.neighbors(ctx, cur.id, opts.RelationshipType, opts.Direction)
			if err != nil {
				yield(memory.TraversalStep{}, err)
				return
			}
			for _, h := range hits {
				if visited[h.neighbor.ID] {
					continue
				}
				visited[h.neighbor.ID] = true
				step := memory.TraversalStep{Entity: h.neighbor, Depth: cur.depth + 1, Via: h.rel}
				if !yield(step, nil) {
					return
				}
				queue = append(queue, queued{id: h.neighbor.ID, depth: cur.depth + 1})
			}
		}
	}
}

// neighbors loads the edges of id together with the entity on the other end.
// Rows are fully read before returning so callers may issue further queries.
func (s *Store) neighbors(ctx context.Context, id, relType string, dir memory.Direction) ([]edgeHit, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []edgeHit
	if dir == memory.Outgoing || dir == memory.Both {
		hits, err := s.edgeQuery(ctx, "from_entity_id", "to_entity_id", id, relType)
		if err != nil {
			return nil, err
		}
		out = append(out, hits...)
	}
	if dir == memory.Incoming || dir == memory.Both {
		hits, err := s.edgeQuery(ctx, "to_entity_id", "from_entity_id", id, relType)
		if err != nil {
			return nil, err
		}
		out = append(out, hits...)
	}
	return out, nil
}

func (s *Store) edgeQuery(ctx context.Context, anchorCol, otherCol, id, relType string) ([]edgeHit, error) {
	query := `SELECT r.id, r.from_entity_id, r.to_entity_id, r.relationship_type, r.properties_json, r.created_at_ms,
			e.id, e.entity_type, e.name, e.properties_json, e.created_at_ms, e.updated_at_ms
		FROM relationships r
		JOIN entities e ON e.id = r.` + otherCol + `
		WHERE r.` + anchorCol + ` = ?`
	args := []interface{}{id}
	if relType != "" {
		query += ` AND r.relationship_type = ?`
		args = append(args, relType)
	}
	query += ` ORDER BY r.created_at_ms ASC, r.id ASC`

	rows, err := s.replica.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify("load neighbors", err)
	}
	defer rows.Close()

	var out []edgeHit
	for rows.Next() {
		var (
			h                      edgeHit
			relProps, entProps     string
			relCreated             int64
			entCreated, entUpdated int64
		)
		if err := rows.Scan(&h.rel.ID, &h.rel.FromEntityID, &h.rel.ToEntityID, &h.rel.RelationshipType, &relProps, &relCreated,
			&h.neighbor.ID, &h.neighbor.EntityType, &h.neighbor.Name, &entProps, &entCreated, &entUpdated); err != nil {
			return nil, classify("scan neighbor", err)
		}
		h.rel.Properties = decodeMap(relProps)
		h.rel.CreatedAt = fromMS(relCreated)
		h.neighbor.Properties = decodeMap(entProps)
		h.neighbor.CreatedAt = fromMS(entCreated)
		h.neighbor.UpdatedAt = fromMS(entUpdated)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load neighbors", err)
	}
	return out, nil
}
