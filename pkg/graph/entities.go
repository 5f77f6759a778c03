package graph

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/value"
)

const entityColumns = `id, entity_type, name, properties_json, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (memory.Entity, error) {
	var (
		e         memory.Entity
		propsJSON string
		createdMS int64
		updatedMS int64
	)
	if err := row.Scan(&e.ID, &e.EntityType, &e.Name, &propsJSON, &createdMS, &updatedMS); err != nil {
		return memory.Entity{}, err
	}
	e.Properties = decodeMap(propsJSON)
	e.CreatedAt = fromMS(createdMS)
	e.UpdatedAt = fromMS(updatedMS)
	return e, nil
}

func searchText(name string, props value.Map) string {
	return strings.ToLower(strings.TrimSpace(name + " " + props.Text()))
}

func (s *Store) validateEntity(in memory.NewEntity) error {
	if strings.TrimSpace(in.Name) == "" {
		return memory.Validationf("entity name is required")
	}
	return s.schema.Validate(in.EntityType, in.Properties)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertEntity(ctx context.Context, db execer, in memory.NewEntity) (string, error) {
	id := uuid.NewString()
	now := nowMS()
	_, err := db.ExecContext(ctx, s.q(`INSERT INTO entities (`+entityColumns+`, search_text) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, in.EntityType, in.Name, encodeMap(in.Properties), now, now, searchText(in.Name, in.Properties))
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateEntity validates and inserts a new entity, returning its id.
func (s *Store) CreateEntity(ctx context.Context, in memory.NewEntity) (string, error) {
	if err := s.validateEntity(in); err != nil {
		return "", err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	id, err := s.insertEntity(ctx, s.primary, in)
	if err != nil {
		return "", classify("create entity", err)
	}
	return id, nil
}

// CreateEntityAudited inserts the entity and its audit record in one
// transaction. The audit record's ResourceID is set to the new entity id.
func (s *Store) CreateEntityAudited(ctx context.Context, in memory.NewEntity, audit memory.ActionLogRecord) (string, error) {
	if err := s.validateEntity(in); err != nil {
		return "", err
	}
	var id string
	err := s.withTx(ctx, "create entity", func(tx *sql.Tx) error {
		var err error
		id, err = s.insertEntity(ctx, tx, in)
		if err != nil {
			return err
		}
		audit.ResourceID = id
		_, err = s.insertAction(ctx, tx, audit)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetEntity returns the entity with id; a missing entity is not an error.
func (s *Store) GetEntity(ctx context.Context, id string) (memory.Entity, bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return memory.Entity{}, false, err
	}
	defer release()
	return s.getEntity(ctx, s.replica, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) getEntity(ctx context.Context, db queryRower, id string) (memory.Entity, bool, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+entityColumns+` FROM entities WHERE id = ?`), id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return memory.Entity{}, false, nil
		}
		return memory.Entity{}, false, classify("get entity", err)
	}
	return e, true, nil
}

// DeleteEntity removes an entity and every relationship touching it.
func (s *Store) DeleteEntity(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, "delete entity", func(tx *sql.Tx) error {
		var err error
		deleted, err = s.deleteEntity(ctx, tx, id)
		return err
	})
	return deleted, err
}

// DeleteEntityAudited deletes like DeleteEntity and records audit when
// something was deleted.
func (s *Store) DeleteEntityAudited(ctx context.Context, id string, audit memory.ActionLogRecord) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, "delete entity", func(tx *sql.Tx) error {
		var err error
		deleted, err = s.deleteEntity(ctx, tx, id)
		if err != nil || !deleted {
			return err
		}
		audit.ResourceID = id
		_, err = s.insertAction(ctx, tx, audit)
		return err
	})
	return deleted, err
}

func (s *Store) deleteEntity(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM relationships WHERE from_entity_id = ? OR to_entity_id = ?`), id, id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM entities WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateRelationship links two existing entities.
func (s *Store) CreateRelationship(ctx context.Context, in memory.NewRelationship) (string, error) {
	var id string
	err := s.withTx(ctx, "create relationship", func(tx *sql.Tx) error {
		var err error
		id, err = s.insertRelationship(ctx, tx, in)
		return err
	})
	return id, err
}

// CreateRelationshipAudited links two entities and records the audit entry
// in the same transaction.
func (s *Store) CreateRelationshipAudited(ctx context.Context, in memory.NewRelationship, audit memory.ActionLogRecord) (string, error) {
	var id string
	err := s.withTx(ctx, "create relationship", func(tx *sql.Tx) error {
		var err error
		id, err = s.insertRelationship(ctx, tx, in)
		if err != nil {
			return err
		}
		audit.ResourceID = id
		_, err = s.insertAction(ctx, tx, audit)
		return err
	})
	return id, err
}

func (s *Store) insertRelationship(ctx context.Context, tx *sql.Tx, in memory.NewRelationship) (string, error) {
	if strings.TrimSpace(in.RelationshipType) == "" {
		return "", memory.Validationf("relationship type is required")
	}
	for _, endpoint := range []string{in.FromEntityID, in.ToEntityID} {
		_, ok, err := s.getEntity(ctx, tx, endpoint)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", memory.NotFoundf("entity %q", endpoint)
		}
	}
	id := uuid.NewString()
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO relationships (id, from_entity_id, to_entity_id, relationship_type, properties_json, created_at_ms) VALUES (?, ?, ?, ?, ?, ?)`),
		id, in.FromEntityID, in.ToEntityID, in.RelationshipType, encodeMap(in.Properties), nowMS())
	if err != nil {
		return "", err
	}
	return id, nil
}

// Relationships lists the edges of one entity in creation order.
func (s *Store) Relationships(ctx context.Context, entityID, relType string, dir memory.Direction) ([]memory.Relationship, error) {
	hits, err := s.neighbors(ctx, entityID, relType, dir)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Relationship, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rel)
	}
	return out, nil
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}
