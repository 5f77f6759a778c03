package diode

import (
	"context"
	"errors"
	"strings"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/security"
	"github.com/dotsetgreg/octomem/pkg/value"
)

const writeDiode = "write"

// WriteStore is the graph access the write diode needs.
type WriteStore interface {
	memory.GraphWriter
	GetEntity(ctx context.Context, id string) (memory.Entity, bool, error)
}

// WriteDiode is the only mutation path from an arm into the graph. Every
// successful call commits exactly one audit record with the mutation; a
// rejected call is logged and leaves no record.
type WriteDiode struct {
	guard Guard
	store WriteStore
}

func NewWriteDiode(guard Guard, store WriteStore) (*WriteDiode, error) {
	if guard == nil || store == nil {
		return nil, errors.New("write diode requires a guard and a store")
	}
	return &WriteDiode{guard: guard, store: store}, nil
}

// Write creates an entity of entityType and returns its id.
func (w *WriteDiode) Write(ctx context.Context, arm, token, entityType, name string, props value.Map) (string, error) {
	if err := w.guard.Check(token, arm, security.OpWrite, entityType); err != nil {
		w.guard.Denied(ctx, writeDiode, arm, security.OpWrite, entityType, err)
		return "", err
	}

	name = strings.TrimSpace(w.guard.SanitizeText(name))
	props = w.guard.Sanitize(props)

	if name == "" {
		err := memory.Validationf("entity name is required")
		w.guard.Denied(ctx, writeDiode, arm, security.OpWrite, entityType, err)
		return "", err
	}
	if err := w.guard.Validate(entityType, props); err != nil {
		w.guard.Denied(ctx, writeDiode, arm, security.OpWrite, entityType, err)
		return "", err
	}

	audit := memory.ActionLogRecord{
		TaskID:     TaskIDFrom(ctx),
		ArmID:      arm,
		ActionType: memory.ActionWrite,
		ActionDetails: value.Map{
			"entity_type":   value.String(entityType),
			"property_keys": value.Strings(props.Keys()...),
		},
		Result: "created",
	}
	id, err := w.store.CreateEntityAudited(ctx, memory.NewEntity{
		EntityType: entityType,
		Name:       name,
		Properties: props,
	}, audit)
	if err != nil {
		w.guard.Denied(ctx, writeDiode, arm, security.OpWrite, entityType, err)
		return "", err
	}
	succeeded(writeDiode)
	return id, nil
}

// Link creates a relationship between two existing entities. It needs the
// write grant on the relationship resource.
func (w *WriteDiode) Link(ctx context.Context, arm, token, fromID, toID, relType string, props value.Map) (string, error) {
	res := security.ResourceRelationship
	if err := w.guard.Check(token, arm, security.OpWrite, res); err != nil {
		w.guard.Denied(ctx, writeDiode, arm, security.OpWrite, res, err)
		return "", err
	}
	props = w.guard.Sanitize(props)
	relType = strings.TrimSpace(relType)
	if relType == "" || fromID == "" || toID == "" {
		err := memory.Validationf("relationship needs both endpoints and a type")
		w.guard.Denied(ctx, writeDiode, arm, security.OpWrite, res, err)
		return "", err
	}

	audit := memory.ActionLogRecord{
		TaskID:     TaskIDFrom(ctx),
		ArmID:      arm,
		ActionType: memory.ActionLink,
		ActionDetails: value.Map{
			"relationship_type": value.String(relType),
			"from":              value.String(fromID),
			"to":                value.String(toID),
		},
		Result: "created",
	}
	id, err := w.store.CreateRelationshipAudited(ctx, memory.NewRelationship{
		FromEntityID:     fromID,
		ToEntityID:       toID,
		RelationshipType: relType,
		Properties:       props,
	}, audit)
	if err != nil {
		w.guard.Denied(ctx, writeDiode, arm, security.OpWrite, res, err)
		return "", err
	}
	succeeded(writeDiode)
	return id, nil
}

// Delete removes an entity and its relationships. The token must grant
// delete on the entity's type. Deleting a missing entity reports false.
func (w *WriteDiode) Delete(ctx context.Context, arm, token, entityID string) (bool, error) {
	if len(w.guard.Grants(token, arm, security.OpDelete)) == 0 {
		err := memory.Permissionf("token grants no delete access")
		w.guard.Denied(ctx, writeDiode, arm, security.OpDelete, entityID, err)
		return false, err
	}
	ent, ok, err := w.store.GetEntity(ctx, entityID)
	if err != nil {
		w.guard.Denied(ctx, writeDiode, arm, security.OpDelete, entityID, err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := w.guard.Check(token, arm, security.OpDelete, ent.EntityType); err != nil {
		w.guard.Denied(ctx, writeDiode, arm, security.OpDelete, ent.EntityType, err)
		return false, err
	}

	audit := memory.ActionLogRecord{
		TaskID:     TaskIDFrom(ctx),
		ArmID:      arm,
		ActionType: memory.ActionDelete,
		ActionDetails: value.Map{
			"entity_type": value.String(ent.EntityType),
		},
		Result: "deleted",
	}
	deleted, err := w.store.DeleteEntityAudited(ctx, entityID, audit)
	if err != nil {
		w.guard.Denied(ctx, writeDiode, arm, security.OpDelete, ent.EntityType, err)
		return false, err
	}
	if deleted {
		succeeded(writeDiode)
	}
	return deleted, nil
}
