package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/value"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "state", "graph.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func nmapTool() memory.NewEntity {
	return memory.NewEntity{
		EntityType: "tool",
		Name:       "nmap",
		Properties: value.Map{
			"description":  value.String("Network scanner"),
			"capabilities": value.Strings("port_scan", "service_detection"),
		},
	}
}

func mustCreate(t *testing.T, s *Store, typ, name string, props value.Map) string {
	t.Helper()
	id, err := s.CreateEntity(context.Background(), memory.NewEntity{EntityType: typ, Name: name, Properties: props})
	require.NoError(t, err)
	return id
}

func concept(desc string) value.Map {
	return value.Map{"description": value.String(desc)}
}

func TestCreateEntity_GetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := nmapTool()
	id, err := s.CreateEntity(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, ok, err := s.GetEntity(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, in.EntityType, got.EntityType)
	assert.Equal(t, in.Name, got.Name)
	assert.True(t, in.Properties.Equal(got.Properties), "properties = %v", got.Properties)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateEntity_RejectsMissingRequiredProperty(t *testing.T) {
	s := newTestStore(t)
	in := nmapTool()
	delete(in.Properties, "capabilities")

	_, err := s.CreateEntity(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrValidation))
	assert.Contains(t, err.Error(), "capabilities")
}

func TestCreateEntity_RejectsNullRequiredAndUnknownType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := nmapTool()
	in.Properties["description"] = value.Null()
	_, err := s.CreateEntity(ctx, in)
	assert.ErrorIs(t, err, memory.ErrValidation)

	_, err = s.CreateEntity(ctx, memory.NewEntity{EntityType: "spaceship", Name: "x"})
	assert.ErrorIs(t, err, memory.ErrValidation)
}

func TestGetEntity_MissingIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetEntity(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateRelationship_RequiresEndpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "concept", "a", concept("first"))

	_, err := s.CreateRelationship(ctx, memory.NewRelationship{FromEntityID: a, ToEntityID: "missing", RelationshipType: "uses"})
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestDeleteEntity_CascadesRelationships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "concept", "a", concept("first"))
	b := mustCreate(t, s, "concept", "b", concept("second"))
	_, err := s.CreateRelationship(ctx, memory.NewRelationship{FromEntityID: a, ToEntityID: b, RelationshipType: "uses"})
	require.NoError(t, err)

	deleted, err := s.DeleteEntity(ctx, b)
	require.NoError(t, err)
	assert.True(t, deleted)

	rels, err := s.Relationships(ctx, a, "", memory.Both)
	require.NoError(t, err)
	assert.Empty(t, rels)

	deleted, err = s.DeleteEntity(ctx, b)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func collect(t *testing.T, s *Store, opts memory.TraverseOptions) []memory.TraversalStep {
	t.Helper()
	var out []memory.TraversalStep
	for step, err := range s.Traverse(context.Background(), opts) {
		require.NoError(t, err)
		out = append(out, step)
	}
	return out
}

func TestTraverse_BreadthFirstWithCycles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "concept", "a", concept("a"))
	b := mustCreate(t, s, "concept", "b", concept("b"))
	c := mustCreate(t, s, "concept", "c", concept("c"))
	d := mustCreate(t, s, "concept", "d", concept("d"))
	for _, edge := range [][3]string{{a, b, "next"}, {b, c, "next"}, {c, a, "next"}, {a, d, "other"}} {
		_, err := s.CreateRelationship(ctx, memory.NewRelationship{FromEntityID: edge[0], ToEntityID: edge[1], RelationshipType: edge[2]})
		require.NoError(t, err)
	}

	steps := collect(t, s, memory.TraverseOptions{StartID: a, MaxDepth: 5})
	require.Len(t, steps, 3)
	assert.ElementsMatch(t, []string{b, d}, []string{steps[0].Entity.ID, steps[1].Entity.ID})
	assert.Equal(t, 1, steps[0].Depth)
	assert.Equal(t, 1, steps[1].Depth)
	assert.Equal(t, c, steps[2].Entity.ID)
	assert.Equal(t, 2, steps[2].Depth)

	typed := collect(t, s, memory.TraverseOptions{StartID: a, RelationshipType: "next", MaxDepth: 1})
	require.Len(t, typed, 1)
	assert.Equal(t, b, typed[0].Entity.ID)

	incoming := collect(t, s, memory.TraverseOptions{StartID: c, Direction: memory.Incoming, MaxDepth: 2})
	require.Len(t, incoming, 2)
	assert.Equal(t, b, incoming[0].Entity.ID)
	assert.Equal(t, a, incoming[1].Entity.ID)
}

func TestTraverse_ConsumerCanStopEarly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hub := mustCreate(t, s, "concept", "hub", concept("hub"))
	for i := 0; i < 5; i++ {
		leaf := mustCreate(t, s, "concept", fmt.Sprintf("leaf-%d", i), concept("leaf"))
		_, err := s.CreateRelationship(ctx, memory.NewRelationship{FromEntityID: hub, ToEntityID: leaf, RelationshipType: "has"})
		require.NoError(t, err)
	}

	n := 0
	for _, err := range s.Traverse(ctx, memory.TraverseOptions{StartID: hub, MaxDepth: 1}) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestTraverse_InvalidInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, err := range s.Traverse(ctx, memory.TraverseOptions{StartID: "x", MaxDepth: 0}) {
		assert.ErrorIs(t, err, memory.ErrValidation)
	}
	for _, err := range s.Traverse(ctx, memory.TraverseOptions{StartID: "missing", MaxDepth: 1}) {
		assert.ErrorIs(t, err, memory.ErrNotFound)
	}
}

func TestSearchEntities_RanksNameAbovePropertyMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateEntity(ctx, nmapTool())
	require.NoError(t, err)
	mustCreate(t, s, "concept", "port scanning", concept("probing hosts, see nmap"))
	mustCreate(t, s, "concept", "unrelated", concept("gardening"))

	results, err := s.SearchEntities(ctx, "nmap", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, id, results[0].Entity.ID)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Less(t, results[1].Score, results[0].Score)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}

	results, err = s.SearchEntities(ctx, "network scanner", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "nmap", results[0].Entity.Name)

	results, err = s.SearchEntities(ctx, "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCreateEntityAudited_WritesEntityAndOneAction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateEntityAudited(ctx, nmapTool(), memory.ActionLogRecord{ArmID: "coder", ActionType: memory.ActionWrite})
	require.NoError(t, err)

	actions, err := s.ListActions(ctx, memory.ActionFilter{ResourceID: id})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "coder", actions[0].ArmID)
	assert.Equal(t, memory.ActionWrite, actions[0].ActionType)

	bad := nmapTool()
	bad.Properties = value.Map{}
	_, err = s.CreateEntityAudited(ctx, bad, memory.ActionLogRecord{ArmID: "coder", ActionType: memory.ActionWrite})
	require.ErrorIs(t, err, memory.ErrValidation)

	all, err := s.ListActions(ctx, memory.ActionFilter{ArmID: "coder"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLogTask_DuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := memory.TaskHistoryRecord{TaskID: "task-1", GoalText: "scan the network", Success: true, Duration: time.Second}

	require.NoError(t, s.LogTask(ctx, rec))
	err := s.LogTask(ctx, rec)
	assert.ErrorIs(t, err, memory.ErrConflict)
}

func TestSimilarTasks_OrdersBySimilarityThenRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	tasks := []memory.TaskHistoryRecord{
		{TaskID: "old-exact", GoalText: "scan network hosts", CreatedAt: now.Add(-2 * time.Hour)},
		{TaskID: "new-exact", GoalText: "scan network hosts", CreatedAt: now.Add(-time.Hour)},
		{TaskID: "partial", GoalText: "scan web hosts", CreatedAt: now},
		{TaskID: "unrelated", GoalText: "write release notes", CreatedAt: now},
	}
	for _, task := range tasks {
		require.NoError(t, s.LogTask(ctx, task))
	}

	got, err := s.SimilarTasks(ctx, "scan network hosts", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "new-exact", got[0].Task.TaskID)
	assert.Equal(t, "old-exact", got[1].Task.TaskID)
	assert.Equal(t, "partial", got[2].Task.TaskID)
	assert.Equal(t, 1.0, got[0].Similarity)
}

func TestTaskStats_Percentiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	for i := 1; i <= 10; i++ {
		require.NoError(t, s.LogTask(ctx, memory.TaskHistoryRecord{
			TaskID:    fmt.Sprintf("t-%d", i),
			GoalText:  "goal",
			Success:   i%5 != 0,
			Duration:  time.Duration(i) * 100 * time.Millisecond,
			CostUnits: 1.5,
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.LogTask(ctx, memory.TaskHistoryRecord{TaskID: "ancient", GoalText: "goal", CreatedAt: now.Add(-48 * time.Hour)}))

	stats, err := s.TaskStats(ctx, now.Add(-24*time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 8, stats.Succeeded)
	assert.InDelta(t, 0.8, stats.SuccessRate, 1e-9)
	assert.Equal(t, 500*time.Millisecond, stats.P50)
	assert.Equal(t, time.Second, stats.P95)
	assert.InDelta(t, 15.0, stats.TotalCost, 1e-9)
}

func TestAcquire_TimesOutAsStorageUnavailable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{
		Driver:         DriverSQLite,
		DSN:            filepath.Join(dir, "graph.db"),
		MaxConnections: 1,
		AcquireTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	release, err := s.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, _, err = s.GetEntity(context.Background(), "x")
	assert.ErrorIs(t, err, memory.ErrStorageUnavailable)
}

func TestAcquire_SQLiteSlotsMatchPool(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{
		Driver:         DriverSQLite,
		DSN:            filepath.Join(dir, "graph.db"),
		MaxConnections: 8,
		AcquireTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	release, err := s.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	done := make(chan error, 1)
	go func() {
		_, _, err := s.GetEntity(context.Background(), "x")
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, memory.ErrStorageUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller waited past the acquire timeout")
	}
}

func TestQ_RebindsPlaceholdersForPostgres(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	assert.Equal(t, "a = $1 AND b = $2", s.q("a = ? AND b = ?"))

	s.driver = DriverSQLite
	assert.Equal(t, "a = ?", s.q("a = ?"))
}

func TestSchema_RegisterExtendsTypes(t *testing.T) {
	schema := DefaultSchema()
	schema.Register("runbook", "steps")

	assert.Contains(t, schema.Types(), "runbook")
	assert.ErrorIs(t, schema.Validate("runbook", value.Map{}), memory.ErrValidation)
	assert.NoError(t, schema.Validate("runbook", value.Map{"steps": value.Strings("a")}))
}
