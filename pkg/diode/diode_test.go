package diode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/octomem/pkg/graph"
	"github.com/dotsetgreg/octomem/pkg/logger"
	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/security"
	"github.com/dotsetgreg/octomem/pkg/value"
)

var signingKey = []byte("diode-test-signing-key-0123456789")

type fixture struct {
	store  *graph.Store
	issuer *security.Issuer
	guard  *CapabilityGuard
	write  *WriteDiode
	read   *ReadDiode
}

func newFixture(t *testing.T, policies map[string]Policy, limits security.RateLimitConfig) *fixture {
	t.Helper()
	store, err := graph.NewSQLiteStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	issuer, err := security.NewIssuer(signingKey, "octomem")
	require.NoError(t, err)
	verifier, err := security.NewVerifier(signingKey, "octomem")
	require.NoError(t, err)

	if limits.RequestsPerSecond == 0 {
		limits = security.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}
	}
	guard, err := NewGuard(GuardConfig{
		Verifier:  verifier,
		Sanitizer: security.DefaultSanitizer(),
		Schema:    store.Schema(),
		AuditLog:  store,
		Limiter:   security.NewRateLimiter(limits),
	})
	require.NoError(t, err)

	write, err := NewWriteDiode(guard, store)
	require.NoError(t, err)
	read, err := NewReadDiode(guard, store, StaticPolicies(policies))
	require.NoError(t, err)
	return &fixture{store: store, issuer: issuer, guard: guard, write: write, read: read}
}

func (f *fixture) token(t *testing.T, arm string, grants ...string) string {
	t.Helper()
	var gs []security.Grant
	for _, raw := range grants {
		g, err := security.ParseGrant(raw)
		require.NoError(t, err)
		gs = append(gs, g)
	}
	tok, err := f.issuer.Mint(arm, gs, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) actions(t *testing.T, arm string) []memory.ActionLogRecord {
	t.Helper()
	recs, err := f.store.ListActions(context.Background(), memory.ActionFilter{ArmID: arm})
	require.NoError(t, err)
	return recs
}

func nmapProps() value.Map {
	return value.Map{
		"description":  value.String("scanner"),
		"capabilities": value.Strings("port_scan"),
	}
}

func TestWrite_NmapScenario(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := context.Background()

	id, err := f.write.Write(ctx, "executor", f.token(t, "executor", "write:tool"), "tool", "nmap", nmapProps())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, ok, err := f.store.GetEntity(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "nmap", got.Name)
	assert.True(t, nmapProps().Equal(got.Properties))

	recs := f.actions(t, "executor")
	require.Len(t, recs, 1)
	assert.Equal(t, "executor", recs[0].ArmID)
	assert.Equal(t, memory.ActionWrite, recs[0].ActionType)
	assert.Equal(t, id, recs[0].ResourceID)

	_, err = f.write.Write(ctx, "executor", f.token(t, "executor", "write:document"), "tool", "nmap", nmapProps())
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrPermission))

	hits, err := f.store.SearchEntities(ctx, "nmap", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "denied write must not create an entity")
	assert.Len(t, f.actions(t, "executor"), 1, "denied write must not be audited")
}

func TestWrite_RejectsOtherArmsToken(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	_, err := f.write.Write(context.Background(), "executor", f.token(t, "planner", "write:tool"), "tool", "nmap", nmapProps())
	assert.ErrorIs(t, err, memory.ErrPermission)
	assert.Empty(t, f.actions(t, "executor"))
}

func TestWrite_InvalidPayloadIsNotAudited(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := context.Background()
	tok := f.token(t, "executor", "write:tool")

	_, err := f.write.Write(ctx, "executor", tok, "tool", "nmap", value.Map{"description": value.String("scanner")})
	assert.ErrorIs(t, err, memory.ErrValidation)

	_, err = f.write.Write(ctx, "executor", tok, "tool", "  ", nmapProps())
	assert.ErrorIs(t, err, memory.ErrValidation)

	assert.Empty(t, f.actions(t, "executor"))
}

func TestWrite_RedactsBeforeStoring(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := WithTaskID(context.Background(), "task-42")

	props := nmapProps()
	props["description"] = value.String("maintained by ops@example.com from 10.1.2.3")
	id, err := f.write.Write(ctx, "executor", f.token(t, "executor", "write:tool"), "tool", "nmap for alice@example.com", props)
	require.NoError(t, err)

	got, _, err := f.store.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "nmap for [REDACTED:EMAIL]", got.Name)
	assert.Equal(t, "maintained by [REDACTED:EMAIL] from [REDACTED:IPV4]", got.Properties["description"].Str())

	recs := f.actions(t, "executor")
	require.Len(t, recs, 1)
	assert.Equal(t, "task-42", recs[0].TaskID)
	assert.Equal(t, "tool", recs[0].ActionDetails["entity_type"].Str())
}

func TestLink_AndDelete(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := context.Background()
	tok := f.token(t, "executor", "write:tool", "write:concept", "write:relationship", "delete:tool")

	toolID, err := f.write.Write(ctx, "executor", tok, "tool", "nmap", nmapProps())
	require.NoError(t, err)
	conceptID, err := f.write.Write(ctx, "executor", tok, "concept", "port scanning",
		value.Map{"description": value.String("probing open ports")})
	require.NoError(t, err)

	relID, err := f.write.Link(ctx, "executor", tok, toolID, conceptID, "implements", nil)
	require.NoError(t, err)
	require.NotEmpty(t, relID)

	_, err = f.write.Link(ctx, "executor", f.token(t, "executor", "write:tool"), toolID, conceptID, "implements", nil)
	assert.ErrorIs(t, err, memory.ErrPermission)

	_, err = f.write.Link(ctx, "executor", tok, toolID, "missing", "implements", nil)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	_, err = f.write.Delete(ctx, "executor", tok, conceptID)
	assert.ErrorIs(t, err, memory.ErrPermission, "delete:tool does not cover concepts")

	_, err = f.write.Delete(ctx, "executor", f.token(t, "executor", "write:tool"), toolID)
	assert.ErrorIs(t, err, memory.ErrPermission)

	deleted, err := f.write.Delete(ctx, "executor", tok, toolID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.write.Delete(ctx, "executor", tok, toolID)
	require.NoError(t, err)
	assert.False(t, deleted)

	rels, err := f.store.Relationships(ctx, conceptID, "", memory.Both)
	require.NoError(t, err)
	assert.Empty(t, rels)

	var kinds []string
	for _, r := range f.actions(t, "executor") {
		kinds = append(kinds, r.ActionType)
	}
	assert.ElementsMatch(t, []string{memory.ActionWrite, memory.ActionWrite, memory.ActionLink, memory.ActionDelete}, kinds)
}

func TestRead_GetIsAudited(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := context.Background()
	id, err := f.write.Write(ctx, "executor", f.token(t, "executor", "write:tool"), "tool", "nmap", nmapProps())
	require.NoError(t, err)

	res, err := f.read.Read(ctx, "planner", f.token(t, "planner", "read:tool"), ReadQuery{Kind: KindGet, ResourceType: "tool", EntityID: id})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "nmap", res.Entities[0].Entity.Name)

	recs := f.actions(t, "planner")
	require.Len(t, recs, 1)
	assert.Equal(t, memory.ActionRead, recs[0].ActionType)
	assert.Equal(t, id, recs[0].ResourceID)
	assert.Equal(t, float64(1), recs[0].ActionDetails["result_count"].Num())
	assert.NotContains(t, recs[0].ActionDetails.Text(), "scanner")
	visible := recs[0].ActionDetails["visible_types"].Items()
	require.Len(t, visible, 1)
	assert.Equal(t, "tool", visible[0].Str())

	_, err = f.read.Read(ctx, "planner", f.token(t, "planner", "read:document"), ReadQuery{Kind: KindGet, ResourceType: "tool", EntityID: id})
	assert.ErrorIs(t, err, memory.ErrPermission)
	assert.Len(t, f.actions(t, "planner"), 1)
}

func TestRead_MissingEntityIsEmptyNotError(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	res, err := f.read.Read(context.Background(), "planner", f.token(t, "planner", "read:tool"),
		ReadQuery{Kind: KindGet, ResourceType: "tool", EntityID: "does-not-exist"})
	require.NoError(t, err)
	assert.Zero(t, res.Count())
}

func TestRead_TypedReadHidesOtherTypes(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := context.Background()
	id, err := f.write.Write(ctx, "executor", f.token(t, "executor", "write:concept"), "concept", "port scanning",
		value.Map{"description": value.String("probing")})
	require.NoError(t, err)

	res, err := f.read.Read(ctx, "planner", f.token(t, "planner", "read:tool"), ReadQuery{Kind: KindGet, ResourceType: "tool", EntityID: id})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestRead_PolicyFiltersTypesAndProperties(t *testing.T) {
	policies := map[string]Policy{
		"planner": {
			EntityTypes: []string{"tool"},
			Properties:  map[string][]string{"tool": {"description"}},
		},
	}
	f := newFixture(t, policies, security.RateLimitConfig{})
	ctx := context.Background()
	wtok := f.token(t, "executor", "write:tool", "write:concept", "write:document")

	_, err := f.write.Write(ctx, "executor", wtok, "tool", "nmap scanner", nmapProps())
	require.NoError(t, err)
	_, err = f.write.Write(ctx, "executor", wtok, "concept", "scanner theory", value.Map{"description": value.String("scanner math")})
	require.NoError(t, err)
	_, err = f.write.Write(ctx, "executor", wtok, "document", "scanner manual", value.Map{"content": value.String("scanner usage")})
	require.NoError(t, err)

	rtok := f.token(t, "planner", "read:graph", "read:tool", "read:concept")
	res, err := f.read.Read(ctx, "planner", rtok, ReadQuery{Kind: KindSearch, Text: "scanner"})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	e := res.Entities[0].Entity
	assert.Equal(t, "tool", e.EntityType)
	assert.Equal(t, []string{"description"}, e.Properties.Keys())

	res, err = f.read.Read(ctx, "coder", f.token(t, "coder", "read:graph", "read:tool", "read:concept"), ReadQuery{Kind: KindSearch, Text: "scanner"})
	require.NoError(t, err)
	assert.Len(t, res.Entities, 2, "default policy follows the token's read grants")
}

func TestRead_TraverseFiltersSteps(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := context.Background()
	wtok := f.token(t, "executor", "write:tool", "write:concept", "write:relationship")
	toolID, err := f.write.Write(ctx, "executor", wtok, "tool", "nmap", nmapProps())
	require.NoError(t, err)
	conceptID, err := f.write.Write(ctx, "executor", wtok, "concept", "port scanning", value.Map{"description": value.String("probing")})
	require.NoError(t, err)
	_, err = f.write.Link(ctx, "executor", wtok, toolID, conceptID, "implements", nil)
	require.NoError(t, err)

	q := ReadQuery{Kind: KindTraverse, EntityID: toolID, RelationshipType: "implements"}
	res, err := f.read.Read(ctx, "planner", f.token(t, "planner", "read:graph", "read:tool", "read:concept"), q)
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, conceptID, res.Steps[0].Entity.ID)
	assert.Equal(t, 1, res.Steps[0].Depth)

	res, err = f.read.Read(ctx, "planner", f.token(t, "planner", "read:graph", "read:tool"), q)
	require.NoError(t, err)
	assert.Empty(t, res.Steps)

	res, err = f.read.Read(ctx, "planner", f.token(t, "planner", "read:graph", "read:concept"), q)
	require.NoError(t, err)
	assert.Empty(t, res.Steps, "a hidden start entity reads as missing")
}

func TestRead_TaskHistory(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := context.Background()
	require.NoError(t, f.store.LogTask(ctx, memory.TaskHistoryRecord{
		TaskID: "t1", GoalText: "scan the staging network", Success: true, Duration: time.Second,
	}))

	tok := f.token(t, "planner", "read:task_history")
	res, err := f.read.Read(ctx, "planner", tok, ReadQuery{Kind: KindSimilarTasks, Text: "scan staging"})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "t1", res.Tasks[0].Task.TaskID)

	res, err = f.read.Read(ctx, "planner", tok, ReadQuery{Kind: KindTaskStats})
	require.NoError(t, err)
	require.NotNil(t, res.Stats)
	assert.Equal(t, 1, res.Stats.Total)

	_, err = f.read.Read(ctx, "planner", f.token(t, "planner", "read:tool"), ReadQuery{Kind: KindSimilarTasks, Text: "scan"})
	assert.ErrorIs(t, err, memory.ErrPermission)
	assert.Len(t, f.actions(t, "planner"), 2)
}

func TestRead_RateLimited(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2})
	ctx := context.Background()
	tok := f.token(t, "planner", "read:task_history")
	q := ReadQuery{Kind: KindTaskStats}

	for i := 0; i < 2; i++ {
		_, err := f.read.Read(ctx, "planner", tok, q)
		require.NoError(t, err)
	}
	_, err := f.read.Read(ctx, "planner", tok, q)
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrRateLimited)
	var rl *memory.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "planner", rl.ArmID)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))

	assert.Len(t, f.actions(t, "planner"), 2)
}

func TestRead_InvalidQueries(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	ctx := context.Background()
	tok := f.token(t, "planner", "read:graph", "read:task_history")

	for _, q := range []ReadQuery{
		{Kind: "explode"},
		{Kind: KindGet},
		{Kind: KindSearch},
		{Kind: KindSimilarTasks},
		{Kind: KindTaskStats, ResourceType: "graph"},
	} {
		_, err := f.read.Read(ctx, "planner", tok, q)
		assert.ErrorIs(t, err, memory.ErrValidation, "%+v", q)
	}
	assert.Empty(t, f.actions(t, "planner"))
}

func TestGuard_DeniedRedactsLoggedReason(t *testing.T) {
	f := newFixture(t, nil, security.RateLimitConfig{})
	var buf bytes.Buffer
	logger.SetOutput(&buf, "json")
	logger.SetLevel(logger.INFO)
	t.Cleanup(func() { logger.SetOutput(os.Stderr, "json") })

	f.guard.Denied(context.Background(), readDiode, "executor", security.OpRead, "tool",
		memory.Validationf("unknown owner alice@example.com"))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "validation failed: unknown owner [REDACTED:EMAIL]", line["reason"])
	assert.Equal(t, []interface{}{security.TypeEmail}, line["redacted"])
	assert.NotContains(t, buf.String(), "alice@example.com")

	buf.Reset()
	f.guard.Denied(context.Background(), readDiode, "executor", security.OpRead, "tool", memory.Permissionf("no grant"))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, buf.String(), "redacted")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "denied", Outcome(memory.Permissionf("x")))
	assert.Equal(t, "rate_limited", Outcome(&memory.RateLimitError{}))
	assert.Equal(t, "invalid", Outcome(memory.Validationf("x")))
	assert.Equal(t, "failed", Outcome(memory.Unavailable("op", errors.New("down"))))
}
