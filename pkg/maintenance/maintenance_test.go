package maintenance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/value"
	"github.com/dotsetgreg/octomem/pkg/vector"
)

func counter(n *int) JobFunc {
	return func(context.Context) (map[string]interface{}, error) {
		*n++
		return map[string]interface{}{"runs": *n}, nil
	}
}

func TestScheduler_RejectsInvalidCron(t *testing.T) {
	s := NewScheduler(time.Minute)
	var n int
	assert.Error(t, s.Add("bad", "every tuesday", counter(&n)))
	assert.Error(t, s.Add("", "* * * * *", counter(&n)))
	assert.Empty(t, s.Jobs())
}

func TestScheduler_RunDueHonoursScheduleOncePerMinute(t *testing.T) {
	s := NewScheduler(time.Minute)
	var hourly, quarter int
	require.NoError(t, s.Add("hourly", "0 * * * *", counter(&hourly)))
	require.NoError(t, s.Add("quarter", "*/15 * * * *", counter(&quarter)))
	assert.Equal(t, []string{"hourly", "quarter"}, s.Jobs())
	ctx := context.Background()

	top := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	results := s.RunDue(ctx, top)
	require.Len(t, results, 2)
	assert.Equal(t, "hourly", results[0].Job)
	assert.NoError(t, results[0].Err)

	s.RunDue(ctx, top.Add(20*time.Second))
	assert.Equal(t, 1, hourly)
	assert.Equal(t, 1, quarter)

	s.RunDue(ctx, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC))
	assert.Equal(t, 1, hourly)
	assert.Equal(t, 2, quarter)

	assert.Empty(t, s.RunDue(ctx, time.Date(2026, 3, 1, 10, 16, 0, 0, time.UTC)))
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler(time.Minute)
	boom := errors.New("boom")
	require.NoError(t, s.Add("fails", "0 0 1 1 *", func(context.Context) (map[string]interface{}, error) {
		return nil, boom
	}))

	res, err := s.RunNow(context.Background(), "fails")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, boom)

	_, err = s.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestScheduler_Next(t *testing.T) {
	s := NewScheduler(time.Minute)
	var n int
	require.NoError(t, s.Add("hourly", "0 * * * *", counter(&n)))

	next, err := s.Next("hourly", time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next.UTC())
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(10 * time.Millisecond)
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestVectorInventory_CountsEveryCollection(t *testing.T) {
	arena, err := vector.NewArena(vector.Options{Dimensions: 64})
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := arena.Collection("planner").Store(ctx, fmt.Sprintf("plan note %d", i), value.Map{})
		require.NoError(t, err)
	}
	_, err = arena.Collection("executor").Store(ctx, "ran nmap", value.Map{})
	require.NoError(t, err)

	summary, err := VectorInventory(arena)(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary["collections"])
	assert.Equal(t, 6, summary["items"])
}

type fakeStats struct {
	since, until time.Time
	stats        memory.TaskStats
	err          error
}

func (f *fakeStats) TaskStats(_ context.Context, since, until time.Time) (memory.TaskStats, error) {
	f.since, f.until = since, until
	return f.stats, f.err
}

func TestTaskStatsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeStats{stats: memory.TaskStats{Total: 4, Succeeded: 3, SuccessRate: 0.75, P95: 1500 * time.Millisecond}}

	summary, err := TaskStatsWindow(reader, 0, func() time.Time { return now })(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), reader.since)
	assert.Equal(t, now, reader.until)
	assert.Equal(t, 0.75, summary["success_rate"])
	assert.Equal(t, int64(1500), summary["p95_ms"])

	reader.err = memory.Unavailable("task stats", errors.New("locked"))
	_, err = TaskStatsWindow(reader, time.Hour, func() time.Time { return now })(context.Background())
	assert.ErrorIs(t, err, memory.ErrStorageUnavailable)
}

func TestConfigure(t *testing.T) {
	var n int
	builtins := map[string]JobFunc{JobTaskStats: counter(&n)}

	s := NewScheduler(time.Minute)
	require.NoError(t, Configure(s, map[string]string{JobTaskStats: "0 * * * *"}, builtins))
	assert.Equal(t, []string{JobTaskStats}, s.Jobs())

	assert.Error(t, Configure(NewScheduler(time.Minute), map[string]string{"reindex": "0 * * * *"}, builtins))
}
