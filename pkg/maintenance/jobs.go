package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/metrics"
	"github.com/dotsetgreg/octomem/pkg/vector"
)

// Built-in job names, as used in the maintenance.jobs config map.
const (
	JobVectorInventory = "vector-inventory"
	JobTaskStats       = "task-stats"
)

const inventoryBatch = 256

// Collections is the part of the vector arena the inventory job reads.
type Collections interface {
	Owners() []string
	Collection(owner string) *vector.Collection
}

// TaskStatsReader aggregates task history.
type TaskStatsReader interface {
	TaskStats(ctx context.Context, since, until time.Time) (memory.TaskStats, error)
}

// VectorInventory scrolls every arm collection, counts its items and
// publishes the counts as a gauge.
func VectorInventory(arena Collections) JobFunc {
	return func(ctx context.Context) (map[string]interface{}, error) {
		owners := arena.Owners()
		total := 0
		for _, owner := range owners {
			n := 0
			scroll := arena.Collection(owner).Scroll(inventoryBatch)
			for {
				page, err := scroll.Next(ctx)
				if err != nil {
					return nil, fmt.Errorf("scroll collection %s: %w", owner, err)
				}
				if len(page) == 0 {
					break
				}
				n += len(page)
			}
			metrics.VectorItems.WithLabelValues(owner).Set(float64(n))
			total += n
		}
		return map[string]interface{}{
			"collections": len(owners),
			"items":       total,
		}, nil
	}
}

// TaskStatsWindow reports task outcomes over the trailing window.
func TaskStatsWindow(reader TaskStatsReader, window time.Duration, now func() time.Time) JobFunc {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (map[string]interface{}, error) {
		until := now()
		stats, err := reader.TaskStats(ctx, until.Add(-window), until)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"tasks":        stats.Total,
			"succeeded":    stats.Succeeded,
			"success_rate": stats.SuccessRate,
			"p50_ms":       stats.P50.Milliseconds(),
			"p95_ms":       stats.P95.Milliseconds(),
			"p99_ms":       stats.P99.Milliseconds(),
			"total_cost":   stats.TotalCost,
		}, nil
	}
}

// Builtins maps job names to their functions.
func Builtins(arena Collections, tasks TaskStatsReader) map[string]JobFunc {
	return map[string]JobFunc{
		JobVectorInventory: VectorInventory(arena),
		JobTaskStats:       TaskStatsWindow(tasks, 24*time.Hour, nil),
	}
}

// Configure registers every configured job that has a built-in function.
// Unknown names are an error so typos in config surface at startup.
func Configure(s *Scheduler, schedules map[string]string, builtins map[string]JobFunc) error {
	for name, expr := range schedules {
		fn, ok := builtins[name]
		if !ok {
			return fmt.Errorf("unknown maintenance job %q", name)
		}
		if err := s.Add(name, expr, fn); err != nil {
			return err
		}
	}
	return nil
}
