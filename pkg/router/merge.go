package router

import (
	"sort"

	"github.com/dotsetgreg/octomem/pkg/utils"
	"github.com/dotsetgreg/octomem/pkg/value"
)

// Tier names the store an item came from.
type Tier string

const (
	TierGraph  Tier = "graph"
	TierVector Tier = "vector"
)

func (t Tier) rank() int {
	if t == TierGraph {
		return 0
	}
	return 1
}

// Item kinds.
const (
	KindEntity = "entity"
	KindTask   = "task"
	KindMemory = "memory"
)

// Item is one ranked router result.
type Item struct {
	ID         string    `json:"id"`
	Source     Tier      `json:"source"`
	Kind       string    `json:"kind"`
	Title      string    `json:"title"`
	Score      float64   `json:"score"`
	EntityType string    `json:"entity_type,omitempty"`
	Depth      int       `json:"depth,omitempty"`
	Properties value.Map `json:"properties,omitempty"`
}

// Merge combines tier results: scores clamped to [0,1], highest first, exact
// ties go to the graph tier and then keep their original order. The result
// holds at most limit items.
func Merge(limit int, tiers ...[]Item) []Item {
	var out []Item
	for _, items := range tiers {
		for _, it := range items {
			it.Score = utils.Clamp01(it.Score)
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Source.rank() < out[j].Source.rank()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []Item{}
	}
	return out
}
