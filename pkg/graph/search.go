package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/utils"
)

const (
	defaultSearchLimit = 10
	maxQueryTokens     = 8
	minCandidates      = 200
)

// SearchEntities ranks entities by relevance of text to their name and
// serialized properties. Scores are in [0,1]; ties break on the most recently
// updated entity, then id.
func (s *Store) SearchEntities(ctx context.Context, text string, limit int) ([]memory.ScoredEntity, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	tokens := utils.UniqueTokens(text, maxQueryTokens)
	if len(tokens) == 0 {
		return nil, nil
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	clauses := make([]string, 0, len(tokens))
	args := make([]interface{}, 0, len(tokens)+1)
	for _, tok := range tokens {
		clauses = append(clauses, "search_text LIKE ?")
		args = append(args, "%"+tok+"%")
	}
	candidates := limit * 20
	if candidates < minCandidates {
		candidates = minCandidates
	}
	args = append(args, candidates)
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(clauses, " OR ") +
		` ORDER BY updated_at_ms DESC LIMIT ?`

	rows, err := s.replica.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify("search entities", err)
	}
	defer rows.Close()

	phrase := utils.Normalize(text)
	var out []memory.ScoredEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, classify("scan entity", err)
		}
		if score := relevance(tokens, phrase, e); score > 0 {
			out = append(out, memory.ScoredEntity{Entity: e, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify("search entities", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Entity.UpdatedAt.Equal(out[j].Entity.UpdatedAt) {
			return out[i].Entity.UpdatedAt.After(out[j].Entity.UpdatedAt)
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// relevance weighs name matches above property matches. A name equal to the
// whole query scores 1.
func relevance(tokens []string, phrase string, e memory.Entity) float64 {
	name := utils.Normalize(e.Name)
	if phrase != "" && name == phrase {
		return 1
	}
	nameTokens := utils.TokenSet(e.Name)
	propText := strings.ToLower(e.Properties.Text())
	propTokens := utils.TokenSet(propText)

	var sum float64
	for _, tok := range tokens {
		switch {
		case has(nameTokens, tok):
			sum += 1
		case has(propTokens, tok):
			sum += 0.6
		case strings.Contains(name, tok):
			sum += 0.4
		case strings.Contains(propText, tok):
			sum += 0.25
		}
	}
	// Keep partial matches strictly below an exact name hit.
	return utils.Clamp01(sum/float64(len(tokens))) * 0.95
}

func has(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}
