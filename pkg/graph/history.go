package graph

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/utils"
)

const (
	defaultActionLimit  = 100
	maxTaskCandidates   = 500
	defaultSimilarLimit = 5
)

// LogTask appends a finished task. A duplicate task id is ErrConflict.
func (s *Store) LogTask(ctx context.Context, rec memory.TaskHistoryRecord) error {
	if strings.TrimSpace(rec.TaskID) == "" {
		return memory.Validationf("task id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.primary.ExecContext(ctx, s.q(`INSERT INTO task_history (task_id, goal_text, plan_json, result_json, success, duration_ms, cost_units, created_at_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TaskID, rec.GoalText, encodeValue(rec.Plan), encodeValue(rec.Result), boolToInt(rec.Success),
		rec.Duration.Milliseconds(), rec.CostUnits, rec.CreatedAt.UnixMilli())
	return classify("log task", err)
}

// LogAction appends an audit record and returns its id.
func (s *Store) LogAction(ctx context.Context, rec memory.ActionLogRecord) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	id, err := s.insertAction(ctx, s.primary, rec)
	if err != nil {
		return "", classify("log action", err)
	}
	return id, nil
}

func (s *Store) insertAction(ctx context.Context, db execer, rec memory.ActionLogRecord) (string, error) {
	if strings.TrimSpace(rec.ArmID) == "" || strings.TrimSpace(rec.ActionType) == "" {
		return "", memory.Validationf("action log records need an arm id and action type")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := db.ExecContext(ctx, s.q(`INSERT INTO action_log (id, task_id, arm_id, action_type, resource_id, details_json, result, created_at_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.TaskID, rec.ArmID, rec.ActionType, rec.ResourceID, encodeMap(rec.ActionDetails), rec.Result, rec.Timestamp.UnixMilli())
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// ListActions reads the audit log from the primary in chronological order.
func (s *Store) ListActions(ctx context.Context, f memory.ActionFilter) ([]memory.ActionLogRecord, error) {
	if f.Limit <= 0 {
		f.Limit = defaultActionLimit
	}
	var (
		where []string
		args  []interface{}
	)
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("arm_id", f.ArmID)
	add("task_id", f.TaskID)
	add("action_type", f.ActionType)
	add("resource_id", f.ResourceID)
	if !f.Since.IsZero() {
		where = append(where, "created_at_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	query := `SELECT id, task_id, arm_id, action_type, resource_id, details_json, result, created_at_ms FROM action_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, f.Limit)

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.primary.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify("list actions", err)
	}
	defer rows.Close()

	var out []memory.ActionLogRecord
	for rows.Next() {
		var (
			rec     memory.ActionLogRecord
			details string
			atMS    int64
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.ArmID, &rec.ActionType, &rec.ResourceID, &details, &rec.Result, &atMS); err != nil {
			return nil, classify("scan action", err)
		}
		rec.ActionDetails = decodeMap(details)
		rec.Timestamp = fromMS(atMS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list actions", err)
	}
	return out, nil
}

// SimilarTasks ranks historical tasks by token overlap between goals.
// Ties break on the most recent task.
func (s *Store) SimilarTasks(ctx context.Context, goalText string, limit int) ([]memory.ScoredTask, error) {
	if limit <= 0 {
		limit = defaultSimilarLimit
	}
	tokens := utils.UniqueTokens(goalText, maxQueryTokens)
	if len(tokens) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(tokens))
	args := make([]interface{}, 0, len(tokens)+1)
	for _, tok := range tokens {
		clauses = append(clauses, "LOWER(goal_text) LIKE ?")
		args = append(args, "%"+tok+"%")
	}
	args = append(args, maxTaskCandidates)

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.replica.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM task_history WHERE `+strings.Join(clauses, " OR ")+` ORDER BY created_at_ms DESC LIMIT ?`), args...)
	if err != nil {
		return nil, classify("similar tasks", err)
	}
	defer rows.Close()

	query := utils.TokenSet(goalText)
	var out []memory.ScoredTask
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, classify("scan task", err)
		}
		if sim := utils.Jaccard(query, utils.TokenSet(rec.GoalText)); sim > 0 {
			out = append(out, memory.ScoredTask{Task: rec, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify("similar tasks", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Task.CreatedAt.After(out[j].Task.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const taskColumns = `task_id, goal_text, plan_json, result_json, success, duration_ms, cost_units, created_at_ms`

func scanTask(row rowScanner) (memory.TaskHistoryRecord, error) {
	var (
		rec        memory.TaskHistoryRecord
		plan, res  string
		success    int
		durationMS int64
		createdMS  int64
	)
	if err := row.Scan(&rec.TaskID, &rec.GoalText, &plan, &res, &success, &durationMS, &rec.CostUnits, &createdMS); err != nil {
		return memory.TaskHistoryRecord{}, err
	}
	rec.Plan = decodeValue(plan)
	rec.Result = decodeValue(res)
	rec.Success = success != 0
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.CreatedAt = fromMS(createdMS)
	return rec, nil
}

// TaskStats aggregates tasks created in [since, until). A zero until means now.
func (s *Store) TaskStats(ctx context.Context, since, until time.Time) (memory.TaskStats, error) {
	if until.IsZero() {
		until = time.Now()
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return memory.TaskStats{}, err
	}
	defer release()

	rows, err := s.replica.QueryContext(ctx, s.q(`SELECT success, duration_ms, cost_units FROM task_history WHERE created_at_ms >= ? AND created_at_ms < ? ORDER BY duration_ms ASC`),
		since.UnixMilli(), until.UnixMilli())
	if err != nil {
		return memory.TaskStats{}, classify("task stats", err)
	}
	defer rows.Close()

	var (
		stats     memory.TaskStats
		durations []time.Duration
	)
	for rows.Next() {
		var (
			success    int
			durationMS int64
			cost       float64
		)
		if err := rows.Scan(&success, &durationMS, &cost); err != nil {
			return memory.TaskStats{}, classify("scan task stats", err)
		}
		stats.Total++
		if success != 0 {
			stats.Succeeded++
		}
		stats.TotalCost += cost
		durations = append(durations, time.Duration(durationMS)*time.Millisecond)
	}
	if err := rows.Err(); err != nil {
		return memory.TaskStats{}, classify("task stats", err)
	}
	if stats.Total == 0 {
		return stats, nil
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	stats.P50 = percentile(durations, 50)
	stats.P95 = percentile(durations, 95)
	stats.P99 = percentile(durations, 99)
	return stats, nil
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
