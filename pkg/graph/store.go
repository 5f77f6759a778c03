// Package graph is the shared knowledge graph: typed entities, directed
// relationships, task history and the append-only action log.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/octomem/pkg/logger"
	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/metrics"
	"github.com/dotsetgreg/octomem/pkg/value"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqliteConns is the SQLite pool size. Slots never exceed the pool, so
// every wait happens in acquire where the timeout applies.
const sqliteConns = 1

// Options configures Open.
type Options struct {
	Driver         string
	DSN            string
	ReplicaDSN     string
	MaxConnections int
	AcquireTimeout time.Duration
	Schema         *Schema
}

// Store is the canonical knowledge graph storage. Writes and audit-log reads
// always use the primary; other reads use the replica when one is configured.
type Store struct {
	primary *sql.DB
	replica *sql.DB
	driver  string
	schema  *Schema
	slots   *semaphore.Weighted
	timeout time.Duration
}

// NewSQLiteStore opens (creating if needed) a SQLite graph database at path.
func NewSQLiteStore(path string) (*Store, error) {
	return Open(context.Background(), Options{Driver: DriverSQLite, DSN: path})
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 8
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 2 * time.Second
	}
	if opts.Schema == nil {
		opts.Schema = DefaultSchema()
	}

	if opts.Driver == DriverSQLite {
		opts.MaxConnections = sqliteConns
	}

	primary, err := openDB(opts.Driver, opts.DSN, opts.MaxConnections)
	if err != nil {
		return nil, err
	}
	s := &Store{
		primary: primary,
		replica: primary,
		driver:  opts.Driver,
		schema:  opts.Schema,
		slots:   semaphore.NewWeighted(int64(opts.MaxConnections)),
		timeout: opts.AcquireTimeout,
	}
	if err := s.init(ctx); err != nil {
		_ = primary.Close()
		return nil, err
	}
	if opts.ReplicaDSN != "" {
		replica, err := openDB(opts.Driver, opts.ReplicaDSN, opts.MaxConnections)
		if err != nil {
			_ = primary.Close()
			return nil, err
		}
		s.replica = replica
	}
	logger.InfoCF("graph", "Graph store opened", map[string]interface{}{
		"driver":          opts.Driver,
		"replica":         opts.ReplicaDSN != "",
		"max_connections": opts.MaxConnections,
	})
	return s, nil
}

func openDB(driver, dsn string, maxConns int) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite graph store requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create graph db dir: %w", err)
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite db: %w", err)
		}
		// One shared connection avoids SQLite writer lock contention.
		db.SetMaxOpenConns(sqliteConns)
		db.SetMaxIdleConns(sqliteConns)
		return db, nil
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres db: %w", err)
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported graph driver %q", driver)
	}
}

func (s *Store) Close() error {
	if s == nil || s.primary == nil {
		return nil
	}
	var errs []error
	if s.replica != nil && s.replica != s.primary {
		errs = append(errs, s.replica.Close())
	}
	errs = append(errs, s.primary.Close())
	return errors.Join(errs...)
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := s.primary.PingContext(ctx); err != nil {
		return memory.Unavailable("ping graph store", err)
	}
	return nil
}

// Schema returns the entity schema the store validates against.
func (s *Store) Schema() *Schema { return s.schema }

func (s *Store) init(ctx context.Context) error {
	var stmts []string
	if s.driver == DriverSQLite {
		stmts = append(stmts,
			`PRAGMA journal_mode=WAL;`,
			`PRAGMA synchronous=NORMAL;`,
			`PRAGMA temp_store=MEMORY;`,
			`PRAGMA busy_timeout=5000;`,
		)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			name TEXT NOT NULL,
			properties_json TEXT NOT NULL DEFAULT '{}',
			search_text TEXT NOT NULL DEFAULT '',
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS entities_type_idx ON entities(entity_type, updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS entities_name_idx ON entities(name);`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			from_entity_id TEXT NOT NULL,
			to_entity_id TEXT NOT NULL,
			relationship_type TEXT NOT NULL,
			properties_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS relationships_from_idx ON relationships(from_entity_id, relationship_type);`,
		`CREATE INDEX IF NOT EXISTS relationships_to_idx ON relationships(to_entity_id, relationship_type);`,
		`CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT PRIMARY KEY,
			goal_text TEXT NOT NULL,
			plan_json TEXT NOT NULL DEFAULT 'null',
			result_json TEXT NOT NULL DEFAULT 'null',
			success INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			cost_units DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS task_history_created_idx ON task_history(created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS action_log (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			arm_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			details_json TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL DEFAULT '',
			created_at_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS action_log_arm_idx ON action_log(arm_id, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS action_log_resource_idx ON action_log(resource_id, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS action_log_task_idx ON action_log(task_id, created_at_ms);`,
	)
	for _, stmt := range stmts {
		if _, err := s.primary.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init graph schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

// acquire takes a connection slot, waiting at most the configured timeout.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.slots.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.PoolTimeouts.Inc()
		logger.WarnCF("graph", "Connection slot wait timed out", map[string]interface{}{
			"timeout": s.timeout.String(),
		})
		return nil, fmt.Errorf("%w: no graph connection within %s", memory.ErrStorageUnavailable, s.timeout)
	}
	metrics.PoolWait.Observe(time.Since(start).Seconds())
	return func() { s.slots.Release(1) }, nil
}

// q rewrites ? placeholders for the active driver.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// classify maps driver errors onto the memory error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, memory.ErrStorageUnavailable) || errors.Is(err, memory.ErrConflict) ||
		errors.Is(err, memory.ErrNotFound) || errors.Is(err, memory.ErrValidation) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w: %s", op, memory.ErrConflict, pgErr.Message)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w: %v", op, memory.ErrConflict, err)
	}
	return memory.Unavailable(op, err)
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func fromMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeMap(m value.Map) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMap(raw string) value.Map {
	out := value.Map{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return value.Map{}
	}
	return out
}

func encodeValue(v value.Value) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func decodeValue(raw string) value.Value {
	var v value.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return value.Null()
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func trimSQL(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > 80 {
		return stmt[:80] + "..."
	}
	return stmt
}
