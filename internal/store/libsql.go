package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"go.uber.org/zap"

	"github.com/rendis/flowscript/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// LibSQLOption configures a LibSQLStore.
type LibSQLOption func(*LibSQLStore)

// WithLibSQLLogger sets the logger. Defaults to zap.NewNop().
func WithLibSQLLogger(l *zap.Logger) LibSQLOption {
	return func(s *LibSQLStore) { s.logger = l }
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowscript.db".
func NewLibSQLStore(dbPath string, opts ...LibSQLOption) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &LibSQLStore{db: db, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		if err := db.QueryRow(p).Scan(&result); err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("pragma not applied", zap.String("pragma", p), zap.Error(err))
		}
	}

	return s, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	initial, err := encodeContext(run.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, source, context, error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Source, initial, nullStr(run.Error), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, source, context, error, created_at, updated_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullStr(errMsg), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	query := `SELECT id, status, source, context, error, created_at, updated_at FROM runs`
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var status string
	var initial, errMsg sql.NullString
	if err := row.Scan(&run.ID, &status, &run.Source, &initial, &errMsg, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	values, err := decodeContext(initial.String)
	if err != nil {
		return nil, fmt.Errorf("decode context of run %s: %w", run.ID, err)
	}
	run.Status = schema.RunStatus(status)
	run.Context = values
	run.Error = errMsg.String
	return run, nil
}

// --- Node State ---

// UpsertNodeStates writes every state in a single transaction, overwriting
// all columns of existing (run_id, node_id) rows.
func (s *LibSQLStore) UpsertNodeStates(ctx context.Context, states []*schema.NodeState) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin node state tx: %w", err)
	}
	defer tx.Rollback()

	for _, ns := range states {
		outputs, err := encodeOutputs(ns.Outputs)
		if err != nil {
			return fmt.Errorf("node %s: %w", ns.NodeID, err)
		}
		checkpoint, err := encodeCheckpoint(ns.Checkpoint)
		if err != nil {
			return fmt.Errorf("node %s: %w", ns.NodeID, err)
		}
		updatedAt := ns.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_states (run_id, node_id, node_type, status, progress, outputs, checkpoint, error, started_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, node_id) DO UPDATE SET
			   node_type=excluded.node_type, status=excluded.status, progress=excluded.progress,
			   outputs=excluded.outputs, checkpoint=excluded.checkpoint, error=excluded.error,
			   started_at=excluded.started_at, updated_at=excluded.updated_at`,
			ns.RunID, ns.NodeID, nullStr(ns.NodeType), string(ns.Status), ns.Progress,
			outputs, checkpoint, nullStr(ns.Error), nullTime(ns.StartedAt), updatedAt,
		); err != nil {
			return fmt.Errorf("upsert node %s: %w", ns.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit node states: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListNodeStates(ctx context.Context, runID string) ([]*schema.NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, node_type, status, progress, outputs, checkpoint, error, started_at, updated_at
		 FROM node_states WHERE run_id = ? ORDER BY node_id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*schema.NodeState
	for rows.Next() {
		ns := &schema.NodeState{}
		var nodeType, outputs, checkpoint, errMsg sql.NullString
		var status string
		var startedAt sql.NullTime
		if err := rows.Scan(&ns.RunID, &ns.NodeID, &nodeType, &status, &ns.Progress,
			&outputs, &checkpoint, &errMsg, &startedAt, &ns.UpdatedAt); err != nil {
			return nil, err
		}
		ns.NodeType = nodeType.String
		ns.Status = schema.NodeStatus(status)
		ns.Error = errMsg.String
		if startedAt.Valid {
			ns.StartedAt = &startedAt.Time
		}
		if ns.Outputs, err = decodeOutputs(outputs.String); err != nil {
			return nil, fmt.Errorf("node %s outputs: %w", ns.NodeID, err)
		}
		if ns.Checkpoint, err = decodeCheckpoint(checkpoint.String); err != nil {
			return nil, fmt.Errorf("node %s checkpoint: %w", ns.NodeID, err)
		}
		states = append(states, ns)
	}
	return states, rows.Err()
}

func (s *LibSQLStore) DeleteNodeStates(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_states WHERE run_id = ?`, runID)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "CONSTRAINT")
}
