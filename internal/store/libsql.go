package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
// Call Migrate before first use.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which makes each Update
	// transaction an exclusive read-modify-write.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Create(ctx context.Context, exec NewExecution) (*ExecutionState, error) {
	st := newState(exec, s.now())

	inputData, err := marshalMapOrDefault(st.InputData)
	if err != nil {
		return nil, fmt.Errorf("marshal input_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, user_id, status, input_data, inputs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '{}', ?, ?)`,
		st.ExecutionID, st.WorkflowID, st.UserID, string(st.Status), string(inputData),
		st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storeExists(exec.ExecutionID)
		}
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return st, nil
}

func (s *LibSQLStore) Get(ctx context.Context, id string) (*ExecutionState, error) {
	return loadExecution(ctx, s.db, id)
}

func (s *LibSQLStore) Update(ctx context.Context, id string, update ExecutionUpdate) (*ExecutionState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	st, err := loadExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	added, err := st.apply(update, now)
	if err != nil {
		return nil, err
	}

	inputs, err := marshalMapOrDefault(st.Inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, inputs = ?, paused_step = ?, missing_reference = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		string(st.Status), string(inputs), nullStr(st.PausedStep), nullStr(st.MissingReference),
		nullStr(st.Error), now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}

	seq := len(st.OutputOrder) - len(added)
	for _, stepID := range added {
		seq++
		out, err := json.Marshal(st.Outputs[stepID])
		if err != nil {
			return nil, fmt.Errorf("marshal output of %s: %w", stepID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_outputs (execution_id, step_id, seq, output, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, stepID, seq, string(out), now,
		); err != nil {
			return nil, fmt.Errorf("insert output of %s: %w", stepID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return st, nil
}

func (s *LibSQLStore) List(ctx context.Context, filter ExecutionFilter) ([]*ExecutionState, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	// Collect ids first: the pool holds one connection, so rows must be
	// closed before loading each execution.
	ids, err := s.queryIDs(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	states := make([]*ExecutionState, 0, len(ids))
	for _, id := range ids {
		st, err := loadExecution(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

func (s *LibSQLStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadExecution(ctx context.Context, q querier, id string) (*ExecutionState, error) {
	st := &ExecutionState{}
	var (
		status                        string
		inputDataJSON, inputsJSON     string
		pausedStep, missingRef, errSt sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, workflow_id, user_id, status, input_data, inputs, paused_step, missing_reference, error, created_at, updated_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&st.ExecutionID, &st.WorkflowID, &st.UserID, &status, &inputDataJSON, &inputsJSON,
		&pausedStep, &missingRef, &errSt, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}

	st.Status = schema.ExecutionStatus(status)
	st.PausedStep = pausedStep.String
	st.MissingReference = missingRef.String
	st.Error = errSt.String
	if err := json.Unmarshal([]byte(inputDataJSON), &st.InputData); err != nil {
		return nil, fmt.Errorf("unmarshal input_data: %w", err)
	}
	if err := json.Unmarshal([]byte(inputsJSON), &st.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if st.Inputs == nil {
		st.Inputs = map[string]any{}
	}

	rows, err := q.QueryContext(ctx,
		`SELECT step_id, output FROM step_outputs WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}
	defer rows.Close()

	st.Outputs = map[string]map[string]any{}
	st.OutputOrder = []string{}
	for rows.Next() {
		var stepID, outJSON string
		if err := rows.Scan(&stepID, &outJSON); err != nil {
			return nil, err
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(outJSON), &out); err != nil {
			return nil, fmt.Errorf("unmarshal output of %s: %w", stepID, err)
		}
		if out == nil {
			out = map[string]any{}
		}
		st.Outputs[stepID] = out
		st.OutputOrder = append(st.OutputOrder, stepID)
	}
	return st, rows.Err()
}

// --- Helpers ---

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
