// Package sqlite provides a SQLite-backed trail store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/animus-labs/xray-go/internal/platform/sqlitemigrate"
	"github.com/animus-labs/xray-go/internal/repo"
	"github.com/animus-labs/xray-go/internal/repo/sqlite/migrations"
	"github.com/animus-labs/xray-go/pkg/trail"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const (
	insertExecutionQuery = `
INSERT INTO executions (` + repo.ExecutionColumns + `)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (execution_id) DO NOTHING`

	insertStepQuery = `
INSERT INTO steps (` + repo.StepColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (step_id) DO NOTHING`

	executionExistsQuery = `SELECT 1 FROM executions WHERE execution_id = ?`

	getExecutionQuery = `
SELECT ` + repo.ExecutionColumns + `
  FROM executions
 WHERE execution_id = ?`

	listStepsQuery = `
SELECT ` + repo.StepColumns + `
  FROM steps
 WHERE execution_id = ?
 ORDER BY seq ASC, started_at ASC, step_id ASC`

	listExecutionsQuery = `
SELECT ` + repo.ExecutionColumns + `
  FROM executions
 WHERE (?1 = '' OR app = ?1)
   AND (?2 = '' OR name = ?2)
   AND (?3 = '' OR tags_json LIKE ?3 ESCAPE '\')
 ORDER BY created_at DESC, execution_id DESC
 LIMIT ?4`

	searchExecutionsQuery = `
SELECT ` + repo.ExecutionColumns + `
  FROM executions e
 WHERE e.name LIKE ?1 ESCAPE '\'
    OR e.app LIKE ?1 ESCAPE '\'
    OR e.metadata_json LIKE ?1 ESCAPE '\'
    OR e.tags_json LIKE ?1 ESCAPE '\'
    OR EXISTS (
        SELECT 1 FROM steps s
         WHERE s.execution_id = e.execution_id
           AND (s.name LIKE ?1 ESCAPE '\'
             OR s.reasoning LIKE ?1 ESCAPE '\'
             OR s.input_json LIKE ?1 ESCAPE '\'
             OR s.output_json LIKE ?1 ESCAPE '\'
             OR s.artifacts_json LIKE ?1 ESCAPE '\'
             OR s.tags_json LIKE ?1 ESCAPE '\')
    )
 ORDER BY e.created_at DESC, e.execution_id DESC
 LIMIT ?2`
)

// Store persists trails in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ repo.TrailStore = (*Store)(nil)

// Open opens a SQLite trail store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) CreateExecution(ctx context.Context, execution trail.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := repo.ValidateExecution(execution); err != nil {
		return err
	}
	args, err := repo.ExecutionArgs(execution)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, insertExecutionQuery, args...); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// AppendStep stores one closed step. It returns repo.ErrNotFound when the
// execution has not been created yet.
func (s *Store) AppendStep(ctx context.Context, step trail.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := repo.ValidateStep(step); err != nil {
		return err
	}

	var one int
	if err := s.sqlDB.QueryRowContext(ctx, executionExistsQuery, step.ExecutionID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s: %w", step.ExecutionID, repo.ErrNotFound)
		}
		return fmt.Errorf("check execution: %w", err)
	}

	args, err := repo.StepArgs(step)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, insertStepQuery, args...); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("execution %s: %w", step.ExecutionID, repo.ErrNotFound)
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// GetTrail returns the execution with its steps in open order.
func (s *Store) GetTrail(ctx context.Context, executionID string) (trail.Trail, error) {
	if err := ctx.Err(); err != nil {
		return trail.Trail{}, err
	}
	if s == nil || s.sqlDB == nil {
		return trail.Trail{}, fmt.Errorf("storage is not configured")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return trail.Trail{}, fmt.Errorf("%w: execution id is required", repo.ErrInvalid)
	}

	execution, err := repo.ScanExecution(s.sqlDB.QueryRowContext(ctx, getExecutionQuery, executionID))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return trail.Trail{}, err
		}
		return trail.Trail{}, fmt.Errorf("get execution: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, listStepsQuery, executionID)
	if err != nil {
		return trail.Trail{}, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]trail.Step, 0)
	for rows.Next() {
		step, err := repo.ScanStep(rows)
		if err != nil {
			return trail.Trail{}, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return trail.Trail{}, fmt.Errorf("iterate steps: %w", err)
	}
	return trail.Trail{Execution: execution, Steps: steps}, nil
}

// ListExecutions returns executions newest first.
func (s *Store) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]trail.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tag := ""
	if strings.TrimSpace(filter.Tag) != "" {
		tag = repo.TagPattern(filter.Tag)
	}
	rows, err := s.sqlDB.QueryContext(ctx, listExecutionsQuery,
		strings.TrimSpace(filter.App),
		strings.TrimSpace(filter.Name),
		tag,
		repo.NormalizeLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return scanExecutions(rows)
}

// SearchExecutions matches text against execution fields and the names,
// reasoning and payloads of their steps.
func (s *Store) SearchExecutions(ctx context.Context, query repo.SearchQuery) ([]trail.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(query.Text) == "" {
		return nil, fmt.Errorf("%w: search text is required", repo.ErrInvalid)
	}
	rows, err := s.sqlDB.QueryContext(ctx, searchExecutionsQuery, repo.LikePattern(query.Text), repo.NormalizeLimit(query.Limit))
	if err != nil {
		return nil, fmt.Errorf("search executions: %w", err)
	}
	return scanExecutions(rows)
}

func scanExecutions(rows *sql.Rows) ([]trail.Execution, error) {
	defer rows.Close()
	out := make([]trail.Execution, 0)
	for rows.Next() {
		execution, err := repo.ScanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
}
