package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/xray-go/internal/platform/postgres"
	"github.com/animus-labs/xray-go/internal/repo"
	"github.com/animus-labs/xray-go/pkg/trail"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schema string

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const foreignKeyViolation = "23503"

const (
	insertExecutionQuery = `INSERT INTO xray_executions (` + repo.ExecutionColumns + `)
VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb)
ON CONFLICT (execution_id) DO NOTHING`

	insertStepQuery = `INSERT INTO xray_steps (` + repo.StepColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10::jsonb,$11,$12::jsonb,$13::jsonb,$14::jsonb)
ON CONFLICT (step_id) DO NOTHING`

	executionExistsQuery = `SELECT 1 FROM xray_executions WHERE execution_id = $1`

	selectExecutionQuery = `SELECT ` + repo.ExecutionColumns + `
FROM xray_executions
WHERE execution_id = $1`

	listStepsQuery = `SELECT ` + repo.StepColumns + `
FROM xray_steps
WHERE execution_id = $1
ORDER BY seq ASC, started_at ASC, step_id ASC`

	listExecutionsQuery = `SELECT ` + repo.ExecutionColumns + `
FROM xray_executions
WHERE ($1 = '' OR app = $1)
  AND ($2 = '' OR name = $2)
  AND ($3 = '' OR tags_json ? $3)
ORDER BY created_at DESC, execution_id DESC
LIMIT $4`

	searchExecutionsQuery = `SELECT ` + repo.ExecutionColumns + `
FROM xray_executions e
WHERE e.name ILIKE $1 ESCAPE '\'
   OR e.app ILIKE $1 ESCAPE '\'
   OR e.metadata_json::text ILIKE $1 ESCAPE '\'
   OR e.tags_json::text ILIKE $1 ESCAPE '\'
   OR EXISTS (
       SELECT 1 FROM xray_steps s
       WHERE s.execution_id = e.execution_id
         AND (s.name ILIKE $1 ESCAPE '\'
           OR s.reasoning ILIKE $1 ESCAPE '\'
           OR s.input_json::text ILIKE $1 ESCAPE '\'
           OR s.output_json::text ILIKE $1 ESCAPE '\'
           OR s.artifacts_json::text ILIKE $1 ESCAPE '\'
           OR s.tags_json::text ILIKE $1 ESCAPE '\')
   )
ORDER BY e.created_at DESC, e.execution_id DESC
LIMIT $2`
)

// Store persists trails in Postgres. Payload columns are JSONB.
type Store struct {
	db     DB
	closer func() error
}

var _ repo.TrailStore = (*Store)(nil)

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// Open connects with cfg and applies the trail schema.
func Open(ctx context.Context, cfg postgres.Config) (*Store, error) {
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := postgres.ApplySchema(ctx, db, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, closer: db.Close}, nil
}

func (s *Store) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("trail store not initialized")
	}
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (s *Store) CreateExecution(ctx context.Context, execution trail.Execution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("trail store not initialized")
	}
	if err := repo.ValidateExecution(execution); err != nil {
		return err
	}
	args, err := repo.ExecutionArgs(execution)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertExecutionQuery, args...); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) AppendStep(ctx context.Context, step trail.Step) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("trail store not initialized")
	}
	if err := repo.ValidateStep(step); err != nil {
		return err
	}
	var one int
	if err := s.db.QueryRowContext(ctx, executionExistsQuery, step.ExecutionID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s: %w", step.ExecutionID, repo.ErrNotFound)
		}
		return fmt.Errorf("check execution: %w", err)
	}
	args, err := repo.StepArgs(step)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertStepQuery, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("execution %s: %w", step.ExecutionID, repo.ErrNotFound)
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *Store) GetTrail(ctx context.Context, executionID string) (trail.Trail, error) {
	if s == nil || s.db == nil {
		return trail.Trail{}, fmt.Errorf("trail store not initialized")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return trail.Trail{}, fmt.Errorf("%w: execution id is required", repo.ErrInvalid)
	}
	execution, err := repo.ScanExecution(s.db.QueryRowContext(ctx, selectExecutionQuery, executionID))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return trail.Trail{}, err
		}
		return trail.Trail{}, fmt.Errorf("select execution: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, listStepsQuery, executionID)
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

func (s *Store) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]trail.Execution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("trail store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listExecutionsQuery,
		strings.TrimSpace(filter.App),
		strings.TrimSpace(filter.Name),
		strings.TrimSpace(filter.Tag),
		repo.NormalizeLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return scanExecutions(rows)
}

func (s *Store) SearchExecutions(ctx context.Context, query repo.SearchQuery) ([]trail.Execution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("trail store not initialized")
	}
	if strings.TrimSpace(query.Text) == "" {
		return nil, fmt.Errorf("%w: search text is required", repo.ErrInvalid)
	}
	rows, err := s.db.QueryContext(ctx, searchExecutionsQuery, repo.LikePattern(query.Text), repo.NormalizeLimit(query.Limit))
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
