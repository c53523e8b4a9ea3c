// Package trails serves stored decision trails: ingestion from producers,
// lookups, search, diffs and archiving.
//
// Everything ingested is passed through the redaction engine again, so
// producers that do not use the tracer still cannot store raw secrets.
package trails

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/animus-labs/xray-go/internal/archive"
	"github.com/animus-labs/xray-go/internal/repo"
	"github.com/animus-labs/xray-go/pkg/diff"
	"github.com/animus-labs/xray-go/pkg/redact"
	"github.com/animus-labs/xray-go/pkg/trail"
	"golang.org/x/sync/errgroup"
)

var ErrArchiveDisabled = errors.New("archive not configured")

type Service struct {
	store    repo.TrailStore
	redactor *redact.Engine
	archiver *archive.Archiver
	logger   *slog.Logger
}

type Option func(*Service)

func WithArchiver(a *archive.Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

func WithRedactor(e *redact.Engine) Option {
	return func(s *Service) {
		if e != nil {
			s.redactor = e
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(store repo.TrailStore, opts ...Option) *Service {
	if store == nil {
		return nil
	}
	s := &Service{
		store:    store,
		redactor: redact.Default(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateExecution stores a redacted copy of e. It also makes Service usable
// as a delivery sink writing straight to storage.
func (s *Service) CreateExecution(ctx context.Context, e trail.Execution) error {
	e.Metadata = trail.Payload(s.redactor.RedactMap(e.Metadata))
	return s.store.CreateExecution(ctx, e)
}

func (s *Service) AppendStep(ctx context.Context, st trail.Step) error {
	st.Input = trail.Payload(s.redactor.RedactMap(st.Input))
	st.Output = trail.Payload(s.redactor.RedactMap(st.Output))
	st.Artifacts = trail.Payload(s.redactor.RedactMap(st.Artifacts))
	st.Reasoning = s.redactor.RedactString(st.Reasoning)
	if st.Error != nil {
		info := *st.Error
		info.Message = s.redactor.RedactString(info.Message)
		st.Error = &info
	}
	return s.store.AppendStep(ctx, st)
}

func (s *Service) Get(ctx context.Context, executionID string) (trail.Trail, error) {
	return s.store.GetTrail(ctx, executionID)
}

func (s *Service) List(ctx context.Context, filter repo.ExecutionFilter) ([]trail.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

func (s *Service) Search(ctx context.Context, query repo.SearchQuery) ([]trail.Execution, error) {
	return s.store.SearchExecutions(ctx, query)
}

// Diff compares baseline against candidate. A missing execution yields an
// error wrapping repo.ErrNotFound; a trail failing validation yields one
// wrapping diff.ErrMalformedTrail.
func (s *Service) Diff(ctx context.Context, baselineID, candidateID string) (diff.ExecutionDiff, error) {
	var a, b trail.Trail
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if a, err = s.store.GetTrail(gctx, baselineID); err != nil {
			return fmt.Errorf("baseline %s: %w", baselineID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if b, err = s.store.GetTrail(gctx, candidateID); err != nil {
			return fmt.Errorf("candidate %s: %w", candidateID, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return diff.ExecutionDiff{}, err
	}

	d, err := diff.Compare(a, b)
	if err != nil {
		s.logger.Warn("diff rejected malformed trail", "baseline", baselineID, "candidate", candidateID, "error", err)
		return diff.ExecutionDiff{}, err
	}
	return d, nil
}

func (s *Service) Archive(ctx context.Context, executionID string) (archive.Result, error) {
	if s.archiver == nil {
		return archive.Result{}, ErrArchiveDisabled
	}
	t, err := s.store.GetTrail(ctx, executionID)
	if err != nil {
		return archive.Result{}, err
	}
	res, err := s.archiver.Archive(ctx, t)
	if err != nil {
		return archive.Result{}, err
	}
	s.logger.Info("trail archived", "execution_id", executionID, "key", res.Key, "lines", res.Lines)
	return res, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
