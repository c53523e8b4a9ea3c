package repo

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/animus-labs/xray-go/pkg/trail"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ExecutionColumns is the column order ScanExecution expects.
const ExecutionColumns = `execution_id, name, app, created_at, metadata_json, tags_json`

// StepColumns is the column order ScanStep expects.
const StepColumns = `step_id, execution_id, name, seq, status, started_at, ended_at, duration_ms, input_json, output_json, reasoning, artifacts_json, error_json, tags_json`

func ScanExecution(s Scanner) (trail.Execution, error) {
	var (
		e        trail.Execution
		metadata []byte
		tags     []byte
	)
	if err := s.Scan(&e.ExecutionID, &e.Name, &e.App, &e.CreatedAtMs, &metadata, &tags); err != nil {
		return trail.Execution{}, HandleNotFound(err)
	}
	var err error
	if e.Metadata, err = DecodePayload(metadata); err != nil {
		return trail.Execution{}, fmt.Errorf("decode metadata: %w", err)
	}
	if e.Tags, err = DecodeTags(tags); err != nil {
		return trail.Execution{}, fmt.Errorf("decode tags: %w", err)
	}
	return e, nil
}

func ScanStep(s Scanner) (trail.Step, error) {
	var (
		st                       trail.Step
		status                   string
		input, output, artifacts []byte
		errorJSON, tags          []byte
	)
	if err := s.Scan(
		&st.StepID,
		&st.ExecutionID,
		&st.Name,
		&st.Seq,
		&status,
		&st.StartedAtMs,
		&st.EndedAtMs,
		&st.DurationMs,
		&input,
		&output,
		&st.Reasoning,
		&artifacts,
		&errorJSON,
		&tags,
	); err != nil {
		return trail.Step{}, HandleNotFound(err)
	}
	st.Status = trail.Status(status)

	var err error
	if st.Input, err = DecodePayload(input); err != nil {
		return trail.Step{}, fmt.Errorf("decode input: %w", err)
	}
	if st.Output, err = DecodePayload(output); err != nil {
		return trail.Step{}, fmt.Errorf("decode output: %w", err)
	}
	if st.Artifacts, err = DecodePayload(artifacts); err != nil {
		return trail.Step{}, fmt.Errorf("decode artifacts: %w", err)
	}
	if st.Error, err = DecodeError(errorJSON); err != nil {
		return trail.Step{}, fmt.Errorf("decode error: %w", err)
	}
	if st.Tags, err = DecodeTags(tags); err != nil {
		return trail.Step{}, fmt.Errorf("decode tags: %w", err)
	}
	return st, nil
}

func HandleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// StepArgs returns the insert arguments for st in StepColumns order, with
// JSON columns encoded as strings.
func StepArgs(st trail.Step) ([]any, error) {
	input, err := EncodePayload(st.Input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	output, err := EncodePayload(st.Output)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	artifacts, err := EncodePayload(st.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("encode artifacts: %w", err)
	}
	errorJSON, err := EncodeError(st.Error)
	if err != nil {
		return nil, fmt.Errorf("encode error: %w", err)
	}
	tags, err := EncodeTags(st.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	var errCol sql.NullString
	if errorJSON != nil {
		errCol = sql.NullString{String: string(errorJSON), Valid: true}
	}
	return []any{
		st.StepID,
		st.ExecutionID,
		st.Name,
		st.Seq,
		string(st.Status),
		st.StartedAtMs,
		st.EndedAtMs,
		st.DurationMs,
		string(input),
		string(output),
		st.Reasoning,
		string(artifacts),
		errCol,
		string(tags),
	}, nil
}

// ExecutionArgs returns the insert arguments for e in ExecutionColumns order.
func ExecutionArgs(e trail.Execution) ([]any, error) {
	metadata, err := EncodePayload(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	tags, err := EncodeTags(e.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return []any{e.ExecutionID, e.Name, e.App, e.CreatedAtMs, string(metadata), string(tags)}, nil
}
