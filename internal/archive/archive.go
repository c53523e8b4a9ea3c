// Package archive writes trails to object storage as NDJSON: one execution
// line followed by one line per step in open order.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/xray-go/pkg/trail"
)

const ContentType = "application/x-ndjson"

// Putter stores one object. *objectstore.Store satisfies it.
type Putter interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

type Result struct {
	Key   string `json:"key"`
	ETag  string `json:"etag"`
	Lines int    `json:"lines"`
}

type line struct {
	Kind      trail.RecordKind `json:"kind"`
	Execution *trail.Execution `json:"execution,omitempty"`
	Step      *trail.Step      `json:"step,omitempty"`
}

type Archiver struct {
	store  Putter
	prefix string
}

func New(store Putter, prefix string) *Archiver {
	if store == nil {
		return nil
	}
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key is the object key for an execution, grouped by creation date.
func (a *Archiver) Key(e trail.Execution) string {
	key := fmt.Sprintf("%s/%s.ndjson", e.CreatedAt().Format("2006/01/02"), e.ExecutionID)
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

func (a *Archiver) Archive(ctx context.Context, t trail.Trail) (Result, error) {
	body, lines, err := Encode(t)
	if err != nil {
		return Result{}, err
	}
	key := a.Key(t.Execution)
	etag, err := a.store.Put(ctx, key, ContentType, body)
	if err != nil {
		return Result{}, fmt.Errorf("archive %s: %w", t.Execution.ExecutionID, err)
	}
	return Result{Key: key, ETag: etag, Lines: lines}, nil
}

func Encode(t trail.Trail) ([]byte, int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	exec := t.Execution
	if err := enc.Encode(line{Kind: trail.RecordExecution, Execution: &exec}); err != nil {
		return nil, 0, fmt.Errorf("encode execution: %w", err)
	}
	for i := range t.Steps {
		if err := enc.Encode(line{Kind: trail.RecordStep, Step: &t.Steps[i]}); err != nil {
			return nil, 0, fmt.Errorf("encode step %s: %w", t.Steps[i].StepID, err)
		}
	}
	return buf.Bytes(), len(t.Steps) + 1, nil
}

// Decode reads an archive produced by Encode.
func Decode(body []byte) (trail.Trail, error) {
	var (
		out     trail.Trail
		sawExec bool
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var l line
		if err := dec.Decode(&l); err != nil {
			return trail.Trail{}, fmt.Errorf("decode line: %w", err)
		}
		switch {
		case l.Kind == trail.RecordExecution && l.Execution != nil:
			out.Execution = *l.Execution
			sawExec = true
		case l.Kind == trail.RecordStep && l.Step != nil:
			out.Steps = append(out.Steps, *l.Step)
		default:
			return trail.Trail{}, fmt.Errorf("unknown archive line kind %q", l.Kind)
		}
	}
	if err := sc.Err(); err != nil {
		return trail.Trail{}, err
	}
	if !sawExec {
		return trail.Trail{}, errors.New("archive has no execution line")
	}
	return out, nil
}
