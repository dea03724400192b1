// Package report persists a summary of every finished script run.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/comalice/framescript"
)

// RunReport summarizes one run.
type RunReport struct {
	RunID      string        `json:"run_id" yaml:"run_id"`
	Name       string        `json:"name" yaml:"name"`
	Sequence   uint64        `json:"sequence" yaml:"sequence"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Frames     uint64        `json:"frames" yaml:"frames"`
	Faults     uint64        `json:"faults" yaml:"faults"`
	Overruns   uint64        `json:"overruns" yaml:"overruns"`
}

// New builds a report for a finished runtime under a fresh run ID.
func New(rt *framescript.Runtime) RunReport {
	s := rt.Stats()
	return RunReport{
		RunID:      uuid.NewString(),
		Name:       rt.DisplayName(),
		Sequence:   rt.Sequence(),
		Interval:   rt.FrameInterval(),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Frames:     s.Frames,
		Faults:     s.Faults,
		Overruns:   s.Overruns,
	}
}

// Duration is the wall time between start and finish.
func (r RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Persister stores reports by run ID.
type Persister interface {
	Save(ctx context.Context, r RunReport) error
	Load(ctx context.Context, runID string) (RunReport, error)
}

// NewPersister returns a file persister for format "json" or "yaml".
func NewPersister(format, dir string) (Persister, error) {
	switch format {
	case "json":
		return NewJSONPersister(dir)
	case "yaml":
		return NewYAMLPersister(dir)
	}
	return nil, fmt.Errorf("unknown report format %q", format)
}

// JSONPersister is a file-based persister using JSON serialization.
type JSONPersister struct {
	dir string
}

// NewJSONPersister creates a JSONPersister, ensuring the directory exists.
func NewJSONPersister(dir string) (*JSONPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &JSONPersister{dir: dir}, nil
}

func (p *JSONPersister) Save(ctx context.Context, r RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return write(ctx, filepath.Join(p.dir, r.RunID+".json"), data)
}

func (p *JSONPersister) Load(ctx context.Context, runID string) (RunReport, error) {
	data, err := read(ctx, filepath.Join(p.dir, runID+".json"), runID)
	if err != nil {
		return RunReport{}, err
	}
	var r RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return RunReport{}, fmt.Errorf("json unmarshal: %w", err)
	}
	r.RunID = runID
	return r, nil
}

// YAMLPersister is a file-based persister using YAML serialization.
type YAMLPersister struct {
	dir string
}

// NewYAMLPersister creates a YAMLPersister, ensuring the directory exists.
func NewYAMLPersister(dir string) (*YAMLPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &YAMLPersister{dir: dir}, nil
}

func (p *YAMLPersister) Save(ctx context.Context, r RunReport) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return write(ctx, filepath.Join(p.dir, r.RunID+".yaml"), data)
}

func (p *YAMLPersister) Load(ctx context.Context, runID string) (RunReport, error) {
	data, err := read(ctx, filepath.Join(p.dir, runID+".yaml"), runID)
	if err != nil {
		return RunReport{}, err
	}
	var r RunReport
	if err := yaml.Unmarshal(data, &r); err != nil {
		return RunReport{}, fmt.Errorf("yaml unmarshal: %w", err)
	}
	r.RunID = runID
	return r, nil
}

func write(ctx context.Context, fn string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fn, err)
	}
	return nil
}

func read(ctx context.Context, fn, runID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("run %q: %w", runID, os.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", fn, err)
	}
	return data, nil
}
