// Package audit records what happened during each build run.
//
// The pipeline treats the audit log as a pure sink: it writes start, step,
// error and complete entries keyed by run id and never reads them back.
// Retention of the underlying database is left to the operator.
package audit

import (
	"context"
	"sync"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindStart    Kind = "start"
	KindStep     Kind = "step"
	KindError    Kind = "error"
	KindComplete Kind = "complete"
)

// Entry is one audit record.
type Entry struct {
	ID        int64
	RunID     string
	Kind      Kind
	Stage     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Sink receives audit entries.
type Sink interface {
	Start(ctx context.Context, runID string, fields map[string]string) error
	Step(ctx context.Context, runID, stage, message string, fields map[string]string) error
	Error(ctx context.Context, runID, stage, message string, cause error) error
	Complete(ctx context.Context, runID string, success bool, fields map[string]string) error
}

// recorder adapts an append function to Sink.
type recorder struct {
	append func(ctx context.Context, e Entry) error
}

func (r recorder) Start(ctx context.Context, runID string, fields map[string]string) error {
	return r.append(ctx, Entry{RunID: runID, Kind: KindStart, Message: "run started", Fields: fields})
}

func (r recorder) Step(ctx context.Context, runID, stage, message string, fields map[string]string) error {
	return r.append(ctx, Entry{RunID: runID, Kind: KindStep, Stage: stage, Message: message, Fields: fields})
}

func (r recorder) Error(ctx context.Context, runID, stage, message string, cause error) error {
	var fields map[string]string
	if cause != nil {
		fields = map[string]string{"error": cause.Error()}
	}
	return r.append(ctx, Entry{RunID: runID, Kind: KindError, Stage: stage, Message: message, Fields: fields})
}

func (r recorder) Complete(ctx context.Context, runID string, success bool, fields map[string]string) error {
	msg := "run failed"
	if success {
		msg = "run succeeded"
	}
	return r.append(ctx, Entry{RunID: runID, Kind: KindComplete, Message: msg, Fields: fields})
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Start(context.Context, string, map[string]string) error                { return nil }
func (Nop) Step(context.Context, string, string, string, map[string]string) error { return nil }
func (Nop) Error(context.Context, string, string, string, error) error            { return nil }
func (Nop) Complete(context.Context, string, bool, map[string]string) error       { return nil }

// Memory keeps entries in memory. It is safe for concurrent use.
type Memory struct {
	recorder
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	m := &Memory{}
	m.recorder = recorder{append: m.add}
	return m
}

func (m *Memory) add(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	e.Timestamp = time.Now()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
