// Package memory provides an in-memory execution registry for development
// and testing.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
)

// Registry tracks executions in a mutex-guarded map.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]crawl.Execution
}

// NewRegistry constructs a Registry.
func NewRegistry() *Registry {
	return &Registry{
		executions: make(map[string]crawl.Execution),
	}
}

// Create stores a new execution.
func (r *Registry) Create(_ context.Context, exec crawl.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executions[exec.ID]; exists {
		return errors.New("execution already exists")
	}
	r.executions[exec.ID] = exec
	return nil
}

// MarkRunning transitions an execution to running and stamps the start time.
func (r *Registry) MarkRunning(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[id]
	if !ok {
		return crawl.ErrNotFound
	}
	exec.Status = crawl.ExecutionStatusRunning
	if exec.Started == nil {
		exec.Started = pointerTime(at)
	}
	r.executions[id] = exec
	return nil
}

// Complete records the sanitized result and marks the execution completed.
func (r *Registry) Complete(_ context.Context, id string, at time.Time, result crawl.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[id]
	if !ok {
		return crawl.ErrNotFound
	}
	exec.Status = crawl.ExecutionStatusCompleted
	exec.Finished = pointerTime(at)
	exec.Result = &result
	exec.ErrorText = ""
	r.executions[id] = exec
	return nil
}

// Fail marks the execution failed with the wrapper-level error text.
func (r *Registry) Fail(_ context.Context, id string, at time.Time, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[id]
	if !ok {
		return crawl.ErrNotFound
	}
	exec.Status = crawl.ExecutionStatusFailed
	exec.Finished = pointerTime(at)
	exec.ErrorText = errText
	r.executions[id] = exec
	return nil
}

// Get fetches an execution by id.
func (r *Registry) Get(_ context.Context, id string) (crawl.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[id]
	if !ok {
		return crawl.Execution{}, crawl.ErrNotFound
	}
	return exec, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
