package crawl

import (
	"context"
	"io"
	"time"
)

// RunOutput pairs the sanitized result with the raw subprocess streams.
// Raw streams are archived internally and never returned to API clients.
type RunOutput struct {
	Result Result
	Stdout string
	Stderr string
}

// Runner executes one crawl via the external crawler binary.
type Runner interface {
	Run(ctx context.Context, req Request) (RunOutput, error)
}

// Registry tracks crawl executions through their lifecycle.
type Registry interface {
	Create(ctx context.Context, exec Execution) error
	MarkRunning(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, id string, at time.Time, result Result) error
	Fail(ctx context.Context, id string, at time.Time, errText string) error
	Get(ctx context.Context, id string) (Execution, error)
}

// Queue hands executions from the API to the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, item ExecutionItem) error
	Dequeue(ctx context.Context) (ExecutionItem, error)
}

// BlobStore archives raw crawler output for later inspection.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits completion notifications to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints opaque execution identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
