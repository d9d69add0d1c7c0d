// Package worker implements the crawl execution loop.
package worker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
	"github.com/opencrawl/elastic-crawler-service/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	ArchivePrefix      string
	ArchiveContentType string
	Topic              string
}

// Worker consumes queued executions and drives them through the runner.
type Worker struct {
	queue     crawl.Queue
	registry  crawl.Registry
	runner    crawl.Runner
	archive   crawl.BlobStore
	publisher crawl.Publisher
	clock     crawl.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. The archive store and publisher may be nil, in
// which case those steps are skipped.
func New(
	queue crawl.Queue,
	registry crawl.Registry,
	runner crawl.Runner,
	archive crawl.BlobStore,
	publisher crawl.Publisher,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/plain; charset=utf-8"
	}
	return &Worker{
		queue:     queue,
		registry:  registry,
		runner:    runner,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued execution", zap.String("execution_id", item.ExecutionID))
		w.processExecution(ctx, item)
	}
}

func (w *Worker) processExecution(ctx context.Context, item crawl.ExecutionItem) {
	telemetry.WorkerStarted()
	defer telemetry.WorkerFinished()

	started := w.clock.Now()
	if err := w.registry.MarkRunning(ctx, item.ExecutionID, started); err != nil {
		w.logger.Error("mark execution running failed",
			zap.String("execution_id", item.ExecutionID), zap.Error(err))
		return
	}

	out, runErr := w.runner.Run(ctx, item.Request)
	finished := w.clock.Now()

	w.archiveOutput(ctx, item.ExecutionID, out)

	if runErr != nil {
		if err := w.registry.Fail(ctx, item.ExecutionID, finished, runErr.Error()); err != nil {
			w.logger.Error("fail execution update failed",
				zap.String("execution_id", item.ExecutionID), zap.Error(err))
		}
		telemetry.ObserveExecution(string(crawl.ExecutionStatusFailed), finished.Sub(started))
		w.notify(ctx, crawl.Notification{
			ExecutionID: item.ExecutionID,
			Status:      crawl.ExecutionStatusFailed,
			OutputIndex: item.Request.OutputIndex,
		})
		return
	}

	if err := w.registry.Complete(ctx, item.ExecutionID, finished, out.Result); err != nil {
		w.logger.Error("complete execution update failed",
			zap.String("execution_id", item.ExecutionID), zap.Error(err))
		return
	}
	telemetry.ObserveExecution(string(crawl.ExecutionStatusCompleted), finished.Sub(started))
	w.notify(ctx, crawl.Notification{
		ExecutionID: item.ExecutionID,
		Status:      crawl.ExecutionStatusCompleted,
		OutputIndex: item.Request.OutputIndex,
	})
}

// archiveOutput stores the raw subprocess streams. Archive failures are
// logged but never fail the execution.
func (w *Worker) archiveOutput(ctx context.Context, executionID string, out crawl.RunOutput) {
	if w.archive == nil {
		return
	}
	streams := []struct {
		name string
		data string
	}{
		{"stdout.log", out.Stdout},
		{"stderr.log", out.Stderr},
	}
	for _, s := range streams {
		if s.data == "" {
			continue
		}
		path := w.buildArchivePath(executionID, s.name)
		uri, err := w.archive.PutObject(ctx, path, w.cfg.ArchiveContentType, strings.NewReader(s.data))
		if err != nil {
			w.logger.Warn("archive crawler output failed",
				zap.String("execution_id", executionID),
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		w.logger.Debug("archived crawler output",
			zap.String("execution_id", executionID), zap.String("uri", uri))
	}
}

func (w *Worker) buildArchivePath(executionID, name string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", executionID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, executionID, name)
}

func (w *Worker) notify(ctx context.Context, n crawl.Notification) {
	if w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, n); err != nil {
		w.logger.Warn("publish completion notification failed",
			zap.String("execution_id", n.ExecutionID), zap.Error(err))
	}
}
