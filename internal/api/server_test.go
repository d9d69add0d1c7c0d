package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opencrawl/elastic-crawler-service/internal/config"
	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
	queueMemory "github.com/opencrawl/elastic-crawler-service/internal/queue/memory"
	registryMemory "github.com/opencrawl/elastic-crawler-service/internal/registry/memory"
	"github.com/opencrawl/elastic-crawler-service/internal/runner"
)

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if len(f.ids) == 0 {
		return "exec-generated", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	return f.now
}

type fakeRunner struct {
	mu  sync.Mutex
	out crawl.RunOutput
	err error
}

func (f *fakeRunner) Run(_ context.Context, _ crawl.Request) (crawl.RunOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out, f.err
}

func testConfig() config.Config {
	return config.Config{
		Server:     config.ServerConfig{Port: 8080},
		Crawler:    config.CrawlerConfig{BinaryPath: "bin/crawler", TimeoutSeconds: 30},
		Executions: config.ExecutionsConfig{QueueDepth: 4, Workers: 1},
	}
}

type serverFixture struct {
	server   *Server
	registry *registryMemory.Registry
	queue    *queueMemory.Queue
	runner   *fakeRunner
}

func newFixture(cfg config.Config) *serverFixture {
	registry := registryMemory.NewRegistry()
	q := queueMemory.NewQueue(cfg.Executions.QueueDepth)
	rn := &fakeRunner{}
	server := NewServer(registry, q, rn, &fakeIDGen{ids: []string{"exec-1"}},
		&fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}, cfg, zap.NewNop())
	return &serverFixture{server: server, registry: registry, queue: q, runner: rn}
}

func validBody() []byte {
	return []byte(`{"domains":[{"url":"https://example.com"}],"output_index":"search-content"}`)
}

func TestServer_SubmitCrawl_AsyncAccepted(t *testing.T) {
	t.Parallel()

	fx := newFixture(testConfig())
	req := httptest.NewRequest(http.MethodPost, "/v1/crawl", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "started", payload["status"])
	require.Equal(t, "exec-1", payload["execution_id"])
	require.Equal(t, "/v1/crawl/exec-1/status", payload["check_status_url"])
	require.NotEmpty(t, payload["message"])

	item, err := fx.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "exec-1", item.ExecutionID)
	require.Equal(t, "search-content", item.Request.OutputIndex)

	exec, err := fx.registry.Get(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, crawl.ExecutionStatusPending, exec.Status)
}

func TestServer_SubmitCrawl_InvalidJSON(t *testing.T) {
	t.Parallel()

	fx := newFixture(testConfig())
	req := httptest.NewRequest(http.MethodPost, "/v1/crawl", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_SubmitCrawl_ValidationFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(testConfig())
	req := httptest.NewRequest(http.MethodPost, "/v1/crawl",
		bytes.NewBufferString(`{"domains":[],"output_index":"search-content"}`))
	rec := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "at least one domain")
}

func TestServer_SubmitCrawl_InvalidAsyncParam(t *testing.T) {
	t.Parallel()

	fx := newFixture(testConfig())
	req := httptest.NewRequest(http.MethodPost, "/v1/crawl?async=maybe", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "async")
}

func TestServer_SubmitCrawl_QueueFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Executions.QueueDepth = 1
	fx := newFixture(cfg)
	fx.server.enqueueWait = 50 * time.Millisecond

	// Fill the queue so the submitted execution cannot be enqueued.
	require.NoError(t, fx.queue.Enqueue(context.Background(), crawl.ExecutionItem{ExecutionID: "blocker"}))

	req := httptest.NewRequest(http.MethodPost, "/v1/crawl", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "queue is full")

	exec, err := fx.registry.Get(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, crawl.ExecutionStatusFailed, exec.Status)
}

func TestServer_SubmitCrawl_SyncSuccess(t *testing.T) {
	t.Parallel()

	fx := newFixture(testConfig())
	fx.runner.out = crawl.RunOutput{
		Result: crawl.Result{
			Status:         crawl.ResultStatusSuccess,
			OutputIndex:    "search-content",
			DomainsCrawled: []string{"https://example.com"},
			Stats:          &crawl.Stats{PagesVisited: "7"},
		},
		Stdout: "Pages visited: 7",
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/crawl?async=false", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result crawl.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, crawl.ResultStatusSuccess, result.Status)
	require.Equal(t, "search-content", result.OutputIndex)
	require.NotNil(t, result.Stats)
	require.Equal(t, "7", result.Stats.PagesVisited)

	exec, err := fx.registry.Get(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, crawl.ExecutionStatusCompleted, exec.Status)
}

func TestServer_SubmitCrawl_SyncCrawlerError(t *testing.T) {
	t.Parallel()

	// A non-zero crawler exit is a normal response, not an HTTP error.
	fx := newFixture(testConfig())
	fx.runner.out = crawl.RunOutput{
		Result: crawl.Result{
			Status:       crawl.ResultStatusError,
			ReturnCode:   2,
			OutputIndex:  "search-content",
			ErrorMessage: "connection refused",
		},
		Stderr: "connection refused",
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/crawl?async=false", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_SubmitCrawl_SyncErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"MissingCredentials", runner.ErrMissingCredentials, http.StatusServiceUnavailable},
		{"Timeout", runner.ErrTimeout, http.StatusGatewayTimeout},
		{"Other", errors.New("config write failed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(testConfig())
			fx.runner.err = tc.err

			req := httptest.NewRequest(http.MethodPost, "/v1/crawl?async=false", bytes.NewReader(validBody()))
			rec := httptest.NewRecorder()

			fx.server.Handler().ServeHTTP(rec, req)

			require.Equal(t, tc.wantCode, rec.Code)

			exec, err := fx.registry.Get(context.Background(), "exec-1")
			require.NoError(t, err)
			require.Equal(t, crawl.ExecutionStatusFailed, exec.Status)
		})
	}
}

func TestServer_GetCrawlStatus(t *testing.T) {
	t.Parallel()

	fx := newFixture(testConfig())
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, fx.registry.Create(context.Background(), crawl.Execution{
		ID: "exec-pending", Status: crawl.ExecutionStatusPending, Submitted: now,
	}))
	require.NoError(t, fx.registry.Create(context.Background(), crawl.Execution{
		ID: "exec-done", Status: crawl.ExecutionStatusPending, Submitted: now,
	}))
	require.NoError(t, fx.registry.MarkRunning(context.Background(), "exec-done", now))
	require.NoError(t, fx.registry.Complete(context.Background(), "exec-done", now.Add(time.Minute), crawl.Result{
		Status:      crawl.ResultStatusSuccess,
		OutputIndex: "search-content",
	}))
	require.NoError(t, fx.registry.Create(context.Background(), crawl.Execution{
		ID: "exec-bad", Status: crawl.ExecutionStatusPending, Submitted: now,
	}))
	require.NoError(t, fx.registry.Fail(context.Background(), "exec-bad", now.Add(time.Minute), "crawler execution timed out"))

	t.Run("PendingReportsRunning", func(t *testing.T) {
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawl/exec-pending/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		require.Equal(t, "running", payload["status"])
		require.Equal(t, "exec-pending", payload["execution_id"])
	})

	t.Run("CompletedIncludesResult", func(t *testing.T) {
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawl/exec-done/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var payload struct {
			Status string        `json:"status"`
			Result *crawl.Result `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		require.Equal(t, "completed", payload.Status)
		require.NotNil(t, payload.Result)
		require.Equal(t, crawl.ResultStatusSuccess, payload.Result.Status)
	})

	t.Run("FailedIncludesError", func(t *testing.T) {
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawl/exec-bad/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "failed")
		require.Contains(t, rec.Body.String(), "crawler execution timed out")
	})

	t.Run("UnknownIDIs404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawl/nope/status", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_APIKeyAuth(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{APIKey: "sekrit"}
	fx := newFixture(cfg)

	t.Run("MissingKeyIs401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/crawl", bytes.NewReader(validBody())))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "ApiKey", rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("WrongKeyIs403", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/crawl", bytes.NewReader(validBody()))
		req.Header.Set("X-API-Key", "wrong")
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("CorrectKeyPasses", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/crawl", bytes.NewReader(validBody()))
		req.Header.Set("X-API-Key", "sekrit")
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("HealthSkipsAuth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	fx := newFixture(testConfig())
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "healthy", payload["status"])
	require.Equal(t, config.ServiceName, payload["service"])
	require.Equal(t, config.Version, payload["version"])
}

func TestServer_ResultNeverLeaksCredentials(t *testing.T) {
	t.Parallel()

	fx := newFixture(testConfig())
	fx.runner.out = crawl.RunOutput{
		Result: crawl.Result{
			Status:         crawl.ResultStatusSuccess,
			OutputIndex:    "search-content",
			DomainsCrawled: []string{"https://example.com"},
		},
		Stdout: "host=https://es.internal:9200 api_key=super-secret-key",
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/crawl?async=false", bytes.NewReader(validBody()))
	rec := httptest.NewRecorder()

	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "super-secret-key")
	require.NotContains(t, rec.Body.String(), "es.internal")
}
