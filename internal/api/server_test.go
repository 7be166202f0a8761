package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-gateway/backend/internal/admission"
	"workflow-gateway/backend/internal/dispatch"
	"workflow-gateway/backend/internal/executor"
	"workflow-gateway/backend/internal/metrics"
	"workflow-gateway/backend/internal/params"
	"workflow-gateway/backend/internal/registry"
	"workflow-gateway/backend/internal/session"
	"workflow-gateway/backend/pkg/models"
)

type apiFixture struct {
	echo     *echo.Echo
	registry *registry.Registry
	sessions *session.MemoryStore
}

type apiOpts struct {
	perMinute int
	maxBody   int64
	authKeys  map[string]string
	cacheTTL  time.Duration
}

func newAPIFixture(t *testing.T, opts apiOpts) *apiFixture {
	t.Helper()

	if opts.perMinute == 0 {
		opts.perMinute = 1000
	}
	if opts.cacheTTL == 0 {
		opts.cacheTTL = time.Minute
	}

	reg := registry.New()
	require.NoError(t, reg.Register(&models.WorkflowHandle{
		Name: "echo",
		Parameters: []models.ParameterSpec{
			{Name: "text", Type: "string", Required: true},
		},
	}))

	sessions := session.NewMemoryStore(time.Minute)
	cache := admission.NewResponseCache(opts.cacheTTL)
	pipeline := admission.NewPipeline(
		admission.NewStaticAuthenticator(opts.authKeys != nil, opts.authKeys),
		admission.NewRateLimiter(opts.perMinute),
		admission.NewCircuitBreaker(5, 30*time.Second),
		admission.NewCacheStage(cache),
	)

	reporter := metrics.NewReporter()
	dispatcher := dispatch.New(dispatch.Options{
		Registry: reg,
		Sessions: sessions,
		Pipeline: pipeline,
		Cache:    cache,
		Exec: executor.Func(func(ctx context.Context, h *models.WorkflowHandle, p *models.ParameterSet) (map[string]any, error) {
			return p.Map(), nil
		}),
		Reporter: reporter,
	})

	e := echo.New()
	NewServer(dispatcher, reg, sessions, params.New(opts.maxBody), reporter, opts.maxBody).Register(e)
	return &apiFixture{echo: e, registry: reg, sessions: sessions}
}

func (f *apiFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "error responses wrap a canonical error record, got %s", rec.Body.String())
	kind, _ := errObj["kind"].(string)
	return kind
}

func TestExecuteWorkflow(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":{"text":"hi"}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]any{"text": "hi"}, body["output"])
	assert.NotEmpty(t, body["run_id"])
	assert.NotContains(t, body, "session_expired")
}

func TestExecuteWorkflowNotFound(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodPost, "/workflows/ghost/execute", `{"inputs":{}}`, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "WorkflowNotFound", errorKind(t, rec))
}

func TestExecuteMalformedBody(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MalformedInput", errorKind(t, rec))
}

func TestExecuteInputsMustBeObject(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":[1,2]}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MalformedInput", errorKind(t, rec))
}

func TestExecuteBodyTooLarge(t *testing.T) {
	f := newAPIFixture(t, apiOpts{maxBody: 64})

	large := `{"inputs":{"text":"` + strings.Repeat("x", 200) + `"}}`
	rec := f.do(http.MethodPost, "/workflows/echo/execute", large, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "InputTooLarge", errorKind(t, rec))
}

func TestExecuteDeniedParameterName(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":{"__proto__":{"x":1}}}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MalformedInput", errorKind(t, rec))
}

func TestExecuteRateLimited(t *testing.T) {
	f := newAPIFixture(t, apiOpts{perMinute: 1, cacheTTL: -1})

	first := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":{"text":"a"}}`, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":{"text":"b"}}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RateLimited", errorKind(t, second))
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestExecuteAuthentication(t *testing.T) {
	f := newAPIFixture(t, apiOpts{authKeys: map[string]string{"sk-test": "alice"}})

	t.Run("missing credential", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":{"text":"hi"}}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Unauthenticated", errorKind(t, rec))
	})

	t.Run("bearer token", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":{"text":"hi"}}`,
			map[string]string{"Authorization": "Bearer sk-test"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("api key header", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/workflows/echo/execute", `{"inputs":{"text":"hi"}}`,
			map[string]string{"X-API-Key": "sk-test"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestPutAndListWorkflows(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodPut, "/workflows",
		`{"name":"greet","parameters":[{"name":"name","type":"string","required":true}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := f.do(http.MethodGet, "/workflows", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	body := decodeBody(t, list)
	assert.Equal(t, []any{"echo", "greet"}, body["workflows"])

	exec := f.do(http.MethodPost, "/workflows/greet/execute", `{"inputs":{"name":"ada"}}`, nil)
	assert.Equal(t, http.StatusOK, exec.Code)
}

func TestPutWorkflowRejectsEmptyName(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodPut, "/workflows", `{"parameters":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	created := f.do(http.MethodPost, "/sessions", `{"metadata":{"team":"qa"}}`, nil)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	sessionID, _ := decodeBody(t, created)["session_id"].(string)
	require.NotEmpty(t, sessionID)

	exec := f.do(http.MethodPost, "/workflows/echo/execute",
		`{"inputs":{"text":"hi"},"session_id":"`+sessionID+`"}`, nil)
	require.Equal(t, http.StatusOK, exec.Code)
	assert.NotContains(t, decodeBody(t, exec), "session_expired")

	stale := f.do(http.MethodPost, "/workflows/echo/execute",
		`{"inputs":{"text":"later"},"session_id":"no-such-session"}`, nil)
	require.Equal(t, http.StatusOK, stale.Code)
	assert.Equal(t, true, decodeBody(t, stale)["session_expired"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	checks, _ := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["session_store"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, apiOpts{})

	rec := f.do(http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")
	assert.Contains(t, rec.Body.String(), "gateway_uptime_seconds")
	assert.Contains(t, rec.Body.String(), "gateway_dispatch_latency_ms_p50")
}
