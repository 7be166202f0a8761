// Package api is the HTTP channel adapter: it parses transport input into
// canonical dispatch requests, calls the dispatcher, and renders canonical
// results as JSON with per-kind status codes. No business logic lives here.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"workflow-gateway/backend/internal/dispatch"
	"workflow-gateway/backend/internal/metrics"
	"workflow-gateway/backend/internal/params"
	"workflow-gateway/backend/internal/registry"
	"workflow-gateway/backend/internal/session"
	"workflow-gateway/backend/pkg/models"
)

// Server holds the dependencies for the API channel.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	sessions   session.Store
	normalizer *params.Normalizer
	reporter   *metrics.Reporter
	maxBody    int64
}

// NewServer creates the API adapter.
func NewServer(d *dispatch.Dispatcher, r *registry.Registry, s session.Store, n *params.Normalizer, rep *metrics.Reporter, maxBody int64) *Server {
	if maxBody <= 0 {
		maxBody = params.DefaultMaxInputBytes
	}
	return &Server{
		dispatcher: d,
		registry:   r,
		sessions:   s,
		normalizer: n,
		reporter:   rep,
		maxBody:    maxBody,
	}
}

// Register mounts the API routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/workflows/:name/execute", s.ExecuteWorkflow)
	e.PUT("/workflows", s.PutWorkflow)
	e.GET("/workflows", s.ListWorkflows)
	e.POST("/sessions", s.CreateSession)
	e.GET("/health", s.Health)
	e.GET("/metrics", s.Metrics)
}

// executeEnvelope is the request body for workflow execution.
type executeEnvelope struct {
	Inputs    json.RawMessage `json:"inputs"`
	SessionID string          `json:"session_id,omitempty"`
}

// executeResponse is the success body for workflow execution.
type executeResponse struct {
	Success        bool           `json:"success"`
	Output         map[string]any `json:"output"`
	RunID          string         `json:"run_id"`
	SessionExpired bool           `json:"session_expired,omitempty"`
}

// errorResponse wraps the canonical error record.
type errorResponse struct {
	Error *models.ErrorRecord `json:"error"`
}

// ExecuteWorkflow handles POST /workflows/:name/execute.
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, s.maxBody+1))
	if err != nil {
		return s.renderError(c, models.NewError(models.KindMalformedInput, "failed to read request body"))
	}
	if int64(len(body)) > s.maxBody {
		return s.renderError(c, models.NewError(models.KindInputTooLarge, "request body exceeds size limit"))
	}

	var envelope executeEnvelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &envelope); err != nil {
			return s.renderError(c, models.NewError(models.KindMalformedInput, "invalid JSON body: "+err.Error()))
		}
	}

	paramSet, err := s.normalizer.FromJSON(envelope.Inputs)
	if err != nil {
		return s.renderDispatchError(c, err)
	}

	req := &models.DispatchRequest{
		Workflow:   c.Param("name"),
		Parameters: paramSet,
		SessionID:  envelope.SessionID,
		Channel:    models.ChannelAPI,
		Credential: bearerToken(c.Request()),
	}

	result := s.dispatcher.Dispatch(c.Request().Context(), req)
	if !result.Success {
		return s.renderResult(c, result)
	}
	return c.JSON(http.StatusOK, executeResponse{
		Success:        true,
		Output:         result.Output,
		RunID:          result.RunID,
		SessionExpired: result.SessionExpired,
	})
}

// PutWorkflow handles PUT /workflows: registers or replaces a handle.
func (s *Server) PutWorkflow(c echo.Context) error {
	var handle models.WorkflowHandle
	if err := c.Bind(&handle); err != nil {
		return s.renderError(c, models.NewError(models.KindMalformedInput, "invalid request body: "+err.Error()))
	}
	if err := s.registry.Register(&handle); err != nil {
		return s.renderError(c, models.NewError(models.KindMalformedInput, err.Error()))
	}
	return c.JSON(http.StatusOK, handle)
}

// ListWorkflows handles GET /workflows: names visible to the API channel.
func (s *Server) ListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"workflows": s.registry.List(models.ChannelAPI),
	})
}

// CreateSession handles POST /sessions.
func (s *Server) CreateSession(c echo.Context) error {
	var body struct {
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	// Metadata is optional; an absent or empty body creates a bare session.
	_ = c.Bind(&body)
	sess, err := s.sessions.Create(c.Request().Context(), models.ChannelAPI, body.Metadata)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error: models.NewError(models.KindExecutionError, "failed to create session"),
		})
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"expires_at": sess.ExpiresAt,
	})
}

// Health handles GET /health.
func (s *Server) Health(c echo.Context) error {
	checks := map[string]string{}
	status := http.StatusOK
	if err := s.sessions.Ping(c.Request().Context()); err != nil {
		checks["session_store"] = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["session_store"] = "ok"
	}
	body := map[string]any{
		"status":    "ok",
		"service":   "workflow-gateway",
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	return c.JSON(status, body)
}

// Metrics handles GET /metrics with the line-oriented exposition format.
func (s *Server) Metrics(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	_, err := s.reporter.WriteTo(c.Response())
	return err
}

// statusForKind maps error kinds to HTTP status codes. Adapters map, they
// never invent error semantics.
func statusForKind(kind models.Kind) int {
	switch kind {
	case models.KindMalformedInput:
		return http.StatusBadRequest
	case models.KindInputTooLarge:
		return http.StatusRequestEntityTooLarge
	case models.KindUnauthenticated:
		return http.StatusUnauthorized
	case models.KindUnauthorized:
		return http.StatusForbidden
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	case models.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case models.KindWorkflowNotFound:
		return http.StatusNotFound
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	case models.KindExecutionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) renderResult(c echo.Context, result *models.DispatchResult) error {
	rec := result.Error
	if rec == nil {
		rec = models.NewError(models.KindExecutionError, "unknown failure")
	}
	if rec.RetryAfter > 0 {
		seconds := int(rec.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	return c.JSON(statusForKind(rec.Kind), errorResponse{Error: rec})
}

func (s *Server) renderError(c echo.Context, rec *models.ErrorRecord) error {
	return c.JSON(statusForKind(rec.Kind), errorResponse{Error: rec})
}

// renderDispatchError maps normalizer errors, which are ErrorRecords.
func (s *Server) renderDispatchError(c echo.Context, err error) error {
	if rec, ok := err.(*models.ErrorRecord); ok {
		return s.renderError(c, rec)
	}
	return s.renderError(c, models.NewError(models.KindMalformedInput, err.Error()))
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.Header.Get("X-API-Key")
}
