// Package dispatch contains the channel-agnostic orchestration core. Every
// adapter reduces its transport input to a DispatchRequest and calls
// Dispatch; admission control, workflow resolution, parameter broadcast and
// session write-back all happen here exactly once, regardless of channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"workflow-gateway/backend/internal/admission"
	"workflow-gateway/backend/internal/executor"
	"workflow-gateway/backend/internal/metrics"
	"workflow-gateway/backend/internal/registry"
	"workflow-gateway/backend/internal/session"
	"workflow-gateway/backend/pkg/models"
)

// SessionStateKey is the reserved output key an executor uses to request a
// session-state mutation. Its value (an object) is merged into the session
// state after a successful run and stripped from the caller-visible output.
const SessionStateKey = "_session"

// Observer receives dispatch lifecycle callbacks. Observers run in
// registration order and must not block.
type Observer interface {
	OnDispatchStart(req *models.DispatchRequest, runID string)
	OnDispatchEnd(req *models.DispatchRequest, result *models.DispatchResult)
}

// Logger is the logging surface the dispatcher needs.
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Dispatcher wires the admission pipeline, registry, session store, response
// cache and executor into the single execution path shared by all channels.
type Dispatcher struct {
	registry  *registry.Registry
	sessions  session.Store
	pipeline  *admission.Pipeline
	cache     *admission.ResponseCache
	breaker   *admission.CircuitBreaker
	exec      executor.Executor
	timeout   time.Duration
	reporter  *metrics.Reporter
	logger    Logger
	observers []Observer
}

// Options carries the dispatcher's collaborators. Registry, Sessions,
// Pipeline and Exec are required; Cache, Breaker, Reporter and Logger are
// optional.
type Options struct {
	Registry *registry.Registry
	Sessions session.Store
	Pipeline *admission.Pipeline
	Cache    *admission.ResponseCache
	Breaker  *admission.CircuitBreaker
	Exec     executor.Executor
	Timeout  time.Duration
	Reporter *metrics.Reporter
	Logger   Logger
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		registry: opts.Registry,
		sessions: opts.Sessions,
		pipeline: opts.Pipeline,
		cache:    opts.Cache,
		breaker:  opts.Breaker,
		exec:     opts.Exec,
		timeout:  opts.Timeout,
		reporter: opts.Reporter,
		logger:   opts.Logger,
	}
	if d.pipeline != nil && d.reporter != nil {
		d.pipeline.OnDecision(d.reporter.RecordStage)
	}
	return d
}

// AddObserver appends a lifecycle observer.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// Dispatch handles one invocation end to end. It never returns a transport
// error: every failure arrives as a DispatchResult with Success=false and a
// populated ErrorRecord.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.DispatchRequest) *models.DispatchResult {
	started := time.Now()
	runID := uuid.New().String()

	for _, o := range d.observers {
		o.OnDispatchStart(req, runID)
	}

	result := d.dispatch(ctx, req, runID)
	result.Duration = time.Since(started)

	if d.reporter != nil {
		d.reporter.RecordDispatch(req.Channel, result.Success, result.Duration)
		if result.Error != nil {
			d.reporter.RecordError(result.Error.Kind)
		}
	}
	for _, o := range d.observers {
		o.OnDispatchEnd(req, result)
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, req *models.DispatchRequest, runID string) *models.DispatchResult {
	params := req.Parameters
	if params == nil {
		params = models.EmptyParameterSet()
	}

	// Session state merges beneath explicit parameters: a caller-supplied
	// value is never silently overridden. A miss is a soft condition; the
	// dispatch proceeds as if no session were supplied.
	sessionExpired := false
	sessionLive := false
	if req.SessionID != "" {
		sess, err := d.sessions.Get(ctx, req.SessionID)
		switch {
		case err == nil:
			params = params.MergeUnder(sess.State)
			sessionLive = true
		case errors.Is(err, session.ErrNotFound):
			sessionExpired = true
		default:
			if d.logger != nil {
				d.logger.Warn("session lookup failed, proceeding without session: %v", err)
			}
			sessionExpired = true
		}
	}

	merged := *req
	merged.Parameters = params

	if decision := d.pipeline.Evaluate(ctx, &merged); !decision.Allow {
		return &models.DispatchResult{
			Error:          decision.ErrorRecord(),
			RunID:          runID,
			SessionExpired: sessionExpired,
		}
	}
	// The authenticator resolves the principal on the merged request.
	req.Principal = merged.Principal

	handle, ok := d.registry.Resolve(req.Workflow)
	if !ok {
		d.releaseProbe(req.Workflow)
		return &models.DispatchResult{
			Error:          models.NewError(models.KindWorkflowNotFound, fmt.Sprintf("workflow %q is not registered", req.Workflow)),
			RunID:          runID,
			SessionExpired: sessionExpired,
		}
	}
	if !handle.VisibleTo(req.Channel) {
		d.releaseProbe(req.Workflow)
		return &models.DispatchResult{
			Error:          models.NewError(models.KindUnauthorized, fmt.Sprintf("workflow %q is not available on channel %q", req.Workflow, req.Channel)),
			RunID:          runID,
			SessionExpired: sessionExpired,
		}
	}

	params = params.WithDefaults(handle.Parameters)

	shared := d.execute(ctx, handle, params, runID)

	// Results produced under singleflight or served from cache are shared
	// between callers; hand each caller its own copy, stamped with this
	// call's run id.
	result := *shared
	result.RunID = runID
	result.SessionExpired = sessionExpired

	if result.Success && sessionLive {
		d.writeBack(ctx, req.SessionID, &result)
	}
	result.Output = stripSessionState(result.Output)
	return &result
}

// execute consults the response cache, then runs the executor under
// singleflight so concurrent identical requests trigger it exactly once.
func (d *Dispatcher) execute(ctx context.Context, handle *models.WorkflowHandle, params *models.ParameterSet, runID string) *models.DispatchResult {
	if d.cache == nil {
		return d.invoke(ctx, handle, params, runID)
	}

	key := admission.CacheKey(handle.Name, params)
	if cached, ok := d.cache.Get(key); ok {
		if d.reporter != nil {
			d.reporter.RecordCache(true)
		}
		// A cached result says nothing about current executor health. If
		// this request held the half-open probe slot, hand it back so a
		// later request can actually probe.
		d.releaseProbe(handle.Name)
		return cached
	}
	if d.reporter != nil {
		d.reporter.RecordCache(false)
	}

	result, _, err := d.cache.Do(key, func() (*models.DispatchResult, error) {
		r := d.invoke(ctx, handle, params, runID)
		if r.Success {
			d.cache.Put(key, r)
		}
		return r, nil
	})
	if err != nil {
		// Do only propagates errors from fn, which never returns one.
		return &models.DispatchResult{
			Error: models.NewError(models.KindExecutionError, err.Error()),
			RunID: runID,
		}
	}
	return result
}

// invoke calls the executor with the broadcast parameter set under the
// configured timeout and feeds the circuit breaker.
func (d *Dispatcher) invoke(ctx context.Context, handle *models.WorkflowHandle, params *models.ParameterSet, runID string) (result *models.DispatchResult) {
	execCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			if d.logger != nil {
				d.logger.Error("executor panic for workflow %s: %v", handle.Name, r)
			}
			if d.breaker != nil {
				d.breaker.RecordFailure(handle.Name)
			}
			result = &models.DispatchResult{
				Error: models.NewError(models.KindExecutionError, "execution failed"),
				RunID: runID,
			}
		}
	}()

	output, err := d.exec.Execute(execCtx, handle, params)
	if err != nil {
		kind := models.KindExecutionError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			kind = models.KindTimeout
		}
		// A caller disconnect is not an executor failure: it must neither
		// count toward the failure threshold nor strand a half-open probe.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			d.releaseProbe(handle.Name)
		} else if d.breaker != nil {
			d.breaker.RecordFailure(handle.Name)
		}
		return &models.DispatchResult{
			Error: models.NewError(kind, err.Error()),
			RunID: runID,
		}
	}

	if d.breaker != nil {
		d.breaker.RecordSuccess(handle.Name)
	}
	return &models.DispatchResult{
		Success: true,
		Output:  output,
		RunID:   runID,
	}
}

// releaseProbe hands the half-open probe slot back when an admitted request
// ends without an executor invocation.
func (d *Dispatcher) releaseProbe(workflow string) {
	if d.breaker != nil {
		d.breaker.ReleaseProbe(workflow)
	}
}

// writeBack applies any executor-requested session mutation and refreshes
// the session TTL. Write-back failures are logged, not surfaced: the
// execution already succeeded.
func (d *Dispatcher) writeBack(ctx context.Context, sessionID string, result *models.DispatchResult) {
	delta, _ := result.Output[SessionStateKey].(map[string]any)
	_, err := d.sessions.Update(ctx, sessionID, func(state map[string]any) {
		for k, v := range delta {
			state[k] = v
		}
	})
	if err != nil && d.logger != nil {
		d.logger.Warn("session write-back failed for %s: %v", sessionID, err)
	}
}

func stripSessionState(output map[string]any) map[string]any {
	if _, ok := output[SessionStateKey]; !ok {
		return output
	}
	out := make(map[string]any, len(output)-1)
	for k, v := range output {
		if k != SessionStateKey {
			out[k] = v
		}
	}
	return out
}
