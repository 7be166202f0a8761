package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workflow-gateway/backend/pkg/models"
)

// BreakerState is the per-workflow circuit state.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type breaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// CircuitBreaker tracks execution failures per workflow. After the failure
// threshold is reached the circuit opens and requests are denied until the
// cooldown elapses; then exactly one half-open probe is admitted. A
// successful probe closes the circuit, a failed probe re-opens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	workflows map[string]*breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewCircuitBreaker creates the stage. Non-positive threshold defaults to 5.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreaker{
		workflows: make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Name implements Stage.
func (c *CircuitBreaker) Name() string { return "breaker" }

// Evaluate denies requests to workflows whose circuit is open.
func (c *CircuitBreaker) Evaluate(ctx context.Context, req *models.DispatchRequest) models.AdmissionDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.workflows[req.Workflow]
	if !ok {
		return models.Allowed(c.Name())
	}

	switch b.state {
	case Open:
		elapsed := c.now().Sub(b.openedAt)
		if elapsed < c.cooldown {
			decision := models.Denied(c.Name(), models.KindServiceUnavailable,
				fmt.Sprintf("workflow %q circuit is open", req.Workflow))
			decision.RetryAfter = c.cooldown - elapsed
			return decision
		}
		b.state = HalfOpen
		b.probing = true
		return models.Allowed(c.Name())
	case HalfOpen:
		if b.probing {
			decision := models.Denied(c.Name(), models.KindServiceUnavailable,
				fmt.Sprintf("workflow %q circuit is probing", req.Workflow))
			decision.RetryAfter = c.cooldown
			return decision
		}
		b.probing = true
		return models.Allowed(c.Name())
	default:
		return models.Allowed(c.Name())
	}
}

// ReleaseProbe returns the half-open probe slot when an admitted probe ends
// without reaching the executor (cache hit, resolution failure, caller
// disconnect). The circuit stays half-open; a later request probes instead.
func (c *CircuitBreaker) ReleaseProbe(workflow string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.workflows[workflow]; ok && b.state == HalfOpen {
		b.probing = false
	}
}

// RecordSuccess reports a successful execution for the workflow.
func (c *CircuitBreaker) RecordSuccess(workflow string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.workflows[workflow]
	if !ok {
		return
	}
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// RecordFailure reports a failed execution for the workflow, transitioning
// Closed->Open at the threshold and HalfOpen->Open on a failed probe.
func (c *CircuitBreaker) RecordFailure(workflow string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.workflows[workflow]
	if !ok {
		b = &breaker{}
		c.workflows[workflow] = b
	}

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = c.now()
		b.probing = false
	default:
		b.failures++
		if b.failures >= c.threshold {
			b.state = Open
			b.openedAt = c.now()
			b.failures = 0
		}
	}
}

// State returns the current circuit state for a workflow. Used by health
// reporting and tests.
func (c *CircuitBreaker) State(workflow string) BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.workflows[workflow]; ok {
		return b.state
	}
	return Closed
}
