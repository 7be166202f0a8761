package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"workflow-gateway/backend/pkg/models"
)

// RateLimiter enforces a per-minute budget per (principal, workflow) key
// using token buckets. Denied requests still consume the reservation
// attempt, so hammering a denied key does not reset its window.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perMinute int
}

// NewRateLimiter creates the stage. A non-positive limit falls back to the
// secure default of 60 requests per minute; there is no "unlimited" setting.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		buckets:   make(map[string]*rate.Limiter),
		perMinute: perMinute,
	}
}

// Name implements Stage.
func (r *RateLimiter) Name() string { return "ratelimit" }

// Evaluate admits the request if its key has budget left in the window.
func (r *RateLimiter) Evaluate(ctx context.Context, req *models.DispatchRequest) models.AdmissionDecision {
	lim := r.bucket(r.key(req))

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		// Keep the reservation consumed: the attempt counts even though the
		// request is denied, preventing bypass via repeated rejections.
		decision := models.Denied(r.Name(), models.KindRateLimited, "rate limit exceeded")
		decision.RetryAfter = delay
		return decision
	}
	return models.Allowed(r.Name())
}

func (r *RateLimiter) key(req *models.DispatchRequest) string {
	principal := req.Principal
	if principal == "" {
		principal = "anonymous:" + string(req.Channel)
	}
	return principal + "|" + req.Workflow
}

func (r *RateLimiter) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.perMinute)), r.perMinute)
		r.buckets[key] = lim
	}
	return lim
}
