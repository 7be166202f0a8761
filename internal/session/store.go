// Package session owns Session records: creation, lookup, atomic update,
// TTL refresh and expiry. Backends are pluggable behind the Store interface;
// the in-memory store serves single-instance deployments and the Postgres
// store serves multi-instance ones.
package session

import (
	"context"
	"errors"

	"workflow-gateway/backend/pkg/models"
)

// ErrNotFound is returned for unknown or expired session ids. Expiry is
// lazy: a read of an expired session reports ErrNotFound and triggers
// physical deletion.
var ErrNotFound = errors.New("session not found")

// Mutator transforms the state bag of a session in place. It runs while the
// store holds the per-session write serialization, so it must not block.
type Mutator func(state map[string]any)

// Store is the seam between the dispatcher and the session backend.
// Update must be atomic per session id; operations on different sessions
// must not serialize against each other.
type Store interface {
	// Create mints a new session with an empty state bag.
	Create(ctx context.Context, channel models.Channel, metadata map[string]string) (*models.Session, error)
	// Get returns a copy of the session, or ErrNotFound if unknown/expired.
	Get(ctx context.Context, id string) (*models.Session, error)
	// Update applies the mutator atomically and refreshes the TTL.
	Update(ctx context.Context, id string, mutate Mutator) (*models.Session, error)
	// Touch refreshes last_activity_at and recomputes expires_at.
	Touch(ctx context.Context, id string) error
	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// Sweep physically removes expired sessions and reports how many.
	Sweep(ctx context.Context) (int, error)
	// Ping reports backend health.
	Ping(ctx context.Context) error
}
