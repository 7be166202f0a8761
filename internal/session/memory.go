package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"workflow-gateway/backend/pkg/models"
)

// entry wraps one stored session with its own lock so read-modify-write
// cycles serialize per session id, never across sessions.
type entry struct {
	mu      sync.Mutex
	session *models.Session
}

// MemoryStore is the in-process Store used in single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore with the given session TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Create mints a new session with an empty state bag.
func (m *MemoryStore) Create(ctx context.Context, channel models.Channel, metadata map[string]string) (*models.Session, error) {
	now := m.now().UTC()
	s := &models.Session{
		ID:                 uuid.New().String(),
		OriginatingChannel: channel,
		CreatedAt:          now,
		LastActivityAt:     now,
		ExpiresAt:          now.Add(m.ttl),
		State:              map[string]any{},
		Metadata:           metadata,
	}

	m.mu.Lock()
	m.entries[s.ID] = &entry{session: s}
	m.mu.Unlock()

	return clone(s), nil
}

// Get returns a copy of the session, applying lazy expiry.
func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	e, err := m.live(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Expired(m.now().UTC()) {
		m.remove(id)
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Update applies the mutator under the per-session lock and refreshes the TTL.
func (m *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (*models.Session, error) {
	e, err := m.live(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := m.now().UTC()
	if e.session.Expired(now) {
		m.remove(id)
		return nil, ErrNotFound
	}
	mutate(e.session.State)
	e.session.LastActivityAt = now
	e.session.ExpiresAt = now.Add(m.ttl)
	return clone(e.session), nil
}

// Touch refreshes last_activity_at and recomputes expires_at.
func (m *MemoryStore) Touch(ctx context.Context, id string) error {
	_, err := m.Update(ctx, id, func(map[string]any) {})
	return err
}

// Delete removes the session.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.remove(id)
	return nil
}

// Sweep physically removes expired sessions.
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()

	m.mu.RLock()
	candidates := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		candidates[id] = e
	}
	m.mu.RUnlock()

	removed := 0
	for id, e := range candidates {
		e.mu.Lock()
		dead := e.session.Expired(now)
		e.mu.Unlock()
		if dead {
			m.remove(id)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds for the in-process store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// StartSweeper runs periodic housekeeping until the context is cancelled.
func (m *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = m.Sweep(ctx)
			}
		}
	}()
}

func (m *MemoryStore) live(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) remove(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

func clone(s *models.Session) *models.Session {
	out := *s
	out.State = s.CloneState()
	return &out
}
