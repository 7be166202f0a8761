package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-gateway/backend/pkg/models"
)

// Schema creates the sessions table. Applied by EnsureSchema and by tests.
const Schema = `CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	originating_channel TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	state JSONB NOT NULL DEFAULT '{}',
	metadata JSONB NOT NULL DEFAULT '{}',
	version INT NOT NULL DEFAULT 1
)`

// PostgresStore is the PostgreSQL implementation of the Store interface for
// multi-instance deployments. Per-session atomicity uses optimistic
// compare-and-swap on a version column.
type PostgresStore struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

// NewPostgresStore creates a PostgresStore with the given session TTL.
func NewPostgresStore(db *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl}
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// Create mints a new session with an empty state bag.
func (s *PostgresStore) Create(ctx context.Context, channel models.Channel, metadata map[string]string) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:                 uuid.New().String(),
		OriginatingChannel: channel,
		CreatedAt:          now,
		LastActivityAt:     now,
		ExpiresAt:          now.Add(s.ttl),
		State:              map[string]any{},
		Metadata:           metadata,
	}
	meta, err := json.Marshal(metadataOrEmpty(metadata))
	if err != nil {
		return nil, fmt.Errorf("encode session metadata: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO sessions (id, originating_channel, created_at, last_activity_at, expires_at, state, metadata)
		 VALUES ($1, $2, $3, $4, $5, '{}', $6)`,
		sess.ID, string(channel), sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt, meta)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session, deleting it when expired (lazy expiry).
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	sess, _, err := s.scan(ctx, id)
	return sess, err
}

// Update applies the mutator with a compare-and-swap retry loop so concurrent
// writers to the same session serialize; writers to different sessions never
// contend.
func (s *PostgresStore) Update(ctx context.Context, id string, mutate Mutator) (*models.Session, error) {
	for {
		sess, version, err := s.scan(ctx, id)
		if err != nil {
			return nil, err
		}

		mutate(sess.State)
		now := time.Now().UTC()
		sess.LastActivityAt = now
		sess.ExpiresAt = now.Add(s.ttl)

		state, err := json.Marshal(sess.State)
		if err != nil {
			return nil, fmt.Errorf("encode session state: %w", err)
		}
		tag, err := s.db.Exec(ctx,
			`UPDATE sessions SET state = $1, last_activity_at = $2, expires_at = $3, version = version + 1
			 WHERE id = $4 AND version = $5`,
			state, sess.LastActivityAt, sess.ExpiresAt, id, version)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			return sess, nil
		}
		// CAS conflict: another writer got in first. Re-read and retry.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Touch refreshes last_activity_at and recomputes expires_at.
func (s *PostgresStore) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET last_activity_at = $1, expires_at = $2 WHERE id = $3 AND expires_at > $1`,
		now, now.Add(s.ttl), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the session.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// Sweep physically removes expired sessions.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping reports database health.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) scan(ctx context.Context, id string) (*models.Session, int, error) {
	var (
		sess  models.Session
		state []byte
		meta  []byte
		ver   int
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, originating_channel, created_at, last_activity_at, expires_at, state, metadata, version
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.OriginatingChannel, &sess.CreatedAt, &sess.LastActivityAt,
			&sess.ExpiresAt, &state, &meta, &ver)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if sess.Expired(time.Now().UTC()) {
		_, _ = s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
		return nil, 0, ErrNotFound
	}
	if err := json.Unmarshal(state, &sess.State); err != nil {
		return nil, 0, fmt.Errorf("decode session state: %w", err)
	}
	if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
		return nil, 0, fmt.Errorf("decode session metadata: %w", err)
	}
	return &sess, ver, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
