package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"prodtrack.io/authcore/internal/auth"
)

var _ auth.SessionStore = (*Sessions)(nil)

// Sessions is an expiring in-process session cache. Expired entries are
// dropped lazily on access.
type Sessions struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]auth.SessionRecord
	down     bool
}

// NewSessions returns an empty cache using clock, or time.Now when nil.
func NewSessions(clock func() time.Time) *Sessions {
	if clock == nil {
		clock = time.Now
	}
	return &Sessions{now: clock, sessions: make(map[string]auth.SessionRecord)}
}

// SetAvailable simulates a cache outage when false.
func (m *Sessions) SetAvailable(up bool) {
	m.mu.Lock()
	m.down = !up
	m.mu.Unlock()
}

func (m *Sessions) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return auth.Unavailable("memory sessions", err)
	}
	if m.down {
		return auth.Unavailable("memory sessions", fmt.Errorf("cache offline"))
	}
	return nil
}

// live must be called with the lock held.
func (m *Sessions) live(id string) (auth.SessionRecord, bool) {
	rec, ok := m.sessions[id]
	if !ok {
		return rec, false
	}
	if !m.now().Before(rec.ExpiresAt) {
		delete(m.sessions, id)
		return rec, false
	}
	return rec, true
}

func (m *Sessions) Create(ctx context.Context, id, userID string, metadata map[string]string, ttl time.Duration) error {
	id, userID = strings.TrimSpace(id), strings.TrimSpace(userID)
	if id == "" || userID == "" {
		return fmt.Errorf("%w: session id and user id are required", auth.ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: session ttl must be positive", auth.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	now := m.now().UTC()
	m.sessions[id] = auth.SessionRecord{ID: id, UserID: userID, Metadata: meta, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

func (m *Sessions) Get(ctx context.Context, id string) (*auth.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := m.live(id)
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	return &rec, nil
}

func (m *Sessions) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	delete(m.sessions, id)
	return nil
}

func (m *Sessions) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for id := range m.sessions {
		rec, ok := m.live(id)
		if ok && rec.UserID == userID {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *Sessions) CountForUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for id := range m.sessions {
		if rec, ok := m.live(id); ok && rec.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *Sessions) Extend(ctx context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	rec, ok := m.live(id)
	if !ok {
		return auth.ErrSessionNotFound
	}
	rec.ExpiresAt = m.now().UTC().Add(ttl)
	m.sessions[id] = rec
	return nil
}

func (m *Sessions) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx)
}
