package versioning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entityKey struct {
	entityType string
	id         int64
}

// EditSession scopes one logical edit, typically one request. Within a
// session the first write to an entity appends a version and every later
// write amends that same version until Reset is called.
type EditSession struct {
	ID uuid.UUID
	// EditorID is stamped on every version the session writes.
	EditorID *uuid.UUID
	// BusinessDate backdates the versions the session appends.
	BusinessDate *time.Time

	mu         sync.Mutex
	coalescing map[entityKey]int64
	baselines  map[entityKey]map[string][]int64
}

// SessionOption configures an EditSession.
type SessionOption func(*EditSession)

// WithEditor attributes the session's versions to an editor.
func WithEditor(id uuid.UUID) SessionOption {
	return func(s *EditSession) {
		if id != uuid.Nil {
			s.EditorID = &id
		}
	}
}

// WithBusinessDate backdates the session's versions.
func WithBusinessDate(at time.Time) SessionOption {
	return func(s *EditSession) {
		s.BusinessDate = &at
	}
}

// NewEditSession starts a session with no pending state.
func NewEditSession(opts ...SessionOption) *EditSession {
	s := &EditSession{
		ID:         uuid.New(),
		coalescing: map[entityKey]int64{},
		baselines:  map[entityKey]map[string][]int64{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsCoalescing reports whether writes to the entity amend its pending version.
func (s *EditSession) IsCoalescing(entityType string, id int64) bool {
	_, ok := s.pendingVersion(entityType, id)
	return ok
}

func (s *EditSession) pendingVersion(entityType string, id int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versionID, ok := s.coalescing[entityKey{entityType, id}]
	return versionID, ok
}

func (s *EditSession) markCoalescing(entityType string, id, versionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coalescing[entityKey{entityType, id}] = versionID
}

// Baseline returns the pending many-to-many baseline of one field.
func (s *EditSession) Baseline(entityType string, id int64, field string) ([]int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.baselines[entityKey{entityType, id}][field]
	if !ok {
		return nil, false
	}
	return append([]int64{}, ids...), true
}

func (s *EditSession) setBaseline(entityType string, id int64, field string, ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey{entityType, id}
	if s.baselines[key] == nil {
		s.baselines[key] = map[string][]int64{}
	}
	s.baselines[key][field] = append([]int64{}, ids...)
}

// sessionState is a copy of the pending state, taken before a transaction so
// a rolled back write leaves the session as it was.
type sessionState struct {
	coalescing map[entityKey]int64
	baselines  map[entityKey]map[string][]int64
}

func (s *EditSession) checkpoint() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := sessionState{
		coalescing: make(map[entityKey]int64, len(s.coalescing)),
		baselines:  make(map[entityKey]map[string][]int64, len(s.baselines)),
	}
	for key, versionID := range s.coalescing {
		state.coalescing[key] = versionID
	}
	for key, fields := range s.baselines {
		copied := make(map[string][]int64, len(fields))
		for field, ids := range fields {
			copied[field] = append([]int64{}, ids...)
		}
		state.baselines[key] = copied
	}
	return state
}

func (s *EditSession) restore(state sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coalescing = state.coalescing
	s.baselines = state.baselines
}

// Reset clears the coalescing flag and every baseline of one entity, so the
// next write appends a fresh version.
func (s *EditSession) Reset(entityType string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey{entityType, id}
	delete(s.coalescing, key)
	delete(s.baselines, key)
}

// ResetAll clears the pending state of every entity.
func (s *EditSession) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coalescing = map[entityKey]int64{}
	s.baselines = map[entityKey]map[string][]int64{}
}

type sessionKey struct{}

// ContextWithSession attaches an edit session to the context.
func ContextWithSession(ctx context.Context, session *EditSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext returns the request's edit session, if any.
func SessionFromContext(ctx context.Context) (*EditSession, bool) {
	if ctx == nil {
		return nil, false
	}
	session, ok := ctx.Value(sessionKey{}).(*EditSession)
	return session, ok && session != nil
}
