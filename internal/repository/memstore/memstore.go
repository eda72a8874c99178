// Package memstore is an in-memory, transactional implementation of the
// repository interfaces. Every repository call counts as one query.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/repository"

	"github.com/google/uuid"
)

type memoryState struct {
	nextEntityID  int64
	nextVersionID int64
	entities      map[int64]domain.Entity
	versions      map[int64]domain.Version
	editors       map[uuid.UUID]domain.Editor
}

func newMemoryState() *memoryState {
	return &memoryState{
		entities: map[int64]domain.Entity{},
		versions: map[int64]domain.Version{},
		editors:  map[uuid.UUID]domain.Editor{},
	}
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		nextEntityID:  s.nextEntityID,
		nextVersionID: s.nextVersionID,
		entities:      make(map[int64]domain.Entity, len(s.entities)),
		versions:      make(map[int64]domain.Version, len(s.versions)),
		editors:       make(map[uuid.UUID]domain.Editor, len(s.editors)),
	}
	for id, entity := range s.entities {
		out.entities[id] = entity.Clone()
	}
	for id, version := range s.versions {
		out.versions[id] = version.Clone()
	}
	for id, editor := range s.editors {
		out.editors[id] = editor
	}
	return out
}

type database struct {
	mu      sync.Mutex
	state   *memoryState
	queries atomic.Int64
	now     func() time.Time
}

// Store is the in-memory repository.Store.
type Store struct {
	db   *database
	inTx bool
}

var _ repository.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*database)

// WithClock overrides the clock used for entity timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *database) {
		d.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	d := &database{state: newMemoryState(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return &Store{db: d}
}

func (s *Store) Entities() repository.EntityRepository  { return &entityRepository{store: s} }
func (s *Store) Versions() repository.VersionRepository { return &versionRepository{store: s} }
func (s *Store) Editors() repository.EditorRepository   { return &editorRepository{store: s} }

// WithTx runs fn while holding the store lock and restores the previous state
// when fn fails or panics.
func (s *Store) WithTx(ctx context.Context, fn func(repository.Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	backup := s.db.state.clone()
	defer func() {
		if p := recover(); p != nil {
			s.db.state = backup
			panic(p)
		}
	}()

	if err := fn(&Store{db: s.db, inTx: true}); err != nil {
		s.db.state = backup
		return err
	}
	return nil
}

// QueryCount returns the number of repository calls since the last reset.
func (s *Store) QueryCount() int64 {
	return s.db.queries.Load()
}

// ResetQueryCount zeroes the query counter.
func (s *Store) ResetQueryCount() {
	s.db.queries.Store(0)
}

// query counts one repository call and locks the state unless the caller
// already holds it through WithTx. The returned func releases the lock.
func (s *Store) query() (*memoryState, func()) {
	s.db.queries.Add(1)
	if s.inTx {
		return s.db.state, func() {}
	}
	s.db.mu.Lock()
	return s.db.state, s.db.mu.Unlock
}
