package versioning

import (
	"testing"
	"time"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository/memstore"

	"github.com/stretchr/testify/require"
)

var (
	authorType = domain.EntityType{
		Name: "author",
		Fields: []domain.FieldDefinition{
			{Name: "id", Kind: domain.FieldKindIdentity},
			{Name: "name", Kind: domain.FieldKindScalar, Unique: true},
		},
	}
	publisherType = domain.EntityType{
		Name: "publisher",
		Fields: []domain.FieldDefinition{
			{Name: "name", Kind: domain.FieldKindScalar},
		},
	}
	bookType = domain.EntityType{
		Name: "book",
		Fields: []domain.FieldDefinition{
			{Name: "id", Kind: domain.FieldKindIdentity},
			{Name: "title", Kind: domain.FieldKindScalar},
			{Name: "status", Kind: domain.FieldKindScalar, Choices: []domain.Choice{{Value: "d", Label: "Draft"}, {Value: "p", Label: "Published"}}},
			{Name: "publisher", Kind: domain.FieldKindForeignKey, RelatedType: "publisher", OnDelete: domain.OnDeleteSetNull},
			{Name: "authors", Kind: domain.FieldKindManyToMany, RelatedType: "author"},
		},
		DisplayFields: []string{"title"},
	}
	contractType = domain.EntityType{
		Name: "contract",
		Fields: []domain.FieldDefinition{
			{Name: "author", Kind: domain.FieldKindForeignKey, RelatedType: "author", OnDelete: domain.OnDeleteProtect},
		},
	}
)

type fixture struct {
	store    *memstore.Store
	registry *Registry
	tracker  *Tracker
	clock    *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := NewRegistry()
	for _, entityType := range []domain.EntityType{authorType, publisherType, bookType, contractType} {
		_, err := registry.Register(entityType)
		require.NoError(t, err)
	}
	store := memstore.New()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	return &fixture{
		store:    store,
		registry: registry,
		tracker:  NewTracker(store, registry, logger.Nop(), WithClock(clock.Now)),
		clock:    clock,
	}
}
