package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository/memstore"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/stretchr/testify/require"
)

var (
	publisherType = domain.EntityType{
		Name:          "publisher",
		Fields:        []domain.FieldDefinition{{Name: "name", Kind: domain.FieldKindScalar}},
		DisplayFields: []string{"name"},
	}
	authorType = domain.EntityType{
		Name:          "author",
		Fields:        []domain.FieldDefinition{{Name: "name", Kind: domain.FieldKindScalar}},
		DisplayFields: []string{"name"},
	}
	bookType = domain.EntityType{
		Name:        "book",
		VerboseName: "Book",
		Fields: []domain.FieldDefinition{
			{Name: "id", Kind: domain.FieldKindIdentity},
			{Name: "title", Kind: domain.FieldKindScalar},
			{Name: "blurb", Kind: domain.FieldKindScalar, Nullable: true},
			{Name: "publisher", Kind: domain.FieldKindForeignKey, RelatedType: "publisher", OnDelete: domain.OnDeleteSetNull},
			{Name: "authors", Kind: domain.FieldKindManyToMany, RelatedType: "author"},
		},
		DisplayFields: []string{"title"},
	}
)

type fixture struct {
	store    *memstore.Store
	registry *versioning.Registry
	tracker  *versioning.Tracker
	service  *Service
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	registry := versioning.NewRegistry()
	for _, entityType := range []domain.EntityType{publisherType, authorType, bookType} {
		_, err := registry.Register(entityType)
		require.NoError(t, err)
	}
	store := memstore.New()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithLoaderWait(10 * time.Millisecond)}, opts...)
	return &fixture{
		store:    store,
		registry: registry,
		tracker:  versioning.NewTracker(store, registry, logger.Nop(), versioning.WithClock(clock.Now)),
		service:  NewService(store, registry, logger.Nop(), opts...),
	}
}

func (f *fixture) create(t *testing.T, entityType string, props map[string]any) domain.Entity {
	t.Helper()
	entity, _, err := f.tracker.Create(context.Background(), versioning.NewEditSession(), domain.NewEntity(entityType, props))
	require.NoError(t, err)
	return entity
}

// edit replaces properties in a fresh session so the edit appends a version.
func (f *fixture) edit(t *testing.T, ctx context.Context, entity domain.Entity, props map[string]any) (domain.Entity, domain.Version) {
	t.Helper()
	entity.Properties = props
	updated, version, err := f.tracker.Update(ctx, versioning.NewEditSession(), entity)
	require.NoError(t, err)
	return updated, version
}
