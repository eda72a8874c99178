package entityloader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/repository/memstore"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*memstore.Store, *versioning.Registry, []domain.Entity) {
	t.Helper()
	registry := versioning.NewRegistry()
	_, err := registry.Register(domain.EntityType{
		Name:   "author",
		Fields: []domain.FieldDefinition{{Name: "name", Kind: domain.FieldKindScalar}},
	})
	require.NoError(t, err)

	store := memstore.New()
	var authors []domain.Entity
	for _, name := range []string{"Herbert", "Le Guin", "Butler"} {
		author, err := store.Entities().Create(context.Background(), domain.NewEntity("author", map[string]any{"name": name}))
		require.NoError(t, err)
		authors = append(authors, author)
	}
	return store, registry, authors
}

func TestEntitiesKeepKeyOrder(t *testing.T) {
	store, registry, authors := setup(t)
	loaders := New(store, registry, WithWait(time.Millisecond))

	got, err := loaders.Entities(context.Background(), "author", []int64{authors[2].ID, authors[0].ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Butler", got[0].Properties["name"])
	assert.Equal(t, "Herbert", got[1].Properties["name"])
}

func TestConcurrentLoadsShareOneQuery(t *testing.T) {
	store, registry, authors := setup(t)
	loaders := New(store, registry, WithWait(20*time.Millisecond))
	store.ResetQueryCount()

	var wg sync.WaitGroup
	for _, author := range authors {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := loaders.Entity(context.Background(), "author", id)
			assert.NoError(t, err)
		}(author.ID)
	}
	wg.Wait()

	assert.Equal(t, int64(1), store.QueryCount())

	// cached
	_, err := loaders.Entities(context.Background(), "author", []int64{authors[0].ID, authors[1].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.QueryCount())
}

func TestMissingIDFailsWholeBatch(t *testing.T) {
	store, registry, authors := setup(t)
	loaders := New(store, registry, WithWait(time.Millisecond))

	_, err := loaders.Entities(context.Background(), "author", []int64{authors[0].ID, 404})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingReference)
}

func TestNames(t *testing.T) {
	store, registry, authors := setup(t)
	loaders := New(store, registry, WithWait(time.Millisecond))

	names, err := loaders.Names(context.Background(), "author", []int64{authors[0].ID, authors[1].ID})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{authors[0].ID: "Herbert", authors[1].ID: "Le Guin"}, names)
}

func TestPrimedVersionsSkipTheStore(t *testing.T) {
	store, registry, _ := setup(t)
	loaders := New(store, registry, WithWait(time.Millisecond))
	store.ResetQueryCount()

	loaders.PrimeVersions(context.Background(), domain.Version{ID: 7, EternalID: 1, EntityType: "author"})
	versions, err := loaders.Versions(context.Background(), "author", []int64{7})
	require.NoError(t, err)
	assert.Equal(t, int64(1), versions[0].EternalID)
	assert.Equal(t, int64(0), store.QueryCount())
}

func TestContextRoundTrip(t *testing.T) {
	store, registry, _ := setup(t)
	loaders := New(store, registry)

	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	got, ok := FromContext(WithLoaders(context.Background(), loaders))
	require.True(t, ok)
	assert.Same(t, loaders, got)
}
