package versioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/chronicle/internal/auth"
	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) create(t *testing.T, session *EditSession, entityType string, props map[string]any) domain.Entity {
	t.Helper()
	entity, _, err := f.tracker.Create(context.Background(), session, domain.NewEntity(entityType, props))
	require.NoError(t, err)
	return entity
}

func (f *fixture) history(t *testing.T, entity domain.Entity) []domain.Version {
	t.Helper()
	versions, err := f.tracker.History(context.Background(), entity.EntityType, entity.ID)
	require.NoError(t, err)
	return versions
}

func TestCreateRecordsFirstVersion(t *testing.T) {
	f := newFixture(t)
	session := NewEditSession()

	book := f.create(t, session, "book", map[string]any{"title": "Dune"})

	versions := f.history(t, book)
	require.Len(t, versions, 1)
	assert.Equal(t, book.ID, versions[0].EternalID)
	assert.Equal(t, "Dune", versions[0].Values["title"])
	assert.Nil(t, versions[0].Values["publisher"])
	assert.Equal(t, []int64{}, versions[0].Relations["authors"])
	assert.True(t, session.IsCoalescing("book", book.ID))
}

func TestScalarEditsCoalesceWithinSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := NewEditSession()
	book := f.create(t, session, "book", map[string]any{"title": "Dune"})

	book.Properties["title"] = "Dune Messiah"
	_, version, err := f.tracker.Update(ctx, session, book)
	require.NoError(t, err)

	versions := f.history(t, book)
	require.Len(t, versions, 1, "edits in the creating session amend version 1")
	assert.Equal(t, versions[0].ID, version.ID)
	assert.Equal(t, "Dune Messiah", versions[0].Values["title"])

	session.Reset("book", book.ID)
	book.Properties["title"] = "Children of Dune"
	_, _, err = f.tracker.Update(ctx, session, book)
	require.NoError(t, err)

	book.Properties["status"] = "p"
	_, _, err = f.tracker.Update(ctx, session, book)
	require.NoError(t, err)

	versions = f.history(t, book)
	require.Len(t, versions, 2)
	assert.Equal(t, "Children of Dune", versions[0].Values["title"])
	assert.Equal(t, "p", versions[0].Values["status"])
	assert.Equal(t, "Dune Messiah", versions[1].Values["title"])
}

func TestScalarEditThenMembershipChangeCreatesOneVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := NewEditSession()

	r1 := f.create(t, session, "author", map[string]any{"name": "R1"})
	book := f.create(t, session, "book", map[string]any{"title": "name1"})

	session.Reset("book", book.ID)
	book.Properties["title"] = "name2"
	_, _, err := f.tracker.Update(ctx, session, book)
	require.NoError(t, err)
	_, err = f.tracker.AddMembers(ctx, session, "book", book.ID, "authors", []int64{r1.ID})
	require.NoError(t, err)

	versions := f.history(t, book)
	require.Len(t, versions, 2)
	assert.Equal(t, "name2", versions[0].Values["title"])
	assert.Equal(t, []int64{r1.ID}, versions[0].Relations["authors"])
	assert.Equal(t, "name1", versions[1].Values["title"])
	assert.Equal(t, []int64{}, versions[1].Relations["authors"])
}

func TestMembershipChangeWithoutPendingVersionAppendsOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	setup := NewEditSession()
	r1 := f.create(t, setup, "author", map[string]any{"name": "R1"})
	r2 := f.create(t, setup, "author", map[string]any{"name": "R2"})
	book := f.create(t, setup, "book", map[string]any{"title": "Dune"})

	session := NewEditSession()
	_, err := f.tracker.AddMembers(ctx, session, "book", book.ID, "authors", []int64{r1.ID})
	require.NoError(t, err)
	_, err = f.tracker.AddMembers(ctx, session, "book", book.ID, "authors", []int64{r2.ID})
	require.NoError(t, err)
	_, err = f.tracker.RemoveMembers(ctx, session, "book", book.ID, "authors", []int64{r1.ID})
	require.NoError(t, err)

	versions := f.history(t, book)
	require.Len(t, versions, 2)
	assert.Equal(t, []int64{r2.ID}, versions[0].Relations["authors"])
	assert.Equal(t, []int64{}, versions[1].Relations["authors"])

	live, err := f.store.Entities().GetByID(ctx, "book", book.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{r2.ID}, live.MemberIDs("authors"))
}

func TestMembershipOrderIndependence(t *testing.T) {
	run := func(t *testing.T, steps func(f *fixture, session *EditSession, book domain.Entity, r1, r2 domain.Entity)) []int64 {
		f := newFixture(t)
		setup := NewEditSession()
		r1 := f.create(t, setup, "author", map[string]any{"name": "R1"})
		r2 := f.create(t, setup, "author", map[string]any{"name": "R2"})
		book := f.create(t, setup, "book", map[string]any{"title": "Dune"})

		steps(f, NewEditSession(), book, r1, r2)
		versions := f.history(t, book)
		require.Len(t, versions, 2)
		return versions[0].Relations["authors"]
	}

	ctx := context.Background()
	mixed := run(t, func(f *fixture, session *EditSession, book, r1, r2 domain.Entity) {
		_, err := f.tracker.AddMembers(ctx, session, "book", book.ID, "authors", []int64{r1.ID})
		require.NoError(t, err)
		_, err = f.tracker.AddMembers(ctx, session, "book", book.ID, "authors", []int64{r2.ID})
		require.NoError(t, err)
		_, err = f.tracker.RemoveMembers(ctx, session, "book", book.ID, "authors", []int64{r1.ID})
		require.NoError(t, err)
	})
	single := run(t, func(f *fixture, session *EditSession, book, r1, r2 domain.Entity) {
		_, err := f.tracker.AddMembers(ctx, session, "book", book.ID, "authors", []int64{r2.ID})
		require.NoError(t, err)
	})

	assert.Equal(t, single, mixed)
}

func TestSetMembersSharesOneBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	setup := NewEditSession()
	r1 := f.create(t, setup, "author", map[string]any{"name": "R1"})
	r2 := f.create(t, setup, "author", map[string]any{"name": "R2"})
	r3 := f.create(t, setup, "author", map[string]any{"name": "R3"})
	book := f.create(t, setup, "book", map[string]any{"title": "Dune"})
	_, err := f.tracker.AddMembers(ctx, setup, "book", book.ID, "authors", []int64{r1.ID, r2.ID})
	require.NoError(t, err)

	entity, err := f.tracker.SetMembers(ctx, NewEditSession(), "book", book.ID, "authors", []int64{r3.ID, r2.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{r2.ID, r3.ID}, entity.MemberIDs("authors"))

	versions := f.history(t, book)
	require.Len(t, versions, 2)
	assert.Equal(t, []int64{r2.ID, r3.ID}, versions[0].Relations["authors"])
	assert.Equal(t, []int64{r1.ID, r2.ID}, versions[1].Relations["authors"])
}

func TestMembersMustExist(t *testing.T) {
	f := newFixture(t)
	book := f.create(t, nil, "book", map[string]any{"title": "Dune"})

	_, err := f.tracker.AddMembers(context.Background(), nil, "book", book.ID, "authors", []int64{999})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingReference)
	assert.Len(t, f.history(t, book), 1)
}

func TestEditorAndBackdatedBusinessDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	editor, err := f.store.Editors().Upsert(ctx, domain.Editor{Name: "Ada"})
	require.NoError(t, err)

	backdated := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	book := f.create(t, NewEditSession(WithEditor(editor.ID), WithBusinessDate(backdated)), "book", map[string]any{"title": "Dune"})

	versions := f.history(t, book)
	require.Len(t, versions, 1)
	require.NotNil(t, versions[0].EditedByID)
	assert.Equal(t, editor.ID, *versions[0].EditedByID)
	assert.True(t, versions[0].BusinessDate.Equal(backdated))
	assert.True(t, versions[0].SystemDate.After(backdated))

	other, err := f.store.Editors().Upsert(ctx, domain.Editor{ID: uuid.New(), Name: "Grace"})
	require.NoError(t, err)
	book.Properties["title"] = "Dune II"
	_, _, err = f.tracker.Update(auth.ContextWithEditorID(ctx, other.ID), nil, book)
	require.NoError(t, err)

	versions = f.history(t, book)
	require.Len(t, versions, 2)
	assert.Equal(t, other.ID, *versions[0].EditedByID)
}

func TestReconstructionIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.create(t, nil, "book", map[string]any{"title": "Dune"})
	versions := f.history(t, book)

	original, err := f.tracker.Reconstruct(ctx, "book", versions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", original.Properties["title"])

	_, _, err = f.tracker.Update(ctx, nil, original)
	assert.True(t, domain.IsInvariantViolation(err))
}

func TestReferencesAreValidatedAndNormalized(t *testing.T) {
	f := newFixture(t)
	publisher := f.create(t, nil, "publisher", map[string]any{"name": "Chilton"})

	_, _, err := f.tracker.Create(context.Background(), nil, domain.NewEntity("book", map[string]any{"publisher": 404}))
	assert.ErrorIs(t, err, domain.ErrMissingReference)

	book := f.create(t, nil, "book", map[string]any{"title": "Dune", "publisher": float64(publisher.ID)})
	assert.Equal(t, publisher.ID, book.Properties["publisher"])
}

func TestDeleteMaintainsReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publisher := f.create(t, nil, "publisher", map[string]any{"name": "Chilton"})
	author := f.create(t, nil, "author", map[string]any{"name": "Herbert"})
	book := f.create(t, nil, "book", map[string]any{"title": "Dune", "publisher": publisher.ID})
	_, err := f.tracker.AddMembers(ctx, nil, "book", book.ID, "authors", []int64{author.ID})
	require.NoError(t, err)

	require.NoError(t, f.tracker.Delete(ctx, nil, "publisher", publisher.ID))
	live, err := f.store.Entities().GetByID(ctx, "book", book.ID)
	require.NoError(t, err)
	assert.Nil(t, live.Properties["publisher"])
	for _, version := range f.history(t, book) {
		assert.Nil(t, version.Values["publisher"])
	}

	require.NoError(t, f.tracker.Delete(ctx, nil, "author", author.ID))
	for _, version := range f.history(t, book) {
		assert.NotContains(t, version.Relations["authors"], author.ID)
	}
	live, err = f.store.Entities().GetByID(ctx, "book", book.ID)
	require.NoError(t, err)
	assert.Empty(t, live.MemberIDs("authors"))

	_, err = f.tracker.History(ctx, "author", author.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteProtectedReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := f.create(t, nil, "author", map[string]any{"name": "Herbert"})
	f.create(t, nil, "contract", map[string]any{"author": author.ID})

	err := f.tracker.Delete(ctx, nil, "author", author.ID)
	assert.True(t, domain.IsInvalidQuery(err))

	_, err = f.store.Entities().GetByID(ctx, "author", author.ID)
	assert.NoError(t, err)
}

func TestCurrentVersionsBatchesLatestPerEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dune := f.create(t, nil, "book", map[string]any{"title": "Dune"})
	emma := f.create(t, nil, "book", map[string]any{"title": "Emma"})
	author := f.create(t, nil, "author", map[string]any{"name": "Herbert"})

	dune.Properties = map[string]any{"title": "Dune Messiah"}
	_, edited, err := f.tracker.Update(ctx, NewEditSession(), dune)
	require.NoError(t, err)

	f.store.ResetQueryCount()
	versions, err := f.tracker.CurrentVersions(ctx, "book", []int64{emma.ID, dune.ID, author.ID, 999})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.store.QueryCount())
	require.Len(t, versions, 2)
	assert.Equal(t, edited.ID, versions[0].ID)
	assert.Equal(t, "Dune Messiah", versions[0].Values["title"])
	assert.Equal(t, emma.ID, versions[1].EternalID)

	_, err = f.tracker.CurrentVersions(ctx, "magazine", []int64{dune.ID})
	assert.True(t, domain.IsInvalidQuery(err))
}

// flakyStore fails relation writes while *fail is set.
type flakyStore struct {
	repository.Store
	fail *bool
}

func (s flakyStore) Versions() repository.VersionRepository {
	return flakyVersions{VersionRepository: s.Store.Versions(), fail: s.fail}
}

func (s flakyStore) WithTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.Store.WithTx(ctx, func(tx repository.Store) error {
		return fn(flakyStore{Store: tx, fail: s.fail})
	})
}

type flakyVersions struct {
	repository.VersionRepository
	fail *bool
}

func (v flakyVersions) SetRelation(ctx context.Context, versionID int64, field string, ids []int64) error {
	if *v.fail {
		return errors.New("relation write failed")
	}
	return v.VersionRepository.SetRelation(ctx, versionID, field, ids)
}

func TestFailedWriteRestoresSessionState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fail := false
	tracker := NewTracker(flakyStore{Store: f.store, fail: &fail}, f.registry, logger.Nop())

	author, _, err := tracker.Create(ctx, nil, domain.NewEntity("author", map[string]any{"name": "Herbert"}))
	require.NoError(t, err)
	book, _, err := tracker.Create(ctx, nil, domain.NewEntity("book", map[string]any{"title": "Dune"}))
	require.NoError(t, err)

	session := NewEditSession()
	fail = true
	_, err = tracker.AddMembers(ctx, session, "book", book.ID, "authors", []int64{author.ID})
	require.Error(t, err)
	assert.False(t, session.IsCoalescing("book", book.ID))
	_, ok := session.Baseline("book", book.ID, "authors")
	assert.False(t, ok)

	fail = false
	_, err = tracker.AddMembers(ctx, session, "book", book.ID, "authors", []int64{author.ID})
	require.NoError(t, err)
	versions, err := tracker.History(ctx, "book", book.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, []int64{author.ID}, versions[0].Relations["authors"])
	assert.Empty(t, versions[1].RelationIDs("authors"))
}
