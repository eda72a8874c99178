package versioning

import (
	"testing"

	"github.com/rpattn/chronicle/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMirrorsLiveFields(t *testing.T) {
	registry := NewRegistry()
	schema, err := registry.Register(bookType)
	require.NoError(t, err)

	assert.Equal(t, domain.FieldKindEternal, schema.Eternal.Kind)
	assert.Equal(t, "book", schema.Eternal.RelatedType)
	assert.Equal(t, domain.VersionsRelationName, schema.Eternal.RelatedName)
	assert.Equal(t, domain.OnDeleteCascade, schema.Eternal.OnDelete)

	names := make([]string, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		names = append(names, field.Name)
	}
	assert.Equal(t, []string{"title", "status", "publisher"}, names)

	publisher, ok := schema.Field("publisher")
	require.True(t, ok)
	assert.Equal(t, domain.FieldKindForeignKey, publisher.Kind)
	assert.True(t, publisher.Nullable)
	assert.Equal(t, domain.OnDeleteSetNull, publisher.OnDelete)

	status, ok := schema.Field("status")
	require.True(t, ok)
	assert.Len(t, status.Choices, 2, "choices survive mirroring")

	require.Len(t, schema.ManyToMany, 1)
	assert.Equal(t, "authors", schema.ManyToMany[0].Name)
	assert.Equal(t, []int64{}, schema.ManyToMany[0].Default)
}

func TestRegisterDropsUniqueness(t *testing.T) {
	schema, err := NewRegistry().Register(authorType)
	require.NoError(t, err)

	name, ok := schema.Field("name")
	require.True(t, ok)
	assert.False(t, name.Unique)
}

func TestRegisterConfigurationErrors(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Register(authorType)
	require.NoError(t, err)

	_, err = registry.Register(authorType)
	assert.True(t, domain.IsConfigurationError(err), "duplicate mirroring")

	_, err = registry.Register(domain.EntityType{})
	assert.True(t, domain.IsConfigurationError(err), "missing live type")

	_, err = registry.Register(domain.EntityType{
		Name:   "orphan",
		Fields: []domain.FieldDefinition{{Name: "owner", Kind: domain.FieldKindForeignKey}},
	})
	assert.True(t, domain.IsConfigurationError(err), "relation without target")

	_, err = registry.Register(domain.EntityType{
		Name:   "chapter",
		Fields: []domain.FieldDefinition{{Name: "book", Kind: domain.FieldKindForeignKey, RelatedType: "book", OnDelete: domain.OnDeleteCascade}},
	})
	assert.True(t, domain.IsConfigurationError(err), "cascading live reference")

	_, err = registry.Register(bookType, WithTrackedFields("subtitle"))
	assert.True(t, domain.IsConfigurationError(err), "unknown tracked field")
}

func TestRegisterTrackingOptions(t *testing.T) {
	schema, err := NewRegistry().Register(bookType, WithTrackedFields("title"), WithTrackedManyToMany())
	require.NoError(t, err)

	require.Len(t, schema.Fields, 1)
	assert.Equal(t, "title", schema.Fields[0].Name)
	assert.Empty(t, schema.ManyToMany)
}

func TestRegistryLookups(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []string{"author", "book", "contract", "publisher"}, f.registry.Types())

	_, err := f.registry.Schema("movie")
	assert.True(t, domain.IsInvalidQuery(err))

	_, err = f.registry.Field("book", "subtitle")
	assert.True(t, domain.IsInvalidQuery(err))

	field, err := f.registry.Field("book", "authors")
	require.NoError(t, err)
	assert.Equal(t, domain.FieldKindManyToMany, field.Kind)

	live := f.registry.LiveReferences("author")
	require.Len(t, live, 1)
	assert.Equal(t, "contract", live[0].EntityType)

	versions := f.registry.VersionReferences("author")
	require.Len(t, versions, 2)
	assert.Equal(t, "book", versions[0].EntityType)
	assert.Equal(t, "authors", versions[0].Field.Name)
	assert.Equal(t, "contract", versions[1].EntityType)
}

func TestRegistryValidate(t *testing.T) {
	f := newFixture(t)

	err := f.registry.Validate(domain.NewEntity("book", map[string]any{"subtitle": "x"}))
	assert.True(t, domain.IsInvalidQuery(err))

	err = f.registry.Validate(domain.NewEntity("book", map[string]any{"status": "zzz"}))
	assert.True(t, domain.IsInvalidQuery(err))

	book := domain.NewEntity("book", map[string]any{"title": "Dune"})
	book.Members["editors"] = []int64{1}
	assert.True(t, domain.IsInvalidQuery(f.registry.Validate(book)))

	assert.NoError(t, f.registry.Validate(domain.NewEntity("book", map[string]any{"title": "Dune", "status": "p"})))
}
