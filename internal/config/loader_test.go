package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rpattn/chronicle/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, loaded, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.False(t, loaded)
	assert.Equal(t, Default(), cfg)
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
database:
  host: db.internal
  port: 6543
changelog:
  page_size: 20
labels:
  empty: "(none)"
server:
  allowed_origins:
    - https://app.example.com
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))
	t.Setenv("CHRONICLE_LOG_MODE", "production")

	cfg, loaded, err := Load(dir)
	require.NoError(t, err)

	assert.True(t, loaded)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, 20, cfg.Changelog.PageSize)
	assert.Equal(t, "(none)", cfg.Labels.Empty)
	assert.Equal(t, "Created", cfg.Labels.Created)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "production", cfg.Log.Mode)
}

func TestLoadEntityTypes(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
types:
  - name: author
    fields:
      - name: name
        kind: scalar
    displayFields: [name]
  - name: book
    verboseName: Book
    fields:
      - name: title
        kind: scalar
      - name: authors
        kind: many_to_many
        relatedType: author
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

	cfg, _, err := Load(dir)
	require.NoError(t, err)

	require.Len(t, cfg.Types, 2)
	assert.Equal(t, "author", cfg.Types[0].Name)
	assert.Equal(t, []string{"name"}, cfg.Types[0].DisplayFields)
	book := cfg.Types[1]
	assert.Equal(t, "Book", book.VerboseName)
	require.Len(t, book.Fields, 2)
	assert.Equal(t, domain.FieldKindManyToMany, book.Fields[1].Kind)
	assert.Equal(t, "author", book.Fields[1].RelatedType)
}
