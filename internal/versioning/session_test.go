package versioning

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditSessionReset(t *testing.T) {
	session := NewEditSession()
	session.markCoalescing("book", 1, 10)
	session.markCoalescing("book", 2, 11)
	session.setBaseline("book", 1, "authors", []int64{3})

	baseline, ok := session.Baseline("book", 1, "authors")
	require.True(t, ok)
	assert.Equal(t, []int64{3}, baseline)

	session.Reset("book", 1)
	assert.False(t, session.IsCoalescing("book", 1))
	_, ok = session.Baseline("book", 1, "authors")
	assert.False(t, ok)
	assert.True(t, session.IsCoalescing("book", 2))

	session.ResetAll()
	assert.False(t, session.IsCoalescing("book", 2))
}

func TestEditSessionContext(t *testing.T) {
	_, ok := SessionFromContext(context.Background())
	assert.False(t, ok)

	editor := uuid.New()
	session := NewEditSession(WithEditor(editor))
	got, ok := SessionFromContext(ContextWithSession(context.Background(), session))
	require.True(t, ok)
	assert.Same(t, session, got)
	assert.Equal(t, editor, *got.EditorID)

	assert.Nil(t, NewEditSession(WithEditor(uuid.Nil)).EditorID)
}
