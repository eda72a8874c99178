package auth

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const editorIDKey contextKey = "editorID"

// ContextWithEditorID returns a new context that carries the editing user.
func ContextWithEditorID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, editorIDKey, id)
}

// EditorIDFromContext retrieves the editing user from the context, if any.
func EditorIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	value := ctx.Value(editorIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	if !ok {
		return uuid.Nil, false
	}
	if id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
