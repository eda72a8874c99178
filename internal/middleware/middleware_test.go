package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpattn/chronicle/internal/auth"
	"github.com/rpattn/chronicle/internal/entityloader"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository/memstore"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	handler := LoggingMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changelog", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/changelog", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
}

func TestEditorMiddleware(t *testing.T) {
	store := memstore.New()
	id := uuid.New()

	var seen uuid.UUID
	handler := EditorMiddleware(store.Editors(), logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.EditorIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/entities/book", nil)
	req.Header.Set(EditorIDHeader, id.String())
	req.Header.Set(EditorNameHeader, "Ada")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, id, seen)

	editors, err := store.Editors().GetByIDs(context.Background(), []uuid.UUID{id})
	require.NoError(t, err)
	require.Len(t, editors, 1)
	assert.Equal(t, "Ada", editors[0].Name)

	// a later request without a name keeps the stored one
	req = httptest.NewRequest(http.MethodPost, "/entities/book", nil)
	req.Header.Set(EditorIDHeader, id.String())
	handler.ServeHTTP(httptest.NewRecorder(), req)
	editors, err = store.Editors().GetByIDs(context.Background(), []uuid.UUID{id})
	require.NoError(t, err)
	assert.Equal(t, "Ada", editors[0].Name)
}

func TestEditorMiddlewareRejectsBadHeader(t *testing.T) {
	handler := EditorMiddleware(memstore.New().Editors(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(EditorIDHeader, "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDataLoaderMiddlewareGivesEachRequestFreshState(t *testing.T) {
	store := memstore.New()
	registry := versioning.NewRegistry()

	var sessions []*versioning.EditSession
	var loaders []*entityloader.Loaders
	handler := DataLoaderMiddleware(store, registry)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := versioning.SessionFromContext(r.Context())
		require.True(t, ok)
		l, ok := entityloader.FromContext(r.Context())
		require.True(t, ok)
		sessions = append(sessions, session)
		loaders = append(loaders, l)
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	require.Len(t, sessions, 2)
	assert.NotSame(t, sessions[0], sessions[1])
	assert.NotSame(t, loaders[0], loaders[1])
}
