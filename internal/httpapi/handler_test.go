package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/chronicle/internal/changelog"
	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/middleware"
	"github.com/rpattn/chronicle/internal/repository/memstore"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	store   *memstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := versioning.NewRegistry()
	registry.MustRegister(domain.EntityType{
		Name:          "author",
		Fields:        []domain.FieldDefinition{{Name: "name", Kind: domain.FieldKindScalar}},
		DisplayFields: []string{"name"},
	})
	registry.MustRegister(domain.EntityType{
		Name: "book",
		Fields: []domain.FieldDefinition{
			{Name: "title", Kind: domain.FieldKindScalar},
			{Name: "authors", Kind: domain.FieldKindManyToMany, RelatedType: "author"},
		},
		DisplayFields: []string{"title"},
	})

	store := memstore.New()
	log := logger.Nop()
	tracker := versioning.NewTracker(store, registry, log)
	service := changelog.NewService(store, registry, log)

	var handler http.Handler = NewHandler(store, tracker, service, log)
	handler = middleware.DataLoaderMiddleware(store, registry)(handler)
	handler = middleware.EditorMiddleware(store.Editors(), log)(handler)
	return &testServer{handler: handler, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createEntity(t *testing.T, entityType string, props map[string]any) domain.Entity {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/entities/"+entityType, map[string]any{"properties": props})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp entityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Entity
}

func TestEntityLifecycleProducesChangelog(t *testing.T) {
	s := newTestServer(t)
	editor := uuid.New()
	author := s.createEntity(t, "author", map[string]any{"name": "Herbert"})
	book := s.createEntity(t, "book", map[string]any{"title": "Dune"})

	rec := s.do(t, http.MethodPatch, fmt.Sprintf("/entities/book/%d", book.ID),
		map[string]any{"properties": map[string]any{"title": "Dune Messiah"}},
		middleware.EditorIDHeader, editor.String(), middleware.EditorNameHeader, "Ada")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/entities/book/%d/members/authors", book.ID),
		map[string]any{"add": []int64{author.ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/entities/book/%d/versions", book.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []domain.Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 3, "each request is its own edit session")
	assert.Equal(t, "Dune Messiah", versions[0].Values["title"])
	assert.Equal(t, []int64{author.ID}, versions[0].Relations["authors"])

	rec = s.do(t, http.MethodGet, "/changelog?type=book&pageSize=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page changelog.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.TotalCount)
	assert.True(t, page.HasNextPage)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "authors", page.Entries[0].Diffs[0].Field)
	require.NotNil(t, page.Entries[1].Editor)
	assert.Equal(t, "Ada", page.Entries[1].Editor.Name)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/entities/book/current?ids=%d,%d", book.ID, author.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var current []domain.Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	require.Len(t, current, 1)
	assert.Equal(t, versions[0].ID, current[0].ID)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/changelog?editor=%s", editor), nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.TotalCount)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/diff/book?left=%d&right=%d", versions[2].ID, versions[1].ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `+  title: "Dune Messiah"`)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/entities/book/%d/versions/%d", book.ID, versions[2].ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var original domain.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &original))
	assert.Equal(t, "Dune", original.Properties["title"])
}

func TestMembersInOneRequestShareAVersion(t *testing.T) {
	s := newTestServer(t)
	first := s.createEntity(t, "author", map[string]any{"name": "Pratchett"})
	second := s.createEntity(t, "author", map[string]any{"name": "Gaiman"})
	book := s.createEntity(t, "book", map[string]any{"title": "Good Omens"})

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/entities/book/%d/members/authors", book.ID),
		map[string]any{"add": []int64{first.ID, second.ID}, "remove": []int64{first.ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/entities/book/%d/versions", book.ID), nil)
	var versions []domain.Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, []int64{second.ID}, versions[0].Relations["authors"])

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/entities/book/%d/members/authors", book.ID),
		map[string]any{"set": []int64{first.ID}, "add": []int64{second.ID}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComparisonsEndpoint(t *testing.T) {
	s := newTestServer(t)
	book := s.createEntity(t, "book", map[string]any{"title": "Dune"})
	asOf := time.Now().Add(time.Hour)

	rec := s.do(t, http.MethodPost, "/comparisons", map[string]any{
		"pairs": []map[string]any{{
			"entityType": "book",
			"left":       map[string]any{"versionIds": []int64{-1}},
			"right":      map[string]any{"asOf": asOf, "entityIds": []int64{book.ID}},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var comparisons []changelog.Comparison
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &comparisons))
	require.Len(t, comparisons, 1)
	assert.Equal(t, domain.DiffActionCreated, comparisons[0].Diffs[0].Action)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	book := s.createEntity(t, "book", map[string]any{"title": "Dune"})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown type", http.MethodPost, "/entities/magazine", map[string]any{"properties": map[string]any{}}, http.StatusBadRequest},
		{"undeclared field", http.MethodPost, "/entities/book", map[string]any{"properties": map[string]any{"isbn": "1"}}, http.StatusBadRequest},
		{"missing entity", http.MethodPatch, "/entities/book/999", map[string]any{"properties": map[string]any{}}, http.StatusNotFound},
		{"bad id", http.MethodDelete, "/entities/book/abc", nil, http.StatusBadRequest},
		{"contradictory filters", http.MethodGet, "/changelog?onlyCreations=true&excludeCreations=true", nil, http.StatusBadRequest},
		{"malformed field filter", http.MethodGet, "/changelog?field=title", nil, http.StatusBadRequest},
		{"bad editor header", http.MethodGet, "/changelog", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var headers []string
			if tc.name == "bad editor header" {
				headers = []string{middleware.EditorIDHeader, "nope"}
			}
			rec := s.do(t, tc.method, tc.path, tc.body, headers...)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(t, http.MethodDelete, fmt.Sprintf("/entities/book/%d", book.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, fmt.Sprintf("/entities/book/%d/versions", book.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.createEntity(t, "book", map[string]any{"title": "Dune"})

	rec := s.do(t, http.MethodGet, "/changelog.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/vnd.openxmlformats"))
	assert.NotZero(t, rec.Body.Len())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.NewInvalidQueryError("bad")))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("wrapped: %w", domain.ErrNotFound)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&domain.VersioningInvariantError{Reason: "x"}))
}
