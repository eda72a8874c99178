package middleware

import (
	"net/http"
	"strings"

	"github.com/rpattn/chronicle/internal/auth"
	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository"

	"github.com/google/uuid"
)

const (
	EditorIDHeader   = "X-Editor-ID"
	EditorNameHeader = "X-Editor-Name"
)

// EditorMiddleware records who is editing. A request carrying X-Editor-ID has
// that editor upserted and attached to its context; versions written during
// the request are attributed to it.
func EditorMiddleware(editors repository.EditorRepository, log *logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(EditorIDHeader))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil || id == uuid.Nil {
				http.Error(w, "invalid "+EditorIDHeader+" header", http.StatusBadRequest)
				return
			}

			name := strings.TrimSpace(r.Header.Get(EditorNameHeader))
			if name != "" {
				if _, err := editors.Upsert(r.Context(), domain.Editor{ID: id, Name: name}); err != nil {
					log.Error("failed to record editor", "editor_id", id, "error", err)
					http.Error(w, "failed to record editor", http.StatusInternalServerError)
					return
				}
			} else if err := ensureEditor(r, editors, id); err != nil {
				log.Error("failed to record editor", "editor_id", id, "error", err)
				http.Error(w, "failed to record editor", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.ContextWithEditorID(r.Context(), id)))
		})
	}
}

// ensureEditor creates an unnamed editor unless one already exists.
func ensureEditor(r *http.Request, editors repository.EditorRepository, id uuid.UUID) error {
	existing, err := editors.GetByIDs(r.Context(), []uuid.UUID{id})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	_, err = editors.Upsert(r.Context(), domain.Editor{ID: id, Name: id.String()})
	return err
}
