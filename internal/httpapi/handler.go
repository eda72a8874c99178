// Package httpapi exposes entity writes, changelog pages and snapshot
// comparisons as a small JSON API.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/chronicle/internal/changelog"
	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/google/uuid"
)

type Handler struct {
	store   repository.Store
	tracker *versioning.Tracker
	service *changelog.Service
	log     *logger.Logger
	mux     *http.ServeMux
}

func NewHandler(store repository.Store, tracker *versioning.Tracker, service *changelog.Service, log *logger.Logger) http.Handler {
	h := &Handler{store: store, tracker: tracker, service: service, log: logger.OrNop(log), mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /changelog", h.handleChangelog)
	h.mux.HandleFunc("GET /changelog.xlsx", h.handleExport)
	h.mux.HandleFunc("POST /comparisons", h.handleComparisons)
	h.mux.HandleFunc("GET /diff/{type}", h.handleUnifiedDiff)
	h.mux.HandleFunc("POST /entities/{type}", h.handleCreate)
	h.mux.HandleFunc("PATCH /entities/{type}/{id}", h.handleUpdate)
	h.mux.HandleFunc("DELETE /entities/{type}/{id}", h.handleDelete)
	h.mux.HandleFunc("POST /entities/{type}/{id}/members/{field}", h.handleMembers)
	h.mux.HandleFunc("GET /entities/{type}/current", h.handleCurrent)
	h.mux.HandleFunc("GET /entities/{type}/{id}/versions", h.handleHistory)
	h.mux.HandleFunc("GET /entities/{type}/{id}/versions/{version}", h.handleReconstruct)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type entityPayload struct {
	Properties   map[string]any     `json:"properties"`
	Members      map[string][]int64 `json:"members"`
	BusinessDate *time.Time         `json:"businessDate"`
}

type membersPayload struct {
	Add          []int64    `json:"add"`
	Remove       []int64    `json:"remove"`
	Set          []int64    `json:"set"`
	BusinessDate *time.Time `json:"businessDate"`
}

type comparisonPayload struct {
	Pairs []domain.PairQuery `json:"pairs"`
}

type entityResponse struct {
	Entity  domain.Entity   `json:"entity"`
	Version *domain.Version `json:"version,omitempty"`
}

func (h *Handler) handleChangelog(w http.ResponseWriter, r *http.Request) {
	params, err := parseChangelogParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, err := h.service.GetChangelogPage(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	params, err := parseChangelogParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var buf bytes.Buffer
	if err := h.service.ExportXLSX(r.Context(), params, &buf); err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="changelog.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

func (h *Handler) handleComparisons(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload comparisonPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	comparisons, err := h.service.GetArbitraryComparison(r.Context(), payload.Pairs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comparisons)
}

func (h *Handler) handleUnifiedDiff(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	left, err := optionalID(query.Get("left"))
	if err != nil {
		http.Error(w, "left must be a version id", http.StatusBadRequest)
		return
	}
	right, err := optionalID(query.Get("right"))
	if err != nil {
		http.Error(w, "right must be a version id", http.StatusBadRequest)
		return
	}
	text, err := h.service.UnifiedDiff(r.Context(), r.PathValue("type"), left, right)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeEntityPayload(w, r)
	if !ok {
		return
	}
	entity := domain.NewEntity(r.PathValue("type"), payload.Properties)
	for field, ids := range payload.Members {
		entity.Members[field] = ids
	}
	created, version, err := h.tracker.Create(r.Context(), session(r, payload.BusinessDate), entity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entityResponse{Entity: created, Version: &version})
}

// handleUpdate merges the given properties over the stored ones.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payload, ok := decodeEntityPayload(w, r)
	if !ok {
		return
	}
	existing, err := h.store.Entities().GetByID(r.Context(), r.PathValue("type"), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	for key, value := range payload.Properties {
		existing.Properties[key] = value
	}
	updated, version, err := h.tracker.Update(r.Context(), session(r, payload.BusinessDate), existing)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityResponse{Entity: updated, Version: &version})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.tracker.Delete(r.Context(), session(r, nil), r.PathValue("type"), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	defer r.Body.Close()
	var payload membersPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if payload.Set != nil && (len(payload.Add) > 0 || len(payload.Remove) > 0) {
		http.Error(w, "set cannot be combined with add or remove", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	entityType, field := r.PathValue("type"), r.PathValue("field")
	edit := session(r, payload.BusinessDate)
	var (
		entity domain.Entity
		err    error
	)
	switch {
	case payload.Set != nil:
		entity, err = h.tracker.SetMembers(ctx, edit, entityType, id, field, payload.Set)
	case len(payload.Add) == 0 && len(payload.Remove) == 0:
		entity, err = h.store.Entities().GetByID(ctx, entityType, id)
	default:
		entity, err = h.changeMembers(r, edit, entityType, id, field, payload)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityResponse{Entity: entity})
}

// changeMembers applies additions then removals within one edit session, so
// both land in the same version.
func (h *Handler) changeMembers(r *http.Request, edit *versioning.EditSession, entityType string, id int64, field string, payload membersPayload) (domain.Entity, error) {
	var (
		entity domain.Entity
		err    error
	)
	if len(payload.Add) > 0 {
		if entity, err = h.tracker.AddMembers(r.Context(), edit, entityType, id, field, payload.Add); err != nil {
			return domain.Entity{}, err
		}
	}
	if len(payload.Remove) > 0 {
		if entity, err = h.tracker.RemoveMembers(r.Context(), edit, entityType, id, field, payload.Remove); err != nil {
			return domain.Entity{}, err
		}
	}
	return entity, nil
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	versions, err := h.tracker.History(r.Context(), r.PathValue("type"), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// handleCurrent returns the most recent version of every entity in ?ids=.
func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	raw := splitValues(r.URL.Query()["ids"])
	ids := make([]int64, 0, len(raw))
	for _, value := range raw {
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			http.Error(w, "ids must be integers", http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}
	versions, err := h.tracker.CurrentVersions(r.Context(), r.PathValue("type"), ids)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	versionID, ok := pathID(w, r, "version")
	if !ok {
		return
	}
	entity, err := h.tracker.Reconstruct(r.Context(), r.PathValue("type"), versionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entity.ID != id {
		http.Error(w, "version does not belong to this entity", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case domain.IsInvalidQuery(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// session returns the request's edit session, or a fresh backdated one when
// a business date is given.
func session(r *http.Request, businessDate *time.Time) *versioning.EditSession {
	if businessDate != nil {
		return versioning.NewEditSession(versioning.WithBusinessDate(*businessDate))
	}
	if current, ok := versioning.SessionFromContext(r.Context()); ok {
		return current
	}
	return versioning.NewEditSession()
}

func decodeEntityPayload(w http.ResponseWriter, r *http.Request) (entityPayload, bool) {
	defer r.Body.Close()
	var payload entityPayload
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return entityPayload{}, false
	}
	if payload.Properties == nil {
		payload.Properties = map[string]any{}
	}
	return payload, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, fmt.Sprintf("invalid %s", name), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func optionalID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func parseChangelogParams(r *http.Request) (changelog.ConsecutiveParams, error) {
	query := r.URL.Query()
	var params changelog.ConsecutiveParams

	for _, opt := range []struct {
		key    string
		target *int
	}{{"page", &params.Page}, {"pageSize", &params.PageSize}} {
		if raw := strings.TrimSpace(query.Get(opt.key)); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil {
				return params, fmt.Errorf("%s must be an integer", opt.key)
			}
			*opt.target = value
		}
	}

	params.Types = splitValues(query["type"])
	for _, raw := range splitValues(query["field"]) {
		entityType, field, ok := strings.Cut(raw, ".")
		if !ok || entityType == "" || field == "" {
			return params, fmt.Errorf("field %q must look like type.field", raw)
		}
		if params.FieldsByType == nil {
			params.FieldsByType = map[string][]string{}
		}
		params.FieldsByType[entityType] = append(params.FieldsByType[entityType], field)
	}
	for _, raw := range splitValues(query["editor"]) {
		id, err := uuid.Parse(raw)
		if err != nil {
			return params, fmt.Errorf("invalid editor: %v", err)
		}
		params.EditorIDs = append(params.EditorIDs, id)
	}

	var err error
	if params.ExcludeCreations, err = parseBool(query.Get("excludeCreations")); err != nil {
		return params, err
	}
	if params.OnlyCreations, err = parseBool(query.Get("onlyCreations")); err != nil {
		return params, err
	}
	if params.StartDate, err = parseTime(query.Get("start")); err != nil {
		return params, err
	}
	if params.EndDate, err = parseTime(query.Get("end")); err != nil {
		return params, err
	}
	if raw := strings.TrimSpace(query.Get("entityId")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, fmt.Errorf("entityId must be an integer")
		}
		params.EntityID = &id
	}
	return params, nil
}

func splitValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func parseBool(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", raw)
	}
	return value, nil
}

func parseTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %v", raw, err)
	}
	return &value, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
