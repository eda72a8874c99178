package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/versioning"
)

// Handler exposes imports as a multipart POST endpoint. The entity type is
// read from the {type} path value.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service with a POST endpoint.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	req := Request{
		EntityType: r.PathValue("type"),
		FileName:   header.Filename,
		Data:       file,
	}
	if raw := strings.TrimSpace(r.FormValue("headerRow")); raw != "" {
		index, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "headerRow must be an integer", http.StatusBadRequest)
			return
		}
		req.HeaderRowIndex = &index
	}

	session, ok := versioning.SessionFromContext(r.Context())
	if !ok {
		session = versioning.NewEditSession()
	}

	summary, err := h.service.Import(r.Context(), session, req)
	if err != nil {
		status := http.StatusInternalServerError
		if domain.IsInvalidQuery(err) || errors.Is(err, ErrUnsupportedFormat) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
