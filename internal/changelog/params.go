// Package changelog pages through version history and compares arbitrary
// snapshot sets, rendering field diffs for both.
package changelog

import (
	"sort"
	"time"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/google/uuid"
)

// ConsecutiveParams filters a changelog page. Types and FieldsByType select
// what to include; a type may appear in only one of them. An empty selection
// includes every registered type.
type ConsecutiveParams struct {
	Page     int
	PageSize int

	Types []string
	// FieldsByType keeps only versions where one of the listed fields changed.
	FieldsByType map[string][]string

	EditorIDs        []uuid.UUID
	ExcludeCreations bool
	OnlyCreations    bool
	StartDate        *time.Time
	EndDate          *time.Time
	// EntityID restricts the page to one entity's history.
	EntityID *int64
}

func (p ConsecutiveParams) hasFieldSubset() bool {
	for _, fields := range p.FieldsByType {
		if len(fields) > 0 {
			return true
		}
	}
	return false
}

// resolvedParams is a validated ConsecutiveParams.
type resolvedParams struct {
	query    repository.ConsecutiveQuery
	fields   map[string][]domain.FieldDefinition
	page     int
	pageSize int
}

func resolveParams(registry *versioning.Registry, params ConsecutiveParams) (resolvedParams, error) {
	if params.Page < 1 {
		return resolvedParams{}, domain.NewInvalidQueryError("page must be at least 1, got %d", params.Page)
	}
	if params.PageSize < 1 {
		return resolvedParams{}, domain.NewInvalidQueryError("page size must be at least 1, got %d", params.PageSize)
	}
	if params.OnlyCreations && (params.ExcludeCreations || params.hasFieldSubset()) {
		return resolvedParams{}, domain.NewInvalidQueryError("only creations cannot be combined with excluding creations or a field subset")
	}
	if params.StartDate != nil && params.EndDate != nil && params.EndDate.Before(*params.StartDate) {
		return resolvedParams{}, domain.NewInvalidQueryError("end date is before start date")
	}

	resolved := resolvedParams{
		fields:   map[string][]domain.FieldDefinition{},
		page:     params.Page,
		pageSize: params.PageSize,
	}

	plain := map[string]struct{}{}
	for _, entityType := range params.Types {
		if _, err := registry.Schema(entityType); err != nil {
			return resolvedParams{}, err
		}
		plain[entityType] = struct{}{}
	}

	for entityType, names := range params.FieldsByType {
		if _, overlaps := plain[entityType]; overlaps {
			return resolvedParams{}, domain.NewInvalidQueryError("%s is listed both as a type and with a field subset", entityType)
		}
		schema, err := registry.Schema(entityType)
		if err != nil {
			return resolvedParams{}, err
		}
		fields := make([]domain.FieldDefinition, 0, len(names))
		for _, name := range names {
			field, ok := schema.Field(name)
			if !ok {
				return resolvedParams{}, domain.NewInvalidQueryError("field %q is not tracked on %s", name, entityType)
			}
			fields = append(fields, field)
		}
		resolved.fields[entityType] = fields
	}

	types := make([]string, 0, len(plain)+len(resolved.fields))
	for entityType := range plain {
		types = append(types, entityType)
	}
	for entityType := range resolved.fields {
		types = append(types, entityType)
	}
	if len(types) == 0 {
		types = registry.Types()
	}
	sort.Strings(types)

	filters := make([]repository.TypeFilter, 0, len(types))
	for _, entityType := range types {
		filters = append(filters, repository.TypeFilter{EntityType: entityType, ChangedFields: resolved.fields[entityType]})
	}

	resolved.query = repository.ConsecutiveQuery{
		Types:            filters,
		EntityID:         params.EntityID,
		EditorIDs:        params.EditorIDs,
		OnlyCreations:    params.OnlyCreations,
		ExcludeCreations: params.ExcludeCreations || params.hasFieldSubset(),
		StartDate:        params.StartDate,
		EndDate:          params.EndDate,
		Limit:            params.PageSize,
		Offset:           (params.Page - 1) * params.PageSize,
	}
	return resolved, nil
}
