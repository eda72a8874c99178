package repository

import (
	"context"

	"github.com/rpattn/chronicle/internal/domain"

	"github.com/google/uuid"
)

// EntityRepository defines the interface for live entity operations
type EntityRepository interface {
	Create(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	Update(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	GetByID(ctx context.Context, entityType string, id int64) (domain.Entity, error)
	// GetByIDs fetches entities of one type in a single query. Missing ids are
	// simply absent from the result.
	GetByIDs(ctx context.Context, entityType string, ids []int64) ([]domain.Entity, error)
	Delete(ctx context.Context, entityType string, id int64) error

	// Many-to-many membership
	AddMembers(ctx context.Context, entityID int64, field string, relatedIDs []int64) error
	RemoveMembers(ctx context.Context, entityID int64, field string, relatedIDs []int64) error

	// Reference maintenance when a referenced entity goes away
	ListReferencing(ctx context.Context, entityType, field string, targetID int64) ([]int64, error)
	ClearReference(ctx context.Context, entityType, field string, targetID int64) error
}

// VersionRepository defines the interface for the version table
type VersionRepository interface {
	Insert(ctx context.Context, version domain.Version) (domain.Version, error)
	// Amend overwrites tracked values and the editor stamp of one version in place.
	Amend(ctx context.Context, versionID int64, values map[string]any, editedBy *uuid.UUID) error
	// SetRelation overwrites one many-to-many id list of a version in place.
	SetRelation(ctx context.Context, versionID int64, field string, ids []int64) error
	GetByIDs(ctx context.Context, entityType string, ids []int64) ([]domain.Version, error)
	// ListForEntity returns every version of an entity, most recent first.
	ListForEntity(ctx context.Context, entityID int64) ([]domain.Version, error)

	PreviousVersionID(ctx context.Context, version domain.Version) (*int64, error)
	MostRecentVersionID(ctx context.Context, entityID int64) (*int64, error)
	MostRecentVersionsForEntities(ctx context.Context, entityIDs []int64) ([]domain.Version, error)

	// ListConsecutive returns one page of version rows plus the total row count.
	ListConsecutive(ctx context.Context, query ConsecutiveQuery) ([]domain.VersionRow, int, error)
	// Difference computes the per-entity symmetric difference of selector pairs.
	Difference(ctx context.Context, pairs []domain.PairQuery) ([]domain.VersionComparisonPair, error)

	// Reference maintenance when a referenced entity goes away
	ClearReference(ctx context.Context, entityType, field string, targetID int64) error
	RemoveRelationMember(ctx context.Context, entityType, field string, targetID int64) error
}

// EditorRepository defines the interface for editor operations
type EditorRepository interface {
	Upsert(ctx context.Context, editor domain.Editor) (domain.Editor, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Editor, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Store groups the repositories that must share a transaction.
type Store interface {
	Entities() EntityRepository
	Versions() VersionRepository
	Editors() EditorRepository
	// WithTx runs fn against a transactional view of the store. Nested calls
	// join the surrounding transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}
