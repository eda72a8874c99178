package changelog

import (
	"context"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/entityloader"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/versioning"
)

// ComparisonRecord is one entity whose selected version differs between the
// left and right snapshot sets. Left is nil when the entity only appears on
// the right, Right is nil when it only appears on the left.
type ComparisonRecord struct {
	EntityType string
	EntityID   int64
	Entity     domain.Entity
	Left       *domain.Version
	Right      *domain.Version
}

// ArbitraryFetcher compares two snapshot sets per entity type.
type ArbitraryFetcher struct {
	store    repository.Store
	registry *versioning.Registry
	loaders  *entityloader.Loaders
}

// NewArbitraryFetcher creates a fetcher resolving versions through loaders.
func NewArbitraryFetcher(store repository.Store, registry *versioning.Registry, loaders *entityloader.Loaders) *ArbitraryFetcher {
	return &ArbitraryFetcher{store: store, registry: registry, loaders: loaders}
}

// Fetch returns one record per entity whose left and right versions differ,
// ordered by type and entity id.
func (f *ArbitraryFetcher) Fetch(ctx context.Context, pairs []domain.PairQuery) ([]ComparisonRecord, error) {
	if err := f.validate(pairs); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return []ComparisonRecord{}, nil
	}

	differences, err := f.store.Versions().Difference(ctx, pairs)
	if err != nil {
		return nil, err
	}

	versionIDs := map[string][]int64{}
	entityIDs := map[string][]int64{}
	for _, pair := range differences {
		entityIDs[pair.EntityType] = append(entityIDs[pair.EntityType], pair.EntityID)
		if pair.LeftVersionID != nil {
			versionIDs[pair.EntityType] = append(versionIDs[pair.EntityType], *pair.LeftVersionID)
		}
		if pair.RightVersionID != nil {
			versionIDs[pair.EntityType] = append(versionIDs[pair.EntityType], *pair.RightVersionID)
		}
	}

	entities := map[string]map[int64]domain.Entity{}
	for entityType, ids := range entityIDs {
		loaded, err := f.loaders.Entities(ctx, entityType, domain.SortedUniqueIDs(ids))
		if err != nil {
			return nil, err
		}
		byID := make(map[int64]domain.Entity, len(loaded))
		for _, entity := range loaded {
			byID[entity.ID] = entity
		}
		entities[entityType] = byID
	}

	versions := map[int64]domain.Version{}
	for entityType, ids := range versionIDs {
		loaded, err := f.loaders.Versions(ctx, entityType, domain.SortedUniqueIDs(ids))
		if err != nil {
			return nil, err
		}
		for _, version := range loaded {
			versions[version.ID] = version
		}
	}

	records := make([]ComparisonRecord, 0, len(differences))
	for _, pair := range differences {
		record := ComparisonRecord{
			EntityType: pair.EntityType,
			EntityID:   pair.EntityID,
			Entity:     entities[pair.EntityType][pair.EntityID],
		}
		if pair.LeftVersionID != nil {
			left := versions[*pair.LeftVersionID]
			record.Left = &left
		}
		if pair.RightVersionID != nil {
			right := versions[*pair.RightVersionID]
			record.Right = &right
		}
		records = append(records, record)
	}
	return records, nil
}

func (f *ArbitraryFetcher) validate(pairs []domain.PairQuery) error {
	seen := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		if _, err := f.registry.Schema(pair.EntityType); err != nil {
			return err
		}
		if _, dup := seen[pair.EntityType]; dup {
			return domain.NewInvalidQueryError("%s has more than one comparison pair", pair.EntityType)
		}
		seen[pair.EntityType] = struct{}{}
		for _, selector := range []domain.VersionSelector{pair.Left, pair.Right} {
			if len(selector.VersionIDs) > 0 && selector.AsOf != nil {
				return domain.NewInvalidQueryError("%s selector cannot combine version ids with an as-of date", pair.EntityType)
			}
		}
	}
	return nil
}
