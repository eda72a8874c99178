package changelog

import (
	"context"
	"sort"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/entityloader"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/versioning"

	"golang.org/x/sync/errgroup"
)

// ConsecutivePage is one page of resolved consecutive version pairs.
type ConsecutivePage struct {
	Entries     []domain.ChangelogEntry
	Page        int
	PageSize    int
	TotalCount  int
	TotalPages  int
	HasNextPage bool
}

// ConsecutiveFetcher pages through version history across entity types.
type ConsecutiveFetcher struct {
	store    repository.Store
	registry *versioning.Registry
	loaders  *entityloader.Loaders
}

// NewConsecutiveFetcher creates a fetcher resolving rows through loaders.
func NewConsecutiveFetcher(store repository.Store, registry *versioning.Registry, loaders *entityloader.Loaders) *ConsecutiveFetcher {
	return &ConsecutiveFetcher{store: store, registry: registry, loaders: loaders}
}

// Fetch validates params, runs the union query and resolves the page rows.
// Entities and versions are loaded with one batch per involved type.
func (f *ConsecutiveFetcher) Fetch(ctx context.Context, params ConsecutiveParams) (*ConsecutivePage, error) {
	resolved, err := resolveParams(f.registry, params)
	if err != nil {
		return nil, err
	}

	rows, total, err := f.store.Versions().ListConsecutive(ctx, resolved.query)
	if err != nil {
		return nil, err
	}

	totalPages := (total + resolved.pageSize - 1) / resolved.pageSize
	if total > 0 && resolved.page > totalPages {
		return nil, domain.NewInvalidQueryError("page %d is beyond the last page %d", resolved.page, totalPages)
	}

	entries, err := f.resolve(ctx, rows)
	if err != nil {
		return nil, err
	}

	return &ConsecutivePage{
		Entries:     entries,
		Page:        resolved.page,
		PageSize:    resolved.pageSize,
		TotalCount:  total,
		TotalPages:  totalPages,
		HasNextPage: resolved.page < totalPages,
	}, nil
}

type typeBatch struct {
	entityIDs  []int64
	versionIDs []int64
	entities   map[int64]domain.Entity
	versions   map[int64]domain.Version
}

func (f *ConsecutiveFetcher) resolve(ctx context.Context, rows []domain.VersionRow) ([]domain.ChangelogEntry, error) {
	batches := map[string]*typeBatch{}
	for _, row := range rows {
		batch, ok := batches[row.EntityType]
		if !ok {
			batch = &typeBatch{}
			batches[row.EntityType] = batch
		}
		batch.entityIDs = append(batch.entityIDs, row.EntityID)
		batch.versionIDs = append(batch.versionIDs, row.ID)
		if row.PreviousVersionID != nil {
			batch.versionIDs = append(batch.versionIDs, *row.PreviousVersionID)
		}
	}

	types := make([]string, 0, len(batches))
	for entityType := range batches {
		types = append(types, entityType)
	}
	sort.Strings(types)

	g, gctx := errgroup.WithContext(ctx)
	for _, entityType := range types {
		batch := batches[entityType]
		g.Go(func() error {
			entities, err := f.loaders.Entities(gctx, entityType, domain.SortedUniqueIDs(batch.entityIDs))
			if err != nil {
				return err
			}
			versions, err := f.loaders.Versions(gctx, entityType, domain.SortedUniqueIDs(batch.versionIDs))
			if err != nil {
				return err
			}
			batch.entities = make(map[int64]domain.Entity, len(entities))
			for _, entity := range entities {
				batch.entities[entity.ID] = entity
			}
			batch.versions = make(map[int64]domain.Version, len(versions))
			for _, version := range versions {
				batch.versions[version.ID] = version
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]domain.ChangelogEntry, 0, len(rows))
	for _, row := range rows {
		batch := batches[row.EntityType]
		entry := domain.ChangelogEntry{
			EntityType: row.EntityType,
			Entity:     batch.entities[row.EntityID],
			Version:    batch.versions[row.ID],
		}
		if row.PreviousVersionID != nil {
			previous := batch.versions[*row.PreviousVersionID]
			entry.Previous = &previous
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
