// Package entityloader batches entity and version lookups for one request:
// every id requested for a type within the wait window is fetched with a
// single repository call, and results are cached for the request.
package entityloader

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/graph-gophers/dataloader"
)

const defaultWait = 5 * time.Millisecond

// Loaders holds one entity loader and one version loader per type.
type Loaders struct {
	store    repository.Store
	registry *versioning.Registry
	wait     time.Duration

	mu       sync.Mutex
	entities map[string]*dataloader.Loader
	versions map[string]*dataloader.Loader
}

// Option configures Loaders.
type Option func(*Loaders)

// WithWait sets how long a loader collects keys before fetching.
func WithWait(wait time.Duration) Option {
	return func(l *Loaders) {
		l.wait = wait
	}
}

// New creates request-scoped loaders.
func New(store repository.Store, registry *versioning.Registry, opts ...Option) *Loaders {
	l := &Loaders{
		store:    store,
		registry: registry,
		wait:     defaultWait,
		entities: map[string]*dataloader.Loader{},
		versions: map[string]*dataloader.Loader{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Entity loads one entity.
func (l *Loaders) Entity(ctx context.Context, entityType string, id int64) (domain.Entity, error) {
	entities, err := l.Entities(ctx, entityType, []int64{id})
	if err != nil {
		return domain.Entity{}, err
	}
	return entities[0], nil
}

// Entities loads entities in the order of ids. Any missing id fails the
// whole call with domain.ErrMissingReference.
func (l *Loaders) Entities(ctx context.Context, entityType string, ids []int64) ([]domain.Entity, error) {
	values, err := l.loadMany(ctx, l.entityLoader(entityType), ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Entity, len(values))
	for i, value := range values {
		out[i] = value.(domain.Entity)
	}
	return out, nil
}

// Versions loads versions in the order of ids with the same failure rule as Entities.
func (l *Loaders) Versions(ctx context.Context, entityType string, ids []int64) ([]domain.Version, error) {
	values, err := l.loadMany(ctx, l.versionLoader(entityType), ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Version, len(values))
	for i, value := range values {
		out[i] = value.(domain.Version)
	}
	return out, nil
}

// Names resolves entity ids to display names.
func (l *Loaders) Names(ctx context.Context, entityType string, ids []int64) (map[int64]string, error) {
	schema, err := l.registry.Schema(entityType)
	if err != nil {
		return nil, err
	}
	entities, err := l.Entities(ctx, entityType, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(entities))
	for _, entity := range entities {
		names[entity.ID] = schema.Live.DisplayName(entity)
	}
	return names, nil
}

// PrimeEntities seeds the cache with already loaded entities.
func (l *Loaders) PrimeEntities(ctx context.Context, entities ...domain.Entity) {
	for _, entity := range entities {
		l.entityLoader(entity.EntityType).Prime(ctx, key(entity.ID), entity)
	}
}

// PrimeVersions seeds the cache with already loaded versions.
func (l *Loaders) PrimeVersions(ctx context.Context, versions ...domain.Version) {
	for _, version := range versions {
		l.versionLoader(version.EntityType).Prime(ctx, key(version.ID), version)
	}
}

func (l *Loaders) loadMany(ctx context.Context, loader *dataloader.Loader, ids []int64) ([]interface{}, error) {
	if len(ids) == 0 {
		return []interface{}{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = strconv.FormatInt(id, 10)
	}
	values, errs := loader.LoadMany(ctx, dataloader.NewKeysFromStrings(keys))()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

func (l *Loaders) entityLoader(entityType string) *dataloader.Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	if loader, ok := l.entities[entityType]; ok {
		return loader
	}
	loader := dataloader.NewBatchedLoader(l.batch(entityType, "entity", func(ctx context.Context, ids []int64) (map[int64]interface{}, error) {
		entities, err := l.store.Entities().GetByIDs(ctx, entityType, ids)
		if err != nil {
			return nil, err
		}
		found := make(map[int64]interface{}, len(entities))
		for _, e := range entities {
			found[e.ID] = e
		}
		return found, nil
	}), dataloader.WithWait(l.wait))
	l.entities[entityType] = loader
	return loader
}

func (l *Loaders) versionLoader(entityType string) *dataloader.Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	if loader, ok := l.versions[entityType]; ok {
		return loader
	}
	loader := dataloader.NewBatchedLoader(l.batch(entityType, "version", func(ctx context.Context, ids []int64) (map[int64]interface{}, error) {
		versions, err := l.store.Versions().GetByIDs(ctx, entityType, ids)
		if err != nil {
			return nil, err
		}
		found := make(map[int64]interface{}, len(versions))
		for _, v := range versions {
			found[v.ID] = v
		}
		return found, nil
	}), dataloader.WithWait(l.wait))
	l.versions[entityType] = loader
	return loader
}

func (l *Loaders) batch(entityType, kind string, fetch func(context.Context, []int64) (map[int64]interface{}, error)) dataloader.BatchFunc {
	return func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		// Convert keys to ids
		ids := make([]int64, len(keys))
		for i, k := range keys {
			id, err := strconv.ParseInt(k.String(), 10, 64)
			if err != nil {
				return fill(results, fmt.Errorf("invalid %s id %q: %w", kind, k.String(), err))
			}
			ids[i] = id
		}

		// Fetch in batch
		found, err := fetch(ctx, ids)
		if err != nil {
			return fill(results, err)
		}

		// A missing id fails the whole batch
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				return fill(results, fmt.Errorf("%s %s %d: %w", entityType, kind, id, domain.ErrMissingReference))
			}
		}

		// Build results in the same order as keys
		for i, id := range ids {
			results[i] = &dataloader.Result{Data: found[id]}
		}
		return results
	}
}

func fill(results []*dataloader.Result, err error) []*dataloader.Result {
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}

func key(id int64) dataloader.Key {
	return dataloader.StringKey(strconv.FormatInt(id, 10))
}

type ctxKey string

const loadersKey ctxKey = "entityLoaders"

// WithLoaders attaches request-scoped loaders to ctx.
func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}

// FromContext retrieves the loaders attached by WithLoaders.
func FromContext(ctx context.Context) (*Loaders, bool) {
	loaders, ok := ctx.Value(loadersKey).(*Loaders)
	return loaders, ok && loaders != nil
}
