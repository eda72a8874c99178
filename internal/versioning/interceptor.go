package versioning

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/chronicle/internal/auth"
	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository"

	"github.com/google/uuid"
)

// MembershipAction tags a many-to-many change.
type MembershipAction string

const (
	MembershipAdd    MembershipAction = "add"
	MembershipRemove MembershipAction = "remove"
)

// Interceptor turns entity writes into version rows. It is called by Tracker
// after the live write, inside the same transaction.
type Interceptor struct {
	registry *Registry
	logger   *logger.Logger
	now      func() time.Time
}

// NewInterceptor creates an interceptor over the registry's schemas.
func NewInterceptor(registry *Registry, log *logger.Logger, now func() time.Time) *Interceptor {
	if now == nil {
		now = time.Now
	}
	return &Interceptor{registry: registry, logger: logger.OrNop(log), now: now}
}

// OnCreate records the first version of a new entity.
func (i *Interceptor) OnCreate(ctx context.Context, store repository.Store, session *EditSession, entity domain.Entity) (domain.Version, error) {
	return i.save(ctx, store, session, entity)
}

// OnUpdate records a scalar edit: it amends the pending version while the
// session is coalescing and appends a new version otherwise.
func (i *Interceptor) OnUpdate(ctx context.Context, store repository.Store, session *EditSession, entity domain.Entity) (domain.Version, error) {
	return i.save(ctx, store, session, entity)
}

// OnMembershipChange records an add or remove on a many-to-many field.
// before is the entity as it was prior to the change. The first change after
// a reset captures the prior membership as baseline (appending a version if
// none is pending); later changes apply their delta to the baseline and
// rewrite the pending version's id list.
func (i *Interceptor) OnMembershipChange(
	ctx context.Context,
	store repository.Store,
	session *EditSession,
	before domain.Entity,
	field string,
	action MembershipAction,
	ids []int64,
) (domain.Version, error) {
	schema, err := i.registry.Schema(before.EntityType)
	if err != nil {
		return domain.Version{}, err
	}
	if _, tracked := schema.Field(field); !tracked {
		return domain.Version{}, nil
	}

	baseline, ok := session.Baseline(before.EntityType, before.ID, field)
	if !ok {
		if !session.IsCoalescing(before.EntityType, before.ID) {
			if _, err := i.save(ctx, store, session, before); err != nil {
				return domain.Version{}, err
			}
		}
		baseline = before.MemberIDs(field)
	}

	var next []int64
	switch action {
	case MembershipAdd:
		next = domain.SortedUniqueIDs(append(baseline, ids...))
	case MembershipRemove:
		next = subtract(baseline, ids)
	default:
		return domain.Version{}, fmt.Errorf("unknown membership action %q", action)
	}
	session.setBaseline(before.EntityType, before.ID, field, next)

	versionID, err := i.pendingVersionID(ctx, store, session, before)
	if err != nil {
		return domain.Version{}, err
	}
	if err := store.Versions().SetRelation(ctx, versionID, field, next); err != nil {
		return domain.Version{}, err
	}

	i.logger.Debug("version relation rewritten",
		"entity_type", before.EntityType,
		"entity_id", before.ID,
		"version_id", versionID,
		"field", field,
		"action", string(action),
		"ids", next,
	)
	return i.load(ctx, store, before, versionID)
}

func (i *Interceptor) save(ctx context.Context, store repository.Store, session *EditSession, entity domain.Entity) (domain.Version, error) {
	if entity.IsReconstruction() {
		return domain.Version{}, &domain.VersioningInvariantError{
			EntityType: entity.EntityType,
			EntityID:   entity.ID,
			Reason:     "entities recreated from a version are read-only",
		}
	}
	schema, err := i.registry.Schema(entity.EntityType)
	if err != nil {
		return domain.Version{}, err
	}
	editor := editorFor(ctx, session)

	if versionID, ok := session.pendingVersion(entity.EntityType, entity.ID); ok {
		if err := store.Versions().Amend(ctx, versionID, schema.TrackedValues(entity), editor); err != nil {
			return domain.Version{}, err
		}
		i.logger.Debug("version amended",
			"entity_type", entity.EntityType,
			"entity_id", entity.ID,
			"version_id", versionID,
			"coalesced", true,
		)
		return i.load(ctx, store, entity, versionID)
	}

	systemDate := i.now().UTC()
	businessDate := systemDate
	if session.BusinessDate != nil {
		businessDate = session.BusinessDate.UTC()
	}
	version := schema.BuildVersion(entity, businessDate, systemDate)
	version.EditedByID = editor

	inserted, err := store.Versions().Insert(ctx, version)
	if err != nil {
		return domain.Version{}, err
	}
	session.markCoalescing(entity.EntityType, entity.ID, inserted.ID)

	i.logger.Debug("version appended",
		"entity_type", entity.EntityType,
		"entity_id", entity.ID,
		"version_id", inserted.ID,
		"coalesced", false,
	)
	return inserted, nil
}

// pendingVersionID returns the version the session writes into, falling back
// to the entity's current version.
func (i *Interceptor) pendingVersionID(ctx context.Context, store repository.Store, session *EditSession, entity domain.Entity) (int64, error) {
	if versionID, ok := session.pendingVersion(entity.EntityType, entity.ID); ok {
		return versionID, nil
	}
	latest, err := store.Versions().MostRecentVersionID(ctx, entity.ID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, &domain.VersioningInvariantError{EntityType: entity.EntityType, EntityID: entity.ID, Reason: "entity has no version"}
	}
	return *latest, nil
}

func (i *Interceptor) load(ctx context.Context, store repository.Store, entity domain.Entity, versionID int64) (domain.Version, error) {
	versions, err := store.Versions().GetByIDs(ctx, entity.EntityType, []int64{versionID})
	if err != nil {
		return domain.Version{}, err
	}
	if len(versions) != 1 {
		return domain.Version{}, &domain.VersioningInvariantError{
			EntityType: entity.EntityType,
			EntityID:   entity.ID,
			Reason:     fmt.Sprintf("version %d disappeared", versionID),
		}
	}
	return versions[0], nil
}

func editorFor(ctx context.Context, session *EditSession) *uuid.UUID {
	if session != nil && session.EditorID != nil {
		id := *session.EditorID
		return &id
	}
	if id, ok := auth.EditorIDFromContext(ctx); ok {
		return &id
	}
	return nil
}

func subtract(ids, remove []int64) []int64 {
	drop := make(map[int64]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return domain.SortedUniqueIDs(out)
}
