package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/rpattn/chronicle/internal/versioning")

// Tracker is the write path for tracked entities. Every mutation runs in one
// store transaction together with the version bookkeeping it triggers.
type Tracker struct {
	store       repository.Store
	registry    *Registry
	interceptor *Interceptor
	logger      *logger.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*trackerOptions)

type trackerOptions struct {
	now func() time.Time
}

// WithClock overrides the clock used for version timestamps.
func WithClock(now func() time.Time) TrackerOption {
	return func(o *trackerOptions) {
		o.now = now
	}
}

// NewTracker creates a tracker over the store.
func NewTracker(store repository.Store, registry *Registry, log *logger.Logger, opts ...TrackerOption) *Tracker {
	options := trackerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	log = logger.OrNop(log)
	return &Tracker{
		store:       store,
		registry:    registry,
		interceptor: NewInterceptor(registry, log, options.now),
		logger:      log,
	}
}

// Registry returns the schemas the tracker versions against.
func (t *Tracker) Registry() *Registry {
	return t.registry
}

// Create persists a new entity and its first version.
func (t *Tracker) Create(ctx context.Context, session *EditSession, entity domain.Entity) (created domain.Entity, version domain.Version, err error) {
	ctx, span := startSpan(ctx, "versioning.Create", entity.EntityType, 0)
	defer func() { endSpan(span, err) }()

	if err := t.checkWritable(entity); err != nil {
		return domain.Entity{}, domain.Version{}, err
	}
	if err := t.registry.Validate(entity); err != nil {
		return domain.Entity{}, domain.Version{}, err
	}
	entity = t.normalizeReferences(entity)
	session = ensureSession(session)

	err = t.sessionTx(ctx, session, func(tx repository.Store) error {
		if err := t.checkReferences(ctx, tx, entity); err != nil {
			return err
		}
		if err := t.checkMembers(ctx, tx, entity.EntityType, entity.Members); err != nil {
			return err
		}

		var err error
		created, err = tx.Entities().Create(ctx, entity)
		if err != nil {
			return err
		}
		version, err = t.interceptor.OnCreate(ctx, tx, session, created)
		return err
	})
	if err != nil {
		return domain.Entity{}, domain.Version{}, err
	}
	return created, version, nil
}

// Update replaces the properties of an existing entity and records the edit.
// Membership is left untouched.
func (t *Tracker) Update(ctx context.Context, session *EditSession, entity domain.Entity) (updated domain.Entity, version domain.Version, err error) {
	ctx, span := startSpan(ctx, "versioning.Update", entity.EntityType, entity.ID)
	defer func() { endSpan(span, err) }()

	if err := t.checkWritable(entity); err != nil {
		return domain.Entity{}, domain.Version{}, err
	}
	withoutMembers := entity.Clone()
	withoutMembers.Members = nil
	if err := t.registry.Validate(withoutMembers); err != nil {
		return domain.Entity{}, domain.Version{}, err
	}
	entity = t.normalizeReferences(withoutMembers)
	session = ensureSession(session)

	err = t.sessionTx(ctx, session, func(tx repository.Store) error {
		existing, err := tx.Entities().GetByID(ctx, entity.EntityType, entity.ID)
		if err != nil {
			return err
		}
		if err := t.checkReferences(ctx, tx, entity); err != nil {
			return err
		}

		saved, err := tx.Entities().Update(ctx, entity)
		if err != nil {
			return err
		}
		updated = existing.Clone()
		updated.Properties = saved.Properties
		updated.UpdatedAt = saved.UpdatedAt

		version, err = t.interceptor.OnUpdate(ctx, tx, session, updated)
		return err
	})
	if err != nil {
		return domain.Entity{}, domain.Version{}, err
	}
	return updated, version, nil
}

// AddMembers adds related ids to a many-to-many field.
func (t *Tracker) AddMembers(ctx context.Context, session *EditSession, entityType string, id int64, field string, relatedIDs []int64) (domain.Entity, error) {
	return t.changeMembers(ctx, session, entityType, id, field, relatedIDs, nil)
}

// RemoveMembers removes related ids from a many-to-many field.
func (t *Tracker) RemoveMembers(ctx context.Context, session *EditSession, entityType string, id int64, field string, relatedIDs []int64) (domain.Entity, error) {
	return t.changeMembers(ctx, session, entityType, id, field, nil, relatedIDs)
}

// SetMembers replaces the membership of a many-to-many field, recorded as a
// remove of the dropped ids followed by an add of the new ones.
func (t *Tracker) SetMembers(ctx context.Context, session *EditSession, entityType string, id int64, field string, relatedIDs []int64) (entity domain.Entity, err error) {
	session = ensureSession(session)
	err = t.sessionTx(ctx, session, func(tx repository.Store) error {
		current, err := tx.Entities().GetByID(ctx, entityType, id)
		if err != nil {
			return err
		}
		desired := domain.SortedUniqueIDs(relatedIDs)
		existing := current.MemberIDs(field)
		entity, err = t.changeMembersTx(ctx, tx, session, current, field, subtract(desired, existing), subtract(existing, desired))
		return err
	})
	return entity, err
}

func (t *Tracker) changeMembers(ctx context.Context, session *EditSession, entityType string, id int64, field string, add, remove []int64) (entity domain.Entity, err error) {
	session = ensureSession(session)
	err = t.sessionTx(ctx, session, func(tx repository.Store) error {
		current, err := tx.Entities().GetByID(ctx, entityType, id)
		if err != nil {
			return err
		}
		entity, err = t.changeMembersTx(ctx, tx, session, current, field, add, remove)
		return err
	})
	return entity, err
}

func (t *Tracker) changeMembersTx(
	ctx context.Context,
	tx repository.Store,
	session *EditSession,
	current domain.Entity,
	field string,
	add, remove []int64,
) (entity domain.Entity, err error) {
	ctx, span := startSpan(ctx, "versioning.ChangeMembers", current.EntityType, current.ID)
	span.SetAttributes(attribute.String("field", field), attribute.Int("added", len(add)), attribute.Int("removed", len(remove)))
	defer func() { endSpan(span, err) }()

	if err := t.checkMembers(ctx, tx, current.EntityType, map[string][]int64{field: add}); err != nil {
		return domain.Entity{}, err
	}

	if len(remove) > 0 {
		if err := tx.Entities().RemoveMembers(ctx, current.ID, field, remove); err != nil {
			return domain.Entity{}, err
		}
		if _, err := t.interceptor.OnMembershipChange(ctx, tx, session, current, field, MembershipRemove, remove); err != nil {
			return domain.Entity{}, err
		}
		current = current.Clone()
		current.Members[field] = subtract(current.MemberIDs(field), remove)
	}
	if len(add) > 0 {
		if err := tx.Entities().AddMembers(ctx, current.ID, field, add); err != nil {
			return domain.Entity{}, err
		}
		if _, err := t.interceptor.OnMembershipChange(ctx, tx, session, current, field, MembershipAdd, add); err != nil {
			return domain.Entity{}, err
		}
		current = current.Clone()
		current.Members[field] = domain.SortedUniqueIDs(append(current.MemberIDs(field), add...))
	}
	return current, nil
}

// Delete removes an entity with its history. Live references to it are
// nulled or, when protected, block the delete. Version references to it are
// nulled and it is dropped from version id lists.
func (t *Tracker) Delete(ctx context.Context, session *EditSession, entityType string, id int64) (err error) {
	ctx, span := startSpan(ctx, "versioning.Delete", entityType, id)
	defer func() { endSpan(span, err) }()

	if _, err := t.registry.Schema(entityType); err != nil {
		return err
	}

	err = t.store.WithTx(ctx, func(tx repository.Store) error {
		if _, err := tx.Entities().GetByID(ctx, entityType, id); err != nil {
			return err
		}

		for _, ref := range t.registry.LiveReferences(entityType) {
			referencing, err := tx.Entities().ListReferencing(ctx, ref.EntityType, ref.Field.Name, id)
			if err != nil {
				return err
			}
			if len(referencing) == 0 {
				continue
			}
			if ref.Field.OnDelete == domain.OnDeleteProtect {
				return domain.NewInvalidQueryError("%s %d is referenced by %s.%s of %d record(s)", entityType, id, ref.EntityType, ref.Field.Name, len(referencing))
			}
			if err := tx.Entities().ClearReference(ctx, ref.EntityType, ref.Field.Name, id); err != nil {
				return err
			}
		}

		for _, ref := range t.registry.VersionReferences(entityType) {
			if ref.Field.Kind == domain.FieldKindManyToMany {
				if err := tx.Versions().RemoveRelationMember(ctx, ref.EntityType, ref.Field.Name, id); err != nil {
					return err
				}
				continue
			}
			if err := tx.Versions().ClearReference(ctx, ref.EntityType, ref.Field.Name, id); err != nil {
				return err
			}
		}

		return tx.Entities().Delete(ctx, entityType, id)
	})
	if err != nil {
		return err
	}

	if session != nil {
		session.Reset(entityType, id)
	}
	t.logger.Info("entity deleted", "entity_type", entityType, "entity_id", id)
	return nil
}

// CurrentVersions returns the most recent version of each listed entity in
// one batch, ordered by entity id. Entities of another type or without any
// version are absent from the result.
func (t *Tracker) CurrentVersions(ctx context.Context, entityType string, ids []int64) ([]domain.Version, error) {
	if _, err := t.registry.Schema(entityType); err != nil {
		return nil, err
	}
	versions, err := t.store.Versions().MostRecentVersionsForEntities(ctx, domain.SortedUniqueIDs(ids))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Version, 0, len(versions))
	for _, version := range versions {
		if version.EntityType == entityType {
			out = append(out, version)
		}
	}
	return out, nil
}

// History returns every version of an entity, most recent first.
func (t *Tracker) History(ctx context.Context, entityType string, id int64) ([]domain.Version, error) {
	if _, err := t.registry.Schema(entityType); err != nil {
		return nil, err
	}
	if _, err := t.store.Entities().GetByID(ctx, entityType, id); err != nil {
		return nil, err
	}
	return t.store.Versions().ListForEntity(ctx, id)
}

// Reconstruct rebuilds the read-only live entity a version snapshots.
func (t *Tracker) Reconstruct(ctx context.Context, entityType string, versionID int64) (domain.Entity, error) {
	schema, err := t.registry.Schema(entityType)
	if err != nil {
		return domain.Entity{}, err
	}
	versions, err := t.store.Versions().GetByIDs(ctx, entityType, []int64{versionID})
	if err != nil {
		return domain.Entity{}, err
	}
	if len(versions) == 0 {
		return domain.Entity{}, fmt.Errorf("version %d of %s: %w", versionID, entityType, domain.ErrNotFound)
	}
	return schema.RecreateOriginal(versions[0]), nil
}

func (t *Tracker) checkWritable(entity domain.Entity) error {
	if entity.IsReconstruction() {
		return &domain.VersioningInvariantError{
			EntityType: entity.EntityType,
			EntityID:   entity.ID,
			Reason:     "entities recreated from a version are read-only",
		}
	}
	return nil
}

// normalizeReferences stores every reference as a bare entity id.
func (t *Tracker) normalizeReferences(entity domain.Entity) domain.Entity {
	schema, err := t.registry.Schema(entity.EntityType)
	if err != nil {
		return entity
	}
	normalized := entity.Clone()
	for _, field := range schema.Live.Fields {
		value, present := normalized.Properties[field.Name]
		if !field.IsReference() || !present {
			continue
		}
		if id, ok := domain.ReferenceID(value); ok {
			normalized.Properties[field.Name] = id
		} else {
			normalized.Properties[field.Name] = nil
		}
	}
	return normalized
}

// checkReferences makes sure every non-null reference points at a live entity
// of the declared type.
func (t *Tracker) checkReferences(ctx context.Context, tx repository.Store, entity domain.Entity) error {
	schema, err := t.registry.Schema(entity.EntityType)
	if err != nil {
		return err
	}
	for _, field := range schema.Live.Fields {
		if !field.IsReference() {
			continue
		}
		id, ok := domain.ReferenceID(entity.Properties[field.Name])
		if !ok {
			continue
		}
		if _, err := tx.Entities().GetByID(ctx, field.RelatedType, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return &domain.InvalidQueryError{Reason: fmt.Sprintf("%s references missing %s %d", field.Name, field.RelatedType, id), Err: domain.ErrMissingReference}
			}
			return err
		}
	}
	return nil
}

// checkMembers makes sure every related id exists with the field's related type.
func (t *Tracker) checkMembers(ctx context.Context, tx repository.Store, entityType string, members map[string][]int64) error {
	schema, err := t.registry.Schema(entityType)
	if err != nil {
		return err
	}
	for name, ids := range members {
		field, err := t.registry.liveRelation(schema, name)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			continue
		}
		wanted := domain.SortedUniqueIDs(ids)
		found, err := tx.Entities().GetByIDs(ctx, field.RelatedType, wanted)
		if err != nil {
			return err
		}
		if len(found) != len(wanted) {
			return &domain.InvalidQueryError{Reason: fmt.Sprintf("%s lists missing %s ids", name, field.RelatedType), Err: domain.ErrMissingReference}
		}
	}
	return nil
}

// sessionTx runs fn in a store transaction and puts the session's pending
// state back when the transaction fails, so it never points at a version
// that was rolled back.
func (t *Tracker) sessionTx(ctx context.Context, session *EditSession, fn func(repository.Store) error) error {
	state := session.checkpoint()
	if err := t.store.WithTx(ctx, fn); err != nil {
		session.restore(state)
		return err
	}
	return nil
}

func ensureSession(session *EditSession) *EditSession {
	if session == nil {
		return NewEditSession()
	}
	return session
}

func startSpan(ctx context.Context, name, entityType string, id int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.Int64("entity_id", id),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
