// Package versioning mirrors live entity types into version schemas and
// records a version for every tracked write.
package versioning

import (
	"sort"
	"strings"
	"sync"

	"github.com/rpattn/chronicle/internal/domain"
	schemavalidator "github.com/rpattn/chronicle/internal/schema/validator"
	"github.com/rpattn/chronicle/pkg/validator"
)

// Registry holds the version schema of every tracked live type. Types are
// registered once at startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	schemas   map[string]*domain.VersionSchema
	validator *validator.JSONBValidator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas:   map[string]*domain.VersionSchema{},
		validator: validator.NewJSONBValidator(),
	}
}

type registerOptions struct {
	fields     []string
	manyToMany []string
}

// RegisterOption customises which fields of a live type are versioned.
type RegisterOption func(*registerOptions)

// WithTrackedFields limits the versioned scalar, json and reference fields.
func WithTrackedFields(names ...string) RegisterOption {
	return func(o *registerOptions) {
		o.fields = append(nonNil(o.fields), names...)
	}
}

// WithTrackedManyToMany limits the versioned many-to-many fields. Pass no
// names to track none.
func WithTrackedManyToMany(names ...string) RegisterOption {
	return func(o *registerOptions) {
		o.manyToMany = append(nonNil(o.manyToMany), names...)
	}
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

// Register mirrors a live type into its version schema.
func (r *Registry) Register(live domain.EntityType, opts ...RegisterOption) (*domain.VersionSchema, error) {
	name := strings.TrimSpace(live.Name)
	if name == "" {
		return nil, domain.NewConfigurationError("", "no live entity type declared")
	}
	if err := schemavalidator.ValidateFields(live); err != nil {
		return nil, domain.NewConfigurationError(name, "%v", err)
	}

	options := registerOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	schema, err := mirror(live, options)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[name]; exists {
		return nil, domain.NewConfigurationError(name, "live type is already versioned")
	}
	r.schemas[name] = schema
	return schema, nil
}

// MustRegister is Register for static setup code; it panics on error.
func (r *Registry) MustRegister(live domain.EntityType, opts ...RegisterOption) *domain.VersionSchema {
	schema, err := r.Register(live, opts...)
	if err != nil {
		panic(err)
	}
	return schema
}

func mirror(live domain.EntityType, options registerOptions) (*domain.VersionSchema, error) {
	tracked, err := trackedSet(live, options.fields, false)
	if err != nil {
		return nil, err
	}
	trackedRelations, err := trackedSet(live, options.manyToMany, true)
	if err != nil {
		return nil, err
	}

	identity := live.IdentityField()
	schema := &domain.VersionSchema{
		Live: live,
		Eternal: domain.FieldDefinition{
			Name:        "eternal",
			VerboseName: identity.Label(),
			Kind:        domain.FieldKindEternal,
			RelatedType: live.Name,
			RelatedName: domain.VersionsRelationName,
			OnDelete:    domain.OnDeleteCascade,
		},
	}

	for _, field := range live.Fields {
		switch field.Kind {
		case domain.FieldKindIdentity:
			continue
		case domain.FieldKindManyToMany:
			if trackedRelations != nil {
				if _, ok := trackedRelations[field.Name]; !ok {
					continue
				}
			}
			mirrored := field
			mirrored.Unique = false
			mirrored.Default = []int64{}
			schema.ManyToMany = append(schema.ManyToMany, mirrored)
			continue
		}

		if field.IsReference() && field.OnDelete == domain.OnDeleteCascade {
			return nil, domain.NewConfigurationError(live.Name, "reference %s cannot cascade deletes", field.Name)
		}
		if tracked != nil {
			if _, ok := tracked[field.Name]; !ok {
				continue
			}
		}

		mirrored := field
		mirrored.Unique = false
		if field.IsReference() {
			mirrored.Kind = domain.FieldKindForeignKey
			mirrored.Nullable = true
			mirrored.OnDelete = domain.OnDeleteSetNull
			mirrored.RelatedName = ""
		}
		schema.Fields = append(schema.Fields, mirrored)
	}

	return schema, nil
}

// trackedSet resolves an explicit tracking list. A nil result tracks everything.
func trackedSet(live domain.EntityType, names []string, relations bool) (map[string]struct{}, error) {
	if names == nil {
		return nil, nil
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		field, ok := live.Field(name)
		if !ok {
			return nil, domain.NewConfigurationError(live.Name, "tracked field %s is not declared", name)
		}
		isRelation := field.Kind == domain.FieldKindManyToMany
		if isRelation != relations || field.Kind == domain.FieldKindIdentity {
			return nil, domain.NewConfigurationError(live.Name, "field %s of kind %s cannot be tracked here", name, field.Kind)
		}
		set[name] = struct{}{}
	}
	return set, nil
}

// Schema returns the version schema of a live type.
func (r *Registry) Schema(entityType string) (*domain.VersionSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[entityType]
	if !ok {
		return nil, domain.NewInvalidQueryError("entity type %q is not versioned", entityType)
	}
	return schema, nil
}

// Types returns the registered type names in alphabetical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field returns a tracked field of a registered type.
func (r *Registry) Field(entityType, name string) (domain.FieldDefinition, error) {
	schema, err := r.Schema(entityType)
	if err != nil {
		return domain.FieldDefinition{}, err
	}
	field, ok := schema.Field(name)
	if !ok {
		return domain.FieldDefinition{}, domain.NewInvalidQueryError("field %q is not tracked on %s", name, entityType)
	}
	return field, nil
}

// Validate checks an entity's properties against its live type.
func (r *Registry) Validate(entity domain.Entity) error {
	schema, err := r.Schema(entity.EntityType)
	if err != nil {
		return err
	}
	result := r.validator.ValidateProperties(entity.Properties, schema.Live.Fields)
	if !result.IsValid {
		return &domain.InvalidQueryError{Reason: "invalid " + entity.EntityType, Err: result.Err()}
	}
	for field := range entity.Members {
		if _, err := r.liveRelation(schema, field); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) liveRelation(schema *domain.VersionSchema, name string) (domain.FieldDefinition, error) {
	field, ok := schema.Live.Field(name)
	if !ok || field.Kind != domain.FieldKindManyToMany {
		return domain.FieldDefinition{}, domain.NewInvalidQueryError("%s has no many-to-many field %q", schema.EntityType(), name)
	}
	return field, nil
}

// Reference is a field of one type pointing at another.
type Reference struct {
	EntityType string
	Field      domain.FieldDefinition
}

// LiveReferences lists the live single-valued references pointing at target.
func (r *Registry) LiveReferences(target string) []Reference {
	var out []Reference
	r.each(func(schema *domain.VersionSchema) {
		for _, field := range schema.Live.Fields {
			if field.IsReference() && field.RelatedType == target {
				out = append(out, Reference{EntityType: schema.EntityType(), Field: field})
			}
		}
	})
	return out
}

// VersionReferences lists the tracked version fields pointing at target, both
// single references and many-to-many id lists.
func (r *Registry) VersionReferences(target string) []Reference {
	var out []Reference
	r.each(func(schema *domain.VersionSchema) {
		for _, field := range schema.ReferenceFields(target) {
			out = append(out, Reference{EntityType: schema.EntityType(), Field: field})
		}
		for _, field := range schema.ManyToManyFields(target) {
			out = append(out, Reference{EntityType: schema.EntityType(), Field: field})
		}
	})
	return out
}

func (r *Registry) each(fn func(*domain.VersionSchema)) {
	for _, name := range r.Types() {
		r.mu.RLock()
		schema := r.schemas[name]
		r.mu.RUnlock()
		fn(schema)
	}
}
