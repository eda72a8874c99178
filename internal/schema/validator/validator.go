package validator

import (
	"fmt"
	"strings"

	"github.com/rpattn/chronicle/internal/domain"
)

var knownKinds = map[domain.FieldKind]struct{}{
	domain.FieldKindIdentity:   {},
	domain.FieldKindScalar:     {},
	domain.FieldKindJSON:       {},
	domain.FieldKindForeignKey: {},
	domain.FieldKindOneToOne:   {},
	domain.FieldKindManyToMany: {},
}

// ValidateFields ensures a live type's field declarations can be mirrored:
// names are unique, kinds are supported, relational fields name their target
// and at most one identity field exists.
func ValidateFields(entityType domain.EntityType) error {
	seen := make(map[string]struct{}, len(entityType.Fields))
	identities := 0

	for _, field := range entityType.Fields {
		name := strings.TrimSpace(field.Name)
		if name == "" {
			return fmt.Errorf("field without a name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("field %s declared twice", name)
		}
		seen[name] = struct{}{}

		if _, ok := knownKinds[field.Kind]; !ok {
			return fmt.Errorf("field %s has unsupported kind %q", name, field.Kind)
		}
		if field.Kind == domain.FieldKindIdentity {
			identities++
		}

		trimmedRelated := strings.TrimSpace(field.RelatedType)
		if field.IsRelational() && trimmedRelated == "" {
			return fmt.Errorf("relational field %s must declare relatedType", name)
		}
		if !field.IsRelational() && trimmedRelated != "" {
			return fmt.Errorf("field %s cannot declare relatedType because kind %s does not support references", name, field.Kind)
		}
		if field.Kind == domain.FieldKindManyToMany && field.HasChoices() {
			return fmt.Errorf("many-to-many field %s cannot declare choices", name)
		}
	}

	if identities > 1 {
		return fmt.Errorf("%d identity fields declared, expected at most one", identities)
	}
	for _, name := range entityType.DisplayFields {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("display field %s is not declared", name)
		}
	}
	return nil
}
