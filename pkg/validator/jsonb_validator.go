package validator

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rpattn/chronicle/internal/domain"
)

// JSONBValidator handles validation of JSONB entity properties against field definitions
type JSONBValidator struct{}

// NewJSONBValidator creates a new JSONB validator
func NewJSONBValidator() *JSONBValidator {
	return &JSONBValidator{}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid bool              `json:"is_valid"`
	Errors  []ValidationError `json:"errors"`
}

// Err folds the result into a single error, or nil when valid.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	first := r.Errors[0]
	if len(r.Errors) == 1 {
		return fmt.Errorf("%s", first.Message)
	}
	return fmt.Errorf("%s (and %d more)", first.Message, len(r.Errors)-1)
}

// ValidateProperties validates entity properties against the fields of its type
func (jv *JSONBValidator) ValidateProperties(properties map[string]any, fields []domain.FieldDefinition) ValidationResult {
	result := ValidationResult{
		IsValid: true,
		Errors:  []ValidationError{},
	}

	definitions := make(map[string]domain.FieldDefinition, len(fields))
	for _, field := range fields {
		definitions[field.Name] = field
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := properties[name]
		field, exists := definitions[name]

		// Check for extra properties not defined in schema
		if !exists {
			result.add(name, fmt.Sprintf("property '%s' is not defined in schema", name), value)
			continue
		}

		if err := jv.validateFieldValue(field, value); err != nil {
			result.add(name, err.Error(), value)
		}
	}

	return result
}

func (r *ValidationResult) add(field, message string, value any) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Value: value})
}

// validateFieldValue validates one value against the kind of its field
func (jv *JSONBValidator) validateFieldValue(field domain.FieldDefinition, value any) error {
	switch field.Kind {
	case domain.FieldKindIdentity:
		return fmt.Errorf("field '%s' is assigned by the store", field.Name)
	case domain.FieldKindManyToMany:
		return fmt.Errorf("field '%s' is a many-to-many relation and must be changed through membership", field.Name)
	}

	// Skip validation for null values
	if value == nil {
		return nil
	}

	switch field.Kind {
	case domain.FieldKindForeignKey, domain.FieldKindOneToOne:
		if _, ok := domain.ReferenceID(value); !ok {
			return fmt.Errorf("field '%s' must reference a %s id, got %v", field.Name, field.RelatedType, value)
		}
	case domain.FieldKindJSON:
		if _, err := json.Marshal(value); err != nil {
			return fmt.Errorf("field '%s' contains invalid JSON: %v", field.Name, err)
		}
	default:
		switch value.(type) {
		case map[string]any, []any:
			return fmt.Errorf("field '%s' must be a scalar, got %T", field.Name, value)
		}
	}

	if field.HasChoices() {
		if _, ok := field.ChoiceLabel(value); !ok {
			return fmt.Errorf("field '%s' value %v is not one of the declared choices", field.Name, value)
		}
	}

	return nil
}
