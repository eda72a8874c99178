package validator

import (
	"testing"

	"github.com/rpattn/chronicle/internal/domain"
)

func TestJSONBValidatorReferenceField(t *testing.T) {
	v := NewJSONBValidator()

	fields := []domain.FieldDefinition{
		{Name: "publisher", Kind: domain.FieldKindForeignKey, RelatedType: "publisher"},
	}

	result := v.ValidateProperties(map[string]any{"publisher": "abc"}, fields)
	if result.IsValid {
		t.Fatalf("expected reference field to reject non-id value")
	}

	result = v.ValidateProperties(map[string]any{"publisher": float64(3)}, fields)
	if !result.IsValid {
		t.Fatalf("expected reference field to accept id, got errors: %+v", result.Errors)
	}

	result = v.ValidateProperties(map[string]any{"publisher": nil}, fields)
	if !result.IsValid {
		t.Fatalf("expected reference field to accept null, got errors: %+v", result.Errors)
	}
}

func TestJSONBValidatorRejectsUnknownAndRelationProperties(t *testing.T) {
	v := NewJSONBValidator()

	fields := []domain.FieldDefinition{
		{Name: "title", Kind: domain.FieldKindScalar},
		{Name: "authors", Kind: domain.FieldKindManyToMany, RelatedType: "author"},
	}

	result := v.ValidateProperties(map[string]any{"subtitle": "x", "authors": []any{1}}, fields)
	if result.IsValid {
		t.Fatalf("expected validation to fail")
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %+v", result.Errors)
	}
	if result.Errors[0].Field != "authors" {
		t.Fatalf("expected errors in property order, got %+v", result.Errors)
	}
	if result.Err() == nil {
		t.Fatalf("expected folded error")
	}
}

func TestJSONBValidatorChoices(t *testing.T) {
	v := NewJSONBValidator()

	fields := []domain.FieldDefinition{
		{Name: "status", Kind: domain.FieldKindScalar, Choices: []domain.Choice{{Value: "d", Label: "Draft"}, {Value: "p", Label: "Published"}}},
	}

	if result := v.ValidateProperties(map[string]any{"status": "p"}, fields); !result.IsValid {
		t.Fatalf("expected declared choice to pass, got %+v", result.Errors)
	}
	if result := v.ValidateProperties(map[string]any{"status": "x"}, fields); result.IsValid {
		t.Fatalf("expected undeclared choice to fail")
	}
}
