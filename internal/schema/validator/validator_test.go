package validator

import (
	"strings"
	"testing"

	"github.com/rpattn/chronicle/internal/domain"
)

func TestValidateFields_AllowsReferenceFields(t *testing.T) {
	book := domain.EntityType{
		Name: "book",
		Fields: []domain.FieldDefinition{
			{Name: "id", Kind: domain.FieldKindIdentity},
			{Name: "title", Kind: domain.FieldKindScalar},
			{Name: "publisher", Kind: domain.FieldKindForeignKey, RelatedType: "publisher"},
			{Name: "authors", Kind: domain.FieldKindManyToMany, RelatedType: "author"},
		},
		DisplayFields: []string{"title"},
	}

	if err := ValidateFields(book); err != nil {
		t.Fatalf("expected validation to pass, got error: %v", err)
	}
}

func TestValidateFields_RejectsInvalidDeclarations(t *testing.T) {
	cases := map[string]struct {
		fields  []domain.FieldDefinition
		display []string
		want    string
	}{
		"missing related type": {
			fields: []domain.FieldDefinition{{Name: "owner", Kind: domain.FieldKindForeignKey}},
			want:   "must declare relatedType",
		},
		"related type on scalar": {
			fields: []domain.FieldDefinition{{Name: "title", Kind: domain.FieldKindScalar, RelatedType: "book"}},
			want:   "does not support references",
		},
		"unknown kind": {
			fields: []domain.FieldDefinition{{Name: "shape", Kind: "geometry"}},
			want:   "unsupported kind",
		},
		"duplicate": {
			fields: []domain.FieldDefinition{{Name: "title", Kind: domain.FieldKindScalar}, {Name: "title", Kind: domain.FieldKindScalar}},
			want:   "declared twice",
		},
		"two identities": {
			fields: []domain.FieldDefinition{{Name: "id", Kind: domain.FieldKindIdentity}, {Name: "pk", Kind: domain.FieldKindIdentity}},
			want:   "identity fields",
		},
		"unknown display field": {
			fields:  []domain.FieldDefinition{{Name: "title", Kind: domain.FieldKindScalar}},
			display: []string{"name"},
			want:    "display field name",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateFields(domain.EntityType{Name: "thing", Fields: tc.fields, DisplayFields: tc.display})
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
