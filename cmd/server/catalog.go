package main

import "github.com/rpattn/chronicle/internal/domain"

// defaultCatalog is registered when config.yaml declares no types.
func defaultCatalog() []domain.EntityType {
	return []domain.EntityType{
		{
			Name:          "author",
			Fields:        []domain.FieldDefinition{{Name: "name", Kind: domain.FieldKindScalar}},
			DisplayFields: []string{"name"},
		},
		{
			Name:          "publisher",
			Fields:        []domain.FieldDefinition{{Name: "name", Kind: domain.FieldKindScalar}},
			DisplayFields: []string{"name"},
		},
		{
			Name: "book",
			Fields: []domain.FieldDefinition{
				{Name: "id", Kind: domain.FieldKindIdentity},
				{Name: "title", Kind: domain.FieldKindScalar},
				{Name: "status", Kind: domain.FieldKindScalar, Choices: []domain.Choice{
					{Value: "draft", Label: "Draft"},
					{Value: "published", Label: "Published"},
				}},
				{Name: "metadata", Kind: domain.FieldKindJSON, Nullable: true},
				{Name: "publisher", Kind: domain.FieldKindForeignKey, RelatedType: "publisher", OnDelete: domain.OnDeleteSetNull, Nullable: true},
				{Name: "authors", Kind: domain.FieldKindManyToMany, RelatedType: "author"},
			},
			DisplayFields: []string{"title"},
		},
	}
}
