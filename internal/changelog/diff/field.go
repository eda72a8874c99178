package diff

import (
	"context"
	"html"
	"sort"
	"strings"

	"github.com/rpattn/chronicle/internal/domain"
)

// Labels are the fixed texts used by sentinels and placeholders.
type Labels struct {
	Created string
	Edited  string
	Deleted string
	Empty   string
}

// DefaultLabels returns the English labels.
func DefaultLabels() Labels {
	return Labels{Created: "Created", Edited: "Edited", Deleted: "Deleted", Empty: "Empty"}
}

// NameResolver turns related entity ids into display names in one batch.
type NameResolver interface {
	Names(ctx context.Context, entityType string, ids []int64) (map[int64]string, error)
}

// Differ renders field diffs and display values.
type Differ struct {
	names  NameResolver
	labels Labels
}

// NewDiffer creates a Differ. Zero-valued labels fall back to the defaults.
func NewDiffer(names NameResolver, labels Labels) *Differ {
	defaults := DefaultLabels()
	if labels.Created == "" {
		labels.Created = defaults.Created
	}
	if labels.Edited == "" {
		labels.Edited = defaults.Edited
	}
	if labels.Deleted == "" {
		labels.Deleted = defaults.Deleted
	}
	if labels.Empty == "" {
		labels.Empty = defaults.Empty
	}
	return &Differ{names: names, labels: labels}
}

// Labels returns the labels in use.
func (d *Differ) Labels() Labels {
	return d.labels
}

// Created is the pseudo-diff of a version without predecessor.
func (d *Differ) Created() domain.FieldDiff {
	text := html.EscapeString(d.labels.Created)
	return domain.FieldDiff{Action: domain.DiffActionCreated, After: text, Combined: text}
}

// Deleted is the pseudo-diff of an entity absent from the right-hand side.
func (d *Differ) Deleted() domain.FieldDiff {
	text := html.EscapeString(d.labels.Deleted)
	return domain.FieldDiff{Action: domain.DiffActionDeleted, After: text, Combined: text}
}

// VersionDiffs diffs every field between previous and current. A nil
// previous yields the single created sentinel.
func (d *Differ) VersionDiffs(ctx context.Context, fields []domain.FieldDefinition, current domain.Version, previous *domain.Version) ([]domain.FieldDiff, error) {
	if previous == nil {
		return []domain.FieldDiff{d.Created()}, nil
	}
	diffs := make([]domain.FieldDiff, 0, len(fields))
	for _, field := range fields {
		fieldDiff, err := d.FieldDiff(ctx, field, current, *previous)
		if err != nil {
			return nil, err
		}
		if fieldDiff != nil {
			diffs = append(diffs, *fieldDiff)
		}
	}
	return diffs, nil
}

// FieldDiff renders one field. It returns nil when the field did not change.
func (d *Differ) FieldDiff(ctx context.Context, field domain.FieldDefinition, current, previous domain.Version) (*domain.FieldDiff, error) {
	if !domain.FieldChanged(field, previous, current) {
		return nil, nil
	}

	var (
		rendering Rendering
		err       error
	)
	switch {
	case field.Kind == domain.FieldKindManyToMany:
		rendering, err = d.relationDiff(ctx, field, previous.RelationIDs(field.Name), current.RelationIDs(field.Name))
	case field.IsReference():
		rendering, err = d.referenceDiff(ctx, field, previous.Value(field.Name), current.Value(field.Name))
	default:
		rendering = CompareInline(d.scalarText(field, previous.Value(field.Name)), d.scalarText(field, current.Value(field.Name)))
	}
	if err != nil {
		return nil, err
	}

	return &domain.FieldDiff{
		Field:      field.Name,
		FieldLabel: field.Label(),
		Action:     domain.DiffActionEdited,
		Before:     rendering.Before,
		After:      rendering.After,
		Combined:   rendering.Combined,
	}, nil
}

func (d *Differ) relationDiff(ctx context.Context, field domain.FieldDefinition, before, after []int64) (Rendering, error) {
	ids := domain.SortedUniqueIDs(append(append([]int64{}, before...), after...))
	names, err := d.resolve(ctx, field.RelatedType, ids)
	if err != nil {
		return Rendering{}, err
	}
	return ListDiff(itemsOf(before, names), itemsOf(after, names)), nil
}

func (d *Differ) referenceDiff(ctx context.Context, field domain.FieldDefinition, before, after any) (Rendering, error) {
	var ids []int64
	for _, value := range []any{before, after} {
		if id, ok := domain.ReferenceID(value); ok {
			ids = append(ids, id)
		}
	}
	names, err := d.resolve(ctx, field.RelatedType, ids)
	if err != nil {
		return Rendering{}, err
	}
	return CompareInline(d.referenceText(before, names), d.referenceText(after, names)), nil
}

func (d *Differ) resolve(ctx context.Context, entityType string, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	return d.names.Names(ctx, entityType, domain.SortedUniqueIDs(ids))
}

func (d *Differ) referenceText(value any, names map[int64]string) string {
	id, ok := domain.ReferenceID(value)
	if !ok {
		return d.labels.Empty
	}
	return names[id]
}

// scalarText maps choice codes to labels and blanks to the empty placeholder.
func (d *Differ) scalarText(field domain.FieldDefinition, value any) string {
	if field.HasChoices() {
		if label, ok := field.ChoiceLabel(value); ok {
			return label
		}
	}
	if domain.IsBlank(value) {
		return d.labels.Empty
	}
	return domain.StringValue(value)
}

// DisplayValue renders the value a version holds for a field as HTML.
func (d *Differ) DisplayValue(ctx context.Context, field domain.FieldDefinition, version domain.Version) (string, error) {
	switch {
	case field.Kind == domain.FieldKindManyToMany:
		ids := version.RelationIDs(field.Name)
		if len(ids) == 0 {
			return html.EscapeString(d.labels.Empty), nil
		}
		names, err := d.resolve(ctx, field.RelatedType, ids)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, item := range itemsOf(ids, names) {
			b.WriteString("<p>" + html.EscapeString(item.Name) + "</p>")
		}
		return b.String(), nil
	case field.IsReference():
		value := version.Value(field.Name)
		names, err := d.resolve(ctx, field.RelatedType, referenceIDs(value))
		if err != nil {
			return "", err
		}
		return html.EscapeString(d.referenceText(value, names)), nil
	default:
		return html.EscapeString(d.scalarText(field, version.Value(field.Name))), nil
	}
}

func referenceIDs(value any) []int64 {
	if id, ok := domain.ReferenceID(value); ok {
		return []int64{id}
	}
	return nil
}

// itemsOf pairs ids with their names, sorted by name then id.
func itemsOf(ids []int64, names map[int64]string) []ListItem {
	out := make([]ListItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, ListItem{ID: id, Name: names[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
