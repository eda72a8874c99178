package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/chronicle/internal/db"
	"github.com/rpattn/chronicle/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type versionRepository struct {
	db db.DBTX
}

// NewVersionRepository creates a pgx-backed version repository.
func NewVersionRepository(exec db.DBTX) VersionRepository {
	return &versionRepository{db: exec}
}

const versionColumns = `v.id, v.eternal_id, v.entity_type, v.properties, v.relations, v.business_date, v.system_date, v.edited_by_id`

// previousVersionSubquery selects the version immediately before v in its
// entity's (business_date, id) order.
const previousVersionSubquery = `(SELECT p.id FROM entity_versions p
	WHERE p.eternal_id = v.eternal_id
	AND (p.business_date < v.business_date OR (p.business_date = v.business_date AND p.id < v.id))
	ORDER BY p.business_date DESC, p.id DESC LIMIT 1)`

// mostRecentVersionSubquery selects the current version of v's entity.
const mostRecentVersionSubquery = `(SELECT m.id FROM entity_versions m
	WHERE m.eternal_id = v.eternal_id
	ORDER BY m.business_date DESC, m.id DESC LIMIT 1)`

func (r *versionRepository) Insert(ctx context.Context, version domain.Version) (domain.Version, error) {
	values := version.Values
	if values == nil {
		values = map[string]any{}
	}
	relations := version.Relations
	if relations == nil {
		relations = map[string][]int64{}
	}

	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO entity_versions (eternal_id, entity_type, properties, relations, business_date, system_date, edited_by_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		version.EternalID, version.EntityType, values, relations, version.BusinessDate, version.SystemDate, toPgUUID(version.EditedByID),
	).Scan(&id)
	if err != nil {
		return domain.Version{}, fmt.Errorf("failed to insert version: %w", err)
	}

	inserted := version.Clone()
	inserted.ID = id
	return inserted, nil
}

func (r *versionRepository) Amend(ctx context.Context, versionID int64, values map[string]any, editedBy *uuid.UUID) error {
	if values == nil {
		values = map[string]any{}
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE entity_versions SET properties = $2, edited_by_id = COALESCE($3, edited_by_id) WHERE id = $1`,
		versionID, values, toPgUUID(editedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to amend version: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return &domain.VersioningInvariantError{
			Reason: fmt.Sprintf("amending version %d touched %d rows", versionID, tag.RowsAffected()),
		}
	}
	return nil
}

func (r *versionRepository) SetRelation(ctx context.Context, versionID int64, field string, ids []int64) error {
	ids = domain.SortedUniqueIDs(ids)
	tag, err := r.db.Exec(ctx,
		`UPDATE entity_versions SET relations = jsonb_set(relations, ARRAY[$2::text], $3::jsonb, true) WHERE id = $1`,
		versionID, field, ids,
	)
	if err != nil {
		return fmt.Errorf("failed to set version relation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return &domain.VersioningInvariantError{
			Reason: fmt.Sprintf("updating relation %s of version %d touched %d rows", field, versionID, tag.RowsAffected()),
		}
	}
	return nil
}

func (r *versionRepository) GetByIDs(ctx context.Context, entityType string, ids []int64) ([]domain.Version, error) {
	if len(ids) == 0 {
		return []domain.Version{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+versionColumns+` FROM entity_versions v WHERE v.entity_type = $1 AND v.id = ANY($2) ORDER BY v.id`,
		entityType, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get versions by ids: %w", err)
	}
	return collectVersions(rows)
}

func (r *versionRepository) ListForEntity(ctx context.Context, entityID int64) ([]domain.Version, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+versionColumns+` FROM entity_versions v WHERE v.eternal_id = $1 ORDER BY v.business_date DESC, v.id DESC`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return collectVersions(rows)
}

func (r *versionRepository) PreviousVersionID(ctx context.Context, version domain.Version) (*int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT p.id FROM entity_versions p
		WHERE p.eternal_id = $1 AND (p.business_date < $2 OR (p.business_date = $2 AND p.id < $3))
		ORDER BY p.business_date DESC, p.id DESC LIMIT 1`,
		version.EternalID, version.BusinessDate, version.ID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get previous version: %w", err)
	}
	return &id, nil
}

func (r *versionRepository) MostRecentVersionID(ctx context.Context, entityID int64) (*int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT id FROM entity_versions WHERE eternal_id = $1 ORDER BY business_date DESC, id DESC LIMIT 1`,
		entityID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get most recent version: %w", err)
	}
	return &id, nil
}

func (r *versionRepository) MostRecentVersionsForEntities(ctx context.Context, entityIDs []int64) ([]domain.Version, error) {
	if len(entityIDs) == 0 {
		return []domain.Version{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+versionColumns+` FROM entity_versions v
		WHERE v.eternal_id = ANY($1) AND v.id = `+mostRecentVersionSubquery+`
		ORDER BY v.eternal_id`,
		entityIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get most recent versions: %w", err)
	}
	versions, err := collectVersions(rows)
	if err != nil {
		return nil, err
	}
	if err := ensureSingleCurrent(versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func (r *versionRepository) ListConsecutive(ctx context.Context, query ConsecutiveQuery) ([]domain.VersionRow, int, error) {
	if len(query.Types) == 0 {
		return []domain.VersionRow{}, 0, nil
	}

	countSQL, countArgs := buildConsecutiveSQL(query, false)
	var total int
	if err := r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consecutive versions: %w", err)
	}

	pageSQL, pageArgs := buildConsecutiveSQL(query, true)
	rows, err := r.db.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list consecutive versions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.VersionRow, 0)
	for rows.Next() {
		var (
			row      domain.VersionRow
			previous pgtype.Int8
		)
		if err := rows.Scan(&row.ID, &row.EntityID, &row.EntityType, &row.BusinessDate, &row.SystemDate, &previous); err != nil {
			return nil, 0, fmt.Errorf("scan consecutive version row: %w", err)
		}
		if previous.Valid {
			id := previous.Int64
			row.PreviousVersionID = &id
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate consecutive version rows: %w", err)
	}
	return result, total, nil
}

func (r *versionRepository) Difference(ctx context.Context, pairs []domain.PairQuery) ([]domain.VersionComparisonPair, error) {
	if len(pairs) == 0 {
		return []domain.VersionComparisonPair{}, nil
	}

	sql, args := buildDifferenceSQL(pairs)
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("compute version difference: %w", err)
	}
	defer rows.Close()

	var leftMinusRight, rightMinusLeft []SelectedVersion
	for rows.Next() {
		var (
			side     string
			selected SelectedVersion
		)
		if err := rows.Scan(&side, &selected.EntityType, &selected.ID, &selected.EternalID); err != nil {
			return nil, fmt.Errorf("scan version difference row: %w", err)
		}
		if side == "L" {
			leftMinusRight = append(leftMinusRight, selected)
		} else {
			rightMinusLeft = append(rightMinusLeft, selected)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version difference rows: %w", err)
	}
	return PairDifferences(leftMinusRight, rightMinusLeft), nil
}

func (r *versionRepository) ClearReference(ctx context.Context, entityType, field string, targetID int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE entity_versions
		SET properties = jsonb_set(properties, ARRAY[$2::text], 'null'::jsonb)
		WHERE entity_type = $1 AND properties -> $2::text = to_jsonb($3::bigint)`,
		entityType, field, targetID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear version references: %w", err)
	}
	return nil
}

func (r *versionRepository) RemoveRelationMember(ctx context.Context, entityType, field string, targetID int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE entity_versions
		SET relations = jsonb_set(relations, ARRAY[$2::text], COALESCE((
			SELECT jsonb_agg(elem ORDER BY elem::bigint)
			FROM jsonb_array_elements(relations -> $2::text) elem
			WHERE elem <> to_jsonb($3::bigint)
		), '[]'::jsonb))
		WHERE entity_type = $1 AND relations -> $2::text @> jsonb_build_array($3::bigint)`,
		entityType, field, targetID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove relation member from versions: %w", err)
	}
	return nil
}

// buildConsecutiveSQL renders the union of per-type branches. With paged set
// it orders and paginates the union, otherwise it counts it.
func buildConsecutiveSQL(query ConsecutiveQuery, paged bool) (string, []any) {
	builder := newSQLBuilder()

	branches := make([]string, 0, len(query.Types))
	for _, filter := range query.Types {
		branches = append(branches, buildConsecutiveBranch(builder, query, filter))
	}
	union := strings.Join(branches, "\nUNION ALL\n")

	if !paged {
		return "SELECT COUNT(*) FROM (" + union + ") u", builder.args
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	sql := "SELECT u.id, u.eternal_id, u.entity_type, u.business_date, u.system_date, u.previous_version_id FROM (" + union + ") u" +
		" ORDER BY u.business_date DESC, u.entity_type ASC, u.id DESC" +
		fmt.Sprintf(" LIMIT %s OFFSET %s", builder.arg(limit), builder.arg(offset))
	return sql, builder.args
}

func buildConsecutiveBranch(builder *sqlBuilder, query ConsecutiveQuery, filter TypeFilter) string {
	inner := []string{"v.entity_type = " + builder.arg(filter.EntityType)}
	if query.EntityID != nil {
		inner = append(inner, "v.eternal_id = "+builder.arg(*query.EntityID))
	}
	if len(query.EditorIDs) > 0 {
		inner = append(inner, "v.edited_by_id = ANY("+builder.arg(uuidStrings(query.EditorIDs))+"::uuid[])")
	}
	if query.StartDate != nil {
		inner = append(inner, "v.business_date >= "+builder.arg(*query.StartDate))
	}
	if query.EndDate != nil {
		inner = append(inner, "v.business_date <= "+builder.arg(*query.EndDate))
	}

	annotated := "SELECT v.id, v.eternal_id, v.entity_type, v.business_date, v.system_date, v.properties, v.relations, " +
		previousVersionSubquery + " AS previous_version_id FROM entity_versions v WHERE " + strings.Join(inner, " AND ")

	var outer []string
	from := "(" + annotated + ") t"

	excludeCreations := query.ExcludeCreations || len(filter.ChangedFields) > 0
	if excludeCreations {
		outer = append(outer, "t.previous_version_id IS NOT NULL")
	}
	if query.OnlyCreations {
		outer = append(outer, "t.previous_version_id IS NULL")
	}

	if len(filter.ChangedFields) > 0 {
		from += " JOIN entity_versions p ON p.id = t.previous_version_id"
		differences := make([]string, 0, len(filter.ChangedFields))
		for _, field := range filter.ChangedFields {
			key := builder.arg(field.Name)
			switch {
			case field.Kind == domain.FieldKindManyToMany:
				differences = append(differences, fmt.Sprintf("COALESCE(t.relations -> %s::text, '[]'::jsonb) IS DISTINCT FROM COALESCE(p.relations -> %s::text, '[]'::jsonb)", key, key))
			case field.IsStructured():
				differences = append(differences, fmt.Sprintf("COALESCE(t.properties -> %s::text, 'null'::jsonb) IS DISTINCT FROM COALESCE(p.properties -> %s::text, 'null'::jsonb)", key, key))
			default:
				// jsonb equality is numeric, so 1 and 1.0 match; missing, null and "" are all blank.
				differences = append(differences, fmt.Sprintf("NULLIF(NULLIF(t.properties -> %s::text, 'null'::jsonb), '\"\"'::jsonb) IS DISTINCT FROM NULLIF(NULLIF(p.properties -> %s::text, 'null'::jsonb), '\"\"'::jsonb)", key, key))
			}
		}
		outer = append(outer, "("+strings.Join(differences, " OR ")+")")
	}

	sql := "SELECT t.id, t.eternal_id, t.entity_type, t.business_date, t.system_date, t.previous_version_id FROM " + from
	if len(outer) > 0 {
		sql += " WHERE " + strings.Join(outer, " AND ")
	}
	return sql
}

// buildDifferenceSQL unions the selectors of each side and returns the rows
// of left EXCEPT right tagged 'L' and right EXCEPT left tagged 'R'.
func buildDifferenceSQL(pairs []domain.PairQuery) (string, []any) {
	builder := newSQLBuilder()

	left := make([]string, 0, len(pairs))
	right := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		left = append(left, buildSelectorSQL(builder, pair.EntityType, pair.Left))
		right = append(right, buildSelectorSQL(builder, pair.EntityType, pair.Right))
	}

	sql := "WITH l AS (" + strings.Join(left, " UNION ") + "), r AS (" + strings.Join(right, " UNION ") + ")\n" +
		"SELECT 'L' AS side, lm.entity_type, lm.id, lm.eternal_id FROM (SELECT * FROM l EXCEPT SELECT * FROM r) lm\n" +
		"UNION ALL\n" +
		"SELECT 'R' AS side, rm.entity_type, rm.id, rm.eternal_id FROM (SELECT * FROM r EXCEPT SELECT * FROM l) rm"
	return sql, builder.args
}

func buildSelectorSQL(builder *sqlBuilder, entityType string, selector domain.VersionSelector) string {
	where := []string{"v.entity_type = " + builder.arg(entityType)}
	if len(selector.EntityIDs) > 0 {
		where = append(where, "v.eternal_id = ANY("+builder.arg(selector.EntityIDs)+")")
	}
	if len(selector.EditorIDs) > 0 {
		where = append(where, "v.edited_by_id = ANY("+builder.arg(uuidStrings(selector.EditorIDs))+"::uuid[])")
	}

	if len(selector.VersionIDs) > 0 {
		where = append(where, "v.id = ANY("+builder.arg(selector.VersionIDs)+")")
		return "SELECT v.entity_type, v.id, v.eternal_id FROM entity_versions v WHERE " + strings.Join(where, " AND ")
	}

	if selector.AsOf != nil {
		where = append(where, "v.business_date <= "+builder.arg(*selector.AsOf))
	}
	return "SELECT s.entity_type, s.id, s.eternal_id FROM (SELECT DISTINCT ON (v.eternal_id) v.entity_type, v.id, v.eternal_id FROM entity_versions v WHERE " +
		strings.Join(where, " AND ") +
		" ORDER BY v.eternal_id, v.business_date DESC, v.id DESC) s"
}

func collectVersions(rows pgx.Rows) ([]domain.Version, error) {
	defer rows.Close()

	versions := make([]domain.Version, 0)
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate versions: %w", err)
	}
	return versions, nil
}

func scanVersion(row pgx.Row) (domain.Version, error) {
	var (
		version  domain.Version
		editedBy pgtype.UUID
	)
	if err := row.Scan(
		&version.ID,
		&version.EternalID,
		&version.EntityType,
		&version.Values,
		&version.Relations,
		&version.BusinessDate,
		&version.SystemDate,
		&editedBy,
	); err != nil {
		return domain.Version{}, err
	}
	if version.Values == nil {
		version.Values = map[string]any{}
	}
	if version.Relations == nil {
		version.Relations = map[string][]int64{}
	}
	if editedBy.Valid {
		id := uuid.UUID(editedBy.Bytes)
		version.EditedByID = &id
	}
	return version, nil
}

// ensureSingleCurrent fails when more than one current version was returned for an entity.
func ensureSingleCurrent(versions []domain.Version) error {
	seen := make(map[int64]int64, len(versions))
	for _, version := range versions {
		if other, ok := seen[version.EternalID]; ok {
			return &domain.VersioningInvariantError{
				EntityType: version.EntityType,
				EntityID:   version.EternalID,
				Reason:     fmt.Sprintf("versions %d and %d are both current", other, version.ID),
			}
		}
		seen[version.EternalID] = version.ID
	}
	return nil
}

func toPgUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
