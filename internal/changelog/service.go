package changelog

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/chronicle/internal/changelog/diff"
	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/entityloader"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/rpattn/chronicle/internal/changelog")

const (
	defaultPageSize    = 50
	defaultMaxPageSize = 500
	renderConcurrency  = 8
)

// FieldEntry shows one tracked field of a changelog entry side by side.
type FieldEntry struct {
	Field           string            `json:"field"`
	FieldName       string            `json:"fieldName"`
	PreviousDisplay string            `json:"previousDisplay"`
	CurrentDisplay  string            `json:"currentDisplay"`
	HasDifference   bool              `json:"hasDifference"`
	Diff            *domain.FieldDiff `json:"diff,omitempty"`
}

// Entry is one rendered changelog row.
type Entry struct {
	EntityType      string             `json:"entityType"`
	TypeLabel       string             `json:"typeLabel"`
	EntityID        int64              `json:"entityId"`
	LiveName        string             `json:"liveName"`
	Version         domain.Version     `json:"version"`
	PreviousVersion *domain.Version    `json:"previousVersion,omitempty"`
	Editor          *domain.Editor     `json:"editor,omitempty"`
	EditDate        time.Time          `json:"editDate"`
	Diffs           []domain.FieldDiff `json:"diffs"`
	FieldEntries    []FieldEntry       `json:"fieldEntries"`
}

// Page is a rendered changelog page.
type Page struct {
	Entries     []Entry `json:"entries"`
	Page        int     `json:"page"`
	PageSize    int     `json:"pageSize"`
	TotalCount  int     `json:"totalCount"`
	TotalPages  int     `json:"totalPages"`
	HasNextPage bool    `json:"hasNextPage"`
}

// Comparison is one rendered arbitrary-pair record.
type Comparison struct {
	EntityType string             `json:"entityType"`
	TypeLabel  string             `json:"typeLabel"`
	EntityID   int64              `json:"entityId"`
	LiveName   string             `json:"liveName"`
	Left       *domain.Version    `json:"left,omitempty"`
	Right      *domain.Version    `json:"right,omitempty"`
	Diffs      []domain.FieldDiff `json:"diffs"`
}

// Service renders changelog pages and snapshot comparisons.
type Service struct {
	store    repository.Store
	registry *versioning.Registry
	log      *logger.Logger

	pageSize    int
	maxPageSize int
	labels      diff.Labels
	loaderWait  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithPageSize sets the page size used when a request does not name one.
func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithMaxPageSize caps the page size a request may ask for.
func WithMaxPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.maxPageSize = size
		}
	}
}

// WithLabels overrides the field labels used in rendered diffs.
func WithLabels(labels diff.Labels) Option {
	return func(s *Service) {
		s.labels = labels
	}
}

// WithLoaderWait sets the batching window of loaders the service creates itself.
func WithLoaderWait(wait time.Duration) Option {
	return func(s *Service) {
		if wait > 0 {
			s.loaderWait = wait
		}
	}
}

// NewService creates a changelog service reading versions from store.
func NewService(store repository.Store, registry *versioning.Registry, log *logger.Logger, opts ...Option) *Service {
	service := &Service{
		store:       store,
		registry:    registry,
		log:         logger.OrNop(log),
		pageSize:    defaultPageSize,
		maxPageSize: defaultMaxPageSize,
		labels:      diff.DefaultLabels(),
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.maxPageSize < service.pageSize {
		service.maxPageSize = service.pageSize
	}
	return service
}

// GetChangelogPage fetches one page of consecutive version pairs and renders
// their diffs. A zero page or page size falls back to page 1 and the default size.
func (s *Service) GetChangelogPage(ctx context.Context, params ConsecutiveParams) (page *Page, err error) {
	params = s.withDefaults(params)
	ctx, span := tracer.Start(ctx, "changelog.GetChangelogPage", trace.WithAttributes(
		attribute.Int("changelog.page", params.Page),
		attribute.Int("changelog.page_size", params.PageSize),
	))
	defer func() { endSpan(span, err) }()

	if params.PageSize > s.maxPageSize {
		return nil, domain.NewInvalidQueryError("page size %d exceeds the maximum of %d", params.PageSize, s.maxPageSize)
	}

	loaders := s.loadersFor(ctx)
	fetched, err := NewConsecutiveFetcher(s.store, s.registry, loaders).Fetch(ctx, params)
	if err != nil {
		return nil, err
	}

	editors, err := s.editors(ctx, fetched.Entries)
	if err != nil {
		return nil, err
	}

	differ := diff.NewDiffer(loaders, s.labels)
	entries := make([]Entry, len(fetched.Entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renderConcurrency)
	for i, resolved := range fetched.Entries {
		g.Go(func() error {
			entry, err := s.render(gctx, differ, resolved)
			if err != nil {
				return err
			}
			if resolved.Version.EditedByID != nil {
				if editor, ok := editors[*resolved.Version.EditedByID]; ok {
					entry.Editor = &editor
				}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("changelog.total", fetched.TotalCount))
	s.log.Info("changelog page fetched", "page", fetched.Page, "page_size", fetched.PageSize, "total", fetched.TotalCount)

	return &Page{
		Entries:     entries,
		Page:        fetched.Page,
		PageSize:    fetched.PageSize,
		TotalCount:  fetched.TotalCount,
		TotalPages:  fetched.TotalPages,
		HasNextPage: fetched.HasNextPage,
	}, nil
}

func (s *Service) render(ctx context.Context, differ *diff.Differ, resolved domain.ChangelogEntry) (Entry, error) {
	schema, err := s.registry.Schema(resolved.EntityType)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		EntityType:      resolved.EntityType,
		TypeLabel:       schema.Live.Label(),
		EntityID:        resolved.Entity.ID,
		LiveName:        schema.Live.DisplayName(resolved.Entity),
		Version:         resolved.Version,
		PreviousVersion: resolved.Previous,
		EditDate:        resolved.Version.BusinessDate,
	}

	fields := schema.DiffableFields()
	entry.FieldEntries = make([]FieldEntry, 0, len(fields))
	entry.Diffs = make([]domain.FieldDiff, 0, len(fields))
	for _, field := range fields {
		fieldEntry := FieldEntry{Field: field.Name, FieldName: field.Label()}
		if fieldEntry.CurrentDisplay, err = differ.DisplayValue(ctx, field, resolved.Version); err != nil {
			return Entry{}, err
		}
		if resolved.Previous != nil {
			if fieldEntry.PreviousDisplay, err = differ.DisplayValue(ctx, field, *resolved.Previous); err != nil {
				return Entry{}, err
			}
			if fieldEntry.Diff, err = differ.FieldDiff(ctx, field, resolved.Version, *resolved.Previous); err != nil {
				return Entry{}, err
			}
		}
		if fieldEntry.Diff != nil {
			fieldEntry.HasDifference = true
			entry.Diffs = append(entry.Diffs, *fieldEntry.Diff)
		}
		entry.FieldEntries = append(entry.FieldEntries, fieldEntry)
	}
	if resolved.Previous == nil {
		entry.Diffs = []domain.FieldDiff{differ.Created()}
	}
	return entry, nil
}

// GetArbitraryComparison compares two snapshot sets and renders one record
// per entity whose selected versions differ.
func (s *Service) GetArbitraryComparison(ctx context.Context, pairs []domain.PairQuery) (comparisons []Comparison, err error) {
	ctx, span := tracer.Start(ctx, "changelog.GetArbitraryComparison", trace.WithAttributes(
		attribute.Int("changelog.pairs", len(pairs)),
	))
	defer func() { endSpan(span, err) }()

	loaders := s.loadersFor(ctx)
	records, err := NewArbitraryFetcher(s.store, s.registry, loaders).Fetch(ctx, pairs)
	if err != nil {
		return nil, err
	}

	differ := diff.NewDiffer(loaders, s.labels)
	comparisons = make([]Comparison, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renderConcurrency)
	for i, record := range records {
		g.Go(func() error {
			schema, err := s.registry.Schema(record.EntityType)
			if err != nil {
				return err
			}
			comparison := Comparison{
				EntityType: record.EntityType,
				TypeLabel:  schema.Live.Label(),
				EntityID:   record.EntityID,
				LiveName:   schema.Live.DisplayName(record.Entity),
				Left:       record.Left,
				Right:      record.Right,
			}
			switch {
			case record.Right == nil:
				comparison.Diffs = []domain.FieldDiff{differ.Deleted()}
			case record.Left == nil:
				comparison.Diffs = []domain.FieldDiff{differ.Created()}
			default:
				comparison.Diffs, err = differ.VersionDiffs(gctx, schema.DiffableFields(), *record.Right, record.Left)
				if err != nil {
					return err
				}
			}
			comparisons[i] = comparison
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.log.Debug("arbitrary comparison rendered", "pairs", len(pairs), "records", len(comparisons))
	return comparisons, nil
}

// UnifiedDiff renders a plain-text unified diff between two versions of one
// type. Either id may be zero to diff against nothing.
func (s *Service) UnifiedDiff(ctx context.Context, entityType string, leftID, rightID int64) (string, error) {
	if _, err := s.registry.Schema(entityType); err != nil {
		return "", err
	}
	loaders := s.loadersFor(ctx)

	snapshot := func(id int64) (*domain.VersionSnapshot, string, error) {
		if id == 0 {
			return nil, "(none)", nil
		}
		version, err := loaders.Versions(ctx, entityType, []int64{id})
		if err != nil {
			return nil, "", err
		}
		snap := domain.NewVersionSnapshot(version[0])
		return &snap, fmt.Sprintf("%s version %d", entityType, id), nil
	}

	left, leftLabel, err := snapshot(leftID)
	if err != nil {
		return "", err
	}
	right, rightLabel, err := snapshot(rightID)
	if err != nil {
		return "", err
	}
	return domain.DiffVersionSnapshots(leftLabel, left, rightLabel, right)
}

func (s *Service) withDefaults(params ConsecutiveParams) ConsecutiveParams {
	if params.Page == 0 {
		params.Page = 1
	}
	if params.PageSize == 0 {
		params.PageSize = s.pageSize
	}
	return params
}

func (s *Service) loadersFor(ctx context.Context) *entityloader.Loaders {
	if loaders, ok := entityloader.FromContext(ctx); ok {
		return loaders
	}
	var opts []entityloader.Option
	if s.loaderWait > 0 {
		opts = append(opts, entityloader.WithWait(s.loaderWait))
	}
	return entityloader.New(s.store, s.registry, opts...)
}

func (s *Service) editors(ctx context.Context, entries []domain.ChangelogEntry) (map[uuid.UUID]domain.Editor, error) {
	seen := map[uuid.UUID]struct{}{}
	ids := make([]uuid.UUID, 0)
	for _, entry := range entries {
		if entry.Version.EditedByID == nil {
			continue
		}
		id := *entry.Version.EditedByID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	editors := make(map[uuid.UUID]domain.Editor, len(ids))
	if len(ids) == 0 {
		return editors, nil
	}
	found, err := s.store.Editors().GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, editor := range found {
		editors[editor.ID] = editor
	}
	return editors, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
