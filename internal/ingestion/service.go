// Package ingestion imports rows from CSV or XLSX uploads as new versioned
// entities.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Service creates one entity per data row, each with its first version.
type Service struct {
	tracker *versioning.Tracker
	log     *logger.Logger
}

// NewService creates a new ingestion service.
func NewService(tracker *versioning.Tracker, log *logger.Logger) *Service {
	return &Service{tracker: tracker, log: logger.OrNop(log)}
}

// Request describes the import input.
type Request struct {
	EntityType     string
	FileName       string
	HeaderRowIndex *int
	Data           io.Reader
}

// RowError records why a data row was not imported.
type RowError struct {
	RowNumber int    `json:"rowNumber"`
	Message   string `json:"message"`
}

// Summary returns import level metrics.
type Summary struct {
	TotalRows       int        `json:"totalRows"`
	CreatedRows     int        `json:"createdRows"`
	InvalidRows     int        `json:"invalidRows"`
	CreatedIDs      []int64    `json:"createdIds"`
	UnmappedColumns []string   `json:"unmappedColumns"`
	Errors          []RowError `json:"errors"`
}

type tableData struct {
	headers        []string
	rawHeaders     []string
	rows           [][]string
	rowNumbers     []int
	headerRowIndex int
}

// column binds a file column to the field it fills.
type column struct {
	index int
	field domain.FieldDefinition
}

// Import reads the uploaded file and creates an entity for every valid row.
// Rows that fail coercion or validation are reported and skipped.
func (s *Service) Import(ctx context.Context, session *versioning.EditSession, req Request) (Summary, error) {
	summary := Summary{
		CreatedIDs:      []int64{},
		UnmappedColumns: []string{},
		Errors:          []RowError{},
	}

	schema, err := s.tracker.Registry().Schema(req.EntityType)
	if err != nil {
		return summary, err
	}
	if req.Data == nil {
		return summary, domain.NewInvalidQueryError("file is required")
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}

	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, &domain.InvalidQueryError{Reason: "unreadable upload", Err: err}
	}

	columns, unmapped := mapColumns(schema.Live, table)
	summary.UnmappedColumns = append(summary.UnmappedColumns, unmapped...)
	if len(columns) == 0 {
		return summary, domain.NewInvalidQueryError("no column matches a field of %s", req.EntityType)
	}
	if session == nil {
		session = versioning.NewEditSession()
	}

	summary.TotalRows = len(table.rows)
	for i, row := range table.rows {
		rowNumber := table.rowNumbers[i]
		entity, err := buildEntity(req.EntityType, columns, row)
		if err == nil {
			var created domain.Entity
			created, _, err = s.tracker.Create(ctx, session, entity)
			if err == nil {
				summary.CreatedRows++
				summary.CreatedIDs = append(summary.CreatedIDs, created.ID)
				continue
			}
		}
		if !domain.IsInvalidQuery(err) {
			return summary, fmt.Errorf("row %d: %w", rowNumber, err)
		}
		summary.InvalidRows++
		summary.Errors = append(summary.Errors, RowError{RowNumber: rowNumber, Message: err.Error()})
		s.log.Warn("import row rejected", "entity_type", req.EntityType, "row", rowNumber, "error", err)
	}

	s.log.Info("import finished",
		"entity_type", req.EntityType,
		"file", req.FileName,
		"created", summary.CreatedRows,
		"invalid", summary.InvalidRows,
	)
	return summary, nil
}

// mapColumns matches sanitized headers against field names and labels.
// Identity columns are never written.
func mapColumns(live domain.EntityType, table tableData) ([]column, []string) {
	byKey := make(map[string]domain.FieldDefinition, len(live.Fields)*2)
	for _, field := range live.Fields {
		if field.Kind == domain.FieldKindIdentity || field.Kind == domain.FieldKindEternal {
			continue
		}
		byKey[strings.ToLower(field.Name)] = field
		if _, taken := byKey[headerKey(field.Label())]; !taken {
			byKey[headerKey(field.Label())] = field
		}
	}

	var columns []column
	var unmapped []string
	used := make(map[string]bool)
	for idx, header := range table.headers {
		field, ok := byKey[strings.ToLower(header)]
		if !ok || used[field.Name] {
			unmapped = append(unmapped, table.rawHeaders[idx])
			continue
		}
		used[field.Name] = true
		columns = append(columns, column{index: idx, field: field})
	}
	return columns, unmapped
}

func headerKey(label string) string {
	return strings.ToLower(sanitizeHeaders([]string{label})[0])
}

func buildEntity(entityType string, columns []column, row []string) (domain.Entity, error) {
	entity := domain.NewEntity(entityType, nil)
	for _, col := range columns {
		raw := strings.TrimSpace(row[col.index])
		field := col.field
		if field.Kind == domain.FieldKindManyToMany {
			ids, err := parseIDList(raw)
			if err != nil {
				return domain.Entity{}, fieldError(field, err)
			}
			entity.Members[field.Name] = ids
			continue
		}
		if raw == "" {
			if field.Nullable || field.IsReference() {
				entity.Properties[field.Name] = nil
			}
			continue
		}
		value, err := coerceValue(field, raw)
		if err != nil {
			return domain.Entity{}, fieldError(field, err)
		}
		entity.Properties[field.Name] = value
	}
	return entity, nil
}

func fieldError(field domain.FieldDefinition, err error) error {
	return domain.NewInvalidQueryError("%s: %v", field.Name, err)
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows, headerRowIndex)
}

// normalizeTable picks the header row (the first non-empty one unless
// headerRowIndex is given) and pads data rows to the header width.
// Row numbers are 1-based file lines.
func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	headerIndex := -1
	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		if isEmptyRow(records[*headerRowIndex]) {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		headerIndex = *headerRowIndex
	} else {
		for idx, row := range records {
			if !isEmptyRow(row) {
				headerIndex = idx
				break
			}
		}
	}
	if headerIndex < 0 {
		return tableData{}, errors.New("header row could not be detected")
	}

	headerRow := records[headerIndex]
	table := tableData{
		headers:        sanitizeHeaders(headerRow),
		rawHeaders:     make([]string, len(headerRow)),
		headerRowIndex: headerIndex,
	}
	for i, value := range headerRow {
		table.rawHeaders[i] = strings.TrimSpace(value)
	}
	for idx := headerIndex + 1; idx < len(records); idx++ {
		if isEmptyRow(records[idx]) {
			continue
		}
		table.rows = append(table.rows, padRow(records[idx], len(table.headers)))
		table.rowNumbers = append(table.rowNumbers, idx+1)
	}
	return table, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func coerceValue(field domain.FieldDefinition, raw string) (any, error) {
	switch {
	case field.IsReference():
		id, err := parseID(raw)
		if err != nil {
			return nil, err
		}
		return id, nil
	case field.Kind == domain.FieldKindJSON:
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid json payload: %w", err)
		}
		return out, nil
	case field.HasChoices():
		return coerceChoice(field, raw)
	default:
		return inferScalar(raw), nil
	}
}

// coerceChoice accepts either the stored code or its label.
func coerceChoice(field domain.FieldDefinition, raw string) (any, error) {
	for _, choice := range field.Choices {
		if choice.Value == nil {
			continue
		}
		if strings.EqualFold(choice.Label, raw) || domain.StringValue(choice.Value) == raw {
			return choice.Value, nil
		}
	}
	return nil, fmt.Errorf("%q is not a valid choice", raw)
}

// inferScalar keeps integers, floats and booleans typed; anything else stays text.
func inferScalar(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func parseID(raw string) (int64, error) {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return id, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
		return int64(f), nil
	}
	return 0, fmt.Errorf("unable to coerce %q to an id", raw)
}

// parseIDList splits comma or semicolon separated ids.
func parseIDList(raw string) ([]int64, error) {
	if raw == "" {
		return []int64{}, nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := parseID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return domain.SortedUniqueIDs(ids), nil
}
