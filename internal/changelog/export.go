package changelog

import (
	"context"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rpattn/chronicle/internal/domain"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Changelog"

var exportHeader = []interface{}{"Edit date", "Type", "Record", "Editor", "Action", "Field", "Before", "After"}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// ExportXLSX writes every page matching params as a spreadsheet with one
// row per diff. params.Page is ignored.
func (s *Service) ExportXLSX(ctx context.Context, params ConsecutiveParams, w io.Writer) (err error) {
	ctx, span := tracer.Start(ctx, "changelog.ExportXLSX")
	defer func() { endSpan(span, err) }()

	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	stream, err := file.NewStreamWriter(exportSheet)
	if err != nil {
		return fmt.Errorf("failed to open sheet writer: %w", err)
	}
	if err := stream.SetRow("A1", exportHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	row := 2
	params.Page = 1
	for {
		page, err := s.GetChangelogPage(ctx, params)
		if err != nil {
			return err
		}
		for _, entry := range page.Entries {
			for _, fieldDiff := range entry.Diffs {
				cell, err := excelize.CoordinatesToCellName(1, row)
				if err != nil {
					return err
				}
				if err := stream.SetRow(cell, exportRow(entry, fieldDiff)); err != nil {
					return fmt.Errorf("failed to write row %d: %w", row, err)
				}
				row++
			}
		}
		if !page.HasNextPage {
			break
		}
		params.Page++
	}

	if err := stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if err := file.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	s.log.Info("changelog exported", "rows", row-2)
	return nil
}

func exportRow(entry Entry, fieldDiff domain.FieldDiff) []interface{} {
	editor := ""
	if entry.Editor != nil {
		editor = entry.Editor.Name
	}
	field := fieldDiff.FieldLabel
	if field == "" {
		field = fieldDiff.Field
	}
	return []interface{}{
		formatValue(entry.EditDate),
		entry.TypeLabel,
		entry.LiveName,
		editor,
		string(fieldDiff.Action),
		field,
		plainText(fieldDiff.Before),
		plainText(fieldDiff.After),
	}
}

// plainText strips diff markup and decodes entities.
func plainText(markup string) string {
	text := tagPattern.ReplaceAllString(strings.ReplaceAll(markup, "</p><p", "</p> <p"), "")
	return strings.TrimSpace(html.UnescapeString(text))
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(time.RFC3339)
	default:
		return domain.StringValue(v)
	}
}
