package adapter

import (
	"archive/zip"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXAdapter renders every worksheet as a "## <sheet>" section holding one
// pipe table, first row as header. Cell formatting, formulas and merged
// ranges are lost, which is reported as TABLES_FLATTENED.
type XLSXAdapter struct{}

// Convert implements Adapter.
func (XLSXAdapter) Convert(source, assetDir string) (Response, error) {
	f, err := excelize.OpenFile(source)
	if err != nil {
		return Response{}, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	tables := 0
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return Response{}, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		rows = trimEmptyRows(rows)
		b.WriteString("## " + sheet + "\n\n")
		if len(rows) == 0 {
			b.WriteString("_Empty sheet._\n\n")
			continue
		}
		b.WriteString(markdownTable(rows) + "\n")
		tables++
	}

	warnings := []string{}
	if tables > 0 {
		warnings = append(warnings, WarnTablesFlattened)
	}

	zr, err := zip.OpenReader(source)
	if err != nil {
		return Response{}, fmt.Errorf("open xlsx media: %w", err)
	}
	defer zr.Close()
	assets, err := extractMedia(&zr.Reader, "xl/media/", assetDir)
	if err != nil {
		return Response{}, err
	}
	return Response{Markdown: NormalizeNewlines(b.String()), Warnings: warnings, Assets: assets}, nil
}

// trimEmptyRows drops trailing rows without any non-blank cell.
func trimEmptyRows(rows [][]string) [][]string {
	for len(rows) > 0 {
		last := rows[len(rows)-1]
		if strings.TrimSpace(strings.Join(last, "")) != "" {
			break
		}
		rows = rows[:len(rows)-1]
	}
	return rows
}
