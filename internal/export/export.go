// Package export flattens the output log into spreadsheet-friendly tables.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/store"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// maxSheetName is the sheet name length limit of the xlsx format.
const maxSheetName = 31

// ParseFormat parses a format name. An empty name is inferred from dest's
// extension, falling back to csv.
func ParseFormat(name, dest string) (Format, error) {
	if name == "" {
		name = strings.TrimPrefix(strings.ToLower(filepath.Ext(dest)), ".")
		if name == "" {
			name = string(FormatCSV)
		}
	}
	switch Format(strings.ToLower(name)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", eris.Wrapf(model.ErrConfiguration, "export: unknown format %q", name)
	}
}

// Table is a rectangular view of stored rows.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Collect scans every row of sink into a table. Columns are the union of all
// row fields with keyField first and the error notes last.
func Collect(ctx context.Context, sink store.Sink, keyField string) (*Table, error) {
	if keyField == "" {
		keyField = model.DefaultKeyField
	}

	var rows []model.Row
	cols := map[string]bool{}
	hasErrors := false
	err := sink.Scan(ctx, func(r model.Row) error {
		rows = append(rows, r)
		for k := range r {
			switch k {
			case keyField:
			case model.ErrorsField:
				hasErrors = true
			default:
				cols[k] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "export: scan")
	}

	middle := make([]string, 0, len(cols))
	for c := range cols {
		middle = append(middle, c)
	}
	sort.Strings(middle)

	t := &Table{Columns: append([]string{keyField}, middle...)}
	if hasErrors {
		t.Columns = append(t.Columns, model.ErrorsField)
	}

	t.Rows = make([][]string, len(rows))
	for i, r := range rows {
		cells := make([]string, len(t.Columns))
		for j, c := range t.Columns {
			if c == model.ErrorsField {
				cells[j] = formatErrors(r.Errors())
				continue
			}
			cells[j] = formatValue(r[c])
		}
		t.Rows[i] = cells
	}
	return t, nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// formatErrors renders error notes as "unit [kind] message" joined by "; ".
func formatErrors(errs []model.UnitError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = fmt.Sprintf("%s [%s] %s", e.Unit, e.Kind, e.Message)
	}
	return strings.Join(parts, "; ")
}

// WriteCSV writes t with a header row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return eris.Wrap(err, "export: write csv rows")
	}
	return nil
}

// WriteXLSX saves t as a single-sheet workbook at path.
func WriteXLSX(path, sheetName string, t *Table) error {
	if sheetName == "" {
		sheetName = "output"
	}
	if len(sheetName) > maxSheetName {
		sheetName = sheetName[:maxSheetName]
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	addRow(sheet, t.Columns)
	for _, r := range t.Rows {
		addRow(sheet, r)
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, v := range cells {
		row.AddCell().SetString(v)
	}
}

// ToFile exports every row of sink to dest and returns the row count.
func ToFile(ctx context.Context, sink store.Sink, keyField string, format Format, dest, sheetName string) (int, error) {
	t, err := Collect(ctx, sink, keyField)
	if err != nil {
		return 0, err
	}
	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, eris.Wrapf(err, "export: create %s", dir)
		}
	}

	switch format {
	case FormatXLSX:
		err = WriteXLSX(dest, sheetName, t)
	default:
		err = writeCSVFile(dest, t)
	}
	if err != nil {
		return 0, err
	}

	zap.L().Info("export: wrote rows",
		zap.String("dest", dest),
		zap.String("format", string(format)),
		zap.Int("rows", len(t.Rows)),
		zap.Int("columns", len(t.Columns)),
	)
	return len(t.Rows), nil
}

func writeCSVFile(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := WriteCSV(f, t); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "export: close %s", path)
	}
	return nil
}
