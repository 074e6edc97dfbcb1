package store

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/llm-factory/internal/model"
)

// readCSV reads a header row followed by data rows. Empty cells are left out
// of the row so they read the same as absent JSON fields.
func readCSV(r io.Reader, fn func(model.Row) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow ragged rows

	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrapf(model.ErrMalformedInput, "store: csv header: %v", err)
	}
	header = cleanHeader(header)

	for line := 2; ; line++ {
		cells, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrapf(model.ErrMalformedInput, "store: csv line %d: %v", line, err)
		}
		row := tabularRow(header, cells)
		if len(row) == 0 {
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// readXLSX reads the first sheet of a workbook the same way as readCSV.
func readXLSX(path string, fn func(model.Row) error) error {
	if _, err := os.Stat(path); err != nil {
		return eris.Wrapf(model.ErrConfiguration, "store: open input %s: %v", path, err)
	}
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return eris.Wrapf(model.ErrMalformedInput, "store: xlsx %s: %v", path, err)
	}
	if len(f.Sheets) == 0 || len(f.Sheets[0].Rows) == 0 {
		return nil
	}

	rows := f.Sheets[0].Rows
	header := cleanHeader(cellStrings(rows[0]))
	for _, r := range rows[1:] {
		if r == nil {
			continue
		}
		row := tabularRow(header, cellStrings(r))
		if len(row) == 0 {
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func cellStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}

func cleanHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

func tabularRow(header, cells []string) model.Row {
	row := model.Row{}
	for i, v := range cells {
		if i >= len(header) || header[i] == "" || strings.TrimSpace(v) == "" {
			continue
		}
		row[header[i]] = v
	}
	return row
}
