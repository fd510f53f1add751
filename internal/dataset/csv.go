package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/luxfi/phe/membership"
)

// ReadCSV parses a dataset with a header row. Cells in NumericColumns become
// float64 when they parse; empty cells are left out of the row.
func ReadCSV(r io.Reader) ([]Row, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}
		row := make(Row, len(header))
		for i, cell := range rec {
			if i >= len(header) {
				break
			}
			if v, ok := parseCell(header[i], cell); ok {
				row[header[i]] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

func parseCell(column, cell string) (any, bool) {
	s := strings.TrimSpace(cell)
	if s == "" {
		return nil, false
	}
	if !NumericColumns[column] {
		return s, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) {
			return nil, false
		}
		return f, true
	}
	return s, true
}

// WriteCSV writes rows under columns. Columns absent from a row are written
// empty; columns nil means DefaultColumns.
func WriteCSV(w io.Writer, rows []Row, columns []string) error {
	if columns == nil {
		columns = DefaultColumns
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	rec := make([]string, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			rec[i] = formatCell(row[c])
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func formatCell(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return membership.Canonical(v)
}
