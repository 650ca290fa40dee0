package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// CSVOptions controls how tables are read from and written to CSV.
type CSVOptions struct {
	Delimiter string `json:"delimiter"`
	NullValue string `json:"null_value"`
	// Categorical forces columns to be read as text even when every cell
	// parses as a number, e.g. ICD codes or zip codes.
	Categorical []string `json:"categorical,omitempty"`
}

func (o CSVOptions) comma() (rune, error) {
	if o.Delimiter == "" {
		return ',', nil
	}
	if len(o.Delimiter) != 1 {
		return 0, errors.InvalidParameter("delimiter", o.Delimiter, "CSV delimiter must be a single character")
	}
	return rune(o.Delimiter[0]), nil
}

// ReadCSV reads a table with a header row. Each column is typed by its
// cells: numeric when all parse as numbers, boolean when all are true or
// false, categorical otherwise. Empty cells and NullValue become nulls.
func ReadCSV(r io.Reader, options CSVOptions) (*models.Table, error) {
	comma, err := options.comma()
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, "INVALID_CSV", "failed to parse CSV")
	}
	if len(records) == 0 {
		return nil, errors.NewValidationError("INVALID_CSV", "CSV has no header row")
	}

	header := records[0]
	seen := make(map[string]bool, len(header))
	for _, column := range header {
		if column == "" || seen[column] {
			return nil, errors.NewValidationError("INVALID_CSV", fmt.Sprintf("empty or duplicate column name %q", column))
		}
		seen[column] = true
	}

	rows := records[1:]
	forced := make(map[string]bool, len(options.Categorical))
	for _, c := range options.Categorical {
		forced[c] = true
	}

	kinds := make([]models.Kind, len(header))
	for j, column := range header {
		if forced[column] {
			kinds[j] = models.KindCategorical
			continue
		}
		kinds[j] = inferKind(rows, j, options.NullValue)
	}

	table := models.NewTable(header...)
	for _, row := range rows {
		rec := make(models.Record, len(header))
		for j, column := range header {
			rec[column] = parseCell(row[j], kinds[j], options.NullValue)
		}
		table.Append(rec)
	}
	return table, nil
}

func isNull(cell, nullValue string) bool {
	return cell == "" || (nullValue != "" && cell == nullValue)
}

func inferKind(rows [][]string, j int, nullValue string) models.Kind {
	numeric, boolean, present := true, true, false
	for _, row := range rows {
		cell := strings.TrimSpace(row[j])
		if isNull(cell, nullValue) {
			continue
		}
		present = true
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			numeric = false
		}
		if lower := strings.ToLower(cell); lower != "true" && lower != "false" {
			boolean = false
		}
	}
	switch {
	case !present:
		return models.KindCategorical
	case numeric:
		return models.KindNumeric
	case boolean:
		return models.KindBool
	default:
		return models.KindCategorical
	}
}

func parseCell(cell string, kind models.Kind, nullValue string) models.Value {
	trimmed := strings.TrimSpace(cell)
	if isNull(trimmed, nullValue) {
		return models.Null()
	}
	switch kind {
	case models.KindNumeric:
		f, _ := strconv.ParseFloat(trimmed, 64)
		return models.Numeric(f)
	case models.KindBool:
		return models.Bool(strings.EqualFold(trimmed, "true"))
	default:
		return models.Categorical(trimmed)
	}
}

// WriteCSV writes the table with a header row in column order.
func WriteCSV(ctx context.Context, w io.Writer, table *models.Table, options CSVOptions) error {
	comma, err := options.comma()
	if err != nil {
		return err
	}

	csvWriter := csv.NewWriter(w)
	csvWriter.Comma = comma

	if err := csvWriter.Write(table.Columns); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}

	row := make([]string, len(table.Columns))
	for _, rec := range table.Rows {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for j, column := range table.Columns {
			v := rec.Get(column)
			if v.IsNull() {
				row[j] = options.NullValue
			} else {
				row[j] = v.String()
			}
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}
