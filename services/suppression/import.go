package suppression

import (
	"encoding/csv"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
)

const (
	columnEmail  = "email"
	columnReason = "reason"
	columnSource = "source"
)

// ParseImportFile reads suppression rows from a .csv or .xlsx upload. The
// first row is a header naming the email, reason and source columns. A file
// without a recognised header is read as a single email column.
func ParseImportFile(filename string, r io.Reader) ([]dto.SuppressionImportRow, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return parseCSV(r)
	case ".xlsx":
		return parseXLSX(r)
	default:
		return nil, mberrors.ValidationError(nil, "unsupported import file type "+filepath.Ext(filename))
	}
}

func parseCSV(r io.Reader) ([]dto.SuppressionImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, mberrors.ValidationError(err, "failed to read csv")
		}
		records = append(records, record)
	}

	return rowsFromRecords(records), nil
}

func parseXLSX(r io.Reader) ([]dto.SuppressionImportRow, error) {
	xl, err := excelize.OpenReader(r)
	if err != nil {
		return nil, mberrors.ValidationError(err, "failed to open xlsx")
	}
	defer func() { _ = xl.Close() }()

	sheets := xl.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}

	records, err := xl.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrap(err, "failed to read xlsx rows")
	}

	return rowsFromRecords(records), nil
}

func rowsFromRecords(records [][]string) []dto.SuppressionImportRow {
	if len(records) == 0 {
		return nil
	}

	columns := map[string]int{columnEmail: 0, columnReason: -1, columnSource: -1}
	start := 0
	if header, ok := parseHeader(records[0]); ok {
		columns = header
		start = 1
	}

	rows := make([]dto.SuppressionImportRow, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		record := records[i]
		if isBlank(record) {
			continue
		}
		rows = append(rows, dto.SuppressionImportRow{
			Line:   i + 1,
			Email:  cell(record, columns[columnEmail]),
			Reason: cell(record, columns[columnReason]),
			Source: cell(record, columns[columnSource]),
		})
	}
	return rows
}

func parseHeader(record []string) (map[string]int, bool) {
	columns := map[string]int{columnEmail: -1, columnReason: -1, columnSource: -1}
	for i, name := range record {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, ok := columns[name]; ok {
			columns[name] = i
		}
	}
	return columns, columns[columnEmail] >= 0
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
