package models

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/xuri/excelize/v2"
)

// ImportRow is one parsed sheet row. Row is 1-based as shown in a spreadsheet.
type ImportRow struct {
	Row   int
	Input NewImmersionLog
}

type ImportRowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type ImportSheet struct {
	Rows   []ImportRow
	Errors []ImportRowError
}

var importColumns = map[string]string{
	"type":         "type",
	"activity":     "type",
	"description":  "description",
	"date":         "date",
	"time":         "time",
	"time_minutes": "time",
	"timeminutes":  "time",
	"minutes":      "time",
	"pages":        "pages",
	"chars":        "chars",
	"characters":   "chars",
	"episodes":     "episodes",
	"media":        "media",
	"title":        "media",
	"external_id":  "external_id",
	"externalid":   "external_id",
}

// ReadImportWorkbook returns the rows of the first sheet of an .xlsx file.
func ReadImportWorkbook(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("unable to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("unable to read sheet: %w", err)
	}
	return rows, nil
}

// ParseImportSheet maps header-named columns into log inputs. Rows that cannot be parsed are reported, not fatal.
// Blank rows are skipped. Validation of the type's requirement set happens at import time.
func ParseImportSheet(rows [][]string) (*ImportSheet, error) {
	if len(rows) == 0 {
		return nil, utils.NewValidationError("file", "sheet is empty")
	}
	columns := map[string]int{}
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(h))
		if name, ok := importColumns[key]; ok {
			if _, dup := columns[name]; !dup {
				columns[name] = i
			}
		}
	}
	if _, ok := columns["type"]; !ok {
		return nil, utils.NewValidationError("type", "missing type column")
	}

	sheet := &ImportSheet{}
	for i, row := range rows[1:] {
		rowNum := i + 2
		if isBlankRow(row) {
			continue
		}
		input, err := parseImportRow(columns, row)
		if err != nil {
			sheet.Errors = append(sheet.Errors, ImportRowError{Row: rowNum, Reason: err.Error()})
			continue
		}
		sheet.Rows = append(sheet.Rows, ImportRow{Row: rowNum, Input: input})
	}
	return sheet, nil
}

func parseImportRow(columns map[string]int, row []string) (NewImmersionLog, error) {
	cell := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var input NewImmersionLog
	t, err := ParseActivityType(cell("type"))
	if err != nil {
		return input, err
	}
	input.Type = t
	input.Description = cell("description")
	input.MediaTitle = cell("media")
	input.ExternalId = cell("external_id")
	if input.Description == "" {
		input.Description = input.MediaTitle
	}

	if v := cell("date"); v != "" {
		d, err := utils.ParseDate(v)
		if err != nil {
			return input, fmt.Errorf("invalid date %q", v)
		}
		input.Date = &d
	}

	amounts := []struct {
		name string
		dst  **int64
	}{
		{"time", &input.TimeMinutes},
		{"pages", &input.Pages},
		{"chars", &input.Chars},
		{"episodes", &input.Episodes},
	}
	for _, a := range amounts {
		v := cell(a.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.ReplaceAll(v, ",", ""), 10, 64)
		if err != nil {
			return input, fmt.Errorf("invalid %s %q", a.name, v)
		}
		*a.dst = &n
	}
	return input, nil
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
