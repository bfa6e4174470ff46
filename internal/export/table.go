// Package export writes classification results as downloadable tables.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/Brownie44l1/tumor-api/internal/inference"
)

const (
	// ErrorMarker fills the prediction column of a failed image.
	ErrorMarker = "Error"
	// Placeholder fills every numeric column of a failed image.
	Placeholder = "N/A"

	sheetName = "Predictions"
)

// Header returns the column names: filename, prediction, confidence and one
// column per class label in model order.
func Header(labels []string) []string {
	header := make([]string, 0, 3+len(labels))
	header = append(header, "Filename", "Prediction", "Confidence")
	return append(header, labels...)
}

// Cell is one table value. Num is used when Numeric is set, Text otherwise.
type Cell struct {
	Text    string
	Num     float64
	Numeric bool
}

func (c Cell) String() string {
	if c.Numeric {
		return strconv.FormatFloat(c.Num, 'f', -1, 64)
	}
	return c.Text
}

func text(s string) Cell { return Cell{Text: s} }
func number(v float64) Cell { return Cell{Num: v, Numeric: true} }

// Rows converts results into table rows aligned with Header(labels). The
// confidence column carries the top score at 4 decimals.
func Rows(labels []string, results []inference.Result) [][]Cell {
	rows := make([][]Cell, 0, len(results))
	for _, r := range results {
		row := make([]Cell, 0, 3+len(labels))
		row = append(row, text(r.Filename))
		if r.Failed() {
			row = append(row, text(ErrorMarker), text(Placeholder))
			for range labels {
				row = append(row, text(Placeholder))
			}
			rows = append(rows, row)
			continue
		}

		row = append(row, text(r.Prediction), number(r.Scores[r.Prediction]))
		for _, label := range labels {
			row = append(row, number(r.Scores[label]))
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV writes the header and one row per result.
func WriteCSV(w io.Writer, labels []string, results []inference.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(labels)); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range Rows(labels, results) {
		record := make([]string, len(row))
		for i, c := range row {
			record[i] = c.String()
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// WriteXLSX writes the same table as a single-sheet workbook.
func WriteXLSX(w io.Writer, labels []string, results []inference.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := Header(labels)
	headerRow := make([]interface{}, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	lastCol, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheetName, "A1", lastCol, bold); err != nil {
		return fmt.Errorf("style xlsx header: %w", err)
	}
	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze xlsx header: %w", err)
	}

	for i, row := range Rows(labels, results) {
		values := make([]interface{}, len(row))
		for j, c := range row {
			if c.Numeric {
				values[j] = c.Num
			} else {
				values[j] = c.Text
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return fmt.Errorf("write xlsx row: %w", err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
