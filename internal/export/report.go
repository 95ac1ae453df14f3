package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"trademark-lead-pipeline/internal/models"
)

var columns = []string{
	"Position",
	"Serial Number",
	"Status",
	"Owner Name",
	"Mark Text",
	"Owner Phone",
	"Owner Email",
	"Filing Date",
	"Abandon Date",
	"Abandon Reason",
	"Attorney Name",
	"Error",
}

func row(r models.ExtractionResult) []string {
	return []string{
		strconv.Itoa(r.Position),
		r.SerialNumber,
		r.Status,
		deref(r.OwnerName),
		deref(r.MarkText),
		deref(r.OwnerPhone),
		deref(r.OwnerEmail),
		deref(r.FilingDate),
		deref(r.AbandonDate),
		deref(r.AbandonReason),
		deref(r.AttorneyName),
		deref(r.ErrorMessage),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CSV renders results as a CSV document, one row per result in the order
// given (callers pass rows in submission order).
func CSV(results []models.ExtractionResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	for _, r := range results {
		if err := w.Write(row(r)); err != nil {
			return nil, fmt.Errorf("csv row %d: %w", r.Position, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv flush: %w", err)
	}
	return buf.Bytes(), nil
}

// XLSX renders results as a single-sheet workbook in the order given.
func XLSX(results []models.ExtractionResult) ([]byte, error) {
	f := excelize.NewFile()
	const sheet = "Results"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	for i, h := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range results {
		values := row(r)
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 10) // position
	_ = f.SetColWidth(sheet, "B", "B", 16) // serial
	_ = f.SetColWidth(sheet, "C", "C", 14) // status
	_ = f.SetColWidth(sheet, "D", "D", 32) // owner
	_ = f.SetColWidth(sheet, "E", "E", 28) // mark
	_ = f.SetColWidth(sheet, "F", "G", 26) // phone/email
	_ = f.SetColWidth(sheet, "H", "J", 16) // dates/reason
	_ = f.SetColWidth(sheet, "K", "K", 28) // attorney
	_ = f.SetColWidth(sheet, "L", "L", 40) // error

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
