// Package dataset reads and writes the tabular work queue: one row per
// product photo, keyed by a stable identifier, with result columns the
// driver fills in as it goes.
package dataset

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Error markers a prior run may have left in the output column. Rows
// carrying one are considered unprocessed on resume.
const (
	MarkerTimeout     = "[timeout]"
	MarkerErrorPrefix = "[error]:"
)

// Input/output column headers.
const (
	ColID       = "id"
	ColImage    = "image"
	ColOutput   = "output_path"
	ColVerdict  = "verdict"
	ColBackend  = "backend"
	ColNotes    = "notes"
)

// Item is one work row.
type Item struct {
	ID         string
	SourcePath string
	row        int // 1-based sheet row
}

// Table is the loaded workbook plus its column layout.
type Table struct {
	f     *excelize.File
	path  string
	sheet string
	cols  map[string]int // header → 1-based column
	items []*Item
	log   *slog.Logger
}

// Load opens the workbook, resolves columns from the header row, and
// builds the work items. Missing output columns are appended.
func Load(path string, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		return nil, fmt.Errorf("dataset has no active sheet")
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	t := &Table{f: f, path: path, sheet: sheet, cols: map[string]int{}, log: logger}
	for i, h := range rows[0] {
		t.cols[strings.ToLower(strings.TrimSpace(h))] = i + 1
	}
	if _, ok := t.cols[ColImage]; !ok {
		return nil, fmt.Errorf("dataset missing required %q column", ColImage)
	}
	// Append after the physical header row, not the header map: duplicate
	// or blank headers make the map shorter than the sheet is wide.
	nextCol := len(rows[0]) + 1
	for _, col := range []string{ColOutput, ColVerdict, ColBackend, ColNotes} {
		if _, ok := t.cols[col]; !ok {
			cell, _ := excelize.CoordinatesToCellName(nextCol, 1)
			if err := f.SetCellValue(sheet, cell, col); err != nil {
				return nil, fmt.Errorf("add column %q: %w", col, err)
			}
			t.cols[col] = nextCol
			nextCol++
		}
	}

	for i := 1; i < len(rows); i++ {
		rowNum := i + 1
		src := strings.TrimSpace(t.cellFromRow(rows[i], ColImage))
		if src == "" {
			continue // blank row
		}
		id := strings.TrimSpace(t.cellFromRow(rows[i], ColID))
		if id == "" {
			id = fmt.Sprintf("row-%d", rowNum)
		}
		t.items = append(t.items, &Item{ID: id, SourcePath: src, row: rowNum})
	}

	logger.Info("dataset.load.ok", "path", path, "sheet", sheet, "items", len(t.items))
	return t, nil
}

func (t *Table) Path() string   { return t.path }
func (t *Table) Items() []*Item { return t.items }

// Pending returns items still needing work: not in the processed set, and
// whose output cell is empty or carries a prior error marker.
func (t *Table) Pending(processed map[string]bool) []*Item {
	var out []*Item
	for _, it := range t.items {
		if processed[it.ID] {
			continue
		}
		v := t.cellValue(it.row, ColOutput)
		if v == "" || v == MarkerTimeout || strings.HasPrefix(v, MarkerErrorPrefix) {
			out = append(out, it)
		}
	}
	return out
}

// SetResult records a successful item.
func (t *Table) SetResult(it *Item, outputPath, verdict, backendID, notes string) error {
	for col, v := range map[string]string{
		ColOutput:  outputPath,
		ColVerdict: verdict,
		ColBackend: backendID,
		ColNotes:   notes,
	} {
		if err := t.setCell(it.row, col, v); err != nil {
			return err
		}
	}
	return nil
}

// SetFailure records a failed item with a resume-readable marker.
func (t *Table) SetFailure(it *Item, marker, notes string) error {
	if err := t.setCell(it.row, ColOutput, marker); err != nil {
		return err
	}
	return t.setCell(it.row, ColNotes, notes)
}

// SaveAtomic writes the workbook to a temp file and renames it over the
// original, so a crash mid-flush cannot corrupt the table.
func (t *Table) SaveAtomic() error {
	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".dataset-*.xlsx")
	if err != nil {
		return fmt.Errorf("create temp dataset: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp dataset: %w", err)
	}

	if err := t.f.SaveAs(tmpName); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save dataset: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace dataset: %w", err)
	}
	t.log.Debug("dataset.save.ok", "path", t.path)
	return nil
}

// Close releases the workbook.
func (t *Table) Close() error { return t.f.Close() }

func (t *Table) cellFromRow(row []string, col string) string {
	idx, ok := t.cols[col]
	if !ok || idx > len(row) {
		return ""
	}
	return row[idx-1]
}

func (t *Table) cellValue(row int, col string) string {
	cell, _ := excelize.CoordinatesToCellName(t.cols[col], row)
	v, _ := t.f.GetCellValue(t.sheet, cell)
	return strings.TrimSpace(v)
}

func (t *Table) setCell(row int, col, value string) error {
	cell, _ := excelize.CoordinatesToCellName(t.cols[col], row)
	if err := t.f.SetCellValue(t.sheet, cell, value); err != nil {
		return fmt.Errorf("set %s row %d: %w", col, row, err)
	}
	return nil
}
