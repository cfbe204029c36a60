package dictionary

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mesh-intelligence/cpd/internal/atomicfile"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// SheetName is the worksheet the export writes.
const SheetName = "Properties"

var exportHeader = []string{"ID", "Name", "Data type", "Unit", "Description", "Deprecated", "Created at", "Updated at"}

// Export writes every definition, deprecated ones included, as an xlsx
// workbook to w.
func (d *Dictionary) Export(ctx context.Context, w io.Writer) error {
	defs, err := d.List(ctx, Filter{IncludeDeprecated: true})
	if err != nil {
		return err
	}
	f, err := workbook(defs)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// ExportFile writes the workbook to path, replacing it atomically.
func (d *Dictionary) ExportFile(ctx context.Context, path string) error {
	defs, err := d.List(ctx, Filter{IncludeDeprecated: true})
	if err != nil {
		return err
	}
	f, err := workbook(defs)
	if err != nil {
		return err
	}
	defer f.Close()
	return atomicfile.Write(path, 0o644, func(w io.Writer) error {
		_, err := f.WriteTo(w)
		return err
	})
}

func workbook(defs []types.PropertyDefinition) (*excelize.File, error) {
	f := excelize.NewFile()
	idx, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("removing default sheet: %w", err)
	}

	if err := setRow(f, 1, toAny(exportHeader)); err != nil {
		f.Close()
		return nil, err
	}
	for i, p := range defs {
		updated := ""
		if !p.UpdatedAt.IsZero() {
			updated = p.UpdatedAt.Format(time.RFC3339)
		}
		values := []any{p.ID, p.Name, string(p.DataType), p.Unit, p.Description, p.Deprecated, p.CreatedAt.Format(time.RFC3339), updated}
		if err := setRow(f, i+2, values); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("freezing header: %w", err)
	}
	return f, nil
}

func setRow(f *excelize.File, n int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
		return fmt.Errorf("writing row %d: %w", n, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
