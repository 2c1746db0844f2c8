package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	_ "image/jpeg" // excelize sizes pictures through the image registry
	_ "image/png"
	"net/http"
	"path"
	"strings"

	"cmms/api/internal/placeholder"
	"cmms/api/internal/storage"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type signatureImage struct {
	ext  string
	data []byte
}

func (img signatureImage) dataURI() template.URL {
	return template.URL("data:" + http.DetectContentType(img.data) + ";base64," + base64.StdEncoding.EncodeToString(img.data))
}

type cellRef struct {
	sheet string
	cell  string
}

// filledWorkbook is a template with its tokens replaced. Signature cells that
// resolved to a stored image are kept apart so every format can place them.
type filledWorkbook struct {
	file   *excelize.File
	first  string
	images map[cellRef]signatureImage
}

// loadSignatureImages fetches the images behind signature values that point
// into signature storage. Missing images fall back to the plain value.
func (g *Generator) loadSignatureImages(ctx context.Context, values map[string]string) map[string]signatureImage {
	images := make(map[string]signatureImage)
	if g.blob == nil {
		return images
	}
	for key, value := range values {
		if placeholder.Parse(key).Kind != placeholder.KindSignature {
			continue
		}
		if !strings.HasPrefix(value, storage.PrefixSignatures) {
			continue
		}
		data, err := g.blob.Get(ctx, value)
		if err != nil {
			g.logger.Warn("signature image unavailable", zap.String("key", value), zap.Error(err))
			continue
		}
		images[key] = signatureImage{ext: strings.ToLower(path.Ext(value)), data: data}
	}
	return images
}

// fillWorkbook replaces tokens in every sheet. A cell whose whole content is
// one signature token with an image is cleared and the image anchored there.
// An image excelize cannot embed leaves the plain signature value in the cell.
func fillWorkbook(content []byte, values map[string]string, images map[string]signatureImage, logger *zap.Logger) (*filledWorkbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("template has no sheets")
	}

	out := &filledWorkbook{file: f, first: sheets[0], images: make(map[cellRef]signatureImage)}
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		for r, row := range rows {
			for c, text := range row {
				if !strings.Contains(text, "{{") {
					continue
				}
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				if err != nil {
					f.Close()
					return nil, err
				}
				if img, ok := wholeSignatureImage(text, images); ok {
					err := f.AddPictureFromBytes(sheet, cell, &excelize.Picture{
						Extension: img.ext,
						File:      img.data,
						Format:    &excelize.GraphicOptions{AutoFit: true, LockAspectRatio: true},
					})
					if err == nil {
						if err := f.SetCellValue(sheet, cell, ""); err != nil {
							f.Close()
							return nil, fmt.Errorf("clear %s!%s: %w", sheet, cell, err)
						}
						out.images[cellRef{sheet: sheet, cell: cell}] = img
						continue
					}
					logger.Warn("signature image not embedded",
						zap.String("cell", sheet+"!"+cell),
						zap.Error(err),
					)
				}
				if err := f.SetCellValue(sheet, cell, placeholder.Replace(text, values)); err != nil {
					f.Close()
					return nil, fmt.Errorf("fill %s!%s: %w", sheet, cell, err)
				}
			}
		}
	}
	return out, nil
}

func wholeSignatureImage(text string, images map[string]signatureImage) (signatureImage, bool) {
	tokens := placeholder.Scan(text)
	if len(tokens) != 1 || strings.TrimSpace(text) != "{{"+tokens[0]+"}}" {
		return signatureImage{}, false
	}
	img, ok := images[tokens[0]]
	return img, ok
}

// sheetTable is the first sheet of a filled workbook as renderable rows.
func (w *filledWorkbook) sheetTable() ([][]TemplateCell, error) {
	rows, err := w.file.GetRows(w.first)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", w.first, err)
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	for ref := range w.images {
		if ref.sheet != w.first {
			continue
		}
		col, row, err := excelize.CellNameToCoordinates(ref.cell)
		if err != nil {
			continue
		}
		for len(rows) < row {
			rows = append(rows, nil)
		}
		if col > width {
			width = col
		}
	}

	table := make([][]TemplateCell, 0, len(rows))
	for r, row := range rows {
		cells := make([]TemplateCell, width)
		for c := range cells {
			if c < len(row) {
				cells[c].Text = row[c]
			}
			name, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return nil, err
			}
			if img, ok := w.images[cellRef{sheet: w.first, cell: name}]; ok {
				cells[c].Image = img.dataURI()
			}
		}
		table = append(table, cells)
	}
	return table, nil
}
