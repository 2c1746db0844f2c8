package export

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"cmms/api/internal/storage"
	"cmms/api/internal/util"
	"go.uber.org/zap"
)

// TemplateFetcher returns raw template bytes by name.
type TemplateFetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Renderer turns rendered HTML into a document.
type Renderer func(ctx context.Context, html, title string) (*Result, error)

// Generator fills templates. It keeps no state between calls and never
// retries.
type Generator struct {
	templates  TemplateFetcher
	blob       storage.Blob
	logger     *zap.Logger
	timeout    time.Duration
	now        func() time.Time
	renderPDF  Renderer
	renderDOCX Renderer
}

// NewGenerator creates a generator. blob serves signature images and
// receives uploaded results; it may be nil.
func NewGenerator(templates TemplateFetcher, blob storage.Blob, timeout time.Duration, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Generator{
		templates:  templates,
		blob:       blob,
		logger:     logger.Named("export"),
		timeout:    timeout,
		now:        time.Now,
		renderPDF:  exportPDF,
		renderDOCX: exportDOCX,
	}
}

// Generate produces the filled document. Every failure is wrapped in
// ErrGenerationFailed.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	res, err := g.generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return res, nil
}

func (g *Generator) generate(ctx context.Context, req Request) (*Result, error) {
	format := req.Format
	if format == "" {
		format = FormatXLSX
	}
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	content, err := g.templates.Fetch(ctx, req.TemplateName)
	if err != nil {
		return nil, err
	}

	images := g.loadSignatureImages(ctx, req.Values)
	wb, err := fillWorkbook(content, req.Values, images, g.logger)
	if err != nil {
		return nil, err
	}
	defer wb.file.Close()

	title := req.Title
	if title == "" {
		title = strings.TrimSuffix(req.TemplateName, ".xlsx")
	}

	if format == FormatXLSX {
		buf, err := wb.file.WriteToBuffer()
		if err != nil {
			return nil, fmt.Errorf("write workbook: %w", err)
		}
		return &Result{
			Data:     buf.Bytes(),
			Filename: sanitizeFilename(title) + ".xlsx",
			MimeType: mimeXLSX,
		}, nil
	}

	rows, err := wb.sheetTable()
	if err != nil {
		return nil, err
	}
	html, err := RenderDocumentHTML(TemplateData{Title: title, Rows: rows, GeneratedAt: g.now()})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatPDF:
		return g.renderPDF(ctx, html, title)
	case FormatDOCX:
		return g.renderDOCX(ctx, html, title)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// Store uploads a result under storage.PrefixGenerated. Every upload gets
// its own key, so earlier download links keep serving what they served. It
// returns the object key and a download URL when the backend provides one.
func (g *Generator) Store(ctx context.Context, res *Result) (string, string, error) {
	if g.blob == nil {
		return "", "", errors.New("no object storage configured")
	}
	ext := path.Ext(res.Filename)
	key := storage.PrefixGenerated + strings.TrimSuffix(res.Filename, ext) + "_" + util.NewID("") + ext
	if err := g.blob.Put(ctx, key, res.Data, res.MimeType); err != nil {
		return "", "", fmt.Errorf("upload generated document: %w", err)
	}
	url, err := g.blob.URL(ctx, key, 24*time.Hour)
	if err != nil {
		g.logger.Warn("presign generated document", zap.String("key", key), zap.Error(err))
	}
	return key, url, nil
}
