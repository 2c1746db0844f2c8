package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Parse(documentHTML))

// TemplateCell is one cell of the rendered sheet.
type TemplateCell struct {
	Text  string
	Image template.URL
}

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Rows        [][]TemplateCell
	GeneratedAt time.Time
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; font-size: 11pt; margin: 1.5rem; }
    h1 { font-size: 14pt; border-bottom: 2px solid #333; padding-bottom: 0.3rem; }
    table { border-collapse: collapse; width: 100%; }
    td { border: 1px solid #bbb; padding: 4px 6px; vertical-align: top; }
    td img { max-height: 48px; }
    .meta { color: #666; font-size: 9pt; margin-top: 1rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <table>
  {{range .Rows}}<tr>{{range .}}<td>{{if .Image}}<img src="{{.Image}}" alt="signature">{{else}}{{.Text}}{{end}}</td>{{end}}</tr>
  {{end}}</table>
  <div class="meta">Generated {{.GeneratedAt.Format "Jan 2, 2006 15:04"}}</div>
</body>
</html>`
