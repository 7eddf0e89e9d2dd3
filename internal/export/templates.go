package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var documentTemplate = template.Must(
	template.New("document.html").
		Funcs(template.FuncMap{
			"formatDate": func(t time.Time, layout string) string { return t.Format(layout) },
		}).
		ParseFS(templateFS, "templates/document.html"),
)

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Source      string
	ContentHTML template.HTML
	ExportedAt  time.Time
}

// RenderDocumentHTML renders the standalone page wrapping a document fragment.
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
