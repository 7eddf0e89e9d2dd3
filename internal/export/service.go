package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"go.uber.org/zap"
)

// Converter turns a standalone HTML page into another format.
type Converter func(ctx context.Context, html string) ([]byte, error)

// Service provides document export functionality
type Service struct {
	logger *zap.Logger
	pdf    Converter
	docx   Converter
	now    func() time.Time
}

// NewService returns a Service backed by headless Chrome and pandoc.
func NewService(logger *zap.Logger) *Service {
	return &Service{
		logger: logger.Named("export"),
		pdf:    chromePDF,
		docx:   pandocDOCX,
		now:    time.Now,
	}
}

// WithConverters replaces the PDF and DOCX backends. Nil keeps the default.
func (s *Service) WithConverters(pdf, docx Converter) *Service {
	if pdf != nil {
		s.pdf = pdf
	}
	if docx != nil {
		s.docx = docx
	}
	return s
}

// Export renders doc in the requested format.
func (s *Service) Export(ctx context.Context, doc Document, format Format) (*Result, error) {
	title := doc.Title
	if title == "" && doc.Doc != nil && doc.Doc.ChildCount() > 0 {
		title = doc.Doc.Content[0].TextContent()
	}
	page, err := RenderDocumentHTML(TemplateData{
		Title:       title,
		Source:      doc.Source,
		ContentHTML: template.HTML(NodeToHTML(doc.Doc)),
		ExportedAt:  s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	name := sanitizeFilename(title)
	started := s.now()
	var result *Result
	switch format {
	case FormatHTML:
		result = &Result{Data: []byte(page), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatPDF:
		data, err := s.pdf(ctx, page)
		if err != nil {
			return nil, err
		}
		result = &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}
	case FormatDOCX:
		data, err := s.docx(ctx, page)
		if err != nil {
			return nil, err
		}
		result = &Result{
			Data:     data,
			Filename: name + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	s.logger.Debug("exported document",
		zap.String("format", string(format)),
		zap.Int("bytes", len(result.Data)),
		zap.Duration("took", s.now().Sub(started)))
	return result, nil
}
