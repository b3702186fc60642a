package adapter

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// DefaultMaxPages caps how many pages the PDF adapter reads.
const DefaultMaxPages = 500

// minPDFTextChars is the amount of extracted text below which a PDF is
// assumed to be mostly scanned images.
const minPDFTextChars = 40

// PDFAdapter extracts page text with ledongthuc/pdf. Each page becomes a
// section separated by a blank line.
type PDFAdapter struct {
	MaxPages int
}

// Convert implements Adapter.
func (a PDFAdapter) Convert(source, _ string) (Response, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return Response{}, fmt.Errorf("read pdf: %w", err)
	}
	text, truncated, err := extractText(data, a.MaxPages)
	if err != nil {
		return Response{}, err
	}
	warnings := []string{}
	if truncated {
		warnings = append(warnings, WarnPageLimit)
	}
	if len(strings.TrimSpace(text)) < minPDFTextChars {
		warnings = append(warnings, WarnImageHeavyPDF)
	}
	return Response{Markdown: NormalizeNewlines(text), Warnings: warnings, Assets: map[string]string{}}, nil
}

func extractText(data []byte, maxPages int) (string, bool, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", false, fmt.Errorf("new pdf reader: %w", err)
	}
	total := doc.NumPage()
	truncated := false
	if maxPages > 0 && total > maxPages {
		total = maxPages
		truncated = true
	}
	var builder strings.Builder
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", false, fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(strings.TrimSpace(content))
		builder.WriteString("\n\n")
	}
	return builder.String(), truncated, nil
}
