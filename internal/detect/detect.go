// Package detect classifies source files by extension and confirms the
// classification by sniffing their content.
package detect

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupported wraps every detection failure.
var ErrUnsupported = errors.New("unsupported document type")

// DocumentType is the classification adapters are registered under.
type DocumentType string

const (
	TypePDF  DocumentType = "pdf"
	TypeHTML DocumentType = "html"
	TypeTXT  DocumentType = "txt"
	TypeEML  DocumentType = "eml"
	TypeDOCX DocumentType = "docx"
	TypePPTX DocumentType = "pptx"
	TypeXLSX DocumentType = "xlsx"
)

// Result is what a Detector reports for a file.
type Result struct {
	DocumentType DocumentType
	MIMEType     string
	Extension    string
}

// Detector is the document-type detection collaborator.
type Detector interface {
	Detect(path string) (Result, error)
}

var extensions = map[string]DocumentType{
	".pdf":  TypePDF,
	".html": TypeHTML,
	".htm":  TypeHTML,
	".txt":  TypeTXT,
	".md":   TypeTXT,
	".eml":  TypeEML,
	".docx": TypeDOCX,
	".pptx": TypePPTX,
	".xlsx": TypeXLSX,
}

var mimeTypes = map[DocumentType]string{
	TypePDF:  "application/pdf",
	TypeHTML: "text/html",
	TypeTXT:  "text/plain",
	TypeEML:  "message/rfc822",
	TypeDOCX: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	TypePPTX: "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	TypeXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// MIMEFor returns the canonical MIME type of a document type.
func MIMEFor(t DocumentType) string {
	return mimeTypes[t]
}

// Sniffer is the default Detector.
type Sniffer struct{}

// New returns the default Detector.
func New() *Sniffer {
	return &Sniffer{}
}

// Detect maps the extension to a document type and, for formats with a
// reliable signature, checks that the content agrees.
func (s *Sniffer) Detect(path string) (Result, error) {
	ext := strings.ToLower(filepath.Ext(path))
	docType, ok := extensions[ext]
	if !ok {
		if ext == "" {
			ext = "<none>"
		}
		return Result{}, fmt.Errorf("%w: extension %s", ErrUnsupported, ext)
	}
	expected := mimeTypes[docType]
	switch docType {
	case TypeTXT, TypeEML:
		// Plain text and mail have no signature worth trusting.
	default:
		detected, err := mimetype.DetectFile(path)
		if err != nil {
			return Result{}, fmt.Errorf("%w: sniff %s: %v", ErrUnsupported, filepath.Base(path), err)
		}
		if !detected.Is(expected) {
			return Result{}, fmt.Errorf("%w: MIME sniff mismatch: expected %s, detected %s", ErrUnsupported, expected, detected.String())
		}
	}
	return Result{DocumentType: docType, MIMEType: expected, Extension: ext}, nil
}
