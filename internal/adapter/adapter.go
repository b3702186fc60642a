// Package adapter holds the Format Adapters that turn one document type into
// Markdown. The pipeline only relies on the Adapter interface and Registry.
package adapter

import (
	"strings"
	"sync"

	"github.com/dharsanguruparan/markdrop/internal/detect"
)

// Warning codes adapters may emit. Warnings never fail a conversion.
const (
	WarnImageHeavyPDF   = "IMAGE_HEAVY_PDF"
	WarnPageLimit       = "PAGE_LIMIT_REACHED"
	WarnTablesFlattened = "TABLES_FLATTENED"
	WarnRemoteImages    = "REMOTE_IMAGES_SKIPPED"
	WarnHTMLBody        = "HTML_BODY_CONVERTED"
)

// Response is the converted Markdown plus extracted assets, keyed by the file
// name written under the asset directory.
type Response struct {
	Markdown string
	Warnings []string
	Assets   map[string]string
}

// Adapter converts source into Markdown, writing any extracted files into
// assetDir.
type Adapter interface {
	Convert(source, assetDir string) (Response, error)
}

// Func lets a plain function act as an Adapter.
type Func func(source, assetDir string) (Response, error)

// Convert calls f.
func (f Func) Convert(source, assetDir string) (Response, error) {
	return f(source, assetDir)
}

// Registry resolves adapters by document type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[detect.DocumentType]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[detect.DocumentType]Adapter)}
}

// DefaultRegistry registers an adapter for every detected document type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(detect.TypeTXT, TextAdapter{})
	r.Register(detect.TypeHTML, HTMLAdapter{})
	r.Register(detect.TypePDF, PDFAdapter{MaxPages: DefaultMaxPages})
	r.Register(detect.TypeEML, EMLAdapter{})
	r.Register(detect.TypeDOCX, DOCXAdapter{})
	r.Register(detect.TypePPTX, PPTXAdapter{})
	r.Register(detect.TypeXLSX, XLSXAdapter{})
	return r
}

// Register installs or replaces the adapter for t.
func (r *Registry) Register(t detect.DocumentType, a Adapter) {
	r.mu.Lock()
	r.adapters[t] = a
	r.mu.Unlock()
}

// Lookup returns the adapter for t.
func (r *Registry) Lookup(t detect.DocumentType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// NormalizeNewlines converts \r\n and \r to \n, strips trailing whitespace on
// every line and ends the text with exactly one newline.
func NormalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	out := strings.Join(lines, "\n")
	return strings.TrimRight(out, "\n") + "\n"
}
