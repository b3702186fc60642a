package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/dharsanguruparan/markdrop/internal/storage"
)

// EMLAdapter renders an RFC 822 message: the subject as a heading, the main
// headers as a short metadata list, the text body and attachments as assets.
// A message without a text/plain part falls back to its HTML part.
type EMLAdapter struct{}

// Convert implements Adapter.
func (EMLAdapter) Convert(source, assetDir string) (Response, error) {
	f, err := os.Open(source)
	if err != nil {
		return Response{}, fmt.Errorf("open eml: %w", err)
	}
	defer f.Close()
	env, err := enmime.ReadEnvelope(f)
	if err != nil {
		return Response{}, fmt.Errorf("parse eml: %w", err)
	}

	var b strings.Builder
	subject := strings.TrimSpace(env.GetHeader("Subject"))
	if subject == "" {
		subject = "(no subject)"
	}
	b.WriteString("# " + subject + "\n\n")
	for _, key := range []string{"From", "To", "Cc", "Date"} {
		if v := strings.TrimSpace(env.GetHeader(key)); v != "" {
			b.WriteString("- **" + key + ":** " + v + "\n")
		}
	}
	b.WriteString("\n")

	warnings := []string{}
	assets := map[string]string{}
	// enmime fills Text from the HTML part when there is no text/plain part;
	// the HTML renderer keeps more structure than that down-conversion.
	switch {
	case hasPlainText(env.Root):
		b.WriteString(strings.TrimSpace(env.Text))
	case env.HTML != "":
		rendered, err := RenderHTML(env.HTML, assetDir)
		if err != nil {
			return Response{}, err
		}
		b.WriteString(rendered.Markdown)
		warnings = append(warnings, WarnHTMLBody)
		warnings = append(warnings, rendered.Warnings...)
		for name, path := range rendered.Assets {
			assets[name] = path
		}
	}

	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	names := map[string]int{}
	for _, part := range parts {
		name, path, err := saveAttachment(part, assetDir, names)
		if err != nil {
			return Response{}, err
		}
		if path != "" {
			assets[name] = path
		}
	}
	return Response{Markdown: NormalizeNewlines(b.String()), Warnings: warnings, Assets: assets}, nil
}

func hasPlainText(p *enmime.Part) bool {
	for ; p != nil; p = p.NextSibling {
		if p.ContentType == "text/plain" && p.Disposition != "attachment" {
			return true
		}
		if hasPlainText(p.FirstChild) {
			return true
		}
	}
	return false
}

func saveAttachment(part *enmime.Part, assetDir string, names map[string]int) (string, string, error) {
	if assetDir == "" {
		return "", "", nil
	}
	filename := part.FileName
	if filename == "" {
		filename = "attachment"
	}
	name := storage.Slugify(filepath.Base(filename))
	names[name]++
	if n := names[name]; n > 1 {
		ext := filepath.Ext(name)
		name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
	}
	if err := os.MkdirAll(assetDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create asset dir: %w", err)
	}
	path := filepath.Join(assetDir, name)
	if err := os.WriteFile(path, part.Content, 0o644); err != nil {
		return "", "", fmt.Errorf("write attachment: %w", err)
	}
	return name, path, nil
}
