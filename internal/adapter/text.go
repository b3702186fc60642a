package adapter

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// TextAdapter passes plain text through with normalized line endings.
type TextAdapter struct{}

// Convert implements Adapter.
func (TextAdapter) Convert(source, _ string) (Response, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return Response{}, fmt.Errorf("read text: %w", err)
	}
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return Response{Markdown: NormalizeNewlines(text), Warnings: []string{}, Assets: map[string]string{}}, nil
}
