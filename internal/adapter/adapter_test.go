package adapter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dharsanguruparan/markdrop/internal/detect"
)

func writeSource(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func hasWarning(warnings []string, code string) bool {
	for _, w := range warnings {
		if w == code {
			return true
		}
	}
	return false
}

func TestNormalizeNewlines(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "a\r\nb\rc", want: "a\nb\nc\n"},
		{in: "trailing   \nspace\t", want: "trailing\nspace\n"},
		{in: "many\n\n\n\n", want: "many\n"},
		{in: "", want: "\n"},
	}
	for _, tt := range tests {
		if got := NormalizeNewlines(tt.in); got != tt.want {
			t.Errorf("NormalizeNewlines(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTextAdapter(t *testing.T) {
	src := writeSource(t, "note.txt", "hello\r\nworld  \r\n\r\n")
	resp, err := TextAdapter{}.Convert(src, t.TempDir())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if resp.Markdown != "hello\nworld\n" {
		t.Errorf("Markdown = %q", resp.Markdown)
	}
	if len(resp.Warnings) != 0 || len(resp.Assets) != 0 {
		t.Errorf("unexpected warnings %v or assets %v", resp.Warnings, resp.Assets)
	}
}

func TestHTMLAdapter(t *testing.T) {
	page := `<!DOCTYPE html><html><head><title>ignored</title><style>p{}</style></head><body>
<h1>Title</h1>
<p>Hello <strong>world</strong> and <a href="https://x.io">link</a>.</p>
<ul><li>one</li><li>two</li></ul>
<table><tr><th>a</th><th>b</th></tr><tr><td>1</td><td>2</td></tr></table>
<img src="https://example.com/x.png" alt="remote">
<img src="data:image/png;base64,iVBORw0KGgo=" alt="logo">
<script>alert(1)</script>
</body></html>`
	src := writeSource(t, "page.html", page)
	assetDir := filepath.Join(t.TempDir(), "assets")

	resp, err := HTMLAdapter{}.Convert(src, assetDir)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	for _, want := range []string{
		"# Title\n",
		"Hello **world** and [link](https://x.io).",
		"- one\n- two\n",
		"| a | b |\n| --- | --- |\n| 1 | 2 |",
		"![remote](https://example.com/x.png)",
		"![logo](./assets/logo.png)",
	} {
		if !strings.Contains(resp.Markdown, want) {
			t.Errorf("Markdown missing %q:\n%s", want, resp.Markdown)
		}
	}
	for _, unwanted := range []string{"alert(1)", "ignored", "p{}"} {
		if strings.Contains(resp.Markdown, unwanted) {
			t.Errorf("Markdown contains %q", unwanted)
		}
	}
	if !hasWarning(resp.Warnings, WarnTablesFlattened) || !hasWarning(resp.Warnings, WarnRemoteImages) {
		t.Errorf("Warnings = %v", resp.Warnings)
	}
	path, ok := resp.Assets["logo.png"]
	if !ok {
		t.Fatalf("Assets = %v, want logo.png", resp.Assets)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("asset not written: %v", err)
	}
}

func TestHTMLAdapterLocalImageEscape(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pic.png"), []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "doc.html")
	body := `<p><img src="pic.png" alt="pic"><img src="../../etc/passwd" alt="x"></p>`
	if err := os.WriteFile(src, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	resp, err := HTMLAdapter{}.Convert(src, filepath.Join(dir, "assets"))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(resp.Assets) != 1 {
		t.Fatalf("Assets = %v, want only pic.png", resp.Assets)
	}
	if !strings.Contains(resp.Markdown, "![pic](./assets/pic.png)") {
		t.Errorf("Markdown = %q", resp.Markdown)
	}
}

func TestEMLAdapter(t *testing.T) {
	msg := strings.Join([]string{
		"From: Ada <ada@example.com>",
		"To: bob@example.com",
		"Subject: Quarterly report",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See attached.",
		"--XYZ",
		`Content-Type: application/octet-stream; name="data file.bin"`,
		`Content-Disposition: attachment; filename="data file.bin"`,
		"Content-Transfer-Encoding: base64",
		"",
		"aGVsbG8=",
		"--XYZ--",
		"",
	}, "\r\n")
	src := writeSource(t, "mail.eml", msg)
	assetDir := filepath.Join(t.TempDir(), "assets")

	resp, err := EMLAdapter{}.Convert(src, assetDir)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !strings.HasPrefix(resp.Markdown, "# Quarterly report\n") {
		t.Errorf("Markdown = %q", resp.Markdown)
	}
	if !strings.Contains(resp.Markdown, "- **From:** Ada <ada@example.com>") {
		t.Errorf("missing From line: %q", resp.Markdown)
	}
	if !strings.Contains(resp.Markdown, "See attached.") {
		t.Errorf("missing body: %q", resp.Markdown)
	}
	path, ok := resp.Assets["data-file.bin"]
	if !ok {
		t.Fatalf("Assets = %v", resp.Assets)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Errorf("attachment = %q, %v", data, err)
	}
}

func TestEMLAdapterHTMLFallback(t *testing.T) {
	msg := "Subject: hi\r\nContent-Type: text/html\r\n\r\n<p>Hello <em>there</em></p>\r\n"
	resp, err := EMLAdapter{}.Convert(writeSource(t, "m.eml", msg), t.TempDir())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !hasWarning(resp.Warnings, WarnHTMLBody) {
		t.Errorf("Warnings = %v", resp.Warnings)
	}
	if !strings.Contains(resp.Markdown, "Hello _there_") {
		t.Errorf("Markdown = %q", resp.Markdown)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	for _, dt := range []detect.DocumentType{
		detect.TypeTXT, detect.TypeHTML, detect.TypePDF, detect.TypeEML,
		detect.TypeDOCX, detect.TypePPTX, detect.TypeXLSX,
	} {
		if _, ok := r.Lookup(dt); !ok {
			t.Errorf("no adapter for %s", dt)
		}
	}
	if _, ok := r.Lookup(detect.DocumentType("odt")); ok {
		t.Error("odt should have no adapter")
	}
}
