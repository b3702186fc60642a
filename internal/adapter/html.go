package adapter

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/dharsanguruparan/markdrop/internal/storage"
)

// HTMLAdapter renders an HTML document as Markdown. Inline data: images and
// images referenced relative to the source file are extracted as assets.
type HTMLAdapter struct{}

// Convert implements Adapter.
func (HTMLAdapter) Convert(source, assetDir string) (Response, error) {
	f, err := os.Open(source)
	if err != nil {
		return Response{}, fmt.Errorf("open html: %w", err)
	}
	defer f.Close()
	doc, err := html.Parse(f)
	if err != nil {
		return Response{}, fmt.Errorf("parse html: %w", err)
	}
	r := newHTMLRenderer(filepath.Dir(source), assetDir)
	r.render(doc)
	return r.response(), nil
}

// RenderHTML converts an HTML fragment already in memory. Used by the mail
// adapter for HTML-only bodies.
func RenderHTML(body, assetDir string) (Response, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("parse html: %w", err)
	}
	r := newHTMLRenderer("", assetDir)
	r.render(doc)
	return r.response(), nil
}

type htmlRenderer struct {
	baseDir  string
	assetDir string
	out      *strings.Builder
	assets   map[string]string
	warnings map[string]bool
	order    []string
	images   int
	inPre    bool
}

func newHTMLRenderer(baseDir, assetDir string) *htmlRenderer {
	return &htmlRenderer{
		baseDir:  baseDir,
		assetDir: assetDir,
		out:      &strings.Builder{},
		assets:   map[string]string{},
		warnings: map[string]bool{},
	}
}

func (r *htmlRenderer) warn(code string) {
	if !r.warnings[code] {
		r.warnings[code] = true
		r.order = append(r.order, code)
	}
}

func (r *htmlRenderer) response() Response {
	return Response{
		Markdown: NormalizeNewlines(cleanupMarkdown(r.out.String())),
		Warnings: append([]string{}, r.order...),
		Assets:   r.assets,
	}
}

func (r *htmlRenderer) blank() {
	r.out.WriteString("\n\n")
}

func (r *htmlRenderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.render(c)
	}
}

// inline renders n's children into a separate buffer and returns the
// whitespace-collapsed result.
func (r *htmlRenderer) inline(n *html.Node) string {
	saved := r.out
	r.out = &strings.Builder{}
	r.children(n)
	text := r.out.String()
	r.out = saved
	return strings.Join(strings.Fields(text), " ")
}

func (r *htmlRenderer) render(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if r.inPre {
			r.out.WriteString(n.Data)
			return
		}
		text := strings.Join(strings.Fields(n.Data), " ")
		if text == "" {
			if strings.TrimSpace(n.Data) == "" && n.Data != "" {
				r.out.WriteString(" ")
			}
			return
		}
		if startsWithSpace(n.Data) {
			r.out.WriteString(" ")
		}
		r.out.WriteString(text)
		if endsWithSpace(n.Data) {
			r.out.WriteString(" ")
		}
		return
	case html.DocumentNode:
		r.children(n)
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Noscript, atom.Template:
		return
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		r.blank()
		r.out.WriteString(strings.Repeat("#", level) + " " + r.inline(n))
		r.blank()
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main, atom.Nav, atom.Aside:
		r.blank()
		r.children(n)
		r.blank()
	case atom.Blockquote:
		r.blank()
		for _, line := range strings.Split(r.inline(n), "\n") {
			r.out.WriteString("> " + line + "\n")
		}
		r.blank()
	case atom.Br:
		r.out.WriteString("\n")
	case atom.Hr:
		r.blank()
		r.out.WriteString("---")
		r.blank()
	case atom.Ul, atom.Ol:
		r.list(n, n.DataAtom == atom.Ol)
	case atom.Pre:
		r.blank()
		r.out.WriteString("```\n")
		r.inPre = true
		r.children(n)
		r.inPre = false
		r.out.WriteString("\n```")
		r.blank()
	case atom.Code:
		if r.inPre {
			r.children(n)
			return
		}
		r.out.WriteString("`" + r.inline(n) + "`")
	case atom.Strong, atom.B:
		if text := r.inline(n); text != "" {
			r.out.WriteString("**" + text + "**")
		}
	case atom.Em, atom.I:
		if text := r.inline(n); text != "" {
			r.out.WriteString("_" + text + "_")
		}
	case atom.A:
		text := r.inline(n)
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			r.out.WriteString(text)
			return
		}
		if text == "" {
			text = href
		}
		r.out.WriteString("[" + text + "](" + href + ")")
	case atom.Img:
		r.image(n)
	case atom.Table:
		r.table(n)
	default:
		r.children(n)
	}
}

func (r *htmlRenderer) list(n *html.Node, ordered bool) {
	r.blank()
	idx := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li {
			continue
		}
		idx++
		marker := "-"
		if ordered {
			marker = strconv.Itoa(idx) + "."
		}
		r.out.WriteString(marker + " " + r.inline(c) + "\n")
	}
	r.blank()
}

func (r *htmlRenderer) table(n *html.Node) {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom == atom.Tr {
				var cells []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
						cells = append(cells, strings.ReplaceAll(r.inline(cell), "|", "\\|"))
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
				continue
			}
			walk(c)
		}
	}
	walk(n)
	if len(rows) == 0 {
		return
	}
	r.warn(WarnTablesFlattened)
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	r.blank()
	for i, row := range rows {
		for len(row) < width {
			row = append(row, "")
		}
		r.out.WriteString("| " + strings.Join(row, " | ") + " |\n")
		if i == 0 {
			r.out.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
		}
	}
	r.blank()
}

func (r *htmlRenderer) image(n *html.Node) {
	src := strings.TrimSpace(attr(n, "src"))
	alt := strings.TrimSpace(attr(n, "alt"))
	if src == "" {
		return
	}
	r.images++
	base := alt
	if base == "" {
		base = "image-" + strconv.Itoa(r.images)
	}

	var (
		name string
		err  error
	)
	switch {
	case strings.HasPrefix(src, "data:"):
		name, err = r.saveDataURI(src, base)
	case isRemote(src):
		r.warn(WarnRemoteImages)
		r.out.WriteString("![" + alt + "](" + src + ")")
		return
	default:
		name, err = r.copyLocal(src)
	}
	if err != nil || name == "" {
		return
	}
	r.out.WriteString("![" + alt + "](./assets/" + name + ")")
}

func (r *htmlRenderer) saveDataURI(src, base string) (string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "", fmt.Errorf("unsupported data uri")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", err
	}
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(strings.TrimSuffix(header, ";base64")); len(exts) > 0 {
		ext = exts[0]
	}
	name := r.uniqueName(storage.Slugify(strings.TrimSuffix(base, filepath.Ext(base))) + ext)
	return name, r.writeAsset(name, data)
}

func (r *htmlRenderer) copyLocal(src string) (string, error) {
	if r.baseDir == "" {
		return "", fmt.Errorf("no base dir")
	}
	u, err := url.Parse(src)
	if err != nil || u.Path == "" {
		return "", fmt.Errorf("bad image src")
	}
	full := filepath.Join(r.baseDir, filepath.FromSlash(u.Path))
	rel, err := filepath.Rel(r.baseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("image outside source dir")
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	name := r.uniqueName(storage.Slugify(filepath.Base(full)))
	return name, r.writeAsset(name, data)
}

func (r *htmlRenderer) uniqueName(name string) string {
	if _, taken := r.assets[name]; !taken {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := stem + "-" + strconv.Itoa(i) + ext
		if _, taken := r.assets[candidate]; !taken {
			return candidate
		}
	}
}

func (r *htmlRenderer) writeAsset(name string, data []byte) error {
	if r.assetDir == "" {
		return fmt.Errorf("no asset dir")
	}
	if err := os.MkdirAll(r.assetDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(r.assetDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	r.assets[name] = path
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func isRemote(src string) bool {
	lower := strings.ToLower(src)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "//")
}

func startsWithSpace(s string) bool {
	return s != "" && strings.TrimLeft(s, " \t\r\n") != s
}

func endsWithSpace(s string) bool {
	return s != "" && strings.TrimRight(s, " \t\r\n") != s
}

// cleanupMarkdown trims stray indentation outside code fences and collapses
// runs of blank lines left by block elements.
func cleanupMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	blankRun := 0
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			out = append(out, strings.TrimSpace(line))
			blankRun = 0
			continue
		}
		if !inFence {
			line = strings.TrimSpace(line)
		}
		if line == "" && !inFence {
			blankRun++
			if blankRun > 1 || len(out) == 0 {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
