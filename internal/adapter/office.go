package adapter

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dharsanguruparan/markdrop/internal/storage"
)

// readZipPart returns the content of one part of an OOXML package.
func readZipPart(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("package has no %s", name)
}

// numberedParts lists parts named prefix<N>.xml in numeric order, so
// slide10 follows slide9.
func numberedParts(zr *zip.Reader, prefix string) []string {
	type part struct {
		name string
		n    int
	}
	var parts []part
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, prefix) || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(f.Name, prefix), ".xml"))
		if err != nil {
			continue
		}
		parts = append(parts, part{f.Name, n})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.name
	}
	return names
}

// extractMedia writes every file under dir inside the package to assetDir.
func extractMedia(zr *zip.Reader, dir, assetDir string) (map[string]string, error) {
	assets := map[string]string{}
	if assetDir == "" {
		return assets, nil
	}
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, dir) || f.FileInfo().IsDir() {
			continue
		}
		name := storage.Slugify(path.Base(f.Name))
		if _, taken := assets[name]; taken {
			name = storage.Slugify(strings.ReplaceAll(strings.TrimPrefix(f.Name, dir), "/", "-"))
		}
		if err := os.MkdirAll(assetDir, 0o755); err != nil {
			return nil, fmt.Errorf("create asset dir: %w", err)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		dst := filepath.Join(assetDir, name)
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, fmt.Errorf("write asset: %w", err)
		}
		assets[name] = dst
	}
	return assets, nil
}

// markdownTable renders rows as a pipe table with the first row as header.
func markdownTable(rows [][]string) string {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	if width == 0 {
		return ""
	}
	line := func(cells []string) string {
		out := make([]string, width)
		for i := range out {
			if i < len(cells) {
				out[i] = tableCell(cells[i])
			}
		}
		return "| " + strings.Join(out, " | ") + " |"
	}
	var b strings.Builder
	b.WriteString(line(rows[0]) + "\n")
	sep := make([]string, width)
	for i := range sep {
		sep[i] = "---"
	}
	b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, r := range rows[1:] {
		b.WriteString(line(r) + "\n")
	}
	return b.String()
}

func tableCell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

// DemoteTopHeadings turns every "# " line into "## ".
func DemoteTopHeadings(markdown string) string {
	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "# ") {
			lines[i] = "#" + line
		}
	}
	return strings.Join(lines, "\n")
}

// xmlText reads the character data of the element se opened.
func xmlText(dec *xml.Decoder, se xml.StartElement) (string, error) {
	var s string
	if err := dec.DecodeElement(&s, &se); err != nil {
		return "", err
	}
	return s, nil
}

func xmlAttr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
