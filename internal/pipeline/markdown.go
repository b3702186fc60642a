package pipeline

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/dharsanguruparan/markdrop/internal/adapter"
)

const assetPrefix = "./assets/"

// NormalizeHeadings rewrites ATX headings so the marker is 1-6 '#' followed
// by one space and the trimmed heading text. Indentation before the marker
// is dropped. Lines inside fenced code blocks are left alone.
func NormalizeHeadings(markdown string) string {
	lines := strings.Split(markdown, "\n")
	inFence := false
	for i, line := range lines {
		stripped := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(stripped, "```") {
			inFence = !inFence
		}
		if inFence || !strings.HasPrefix(stripped, "#") {
			lines[i] = strings.TrimRight(line, " \t")
			continue
		}
		hashes := len(stripped) - len(strings.TrimLeft(stripped, "#"))
		content := strings.TrimSpace(stripped[hashes:])
		level := hashes
		if level > 6 {
			level = 6
		}
		heading := strings.Repeat("#", level)
		if content != "" {
			heading += " " + content
		}
		lines[i] = heading
	}
	return strings.Join(lines, "\n")
}

// AppendAssetReferences adds an image line for every asset the text does not
// already point at. Names are processed in sorted order.
func AppendAssetReferences(markdown string, assets map[string]string) string {
	names := make([]string, 0, len(assets))
	for name := range assets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ref := assetPrefix + name
		if strings.Contains(markdown, ref) {
			continue
		}
		markdown += "\n![" + name + "](" + ref + ")\n"
	}
	return markdown
}

// dropAssets deletes extracted files and strips image references to them.
func dropAssets(markdown string, assets map[string]string) string {
	for name, path := range assets {
		_ = os.Remove(path)
		ref := regexp.MustCompile(`!\[[^\]]*\]\(` + regexp.QuoteMeta(assetPrefix+name) + `\)`)
		markdown = ref.ReplaceAllString(markdown, "")
	}
	return markdown
}

// finalize applies heading and newline normalization and asset references.
func finalize(markdown string, assets map[string]string, normalizeHeadings bool) string {
	if normalizeHeadings {
		markdown = NormalizeHeadings(markdown)
	}
	markdown = adapter.NormalizeNewlines(markdown)
	markdown = AppendAssetReferences(markdown, assets)
	return adapter.NormalizeNewlines(markdown)
}
