package adapter

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const wordNS = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// DOCXAdapter renders word/document.xml: Title and HeadingN paragraph styles
// become headings, numbered paragraphs become list items and tables become
// pipe tables. Files under word/media are extracted as assets.
type DOCXAdapter struct{}

// Convert implements Adapter.
func (DOCXAdapter) Convert(source, assetDir string) (Response, error) {
	zr, err := zip.OpenReader(source)
	if err != nil {
		return Response{}, fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	doc, err := readZipPart(&zr.Reader, "word/document.xml")
	if err != nil {
		return Response{}, err
	}
	markdown, err := renderDOCX(doc)
	if err != nil {
		return Response{}, fmt.Errorf("parse docx: %w", err)
	}
	assets, err := extractMedia(&zr.Reader, "word/media/", assetDir)
	if err != nil {
		return Response{}, err
	}
	return Response{Markdown: NormalizeNewlines(markdown), Warnings: []string{}, Assets: assets}, nil
}

type docxState struct {
	blocks []string
	para   strings.Builder
	style  string
	list   bool

	tableDepth int
	rows       [][]string
	row        []string
	cell       []string
}

func renderDOCX(doc []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	st := &docxState{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Space != wordNS {
				continue
			}
			if err := st.start(dec, el); err != nil {
				return "", err
			}
		case xml.EndElement:
			if el.Name.Space == wordNS {
				st.end(el.Name.Local)
			}
		}
	}
	return strings.Join(st.blocks, "\n\n"), nil
}

func (st *docxState) start(dec *xml.Decoder, el xml.StartElement) error {
	switch el.Name.Local {
	case "tbl":
		st.tableDepth++
		if st.tableDepth == 1 {
			st.rows = nil
		}
	case "tr":
		if st.tableDepth == 1 {
			st.row = nil
		}
	case "tc":
		if st.tableDepth == 1 {
			st.cell = nil
		}
	case "p":
		st.para.Reset()
		st.style = ""
		st.list = false
	case "pStyle":
		st.style = xmlAttr(el, "val")
	case "numPr":
		st.list = true
	case "t":
		text, err := xmlText(dec, el)
		if err != nil {
			return err
		}
		st.para.WriteString(text)
	case "tab":
		st.para.WriteString("\t")
	case "br", "cr":
		st.para.WriteString("\n")
	}
	return nil
}

func (st *docxState) end(local string) {
	switch local {
	case "p":
		text := strings.TrimSpace(st.para.String())
		if text == "" {
			return
		}
		if st.tableDepth > 0 {
			st.cell = append(st.cell, text)
			return
		}
		st.blocks = append(st.blocks, st.paragraph(text))
	case "tc":
		if st.tableDepth == 1 {
			st.row = append(st.row, strings.Join(st.cell, " "))
		}
	case "tr":
		if st.tableDepth == 1 {
			st.rows = append(st.rows, st.row)
		}
	case "tbl":
		st.tableDepth--
		if st.tableDepth == 0 && len(st.rows) > 0 {
			st.blocks = append(st.blocks, strings.TrimRight(markdownTable(st.rows), "\n"))
		}
	}
}

func (st *docxState) paragraph(text string) string {
	if level := headingLevel(st.style); level > 0 {
		return strings.Repeat("#", level) + " " + strings.Join(strings.Fields(text), " ")
	}
	if st.list {
		return "- " + text
	}
	return text
}

// headingLevel maps a paragraph style id to a heading level, 0 for body text.
func headingLevel(style string) int {
	s := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	switch {
	case s == "title":
		return 1
	case s == "subtitle":
		return 2
	case strings.HasPrefix(s, "heading"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "heading"))
		if err != nil || n < 1 {
			return 0
		}
		if n > 6 {
			n = 6
		}
		return n
	}
	return 0
}
