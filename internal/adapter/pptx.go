package adapter

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

const (
	presentationNS = "http://schemas.openxmlformats.org/presentationml/2006/main"
	drawingNS      = "http://schemas.openxmlformats.org/drawingml/2006/main"
)

// PPTXAdapter renders each slide in order: a slide marker comment, the title
// placeholder as a heading, then the text of every other shape and table.
// Top-level headings are demoted to "##" so slide titles sit under the
// document title. Files under ppt/media are extracted as assets.
type PPTXAdapter struct{}

// Convert implements Adapter.
func (PPTXAdapter) Convert(source, assetDir string) (Response, error) {
	zr, err := zip.OpenReader(source)
	if err != nil {
		return Response{}, fmt.Errorf("open pptx: %w", err)
	}
	defer zr.Close()

	slides := numberedParts(&zr.Reader, "ppt/slides/slide")
	if len(slides) == 0 {
		return Response{}, fmt.Errorf("pptx has no slides")
	}
	var parts []string
	for i, name := range slides {
		data, err := readZipPart(&zr.Reader, name)
		if err != nil {
			return Response{}, err
		}
		body, err := renderSlide(data)
		if err != nil {
			return Response{}, fmt.Errorf("parse %s: %w", name, err)
		}
		parts = append(parts, fmt.Sprintf("<!-- Slide number: %d -->", i+1))
		if body != "" {
			parts = append(parts, body)
		}
	}
	assets, err := extractMedia(&zr.Reader, "ppt/media/", assetDir)
	if err != nil {
		return Response{}, err
	}
	markdown := DemoteTopHeadings(strings.Join(parts, "\n\n"))
	return Response{Markdown: NormalizeNewlines(markdown), Warnings: []string{}, Assets: assets}, nil
}

type slideState struct {
	blocks []string

	inShape bool
	title   bool
	paras   []string
	para    strings.Builder

	inCell bool
	rows   [][]string
	row    []string
	cell   []string
}

func renderSlide(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	st := &slideState{}
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
			if err := st.start(dec, el); err != nil {
				return "", err
			}
		case xml.EndElement:
			st.end(el.Name)
		}
	}
	return strings.Join(st.blocks, "\n\n"), nil
}

func (st *slideState) start(dec *xml.Decoder, el xml.StartElement) error {
	switch el.Name {
	case xml.Name{Space: presentationNS, Local: "sp"}:
		st.inShape, st.title, st.paras = true, false, nil
	case xml.Name{Space: presentationNS, Local: "ph"}:
		if t := xmlAttr(el, "type"); t == "title" || t == "ctrTitle" {
			st.title = true
		}
	case xml.Name{Space: drawingNS, Local: "tbl"}:
		st.rows = nil
	case xml.Name{Space: drawingNS, Local: "tr"}:
		st.row = nil
	case xml.Name{Space: drawingNS, Local: "tc"}:
		st.inCell, st.cell = true, nil
	case xml.Name{Space: drawingNS, Local: "p"}:
		st.para.Reset()
	case xml.Name{Space: drawingNS, Local: "t"}:
		text, err := xmlText(dec, el)
		if err != nil {
			return err
		}
		st.para.WriteString(text)
	case xml.Name{Space: drawingNS, Local: "br"}:
		st.para.WriteString(" ")
	}
	return nil
}

func (st *slideState) end(name xml.Name) {
	switch name {
	case xml.Name{Space: drawingNS, Local: "p"}:
		text := strings.TrimSpace(st.para.String())
		switch {
		case text == "":
		case st.inCell:
			st.cell = append(st.cell, text)
		case st.inShape:
			st.paras = append(st.paras, text)
		}
	case xml.Name{Space: drawingNS, Local: "tc"}:
		st.row = append(st.row, strings.Join(st.cell, " "))
		st.inCell = false
	case xml.Name{Space: drawingNS, Local: "tr"}:
		st.rows = append(st.rows, st.row)
	case xml.Name{Space: drawingNS, Local: "tbl"}:
		if len(st.rows) > 0 {
			st.blocks = append(st.blocks, strings.TrimRight(markdownTable(st.rows), "\n"))
		}
	case xml.Name{Space: presentationNS, Local: "sp"}:
		st.inShape = false
		if len(st.paras) == 0 {
			return
		}
		if st.title {
			st.blocks = append(st.blocks, "# "+strings.Join(st.paras, " "))
			return
		}
		st.blocks = append(st.blocks, strings.Join(st.paras, "\n"))
	}
}
