package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXParser reads word/document.xml from a DOCX archive. Paragraphs are
// grouped under heading-styled paragraphs; tables follow as pipe-delimited
// sections.
type DOCXParser struct{}

func (p *DOCXParser) SupportedFormats() []string { return []string{"docx"} }

func (p *DOCXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	sections, err := parseDocxXML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}
	return &ParseResult{Sections: sections, Format: "docx"}, nil
}

// DOCX XML structures (simplified)
type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	Paras  []docxPara  `xml:"p"`
	Tables []docxTable `xml:"tbl"`
}

type docxPara struct {
	PPr  *docxParaPr `xml:"pPr"`
	Runs []docxRun   `xml:"r"`
}

type docxParaPr struct {
	PStyle *docxPStyle `xml:"pStyle"`
}

type docxPStyle struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []string `xml:"t"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

func parseDocxXML(data []byte) ([]Section, error) {
	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var sections []Section
	var content strings.Builder
	var heading string
	level := 0

	flush := func() {
		if content.Len() == 0 && heading == "" {
			return
		}
		sections = append(sections, Section{
			Heading: heading,
			Content: strings.TrimSpace(content.String()),
			Level:   level,
		})
		content.Reset()
	}

	for _, para := range doc.Body.Paras {
		text := extractParaText(para)
		if text == "" {
			continue
		}

		style := ""
		if para.PPr != nil && para.PPr.PStyle != nil {
			style = strings.ToLower(para.PPr.PStyle.Val)
		}
		if strings.HasPrefix(style, "heading") || strings.HasPrefix(style, "title") {
			flush()
			heading = text
			level = headingStyleLevel(style)
			continue
		}
		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString(text)
	}
	flush()

	for _, tbl := range doc.Body.Tables {
		var rows strings.Builder
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				parts := make([]string, 0, len(cell.Paras))
				for _, p := range cell.Paras {
					if t := extractParaText(p); t != "" {
						parts = append(parts, t)
					}
				}
				cells = append(cells, strings.Join(parts, " "))
			}
			rows.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
		if rows.Len() > 0 {
			sections = append(sections, Section{Content: strings.TrimRight(rows.String(), "\n")})
		}
	}

	return sections, nil
}

func extractParaText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t)
		}
	}
	return strings.TrimSpace(b.String())
}

// headingStyleLevel maps "Heading2" style names to 2; title styles are 1.
func headingStyleLevel(style string) int {
	if strings.Contains(style, "title") {
		return 1
	}
	for i := 1; i <= 9; i++ {
		if strings.Contains(style, fmt.Sprintf("%d", i)) {
			return i
		}
	}
	return 1
}
