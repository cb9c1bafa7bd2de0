package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var sections []Section

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("parser: skipping unreadable pdf page", "path", path, "page", i, "error", err)
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sections = append(sections, splitPageIntoSections(text, i)...)
	}

	return &ParseResult{
		Sections: sections,
		Format:   "pdf",
		Pages:    totalPages,
	}, nil
}

// splitPageIntoSections breaks page text into sections at heading-like lines.
func splitPageIntoSections(text string, pageNum int) []Section {
	var sections []Section
	var content strings.Builder
	var heading string
	level := 0

	flush := func() {
		if content.Len() == 0 && heading == "" {
			return
		}
		sections = append(sections, Section{
			Heading:    heading,
			Content:    strings.TrimSpace(content.String()),
			Level:      level,
			PageNumber: pageNum,
		})
		content.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isLikelyHeading(trimmed) {
			flush()
			heading = trimmed
			level = detectHeadingLevel(trimmed)
			continue
		}
		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString(trimmed)
	}
	flush()
	return sections
}

var headingPrefixes = []string{
	"section ", "article ", "chapter ", "part ", "annex ",
	"madde ", "bölüm ", "kısım ", "ek ",
}

func isLikelyHeading(line string) bool {
	// All caps and short
	if len(line) < 100 && len(line) > 2 && line == strings.ToUpper(line) && strings.ToUpper(line) != strings.ToLower(line) {
		return true
	}
	if len(line) >= 120 {
		return false
	}
	// Numbered section like "1.", "1.1", "3.9.1"
	if line[0] >= '0' && line[0] <= '9' && strings.Contains(line[:min(10, len(line))], ".") {
		return true
	}
	lower := strings.ToLower(line)
	for _, p := range headingPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func detectHeadingLevel(heading string) int {
	// Count dots in numbering to determine depth
	first, _, _ := strings.Cut(heading, " ")
	if first != "" && first[0] >= '0' && first[0] <= '9' {
		return strings.Count(strings.TrimSuffix(first, "."), ".") + 1
	}
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}
