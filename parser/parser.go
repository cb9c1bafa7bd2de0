// Package parser turns document files into plain text for classification
// and extraction.
package parser

import (
	"context"
	"fmt"
	"strings"
)

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Sections []Section // Ordered sections extracted from the document
	Format   string
	Pages    int // Page count for paginated formats, 0 otherwise
	Metadata map[string]string
}

// Section represents a logical section of a parsed document.
type Section struct {
	Heading    string
	Content    string
	Level      int // Heading level (1=top, 2=sub, etc.)
	PageNumber int // 1-based; 0 for formats without pages
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}

// PageMode selects how sections are flattened into document text.
type PageMode string

const (
	// ModeSingle keeps the document as one text with section breaks.
	ModeSingle PageMode = "single"
	// ModePage joins the text of each page with a single space.
	ModePage PageMode = "page"
)

// ParsePageMode validates a page mode name. Empty selects ModeSingle.
func ParsePageMode(s string) (PageMode, error) {
	switch PageMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSingle:
		return ModeSingle, nil
	case ModePage:
		return ModePage, nil
	}
	return "", fmt.Errorf("unknown page mode %q (want single or page)", s)
}

// Text flattens the parsed sections into document text.
func (r *ParseResult) Text(mode PageMode) string {
	if mode == ModePage {
		var pages []string
		var cur strings.Builder
		page := -1
		for _, s := range r.Sections {
			if s.PageNumber != page && cur.Len() > 0 {
				pages = append(pages, cur.String())
				cur.Reset()
			}
			page = s.PageNumber
			writeSection(&cur, s, "\n")
		}
		if cur.Len() > 0 {
			pages = append(pages, cur.String())
		}
		return strings.Join(pages, " ")
	}

	var b strings.Builder
	for _, s := range r.Sections {
		writeSection(&b, s, "\n\n")
	}
	return b.String()
}

func writeSection(b *strings.Builder, s Section, sep string) {
	for _, part := range []string{s.Heading, s.Content} {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(part)
	}
}
