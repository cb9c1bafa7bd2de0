package parser

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TextParser handles plain text and markdown files.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	result := &ParseResult{Format: FormatOf(path)}
	content := strings.TrimSpace(strings.TrimPrefix(string(data), "\ufeff"))
	if content == "" {
		return result, nil
	}
	result.Sections = []Section{{Content: content, Level: 1}}
	return result, nil
}
