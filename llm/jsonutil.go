package llm

import (
	"regexp"
	"strings"
)

var (
	// jsonBlockPattern matches JSON inside markdown code blocks.
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?([\\{\\[].*[\\}\\]])\\s*```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON returns the JSON document inside a model response. Models
// without native structured output sometimes wrap the document in a code
// fence or surround it with prose; both are stripped, as are trailing commas.
// It returns "" when no object or array is found.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	} else {
		start := strings.IndexAny(content, "{[")
		if start < 0 {
			return ""
		}
		closer := byte('}')
		if content[start] == '[' {
			closer = ']'
		}
		end := strings.LastIndexByte(content, closer)
		if end < start {
			return ""
		}
		content = content[start : end+1]
	}
	return trailingCommaPattern.ReplaceAllString(content, "$1")
}
