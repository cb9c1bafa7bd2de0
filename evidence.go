package ontograph

import (
	"strings"
	"unicode"

	"github.com/brunobiangulo/ontograph/graph"
)

// Unsupported is a node whose reference text could not be located in the
// document.
type Unsupported struct {
	NodeID        string `json:"node_id"`
	NodeType      string `json:"node_type"`
	ReferenceText string `json:"reference_text"`
	// Closest is the best-matching passage of the document, if any.
	Closest string `json:"closest,omitempty"`
}

// snippetMaxLen is the approximate maximum character length for a snippet.
const snippetMaxLen = 300

// minSupport is the share of a reference's significant words that the
// closest passage must contain.
const minSupport = 0.5

// checkReferences reports the model-extracted nodes whose reference text
// is neither a verbatim passage of text nor mostly covered by one.
// Predefined nodes are skipped.
func checkReferences(text string, nodes []*graph.Node) []Unsupported {
	normText := normalizeSpace(text)
	var out []Unsupported
	for _, n := range nodes {
		ref := strings.TrimSpace(n.ReferenceText)
		if ref == "" || ref == graph.ProvenancePredefined {
			continue
		}
		if strings.Contains(normText, normalizeSpace(ref)) {
			continue
		}
		refWords := significantWords(ref)
		closest := extractSnippet(text, refWords)
		if len(refWords) > 0 && coverage(refWords, significantWords(closest)) >= minSupport {
			continue
		}
		out = append(out, Unsupported{NodeID: n.ID, NodeType: n.Type, ReferenceText: ref, Closest: closest})
	}
	return out
}

func normalizeSpace(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func coverage(want, have map[string]bool) float64 {
	if len(want) == 0 {
		return 0
	}
	hit := 0
	for w := range want {
		if have[w] {
			hit++
		}
	}
	return float64(hit) / float64(len(want))
}

// extractSnippet returns the 1-2 sentences of content with the most word
// overlap with words. Returns empty string if nothing overlaps.
func extractSnippet(content string, words map[string]bool) string {
	if len(words) == 0 || content == "" {
		return ""
	}

	sentences := snippetSplitSentences(content)
	if len(sentences) == 0 {
		return ""
	}

	scores := make([]int, len(sentences))
	best := 0
	for i, s := range sentences {
		for w := range significantWords(s) {
			if words[w] {
				scores[i]++
			}
		}
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[best] == 0 {
		return ""
	}

	result := sentences[best]

	// Add the better-scoring neighbour if it fits.
	if len(result) < snippetMaxLen {
		adj, adjScore := -1, 0
		for _, delta := range []int{1, -1} {
			i := best + delta
			if i >= 0 && i < len(sentences) && scores[i] > adjScore {
				adj, adjScore = i, scores[i]
			}
		}
		if adj >= 0 {
			combined := result + " " + sentences[adj]
			if adj < best {
				combined = sentences[adj] + " " + result
			}
			if len(combined) <= snippetMaxLen {
				result = combined
			}
		}
	}
	return result
}

// significantWords returns the set of lowercased words of at least 4
// letters, excluding common stop words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 4 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

// snippetSplitSentences splits text into sentences at line breaks and at
// terminal punctuation followed by whitespace or end of string.
func snippetSplitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' || runes[i] == '\n' {
			if runes[i] == '\n' || i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// stopWords holds common English and Turkish words excluded from matching.
var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"shall": true, "into": true, "each": true, "other": true,
	"such": true, "also": true, "only": true, "between": true,
	"için": true, "olan": true, "olarak": true, "veya": true,
	"gibi": true, "daha": true, "kadar": true, "sonra": true,
	"önce": true, "ancak": true, "şekilde": true, "bunu": true,
}
