package ontograph

import (
	"strings"
	"testing"

	"github.com/brunobiangulo/ontograph/graph"
)

func TestExtractSnippet_BasicOverlap(t *testing.T) {
	content := "The supplier delivers monthly. Payment is 1000 TRY per month. Disputes go to Istanbul courts."
	words := significantWords("monthly payment of 1000 TRY")

	snippet := extractSnippet(content, words)
	if !strings.Contains(snippet, "Payment is 1000 TRY") {
		t.Errorf("expected the payment sentence, got: %q", snippet)
	}
}

func TestExtractSnippet_NoOverlap(t *testing.T) {
	content := "The quick brown fox jumps over the lazy dog."
	if s := extractSnippet(content, significantWords("quantum computing uses superconducting qubits")); s != "" {
		t.Errorf("expected empty snippet when no overlap, got: %q", s)
	}
}

func TestExtractSnippet_EmptyInputs(t *testing.T) {
	if s := extractSnippet("", map[string]bool{"test": true}); s != "" {
		t.Errorf("expected empty for empty content, got: %q", s)
	}
	if s := extractSnippet("some content here.", nil); s != "" {
		t.Errorf("expected empty for nil words, got: %q", s)
	}
}

func TestExtractSnippet_RespectMaxLen(t *testing.T) {
	content := strings.Repeat("Party obligations include delivery of goods and timely invoicing. ", 12)
	snippet := extractSnippet(content, significantWords("party obligations delivery invoicing"))
	if len(snippet) > snippetMaxLen {
		t.Errorf("snippet exceeds max length: %d > %d", len(snippet), snippetMaxLen)
	}
}

func TestSignificantWords(t *testing.T) {
	words := significantWords("The contract shall be signed için taraflar. This is very important.")

	for _, want := range []string{"contract", "signed", "taraflar", "important", "very"} {
		if !words[want] {
			t.Errorf("expected %q in significant words", want)
		}
	}
	for _, skip := range []string{"shall", "için", "this", "the", "be"} {
		if words[skip] {
			t.Errorf("%q should be excluded", skip)
		}
	}
}

func TestSnippetSplitSentences(t *testing.T) {
	text := "First sentence. Second sentence? Third sentence!\nHEADING LINE\nFinal text without period"
	got := snippetSplitSentences(text)
	want := []string{"First sentence.", "Second sentence?", "Third sentence!", "HEADING LINE", "Final text without period"}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCheckReferences(t *testing.T) {
	text := "SERVICE AGREEMENT\nThis agreement is made between Acme Ltd and Beta AŞ.\nPayment is 1000 TRY per month."

	verbatim := graph.NewNode("ContractNode", nil, "r", "this   agreement is made between Acme Ltd")
	paraphrase := graph.NewNode("PaymentTerm", nil, "r", "payment of 1000 TRY monthly per month")
	predefined := graph.NewNode("SignatureNode", nil, graph.ProvenancePredefined, graph.ProvenancePredefined)
	invented := graph.NewNode("PartyNode", nil, "r", "Gamma Holdings guarantees performance")
	empty := graph.NewNode("PartyNode", nil, "r", "")

	got := checkReferences(text, []*graph.Node{verbatim, paraphrase, predefined, invented, empty})
	if len(got) != 1 {
		t.Fatalf("expected 1 unsupported node, got %d: %+v", len(got), got)
	}
	if got[0].NodeID != invented.ID || got[0].NodeType != "PartyNode" {
		t.Errorf("unexpected unsupported node: %+v", got[0])
	}
}
