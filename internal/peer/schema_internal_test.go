package peer

import (
	"strings"
	"testing"
)

func TestRenderReviewIncludesVerdictAndIssues(t *testing.T) {
	p := reviewPayload{
		Summary: "looks mostly fine",
		Verdict: "request_changes",
		Issues: []issue{
			{Severity: "high", Location: "main.go:10", Message: "missing nil check", Suggestion: "add a guard"},
		},
		Strengths:       []string{"good test coverage"},
		Recommendations: []string{"add more docs"},
	}
	out := renderReview(p)
	if !strings.Contains(out, "REQUEST_CHANGES") {
		t.Fatalf("expected uppercased verdict heading, got %q", out)
	}
	if !strings.Contains(out, "missing nil check") || !strings.Contains(out, "main.go:10") || !strings.Contains(out, "add a guard") {
		t.Fatalf("expected issue detail rendered, got %q", out)
	}
	if !strings.Contains(out, "good test coverage") {
		t.Fatalf("expected strengths section, got %q", out)
	}
	if !strings.Contains(out, "add more docs") {
		t.Fatalf("expected recommendations section, got %q", out)
	}
}

func TestRenderReviewOmitsEmptySections(t *testing.T) {
	p := reviewPayload{Summary: "all good", Verdict: "approve"}
	out := renderReview(p)
	if strings.Contains(out, "### Issues") || strings.Contains(out, "### Strengths") || strings.Contains(out, "### Recommendations") {
		t.Fatalf("expected empty sections to be omitted, got %q", out)
	}
}

func TestRenderResearchIncludesFindingsAndSnippets(t *testing.T) {
	p := researchPayload{
		Summary:         "investigated the queue",
		Findings:        []string{"retries double-count"},
		Recommendations: []string{"branch on ErrNotFound"},
		Concerns:        []string{"transient errors drop messages"},
		CodeSnippets:    []codeSnippet{{Language: "go", Code: "func drainOne() {}"}},
	}
	out := renderResearch(p)
	if !strings.Contains(out, "#### Finding 1\nretries double-count") {
		t.Fatalf("expected numbered finding, got %q", out)
	}
	if !strings.Contains(out, "transient errors drop messages") {
		t.Fatalf("expected concerns section, got %q", out)
	}
	if !strings.Contains(out, "```go\nfunc drainOne() {}\n```") {
		t.Fatalf("expected language-tagged fenced code snippet, got %q", out)
	}
}

func TestRenderResearchSnippetWithoutLanguageFencesBare(t *testing.T) {
	p := researchPayload{
		Summary:      "no language hint given",
		CodeSnippets: []codeSnippet{{Code: "echo hi"}},
	}
	out := renderResearch(p)
	if !strings.Contains(out, "```\necho hi\n```") {
		t.Fatalf("expected bare fence when language is empty, got %q", out)
	}
}

func TestRenderGeneralPrependsSummaryForLongResponses(t *testing.T) {
	longResponse := strings.Repeat("x", 600)
	p := generalPayload{Response: longResponse, Summary: "short summary"}
	out := renderGeneral(p)
	if !strings.HasPrefix(out, "short summary\n\n") {
		t.Fatalf("expected summary prefix for long response, got prefix %q", out[:40])
	}
}

func TestRenderGeneralSkipsSummaryForShortResponses(t *testing.T) {
	p := generalPayload{Response: "short", Summary: "should not appear"}
	out := renderGeneral(p)
	if strings.Contains(out, "should not appear") {
		t.Fatalf("expected summary to be skipped for short response, got %q", out)
	}
}

func TestRenderGeneralIncludesReferences(t *testing.T) {
	p := generalPayload{Response: "answer", References: []string{"doc.md"}}
	out := renderGeneral(p)
	if !strings.Contains(out, "### References\n- doc.md") {
		t.Fatalf("expected references section, got %q", out)
	}
}
