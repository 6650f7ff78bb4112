package peer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/g960059/bridged/internal/model"
)

// Schema is a minimal JSON Schema document written to a temp file and
// passed to the peer exec's --output-schema flag.
type Schema struct {
	Name string
	Doc  map[string]any
}

var researchSchema = Schema{
	Name: "research-response",
	Doc: map[string]any{
		"type":     "object",
		"required": []string{"summary", "findings"},
		"properties": map[string]any{
			"summary":         map[string]any{"type": "string"},
			"findings":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"recommendations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"concerns":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"code_snippets": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"code"},
					"properties": map[string]any{
						"language": map[string]any{"type": "string"},
						"code":     map[string]any{"type": "string"},
					},
				},
			},
		},
	},
}

var reviewSchema = Schema{
	Name: "review-response",
	Doc: map[string]any{
		"type":     "object",
		"required": []string{"summary", "verdict"},
		"properties": map[string]any{
			"summary":         map[string]any{"type": "string"},
			"verdict":         map[string]any{"type": "string", "enum": []string{"approve", "request_changes", "comment"}},
			"issues":          map[string]any{"type": "array"},
			"strengths":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"recommendations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},
}

var generalSchema = Schema{
	Name: "general-response",
	Doc: map[string]any{
		"type":     "object",
		"required": []string{"response"},
		"properties": map[string]any{
			"response":   map[string]any{"type": "string"},
			"summary":    map[string]any{"type": "string"},
			"references": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},
}

// SchemaFor selects the structured-output schema for a message type.
func SchemaFor(msgType model.MessageType) (Schema, bool) {
	switch msgType {
	case model.MessageTypeResearchRequest:
		return researchSchema, true
	case model.MessageTypeReviewRequest:
		return reviewSchema, true
	default:
		return generalSchema, true
	}
}

func writeSchemaFile(s Schema) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("bridged-%s-*.json", s.Name))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(s.Doc); err != nil {
		os.Remove(f.Name()) //nolint:errcheck
		return "", err
	}
	return f.Name(), nil
}

func removeSchemaFile(path string) {
	if path == "" {
		return
	}
	os.Remove(filepath.Clean(path)) //nolint:errcheck
}

type reviewPayload struct {
	Summary         string   `json:"summary"`
	Verdict         string   `json:"verdict"`
	Issues          []issue  `json:"issues"`
	Strengths       []string `json:"strengths"`
	Recommendations []string `json:"recommendations"`
}

type issue struct {
	Severity   string `json:"severity"`
	Location   string `json:"location"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

type researchPayload struct {
	Summary         string        `json:"summary"`
	Findings        []string      `json:"findings"`
	Recommendations []string      `json:"recommendations"`
	Concerns        []string      `json:"concerns"`
	CodeSnippets    []codeSnippet `json:"code_snippets"`
}

type codeSnippet struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type generalPayload struct {
	Response   string   `json:"response"`
	Summary    string   `json:"summary"`
	References []string `json:"references"`
}

// renderStructured turns a JSON text payload into deterministic Markdown
// matched to the request's message type. Text that doesn't parse as the
// expected payload is emitted verbatim.
func renderStructured(text string, msgType model.MessageType) string {
	switch msgType {
	case model.MessageTypeReviewRequest:
		var p reviewPayload
		if err := json.Unmarshal([]byte(text), &p); err != nil || p.Summary == "" {
			return text
		}
		return renderReview(p)
	case model.MessageTypeResearchRequest:
		var p researchPayload
		if err := json.Unmarshal([]byte(text), &p); err != nil || p.Summary == "" {
			return text
		}
		return renderResearch(p)
	default:
		var p generalPayload
		if err := json.Unmarshal([]byte(text), &p); err != nil || p.Response == "" {
			return text
		}
		return renderGeneral(p)
	}
}

func renderReview(p reviewPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Review: %s\n\n", strings.ToUpper(p.Verdict))
	b.WriteString(p.Summary)
	b.WriteString("\n")
	if len(p.Strengths) > 0 {
		b.WriteString("\n### Strengths\n")
		for _, s := range p.Strengths {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(p.Issues) > 0 {
		b.WriteString("\n### Issues\n")
		for _, iss := range p.Issues {
			fmt.Fprintf(&b, "- [%s] %s", iss.Severity, iss.Message)
			if iss.Location != "" {
				fmt.Fprintf(&b, " (%s)", iss.Location)
			}
			if iss.Suggestion != "" {
				fmt.Fprintf(&b, " — suggestion: %s", iss.Suggestion)
			}
			b.WriteString("\n")
		}
	}
	if len(p.Recommendations) > 0 {
		b.WriteString("\n### Recommendations\n")
		for _, r := range p.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderResearch(p researchPayload) string {
	var b strings.Builder
	b.WriteString(p.Summary)
	b.WriteString("\n")
	if len(p.Findings) > 0 {
		b.WriteString("\n### Findings\n")
		for i, f := range p.Findings {
			fmt.Fprintf(&b, "#### Finding %d\n%s\n", i+1, f)
		}
	}
	if len(p.Concerns) > 0 {
		b.WriteString("\n### Concerns\n")
		for _, c := range p.Concerns {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(p.Recommendations) > 0 {
		b.WriteString("\n### Recommendations\n")
		for _, r := range p.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(p.CodeSnippets) > 0 {
		b.WriteString("\n### Code Examples\n")
		for _, snippet := range p.CodeSnippets {
			fmt.Fprintf(&b, "```%s\n%s\n```\n", snippet.Language, snippet.Code)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderGeneral(p generalPayload) string {
	var b strings.Builder
	if len(p.Response) > 500 && p.Summary != "" {
		b.WriteString(p.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString(p.Response)
	if len(p.References) > 0 {
		b.WriteString("\n\n### References\n")
		for _, r := range p.References {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
