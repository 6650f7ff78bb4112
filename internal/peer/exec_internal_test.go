package peer

import (
	"strings"
	"testing"

	"github.com/g960059/bridged/internal/model"
)

func TestExtractFromEventStreamPrefersResponseCompleted(t *testing.T) {
	stream := `{"type":"item.completed","item":{"type":"agent_message","text":"intermediate"}}
{"type":"response.completed","response":{"output_text":"{\"response\":\"final text\"}"}}
`
	got := extractFromEventStream(stream, model.MessageTypeMessage)
	if got != "final text" {
		t.Fatalf("expected structured final text, got %q", got)
	}
}

func TestExtractFromEventStreamFallsBackToAgentMessage(t *testing.T) {
	stream := `{"type":"item.completed","item":{"type":"agent_message","text":"the answer"}}`
	got := extractFromEventStream(stream, model.MessageTypeMessage)
	if got != "the answer" {
		t.Fatalf("expected agent message text, got %q", got)
	}
}

func TestExtractFromEventStreamFallsBackToLegacyMessage(t *testing.T) {
	stream := `{"type":"message","role":"assistant","content":"legacy answer"}`
	got := extractFromEventStream(stream, model.MessageTypeMessage)
	if got != "legacy answer" {
		t.Fatalf("expected legacy message content, got %q", got)
	}
}

func TestExtractFromEventStreamSynthesizesExplorationWhenNoFinalAnswer(t *testing.T) {
	stream := `{"type":"item.completed","item":{"type":"reasoning","text":"thinking about it"}}
{"type":"item.completed","item":{"type":"command_execution","command":"ls","aggregated_output":"a.go","exit_code":0}}
`
	got := extractFromEventStream(stream, model.MessageTypeMessage)
	if !strings.Contains(got, "[exploration - no final answer]") {
		t.Fatalf("expected exploration summary marker, got %q", got)
	}
	if !strings.Contains(got, "thinking about it") || !strings.Contains(got, "ls") {
		t.Fatalf("expected reasoning and command content in summary, got %q", got)
	}
}

func TestExtractFromEventStreamReturnsEmptyForUnrecognizedEvents(t *testing.T) {
	stream := `{"type":"session.started"}`
	got := extractFromEventStream(stream, model.MessageTypeMessage)
	if got != "" {
		t.Fatalf("expected empty result for unrecognized events, got %q", got)
	}
}

func TestExtractFromEventStreamIgnoresMalformedLines(t *testing.T) {
	stream := "not json at all\n" + `{"type":"item.completed","item":{"type":"agent_message","text":"ok"}}`
	got := extractFromEventStream(stream, model.MessageTypeMessage)
	if got != "ok" {
		t.Fatalf("expected malformed line to be skipped, got %q", got)
	}
}
