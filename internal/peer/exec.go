package peer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/g960059/bridged/internal/model"
)

type ExecConfig struct {
	BinaryPath       string
	WorkDir          string
	Sandbox          string
	BaseInstructions string
}

type Exec struct {
	mu  sync.Mutex
	cfg ExecConfig
}

func NewExec(cfg ExecConfig) *Exec {
	return &Exec{cfg: cfg}
}

// UpdateConfig applies a live config reload's sandbox/base-instructions
// overrides; the next Run call picks them up.
func (e *Exec) UpdateConfig(sandbox, baseInstructions string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Sandbox = sandbox
	e.cfg.BaseInstructions = baseInstructions
}

type ExecResult struct {
	ResponseText string
	Stdout       string
	Stderr       string
	ExitCode     int
	TimedOut     bool
}

// Run invokes the codex CLI once in non-interactive exec mode. Arguments
// are always passed array-form; prompt is never interpolated into a shell
// string. useOutputSchema selects a JSON schema file matching msgType so
// the child is constrained to structured output.
func (e *Exec) Run(ctx context.Context, prompt string, msgType model.MessageType, useOutputSchema bool, timeout time.Duration) (*ExecResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	args := []string{"exec", "--json", "--full-auto", "--skip-git-repo-check"}
	if cfg.Sandbox != "" {
		args = append(args, "--sandbox", cfg.Sandbox)
	}
	if cfg.BaseInstructions != "" {
		args = append(args, "--base-instructions", cfg.BaseInstructions)
	}
	var schemaPath string
	if useOutputSchema {
		schema, ok := SchemaFor(msgType)
		if ok {
			path, err := writeSchemaFile(schema)
			if err == nil {
				schemaPath = path
				args = append(args, "--output-schema", path)
			}
		}
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(runCtx, cfg.BinaryPath, args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if schemaPath != "" {
		removeSchemaFile(schemaPath)
	}

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		return result, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		return result, fmt.Errorf("run peer exec: %w", err)
	}

	result.ResponseText = extractFromEventStream(stdout.String(), msgType)
	if result.ResponseText == "" && len(stdout.Bytes()) > 0 {
		result.ResponseText = truncateBytes(stdout.String(), 50_000)
	}
	return result, nil
}

// extractFromEventStream walks the line-delimited event stream emitted by
// `codex exec --json` and returns the best available final-answer text,
// falling back to a synthesised exploration summary when no event carries
// a final answer.
func extractFromEventStream(stdout string, msgType model.MessageType) string {
	var (
		lastCompletedText string
		lastAgentMessage  string
		legacyMessage     string
		reasoningItems    []string
		commandItems      []commandExecSummary
	)

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		typ, _ := raw["type"].(string)
		switch typ {
		case "response.completed":
			if resp, ok := raw["response"].(map[string]any); ok {
				if text, ok := resp["output_text"].(string); ok && text != "" {
					lastCompletedText = text
				}
			}
		case "turn.completed":
			if text, ok := raw["output_text"].(string); ok && text != "" {
				lastCompletedText = text
			}
		case "item.completed":
			item, _ := raw["item"].(map[string]any)
			if item == nil {
				continue
			}
			itemType, _ := item["type"].(string)
			switch itemType {
			case "agent_message":
				if text, ok := item["text"].(string); ok && text != "" {
					lastAgentMessage = text
				}
			case "reasoning":
				if text, ok := item["text"].(string); ok && text != "" {
					reasoningItems = append(reasoningItems, text)
				}
			case "command_execution":
				cmd, _ := item["command"].(string)
				output, _ := item["aggregated_output"].(string)
				exitCode := 0
				if v, ok := item["exit_code"].(float64); ok {
					exitCode = int(v)
				}
				commandItems = append(commandItems, commandExecSummary{command: cmd, output: output, exitCode: exitCode})
			}
		case "message":
			if role, _ := raw["role"].(string); role == "assistant" {
				if content, ok := raw["content"].(string); ok && content != "" {
					legacyMessage = content
				}
			}
		}
	}

	if lastCompletedText != "" {
		return renderStructured(lastCompletedText, msgType)
	}
	if lastAgentMessage != "" {
		return lastAgentMessage
	}
	if legacyMessage != "" {
		return legacyMessage
	}
	if len(reasoningItems) > 0 || len(commandItems) > 0 {
		return synthesizeExploration(reasoningItems, commandItems)
	}
	return ""
}

type commandExecSummary struct {
	command  string
	output   string
	exitCode int
}

func synthesizeExploration(reasoning []string, commands []commandExecSummary) string {
	var b strings.Builder
	b.WriteString("[exploration - no final answer]\n")
	if len(reasoning) > 2 {
		reasoning = reasoning[len(reasoning)-2:]
	}
	for _, r := range reasoning {
		b.WriteString(r)
		b.WriteString("\n")
	}
	if len(commands) > 3 {
		commands = commands[len(commands)-3:]
	}
	for _, c := range commands {
		b.WriteString("$ ")
		b.WriteString(c.command)
		b.WriteString("\n")
		b.WriteString(truncateBytes(c.output, 500))
		if c.exitCode != 0 {
			fmt.Fprintf(&b, " (exit: %d)", c.exitCode)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}
