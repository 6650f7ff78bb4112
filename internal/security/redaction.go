package security

import (
	"regexp"
	"strings"
)

// secretKeyExpr covers the generic credential-shaped keys that show up in
// both subprocess stdout/stderr and env dumps: password/secret/api_key
// variants plus the codex/claude provider key env names bridged itself
// passes through to peer subprocesses (CODEX_API_KEY, OPENAI_API_KEY,
// ANTHROPIC_API_KEY) and anything ending in "token".
var (
	secretKeyAlts = `password|passwd|secret|api[_-]?key|codex[_-]?api[_-]?key|openai[_-]?api[_-]?key|anthropic[_-]?api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*`
	secretKeyExpr = `(?:` + secretKeyAlts + `)`

	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	kvLooseSecretPattern = regexp.MustCompile(`(?i)\b(client_secret|private_key|aws_access_key_id|aws_secret_access_key)\b\s+(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("(?:` + secretKeyAlts + `|authorization)"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	cookiePattern        = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
	sshUserPattern       = regexp.MustCompile(`(?i)(ssh://)[^\s/@]+@`)

	// rawProviderKeyPattern catches bare LLM provider API keys (OpenAI's
	// sk-..., Anthropic's sk-ant-..., GitHub's ghp_...) that a codex
	// subprocess can echo verbatim in an unhandled-exception stack trace
	// without any "key=" prefix to anchor on.
	rawProviderKeyPattern = regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_-]{16,}\b|\bghp_[A-Za-z0-9]{20,}\b`)

	// mcpSessionHeaderPattern scrubs the Mcp-Session-Id / X-Client-Id
	// header values bridged's own transport assigns (internal/transport's
	// SessionHeader/ClientIDHeader); a persisted invocation payload that
	// echoes a raw JSON-RPC request frame should not retain the session
	// id that ties it back to a live connection.
	mcpSessionHeaderPattern = regexp.MustCompile(`(?i)((?:mcp-session-id|x-client-id)\s*:\s*)[^\r\n]+`)

	secretLikePattern = regexp.MustCompile(`(?i)(-----BEGIN [^-]+ PRIVATE KEY-----|` + secretKeyExpr + `|client_secret|private_key|aws_access_key_id|aws_secret_access_key|authorization|bearer\s+[A-Za-z0-9._~+/=-]+|cookie\s*:|sessionid=|sk-(?:ant-)?[A-Za-z0-9_-]{16,}|ghp_[A-Za-z0-9]{20,}|mcp-session-id\s*:|x-client-id\s*:)`)
)

// RedactPayload scrubs credential-shaped substrings out of raw
// subprocess/JSON-RPC text before it is persisted in the invocations
// table: provider API keys, bearer/cookie/authorization headers, and the
// bridge's own session-correlation headers.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = kvLooseSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, " \t")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx] + " [REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = cookiePattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = sshUserPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
	out = mcpSessionHeaderPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = rawProviderKeyPattern.ReplaceAllString(out, "[REDACTED_API_KEY]")
	return out
}

// RedactForStorage is the fail-closed counterpart used for payloads that
// are assumed risky by default (e.g. raw terminal/event capture): it
// drops the payload entirely unless RedactPayload actually found and
// scrubbed something, rather than persisting unredacted content on the
// assumption that "no pattern matched" means "safe."
func RedactForStorage(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	redacted := RedactPayload(trimmed)
	if redacted == "" {
		return ""
	}
	if redacted == trimmed {
		return ""
	}
	if secretLikePattern.MatchString(trimmed) && !strings.Contains(redacted, "[REDACTED]") {
		return ""
	}
	return redacted
}
