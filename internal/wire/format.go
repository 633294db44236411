// Package wire implements the chat wire formats spoken by clients and
// upstream providers (OpenAI Chat Completions, OpenAI Responses, Anthropic
// Messages, Gemini, Ollama, plus the target-only Kiro and Antigravity
// dialects) and the pairwise translators between them.
//
// Translation is table-driven: request translators convert a client payload
// into a provider payload, stream translators convert one provider response
// chunk into zero or more client chunks against a per-stream State. Every
// (source, target) pair used by a supported provider is registered at init.
package wire

import "strings"

// Format identifies a chat wire protocol.
type Format string

const (
	FormatOpenAI          Format = "openai"
	FormatOpenAIResponses Format = "openai-responses"
	FormatClaude          Format = "claude"
	FormatGemini          Format = "gemini"
	FormatOllama          Format = "ollama"

	// Target-only dialects: providers speak them, clients never do.
	FormatKiro        Format = "kiro"
	FormatAntigravity Format = "antigravity"
)

// ClientFormats are the formats a client may speak, i.e. valid source
// formats for a request and valid target formats for a response stream.
var ClientFormats = []Format{
	FormatOpenAI,
	FormatOpenAIResponses,
	FormatClaude,
	FormatGemini,
	FormatOllama,
}

// ProviderFormats are the formats an upstream provider may speak.
var ProviderFormats = []Format{
	FormatOpenAI,
	FormatOpenAIResponses,
	FormatClaude,
	FormatGemini,
	FormatOllama,
	FormatKiro,
	FormatAntigravity,
}

func (f Format) String() string { return string(f) }

// Client reports whether f is a client-facing format.
func (f Format) Client() bool {
	switch f {
	case FormatOpenAI, FormatOpenAIResponses, FormatClaude, FormatGemini, FormatOllama:
		return true
	}
	return false
}

// FromPath maps a request URL path to the source format the client speaks.
// The machine-id prefix, if any, must already be stripped.
func FromPath(path string) (Format, bool) {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return FormatOpenAI, true
	case strings.HasSuffix(path, "/v1/messages"):
		return FormatClaude, true
	case strings.HasSuffix(path, "/v1/responses"):
		return FormatOpenAIResponses, true
	case strings.Contains(path, "/v1beta/"):
		return FormatGemini, true
	case strings.HasSuffix(path, "/api/chat"):
		return FormatOllama, true
	}
	return "", false
}
