package wire

import (
	"strings"

	"github.com/tidwall/gjson"
)

// DetectChunk inspects the structural markers of a decoded SSE data payload
// and reports which wire format produced it. It is used for mid-stream
// auto-detection: "OpenAI-compatible" endpoints occasionally emit a different
// dialect, and the marker set below disambiguates them.
//
//	type: "response.*"  -> OpenAI Responses
//	choices[]           -> OpenAI Chat Completions
//	type: <anything>    -> Claude Messages
//	candidates[]        -> Gemini
//	message{} + done    -> Ollama
func DetectChunk(chunk []byte) (Format, bool) {
	if typ := gjson.GetBytes(chunk, "type"); typ.Exists() && typ.Type == gjson.String {
		if strings.HasPrefix(typ.Str, "response.") {
			return FormatOpenAIResponses, true
		}
		return FormatClaude, true
	}
	if gjson.GetBytes(chunk, "choices").IsArray() {
		return FormatOpenAI, true
	}
	if gjson.GetBytes(chunk, "candidates").IsArray() ||
		gjson.GetBytes(chunk, "response.candidates").IsArray() {
		return FormatGemini, true
	}
	if gjson.GetBytes(chunk, "message").IsObject() && gjson.GetBytes(chunk, "done").Exists() {
		return FormatOllama, true
	}
	return "", false
}
