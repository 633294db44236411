package wire

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Per-format primitives. Every registered (from, to) pair is composed from
// one parser and one builder/emitter; the identity pairs are then
// re-registered with body-preserving handlers so a client talking to its
// own native provider sees the upstream's shapes, not regenerated ones.

var requestParsers = map[Format]parseRequestFunc{
	FormatOpenAI:          parseOpenAIRequest,
	FormatOpenAIResponses: parseResponsesRequest,
	FormatClaude:          parseClaudeRequest,
	FormatGemini:          parseGeminiRequest,
	FormatOllama:          parseOllamaRequest,
}

var requestBuilders = map[Format]buildRequestFunc{
	FormatOpenAI:          buildOpenAIRequest,
	FormatOpenAIResponses: buildResponsesRequest,
	FormatClaude:          buildClaudeRequest,
	FormatGemini:          buildGeminiRequest,
	FormatOllama:          buildOllamaRequest,
	FormatKiro:            buildKiroRequest,
	FormatAntigravity:     buildAntigravityRequest,
}

var chunkParsers = map[Format]parseChunkFunc{
	FormatOpenAI:          parseOpenAIChunk,
	FormatOpenAIResponses: parseResponsesChunk,
	FormatClaude:          parseClaudeChunk,
	FormatGemini:          parseGeminiChunk,
	FormatOllama:          parseOllamaChunk,
	FormatKiro:            parseKiroChunk,
	FormatAntigravity:     parseGeminiChunk, // gemini under a "response" wrapper
}

var chunkEmitters = map[Format]emitChunkFunc{
	FormatOpenAI:          emitOpenAIChunk,
	FormatOpenAIResponses: emitResponsesChunk,
	FormatClaude:          emitClaudeChunk,
	FormatGemini:          emitGeminiChunk,
	FormatOllama:          emitOllamaChunk,
}

var chunkNormalizers = map[Format]normalizeChunkFunc{
	FormatOpenAI:          normalizeOpenAIChunk,
	FormatOpenAIResponses: normalizeResponsesChunk,
	FormatClaude:          normalizeClaudeChunk,
	FormatGemini:          normalizeGeminiChunk,
	FormatOllama:          normalizeOllamaChunk,
}

var documentBuilders = map[Format]buildDocumentFunc{
	FormatOpenAI:          buildOpenAIDocument,
	FormatOpenAIResponses: buildResponsesDocument,
	FormatClaude:          buildClaudeDocument,
	FormatGemini:          buildGeminiDocument,
	FormatOllama:          buildOllamaDocument,
}

var promptCharCounters = map[Format]func(body []byte) int{
	FormatOpenAI:          openaiPromptChars,
	FormatOpenAIResponses: responsesPromptChars,
	FormatClaude:          claudePromptChars,
	FormatGemini:          geminiPromptChars,
	FormatOllama:          ollamaPromptChars,
}

func init() {
	for from, parse := range requestParsers {
		for to, build := range requestBuilders {
			RegisterRequest(from, to, requestPair(parse, build))
		}
	}
	for from, parse := range chunkParsers {
		for to, emit := range chunkEmitters {
			RegisterStream(from, to, streamPair(parse, emit))
		}
	}
	for _, f := range ClientFormats {
		RegisterRequest(f, f, identityRequest(f))
		RegisterStream(f, f, passthroughStream(f))
	}
}

// identityRequest fixes up a body heading for its own native provider:
// only the model and the stream flag change, everything else passes
// through byte for byte.
func identityRequest(f Format) RequestFunc {
	return func(req *Request) ([]byte, error) {
		body := req.Body
		switch f {
		case FormatGemini:
			// model and stream mode travel in the URL
			return body, nil
		case FormatOpenAI:
			body, _ = sjson.SetBytes(body, "model", req.Model)
			body, _ = sjson.SetBytes(body, "stream", req.Stream)
			if req.Stream {
				body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
			} else if gjson.GetBytes(body, "stream_options").Exists() {
				body, _ = sjson.DeleteBytes(body, "stream_options")
			}
		default:
			body, _ = sjson.SetBytes(body, "model", req.Model)
			body, _ = sjson.SetBytes(body, "stream", req.Stream)
		}
		return body, nil
	}
}
