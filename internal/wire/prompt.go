package wire

import (
	"encoding/json"
	"strings"
)

// prompt is the request-direction interchange model. Each source format
// parses into it, each target format builds from it. It carries the union
// of the block kinds the five formats express.
type prompt struct {
	System   []string
	Turns    []turn
	Tools    []toolDecl
	Choice   *toolChoice
	Sampling sampling
	Thinking *thinkingOpts
}

type turn struct {
	Role   string // user | assistant | tool
	Blocks []block
}

const (
	blockText       = "text"
	blockImage      = "image"
	blockThinking   = "thinking"
	blockToolUse    = "tool_use"
	blockToolResult = "tool_result"
)

type block struct {
	Kind      string
	Text      string
	MIME      string // image media type
	Data      string // base64 image payload
	URI       string // image reference for sources that pass plain URLs
	ToolID    string
	ToolName  string
	Args      json.RawMessage // decoded tool arguments (object)
	Result    string          // tool_result payload, flattened to text
	Signature string          // thinking signature, when the source carries one
}

type toolDecl struct {
	Name        string
	Description string
	Params      json.RawMessage
}

type toolChoice struct {
	Mode string // auto | none | required | tool
	Name string // set when Mode == "tool"
}

type sampling struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   int
	Stop        []string
}

type thinkingOpts struct {
	Budget int
	Effort string // low | medium | high
}

// budgetTokens resolves an effort level to a thinking token budget when the
// source carried no explicit number.
func (t *thinkingOpts) budgetTokens() int {
	if t == nil {
		return 0
	}
	if t.Budget > 0 {
		return t.Budget
	}
	switch t.Effort {
	case "low":
		return 1024
	case "medium":
		return 8192
	case "high":
		return 24576
	}
	return 0
}

// effortLevel buckets a token budget into the reasoning_effort vocabulary
// for targets that take a level instead of a number.
func (t *thinkingOpts) effortLevel() string {
	if t == nil {
		return ""
	}
	if t.Effort != "" {
		return t.Effort
	}
	switch {
	case t.Budget <= 0:
		return ""
	case t.Budget <= 2048:
		return "low"
	case t.Budget <= 16384:
		return "medium"
	}
	return "high"
}

// lastTurn returns the final turn, or nil for an empty prompt.
func (p *prompt) lastTurn() *turn {
	if len(p.Turns) == 0 {
		return nil
	}
	return &p.Turns[len(p.Turns)-1]
}

// appendBlock adds a block to the trailing turn of the given role, starting
// a new turn when the role changes.
func (p *prompt) appendBlock(role string, b block) {
	if t := p.lastTurn(); t != nil && t.Role == role {
		t.Blocks = append(t.Blocks, b)
		return
	}
	p.Turns = append(p.Turns, turn{Role: role, Blocks: []block{b}})
}

// joinedText flattens the text blocks of a turn.
func (t *turn) joinedText() string {
	var sb strings.Builder
	for _, b := range t.Blocks {
		if b.Kind == blockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// systemText joins the system segments the way most single-slot targets
// expect them.
func (p *prompt) systemText() string {
	return strings.Join(p.System, "\n\n")
}

func marshalString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// decodeArgs normalizes tool arguments that arrive as a JSON-encoded string
// into the raw object form. Invalid fragments are wrapped as a quoted string
// so nothing is silently lost.
func decodeArgs(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// encodeArgs renders decoded tool arguments back to the string form OpenAI
// and Ollama carry on assistant messages.
func encodeArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// splitDataURI separates "data:<mime>;base64,<payload>" into its parts.
// Plain URIs come back with ok == false and are passed through untouched.
func splitDataURI(uri string) (mime, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := uri[len("data:"):]
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}

// Normalized finish reasons travel between parsers and emitters as one of:
// stop, length, tool_calls, content_filter.

func normalizeOpenAIFinish(r string) string {
	switch r {
	case "stop", "length", "tool_calls", "content_filter":
		return r
	case "function_call":
		return "tool_calls"
	}
	return "stop"
}

func normalizeClaudeFinish(r string) string {
	switch r {
	case "end_turn", "stop_sequence", "pause_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	}
	return "stop"
}

func normalizeGeminiFinish(r string) string {
	switch r {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	}
	return "stop"
}

func normalizeOllamaFinish(r string) string {
	switch r {
	case "length":
		return "length"
	}
	return "stop"
}

func claudeFinish(normalized string) string {
	switch normalized {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "refusal"
	}
	return "end_turn"
}

func geminiFinish(normalized string) string {
	switch normalized {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	}
	return "STOP"
}

func ollamaFinish(normalized string) string {
	if normalized == "length" {
		return "length"
	}
	return "stop"
}

func openaiFinish(normalized string) string {
	switch normalized {
	case "stop", "length", "tool_calls", "content_filter":
		return normalized
	}
	return "stop"
}
