package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAI Chat Completions. The de-facto lingua franca: most aggregator
// vendors speak it, so this file also carries the passthrough normalisation
// applied to "OpenAI-compatible" upstreams.

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Stop                flexStrings     `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *streamOptions  `json:"stream_options,omitempty"`
	Tools               []chatTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
}

type chatMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function chatFuncCall `json:"function"`
}

type chatFuncCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatTool struct {
	Type     string   `json:"type"`
	Function chatFunc `json:"function"`
}

type chatFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Delta        *chatDelta   `json:"delta,omitempty"`
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatDelta struct {
	Role             string         `json:"role,omitempty"`
	Content          string         `json:"content,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens            int               `json:"prompt_tokens"`
	CompletionTokens        int               `json:"completion_tokens"`
	TotalTokens             int               `json:"total_tokens"`
	CompletionTokensDetails *chatTokenDetails `json:"completion_tokens_details,omitempty"`
}

type chatTokenDetails struct {
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// flexStrings accepts both `"stop": "###"` and `"stop": ["###"]`.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexStrings{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return err
	}
	*f = ss
	return nil
}

func parseOpenAIRequest(body []byte) (*prompt, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("wire: decode openai request: %w", err)
	}
	p := &prompt{}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			p.System = append(p.System, chatContentText(msg.Content))
		case "tool", "function":
			p.appendBlock("tool", block{
				Kind:   blockToolResult,
				ToolID: msg.ToolCallID,
				Result: chatContentText(msg.Content),
			})
		case "assistant":
			t := turn{Role: "assistant"}
			if msg.ReasoningContent != "" {
				t.Blocks = append(t.Blocks, block{Kind: blockThinking, Text: msg.ReasoningContent})
			}
			if txt := chatContentText(msg.Content); txt != "" {
				t.Blocks = append(t.Blocks, block{Kind: blockText, Text: txt})
			}
			for _, tc := range msg.ToolCalls {
				t.Blocks = append(t.Blocks, block{
					Kind:     blockToolUse,
					ToolID:   tc.ID,
					ToolName: tc.Function.Name,
					Args:     decodeArgs(tc.Function.Arguments),
				})
			}
			p.Turns = append(p.Turns, t)
		default: // user
			p.Turns = append(p.Turns, turn{Role: "user", Blocks: chatContentBlocks(msg.Content)})
		}
	}
	for _, tool := range req.Tools {
		if tool.Type != "" && tool.Type != "function" {
			continue
		}
		p.Tools = append(p.Tools, toolDecl{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Params:      tool.Function.Parameters,
		})
	}
	p.Choice = parseOpenAIToolChoice(req.ToolChoice)
	p.Sampling = sampling{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	if req.MaxCompletionTokens > 0 {
		p.Sampling.MaxTokens = req.MaxCompletionTokens
	}
	if req.ReasoningEffort != "" {
		p.Thinking = &thinkingOpts{Effort: req.ReasoningEffort}
	}
	return p, nil
}

// chatContentText flattens string-or-parts message content to plain text.
func chatContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	var parts []chatContentPart
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range parts {
		if part.Type == "text" || part.Type == "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func chatContentBlocks(raw json.RawMessage) []block {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return []block{{Kind: blockText, Text: s}}
		}
		return nil
	}
	var parts []chatContentPart
	if json.Unmarshal(raw, &parts) != nil {
		return nil
	}
	var out []block
	for _, part := range parts {
		switch part.Type {
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			b := block{Kind: blockImage}
			if mime, data, ok := splitDataURI(part.ImageURL.URL); ok {
				b.MIME, b.Data = mime, data
			} else {
				b.URI = part.ImageURL.URL
			}
			out = append(out, b)
		default:
			if part.Text != "" {
				out = append(out, block{Kind: blockText, Text: part.Text})
			}
		}
	}
	return out
}

func parseOpenAIToolChoice(raw json.RawMessage) *toolChoice {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return nil
		}
		switch s {
		case "auto", "none", "required":
			return &toolChoice{Mode: s}
		}
		return nil
	}
	name := gjson.GetBytes(raw, "function.name").Str
	if name == "" {
		return nil
	}
	return &toolChoice{Mode: "tool", Name: name}
}

func buildOpenAIRequest(p *prompt, req *Request) ([]byte, error) {
	out := chatRequest{Model: req.Model, Stream: req.Stream}
	if req.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if sys := p.systemText(); sys != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: marshalString(sys)})
	}
	for i := range p.Turns {
		t := &p.Turns[i]
		switch t.Role {
		case "assistant":
			msg := chatMessage{Role: "assistant"}
			if txt := t.joinedText(); txt != "" {
				msg.Content = marshalString(txt)
			}
			for _, b := range t.Blocks {
				if b.Kind != blockToolUse {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
					ID:       b.ToolID,
					Type:     "function",
					Function: chatFuncCall{Name: b.ToolName, Arguments: encodeArgs(b.Args)},
				})
			}
			out.Messages = append(out.Messages, msg)
		case "tool":
			for _, b := range t.Blocks {
				if b.Kind != blockToolResult {
					continue
				}
				out.Messages = append(out.Messages, chatMessage{
					Role:       "tool",
					ToolCallID: b.ToolID,
					Content:    marshalString(b.Result),
				})
			}
		default:
			out.Messages = append(out.Messages, chatMessage{Role: "user", Content: buildOpenAIUserContent(t)})
		}
	}
	for _, tool := range p.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunc{Name: tool.Name, Description: tool.Description, Parameters: tool.Params},
		})
	}
	if p.Choice != nil {
		switch p.Choice.Mode {
		case "tool":
			raw, _ := json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]string{"name": p.Choice.Name},
			})
			out.ToolChoice = raw
		default:
			out.ToolChoice = marshalString(p.Choice.Mode)
		}
	}
	out.Temperature = p.Sampling.Temperature
	out.TopP = p.Sampling.TopP
	out.MaxTokens = p.Sampling.MaxTokens
	out.Stop = p.Sampling.Stop
	if effort := p.Thinking.effortLevel(); effort != "" {
		out.ReasoningEffort = effort
	}
	return json.Marshal(out)
}

// buildOpenAIUserContent keeps plain text as a string and switches to the
// parts form only when the turn carries images.
func buildOpenAIUserContent(t *turn) json.RawMessage {
	hasImage := false
	for _, b := range t.Blocks {
		if b.Kind == blockImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return marshalString(t.joinedText())
	}
	var parts []chatContentPart
	for _, b := range t.Blocks {
		switch b.Kind {
		case blockText:
			parts = append(parts, chatContentPart{Type: "text", Text: b.Text})
		case blockImage:
			url := b.URI
			if url == "" {
				url = "data:" + b.MIME + ";base64," + b.Data
			}
			parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: url}})
		}
	}
	raw, _ := json.Marshal(parts)
	return raw
}

func parseOpenAIChunk(chunk []byte, st *StreamState) ([]event, error) {
	var c chatChunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return nil, fmt.Errorf("wire: decode openai chunk: %w", err)
	}
	if c.ID != "" && st.UpstreamID == "" {
		st.UpstreamID = c.ID
	}
	var evs []event
	if c.Usage != nil && (c.Usage.PromptTokens > 0 || c.Usage.CompletionTokens > 0) {
		u := Usage{
			InputTokens:  c.Usage.PromptTokens,
			OutputTokens: c.Usage.CompletionTokens,
			TotalTokens:  c.Usage.TotalTokens,
		}
		if d := c.Usage.CompletionTokensDetails; d != nil {
			u.ThinkingTokens = d.ReasoningTokens
		}
		evs = append(evs, event{kind: evUsage, usage: u})
	}
	for _, choice := range c.Choices {
		if choice.Index != 0 {
			continue // single-choice proxying only
		}
		if d := choice.Delta; d != nil {
			if d.Role != "" {
				evs = append(evs, event{kind: evRole})
			}
			if d.ReasoningContent != "" {
				evs = append(evs, event{kind: evThinking, text: d.ReasoningContent})
			}
			if d.Content != "" {
				evs = append(evs, event{kind: evText, text: d.Content})
			}
			evs = append(evs, openaiToolEvents(d.ToolCalls, st, false)...)
		}
		if m := choice.Message; m != nil {
			evs = append(evs, event{kind: evRole})
			if m.ReasoningContent != "" {
				evs = append(evs, event{kind: evThinking, text: m.ReasoningContent})
			}
			if txt := chatContentText(m.Content); txt != "" {
				evs = append(evs, event{kind: evText, text: txt})
			}
			evs = append(evs, openaiToolEvents(m.ToolCalls, st, true)...)
		}
		if fr := choice.FinishReason; fr != nil && *fr != "" {
			evs = append(evs, event{kind: evFinish, finish: normalizeOpenAIFinish(*fr)})
		}
	}
	return evs, nil
}

// openaiToolEvents maps tool-call deltas onto stable slots. Streaming
// vendors key fragments by index; some omit it and continue the most
// recently opened call.
func openaiToolEvents(calls []chatToolCall, st *StreamState, complete bool) []event {
	var evs []event
	for _, tc := range calls {
		var slot int
		switch {
		case tc.Index != nil:
			slot = st.claimSlot(*tc.Index)
		case tc.ID != "":
			slot = st.slotFor(tc.ID)
		default:
			slot = st.lastSlot()
		}
		if tc.ID != "" || tc.Function.Name != "" {
			evs = append(evs, event{kind: evToolStart, slot: slot, id: tc.ID, name: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			evs = append(evs, event{kind: evToolArgs, slot: slot, text: tc.Function.Arguments})
		}
		if complete {
			evs = append(evs, event{kind: evToolStop, slot: slot})
		}
	}
	return evs
}

func emitOpenAIChunk(evs []event, st *StreamState) ([][]byte, error) {
	if evs == nil {
		if st.emittedFinish {
			return nil, nil
		}
		st.emittedFinish = true
		return [][]byte{openaiFinishChunk(st)}, nil
	}
	var out [][]byte
	for _, ev := range evs {
		switch ev.kind {
		case evText:
			out = append(out, openaiDeltaChunk(st, &chatDelta{Content: ev.text}))
		case evThinking:
			out = append(out, openaiDeltaChunk(st, &chatDelta{ReasoningContent: ev.text}))
		case evToolStart:
			idx := ev.slot
			tc := chatToolCall{Index: &idx, ID: ev.id, Type: "function", Function: chatFuncCall{Name: ev.name}}
			out = append(out, openaiDeltaChunk(st, &chatDelta{ToolCalls: []chatToolCall{tc}}))
		case evToolArgs:
			idx := ev.slot
			tc := chatToolCall{Index: &idx, Function: chatFuncCall{Arguments: ev.text}}
			out = append(out, openaiDeltaChunk(st, &chatDelta{ToolCalls: []chatToolCall{tc}}))
		case evUsage:
			if st.emittedFinish {
				out = append(out, openaiUsageChunk(st))
			}
		case evFinish:
			if !st.emittedFinish {
				st.emittedFinish = true
				out = append(out, openaiFinishChunk(st))
			}
		}
	}
	return out, nil
}

func openaiDeltaChunk(st *StreamState, delta *chatDelta) []byte {
	if !st.started {
		st.started = true
		delta.Role = "assistant"
	}
	raw, _ := json.Marshal(chatChunk{
		ID:      "chatcmpl-" + st.ID,
		Object:  "chat.completion.chunk",
		Created: st.Created,
		Model:   st.Model,
		Choices: []chatChoice{{Index: 0, Delta: delta}},
	})
	return raw
}

func openaiFinishChunk(st *StreamState) []byte {
	fr := openaiFinish(st.finishOrDefault())
	raw, _ := json.Marshal(chatChunk{
		ID:      "chatcmpl-" + st.ID,
		Object:  "chat.completion.chunk",
		Created: st.Created,
		Model:   st.Model,
		Choices: []chatChoice{{Index: 0, Delta: &chatDelta{}, FinishReason: &fr}},
		Usage:   openaiUsage(st),
	})
	return raw
}

func openaiUsageChunk(st *StreamState) []byte {
	raw, _ := json.Marshal(chatChunk{
		ID:      "chatcmpl-" + st.ID,
		Object:  "chat.completion.chunk",
		Created: st.Created,
		Model:   st.Model,
		Choices: []chatChoice{},
		Usage:   openaiUsage(st),
	})
	return raw
}

func openaiUsage(st *StreamState) *chatUsage {
	if !st.HasUsage {
		return nil
	}
	u := &chatUsage{
		PromptTokens:     st.Usage.InputTokens,
		CompletionTokens: st.Usage.OutputTokens,
		TotalTokens:      st.Usage.TotalTokens,
	}
	if st.Usage.ThinkingTokens > 0 {
		u.CompletionTokensDetails = &chatTokenDetails{ReasoningTokens: st.Usage.ThinkingTokens}
	}
	return u
}

// normalizeOpenAIChunk is the passthrough path for OpenAI-compatible
// upstreams: the chunk keeps its shape, required fields are injected,
// vendor extensions stripped and the finish chunk rewritten with resolved
// usage when the provider omitted it.
func normalizeOpenAIChunk(chunk []byte, evs []event, st *StreamState) []byte {
	// keepalive and filter-annotation chunks carry neither events nor choices
	if !hasSignal(evs) && !gjson.GetBytes(chunk, "choices.0").Exists() {
		return nil
	}
	out := chunk
	if gjson.GetBytes(out, "object").Str != "chat.completion.chunk" {
		out, _ = sjson.SetBytes(out, "object", "chat.completion.chunk")
	}
	if !gjson.GetBytes(out, "created").Exists() {
		out, _ = sjson.SetBytes(out, "created", st.Created)
	}
	if gjson.GetBytes(out, "id").Str == "" {
		out, _ = sjson.SetBytes(out, "id", "chatcmpl-"+st.ID)
	}
	if gjson.GetBytes(out, "prompt_filter_results").Exists() {
		out, _ = sjson.DeleteBytes(out, "prompt_filter_results")
	}
	choices := gjson.GetBytes(out, "choices").Array()
	for i := range choices {
		path := fmt.Sprintf("choices.%d.content_filter_results", i)
		if gjson.GetBytes(out, path).Exists() {
			out, _ = sjson.DeleteBytes(out, path)
		}
	}
	if finishSeen(evs) && st.HasUsage {
		if u := gjson.GetBytes(out, "usage"); !u.Exists() || u.Type == gjson.Null {
			out, _ = sjson.SetBytes(out, "usage", openaiUsage(st))
		}
	}
	return out
}

func finishSeen(evs []event) bool {
	for _, ev := range evs {
		if ev.kind == evFinish {
			return true
		}
	}
	return false
}

func buildOpenAIDocument(st *StreamState) ([]byte, error) {
	msg := &chatMessage{Role: "assistant", Content: json.RawMessage("null")}
	if txt := st.ContentString(); txt != "" {
		msg.Content = marshalString(txt)
	}
	msg.ReasoningContent = st.ThinkingString()
	for _, d := range st.Tools() {
		msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
			ID:       d.callID(st),
			Type:     "function",
			Function: chatFuncCall{Name: d.Name, Arguments: d.argsString()},
		})
	}
	fr := openaiFinish(st.finishOrDefault())
	return json.Marshal(chatChunk{
		ID:      "chatcmpl-" + st.ID,
		Object:  "chat.completion",
		Created: st.Created,
		Model:   st.Model,
		Choices: []chatChoice{{Index: 0, Message: msg, FinishReason: &fr}},
		Usage:   openaiUsage(st),
	})
}

func openaiPromptChars(body []byte) int {
	total := 0
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			total += len(content.Str)
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				total += len(part.Get("text").Str)
				return true
			})
		}
		return true
	})
	return total
}
