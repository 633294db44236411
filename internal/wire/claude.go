package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Anthropic Messages. Streaming is event-based: message_start, content block
// start/delta/stop, message_delta with the stop reason, message_stop. The
// emitter below reproduces that sequence from neutral events; the parser
// also accepts a complete non-streaming message document.

type claudeRequest struct {
	Model         string            `json:"model"`
	System        json.RawMessage   `json:"system,omitempty"`
	Messages      []claudeMessage   `json:"messages"`
	MaxTokens     int               `json:"max_tokens"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Tools         []claudeTool      `json:"tools,omitempty"`
	ToolChoice    *claudeToolChoice `json:"tool_choice,omitempty"`
	Thinking      *claudeThinking   `json:"thinking,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *claudeSource   `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type claudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// defaultClaudeMaxTokens backfills the mandatory max_tokens field when the
// source format carries no limit.
const defaultClaudeMaxTokens = 4096

// Streaming event shells, marshalled per event type.

type claudeMessageStart struct {
	Type    string             `json:"type"`
	Message claudeMessageShell `json:"message"`
}

type claudeMessageShell struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Model   string        `json:"model"`
	Content []claudeBlock `json:"content"`
	Usage   claudeUsage   `json:"usage"`
}

type claudeBlockStart struct {
	Type         string      `json:"type"`
	Index        int         `json:"index"`
	ContentBlock claudeBlock `json:"content_block"`
}

type claudeBlockDelta struct {
	Type  string           `json:"type"`
	Index int              `json:"index"`
	Delta claudeDeltaValue `json:"delta"`
}

type claudeDeltaValue struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

type claudeBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type claudeMessageDelta struct {
	Type  string          `json:"type"`
	Delta claudeStopDelta `json:"delta"`
	Usage *claudeUsage    `json:"usage,omitempty"`
}

type claudeStopDelta struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence"`
}

type claudeDocument struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []claudeBlock `json:"content"`
	StopReason   string        `json:"stop_reason"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        claudeUsage   `json:"usage"`
}

func parseClaudeRequest(body []byte) (*prompt, error) {
	var req claudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("wire: decode claude request: %w", err)
	}
	p := &prompt{}
	for _, seg := range claudeSystemSegments(req.System) {
		p.System = append(p.System, seg)
	}
	for _, msg := range req.Messages {
		blocks := claudeContentBlocks(msg.Content)
		if msg.Role == "assistant" {
			p.Turns = append(p.Turns, turn{Role: "assistant", Blocks: blocks})
			continue
		}
		// User messages may interleave tool results with new input; keep
		// tool results on their own turn so targets that separate them
		// can split cleanly.
		var user, results []block
		for _, b := range blocks {
			if b.Kind == blockToolResult {
				results = append(results, b)
			} else {
				user = append(user, b)
			}
		}
		if len(results) > 0 {
			p.Turns = append(p.Turns, turn{Role: "tool", Blocks: results})
		}
		if len(user) > 0 {
			p.Turns = append(p.Turns, turn{Role: "user", Blocks: user})
		}
	}
	for _, tool := range req.Tools {
		p.Tools = append(p.Tools, toolDecl{
			Name:        tool.Name,
			Description: tool.Description,
			Params:      tool.InputSchema,
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case "any":
			p.Choice = &toolChoice{Mode: "required"}
		case "tool":
			p.Choice = &toolChoice{Mode: "tool", Name: tc.Name}
		case "none":
			p.Choice = &toolChoice{Mode: "none"}
		default:
			p.Choice = &toolChoice{Mode: "auto"}
		}
	}
	p.Sampling = sampling{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		p.Thinking = &thinkingOpts{Budget: req.Thinking.BudgetTokens}
	}
	return p, nil
}

func claudeSystemSegments(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return []string{s}
		}
		return nil
	}
	var blocks []claudeBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return nil
	}
	var out []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}

func claudeContentBlocks(raw json.RawMessage) []block {
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
	var blocks []claudeBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return nil
	}
	var out []block
	for _, cb := range blocks {
		switch cb.Type {
		case "text":
			out = append(out, block{Kind: blockText, Text: cb.Text})
		case "image":
			if cb.Source == nil {
				continue
			}
			if cb.Source.Type == "url" {
				out = append(out, block{Kind: blockImage, URI: cb.Source.URL})
			} else {
				out = append(out, block{Kind: blockImage, MIME: cb.Source.MediaType, Data: cb.Source.Data})
			}
		case "tool_use":
			out = append(out, block{
				Kind:     blockToolUse,
				ToolID:   cb.ID,
				ToolName: cb.Name,
				Args:     orEmptyObject(cb.Input),
			})
		case "tool_result":
			out = append(out, block{
				Kind:   blockToolResult,
				ToolID: cb.ToolUseID,
				Result: claudeResultText(cb.Content),
			})
		case "thinking":
			out = append(out, block{Kind: blockThinking, Text: cb.Thinking, Signature: cb.Signature})
		}
	}
	return out
}

// claudeResultText flattens a tool_result payload (string or text blocks)
// to plain text.
func claudeResultText(raw json.RawMessage) string {
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
	res := gjson.ParseBytes(raw)
	if res.IsArray() {
		var sb []byte
		res.ForEach(func(_, blk gjson.Result) bool {
			sb = append(sb, blk.Get("text").Str...)
			return true
		})
		return string(sb)
	}
	return res.Raw
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func buildClaudeRequest(p *prompt, req *Request) ([]byte, error) {
	out := claudeRequest{Model: req.Model, Stream: req.Stream}
	if sys := p.systemText(); sys != "" {
		out.System = marshalString(sys)
	}

	type message struct {
		role   string
		blocks []claudeBlock
	}
	var msgs []message
	push := func(role string, blocks []claudeBlock) {
		if len(blocks) == 0 {
			return
		}
		if len(msgs) > 0 && msgs[len(msgs)-1].role == role {
			last := &msgs[len(msgs)-1]
			last.blocks = append(last.blocks, blocks...)
			return
		}
		msgs = append(msgs, message{role: role, blocks: blocks})
	}

	for i := range p.Turns {
		t := &p.Turns[i]
		switch t.Role {
		case "assistant":
			var blocks []claudeBlock
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockThinking:
					blocks = append(blocks, claudeBlock{Type: "thinking", Thinking: b.Text, Signature: b.Signature})
				case blockText:
					blocks = append(blocks, claudeBlock{Type: "text", Text: b.Text})
				case blockToolUse:
					blocks = append(blocks, claudeBlock{
						Type:  "tool_use",
						ID:    b.ToolID,
						Name:  b.ToolName,
						Input: orEmptyObject(b.Args),
					})
				}
			}
			push("assistant", blocks)
		case "tool":
			var blocks []claudeBlock
			for _, b := range t.Blocks {
				if b.Kind != blockToolResult {
					continue
				}
				blocks = append(blocks, claudeBlock{
					Type:      "tool_result",
					ToolUseID: b.ToolID,
					Content:   marshalString(b.Result),
				})
			}
			push("user", blocks)
		default:
			var blocks []claudeBlock
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockText:
					blocks = append(blocks, claudeBlock{Type: "text", Text: b.Text})
				case blockImage:
					src := &claudeSource{Type: "base64", MediaType: b.MIME, Data: b.Data}
					if b.URI != "" {
						src = &claudeSource{Type: "url", URL: b.URI}
					}
					blocks = append(blocks, claudeBlock{Type: "image", Source: src})
				}
			}
			push("user", blocks)
		}
	}

	// The Messages API rejects a leading assistant turn.
	if len(msgs) > 0 && msgs[0].role == "assistant" {
		msgs = append([]message{{role: "user", blocks: []claudeBlock{{Type: "text", Text: "."}}}}, msgs...)
	}
	for _, m := range msgs {
		raw, err := json.Marshal(m.blocks)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, claudeMessage{Role: m.role, Content: raw})
	}

	for _, tool := range p.Tools {
		out.Tools = append(out.Tools, claudeTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Params,
		})
	}
	if p.Choice != nil {
		switch p.Choice.Mode {
		case "required":
			out.ToolChoice = &claudeToolChoice{Type: "any"}
		case "tool":
			out.ToolChoice = &claudeToolChoice{Type: "tool", Name: p.Choice.Name}
		case "none":
			out.ToolChoice = &claudeToolChoice{Type: "auto"}
		default:
			out.ToolChoice = &claudeToolChoice{Type: "auto"}
		}
	}

	out.Temperature = p.Sampling.Temperature
	out.TopP = p.Sampling.TopP
	out.TopK = p.Sampling.TopK
	out.StopSequences = p.Sampling.Stop
	out.MaxTokens = p.Sampling.MaxTokens
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultClaudeMaxTokens
	}
	if budget := p.Thinking.budgetTokens(); budget > 0 {
		out.Thinking = &claudeThinking{Type: "enabled", BudgetTokens: budget}
		// max_tokens must exceed the thinking budget
		if out.MaxTokens <= budget {
			out.MaxTokens = budget + defaultClaudeMaxTokens
		}
	}
	return json.Marshal(out)
}

func parseClaudeChunk(chunk []byte, st *StreamState) ([]event, error) {
	root := gjson.ParseBytes(chunk)
	switch root.Get("type").Str {
	case "message_start":
		msg := root.Get("message")
		if id := msg.Get("id").Str; id != "" && st.UpstreamID == "" {
			st.UpstreamID = id
		}
		evs := []event{{kind: evRole}}
		if in := msg.Get("usage.input_tokens").Int(); in > 0 {
			evs = append(evs, event{kind: evUsage, usage: Usage{InputTokens: int(in)}})
		}
		return evs, nil
	case "content_block_start":
		idx := int(root.Get("index").Int())
		cb := root.Get("content_block")
		kind := cb.Get("type").Str
		st.blockKinds[idx] = kind
		if kind == "tool_use" {
			slot := st.slotFor(cb.Get("id").Str)
			st.blockSlots[idx] = slot
			return []event{{kind: evToolStart, slot: slot, id: cb.Get("id").Str, name: cb.Get("name").Str}}, nil
		}
		return nil, nil
	case "content_block_delta":
		idx := int(root.Get("index").Int())
		delta := root.Get("delta")
		switch delta.Get("type").Str {
		case "text_delta":
			return []event{{kind: evText, text: delta.Get("text").Str}}, nil
		case "thinking_delta":
			return []event{{kind: evThinking, text: delta.Get("thinking").Str}}, nil
		case "signature_delta":
			return []event{{kind: evSignature, text: delta.Get("signature").Str}}, nil
		case "input_json_delta":
			slot, ok := st.blockSlots[idx]
			if !ok {
				slot = st.lastSlot()
			}
			return []event{{kind: evToolArgs, slot: slot, text: delta.Get("partial_json").Str}}, nil
		}
		return nil, nil
	case "content_block_stop":
		idx := int(root.Get("index").Int())
		if st.blockKinds[idx] == "tool_use" {
			return []event{{kind: evToolStop, slot: st.blockSlots[idx]}}, nil
		}
		return nil, nil
	case "message_delta":
		var evs []event
		if out := root.Get("usage.output_tokens").Int(); out > 0 {
			evs = append(evs, event{kind: evUsage, usage: Usage{OutputTokens: int(out)}})
		}
		if sr := root.Get("delta.stop_reason").Str; sr != "" {
			evs = append(evs, event{kind: evFinish, finish: normalizeClaudeFinish(sr)})
		}
		return evs, nil
	case "message":
		return parseClaudeDocument(root, st), nil
	case "error":
		return nil, fmt.Errorf("wire: claude stream error: %s", root.Get("error.message").Str)
	}
	// message_stop, ping, unknown future events
	return nil, nil
}

func parseClaudeDocument(root gjson.Result, st *StreamState) []event {
	if id := root.Get("id").Str; id != "" && st.UpstreamID == "" {
		st.UpstreamID = id
	}
	evs := []event{{kind: evRole}}
	root.Get("content").ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").Str {
		case "text":
			evs = append(evs, event{kind: evText, text: blk.Get("text").Str})
		case "thinking":
			evs = append(evs, event{kind: evThinking, text: blk.Get("thinking").Str})
			if sig := blk.Get("signature").Str; sig != "" {
				evs = append(evs, event{kind: evSignature, text: sig})
			}
		case "tool_use":
			slot := st.slotFor(blk.Get("id").Str)
			evs = append(evs, event{kind: evToolStart, slot: slot, id: blk.Get("id").Str, name: blk.Get("name").Str})
			if input := blk.Get("input"); input.Exists() && input.Type != gjson.Null {
				evs = append(evs, event{kind: evToolArgs, slot: slot, text: input.Raw})
			}
			evs = append(evs, event{kind: evToolStop, slot: slot})
		}
		return true
	})
	u := Usage{
		InputTokens:  int(root.Get("usage.input_tokens").Int()),
		OutputTokens: int(root.Get("usage.output_tokens").Int()),
	}
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
		evs = append(evs, event{kind: evUsage, usage: u})
	}
	if sr := root.Get("stop_reason").Str; sr != "" {
		evs = append(evs, event{kind: evFinish, finish: normalizeClaudeFinish(sr)})
	}
	return evs
}

func emitClaudeChunk(evs []event, st *StreamState) ([][]byte, error) {
	var out [][]byte
	if evs == nil {
		st.closeClaudeBlock(&out)
		if !st.started {
			out = append(out, claudeStartChunk(st))
			st.started = true
		}
		if !st.emittedFinish {
			st.emittedFinish = true
			out = append(out, claudeFinishChunk(st))
		}
		raw, _ := json.Marshal(map[string]string{"type": "message_stop"})
		out = append(out, raw)
		return out, nil
	}
	for _, ev := range evs {
		switch ev.kind {
		case evRole:
			st.ensureClaudeStarted(&out)
		case evText:
			st.ensureClaudeStarted(&out)
			if st.openKind != "text" {
				st.closeClaudeBlock(&out)
				st.openClaudeBlock(&out, "text", claudeBlock{Type: "text"})
			}
			raw, _ := json.Marshal(claudeBlockDelta{
				Type: "content_block_delta", Index: st.openIndex,
				Delta: claudeDeltaValue{Type: "text_delta", Text: ev.text},
			})
			out = append(out, raw)
		case evThinking:
			st.ensureClaudeStarted(&out)
			if st.openKind != "thinking" {
				st.closeClaudeBlock(&out)
				st.openClaudeBlock(&out, "thinking", claudeBlock{Type: "thinking"})
			}
			raw, _ := json.Marshal(claudeBlockDelta{
				Type: "content_block_delta", Index: st.openIndex,
				Delta: claudeDeltaValue{Type: "thinking_delta", Thinking: ev.text},
			})
			out = append(out, raw)
		case evSignature:
			if st.openKind != "thinking" {
				continue
			}
			raw, _ := json.Marshal(claudeBlockDelta{
				Type: "content_block_delta", Index: st.openIndex,
				Delta: claudeDeltaValue{Type: "signature_delta", Signature: ev.text},
			})
			out = append(out, raw)
		case evToolStart:
			st.ensureClaudeStarted(&out)
			st.closeClaudeBlock(&out)
			d := st.tools[ev.slot]
			st.openClaudeBlock(&out, "tool_use", claudeBlock{
				Type:  "tool_use",
				ID:    d.callID(st),
				Name:  d.Name,
				Input: json.RawMessage("{}"),
			})
			st.openSlot = ev.slot
		case evToolArgs:
			if st.openKind != "tool_use" || st.openSlot != ev.slot {
				continue // fragments of an unopened call cannot be framed
			}
			raw, _ := json.Marshal(claudeBlockDelta{
				Type: "content_block_delta", Index: st.openIndex,
				Delta: claudeDeltaValue{Type: "input_json_delta", PartialJSON: ev.text},
			})
			out = append(out, raw)
		case evToolStop:
			if st.openKind == "tool_use" && st.openSlot == ev.slot {
				st.closeClaudeBlock(&out)
			}
		case evFinish:
			st.ensureClaudeStarted(&out)
			st.closeClaudeBlock(&out)
			if !st.emittedFinish {
				st.emittedFinish = true
				out = append(out, claudeFinishChunk(st))
			}
		}
	}
	return out, nil
}

func (st *StreamState) ensureClaudeStarted(out *[][]byte) {
	if st.started {
		return
	}
	st.started = true
	*out = append(*out, claudeStartChunk(st))
}

func (st *StreamState) openClaudeBlock(out *[][]byte, kind string, cb claudeBlock) {
	idx := st.outIndex
	st.outIndex++
	st.openIndex = idx
	st.openKind = kind
	raw, _ := json.Marshal(claudeBlockStart{Type: "content_block_start", Index: idx, ContentBlock: cb})
	*out = append(*out, raw)
}

func (st *StreamState) closeClaudeBlock(out *[][]byte) {
	if st.openIndex < 0 {
		return
	}
	raw, _ := json.Marshal(claudeBlockStop{Type: "content_block_stop", Index: st.openIndex})
	*out = append(*out, raw)
	st.openIndex = -1
	st.openKind = ""
}

func claudeStartChunk(st *StreamState) []byte {
	raw, _ := json.Marshal(claudeMessageStart{
		Type: "message_start",
		Message: claudeMessageShell{
			ID:      "msg_" + st.ID,
			Type:    "message",
			Role:    "assistant",
			Model:   st.Model,
			Content: []claudeBlock{},
			Usage:   claudeUsage{InputTokens: st.Usage.InputTokens},
		},
	})
	return raw
}

func claudeFinishChunk(st *StreamState) []byte {
	raw, _ := json.Marshal(claudeMessageDelta{
		Type:  "message_delta",
		Delta: claudeStopDelta{StopReason: claudeFinish(st.finishOrDefault())},
		Usage: &claudeUsage{
			InputTokens:  st.Usage.InputTokens,
			OutputTokens: st.Usage.OutputTokens,
		},
	})
	return raw
}

// normalizeClaudeChunk passes protocol events through untouched apart from
// dropping pings and backfilling usage on the stop event.
func normalizeClaudeChunk(chunk []byte, evs []event, st *StreamState) []byte {
	typ := gjson.GetBytes(chunk, "type").Str
	if typ == "ping" {
		return nil
	}
	if typ == "message_delta" && st.HasUsage {
		if u := gjson.GetBytes(chunk, "usage"); !u.Exists() || u.Type == gjson.Null {
			chunk, _ = sjson.SetBytes(chunk, "usage", claudeUsage{
				InputTokens:  st.Usage.InputTokens,
				OutputTokens: st.Usage.OutputTokens,
			})
		}
	}
	return chunk
}

func buildClaudeDocument(st *StreamState) ([]byte, error) {
	var content []claudeBlock
	if think := st.ThinkingString(); think != "" {
		content = append(content, claudeBlock{Type: "thinking", Thinking: think, Signature: st.signature.String()})
	}
	if txt := st.ContentString(); txt != "" {
		content = append(content, claudeBlock{Type: "text", Text: txt})
	}
	for _, d := range st.Tools() {
		content = append(content, claudeBlock{
			Type:  "tool_use",
			ID:    d.callID(st),
			Name:  d.Name,
			Input: decodeArgs(d.argsString()),
		})
	}
	if content == nil {
		content = []claudeBlock{}
	}
	return json.Marshal(claudeDocument{
		ID:         "msg_" + st.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      st.Model,
		Content:    content,
		StopReason: claudeFinish(st.finishOrDefault()),
		Usage: claudeUsage{
			InputTokens:  st.Usage.InputTokens,
			OutputTokens: st.Usage.OutputTokens,
		},
	})
}

func claudePromptChars(body []byte) int {
	total := 0
	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		if sys.Type == gjson.String {
			total += len(sys.Str)
		} else {
			sys.ForEach(func(_, blk gjson.Result) bool {
				total += len(blk.Get("text").Str)
				return true
			})
		}
	}
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += len(content.Str)
			return true
		}
		content.ForEach(func(_, blk gjson.Result) bool {
			total += len(blk.Get("text").Str)
			total += len(blk.Get("thinking").Str)
			return true
		})
		return true
	})
	return total
}
