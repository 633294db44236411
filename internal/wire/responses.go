package wire

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// OpenAI Responses API. The stream is a typed event protocol: items open
// and close around deltas, and the terminal response.completed event
// repeats the whole accumulated document including usage.

type responsesRequest struct {
	Model              string              `json:"model,omitempty"`
	Input              json.RawMessage     `json:"input,omitempty"`
	Instructions       string              `json:"instructions,omitempty"`
	Stream             bool                `json:"stream,omitempty"`
	Tools              []responsesTool     `json:"tools,omitempty"`
	ToolChoice         json.RawMessage     `json:"tool_choice,omitempty"`
	MaxOutputTokens    int                 `json:"max_output_tokens,omitempty"`
	Temperature        *float64            `json:"temperature,omitempty"`
	TopP               *float64            `json:"top_p,omitempty"`
	Reasoning          *responsesReasoning `json:"reasoning,omitempty"`
	ParallelToolCalls  *bool               `json:"parallel_tool_calls,omitempty"`
	Store              *bool               `json:"store,omitempty"`
	PreviousResponseID string              `json:"previous_response_id,omitempty"`
}

// responsesTool is flat, unlike the chat completions nesting.
type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

type responsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responsesItem struct {
	Type             string             `json:"type,omitempty"`
	Role             string             `json:"role,omitempty"`
	Content          json.RawMessage    `json:"content,omitempty"`
	ID               string             `json:"id,omitempty"`
	Status           string             `json:"status,omitempty"`
	CallID           string             `json:"call_id,omitempty"`
	Name             string             `json:"name,omitempty"`
	Arguments        string             `json:"arguments,omitempty"`
	Output           json.RawMessage    `json:"output,omitempty"`
	Summary          []responsesSummary `json:"summary,omitempty"`
	EncryptedContent string             `json:"encrypted_content,omitempty"`
}

type responsesSummary struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesPart struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
}

type responsesOutItem struct {
	Type      string             `json:"type"`
	ID        string             `json:"id,omitempty"`
	Status    string             `json:"status,omitempty"`
	Role      string             `json:"role,omitempty"`
	Content   []responsesPart    `json:"content,omitempty"`
	Summary   []responsesSummary `json:"summary,omitempty"`
	CallID    string             `json:"call_id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Arguments string             `json:"arguments,omitempty"`
}

type responsesUsage struct {
	InputTokens         int                  `json:"input_tokens"`
	InputTokensDetails  responsesTokenDetail `json:"input_tokens_details"`
	OutputTokens        int                  `json:"output_tokens"`
	OutputTokensDetails responsesTokenDetail `json:"output_tokens_details"`
	TotalTokens         int                  `json:"total_tokens"`
}

type responsesTokenDetail struct {
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

type responsesDocument struct {
	ID                string               `json:"id"`
	Object            string               `json:"object"`
	CreatedAt         int64                `json:"created_at"`
	Status            string               `json:"status"`
	Model             string               `json:"model"`
	Output            []responsesOutItem   `json:"output"`
	IncompleteDetails *responsesIncomplete `json:"incomplete_details,omitempty"`
	Usage             *responsesUsage      `json:"usage,omitempty"`
}

type responsesIncomplete struct {
	Reason string `json:"reason"`
}

// responsesEvent is the envelope shared by every stream event type.
type responsesEvent struct {
	Type         string             `json:"type"`
	Response     *responsesDocument `json:"response,omitempty"`
	OutputIndex  *int               `json:"output_index,omitempty"`
	ItemID       string             `json:"item_id,omitempty"`
	ContentIndex *int               `json:"content_index,omitempty"`
	SummaryIndex *int               `json:"summary_index,omitempty"`
	Item         *responsesOutItem  `json:"item,omitempty"`
	Part         *responsesPart     `json:"part,omitempty"`
	Delta        string             `json:"delta,omitempty"`
	Text         string             `json:"text,omitempty"`
	Arguments    string             `json:"arguments,omitempty"`
}

func parseResponsesRequest(body []byte) (*prompt, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("wire: decode responses request: %w", err)
	}
	p := &prompt{}
	if req.Instructions != "" {
		p.System = append(p.System, req.Instructions)
	}
	if len(req.Input) > 0 {
		if req.Input[0] == '"' {
			var text string
			if err := json.Unmarshal(req.Input, &text); err != nil {
				return nil, fmt.Errorf("wire: decode responses input: %w", err)
			}
			p.appendBlock("user", block{Kind: blockText, Text: text})
		} else {
			var items []responsesItem
			if err := json.Unmarshal(req.Input, &items); err != nil {
				return nil, fmt.Errorf("wire: decode responses input: %w", err)
			}
			for _, item := range items {
				parseResponsesItem(p, item)
			}
		}
	}
	for _, tool := range req.Tools {
		if tool.Type != "" && tool.Type != "function" {
			continue
		}
		p.Tools = append(p.Tools, toolDecl{
			Name:        tool.Name,
			Description: tool.Description,
			Params:      tool.Parameters,
		})
	}
	if len(req.ToolChoice) > 0 {
		if req.ToolChoice[0] == '"' {
			var mode string
			_ = json.Unmarshal(req.ToolChoice, &mode)
			if mode != "" {
				p.Choice = &toolChoice{Mode: mode}
			}
		} else if name := gjson.GetBytes(req.ToolChoice, "name").Str; name != "" {
			p.Choice = &toolChoice{Mode: "tool", Name: name}
		}
	}
	p.Sampling = sampling{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		p.Thinking = &thinkingOpts{Effort: req.Reasoning.Effort}
	}
	return p, nil
}

func parseResponsesItem(p *prompt, item responsesItem) {
	switch item.Type {
	case "", "message":
		switch item.Role {
		case "system", "developer":
			if text := responsesContentText(item.Content); text != "" {
				p.System = append(p.System, text)
			}
		case "assistant":
			if text := responsesContentText(item.Content); text != "" {
				p.appendBlock("assistant", block{Kind: blockText, Text: text})
			}
		default:
			responsesUserBlocks(p, item.Content)
		}
	case "function_call":
		p.appendBlock("assistant", block{
			Kind:     blockToolUse,
			ToolID:   item.CallID,
			ToolName: item.Name,
			Args:     decodeArgs(item.Arguments),
		})
	case "function_call_output":
		p.appendBlock("tool", block{
			Kind:   blockToolResult,
			ToolID: item.CallID,
			Result: responsesContentText(item.Output),
		})
	case "reasoning":
		text := ""
		for _, s := range item.Summary {
			text += s.Text
		}
		if text != "" || item.EncryptedContent != "" {
			p.appendBlock("assistant", block{
				Kind:      blockThinking,
				Text:      text,
				Signature: item.EncryptedContent,
			})
		}
	}
}

// responsesContentText flattens string-or-parts content to plain text.
func responsesContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		return parsed.Str
	}
	text := ""
	parsed.ForEach(func(_, part gjson.Result) bool {
		text += part.Get("text").Str
		return true
	})
	return text
}

func responsesUserBlocks(p *prompt, raw json.RawMessage) {
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		p.appendBlock("user", block{Kind: blockText, Text: parsed.Str})
		return
	}
	parsed.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").Str {
		case "input_image":
			uri := part.Get("image_url").Str
			if mime, data, ok := splitDataURI(uri); ok {
				p.appendBlock("user", block{Kind: blockImage, MIME: mime, Data: data})
			} else if uri != "" {
				p.appendBlock("user", block{Kind: blockImage, URI: uri})
			}
		default:
			if text := part.Get("text").Str; text != "" {
				p.appendBlock("user", block{Kind: blockText, Text: text})
			}
		}
		return true
	})
}

func buildResponsesRequest(p *prompt, req *Request) ([]byte, error) {
	out := responsesRequest{
		Model:        req.Model,
		Stream:       req.Stream,
		Instructions: p.systemText(),
	}
	var items []responsesItem
	for i := range p.Turns {
		t := &p.Turns[i]
		switch t.Role {
		case "assistant":
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockText:
					content, _ := json.Marshal([]responsesPart{{
						Type: "output_text", Text: b.Text, Annotations: []any{},
					}})
					items = append(items, responsesItem{Type: "message", Role: "assistant", Content: content})
				case blockToolUse:
					items = append(items, responsesItem{
						Type:      "function_call",
						CallID:    b.ToolID,
						Name:      b.ToolName,
						Arguments: encodeArgs(b.Args),
					})
				}
			}
		case "tool":
			for _, b := range t.Blocks {
				if b.Kind != blockToolResult {
					continue
				}
				output, _ := json.Marshal(b.Result)
				items = append(items, responsesItem{
					Type:   "function_call_output",
					CallID: b.ToolID,
					Output: output,
				})
			}
		default:
			var parts []map[string]any
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockText:
					parts = append(parts, map[string]any{"type": "input_text", "text": b.Text})
				case blockImage:
					uri := b.URI
					if uri == "" {
						uri = "data:" + b.MIME + ";base64," + b.Data
					}
					parts = append(parts, map[string]any{"type": "input_image", "image_url": uri})
				}
			}
			if len(parts) == 0 {
				continue
			}
			content, _ := json.Marshal(parts)
			items = append(items, responsesItem{Type: "message", Role: "user", Content: content})
		}
	}
	input, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	out.Input = input

	for _, tool := range p.Tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Params,
		})
	}
	if p.Choice != nil {
		if p.Choice.Mode == "tool" {
			out.ToolChoice, _ = json.Marshal(map[string]string{"type": "function", "name": p.Choice.Name})
		} else {
			out.ToolChoice, _ = json.Marshal(p.Choice.Mode)
		}
	}
	out.MaxOutputTokens = p.Sampling.MaxTokens
	out.Temperature = p.Sampling.Temperature
	out.TopP = p.Sampling.TopP
	if effort := p.Thinking.effortLevel(); effort != "" {
		out.Reasoning = &responsesReasoning{Effort: effort, Summary: "auto"}
	}
	// conversation state travels in the request; never ask the upstream to keep it
	store := false
	out.Store = &store
	return json.Marshal(out)
}

func parseResponsesChunk(chunk []byte, st *StreamState) ([]event, error) {
	root := gjson.ParseBytes(chunk)
	switch typ := root.Get("type").Str; typ {
	case "response.created":
		if id := root.Get("response.id").Str; id != "" && st.UpstreamID == "" {
			st.UpstreamID = id
		}
		return []event{{kind: evRole}}, nil
	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").Str != "function_call" {
			return nil, nil
		}
		callID := item.Get("call_id").Str
		slot := st.slotFor(callID)
		if itemID := item.Get("id").Str; itemID != "" {
			st.slotByID[itemID] = slot
		}
		return []event{{kind: evToolStart, slot: slot, id: callID, name: item.Get("name").Str}}, nil
	case "response.function_call_arguments.delta":
		slot := st.slotFor(root.Get("item_id").Str)
		return []event{{kind: evToolArgs, slot: slot, text: root.Get("delta").Str}}, nil
	case "response.function_call_arguments.done":
		slot := st.slotFor(root.Get("item_id").Str)
		var evs []event
		if d := st.tools[slot]; d == nil || d.Args.Len() == 0 {
			if args := root.Get("arguments").Str; args != "" {
				evs = append(evs, event{kind: evToolArgs, slot: slot, text: args})
			}
		}
		return append(evs, event{kind: evToolStop, slot: slot}), nil
	case "response.output_item.done":
		item := root.Get("item")
		if item.Get("type").Str != "function_call" {
			return nil, nil
		}
		id := item.Get("id").Str
		if id == "" {
			id = item.Get("call_id").Str
		}
		slot := st.slotFor(id)
		var evs []event
		if d := st.tools[slot]; d == nil || d.Args.Len() == 0 {
			if args := item.Get("arguments").Str; args != "" {
				evs = append(evs, event{kind: evToolArgs, slot: slot, text: args})
			}
		}
		return append(evs, event{kind: evToolStop, slot: slot}), nil
	case "response.output_text.delta":
		return []event{{kind: evText, text: root.Get("delta").Str}}, nil
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return []event{{kind: evThinking, text: root.Get("delta").Str}}, nil
	case "response.completed", "response.incomplete", "response.failed":
		return responsesFinishEvents(root.Get("response"), st), nil
	case "error":
		return nil, fmt.Errorf("wire: upstream error: %s", root.Get("message").Str)
	}
	// whole document, the non-streaming body
	if root.Get("object").Str == "response" {
		return parseResponsesDocument(root, st), nil
	}
	return nil, nil
}

func parseResponsesDocument(root gjson.Result, st *StreamState) []event {
	if id := root.Get("id").Str; id != "" && st.UpstreamID == "" {
		st.UpstreamID = id
	}
	var evs []event
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").Str {
		case "reasoning":
			item.Get("summary").ForEach(func(_, s gjson.Result) bool {
				if text := s.Get("text").Str; text != "" {
					evs = append(evs, event{kind: evThinking, text: text})
				}
				return true
			})
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text").Str; text != "" {
					evs = append(evs, event{kind: evText, text: text})
				}
				return true
			})
		case "function_call":
			slot := st.slotFor(item.Get("call_id").Str)
			evs = append(evs,
				event{kind: evToolStart, slot: slot, id: item.Get("call_id").Str, name: item.Get("name").Str},
				event{kind: evToolArgs, slot: slot, text: item.Get("arguments").Str},
				event{kind: evToolStop, slot: slot},
			)
		}
		return true
	})
	return append(evs, responsesFinishEvents(root, st)...)
}

func responsesFinishEvents(resp gjson.Result, st *StreamState) []event {
	var evs []event
	if u := resp.Get("usage"); u.Exists() {
		usage := Usage{
			InputTokens:    int(u.Get("input_tokens").Int()),
			OutputTokens:   int(u.Get("output_tokens").Int()),
			ThinkingTokens: int(u.Get("output_tokens_details.reasoning_tokens").Int()),
			TotalTokens:    int(u.Get("total_tokens").Int()),
		}
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			evs = append(evs, event{kind: evUsage, usage: usage})
		}
	}
	finish := "stop"
	switch resp.Get("incomplete_details.reason").Str {
	case "max_output_tokens":
		finish = "length"
	case "content_filter":
		finish = "content_filter"
	}
	if finish == "stop" && len(st.toolOrder) > 0 {
		finish = "tool_calls"
	}
	return append(evs, event{kind: evFinish, finish: finish})
}

func emitResponsesChunk(evs []event, st *StreamState) ([][]byte, error) {
	var out [][]byte
	if evs == nil {
		st.ensureResponsesStarted(&out)
		st.closeResponsesItem(&out)
		if !st.emittedFinish {
			st.emittedFinish = true
			out = append(out, responsesCompletedChunk(st))
		}
		return out, nil
	}
	for _, ev := range evs {
		switch ev.kind {
		case evRole:
			st.ensureResponsesStarted(&out)
		case evText:
			st.ensureResponsesStarted(&out)
			if st.openKind != "text" {
				st.closeResponsesItem(&out)
				st.openResponsesItem(&out, "text", 0)
			}
			out = append(out, responsesChunk(&responsesEvent{
				Type:         "response.output_text.delta",
				ItemID:       st.openItemID,
				OutputIndex:  intp(st.openIndex),
				ContentIndex: intp(0),
				Delta:        ev.text,
			}))
		case evThinking:
			st.ensureResponsesStarted(&out)
			if st.openKind != "thinking" {
				st.closeResponsesItem(&out)
				st.openResponsesItem(&out, "thinking", 0)
			}
			out = append(out, responsesChunk(&responsesEvent{
				Type:         "response.reasoning_summary_text.delta",
				ItemID:       st.openItemID,
				OutputIndex:  intp(st.openIndex),
				SummaryIndex: intp(0),
				Delta:        ev.text,
			}))
		case evToolStart:
			st.ensureResponsesStarted(&out)
			st.closeResponsesItem(&out)
			st.openResponsesItem(&out, "tool_use", ev.slot)
		case evToolArgs:
			if st.openKind != "tool_use" || st.openSlot != ev.slot {
				continue
			}
			out = append(out, responsesChunk(&responsesEvent{
				Type:        "response.function_call_arguments.delta",
				ItemID:      st.openItemID,
				OutputIndex: intp(st.openIndex),
				Delta:       ev.text,
			}))
		case evToolStop:
			if st.openKind == "tool_use" && st.openSlot == ev.slot {
				st.closeResponsesItem(&out)
			}
		case evFinish:
			st.ensureResponsesStarted(&out)
			st.closeResponsesItem(&out)
			if !st.emittedFinish {
				st.emittedFinish = true
				out = append(out, responsesCompletedChunk(st))
			}
		}
	}
	return out, nil
}

func (st *StreamState) ensureResponsesStarted(out *[][]byte) {
	if st.started {
		return
	}
	st.started = true
	doc := responsesShell(st, "in_progress")
	*out = append(*out, responsesChunk(&responsesEvent{Type: "response.created", Response: doc}))
	*out = append(*out, responsesChunk(&responsesEvent{Type: "response.in_progress", Response: doc}))
}

// openResponsesItem emits the item.added event plus the part.added event
// the text and reasoning protocols require.
func (st *StreamState) openResponsesItem(out *[][]byte, kind string, slot int) {
	idx := st.outIndex
	st.outIndex++
	st.openIndex = idx
	st.openKind = kind
	st.openSlot = slot
	switch kind {
	case "text":
		st.openItemID = "msg_" + st.ID + "_" + strconv.Itoa(idx)
		st.itemStart = st.content.Len()
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:        "response.output_item.added",
			OutputIndex: intp(idx),
			Item: &responsesOutItem{
				Type: "message", ID: st.openItemID, Status: "in_progress",
				Role: "assistant", Content: []responsesPart{},
			},
		}))
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:         "response.content_part.added",
			ItemID:       st.openItemID,
			OutputIndex:  intp(idx),
			ContentIndex: intp(0),
			Part:         &responsesPart{Type: "output_text", Annotations: []any{}},
		}))
	case "thinking":
		st.openItemID = "rs_" + st.ID + "_" + strconv.Itoa(idx)
		st.itemStart = st.thinking.Len()
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:        "response.output_item.added",
			OutputIndex: intp(idx),
			Item: &responsesOutItem{
				Type: "reasoning", ID: st.openItemID, Summary: []responsesSummary{},
			},
		}))
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:         "response.reasoning_summary_part.added",
			ItemID:       st.openItemID,
			OutputIndex:  intp(idx),
			SummaryIndex: intp(0),
			Part:         &responsesPart{Type: "summary_text", Annotations: []any{}},
		}))
	case "tool_use":
		st.openItemID = "fc_" + st.ID + "_" + strconv.Itoa(idx)
		d := st.tools[slot]
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:        "response.output_item.added",
			OutputIndex: intp(idx),
			Item: &responsesOutItem{
				Type: "function_call", ID: st.openItemID, Status: "in_progress",
				CallID: d.callID(st), Name: d.Name,
			},
		}))
	}
}

func (st *StreamState) closeResponsesItem(out *[][]byte) {
	if st.openIndex < 0 || st.openKind == "" {
		return
	}
	idx := st.openIndex
	switch st.openKind {
	case "text":
		text := st.ContentString()[st.itemStart:]
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:         "response.output_text.done",
			ItemID:       st.openItemID,
			OutputIndex:  intp(idx),
			ContentIndex: intp(0),
			Text:         text,
		}))
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:         "response.content_part.done",
			ItemID:       st.openItemID,
			OutputIndex:  intp(idx),
			ContentIndex: intp(0),
			Part:         &responsesPart{Type: "output_text", Text: text, Annotations: []any{}},
		}))
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:        "response.output_item.done",
			OutputIndex: intp(idx),
			Item: &responsesOutItem{
				Type: "message", ID: st.openItemID, Status: "completed", Role: "assistant",
				Content: []responsesPart{{Type: "output_text", Text: text, Annotations: []any{}}},
			},
		}))
	case "thinking":
		text := st.ThinkingString()[st.itemStart:]
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:         "response.reasoning_summary_text.done",
			ItemID:       st.openItemID,
			OutputIndex:  intp(idx),
			SummaryIndex: intp(0),
			Text:         text,
		}))
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:         "response.reasoning_summary_part.done",
			ItemID:       st.openItemID,
			OutputIndex:  intp(idx),
			SummaryIndex: intp(0),
			Part:         &responsesPart{Type: "summary_text", Text: text, Annotations: []any{}},
		}))
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:        "response.output_item.done",
			OutputIndex: intp(idx),
			Item: &responsesOutItem{
				Type: "reasoning", ID: st.openItemID,
				Summary: []responsesSummary{{Type: "summary_text", Text: text}},
			},
		}))
	case "tool_use":
		d := st.tools[st.openSlot]
		st.emittedTools[st.openSlot] = true
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:        "response.function_call_arguments.done",
			ItemID:      st.openItemID,
			OutputIndex: intp(idx),
			Arguments:   d.argsString(),
		}))
		*out = append(*out, responsesChunk(&responsesEvent{
			Type:        "response.output_item.done",
			OutputIndex: intp(idx),
			Item: &responsesOutItem{
				Type: "function_call", ID: st.openItemID, Status: "completed",
				CallID: d.callID(st), Name: d.Name, Arguments: d.argsString(),
			},
		}))
	}
	st.openIndex = -1
	st.openKind = ""
	st.openItemID = ""
}

func responsesCompletedChunk(st *StreamState) []byte {
	doc := responsesFullDocument(st)
	return responsesChunk(&responsesEvent{Type: "response." + doc.Status, Response: doc})
}

func responsesShell(st *StreamState, status string) *responsesDocument {
	return &responsesDocument{
		ID:        "resp_" + st.ID,
		Object:    "response",
		CreatedAt: st.Created,
		Status:    status,
		Model:     st.Model,
		Output:    []responsesOutItem{},
	}
}

func responsesFullDocument(st *StreamState) *responsesDocument {
	doc := responsesShell(st, "completed")
	if st.finishOrDefault() == "length" {
		doc.Status = "incomplete"
		doc.IncompleteDetails = &responsesIncomplete{Reason: "max_output_tokens"}
	}
	idx := 0
	if think := st.ThinkingString(); think != "" {
		doc.Output = append(doc.Output, responsesOutItem{
			Type: "reasoning", ID: "rs_" + st.ID + "_" + strconv.Itoa(idx),
			Summary: []responsesSummary{{Type: "summary_text", Text: think}},
		})
		idx++
	}
	if text := st.ContentString(); text != "" {
		doc.Output = append(doc.Output, responsesOutItem{
			Type: "message", ID: "msg_" + st.ID + "_" + strconv.Itoa(idx),
			Status: "completed", Role: "assistant",
			Content: []responsesPart{{Type: "output_text", Text: text, Annotations: []any{}}},
		})
		idx++
	}
	for _, d := range st.Tools() {
		doc.Output = append(doc.Output, responsesOutItem{
			Type: "function_call", ID: "fc_" + st.ID + "_" + strconv.Itoa(idx),
			Status: "completed", CallID: d.callID(st), Name: d.Name, Arguments: d.argsString(),
		})
		idx++
	}
	if st.HasUsage {
		doc.Usage = &responsesUsage{
			InputTokens:         st.Usage.InputTokens,
			OutputTokens:        st.Usage.OutputTokens,
			OutputTokensDetails: responsesTokenDetail{ReasoningTokens: st.Usage.ThinkingTokens},
			TotalTokens:         st.Usage.TotalTokens,
		}
	}
	return doc
}

func responsesChunk(ev *responsesEvent) []byte {
	raw, _ := json.Marshal(ev)
	return raw
}

func normalizeResponsesChunk(chunk []byte, evs []event, st *StreamState) []byte {
	return chunk
}

func buildResponsesDocument(st *StreamState) ([]byte, error) {
	return json.Marshal(responsesFullDocument(st))
}

func responsesPromptChars(body []byte) int {
	total := len(gjson.GetBytes(body, "instructions").Str)
	input := gjson.GetBytes(body, "input")
	if input.Type == gjson.String {
		return total + len(input.Str)
	}
	input.ForEach(func(_, item gjson.Result) bool {
		content := item.Get("content")
		if content.Type == gjson.String {
			total += len(content.Str)
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			total += len(part.Get("text").Str)
			return true
		})
		total += len(item.Get("output").Str)
		total += len(item.Get("arguments").Str)
		return true
	})
	return total
}

func intp(v int) *int { return &v }
