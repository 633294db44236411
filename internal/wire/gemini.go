package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"google.golang.org/genai"
)

// Gemini generateContent. Contents, parts and usage metadata reuse the
// genai SDK types, which carry the exact REST field names; tool
// declarations keep raw JSON schemas because the SDK's typed Schema cannot
// hold arbitrary client-supplied ones. The parser also accepts Antigravity
// chunks, which are Gemini responses wrapped in a {"response": ...}
// envelope.

type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    json.RawMessage         `json:"safetySettings,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *geminiCallingConfig `json:"functionCallingConfig,omitempty"`
}

type geminiCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

func parseGeminiRequest(body []byte) (*prompt, error) {
	var req geminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("wire: decode gemini request: %w", err)
	}
	p := &prompt{}
	if si := req.SystemInstruction; si != nil {
		for _, part := range si.Parts {
			if part != nil && part.Text != "" {
				p.System = append(p.System, part.Text)
			}
		}
	}
	// functionResponse parts must resolve the tool's call id; Gemini keys
	// responses by name, so remember the last call seen per name.
	callIDs := map[string]string{}
	for _, content := range req.Contents {
		if content == nil {
			continue
		}
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}
		for _, part := range content.Parts {
			if part == nil {
				continue
			}
			switch {
			case part.FunctionCall != nil:
				fc := part.FunctionCall
				args, _ := json.Marshal(fc.Args)
				id := fc.ID
				if id == "" {
					id = "call_" + fc.Name
				}
				callIDs[fc.Name] = id
				p.appendBlock("assistant", block{
					Kind:     blockToolUse,
					ToolID:   id,
					ToolName: fc.Name,
					Args:     args,
				})
			case part.FunctionResponse != nil:
				fr := part.FunctionResponse
				result, _ := json.Marshal(fr.Response)
				id := fr.ID
				if id == "" {
					id = callIDs[fr.Name]
				}
				p.appendBlock("tool", block{
					Kind:     blockToolResult,
					ToolID:   id,
					ToolName: fr.Name,
					Result:   string(result),
				})
			case part.InlineData != nil:
				p.appendBlock(role, block{
					Kind: blockImage,
					MIME: part.InlineData.MIMEType,
					Data: base64.StdEncoding.EncodeToString(part.InlineData.Data),
				})
			case part.FileData != nil:
				p.appendBlock(role, block{Kind: blockImage, URI: part.FileData.FileURI})
			case part.Thought && part.Text != "":
				p.appendBlock(role, block{Kind: blockThinking, Text: part.Text})
			case part.Text != "":
				p.appendBlock(role, block{Kind: blockText, Text: part.Text})
			}
		}
	}
	for _, tool := range req.Tools {
		for _, decl := range tool.FunctionDeclarations {
			p.Tools = append(p.Tools, toolDecl{
				Name:        decl.Name,
				Description: decl.Description,
				Params:      decl.Parameters,
			})
		}
	}
	if tc := req.ToolConfig; tc != nil && tc.FunctionCallingConfig != nil {
		cfg := tc.FunctionCallingConfig
		switch cfg.Mode {
		case "ANY":
			if len(cfg.AllowedFunctionNames) == 1 {
				p.Choice = &toolChoice{Mode: "tool", Name: cfg.AllowedFunctionNames[0]}
			} else {
				p.Choice = &toolChoice{Mode: "required"}
			}
		case "NONE":
			p.Choice = &toolChoice{Mode: "none"}
		case "AUTO":
			p.Choice = &toolChoice{Mode: "auto"}
		}
	}
	if gc := req.GenerationConfig; gc != nil {
		p.Sampling = sampling{
			Temperature: f64(gc.Temperature),
			TopP:        f64(gc.TopP),
			MaxTokens:   int(gc.MaxOutputTokens),
			Stop:        gc.StopSequences,
		}
		if gc.TopK != nil {
			k := int(*gc.TopK)
			p.Sampling.TopK = &k
		}
		if tc := gc.ThinkingConfig; tc != nil && tc.ThinkingBudget != nil && *tc.ThinkingBudget > 0 {
			p.Thinking = &thinkingOpts{Budget: int(*tc.ThinkingBudget)}
		}
	}
	return p, nil
}

func buildGeminiRequest(p *prompt, req *Request) ([]byte, error) {
	body, err := buildGeminiEnvelope(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(body)
}

// buildGeminiEnvelope is shared with the Antigravity builder, which wraps
// the same envelope in its v1internal request shape.
func buildGeminiEnvelope(p *prompt) (*geminiRequest, error) {
	out := &geminiRequest{}
	if sys := p.systemText(); sys != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sys}}}
	}
	// Gemini keys function responses by name; resolve ids back.
	toolNames := map[string]string{}
	for i := range p.Turns {
		t := &p.Turns[i]
		var role string
		var parts []*genai.Part
		switch t.Role {
		case "assistant":
			role = "model"
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockThinking:
					parts = append(parts, &genai.Part{Text: b.Text, Thought: true})
				case blockText:
					parts = append(parts, &genai.Part{Text: b.Text})
				case blockToolUse:
					toolNames[b.ToolID] = b.ToolName
					var args map[string]any
					_ = json.Unmarshal(orEmptyObject(b.Args), &args)
					parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
						Name: b.ToolName,
						Args: args,
					}})
				}
			}
		case "tool":
			role = "user"
			for _, b := range t.Blocks {
				if b.Kind != blockToolResult {
					continue
				}
				name := b.ToolName
				if name == "" {
					name = toolNames[b.ToolID]
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: map[string]any{"result": b.Result},
				}})
			}
		default:
			role = "user"
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockText:
					parts = append(parts, &genai.Part{Text: b.Text})
				case blockImage:
					if b.URI != "" {
						parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: b.URI, MIMEType: b.MIME}})
						continue
					}
					data, err := base64.StdEncoding.DecodeString(b.Data)
					if err != nil {
						continue
					}
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: b.MIME, Data: data}})
				}
			}
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	if len(p.Tools) > 0 {
		var decls []geminiFunctionDecl
		for _, tool := range p.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Params,
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if p.Choice != nil {
		cfg := &geminiCallingConfig{}
		switch p.Choice.Mode {
		case "required":
			cfg.Mode = "ANY"
		case "none":
			cfg.Mode = "NONE"
		case "tool":
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{p.Choice.Name}
		default:
			cfg.Mode = "AUTO"
		}
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: cfg}
	}

	gc := &genai.GenerationConfig{
		Temperature:     f32(p.Sampling.Temperature),
		TopP:            f32(p.Sampling.TopP),
		MaxOutputTokens: int32(p.Sampling.MaxTokens),
		StopSequences:   p.Sampling.Stop,
	}
	if p.Sampling.TopK != nil {
		k := float32(*p.Sampling.TopK)
		gc.TopK = &k
	}
	if budget := p.Thinking.budgetTokens(); budget > 0 {
		b := int32(budget)
		gc.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &b}
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.TopK != nil ||
		gc.MaxOutputTokens > 0 || len(gc.StopSequences) > 0 || gc.ThinkingConfig != nil {
		out.GenerationConfig = gc
	}
	return out, nil
}

func parseGeminiChunk(chunk []byte, st *StreamState) ([]event, error) {
	if resp := gjson.GetBytes(chunk, "response"); resp.Exists() && resp.IsObject() {
		chunk = []byte(resp.Raw) // antigravity envelope
	}
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, fmt.Errorf("wire: decode gemini chunk: %w", err)
	}
	if resp.ResponseID != "" && st.UpstreamID == "" {
		st.UpstreamID = resp.ResponseID
	}
	var evs []event
	if um := resp.UsageMetadata; um != nil && (um.PromptTokenCount > 0 || um.CandidatesTokenCount > 0) {
		evs = append(evs, event{kind: evUsage, usage: Usage{
			InputTokens:    int(um.PromptTokenCount),
			OutputTokens:   int(um.CandidatesTokenCount),
			ThinkingTokens: int(um.ThoughtsTokenCount),
			TotalTokens:    int(um.TotalTokenCount),
		}})
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Index != 0 {
			continue
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				switch {
				case part.FunctionCall != nil:
					fc := part.FunctionCall
					slot := st.slotFor(fc.ID)
					args, _ := json.Marshal(fc.Args)
					evs = append(evs,
						event{kind: evToolStart, slot: slot, id: fc.ID, name: fc.Name},
						event{kind: evToolArgs, slot: slot, text: string(args)},
						event{kind: evToolStop, slot: slot},
					)
				case part.Thought && part.Text != "":
					evs = append(evs, event{kind: evThinking, text: part.Text})
				case part.Text != "":
					evs = append(evs, event{kind: evText, text: part.Text})
				}
			}
		}
		if cand.FinishReason != "" {
			finish := normalizeGeminiFinish(string(cand.FinishReason))
			if finish == "stop" && len(st.toolOrder) > 0 {
				finish = "tool_calls"
			}
			evs = append(evs, event{kind: evFinish, finish: finish})
		}
	}
	return evs, nil
}

func emitGeminiChunk(evs []event, st *StreamState) ([][]byte, error) {
	if evs == nil {
		if st.emittedFinish {
			return nil, nil
		}
		st.emittedFinish = true
		return [][]byte{geminiChunk(st, st.pendingGeminiCalls(), true)}, nil
	}
	var parts []*genai.Part
	finish := false
	for _, ev := range evs {
		switch ev.kind {
		case evText:
			parts = append(parts, &genai.Part{Text: ev.text})
		case evThinking:
			parts = append(parts, &genai.Part{Text: ev.text, Thought: true})
		case evToolStop:
			// a call is emitted once its arguments are complete
			if st.emittedTools[ev.slot] {
				continue
			}
			st.emittedTools[ev.slot] = true
			parts = append(parts, geminiCallPart(st.tools[ev.slot]))
		case evFinish:
			finish = true
		}
	}
	if finish {
		parts = append(parts, st.pendingGeminiCalls()...)
	}
	if len(parts) == 0 && !finish {
		return nil, nil
	}
	if finish {
		st.emittedFinish = true
	}
	return [][]byte{geminiChunk(st, parts, finish)}, nil
}

// pendingGeminiCalls returns call parts whose sources never signalled an
// explicit stop (OpenAI streams close tool calls only at finish).
func (st *StreamState) pendingGeminiCalls() []*genai.Part {
	var parts []*genai.Part
	for _, d := range st.Tools() {
		if st.emittedTools[d.Slot] {
			continue
		}
		st.emittedTools[d.Slot] = true
		parts = append(parts, geminiCallPart(d))
	}
	return parts
}

func geminiCallPart(d *ToolDraft) *genai.Part {
	var args map[string]any
	_ = json.Unmarshal([]byte(d.argsString()), &args)
	return &genai.Part{FunctionCall: &genai.FunctionCall{ID: d.ID, Name: d.Name, Args: args}}
}

func geminiChunk(st *StreamState, parts []*genai.Part, finish bool) []byte {
	cand := &genai.Candidate{Index: 0}
	if len(parts) > 0 {
		cand.Content = &genai.Content{Role: "model", Parts: parts}
	}
	resp := genai.GenerateContentResponse{
		Candidates:   []*genai.Candidate{cand},
		ModelVersion: st.Model,
		ResponseID:   st.ID,
	}
	if finish {
		cand.FinishReason = genai.FinishReason(geminiFinish(st.finishOrDefault()))
		if st.HasUsage {
			resp.UsageMetadata = geminiUsage(st)
		}
	}
	raw, _ := json.Marshal(resp)
	return raw
}

func geminiUsage(st *StreamState) *genai.GenerateContentResponseUsageMetadata {
	return &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     int32(st.Usage.InputTokens),
		CandidatesTokenCount: int32(st.Usage.OutputTokens),
		ThoughtsTokenCount:   int32(st.Usage.ThinkingTokens),
		TotalTokenCount:      int32(st.Usage.TotalTokens),
	}
}

func normalizeGeminiChunk(chunk []byte, evs []event, st *StreamState) []byte {
	out := chunk
	if resp := gjson.GetBytes(out, "response"); resp.Exists() && resp.IsObject() {
		out = []byte(resp.Raw)
	}
	if finishSeen(evs) && st.HasUsage {
		if u := gjson.GetBytes(out, "usageMetadata"); !u.Exists() {
			out, _ = sjson.SetBytes(out, "usageMetadata", geminiUsage(st))
		}
	}
	return out
}

func buildGeminiDocument(st *StreamState) ([]byte, error) {
	var parts []*genai.Part
	if think := st.ThinkingString(); think != "" {
		parts = append(parts, &genai.Part{Text: think, Thought: true})
	}
	if txt := st.ContentString(); txt != "" {
		parts = append(parts, &genai.Part{Text: txt})
	}
	for _, d := range st.Tools() {
		parts = append(parts, geminiCallPart(d))
	}
	cand := &genai.Candidate{
		Index:        0,
		FinishReason: genai.FinishReason(geminiFinish(st.finishOrDefault())),
	}
	if len(parts) > 0 {
		cand.Content = &genai.Content{Role: "model", Parts: parts}
	}
	resp := genai.GenerateContentResponse{
		Candidates:   []*genai.Candidate{cand},
		ModelVersion: st.Model,
		ResponseID:   st.ID,
	}
	if st.HasUsage {
		resp.UsageMetadata = geminiUsage(st)
	}
	return json.Marshal(resp)
}

func geminiPromptChars(body []byte) int {
	total := 0
	count := func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			total += len(part.Get("text").Str)
			return true
		})
		return true
	}
	gjson.GetBytes(body, "contents").ForEach(count)
	if si := gjson.GetBytes(body, "systemInstruction"); si.Exists() {
		count(gjson.Result{}, si)
	}
	return total
}

func f32(p *float64) *float32 {
	if p == nil {
		return nil
	}
	v := float32(*p)
	return &v
}

func f64(p *float32) *float64 {
	if p == nil {
		return nil
	}
	v := float64(*p)
	return &v
}
