package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Ollama /api/chat. Tool calls arrive whole per chunk with object-typed
// arguments and no call ids, and the final chunk carries done_reason plus
// prompt_eval_count/eval_count instead of a usage object.

type ollamaRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Tools     []chatTool      `json:"tools,omitempty"`
	Stream    *bool           `json:"stream,omitempty"`
	Think     json.RawMessage `json:"think,omitempty"`
	Options   *ollamaOptions  `json:"options,omitempty"`
	Format    json.RawMessage `json:"format,omitempty"`
	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFuncCall `json:"function"`
}

type ollamaFuncCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaOptions struct {
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	TopK        *int        `json:"top_k,omitempty"`
	NumPredict  int         `json:"num_predict,omitempty"`
	Stop        flexStrings `json:"stop,omitempty"`
}

type ollamaChunk struct {
	Model           string         `json:"model"`
	CreatedAt       string         `json:"created_at"`
	Message         *ollamaMessage `json:"message,omitempty"`
	Done            bool           `json:"done"`
	DoneReason      string         `json:"done_reason,omitempty"`
	PromptEvalCount int            `json:"prompt_eval_count,omitempty"`
	EvalCount       int            `json:"eval_count,omitempty"`
}

func parseOllamaRequest(body []byte) (*prompt, error) {
	var req ollamaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("wire: decode ollama request: %w", err)
	}
	p := &prompt{}
	// tool messages carry no call id; pair them with assistant calls in order
	var openCalls []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				p.System = append(p.System, msg.Content)
			}
		case "assistant":
			if msg.Thinking != "" {
				p.appendBlock("assistant", block{Kind: blockThinking, Text: msg.Thinking})
			}
			if msg.Content != "" {
				p.appendBlock("assistant", block{Kind: blockText, Text: msg.Content})
			}
			for i, tc := range msg.ToolCalls {
				id := fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
				openCalls = append(openCalls, id)
				p.appendBlock("assistant", block{
					Kind:     blockToolUse,
					ToolID:   id,
					ToolName: tc.Function.Name,
					Args:     orEmptyObject(tc.Function.Arguments),
				})
			}
		case "tool":
			id := ""
			if len(openCalls) > 0 {
				id, openCalls = openCalls[0], openCalls[1:]
			}
			p.appendBlock("tool", block{
				Kind:     blockToolResult,
				ToolID:   id,
				ToolName: msg.ToolName,
				Result:   msg.Content,
			})
		default:
			if msg.Content != "" {
				p.appendBlock("user", block{Kind: blockText, Text: msg.Content})
			}
			for _, img := range msg.Images {
				p.appendBlock("user", block{Kind: blockImage, MIME: "image/png", Data: img})
			}
		}
	}
	for _, tool := range req.Tools {
		p.Tools = append(p.Tools, toolDecl{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Params:      tool.Function.Parameters,
		})
	}
	if opts := req.Options; opts != nil {
		p.Sampling = sampling{
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			TopK:        opts.TopK,
			MaxTokens:   opts.NumPredict,
			Stop:        opts.Stop,
		}
	}
	if len(req.Think) > 0 {
		switch {
		case string(req.Think) == "true":
			p.Thinking = &thinkingOpts{Effort: "medium"}
		case req.Think[0] == '"':
			var level string
			if json.Unmarshal(req.Think, &level) == nil && level != "" {
				p.Thinking = &thinkingOpts{Effort: level}
			}
		}
	}
	return p, nil
}

func buildOllamaRequest(p *prompt, req *Request) ([]byte, error) {
	out := ollamaRequest{Model: req.Model}
	stream := req.Stream
	out.Stream = &stream
	if sys := p.systemText(); sys != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: sys})
	}
	toolNames := map[string]string{}
	for i := range p.Turns {
		t := &p.Turns[i]
		switch t.Role {
		case "assistant":
			msg := ollamaMessage{Role: "assistant"}
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockThinking:
					msg.Thinking += b.Text
				case blockText:
					msg.Content += b.Text
				case blockToolUse:
					toolNames[b.ToolID] = b.ToolName
					msg.ToolCalls = append(msg.ToolCalls, ollamaToolCall{Function: ollamaFuncCall{
						Name:      b.ToolName,
						Arguments: orEmptyObject(b.Args),
					}})
				}
			}
			out.Messages = append(out.Messages, msg)
		case "tool":
			for _, b := range t.Blocks {
				if b.Kind != blockToolResult {
					continue
				}
				name := b.ToolName
				if name == "" {
					name = toolNames[b.ToolID]
				}
				out.Messages = append(out.Messages, ollamaMessage{
					Role:     "tool",
					Content:  b.Result,
					ToolName: name,
				})
			}
		default:
			msg := ollamaMessage{Role: "user"}
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockText:
					msg.Content += b.Text
				case blockImage:
					if b.Data != "" {
						msg.Images = append(msg.Images, b.Data)
					}
				}
			}
			out.Messages = append(out.Messages, msg)
		}
	}
	for _, tool := range p.Tools {
		out.Tools = append(out.Tools, chatTool{Type: "function", Function: chatFunc{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Params,
		}})
	}
	opts := &ollamaOptions{
		Temperature: p.Sampling.Temperature,
		TopP:        p.Sampling.TopP,
		TopK:        p.Sampling.TopK,
		NumPredict:  p.Sampling.MaxTokens,
		Stop:        p.Sampling.Stop,
	}
	if opts.Temperature != nil || opts.TopP != nil || opts.TopK != nil ||
		opts.NumPredict > 0 || len(opts.Stop) > 0 {
		out.Options = opts
	}
	if p.Thinking != nil {
		out.Think = json.RawMessage("true")
	}
	return json.Marshal(out)
}

func parseOllamaChunk(chunk []byte, st *StreamState) ([]event, error) {
	root := gjson.ParseBytes(chunk)
	var evs []event
	if msg := root.Get("message"); msg.Exists() {
		if think := msg.Get("thinking").Str; think != "" {
			evs = append(evs, event{kind: evThinking, text: think})
		}
		if content := msg.Get("content").Str; content != "" {
			evs = append(evs, event{kind: evText, text: content})
		}
		msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			slot := st.slotFor("")
			args := tc.Get("function.arguments").Raw
			if args == "" {
				args = "{}"
			}
			evs = append(evs,
				event{kind: evToolStart, slot: slot, name: tc.Get("function.name").Str},
				event{kind: evToolArgs, slot: slot, text: args},
				event{kind: evToolStop, slot: slot},
			)
			return true
		})
	}
	if root.Get("done").Bool() {
		in := int(root.Get("prompt_eval_count").Int())
		out := int(root.Get("eval_count").Int())
		if in > 0 || out > 0 {
			evs = append(evs, event{kind: evUsage, usage: Usage{
				InputTokens:  in,
				OutputTokens: out,
				TotalTokens:  in + out,
			}})
		}
		finish := normalizeOllamaFinish(root.Get("done_reason").Str)
		if finish == "stop" && len(st.toolOrder) > 0 {
			finish = "tool_calls"
		}
		evs = append(evs, event{kind: evFinish, finish: finish})
	}
	return evs, nil
}

func emitOllamaChunk(evs []event, st *StreamState) ([][]byte, error) {
	if evs == nil {
		if st.emittedFinish {
			return nil, nil
		}
		st.emittedFinish = true
		var out [][]byte
		if calls := st.pendingOllamaCalls(); len(calls) > 0 {
			out = append(out, ollamaContentChunk(st, &ollamaMessage{Role: "assistant", ToolCalls: calls}))
		}
		return append(out, ollamaFinishChunk(st)), nil
	}
	msg := &ollamaMessage{Role: "assistant"}
	dirty := false
	finish := false
	for _, ev := range evs {
		switch ev.kind {
		case evText:
			msg.Content += ev.text
			dirty = true
		case evThinking:
			msg.Thinking += ev.text
			dirty = true
		case evToolStop:
			if st.emittedTools[ev.slot] {
				continue
			}
			st.emittedTools[ev.slot] = true
			msg.ToolCalls = append(msg.ToolCalls, ollamaCall(st.tools[ev.slot]))
			dirty = true
		case evFinish:
			finish = true
		}
	}
	if finish {
		if calls := st.pendingOllamaCalls(); len(calls) > 0 {
			msg.ToolCalls = append(msg.ToolCalls, calls...)
			dirty = true
		}
	}
	var out [][]byte
	if dirty {
		out = append(out, ollamaContentChunk(st, msg))
	}
	if finish {
		st.emittedFinish = true
		out = append(out, ollamaFinishChunk(st))
	}
	return out, nil
}

func (st *StreamState) pendingOllamaCalls() []ollamaToolCall {
	var calls []ollamaToolCall
	for _, d := range st.Tools() {
		if st.emittedTools[d.Slot] {
			continue
		}
		st.emittedTools[d.Slot] = true
		calls = append(calls, ollamaCall(d))
	}
	return calls
}

func ollamaCall(d *ToolDraft) ollamaToolCall {
	return ollamaToolCall{Function: ollamaFuncCall{
		Name:      d.Name,
		Arguments: json.RawMessage(d.argsString()),
	}}
}

func ollamaContentChunk(st *StreamState, msg *ollamaMessage) []byte {
	raw, _ := json.Marshal(ollamaChunk{
		Model:     st.Model,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Message:   msg,
		Done:      false,
	})
	return raw
}

func ollamaFinishChunk(st *StreamState) []byte {
	out := ollamaChunk{
		Model:      st.Model,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Message:    &ollamaMessage{Role: "assistant"},
		Done:       true,
		DoneReason: ollamaFinish(st.finishOrDefault()),
	}
	if st.HasUsage {
		out.PromptEvalCount = st.Usage.InputTokens
		out.EvalCount = st.Usage.OutputTokens
	}
	raw, _ := json.Marshal(out)
	return raw
}

func normalizeOllamaChunk(chunk []byte, evs []event, st *StreamState) []byte {
	out := chunk
	if finishSeen(evs) && st.HasUsage && !gjson.GetBytes(out, "eval_count").Exists() {
		out, _ = sjson.SetBytes(out, "prompt_eval_count", st.Usage.InputTokens)
		out, _ = sjson.SetBytes(out, "eval_count", st.Usage.OutputTokens)
	}
	return out
}

func buildOllamaDocument(st *StreamState) ([]byte, error) {
	msg := &ollamaMessage{
		Role:     "assistant",
		Content:  st.ContentString(),
		Thinking: st.ThinkingString(),
	}
	for _, d := range st.Tools() {
		msg.ToolCalls = append(msg.ToolCalls, ollamaCall(d))
	}
	out := ollamaChunk{
		Model:      st.Model,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Message:    msg,
		Done:       true,
		DoneReason: ollamaFinish(st.finishOrDefault()),
	}
	if st.HasUsage {
		out.PromptEvalCount = st.Usage.InputTokens
		out.EvalCount = st.Usage.OutputTokens
	}
	return json.Marshal(out)
}

func ollamaPromptChars(body []byte) int {
	total := 0
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		total += len(msg.Get("content").Str)
		return true
	})
	return total
}
