package wire

import (
	"testing"

	"github.com/tidwall/gjson"
)

// runStream feeds each chunk plus the terminal flush through the (from, to)
// translator and returns every emitted chunk.
func runStream(t *testing.T, from, to Format, st *StreamState, chunks []string) []gjson.Result {
	t.Helper()
	fn, ok := LookupStream(from, to)
	if !ok {
		t.Fatalf("no stream translator %s -> %s", from, to)
	}
	var out []gjson.Result
	for _, c := range chunks {
		emitted, err := fn([]byte(c), st)
		if err != nil {
			t.Fatalf("chunk %q: %v", c, err)
		}
		for _, e := range emitted {
			out = append(out, gjson.ParseBytes(e))
		}
	}
	emitted, err := fn(nil, st)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	for _, e := range emitted {
		out = append(out, gjson.ParseBytes(e))
	}
	return out
}

func TestStream_ClaudeToOpenAI(t *testing.T) {
	st := NewStreamState("claude-sonnet-4")
	got := runStream(t, FormatClaude, FormatOpenAI, st, []string{
		`{"type":"message_start","message":{"id":"msg_up","usage":{"input_tokens":10}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	})
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	first := got[0]
	if first.Get("object").Str != "chat.completion.chunk" {
		t.Errorf("expected chunk object, got %q", first.Get("object").Str)
	}
	if first.Get("choices.0.delta.role").Str != "assistant" {
		t.Errorf("first chunk should announce the role, got %s", first.Raw)
	}
	if first.Get("choices.0.delta.content").Str != "Hel" {
		t.Errorf("expected first delta Hel, got %s", first.Raw)
	}
	if got[1].Get("choices.0.delta.content").Str != "lo" {
		t.Errorf("expected second delta lo, got %s", got[1].Raw)
	}
	last := got[2]
	if last.Get("choices.0.finish_reason").Str != "stop" {
		t.Errorf("expected finish_reason stop, got %s", last.Raw)
	}
	u := last.Get("usage")
	if u.Get("prompt_tokens").Int() != 10 || u.Get("completion_tokens").Int() != 5 || u.Get("total_tokens").Int() != 15 {
		t.Errorf("expected usage 10/5/15, got %s", u.Raw)
	}
	if st.UpstreamID != "msg_up" {
		t.Errorf("expected upstream id captured, got %q", st.UpstreamID)
	}
}

func TestStream_OpenAIToClaude(t *testing.T) {
	st := NewStreamState("gpt-4o")
	got := runStream(t, FormatOpenAI, FormatClaude, st, []string{
		`{"id":"u1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"u1","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
		`{"id":"u1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"f"}}]}}]}`,
		`{"id":"u1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":1}"}}]}}]}`,
		`{"id":"u1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	})
	types := make([]string, len(got))
	for i, c := range got {
		types[i] = c.Get("type").Str
	}
	want := []string{
		"message_start",
		"content_block_start", "content_block_delta",
		"content_block_stop", "content_block_start",
		"content_block_delta",
		"content_block_stop", "message_delta",
		"message_stop",
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	if got[4].Get("content_block.type").Str != "tool_use" || got[4].Get("content_block.id").Str != "call_9" {
		t.Errorf("expected tool_use block for call_9, got %s", got[4].Raw)
	}
	if got[5].Get("delta.partial_json").Str != `{"x":1}` {
		t.Errorf("expected input_json fragment, got %s", got[5].Raw)
	}
	md := got[7]
	if md.Get("delta.stop_reason").Str != "tool_use" {
		t.Errorf("expected stop_reason tool_use, got %s", md.Raw)
	}
	if md.Get("usage.input_tokens").Int() != 3 || md.Get("usage.output_tokens").Int() != 2 {
		t.Errorf("expected usage 3/2, got %s", md.Get("usage").Raw)
	}
}

func TestStream_KiroToOpenAI_EstimatesUsage(t *testing.T) {
	st := NewStreamState("claude-sonnet-4")
	st.Estimate = func(contentChars, thinkingChars int) Usage {
		out := (contentChars + thinkingChars + 3) / 4
		return Usage{InputTokens: 7, OutputTokens: out, TotalTokens: 7 + out}
	}
	got := runStream(t, FormatKiro, FormatOpenAI, st, []string{
		`{"content":"Hello world"}`,
	})
	if len(got) != 2 {
		t.Fatalf("expected delta plus finish, got %d chunks", len(got))
	}
	if got[0].Get("choices.0.delta.content").Str != "Hello world" {
		t.Errorf("expected text delta, got %s", got[0].Raw)
	}
	last := got[1]
	if last.Get("choices.0.finish_reason").Str != "stop" {
		t.Errorf("expected synthetic finish, got %s", last.Raw)
	}
	u := last.Get("usage")
	if u.Get("prompt_tokens").Int() != 7 || u.Get("completion_tokens").Int() != 3 {
		t.Errorf("expected estimated usage 7/3, got %s", u.Raw)
	}
	if !st.Usage.Estimated {
		t.Errorf("usage should be flagged as estimated")
	}
}

func TestStream_GeminiToOpenAI_ToolCallFinish(t *testing.T) {
	st := NewStreamState("gemini-2.5-pro")
	got := runStream(t, FormatGemini, FormatOpenAI, st, []string{
		`{"candidates":[{"index":0,"content":{"role":"model","parts":[{"functionCall":{"name":"f","args":{"a":1}}}]}}]}`,
		`{"candidates":[{"index":0,"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}}`,
	})
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if name := got[0].Get("choices.0.delta.tool_calls.0.function.name").Str; name != "f" {
		t.Errorf("expected tool call start, got %s", got[0].Raw)
	}
	if args := got[1].Get("choices.0.delta.tool_calls.0.function.arguments").Str; args != `{"a":1}` {
		t.Errorf("expected complete arguments, got %s", got[1].Raw)
	}
	last := got[2]
	// gemini reports STOP even for tool calls; clients key on tool_calls
	if fr := last.Get("choices.0.finish_reason").Str; fr != "tool_calls" {
		t.Errorf("expected finish_reason tool_calls, got %q", fr)
	}
	if last.Get("usage.total_tokens").Int() != 10 {
		t.Errorf("expected usage forwarded, got %s", last.Get("usage").Raw)
	}
}

func TestStream_ClaudeToResponses_EventProtocol(t *testing.T) {
	st := NewStreamState("gpt-5.2")
	got := runStream(t, FormatClaude, FormatOpenAIResponses, st, []string{
		`{"type":"message_start","message":{"id":"msg_up","usage":{"input_tokens":10}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	})
	want := []string{
		"response.created",
		"response.in_progress",
		"response.output_item.added",
		"response.content_part.added",
		"response.output_text.delta",
		"response.output_text.done",
		"response.content_part.done",
		"response.output_item.done",
		"response.completed",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if typ := got[i].Get("type").Str; typ != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], typ)
		}
	}
	if delta := got[4].Get("delta").Str; delta != "Hi" {
		t.Errorf("expected text delta, got %q", delta)
	}
	final := got[8].Get("response")
	if final.Get("status").Str != "completed" {
		t.Errorf("expected completed status, got %s", final.Raw)
	}
	if txt := final.Get("output.0.content.0.text").Str; txt != "Hi" {
		t.Errorf("expected accumulated text in the document, got %q", txt)
	}
	u := final.Get("usage")
	if u.Get("input_tokens").Int() != 10 || u.Get("output_tokens").Int() != 5 || u.Get("total_tokens").Int() != 15 {
		t.Errorf("expected usage 10/5/15, got %s", u.Raw)
	}
}

func TestStream_OpenAIPassthrough(t *testing.T) {
	st := NewStreamState("gpt-4o")
	st.Estimate = func(contentChars, thinkingChars int) Usage {
		out := (contentChars + thinkingChars + 3) / 4
		return Usage{InputTokens: 7, OutputTokens: out, TotalTokens: 7 + out}
	}
	fn, ok := LookupStream(FormatOpenAI, FormatOpenAI)
	if !ok {
		t.Fatal("no openai passthrough")
	}

	t.Run("keepalive dropped", func(t *testing.T) {
		out, err := fn([]byte(`{}`), st)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != 0 {
			t.Errorf("empty chunk should be dropped, got %q", out[0])
		}
	})

	t.Run("vendor annotations stripped", func(t *testing.T) {
		chunk := `{"id":"up_1","object":"chat.completion.chunk","created":5,"choices":[{"index":0,"delta":{"content":"hi"},"content_filter_results":{"hate":{"filtered":false}}}]}`
		out, err := fn([]byte(chunk), st)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("expected 1 chunk, got %d", len(out))
		}
		got := gjson.ParseBytes(out[0])
		if got.Get("choices.0.content_filter_results").Exists() {
			t.Errorf("filter annotations should be stripped: %s", out[0])
		}
		if got.Get("choices.0.delta.content").Str != "hi" {
			t.Errorf("delta must survive normalisation: %s", out[0])
		}
	})

	t.Run("usage injected at finish", func(t *testing.T) {
		chunk := `{"id":"up_1","object":"chat.completion.chunk","created":5,"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
		out, err := fn([]byte(chunk), st)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("expected 1 chunk, got %d", len(out))
		}
		u := gjson.GetBytes(out[0], "usage")
		if !u.Exists() {
			t.Fatalf("expected usage injected: %s", out[0])
		}
		if u.Get("prompt_tokens").Int() != 7 {
			t.Errorf("expected estimated prompt tokens, got %s", u.Raw)
		}
		if !st.Usage.Estimated {
			t.Errorf("usage should be flagged as estimated")
		}
	})
}

func TestStream_ClaudePassthrough(t *testing.T) {
	st := NewStreamState("claude-sonnet-4")
	fn, ok := LookupStream(FormatClaude, FormatClaude)
	if !ok {
		t.Fatal("no claude passthrough")
	}

	start := `{"type":"message_start","message":{"id":"msg_up","usage":{"input_tokens":10}}}`
	out, err := fn([]byte(start), st)
	if err != nil {
		t.Fatalf("message_start: %v", err)
	}
	if len(out) != 1 || string(out[0]) != start {
		t.Errorf("message_start should pass through untouched, got %v", out)
	}

	out, err = fn([]byte(`{"type":"ping"}`), st)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("pings should be dropped, got %q", out)
	}

	done := `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null}}`
	out, err = fn([]byte(done), st)
	if err != nil {
		t.Fatalf("message_delta: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(out))
	}
	if in := gjson.GetBytes(out[0], "usage.input_tokens").Int(); in != 10 {
		t.Errorf("expected usage backfilled on the stop event, got %s", out[0])
	}
}

func TestBuildDocument_FromClaudeStream(t *testing.T) {
	st := NewStreamState("claude-sonnet-4")
	fn, _ := LookupStream(FormatClaude, FormatOpenAI)
	doc := `{"type":"message","id":"msg_1","role":"assistant","model":"claude-sonnet-4",` +
		`"content":[{"type":"text","text":"Hello"},{"type":"tool_use","id":"t1","name":"f","input":{"a":1}}],` +
		`"stop_reason":"tool_use","usage":{"input_tokens":8,"output_tokens":4}}`
	if _, err := fn([]byte(doc), st); err != nil {
		t.Fatalf("feed document: %v", err)
	}
	if _, err := fn(nil, st); err != nil {
		t.Fatalf("flush: %v", err)
	}
	out, err := BuildDocument(FormatOpenAI, st)
	if err != nil {
		t.Fatalf("build document: %v", err)
	}
	got := gjson.ParseBytes(out)
	if got.Get("object").Str != "chat.completion" {
		t.Errorf("expected a completion document, got %q", got.Get("object").Str)
	}
	if got.Get("choices.0.message.content").Str != "Hello" {
		t.Errorf("expected accumulated content, got %s", got.Get("choices.0.message").Raw)
	}
	tc := got.Get("choices.0.message.tool_calls.0")
	if tc.Get("id").Str != "t1" || tc.Get("function.name").Str != "f" || tc.Get("function.arguments").Str != `{"a":1}` {
		t.Errorf("expected replayed tool call, got %s", tc.Raw)
	}
	if fr := got.Get("choices.0.finish_reason").Str; fr != "tool_calls" {
		t.Errorf("expected finish_reason tool_calls, got %q", fr)
	}
	u := got.Get("usage")
	if u.Get("prompt_tokens").Int() != 8 || u.Get("completion_tokens").Int() != 4 || u.Get("total_tokens").Int() != 12 {
		t.Errorf("expected usage 8/4/12, got %s", u.Raw)
	}

	if _, err := BuildDocument(FormatKiro, st); err == nil {
		t.Errorf("kiro has no document form, expected an error")
	}
}
