package wire

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestTranslateRequest_OpenAIToClaude(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "checking", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		],
		"max_tokens": 256,
		"temperature": 0.5
	}`)
	out, err := TranslateRequest(FormatOpenAI, FormatClaude, &Request{Model: "claude-sonnet-4", Body: body, Stream: true})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	got := gjson.ParseBytes(out)
	if m := got.Get("model").Str; m != "claude-sonnet-4" {
		t.Errorf("expected resolved model, got %q", m)
	}
	if !got.Get("stream").Bool() {
		t.Errorf("stream flag should carry over")
	}
	if s := got.Get("system").Str; s != "be brief" {
		t.Errorf("expected system prompt, got %q", s)
	}
	if n := got.Get("messages.#").Int(); n != 3 {
		t.Fatalf("expected 3 messages, got %d", n)
	}
	if txt := got.Get("messages.0.content.0.text").Str; txt != "hi" {
		t.Errorf("expected user text, got %q", txt)
	}
	tu := got.Get("messages.1.content.1")
	if tu.Get("type").Str != "tool_use" || tu.Get("id").Str != "call_1" {
		t.Errorf("expected tool_use call_1, got %s", tu.Raw)
	}
	if city := tu.Get("input.city").Str; city != "Oslo" {
		t.Errorf("tool input should be decoded JSON, got %q", city)
	}
	tr := got.Get("messages.2.content.0")
	if tr.Get("type").Str != "tool_result" || tr.Get("tool_use_id").Str != "call_1" {
		t.Errorf("expected tool_result for call_1, got %s", tr.Raw)
	}
	if got.Get("messages.2.role").Str != "user" {
		t.Errorf("tool results must ride a user message")
	}
	if mt := got.Get("max_tokens").Int(); mt != 256 {
		t.Errorf("expected max_tokens 256, got %d", mt)
	}
}

func TestTranslateRequest_ClaudeToOpenAI(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"system": "sys",
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "hello"}]},
			{"role": "assistant", "content": [{"type": "thinking", "thinking": "hm", "signature": "s1"}, {"type": "text", "text": "yo"}]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "t1", "content": [{"type": "text", "text": "42"}]},
				{"type": "text", "text": "next"}
			]}
		],
		"max_tokens": 2048,
		"thinking": {"type": "enabled", "budget_tokens": 8192},
		"tools": [{"name": "calc", "description": "adds", "input_schema": {"type": "object"}}],
		"tool_choice": {"type": "any"}
	}`)
	out, err := TranslateRequest(FormatClaude, FormatOpenAI, &Request{Model: "gpt-4o", Body: body})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	got := gjson.ParseBytes(out)
	if n := got.Get("messages.#").Int(); n != 5 {
		t.Fatalf("expected 5 messages, got %d: %s", n, got.Get("messages").Raw)
	}
	if got.Get("messages.0.role").Str != "system" || got.Get("messages.0.content").Str != "sys" {
		t.Errorf("expected leading system message, got %s", got.Get("messages.0").Raw)
	}
	if got.Get("messages.2.content").Str != "yo" {
		t.Errorf("expected assistant text, got %s", got.Get("messages.2").Raw)
	}
	tool := got.Get("messages.3")
	if tool.Get("role").Str != "tool" || tool.Get("tool_call_id").Str != "t1" || tool.Get("content").Str != "42" {
		t.Errorf("expected tool message for t1, got %s", tool.Raw)
	}
	if got.Get("messages.4.content").Str != "next" {
		t.Errorf("expected trailing user text, got %s", got.Get("messages.4").Raw)
	}
	if name := got.Get("tools.0.function.name").Str; name != "calc" {
		t.Errorf("expected nested tool declaration, got %q", name)
	}
	if tc := got.Get("tool_choice").Str; tc != "required" {
		t.Errorf("expected tool_choice required, got %q", tc)
	}
	if effort := got.Get("reasoning_effort").Str; effort != "medium" {
		t.Errorf("expected 8192-token budget to map to medium, got %q", effort)
	}
	if mt := got.Get("max_tokens").Int(); mt != 2048 {
		t.Errorf("expected max_tokens 2048, got %d", mt)
	}
}

func TestTranslateRequest_OpenAIToGemini(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "sys"},
			{"role": "user", "content": "q"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "f", "arguments": "{\"a\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "ok"}
		],
		"tools": [{"type": "function", "function": {"name": "f", "parameters": {"type": "object"}}}],
		"max_tokens": 100
	}`)
	out, err := TranslateRequest(FormatOpenAI, FormatGemini, &Request{Model: "gemini-2.5-pro", Body: body})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	got := gjson.ParseBytes(out)
	if s := got.Get("systemInstruction.parts.0.text").Str; s != "sys" {
		t.Errorf("expected systemInstruction, got %q", s)
	}
	if r := got.Get("contents.0.role").Str; r != "user" {
		t.Errorf("expected user content first, got %q", r)
	}
	fc := got.Get("contents.1.parts.0.functionCall")
	if fc.Get("name").Str != "f" || fc.Get("args.a").Int() != 1 {
		t.Errorf("expected functionCall with decoded args, got %s", fc.Raw)
	}
	fr := got.Get("contents.2.parts.0.functionResponse")
	if fr.Get("name").Str != "f" {
		t.Errorf("function response should resolve the call name, got %s", fr.Raw)
	}
	if res := fr.Get("response.result").Str; res != "ok" {
		t.Errorf("expected wrapped result, got %q", res)
	}
	if n := got.Get("tools.0.functionDeclarations.0.name").Str; n != "f" {
		t.Errorf("expected function declaration, got %q", n)
	}
	if mt := got.Get("generationConfig.maxOutputTokens").Int(); mt != 100 {
		t.Errorf("expected maxOutputTokens 100, got %d", mt)
	}
}

func TestTranslateRequest_OpenAIToResponses(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "s"},
			{"role": "user", "content": "q"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "f", "arguments": "{\"a\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "ok"}
		],
		"tools": [{"type": "function", "function": {"name": "f"}}],
		"max_tokens": 64
	}`)
	out, err := TranslateRequest(FormatOpenAI, FormatOpenAIResponses, &Request{Model: "gpt-5.2", Body: body, Stream: true})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	got := gjson.ParseBytes(out)
	if got.Get("instructions").Str != "s" {
		t.Errorf("system should map to instructions, got %q", got.Get("instructions").Str)
	}
	if got.Get("input.0.content.0.type").Str != "input_text" {
		t.Errorf("expected input_text part, got %s", got.Get("input.0").Raw)
	}
	call := got.Get("input.1")
	if call.Get("type").Str != "function_call" || call.Get("call_id").Str != "call_1" {
		t.Errorf("expected function_call item, got %s", call.Raw)
	}
	outp := got.Get("input.2")
	if outp.Get("type").Str != "function_call_output" || outp.Get("output").Str != "ok" {
		t.Errorf("expected function_call_output, got %s", outp.Raw)
	}
	if got.Get("tools.0.name").Str != "f" {
		t.Errorf("responses tools are flat, got %s", got.Get("tools.0").Raw)
	}
	if got.Get("store").Type != gjson.False {
		t.Errorf("store should be pinned false")
	}
	if got.Get("max_output_tokens").Int() != 64 {
		t.Errorf("expected max_output_tokens 64, got %d", got.Get("max_output_tokens").Int())
	}
}

func TestTranslateRequest_KiroMergesUserTurns(t *testing.T) {
	body := []byte(`{
		"model": "alias",
		"messages": [
			{"role": "system", "content": "sys"},
			{"role": "user", "content": "A"},
			{"role": "user", "content": "B"},
			{"role": "assistant", "content": "ok"},
			{"role": "user", "content": "C"}
		]
	}`)
	out, err := TranslateRequest(FormatOpenAI, FormatKiro, &Request{
		Model:  "CLAUDE_SONNET_4_5_20250929_V1_0",
		Body:   body,
		Stream: true,
		Cred:   Credential{ProfileARN: "arn:aws:codewhisperer:us-east-1:1:profile/p"},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	got := gjson.ParseBytes(out)
	if arn := got.Get("profileArn").Str; arn != "arn:aws:codewhisperer:us-east-1:1:profile/p" {
		t.Errorf("expected profileArn, got %q", arn)
	}
	cs := got.Get("conversationState")
	if cs.Get("chatTriggerType").Str != "MANUAL" {
		t.Errorf("expected MANUAL trigger, got %q", cs.Get("chatTriggerType").Str)
	}
	if cs.Get("conversationId").Str == "" {
		t.Errorf("conversationId must be set")
	}
	if n := cs.Get("history.#").Int(); n != 2 {
		t.Fatalf("expected 2 history messages, got %d: %s", n, cs.Get("history").Raw)
	}
	first := cs.Get("history.0.userInputMessage.content").Str
	if first != "sys\n\nA\n\nB" {
		t.Errorf("consecutive user turns should merge with the system prompt leading, got %q", first)
	}
	if a := cs.Get("history.1.assistantResponseMessage.content").Str; a != "ok" {
		t.Errorf("expected assistant history, got %q", a)
	}
	cur := cs.Get("currentMessage.userInputMessage")
	if cur.Get("content").Str != "C" {
		t.Errorf("expected trailing user turn as currentMessage, got %q", cur.Get("content").Str)
	}
	if cur.Get("modelId").Str != "CLAUDE_SONNET_4_5_20250929_V1_0" {
		t.Errorf("expected modelId on currentMessage, got %q", cur.Get("modelId").Str)
	}
	if cur.Get("origin").Str != "AI_EDITOR" {
		t.Errorf("expected AI_EDITOR origin, got %q", cur.Get("origin").Str)
	}
}

func TestTranslateRequest_KiroToolResults(t *testing.T) {
	body := []byte(`{
		"model": "alias",
		"messages": [
			{"role": "user", "content": "do it"},
			{"role": "assistant", "tool_calls": [
				{"id": "t1", "type": "function", "function": {"name": "run", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "t1", "content": "done"}
		],
		"tools": [{"type": "function", "function": {"name": "run", "parameters": {"type": "object"}}}]
	}`)
	out, err := TranslateRequest(FormatOpenAI, FormatKiro, &Request{Model: "m", Body: body})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	cs := gjson.ParseBytes(out).Get("conversationState")
	uses := cs.Get("history.1.assistantResponseMessage.toolUses")
	if uses.Get("0.toolUseId").Str != "t1" || uses.Get("0.name").Str != "run" {
		t.Errorf("expected assistant toolUses, got %s", uses.Raw)
	}
	cur := cs.Get("currentMessage.userInputMessage.userInputMessageContext")
	tr := cur.Get("toolResults.0")
	if tr.Get("toolUseId").Str != "t1" || tr.Get("content.0.text").Str != "done" {
		t.Errorf("expected tool result on currentMessage, got %s", tr.Raw)
	}
	if cur.Get("tools.0.toolSpecification.name").Str != "run" {
		t.Errorf("tool declarations should ride the currentMessage context, got %s", cur.Get("tools").Raw)
	}
}

func TestTranslateRequest_AntigravityEnvelope(t *testing.T) {
	body := []byte(`{"model":"alias","messages":[{"role":"user","content":"q"}]}`)
	out, err := TranslateRequest(FormatOpenAI, FormatAntigravity, &Request{
		Model: "gemini-3-pro",
		Body:  body,
		Cred:  Credential{ProjectID: "proj-1"},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	got := gjson.ParseBytes(out)
	if got.Get("model").Str != "gemini-3-pro" {
		t.Errorf("expected model at top level, got %q", got.Get("model").Str)
	}
	if got.Get("project").Str != "proj-1" {
		t.Errorf("expected project id, got %q", got.Get("project").Str)
	}
	if txt := got.Get("request.contents.0.parts.0.text").Str; txt != "q" {
		t.Errorf("expected nested gemini body, got %q", txt)
	}
}

func TestTranslateRequest_IdentityOpenAI(t *testing.T) {
	body := []byte(`{"model":"alias","messages":[{"role":"user","content":"q"}],"seed":7}`)
	out, err := TranslateRequest(FormatOpenAI, FormatOpenAI, &Request{Model: "gpt-4o-mini", Body: body, Stream: true})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	got := gjson.ParseBytes(out)
	if got.Get("model").Str != "gpt-4o-mini" {
		t.Errorf("identity should rewrite the model, got %q", got.Get("model").Str)
	}
	if !got.Get("stream").Bool() || !got.Get("stream_options.include_usage").Bool() {
		t.Errorf("identity should pin stream flags: %s", out)
	}
	// untouched fields pass through byte for byte
	if got.Get("seed").Int() != 7 {
		t.Errorf("vendor fields must survive, got %s", out)
	}
}

func TestTranslateRequest_IdentityGeminiUntouched(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"q"}]}],"safetySettings":[{"category":"X","threshold":"BLOCK_NONE"}]}`)
	out, err := TranslateRequest(FormatGemini, FormatGemini, &Request{Model: "gemini-2.5-pro", Body: body, Stream: true})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("gemini identity must not reshape the body:\n%s", out)
	}
}

func TestTranslateRequest_UnknownPair(t *testing.T) {
	if _, err := TranslateRequest(FormatKiro, FormatOpenAI, &Request{Body: []byte("{}")}); err == nil {
		t.Errorf("kiro is target-only, expected an error")
	}
}

func TestPromptChars_CountsText(t *testing.T) {
	cases := []struct {
		name   string
		format Format
		body   string
		want   int
	}{
		{"openai_string", FormatOpenAI, `{"messages":[{"role":"user","content":"abcd"}]}`, 4},
		{"openai_parts", FormatOpenAI, `{"messages":[{"role":"user","content":[{"type":"text","text":"ab"},{"type":"text","text":"cd"}]}]}`, 4},
		{"claude", FormatClaude, `{"system":"ab","messages":[{"role":"user","content":[{"type":"text","text":"cd"}]}]}`, 4},
		{"gemini", FormatGemini, `{"systemInstruction":{"parts":[{"text":"ab"}]},"contents":[{"parts":[{"text":"cd"}]}]}`, 4},
		{"ollama", FormatOllama, `{"messages":[{"role":"user","content":"abcd"}]}`, 4},
		{"responses", FormatOpenAIResponses, `{"instructions":"ab","input":"cd"}`, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PromptChars(tc.format, []byte(tc.body)); got != tc.want {
				t.Errorf("expected %d chars, got %d", tc.want, got)
			}
		})
	}
}
