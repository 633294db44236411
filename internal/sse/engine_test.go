package sse

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/wire"
)

// frames splits engine output into SSE data payloads, failing on any frame
// that is not data-prefixed.
func frames(t *testing.T, out []byte) []string {
	t.Helper()
	var payloads []string
	for _, block := range strings.Split(string(out), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("frame without data prefix: %q", block)
		}
		payloads = append(payloads, strings.TrimPrefix(block, "data: "))
	}
	return payloads
}

// runEngine pumps the given upstream text through an engine and returns the
// raw output plus the completion.
func runEngine(t *testing.T, opts Options, upstream string) ([]byte, Completion) {
	t.Helper()

	var done Completion
	opts.OnComplete = func(c Completion) { done = c }

	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := e.Run(context.Background(), strings.NewReader(upstream), w); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return buf.Bytes(), done
}

// TestRunTranslatesDetectedDialect covers the misadvertised endpoint: the
// connection claims OpenAI but streams Claude events. The client sees only
// OpenAI chunks and one [DONE].
func TestRunTranslatesDetectedDialect(t *testing.T) {
	upstream := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_up","usage":{"input_tokens":10}}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":12}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	out, done := runEngine(t, Options{
		Source: wire.FormatOpenAI,
		Target: wire.FormatOpenAI,
		Model:  "gpt-4o",
	}, upstream)

	if n := bytes.Count(out, []byte("data: [DONE]\n\n")); n != 1 {
		t.Fatalf("[DONE] count = %d, want exactly 1", n)
	}

	payloads := frames(t, out)
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE], got %q", payloads[len(payloads)-1])
	}

	var content strings.Builder
	for _, p := range payloads[:len(payloads)-1] {
		chunk := gjson.Parse(p)
		if chunk.Get("object").Str != "chat.completion.chunk" {
			t.Fatalf("non-OpenAI chunk leaked through: %s", p)
		}
		content.WriteString(chunk.Get("choices.0.delta.content").Str)
	}
	if content.String() != "Hello world" {
		t.Fatalf("content = %q, want Hello world", content.String())
	}

	last := gjson.Parse(payloads[len(payloads)-2])
	if last.Get("choices.0.finish_reason").Str != "stop" {
		t.Fatalf("missing finish chunk: %s", last.Raw)
	}
	if last.Get("usage.prompt_tokens").Int() != 10 || last.Get("usage.completion_tokens").Int() != 12 {
		t.Fatalf("usage not forwarded: %s", last.Get("usage").Raw)
	}

	if done.Detected != wire.FormatClaude {
		t.Fatalf("Detected = %q, want claude", done.Detected)
	}
	if done.Content != "Hello world" {
		t.Fatalf("completion content = %q", done.Content)
	}
	if done.Usage.InputTokens != 10 || done.Usage.OutputTokens != 12 {
		t.Fatalf("completion usage = %+v", done.Usage)
	}
	if done.TTFT <= 0 {
		t.Fatal("TTFT not captured")
	}
}

// TestRunPassthroughNormalises covers same-dialect streaming: sloppy frames
// are repaired, comments dropped, vendor annotations stripped and the
// upstream [DONE] deduplicated.
func TestRunPassthroughNormalises(t *testing.T) {
	upstream := strings.Join([]string{
		`: keepalive comment`,
		`data:{"id":"up_1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"content_filter_results":{"hate":{"filtered":false}}}]}`,
		``,
		`data: {"id":"up_1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	out, done := runEngine(t, Options{
		Source: wire.FormatOpenAI,
		Target: wire.FormatOpenAI,
		Model:  "gpt-4o",
	}, upstream)

	if n := bytes.Count(out, []byte("data: [DONE]\n\n")); n != 1 {
		t.Fatalf("[DONE] count = %d, want exactly 1", n)
	}

	payloads := frames(t, out)
	first := gjson.Parse(payloads[0])
	if first.Get("object").Str != "chat.completion.chunk" {
		t.Fatalf("object not injected: %s", payloads[0])
	}
	if !first.Get("created").Exists() {
		t.Fatalf("created not injected: %s", payloads[0])
	}
	if first.Get("choices.0.content_filter_results").Exists() {
		t.Fatalf("vendor annotation survived: %s", payloads[0])
	}
	if first.Get("choices.0.delta.content").Str != "Hi" {
		t.Fatalf("content lost in normalisation: %s", payloads[0])
	}

	if done.Usage.InputTokens != 4 || done.Usage.OutputTokens != 1 {
		t.Fatalf("usage = %+v", done.Usage)
	}
	if done.Usage.Estimated {
		t.Fatal("reported usage must not be flagged estimated")
	}
}

// TestRunTerminatesTruncatedStream verifies an upstream that dies mid-stream
// still yields a synthesized finish chunk and exactly one [DONE].
func TestRunTerminatesTruncatedStream(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"tial"}}`,
		``,
	}, "\n") // connection dropped: no message_delta, no message_stop, no [DONE]

	out, done := runEngine(t, Options{
		Source: wire.FormatClaude,
		Target: wire.FormatOpenAI,
		Model:  "claude-sonnet-4",
	}, upstream)

	if n := bytes.Count(out, []byte("data: [DONE]\n\n")); n != 1 {
		t.Fatalf("[DONE] count = %d, want exactly 1", n)
	}

	payloads := frames(t, out)
	finish := gjson.Parse(payloads[len(payloads)-2])
	if finish.Get("choices.0.finish_reason").Str != "stop" {
		t.Fatalf("finish chunk not synthesized: %s", finish.Raw)
	}
	if done.Content != "partial" {
		t.Fatalf("partial content = %q, want partial", done.Content)
	}
}

// TestRunEstimatesUsage covers the estimator: the provider never reports
// usage, so the finish chunk carries character-derived numbers.
func TestRunEstimatesUsage(t *testing.T) {
	text := strings.Repeat("x", 400)
	upstream := strings.Join([]string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + text[:200] + `"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + text[200:] + `"}}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	out, done := runEngine(t, Options{
		Source:    wire.FormatClaude,
		Target:    wire.FormatOpenAI,
		Model:     "claude-sonnet-4",
		Estimator: NewEstimator(1200, 4, 10),
	}, upstream)

	payloads := frames(t, out)
	finish := gjson.Parse(payloads[len(payloads)-2])
	if got := finish.Get("usage.prompt_tokens").Int(); got != 310 {
		t.Fatalf("prompt_tokens = %d, want 310", got)
	}
	if got := finish.Get("usage.completion_tokens").Int(); got != 110 {
		t.Fatalf("completion_tokens = %d, want 110", got)
	}
	if !done.Usage.Estimated {
		t.Fatal("usage should be flagged estimated")
	}
}

// TestRunCancelledContext verifies cancellation still terminates the client
// stream cleanly and fires the callback.
func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(Options{Source: wire.FormatOpenAI, Target: wire.FormatOpenAI, Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fired := false
	e.onComplete = func(Completion) { fired = true }

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	upstream := "data: {\"id\":\"u\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n"
	runErr := e.Run(ctx, strings.NewReader(upstream), w)

	if runErr == nil {
		t.Fatal("Run should report the cancellation")
	}
	if n := bytes.Count(buf.Bytes(), []byte("data: [DONE]\n\n")); n != 1 {
		t.Fatalf("[DONE] count = %d, want exactly 1", n)
	}
	if !fired {
		t.Fatal("completion callback skipped on cancellation")
	}
}

// TestCollectTranslates runs a complete Claude document through a connection
// configured as OpenAI: detection kicks in and the client gets a
// chat.completion document.
func TestCollectTranslates(t *testing.T) {
	body := `{"type":"message","id":"msg_1","role":"assistant","model":"claude-sonnet-4",` +
		`"content":[{"type":"text","text":"Hello"}],` +
		`"stop_reason":"end_turn","usage":{"input_tokens":8,"output_tokens":4}}`

	var done Completion
	e, err := New(Options{
		Source:     wire.FormatOpenAI,
		Target:     wire.FormatOpenAI,
		Model:      "claude-sonnet-4",
		OnComplete: func(c Completion) { done = c },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := e.Collect(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	got := gjson.ParseBytes(out)
	if got.Get("object").Str != "chat.completion" {
		t.Fatalf("object = %q, want chat.completion", got.Get("object").Str)
	}
	if got.Get("choices.0.message.content").Str != "Hello" {
		t.Fatalf("content = %s", got.Get("choices.0.message").Raw)
	}
	if got.Get("usage.prompt_tokens").Int() != 8 {
		t.Fatalf("usage = %s", got.Get("usage").Raw)
	}
	if done.Usage.InputTokens != 8 || done.Usage.OutputTokens != 4 {
		t.Fatalf("completion usage = %+v", done.Usage)
	}
}

// TestCollectPassthroughKeepsBody verifies same-dialect documents return
// byte-identical while accounting still runs.
func TestCollectPassthroughKeepsBody(t *testing.T) {
	body := `{"id":"chatcmpl-up","object":"chat.completion","created":7,"model":"gpt-4o",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"Hey"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5},"system_fingerprint":"fp_1"}`

	var done Completion
	e, err := New(Options{
		Source:     wire.FormatOpenAI,
		Target:     wire.FormatOpenAI,
		Model:      "gpt-4o",
		OnComplete: func(c Completion) { done = c },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := e.Collect(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if string(out) != body {
		t.Fatalf("passthrough body changed:\n%s", out)
	}
	if done.Content != "Hey" || done.Usage.InputTokens != 3 {
		t.Fatalf("accounting missed: %+v", done)
	}
}

// TestNewRejectsUnknownPair verifies construction fails when no translator
// is registered for the pair.
func TestNewRejectsUnknownPair(t *testing.T) {
	if _, err := New(Options{Source: wire.FormatOpenAI, Target: wire.FormatKiro}); err == nil {
		t.Fatal("expected error for unregistered pair")
	}
}

// TestFramePayload covers the line framing table.
func TestFramePayload(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"spaced", `data: {"a":1}`, `{"a":1}`, true},
		{"unspaced", `data:{"a":1}`, `{"a":1}`, true},
		{"extra_spaces", `data:   {"a":1}`, `{"a":1}`, true},
		{"done", `data: [DONE]`, `[DONE]`, true},
		{"empty_data", `data:`, ``, false},
		{"blank", ``, ``, false},
		{"event_line", `event: message_start`, ``, false},
		{"comment", `: keepalive`, ``, false},
		{"ndjson", `{"message":{"content":"hi"},"done":false}`, `{"message":{"content":"hi"},"done":false}`, true},
		{"crlf", "data: {\"a\":1}\r", `{"a":1}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := framePayload([]byte(tt.line))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && string(got) != tt.want {
				t.Fatalf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestNewEstimator checks the rounding and padding arithmetic.
func TestNewEstimator(t *testing.T) {
	est := NewEstimator(1200, 4, 10)
	u := est(400, 0)
	if u.InputTokens != 310 || u.OutputTokens != 110 || u.TotalTokens != 420 {
		t.Fatalf("usage = %+v, want 310/110/420", u)
	}
	if !u.Estimated {
		t.Fatal("estimator output must be flagged")
	}

	u = est(401, 8)
	if u.OutputTokens != 101+2+10 {
		t.Fatalf("OutputTokens = %d, want ceil(401/4)+ceil(8/4)+10", u.OutputTokens)
	}
	if u.ThinkingTokens != 2 {
		t.Fatalf("ThinkingTokens = %d, want 2", u.ThinkingTokens)
	}

	// Zero ratio falls back to the default instead of dividing by zero.
	u = NewEstimator(8, 0, 0)(4, 0)
	if u.InputTokens != 2 || u.OutputTokens != 1 {
		t.Fatalf("default-ratio usage = %+v", u)
	}
}
