package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/wire"
)

// captured holds what the fake upstream saw.
type captured struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
}

// dispatch runs one Execute against a fake upstream and returns what the
// upstream saw plus the result.
func dispatch(t *testing.T, provider string, conn *store.Connection, req *Request) (*captured, *Result) {
	t.Helper()

	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.Query(),
			header: r.Header.Clone(),
			body:   body,
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	if conn.Extra == nil {
		conn.Extra = map[string]any{}
	}
	conn.Extra["baseUrl"] = srv.URL
	req.Conn = conn

	prov, ok := catalog.Resolve(provider)
	if !ok {
		t.Fatalf("catalog.Resolve(%q) failed", provider)
	}
	ex, ok := NewSet(Options{}).For(prov)
	if !ok {
		t.Fatalf("no executor for %q", provider)
	}

	res, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	t.Cleanup(func() { _ = res.Response.Body.Close() })
	return &got, res
}

// TestCompatExecute covers the generic Bearer chat/completions path.
func TestCompatExecute(t *testing.T) {
	got, res := dispatch(t, "openai",
		&store.Connection{ID: "c1", Provider: "openai", APIKey: "sk-test"},
		&Request{
			Model:  "gpt-4o",
			Body:   []byte(`{"model":"alias","messages":[{"role":"user","content":"hi"}]}`),
			Stream: true,
			Source: wire.FormatOpenAI,
		})

	if got.method != http.MethodPost || got.path != "/chat/completions" {
		t.Fatalf("request = %s %s, want POST /chat/completions", got.method, got.path)
	}
	if got.header.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", got.header.Get("Authorization"))
	}
	if got.header.Get("Accept") != "text/event-stream" {
		t.Fatalf("Accept = %q for a stream", got.header.Get("Accept"))
	}
	if gjson.GetBytes(got.body, "model").Str != "gpt-4o" {
		t.Fatalf("model not rewritten: %s", got.body)
	}
	if !gjson.GetBytes(got.body, "stream").Bool() {
		t.Fatalf("stream flag missing: %s", got.body)
	}
	if res.Format != wire.FormatOpenAI {
		t.Fatalf("Format = %q", res.Format)
	}
	if res.Response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.Response.StatusCode)
	}
}

// TestCompatCopilotHeaders verifies the editor identity rides along for
// Copilot connections.
func TestCompatCopilotHeaders(t *testing.T) {
	got, _ := dispatch(t, "copilot",
		&store.Connection{ID: "c1", Provider: "copilot", AccessToken: "gho_tok"},
		&Request{
			Model:  "gpt-4o",
			Body:   []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
			Source: wire.FormatOpenAI,
		})

	if got.header.Get("Authorization") != "Bearer gho_tok" {
		t.Fatalf("Authorization = %q", got.header.Get("Authorization"))
	}
	if got.header.Get("Copilot-Integration-ID") != "vscode-chat" {
		t.Fatalf("Copilot-Integration-ID = %q", got.header.Get("Copilot-Integration-ID"))
	}
	if got.header.Get("Editor-Version") == "" || got.header.Get("OpenAI-Intent") == "" {
		t.Fatal("editor identity headers missing")
	}
}

// TestClaudeExecuteAuth covers both Anthropic auth modes.
func TestClaudeExecuteAuth(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4","max_tokens":128,"messages":[{"role":"user","content":"hi"}]}`)

	t.Run("api_key", func(t *testing.T) {
		got, res := dispatch(t, "anthropic",
			&store.Connection{ID: "c1", Provider: "anthropic", APIKey: "sk-ant"},
			&Request{Model: "claude-sonnet-4", Body: body, Source: wire.FormatClaude})

		if got.path != "/v1/messages" {
			t.Fatalf("path = %q", got.path)
		}
		if got.header.Get("x-api-key") != "sk-ant" {
			t.Fatalf("x-api-key = %q", got.header.Get("x-api-key"))
		}
		if got.header.Get("anthropic-version") != anthropicVersion {
			t.Fatalf("anthropic-version = %q", got.header.Get("anthropic-version"))
		}
		if got.header.Get("Authorization") != "" {
			t.Fatal("Authorization must be absent for API-key auth")
		}
		if res.Format != wire.FormatClaude {
			t.Fatalf("Format = %q", res.Format)
		}
	})

	t.Run("oauth", func(t *testing.T) {
		got, _ := dispatch(t, "anthropic",
			&store.Connection{ID: "c2", Provider: "anthropic", AccessToken: "oat-1"},
			&Request{Model: "claude-sonnet-4", Body: body, Source: wire.FormatClaude})

		if got.header.Get("Authorization") != "Bearer oat-1" {
			t.Fatalf("Authorization = %q", got.header.Get("Authorization"))
		}
		if got.header.Get("anthropic-beta") != anthropicOAuthBeta {
			t.Fatalf("anthropic-beta = %q", got.header.Get("anthropic-beta"))
		}
		if got.header.Get("x-api-key") != "" {
			t.Fatal("x-api-key must be absent for OAuth auth")
		}
	})
}

// TestGeminiExecuteURL verifies the model, action and key land in the URL.
func TestGeminiExecuteURL(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	t.Run("stream", func(t *testing.T) {
		got, _ := dispatch(t, "gemini",
			&store.Connection{ID: "c1", Provider: "gemini", APIKey: "AIza-key"},
			&Request{Model: "gemini-2.5-pro", Body: body, Stream: true, Source: wire.FormatGemini})

		if got.path != "/v1beta/models/gemini-2.5-pro:streamGenerateContent" {
			t.Fatalf("path = %q", got.path)
		}
		if got.query.Get("alt") != "sse" || got.query.Get("key") != "AIza-key" {
			t.Fatalf("query = %q", got.query.Encode())
		}
	})

	t.Run("buffered", func(t *testing.T) {
		got, _ := dispatch(t, "gemini",
			&store.Connection{ID: "c1", Provider: "gemini", APIKey: "AIza-key"},
			&Request{Model: "gemini-2.5-pro", Body: body, Source: wire.FormatGemini})

		if got.path != "/v1beta/models/gemini-2.5-pro:generateContent" {
			t.Fatalf("path = %q", got.path)
		}
		if got.query.Get("alt") != "" {
			t.Fatalf("alt=%q on a buffered call", got.query.Get("alt"))
		}
	})
}

// TestCloudCodeEnvelope verifies the v1internal wrapper around a plain
// Gemini payload.
func TestCloudCodeEnvelope(t *testing.T) {
	got, res := dispatch(t, "gemini-cli",
		&store.Connection{ID: "c1", Provider: "gemini-cli", AccessToken: "ya29.tok", ProjectID: "proj-7"},
		&Request{
			Model:  "gemini-2.5-pro",
			Body:   []byte(`{"model":"x","messages":[{"role":"user","content":"hi"}]}`),
			Source: wire.FormatOpenAI,
		})

	if got.path != "/v1internal:generateContent" {
		t.Fatalf("path = %q", got.path)
	}
	if got.header.Get("Authorization") != "Bearer ya29.tok" {
		t.Fatalf("Authorization = %q", got.header.Get("Authorization"))
	}
	doc := gjson.ParseBytes(got.body)
	if doc.Get("model").Str != "gemini-2.5-pro" || doc.Get("project").Str != "proj-7" {
		t.Fatalf("envelope = %s", got.body)
	}
	if !doc.Get("request.contents").IsArray() {
		t.Fatalf("request payload missing: %s", got.body)
	}
	if res.Format != wire.FormatGemini {
		t.Fatalf("Format = %q", res.Format)
	}
}

// TestAntigravityExecute verifies per-dispatch identifiers are injected into
// the sandbox envelope.
func TestAntigravityExecute(t *testing.T) {
	got, res := dispatch(t, "antigravity",
		&store.Connection{ID: "c1", Provider: "antigravity", AccessToken: "ya29.ag", ProjectID: "proj-ag"},
		&Request{
			Model:  "gemini-3-pro",
			Body:   []byte(`{"model":"x","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"get_weather","parameters":{"type":"object"}}}]}`),
			Stream: true,
			Source: wire.FormatOpenAI,
		})

	if got.path != "/v1internal:streamGenerateContent" || got.query.Get("alt") != "sse" {
		t.Fatalf("request = %s?%s", got.path, got.query.Encode())
	}
	doc := gjson.ParseBytes(got.body)
	if doc.Get("project").Str != "proj-ag" {
		t.Fatalf("project = %q", doc.Get("project").Str)
	}
	if _, err := uuid.Parse(doc.Get("user_prompt_id").Str); err != nil {
		t.Fatalf("user_prompt_id = %q: %v", doc.Get("user_prompt_id").Str, err)
	}
	if _, err := uuid.Parse(doc.Get("request.session_id").Str); err != nil {
		t.Fatalf("request.session_id = %q: %v", doc.Get("request.session_id").Str, err)
	}
	if doc.Get("request.toolConfig.functionCallingConfig.mode").Str != "AUTO" {
		t.Fatalf("toolConfig = %s", doc.Get("request.toolConfig").Raw)
	}
	if res.Format != wire.FormatAntigravity {
		t.Fatalf("Format = %q", res.Format)
	}
}

// TestDecorateAntigravityGeneratesProject verifies a missing project is
// filled with a generated id and plain requests get no toolConfig.
func TestDecorateAntigravityGeneratesProject(t *testing.T) {
	out := decorateAntigravity([]byte(`{"model":"m","request":{"contents":[]}}`))
	doc := gjson.ParseBytes(out)
	if _, err := uuid.Parse(doc.Get("project").Str); err != nil {
		t.Fatalf("project = %q: %v", doc.Get("project").Str, err)
	}
	if doc.Get("request.toolConfig").Exists() {
		t.Fatal("toolConfig injected without tools")
	}
}

// TestKiroExecute verifies the CodeWhisperer payload and auth.
func TestKiroExecute(t *testing.T) {
	got, res := dispatch(t, "kiro",
		&store.Connection{
			ID: "c1", Provider: "kiro", AccessToken: "aws-tok",
			Extra: map[string]any{"profileArn": "arn:aws:codewhisperer:us-east-1:123:profile/p1"},
		},
		&Request{
			Model:  "CLAUDE_SONNET_4_5_20250929_V1_0",
			Body:   []byte(`{"model":"claude","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`),
			Source: wire.FormatClaude,
		})

	if got.path != "/generateAssistantResponse" {
		t.Fatalf("path = %q", got.path)
	}
	if got.header.Get("Authorization") != "Bearer aws-tok" {
		t.Fatalf("Authorization = %q", got.header.Get("Authorization"))
	}
	doc := gjson.ParseBytes(got.body)
	if doc.Get("profileArn").Str != "arn:aws:codewhisperer:us-east-1:123:profile/p1" {
		t.Fatalf("profileArn = %q", doc.Get("profileArn").Str)
	}
	if !doc.Get("conversationState").Exists() {
		t.Fatalf("conversationState missing: %s", got.body)
	}
	if res.Format != wire.FormatKiro {
		t.Fatalf("Format = %q", res.Format)
	}
}

// TestOllamaExecute verifies the daemon path and that auth is only sent when
// a key is configured.
func TestOllamaExecute(t *testing.T) {
	got, res := dispatch(t, "ollama",
		&store.Connection{ID: "c1", Provider: "ollama"},
		&Request{
			Model:  "llama3.2",
			Body:   []byte(`{"model":"llama3.2","messages":[{"role":"user","content":"hi"}]}`),
			Stream: true,
			Source: wire.FormatOllama,
		})

	if got.path != "/api/chat" {
		t.Fatalf("path = %q", got.path)
	}
	if got.header.Get("Authorization") != "" {
		t.Fatalf("Authorization = %q, want none", got.header.Get("Authorization"))
	}
	if gjson.GetBytes(got.body, "model").Str != "llama3.2" {
		t.Fatalf("model = %s", got.body)
	}
	if res.Format != wire.FormatOllama {
		t.Fatalf("Format = %q", res.Format)
	}
}

// TestSetCoversCatalog verifies every catalogue provider gets an executor
// that identifies as the provider.
func TestSetCoversCatalog(t *testing.T) {
	set := NewSet(Options{})
	for _, p := range catalog.All() {
		ex, ok := set.For(p)
		if !ok {
			t.Fatalf("no executor for %q", p.ID)
		}
		if ex.Identifier() != p.ID {
			t.Fatalf("Identifier() = %q, want %q", ex.Identifier(), p.ID)
		}
	}
}

// TestUpstreamError covers the message bound and status accessor.
func TestUpstreamError(t *testing.T) {
	e := &UpstreamError{Status: 429, Body: `{"error":"slow down"}`, URL: "https://api.example.com"}
	if e.HTTPStatus() != 429 {
		t.Fatalf("HTTPStatus = %d", e.HTTPStatus())
	}
	if want := `upstream status 429: {"error":"slow down"}`; e.Error() != want {
		t.Fatalf("Error() = %q, want %q", e.Error(), want)
	}

	empty := &UpstreamError{Status: 502}
	if empty.Error() != "upstream status 502" {
		t.Fatalf("Error() = %q", empty.Error())
	}
}
