package pipeline

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/modelmux/modelmux/internal/store"
)

// echoUpstream captures the request and answers with a fixed body.
type echoUpstream struct {
	srv    *httptest.Server
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
}

func newEchoUpstream(t *testing.T, status int, respBody string) *echoUpstream {
	t.Helper()
	e := &echoUpstream{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.method = r.Method
		e.path = r.URL.Path
		e.query = r.URL.Query()
		e.header = r.Header.Clone()
		e.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func runForward(p *Pipeline, body string, raw bool) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	// Init attaches fasthttp's fake server so the ctx is usable as a
	// context.Context (Done panics on a zero RequestCtx).
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/forward")
	ctx.Request.SetBodyString(body)
	p.HandleForward(ctx, "", raw)
	return ctx
}

func TestForwardInjectsCredential(t *testing.T) {
	up := newEchoUpstream(t, http.StatusOK, `{"data":[{"id":"gpt-4o"}]}`)

	p, _ := newTestPipeline(t, nil, &store.MachineData{
		ID:        "default",
		Providers: map[string]*store.Connection{"c1": connTo("openai", up.srv.URL)},
	})

	ctx := runForward(p, `{"provider":"openai","method":"GET","path":"/models"}`, false)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if up.method != http.MethodGet || up.path != "/models" {
		t.Fatalf("upstream saw %s %s", up.method, up.path)
	}
	if got := up.header.Get("Authorization"); got != "Bearer upstream-key" {
		t.Fatalf("Authorization = %q", got)
	}
	if gjson.GetBytes(ctx.Response.Body(), "data.0.id").Str != "gpt-4o" {
		t.Fatalf("body not relayed: %s", ctx.Response.Body())
	}
}

func TestForwardRelaysBodyAndHeaders(t *testing.T) {
	up := newEchoUpstream(t, http.StatusOK, `{"ok":true}`)

	p, _ := newTestPipeline(t, nil, &store.MachineData{
		ID:        "default",
		Providers: map[string]*store.Connection{"c1": connTo("openai", up.srv.URL)},
	})

	ctx := runForward(p,
		`{"provider":"openai","path":"/fine_tuning/jobs","headers":{"OpenAI-Beta":"ft-v2"},"body":{"training_file":"file-1"}}`,
		false)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if up.method != http.MethodPost {
		t.Fatalf("method = %s, want POST default", up.method)
	}
	if got := up.header.Get("OpenAI-Beta"); got != "ft-v2" {
		t.Fatalf("custom header = %q", got)
	}
	if gjson.GetBytes(up.body, "training_file").Str != "file-1" {
		t.Fatalf("upstream body = %s", up.body)
	}
}

func TestForwardRawUsesAbsoluteURL(t *testing.T) {
	up := newEchoUpstream(t, http.StatusOK, `{}`)

	p, _ := newTestPipeline(t, nil, &store.MachineData{
		ID:        "default",
		Providers: map[string]*store.Connection{"c1": connTo("openai", "http://ignored.invalid")},
	})

	ctx := runForward(p, `{"provider":"openai","url":"`+up.srv.URL+`/v1/custom"}`, true)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if up.path != "/v1/custom" {
		t.Fatalf("upstream path = %q", up.path)
	}
}

func TestForwardValidation(t *testing.T) {
	p, _ := newTestPipeline(t, nil, &store.MachineData{ID: "default"})

	tests := []struct {
		name string
		body string
		raw  bool
		want string
	}{
		{"missing provider", `{"path":"/models"}`, false, "'provider' is required"},
		{"unknown provider", `{"provider":"nope","path":"/models"}`, false, "unknown provider"},
		{"relative path", `{"provider":"openai","path":"models"}`, false, "must start with /"},
		{"raw needs absolute url", `{"provider":"openai","url":"/relative"}`, true, "absolute http(s) URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := runForward(p, tt.body, tt.raw)
			if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
				t.Fatalf("status = %d", ctx.Response.StatusCode())
			}
			msg := gjson.GetBytes(ctx.Response.Body(), "error.message").Str
			if !strings.Contains(msg, tt.want) {
				t.Fatalf("message = %q, want substring %q", msg, tt.want)
			}
		})
	}
}

func TestEmbeddingsRewritesModel(t *testing.T) {
	up := newEchoUpstream(t, http.StatusOK,
		`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],`+
			`"model":"text-embedding-3-small","usage":{"prompt_tokens":2,"total_tokens":2}}`)

	p, _ := newTestPipeline(t, nil, &store.MachineData{
		ID:        "default",
		Providers: map[string]*store.Connection{"c1": connTo("openai", up.srv.URL)},
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/v1/embeddings")
	ctx.Request.SetBodyString(`{"model":"openai/text-embedding-3-small","input":"hello"}`)
	p.HandleEmbeddings(ctx, "")

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if up.path != "/embeddings" {
		t.Fatalf("upstream path = %q", up.path)
	}
	if got := gjson.GetBytes(up.body, "model").Str; got != "text-embedding-3-small" {
		t.Fatalf("model sent upstream = %q", got)
	}
	if gjson.GetBytes(ctx.Response.Body(), "data.0.object").Str != "embedding" {
		t.Fatalf("body not relayed: %s", ctx.Response.Body())
	}
}

func TestEmbeddingsRejectsNonOpenAIDialect(t *testing.T) {
	p, _ := newTestPipeline(t, nil, &store.MachineData{
		ID:        "default",
		Providers: map[string]*store.Connection{"c1": connTo("claude", "http://ignored.invalid")},
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/v1/embeddings")
	ctx.Request.SetBodyString(`{"model":"claude/claude-sonnet-4","input":"hello"}`)
	p.HandleEmbeddings(ctx, "")

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if msg := gjson.GetBytes(ctx.Response.Body(), "error.message").Str; !strings.Contains(msg, "embeddings") {
		t.Fatalf("message = %q", msg)
	}
}
