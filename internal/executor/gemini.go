package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/wire"
)

// geminiExecutor speaks the public Generative Language API: the model and
// the stream mode travel in the URL and the key rides as a query parameter.
type geminiExecutor struct {
	*core
	prov *catalog.Provider
}

func (e *geminiExecutor) Identifier() string { return e.prov.ID }

func (e *geminiExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	payload, err := req.translated(wire.FormatGemini)
	if err != nil {
		return nil, err
	}
	action := "generateContent"
	query := "key=" + url.QueryEscape(req.Conn.Token())
	if req.Stream {
		action = "streamGenerateContent"
		query = "alt=sse&" + query
	}
	resp, u, err := e.doWithRetry(ctx, e.prov.ID, baseURLs(e.prov, req.Conn), func(u string) (*http.Request, error) {
		endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s?%s",
			strings.TrimSuffix(u, "/"), url.PathEscape(req.Model), action, query)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		setJSONHeaders(httpReq.Header, req.Stream)
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Format: wire.FormatGemini, URL: u}, nil
}

// cloudCodeExecutor tunnels plain Gemini payloads through the v1internal
// Cloud Code surface: the envelope nests the request next to the model and
// project, and auth is the user's OAuth token.
type cloudCodeExecutor struct {
	*core
	prov   *catalog.Provider
	target wire.Format
}

func (e *cloudCodeExecutor) Identifier() string { return e.prov.ID }

func (e *cloudCodeExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	inner, err := req.translated(e.target)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(struct {
		Model   string          `json:"model"`
		Project string          `json:"project,omitempty"`
		Request json.RawMessage `json:"request"`
	}{req.Model, req.Conn.ProjectID, inner})
	if err != nil {
		return nil, err
	}
	resp, u, err := e.postInternal(ctx, req, payload)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Format: e.target, URL: u}, nil
}

// postInternal posts a v1internal envelope with Bearer auth, shared by the
// Cloud Code and Antigravity executors.
func (e *cloudCodeExecutor) postInternal(ctx context.Context, req *Request, payload []byte) (*http.Response, string, error) {
	action := "v1internal:generateContent"
	if req.Stream {
		action = "v1internal:streamGenerateContent?alt=sse"
	}
	return e.doWithRetry(ctx, e.prov.ID, baseURLs(e.prov, req.Conn), func(u string) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(u, "/")+"/"+action, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		setJSONHeaders(httpReq.Header, req.Stream)
		httpReq.Header.Set("Authorization", "Bearer "+req.Conn.Token())
		return httpReq, nil
	})
}

// antigravityExecutor is the Cloud Code sandbox surface. The wire layer
// builds the envelope; per-dispatch identifiers are filled in here.
type antigravityExecutor struct {
	*core
	prov *catalog.Provider
}

func (e *antigravityExecutor) Identifier() string { return e.prov.ID }

func (e *antigravityExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	payload, err := req.translated(wire.FormatAntigravity)
	if err != nil {
		return nil, err
	}
	payload = decorateAntigravity(payload)
	inner := cloudCodeExecutor{core: e.core, prov: e.prov, target: wire.FormatAntigravity}
	resp, u, err := inner.postInternal(ctx, req, payload)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Format: wire.FormatAntigravity, URL: u}, nil
}

// decorateAntigravity fills the identifiers the sandbox requires on every
// dispatch. Session and prompt ids are fresh UUIDs; a connection without a
// provisioned project gets a generated one; tool-carrying requests get a
// default function-calling config when none was set.
func decorateAntigravity(payload []byte) []byte {
	if gjson.GetBytes(payload, "project").Str == "" {
		payload, _ = sjson.SetBytes(payload, "project", uuid.NewString())
	}
	payload, _ = sjson.SetBytes(payload, "user_prompt_id", uuid.NewString())
	payload, _ = sjson.SetBytes(payload, "request.session_id", uuid.NewString())
	if gjson.GetBytes(payload, "request.tools").Exists() && !gjson.GetBytes(payload, "request.toolConfig").Exists() {
		payload, _ = sjson.SetRawBytes(payload, "request.toolConfig",
			[]byte(`{"functionCallingConfig":{"mode":"AUTO"}}`))
	}
	return payload
}
