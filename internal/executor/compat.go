package executor

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/wire"
)

// compatExecutor serves every Bearer-authenticated provider speaking the
// OpenAI Chat Completions dialect, from api.openai.com itself down the list
// of compatible vendors.
type compatExecutor struct {
	*core
	prov *catalog.Provider
}

func (e *compatExecutor) Identifier() string { return e.prov.ID }

func (e *compatExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	payload, err := req.translated(wire.FormatOpenAI)
	if err != nil {
		return nil, err
	}
	resp, u, err := e.doWithRetry(ctx, e.prov.ID, baseURLs(e.prov, req.Conn), func(u string) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(u, "/")+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		setJSONHeaders(httpReq.Header, req.Stream)
		httpReq.Header.Set("Authorization", "Bearer "+req.Conn.Token())
		if e.prov.ID == "copilot" {
			copilotHeaders(httpReq.Header)
		}
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Format: wire.FormatOpenAI, URL: u}, nil
}

// copilotHeaders adds the editor identity GitHub's endpoint gates on.
func copilotHeaders(h http.Header) {
	h.Set("Editor-Version", "vscode/1.99.2")
	h.Set("Editor-Plugin-Version", "copilot-chat/0.26.3")
	h.Set("Copilot-Integration-ID", "vscode-chat")
	h.Set("OpenAI-Intent", "conversation-agent")
}
