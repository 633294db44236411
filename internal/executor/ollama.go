package executor

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/wire"
)

// ollamaExecutor talks to a local or remote Ollama daemon. Auth is optional;
// a configured key is sent as a Bearer token for reverse-proxied daemons.
type ollamaExecutor struct {
	*core
	prov *catalog.Provider
}

func (e *ollamaExecutor) Identifier() string { return e.prov.ID }

func (e *ollamaExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	payload, err := req.translated(wire.FormatOllama)
	if err != nil {
		return nil, err
	}
	resp, u, err := e.doWithRetry(ctx, e.prov.ID, baseURLs(e.prov, req.Conn), func(u string) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(u, "/")+"/api/chat", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		setJSONHeaders(httpReq.Header, req.Stream)
		if tok := req.Conn.Token(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Format: wire.FormatOllama, URL: u}, nil
}
