package executor

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/wire"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicOAuthBeta = "oauth-2025-04-20"
)

// claudeExecutor posts Anthropic Messages requests, authenticating with an
// admin API key or an OAuth access token depending on the connection.
type claudeExecutor struct {
	*core
	prov *catalog.Provider
}

func (e *claudeExecutor) Identifier() string { return e.prov.ID }

func (e *claudeExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	payload, err := req.translated(wire.FormatClaude)
	if err != nil {
		return nil, err
	}
	resp, u, err := e.doWithRetry(ctx, e.prov.ID, baseURLs(e.prov, req.Conn), func(u string) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(u, "/")+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		setJSONHeaders(httpReq.Header, req.Stream)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		if req.Conn.AccessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.Conn.AccessToken)
			httpReq.Header.Set("anthropic-beta", anthropicOAuthBeta)
		} else {
			httpReq.Header.Set("x-api-key", req.Conn.APIKey)
		}
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Format: wire.FormatClaude, URL: u}, nil
}
