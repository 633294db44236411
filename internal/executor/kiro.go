package executor

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/wire"
)

// kiroExecutor posts CodeWhisperer conversation payloads. The wire builder
// already embeds the profile ARN; the endpoint is the same for streaming and
// buffered responses.
type kiroExecutor struct {
	*core
	prov *catalog.Provider
}

func (e *kiroExecutor) Identifier() string { return e.prov.ID }

func (e *kiroExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	payload, err := req.translated(wire.FormatKiro)
	if err != nil {
		return nil, err
	}
	resp, u, err := e.doWithRetry(ctx, e.prov.ID, baseURLs(e.prov, req.Conn), func(u string) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(u, "/")+"/generateAssistantResponse", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		setJSONHeaders(httpReq.Header, req.Stream)
		httpReq.Header.Set("Authorization", "Bearer "+req.Conn.Token())
		httpReq.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Format: wire.FormatKiro, URL: u}, nil
}
