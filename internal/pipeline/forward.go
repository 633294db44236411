package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/pool"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/wire"
	"github.com/modelmux/modelmux/pkg/apierr"
)

// ForwardRequest is the envelope for the generic passthrough endpoints. The
// proxy supplies the credential; the caller supplies everything else.
type ForwardRequest struct {
	// Provider picks the credential pool and, for /forward, the base URL.
	Provider string `json:"provider"`

	// Method defaults to POST.
	Method string `json:"method,omitempty"`

	// Path is joined to the provider's base URL by /forward.
	Path string `json:"path,omitempty"`

	// URL is the absolute target used by /forward-raw.
	URL string `json:"url,omitempty"`

	// Headers are set verbatim before the auth header is injected.
	Headers map[string]string `json:"headers,omitempty"`

	Body json.RawMessage `json:"body,omitempty"`
}

// HandleForward serves /forward and /forward-raw: an authenticated
// passthrough that injects a pooled credential into an arbitrary provider
// call. Raw mode trusts the caller's absolute URL; plain mode joins the path
// onto the provider's configured base URL.
func (p *Pipeline) HandleForward(ctx *fasthttp.RequestCtx, urlMachineID string, raw bool) {
	start := time.Now()
	route := "forward"
	if raw {
		route = "forward_raw"
	}
	defer p.observeSimple(ctx, route, start)

	machineID, _, ok := p.Authenticate(ctx, urlMachineID)
	if !ok {
		return
	}

	var fr ForwardRequest
	if err := json.Unmarshal(ctx.PostBody(), &fr); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body: "+err.Error(), apierr.TypeInvalidRequest)
		return
	}
	if fr.Provider == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'provider' is required", apierr.TypeInvalidRequest)
		return
	}
	prov, ok := catalog.Resolve(fr.Provider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "unknown provider: "+fr.Provider, apierr.TypeInvalidRequest)
		return
	}

	method := strings.ToUpper(fr.Method)
	if method == "" {
		method = fasthttp.MethodPost
	}

	if raw {
		u, err := url.Parse(fr.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'url' must be an absolute http(s) URL", apierr.TypeInvalidRequest)
			return
		}
	} else if fr.Path == "" || !strings.HasPrefix(fr.Path, "/") {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'path' must start with /", apierr.TypeInvalidRequest)
		return
	}

	resp, _, err := p.rawExchange(ctx, machineID, prov, "", func(conn *store.Connection) (*http.Request, error) {
		targetURL := fr.URL
		if !raw {
			base := baseURLFor(prov, conn)
			if base == "" {
				return nil, fmt.Errorf("provider has no base URL: %s", fr.Provider)
			}
			targetURL = base + fr.Path
		}
		req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(fr.Body))
		if err != nil {
			return nil, err
		}
		if len(fr.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range fr.Headers {
			req.Header.Set(k, v)
		}
		signRequest(req, prov, conn)
		return req, nil
	})
	if err != nil {
		p.writeExchangeError(ctx, err, fr.Provider)
		return
	}
	p.relayResponse(ctx, resp)
}

// HandleEmbeddings proxies an OpenAI embeddings request through the
// credential pool. Only OpenAI-dialect providers expose the endpoint.
func (p *Pipeline) HandleEmbeddings(ctx *fasthttp.RequestCtx, urlMachineID string) {
	start := time.Now()
	defer p.observeSimple(ctx, "embeddings", start)

	machineID, machine, ok := p.Authenticate(ctx, urlMachineID)
	if !ok {
		return
	}

	body := ctx.PostBody()
	if len(body) > 0 && !gjson.ValidBytes(body) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required", apierr.TypeInvalidRequest)
		return
	}

	targets, err := resolveTargets(machine, model)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest)
		return
	}
	t := targets[0]
	if t.prov.Format != wire.FormatOpenAI {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %s does not serve embeddings", t.prov.ID), apierr.TypeInvalidRequest)
		return
	}

	upstream, err := sjson.SetBytes(body, "model", t.model)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "rewriting model: "+err.Error(), apierr.TypeInvalidRequest)
		return
	}

	resp, _, err := p.rawExchange(ctx, machineID, t.prov, t.model, func(conn *store.Connection) (*http.Request, error) {
		base := baseURLFor(t.prov, conn)
		if base == "" {
			return nil, fmt.Errorf("provider has no base URL: %s", t.prov.ID)
		}
		req, err := http.NewRequestWithContext(ctx, fasthttp.MethodPost, base+"/embeddings", bytes.NewReader(upstream))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		signRequest(req, t.prov, conn)
		return req, nil
	})
	if err != nil {
		p.writeExchangeError(ctx, err, t.prov.ID)
		return
	}
	p.relayResponse(ctx, resp)
}

// rawExchange runs the credential fallback loop around a caller-built HTTP
// request. Retryable failures cool the connection down and retry with the
// next one; everything else is returned to the caller with the body intact.
func (p *Pipeline) rawExchange(ctx *fasthttp.RequestCtx, machineID string, prov *catalog.Provider, model string, mk func(conn *store.Connection) (*http.Request, error)) (*http.Response, *store.Connection, error) {
	exclude := make(map[string]bool)
	for {
		conn, err := p.pool.Select(ctx, machineID, prov, model, exclude)
		if err != nil {
			return nil, nil, err
		}
		conn = p.refresher.EnsureFresh(ctx, machineID, conn)

		req, err := mk(conn)
		if err != nil {
			return nil, nil, err
		}

		attemptStart := time.Now()
		resp, err := p.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			v := pool.Classify(0, err.Error())
			p.observeAttempt(prov.ID, reasonFor(v), time.Since(attemptStart))
			p.failover(ctx, machineID, conn, target{prov: prov, model: model}, v)
			exclude[conn.ID] = true
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			p.observeAttempt(prov.ID, "success", time.Since(attemptStart))
			if err := p.pool.MarkSuccess(ctx, machineID, conn.ID); err != nil {
				p.log.WarnContext(ctx, "pool_mark_success",
					slog.String("connection_id", conn.ID),
					slog.String("error", err.Error()),
				)
			}
			return resp, conn, nil
		}

		errBody := readCapped(resp.Body, p.maxCapture)
		drainClose(resp)
		v := pool.Classify(resp.StatusCode, errBody)
		p.observeAttempt(prov.ID, reasonFor(v), time.Since(attemptStart))
		if !v.Retryable {
			// Terminal statuses stay visible to the caller verbatim.
			return nil, nil, &passthroughError{status: resp.StatusCode, body: errBody}
		}
		p.failover(ctx, machineID, conn, target{prov: prov, model: model}, v)
		exclude[conn.ID] = true
	}
}

// passthroughError carries a terminal upstream response out of rawExchange.
type passthroughError struct {
	status int
	body   string
}

func (e *passthroughError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.status, e.body)
}

// writeExchangeError maps a rawExchange failure onto the client response.
func (p *Pipeline) writeExchangeError(ctx *fasthttp.RequestCtx, err error, provider string) {
	switch e := err.(type) {
	case *passthroughError:
		status := e.status
		if status < 400 || status > 599 {
			status = fasthttp.StatusBadGateway
		}
		if gjson.Valid(e.body) {
			ctx.Response.Reset()
			ctx.SetStatusCode(status)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(e.body)
			return
		}
		apierr.WriteUpstream(ctx, e.status, e.body)
	case *pool.AllCoolingDownError:
		msg := fmt.Sprintf("all %s credentials are cooling down (last error: %s)", e.Provider, e.LastError)
		apierr.WriteRateLimited(ctx, e.RetryAfter(time.Now()), msg)
	default:
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, pool.ErrNoCredentials) {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "no credentials configured for provider "+provider, apierr.TypeInvalidRequest)
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError)
	}
}

// relayResponse copies an upstream response to the client and closes it.
func (p *Pipeline) relayResponse(ctx *fasthttp.RequestCtx, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "reading upstream response: "+err.Error(), apierr.TypeProviderError)
		return
	}
	ctx.SetStatusCode(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		ctx.SetContentType(ct)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(body)
}

// baseURLFor picks the primary endpoint root, honouring the per-connection
// override.
func baseURLFor(prov *catalog.Provider, conn *store.Connection) string {
	if v := conn.ExtraString("baseUrl"); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	if len(prov.BaseURLs) > 0 {
		return strings.TrimSuffix(prov.BaseURLs[0], "/")
	}
	return ""
}

// signRequest injects the connection's credential per the provider's auth
// scheme.
func signRequest(req *http.Request, prov *catalog.Provider, conn *store.Connection) {
	switch prov.AuthScheme {
	case catalog.AuthAPIKeyHeader:
		if conn.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
		} else {
			req.Header.Set("x-api-key", conn.APIKey)
		}
		req.Header.Set("anthropic-version", "2023-06-01")
	case catalog.AuthQueryKey:
		q := req.URL.Query()
		q.Set("key", conn.Token())
		req.URL.RawQuery = q.Encode()
	default:
		if tok := conn.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

// observeSimple finalises HTTP metrics for the non-chat endpoints.
func (p *Pipeline) observeSimple(ctx *fasthttp.RequestCtx, route string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
		len(ctx.PostBody()), len(ctx.Response.Body()))
}
